package client

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core/messaging"
)

// ErrSendInFlight is returned when a message is sent while the previous one is still on its way.
var ErrSendInFlight = errors.New("a message is already being sent")

// MessagePoster posts messages. *Client is one.
type MessagePoster interface {
	SendMessage(ctx context.Context, convID int64, in messaging.NewMessage) (messaging.Message, error)
}

var _ MessagePoster = (*Client)(nil)

// Sender posts the messages of the composer. Re-submission is disabled while a send is in flight,
// so a double click never posts twice.
type Sender struct {
	api   MessagePoster
	store *MessageStore // optional

	mu   sync.Mutex
	busy map[int64]bool
}

func NewSender(api MessagePoster, store *MessageStore) *Sender {
	return &Sender{api: api, store: store, busy: make(map[int64]bool)}
}

// Busy reports whether a message is being sent to the conversation.
func (s *Sender) Busy(convID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy[convID]
}

// Send posts a message, and adds it to the store once accepted.
func (s *Sender) Send(ctx context.Context, convID int64, in messaging.NewMessage) (messaging.Message, error) {
	s.mu.Lock()
	if s.busy[convID] {
		s.mu.Unlock()
		return messaging.Message{}, ErrSendInFlight
	}
	s.busy[convID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.busy, convID)
		s.mu.Unlock()
	}()

	msg, err := s.api.SendMessage(ctx, convID, in)
	if err != nil {
		return messaging.Message{}, err
	}
	if s.store != nil {
		s.store.Upsert(msg)
	}
	return msg, nil
}

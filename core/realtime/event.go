package realtime

import (
	"context"
	"strconv"

	"github.com/trezcool/masomo-messaging/core/user"
)

type EventType string

const (
	EventMessage      EventType = "message"
	EventReadStatus   EventType = "read-status"
	EventParticipants EventType = "participants"
	EventFolder       EventType = "folder"
)

// Event signals that a conversation changed. It carries no payload:
// subscribers reload from the store, which stays the source of truth.
type Event struct {
	Type           EventType  `json:"type"`
	ConversationID int64      `json:"conversation_id"`
	Revision       int64      `json:"revision"`
	Recipients     []user.Ref `json:"recipients"`
}

// Topics lists every topic the event is delivered to.
func (e Event) Topics() []string {
	topics := make([]string, 0, len(e.Recipients)+1)
	if e.ConversationID != 0 {
		topics = append(topics, ConversationTopic(e.ConversationID))
	}
	for _, r := range e.Recipients {
		topics = append(topics, UserTopic(r))
	}
	return topics
}

func ConversationTopic(id int64) string { return "conv:" + strconv.FormatInt(id, 10) }

func UserTopic(ref user.Ref) string { return "user:" + ref.String() }

type (
	Publisher interface {
		Publish(ctx context.Context, evt Event) error
	}

	// Broker fans events out to subscribers of their topics.
	// Subscribe returns a channel of events and a func that must be called to unsubscribe.
	Broker interface {
		Publisher
		Subscribe(topic string) (<-chan Event, func())
		Close() error
	}
)

package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-contrib/sse"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/trezcool/masomo-messaging/core/messaging"
)

const (
	eventMessageBatch = "message-batch"
	eventReadStatus   = "read-status"
	eventParticipants = "participants-changed"
	eventNotification = "notification"
	eventRevoked      = "revoked"
	eventPing         = "ping"

	maxEventSize = 4 << 20
)

// Resource is what a Synchronizer follows: a conversation, or the caller's notifications when ConversationID is 0.
type Resource struct {
	ConversationID int64
}

func (r Resource) String() string {
	if r.ConversationID > 0 {
		return fmt.Sprintf("conversation:%d", r.ConversationID)
	}
	return "notifications"
}

// Cursor is what the client already holds. An empty Version asks for an unconditional refresh.
type Cursor struct {
	AfterID int64
	Version string
}

// Update is a change delivered by a Transport. Conversation updates may be partial:
// a stream delivers messages, participants & read statuses as separate updates.
type Update struct {
	Conversation  *messaging.ConversationState
	Notifications *messaging.NotificationState
}

// Transport fetches the changes of a Resource.
type Transport interface {
	// Sync delivers the changes after cur to apply, until it has nothing more to deliver or fails.
	// It reports whether anything changed.
	Sync(ctx context.Context, res Resource, cur Cursor, apply func(Update)) (bool, error)
}

// PollTransport sends conditional polls. Overlapping polls of the same resource & cursor share one request.
type PollTransport struct {
	api   *Client
	group singleflight.Group
}

var _ Transport = (*PollTransport)(nil)

func NewPollTransport(api *Client) *PollTransport {
	return &PollTransport{api: api}
}

type pollResult struct {
	conversation  messaging.ConversationState
	notifications messaging.NotificationState
	modified      bool
}

func (t *PollTransport) pollOnce(ctx context.Context, res Resource, cur Cursor) (pollResult, error) {
	key := fmt.Sprintf("%s:%d:%s", res, cur.AfterID, cur.Version)
	// the shared request outlives any single caller; each one stops waiting on its own ctx
	sctx := context.WithoutCancel(ctx)
	ch := t.group.DoChan(key, func() (interface{}, error) {
		var (
			pr  pollResult
			err error
		)
		if res.ConversationID > 0 {
			pr.conversation, pr.modified, err = t.api.PollConversation(sctx, res.ConversationID, cur.AfterID, cur.Version)
		} else {
			pr.notifications, pr.modified, err = t.api.PollNotifications(sctx, cur.Version)
		}
		return pr, err
	})

	select {
	case <-ctx.Done():
		return pollResult{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return pollResult{}, r.Err
		}
		return r.Val.(pollResult), nil
	}
}

func (t *PollTransport) Sync(ctx context.Context, res Resource, cur Cursor, apply func(Update)) (bool, error) {
	changed := false
	for {
		pr, err := t.pollOnce(ctx, res, cur)
		if err != nil {
			return changed, err
		}
		if !pr.modified {
			return changed, nil
		}
		changed = true

		if res.ConversationID == 0 {
			state := pr.notifications
			apply(Update{Notifications: &state})
			return changed, nil
		}

		state := pr.conversation
		apply(Update{Conversation: &state})
		if !state.HasMore {
			return changed, nil
		}
		// the version stays stale while pages remain
		cur = Cursor{AfterID: state.LastID, Version: state.Version}
	}
}

// StreamTransport follows the push stream of a resource, until the server ends it.
type StreamTransport struct {
	api *Client
}

var _ Transport = (*StreamTransport)(nil)

func NewStreamTransport(api *Client) *StreamTransport {
	return &StreamTransport{api: api}
}

func (t *StreamTransport) Sync(ctx context.Context, res Resource, cur Cursor, apply func(Update)) (bool, error) {
	token, err := t.api.StreamToken(ctx, res.ConversationID)
	if err != nil {
		return false, err
	}

	q := url.Values{"token": []string{token}}
	path := "/stream/notifications"
	if res.ConversationID > 0 {
		path = fmt.Sprintf("/stream/conversations/%d", res.ConversationID)
		if cur.AfterID > 0 {
			q.Set("last_seen", strconv.FormatInt(cur.AfterID, 10))
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.api.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return false, errors.Wrap(err, "building stream request")
	}
	req.Header.Set("Accept", sse.ContentType)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.api.send(t.api.stream, req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, errorFrom(resp)
	}

	changed := false
	events := newEventReader(resp.Body)
	for {
		evt, err := events.next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return changed, ctxErr
			}
			if err == io.EOF {
				return changed, nil
			}
			return changed, &TransientTransportError{Err: errors.Wrap(err, "reading stream")}
		}

		upd, err := decodeEvent(evt)
		if err != nil {
			return changed, err
		}
		if upd != nil {
			apply(*upd)
			changed = true
		}
	}
}

// decodeEvent turns a stream event into an Update. Keep-alives give none.
func decodeEvent(evt sse.Event) (*Update, error) {
	data, _ := evt.Data.(string)
	decode := func(v interface{}) error {
		if err := json.Unmarshal([]byte(data), v); err != nil {
			return &TransientTransportError{Err: errors.Wrapf(err, "decoding %s event", evt.Event)}
		}
		return nil
	}

	switch evt.Event {
	case eventMessageBatch:
		var state messaging.ConversationState
		if err := decode(&state); err != nil {
			return nil, err
		}
		return &Update{Conversation: &state}, nil
	case eventParticipants:
		var ps []messaging.Participant
		if err := decode(&ps); err != nil {
			return nil, err
		}
		if ps == nil {
			ps = []messaging.Participant{}
		}
		return &Update{Conversation: &messaging.ConversationState{Participants: ps}}, nil
	case eventReadStatus:
		var statuses []messaging.ReadStatus
		if err := decode(&statuses); err != nil {
			return nil, err
		}
		return &Update{Conversation: &messaging.ConversationState{ReadStatus: statuses}}, nil
	case eventNotification:
		var state messaging.NotificationState
		if err := decode(&state); err != nil {
			return nil, err
		}
		if state.Version == "" {
			state.Version = evt.Id
		}
		return &Update{Notifications: &state}, nil
	case eventRevoked:
		return nil, ErrRevoked
	default: // ping & unknown events
		return nil, nil
	}
}

// eventReader splits a stream into events, each decoded on its own.
type eventReader struct {
	rd *bufio.Reader
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{rd: bufio.NewReader(r)}
}

func (er *eventReader) next() (sse.Event, error) {
	var frame bytes.Buffer
	for {
		line, err := er.rd.ReadBytes('\n')
		if len(line) > 0 {
			frame.Write(line)
		}
		if frame.Len() > maxEventSize {
			return sse.Event{}, errors.New("event too large")
		}

		if err == nil && len(bytes.TrimRight(line, "\r\n")) > 0 {
			continue
		}
		if err != nil && err != io.EOF {
			return sse.Event{}, err
		}

		// blank line (or end of stream): dispatch
		if len(bytes.TrimSpace(frame.Bytes())) > 0 {
			frame.WriteString("\n")
			evts, derr := sse.Decode(&frame)
			if derr != nil {
				return sse.Event{}, errors.Wrap(derr, "decoding event")
			}
			if len(evts) > 0 {
				return evts[0], nil
			}
		}
		frame.Reset()
		if err == io.EOF {
			return sse.Event{}, io.EOF
		}
	}
}

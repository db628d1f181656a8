package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-messaging/core/messaging"
)

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/v1", "secret", WithHTTPClient(srv.Client()))
}

type collector struct {
	mu      sync.Mutex
	updates []Update
}

func (c *collector) apply(u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
}

func TestPollTransport(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/poll/conversations/7", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		if r.Header.Get(headerIfNoneMatch) == `"c7-r3"` {
			w.Header().Set(headerETag, `"c7-r3"`)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		// two pages: the tag stays stale until the last one
		state := messaging.ConversationState{Version: "c7-r0", Revision: 3, LastID: 2, HasMore: true, Messages: []messaging.Message{msg(1, "a"), msg(2, "b")}}
		if r.URL.Query().Get("after_id") == "2" {
			state = messaging.ConversationState{Version: "c7-r3", Revision: 3, LastID: 3, Messages: []messaging.Message{msg(3, "c")}}
		}
		w.Header().Set(headerETag, strconv.Quote(state.Version))
		writeJSON(w, http.StatusOK, map[string]interface{}{"version": state.Version, "payload": state})
	})
	mux.HandleFunc("/v1/poll/conversations/8", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "permission denied"})
	})
	mux.HandleFunc("/v1/poll/conversations/9", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	})
	tr := NewPollTransport(newTestClient(t, mux))
	ctx := context.Background()

	t.Run("pages until up to date", func(t *testing.T) {
		var c collector
		changed, err := tr.Sync(ctx, Resource{ConversationID: 7}, Cursor{}, c.apply)
		require.NoError(t, err)
		assert.True(t, changed)
		require.Len(t, c.updates, 2)
		assert.Equal(t, []int64{1, 2}, ids(c.updates[0].Conversation.Messages))
		assert.Equal(t, []int64{3}, ids(c.updates[1].Conversation.Messages))
		assert.Equal(t, "c7-r3", c.updates[1].Conversation.Version)
	})

	t.Run("not modified", func(t *testing.T) {
		var c collector
		changed, err := tr.Sync(ctx, Resource{ConversationID: 7}, Cursor{AfterID: 3, Version: "c7-r3"}, c.apply)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Empty(t, c.updates)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := tr.Sync(ctx, Resource{ConversationID: 8}, Cursor{}, func(Update) {})
		require.Error(t, err)
		assert.True(t, isRevoked(err))
		assert.False(t, IsTransient(err))

		_, err = tr.Sync(ctx, Resource{ConversationID: 9}, Cursor{}, func(Update) {})
		require.Error(t, err)
		assert.True(t, IsTransient(err))
		assert.False(t, isRevoked(err))
	})
}

func TestPollTransport_coalescing(t *testing.T) {
	var requests int32
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/poll/notifications", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		<-release
		state := messaging.NotificationState{Version: "nabc", TotalUnread: 2}
		writeJSON(w, http.StatusOK, map[string]interface{}{"version": state.Version, "payload": state})
	})
	tr := NewPollTransport(newTestClient(t, mux))

	var wg sync.WaitGroup
	results := make([]*messaging.NotificationState, 3)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Sync(context.Background(), Resource{}, Cursor{Version: "nold"}, func(u Update) { results[i] = u.Notifications })
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&requests) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond) // let the others join the flight
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, 2, r.TotalUnread)
	}
}

func TestPollTransport_coalescedCallerCancels(t *testing.T) {
	var requests int32
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/poll/notifications", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		<-release
		state := messaging.NotificationState{Version: "nabc", TotalUnread: 5}
		writeJSON(w, http.StatusOK, map[string]interface{}{"version": state.Version, "payload": state})
	})
	tr := NewPollTransport(newTestClient(t, mux))

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := tr.Sync(firstCtx, Resource{}, Cursor{Version: "nold"}, func(Update) {})
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&requests) == 1 }, time.Second, 5*time.Millisecond)

	var got *messaging.NotificationState
	secondErr := make(chan error, 1)
	go func() {
		_, err := tr.Sync(context.Background(), Resource{}, Cursor{Version: "nold"}, func(u Update) { got = u.Notifications })
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the second caller join the flight

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("the first caller kept waiting after its context was canceled")
	}

	close(release)
	select {
	case err := <-secondErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("the second caller never got the shared response")
	}
	require.NotNil(t, got)
	assert.Equal(t, 5, got.TotalUnread)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}

func TestStreamTransport(t *testing.T) {
	streamed := func(events ...sse.Event) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("token") != "stream-token" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired jwt"})
				return
			}
			w.Header().Set("Content-Type", sse.ContentType)
			w.WriteHeader(http.StatusOK)
			for _, evt := range events {
				_ = sse.Encode(w, evt)
				w.(http.Flusher).Flush()
			}
		}
	}

	var lastSeen atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/conversations/7/stream-token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]string{"token": "stream-token"})
	})
	mux.HandleFunc("/v1/conversations/8/stream-token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]string{"token": "stream-token"})
	})
	mux.HandleFunc("/v1/notifications/stream-token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]string{"token": "stream-token"})
	})
	conv7 := streamed(
		sse.Event{Event: eventMessageBatch, Id: "2", Retry: 2000, Data: map[string]interface{}{
			"version": "c7-r4", "last_id": 2, "has_more": false, "messages": []messaging.Message{msg(1, "a"), msg(2, "b")},
		}},
		sse.Event{Event: eventParticipants, Data: []messaging.Participant{{ConversationID: 7, UserID: "t1", Role: messaging.RoleAdmin}}},
		sse.Event{Event: eventPing, Data: "2026-10-18T10:00:00Z"},
		sse.Event{Event: eventReadStatus, Data: []messaging.ReadStatus{{MessageID: 1, ReadByCount: 1, TotalActiveParticipants: 1, AllRead: true}}},
	)
	mux.HandleFunc("/v1/stream/conversations/7", func(w http.ResponseWriter, r *http.Request) {
		lastSeen.Store(r.URL.Query().Get("last_seen"))
		conv7(w, r)
	})
	mux.HandleFunc("/v1/stream/conversations/8", streamed(
		sse.Event{Event: eventRevoked, Data: map[string]string{"error": "permission denied"}},
	))
	mux.HandleFunc("/v1/stream/notifications", streamed(
		sse.Event{Event: eventNotification, Id: "nxyz", Data: messaging.NotificationState{Version: "nxyz", TotalUnread: 4}},
	))
	tr := NewStreamTransport(newTestClient(t, mux))
	ctx := context.Background()

	t.Run("conversation", func(t *testing.T) {
		var c collector
		changed, err := tr.Sync(ctx, Resource{ConversationID: 7}, Cursor{AfterID: 1}, c.apply)
		require.NoError(t, err) // the server ended the stream
		assert.True(t, changed)
		assert.Equal(t, "1", lastSeen.Load())

		require.Len(t, c.updates, 3)
		batch := c.updates[0].Conversation
		assert.Equal(t, "c7-r4", batch.Version)
		assert.Equal(t, int64(2), batch.LastID)
		assert.Equal(t, []int64{1, 2}, ids(batch.Messages))
		require.Len(t, c.updates[1].Conversation.Participants, 1)
		require.Len(t, c.updates[2].Conversation.ReadStatus, 1)
		assert.True(t, c.updates[2].Conversation.ReadStatus[0].AllRead)
	})

	t.Run("revoked", func(t *testing.T) {
		_, err := tr.Sync(ctx, Resource{ConversationID: 8}, Cursor{}, func(Update) {})
		assert.Equal(t, ErrRevoked, err)
	})

	t.Run("notifications", func(t *testing.T) {
		var c collector
		changed, err := tr.Sync(ctx, Resource{}, Cursor{}, c.apply)
		require.NoError(t, err)
		assert.True(t, changed)
		require.Len(t, c.updates, 1)
		assert.Equal(t, "nxyz", c.updates[0].Notifications.Version)
		assert.Equal(t, 4, c.updates[0].Notifications.TotalUnread)
	})

	t.Run("no token", func(t *testing.T) {
		_, err := tr.Sync(ctx, Resource{ConversationID: 9}, Cursor{}, func(Update) {})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	})
}

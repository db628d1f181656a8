package tests

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/trezcool/masomo-messaging/apps/api/echo"
	"github.com/trezcool/masomo-messaging/core/messaging"
	"github.com/trezcool/masomo-messaging/core/user"
	"github.com/trezcool/masomo-messaging/tests"
)

type pollResult struct {
	code    int
	etag    string
	version string
	body    string
}

func (a *app) poll(t *testing.T, path, token, ifNoneMatch string) pollResult {
	req, rec := newAuthRequest(http.MethodGet, path, token)
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}
	a.do(req, rec)
	res := pollResult{code: rec.Code, etag: rec.Header().Get("ETag"), body: rec.Body.String()}
	if rec.Code == http.StatusOK {
		var data struct {
			Version string `json:"version"`
		}
		unmarshal(t, rec, &data)
		res.version = data.Version
	}
	return res
}

func Test_syncApi_pollConversation(t *testing.T) {
	a := setup(t)
	teacher := a.createUser(t, user.TypeTeacher, "t1", "Mrs Teacher")
	student := a.createUser(t, user.TypeStudent, "s1", "Student One")
	outsider := a.createUser(t, user.TypeStudent, "s2", "Student Two")
	conv := testutil.CreateConversation(t, a.env.Svc, messaging.KindIndividual, teacher, student)
	m1 := testutil.PostMessage(t, a.env.Svc, teacher, conv.ID, "Devoirs pour lundi")
	studentToken := a.token(t, student)

	path := fmt.Sprintf("/v1/poll/conversations/%d", conv.ID)

	first := a.poll(t, path, studentToken, "")
	require.Equal(t, http.StatusOK, first.code, first.body)
	assert.Equal(t, `"`+first.version+`"`, first.etag)

	var res struct {
		Version string                      `json:"version"`
		Payload messaging.ConversationState `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(first.body), &res))
	require.Len(t, res.Payload.Messages, 1)
	assert.Equal(t, "Devoirs pour lundi", res.Payload.Messages[0].Body)
	assert.Len(t, res.Payload.Participants, 2)
	assert.False(t, res.Payload.HasMore)

	t.Run("Not modified", func(t *testing.T) {
		for _, tag := range []string{first.etag, `W/` + first.etag} {
			again := a.poll(t, path, studentToken, tag)
			assert.Equal(t, http.StatusNotModified, again.code)
			assert.Empty(t, again.body)
			assert.Equal(t, first.etag, again.etag)
		}

		again := a.poll(t, path+"?version="+url.QueryEscape(first.version), studentToken, "")
		assert.Equal(t, http.StatusNotModified, again.code)
		assert.Empty(t, again.body)
	})

	t.Run("Modified", func(t *testing.T) {
		m2 := testutil.PostMessage(t, a.env.Svc, teacher, conv.ID, "N'oubliez pas")

		changed := a.poll(t, fmt.Sprintf("%s?after_id=%d", path, m1.ID), studentToken, first.etag)
		require.Equal(t, http.StatusOK, changed.code, changed.body)
		assert.NotEqual(t, first.version, changed.version)

		res.Payload = messaging.ConversationState{}
		require.NoError(t, json.Unmarshal([]byte(changed.body), &res))
		require.Len(t, res.Payload.Messages, 1)
		assert.Equal(t, m2.ID, res.Payload.Messages[0].ID)
		assert.Nil(t, res.Payload.Participants) // unchanged since the held version
		assert.Equal(t, m2.ID, res.Payload.LastID)

		assert.Equal(t, http.StatusNotModified, a.poll(t, path, studentToken, changed.etag).code)
	})

	t.Run("Read statuses of the sender", func(t *testing.T) {
		teacherToken := a.token(t, teacher)
		before := a.poll(t, path, teacherToken, "")
		require.Equal(t, http.StatusOK, before.code)

		_, err := a.env.Svc.MarkRead(context.Background(), student.Identity(), m1.ID)
		require.NoError(t, err)

		after := a.poll(t, fmt.Sprintf("%s?after_id=%d", path, res.Payload.LastID), teacherToken, before.etag)
		require.Equal(t, http.StatusOK, after.code, after.body)
		require.NoError(t, json.Unmarshal([]byte(after.body), &res))
		assert.Empty(t, res.Payload.Messages)
		require.Len(t, res.Payload.ReadStatus, 1)
		assert.Equal(t, m1.ID, res.Payload.ReadStatus[0].MessageID)
		assert.True(t, res.Payload.ReadStatus[0].AllRead)
	})

	runHTTPTests(t, a, []httpTest{
		{name: "Auth required", path: path, wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{name: "Outsider", path: path, token: a.token(t, outsider), wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden)},
		{
			name: "Invalid after_id", path: path + "?after_id=x", token: studentToken,
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"after_id": "must be a positive integer"}),
		},
	})
}

func Test_syncApi_pollNotifications(t *testing.T) {
	a := setup(t)
	teacher := a.createUser(t, user.TypeTeacher, "t1", "Mrs Teacher")
	student := a.createUser(t, user.TypeStudent, "s1", "Student One")
	conv := testutil.CreateConversation(t, a.env.Svc, messaging.KindIndividual, teacher, student)
	studentToken := a.token(t, student)

	path := "/v1/poll/notifications"
	first := a.poll(t, path, studentToken, "")
	require.Equal(t, http.StatusOK, first.code, first.body)

	var res struct {
		Payload messaging.NotificationState `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(first.body), &res))
	assert.Equal(t, 0, res.Payload.TotalUnread)
	require.Len(t, res.Payload.Conversations, 1)

	// no intervening write
	again := a.poll(t, path, studentToken, first.etag)
	assert.Equal(t, http.StatusNotModified, again.code)
	assert.Empty(t, again.body)

	testutil.PostMessage(t, a.env.Svc, teacher, conv.ID, "Devoirs pour lundi")

	changed := a.poll(t, path, studentToken, first.etag)
	require.Equal(t, http.StatusOK, changed.code, changed.body)
	assert.NotEqual(t, first.version, changed.version)
	require.NoError(t, json.Unmarshal([]byte(changed.body), &res))
	assert.Equal(t, 1, res.Payload.TotalUnread)

	// the sender's badge did not move
	teacherToken := a.token(t, teacher)
	tFirst := a.poll(t, path, teacherToken, "")
	require.Equal(t, http.StatusOK, tFirst.code)
	assert.Equal(t, http.StatusNotModified, a.poll(t, path, teacherToken, tFirst.etag).code)
}

func Test_syncApi_streamToken(t *testing.T) {
	a := setup(t)
	teacher := a.createUser(t, user.TypeTeacher, "t1", "Mrs Teacher")
	student := a.createUser(t, user.TypeStudent, "s1", "Student One")
	outsider := a.createUser(t, user.TypeStudent, "s2", "Student Two")
	conv := testutil.CreateConversation(t, a.env.Svc, messaging.KindIndividual, teacher, student)

	path := fmt.Sprintf("/v1/conversations/%d/stream-token", conv.ID)
	runHTTPTests(t, a, []httpTest{
		{name: "Auth required", method: http.MethodPost, path: path, wantCode: http.StatusUnauthorized},
		{name: "Outsider", method: http.MethodPost, path: path, token: a.token(t, outsider), wantCode: http.StatusForbidden},
		{name: "Participant", method: http.MethodPost, path: path, token: a.token(t, student), wantCode: http.StatusCreated},
		{name: "Notifications", method: http.MethodPost, path: "/v1/notifications/stream-token", token: a.token(t, outsider), wantCode: http.StatusCreated},
	})

	req, rec := newAuthRequest(http.MethodPost, path, a.token(t, student))
	a.do(req, rec)
	var res StreamTokenResponse
	unmarshal(t, rec, &res)
	assert.NotEmpty(t, res.Token)
	assert.WithinDuration(t, time.Now().Add(a.conf.Sync.StreamTokenTTL), res.ExpiresAt, 5*time.Second)

	streamPath := fmt.Sprintf("/v1/stream/conversations/%d", conv.ID)
	runHTTPTests(t, a, []httpTest{
		{name: "Stream without token", path: streamPath, wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{name: "API token on stream", path: streamPath + "?token=" + a.token(t, student), wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errInvalidToken)},
		{name: "Token of another conversation", path: streamPath + "?token=" + a.streamToken(t, student, conv.ID+1), wantCode: http.StatusForbidden},
		{name: "Outsider token", path: streamPath + "?token=" + a.streamToken(t, outsider, conv.ID), wantCode: http.StatusForbidden},
	})
}

type sseEvent struct {
	event string
	id    string
	data  string
}

// openStream connects to an SSE endpoint of a running server & returns the parsed events.
// The stream is closed when the test ends.
func openStream(t *testing.T, ts *httptest.Server, path string) <-chan sseEvent {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+path, nil)
	require.NoError(t, err)
	res, err := ts.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	events := make(chan sseEvent, 32)
	go func() {
		defer close(events)
		defer res.Body.Close()
		scanner := bufio.NewScanner(res.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		var evt sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if evt.event != "" {
					events <- evt
				}
				evt = sseEvent{}
			case strings.HasPrefix(line, "event:"):
				evt.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "id:"):
				evt.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			case strings.HasPrefix(line, "data:"):
				evt.data += strings.TrimPrefix(line, "data:")
			}
		}
	}()
	return events
}

func nextEvent(t *testing.T, events <-chan sseEvent, skipPings bool) sseEvent {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-events:
			require.True(t, ok, "stream closed")
			if skipPings && evt.event == "ping" {
				continue
			}
			return evt
		case <-timeout:
			t.Fatal("timed out waiting for an event")
			return sseEvent{}
		}
	}
}

func Test_syncApi_streamConversation(t *testing.T) {
	a := setup(t)
	teacher := a.createUser(t, user.TypeTeacher, "t1", "Mrs Teacher")
	student := a.createUser(t, user.TypeStudent, "s1", "Student One")
	conv := testutil.CreateConversation(t, a.env.Svc, messaging.KindIndividual, teacher, student)
	m1 := testutil.PostMessage(t, a.env.Svc, teacher, conv.ID, "Devoirs pour lundi")

	ts := httptest.NewServer(a)
	t.Cleanup(ts.Close)

	events := openStream(t, ts, fmt.Sprintf("/v1/stream/conversations/%d?token=%s", conv.ID, a.streamToken(t, teacher, conv.ID)))

	// full snapshot first
	evt := nextEvent(t, events, true)
	require.Equal(t, "message-batch", evt.event)
	var batch MessageBatch
	require.NoError(t, json.Unmarshal([]byte(evt.data), &batch))
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, m1.ID, batch.Messages[0].ID)
	assert.Equal(t, fmt.Sprint(m1.ID), evt.id)

	evt = nextEvent(t, events, true)
	require.Equal(t, "participants-changed", evt.event)
	var ps []messaging.Participant
	require.NoError(t, json.Unmarshal([]byte(evt.data), &ps))
	assert.Len(t, ps, 2)

	// then deltas only
	m2 := testutil.PostMessage(t, a.env.Svc, student, conv.ID, "Merci madame")
	evt = nextEvent(t, events, true)
	require.Equal(t, "message-batch", evt.event)
	require.NoError(t, json.Unmarshal([]byte(evt.data), &batch))
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, m2.ID, batch.Messages[0].ID)

	_, err := a.env.Svc.MarkRead(context.Background(), student.Identity(), m1.ID)
	require.NoError(t, err)
	evt = nextEvent(t, events, true)
	require.Equal(t, "read-status", evt.event)
	var statuses []messaging.ReadStatus
	require.NoError(t, json.Unmarshal([]byte(evt.data), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, m1.ID, statuses[0].MessageID)
	assert.True(t, statuses[0].AllRead)

	t.Run("Resume after the last seen message", func(t *testing.T) {
		events := openStream(t, ts, fmt.Sprintf("/v1/stream/conversations/%d?last_seen=%d&token=%s", conv.ID, m2.ID, a.streamToken(t, student, conv.ID)))
		evt := nextEvent(t, events, true)
		require.Equal(t, "message-batch", evt.event)
		var batch MessageBatch
		require.NoError(t, json.Unmarshal([]byte(evt.data), &batch))
		assert.Empty(t, batch.Messages)
		assert.Equal(t, m2.ID, batch.LastID)
	})
}

func Test_syncApi_streamNotifications(t *testing.T) {
	a := setup(t)
	teacher := a.createUser(t, user.TypeTeacher, "t1", "Mrs Teacher")
	student := a.createUser(t, user.TypeStudent, "s1", "Student One")
	conv := testutil.CreateConversation(t, a.env.Svc, messaging.KindIndividual, teacher, student)

	ts := httptest.NewServer(a)
	t.Cleanup(ts.Close)

	events := openStream(t, ts, "/v1/stream/notifications?token="+a.streamToken(t, student, 0))

	var state messaging.NotificationState
	evt := nextEvent(t, events, true)
	require.Equal(t, "notification", evt.event)
	require.NoError(t, json.Unmarshal([]byte(evt.data), &state))
	assert.Equal(t, 0, state.TotalUnread)

	testutil.PostMessage(t, a.env.Svc, teacher, conv.ID, "Devoirs pour lundi")
	evt = nextEvent(t, events, true)
	require.Equal(t, "notification", evt.event)
	require.NoError(t, json.Unmarshal([]byte(evt.data), &state))
	assert.Equal(t, 1, state.TotalUnread)
	assert.Equal(t, state.Version, evt.id)
}

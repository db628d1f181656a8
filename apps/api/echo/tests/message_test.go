package tests

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/messaging"
	"github.com/trezcool/masomo-messaging/core/user"
	"github.com/trezcool/masomo-messaging/tests"
)

func Test_messageApi_create(t *testing.T) {
	a := setup(t)
	teacher := a.createUser(t, user.TypeTeacher, "t1", "Mrs Teacher")
	student := a.createUser(t, user.TypeStudent, "s1", "Student One")
	outsider := a.createUser(t, user.TypeParent, "p1", "Parent One")
	conv := testutil.CreateConversation(t, a.env.Svc, messaging.KindIndividual, teacher, student)

	path := fmt.Sprintf("/v1/conversations/%d/messages", conv.ID)
	body := func(nm messaging.NewMessage) []byte { return marchallObj(t, nm) }

	tests := []httpTest{
		{name: "Auth required", method: http.MethodPost, path: path, body: body(messaging.NewMessage{Body: "hi"}), wantCode: http.StatusUnauthorized},
		{
			name: "Outsider", method: http.MethodPost, path: path, token: a.token(t, outsider),
			body: body(messaging.NewMessage{Body: "hi"}), wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden),
		},
		{name: "Blank body", method: http.MethodPost, path: path, token: a.token(t, student), body: body(messaging.NewMessage{Body: "   "}), wantCode: http.StatusBadRequest},
		{
			name: "Students cannot set the importance", method: http.MethodPost, path: path, token: a.token(t, student),
			body: body(messaging.NewMessage{Body: "hi", Importance: messaging.ImportanceUrgent}), wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: "you are not allowed to set the message importance"}),
		},
		{
			name: "Announcement flag outside announcements", method: http.MethodPost, path: path, token: a.token(t, teacher),
			body: body(messaging.NewMessage{Body: "hi", IsAnnouncement: true}), wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: "only moderators and admins of an announcement can flag announcements"}),
		},
	}
	runHTTPTests(t, a, tests)

	t.Run("Created", func(t *testing.T) {
		attachment := messaging.Attachment{Filename: "devoirs.pdf", Size: 2048, ContentType: "application/pdf", StorageKey: "attachments/x/devoirs.pdf"}
		req, rec := newAuthRequest(http.MethodPost, path, a.token(t, teacher), body(messaging.NewMessage{
			Body:        "Devoirs pour lundi",
			Importance:  messaging.ImportanceImportant,
			RequiresAck: true,
			Attachments: []messaging.Attachment{attachment},
		}))
		a.do(req, rec)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var msg messaging.Message
		unmarshal(t, rec, &msg)
		assert.NotZero(t, msg.ID)
		assert.Equal(t, "Devoirs pour lundi", msg.Body)
		assert.Equal(t, messaging.ImportanceImportant, msg.Importance)
		assert.True(t, msg.RequiresAck)
		assert.Equal(t, "Teacher", msg.SenderLabel)
		require.Len(t, msg.Attachments, 1)
		assert.Equal(t, "devoirs.pdf", msg.Attachments[0].Filename)
		require.NotNil(t, msg.ReadStatus)
		assert.Equal(t, 0, msg.ReadStatus.ReadByCount)
		assert.Equal(t, 1, msg.ReadStatus.TotalActiveParticipants)
	})
}

func Test_messageApi_rateLimit(t *testing.T) {
	a := setup(t, func(conf *core.Config) {
		conf.RateLimit.MessagesPerMinute = 1
		conf.RateLimit.Burst = 2
	})
	teacher := a.createUser(t, user.TypeTeacher, "t1", "Mrs Teacher")
	student := a.createUser(t, user.TypeStudent, "s1", "Student One")
	conv := testutil.CreateConversation(t, a.env.Svc, messaging.KindIndividual, teacher, student)

	path := fmt.Sprintf("/v1/conversations/%d/messages", conv.ID)
	data := marchallObj(t, messaging.NewMessage{Body: "spam"})
	tests := []httpTest{
		{name: "1st", method: http.MethodPost, path: path, token: a.token(t, student), body: data, wantCode: http.StatusCreated},
		{name: "2nd", method: http.MethodPost, path: path, token: a.token(t, student), body: data, wantCode: http.StatusCreated},
		{
			name: "3rd", method: http.MethodPost, path: path, token: a.token(t, student), body: data,
			wantCode: http.StatusTooManyRequests, wantData: marchallObj(t, httpErr{Error: "too many messages, slow down"}),
		},
		// limits are per caller
		{name: "other caller", method: http.MethodPost, path: path, token: a.token(t, teacher), body: data, wantCode: http.StatusCreated},
		// reads are not limited
		{name: "list", path: path, token: a.token(t, student), wantCode: http.StatusOK},
	}
	runHTTPTests(t, a, tests)
}

func Test_messageApi_query(t *testing.T) {
	a := setup(t)
	teacher := a.createUser(t, user.TypeTeacher, "t1", "Mrs Teacher")
	student := a.createUser(t, user.TypeStudent, "s1", "Student One")
	conv := testutil.CreateConversation(t, a.env.Svc, messaging.KindIndividual, teacher, student)
	m1 := testutil.PostMessage(t, a.env.Svc, teacher, conv.ID, "one")
	m2 := testutil.PostMessage(t, a.env.Svc, student, conv.ID, "two")
	m3 := testutil.PostMessage(t, a.env.Svc, teacher, conv.ID, "three")

	list := func(t *testing.T, query string) []int64 {
		req, rec := newAuthRequest(http.MethodGet, fmt.Sprintf("/v1/conversations/%d/messages%s", conv.ID, query), a.token(t, student))
		a.do(req, rec)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var msgs []messaging.Message
		unmarshal(t, rec, &msgs)
		ids := make([]int64, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		return ids
	}

	assert.Equal(t, []int64{m1.ID, m2.ID, m3.ID}, list(t, ""))
	assert.Equal(t, []int64{m2.ID, m3.ID}, list(t, fmt.Sprintf("?after_id=%d", m1.ID)))
	assert.Equal(t, []int64{m1.ID}, list(t, "?limit=1"))
	assert.Empty(t, list(t, fmt.Sprintf("?after_id=%d", m3.ID)))

	req, rec := newAuthRequest(http.MethodGet, fmt.Sprintf("/v1/conversations/%d/messages?after_id=-1", conv.ID), a.token(t, student))
	a.do(req, rec)
	checkCodeAndData(t, httpTest{wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"after_id": "must be a positive integer"})}, rec)
}

func Test_messageApi_readStatus(t *testing.T) {
	a := setup(t)
	teacher := a.createUser(t, user.TypeTeacher, "t1", "Mrs Teacher")
	student := a.createUser(t, user.TypeStudent, "s1", "Student One")
	conv := testutil.CreateConversation(t, a.env.Svc, messaging.KindIndividual, teacher, student)
	msg := testutil.PostMessage(t, a.env.Svc, teacher, conv.ID, "Devoirs pour lundi")
	teacherToken, studentToken := a.token(t, teacher), a.token(t, student)

	readPath := fmt.Sprintf("/v1/messages/%d/read", msg.ID)
	statusPath := fmt.Sprintf("/v1/messages/%d/read-status", msg.ID)

	readStatus := func(t *testing.T) messaging.ReadStatus {
		req, rec := newAuthRequest(http.MethodGet, statusPath, teacherToken)
		a.do(req, rec)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var status messaging.ReadStatus
		unmarshal(t, rec, &status)
		return status
	}

	status := readStatus(t)
	assert.Equal(t, 0, status.ReadByCount)
	assert.False(t, status.AllRead)

	runHTTPTests(t, a, []httpTest{
		{
			name: "Only the sender sees the read status", path: statusPath, token: studentToken, wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: "only the sender can see the read status of a message"}),
		},
		{name: "Unknown message", method: http.MethodPost, path: "/v1/messages/999/read", token: studentToken, wantCode: http.StatusForbidden},
	})

	// two overlapping calls, as from a duplicate tab
	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, rec := newAuthRequest(http.MethodPost, readPath, studentToken)
			codes[i] = a.do(req, rec).Code
		}(i)
	}
	wg.Wait()
	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, codes)

	receipts, err := a.env.MsgRepo.QueryReceipts(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Len(t, receipts, 1)

	status = readStatus(t)
	assert.Equal(t, 1, status.ReadByCount)
	assert.Equal(t, 1, status.TotalActiveParticipants)
	assert.True(t, status.AllRead)
	require.Len(t, status.Readers, 1)
	assert.Equal(t, student.ID, status.Readers[0].UserID)

	t.Run("Mark read again", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPost, readPath, studentToken)
		a.do(req, rec)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var res struct {
			Success    bool                   `json:"success"`
			ReadStatus messaging.OwnReadState `json:"read_status"`
		}
		unmarshal(t, rec, &res)
		assert.True(t, res.Success)
		assert.True(t, res.ReadStatus.IsRead)
		assert.NotNil(t, res.ReadStatus.ReadAt)
		assert.Equal(t, 1, res.ReadStatus.ReadByCount)
		assert.Equal(t, 1, res.ReadStatus.TotalActiveParticipants)
		assert.True(t, res.ReadStatus.AllRead)
		assert.Equal(t, 1, readStatus(t).ReadByCount)
	})

	t.Run("Mark unread", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			req, rec := newAuthRequest(http.MethodDelete, readPath, studentToken)
			a.do(req, rec)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		}
		status := readStatus(t)
		assert.Equal(t, 0, status.ReadByCount)
		assert.False(t, status.AllRead)
	})
}

func Test_messageApi_announcements(t *testing.T) {
	a := setup(t)
	admin := a.createUser(t, user.TypeAdmin, "a1", "Principal")
	teacher := a.createUser(t, user.TypeTeacher, "t1", "Mrs Teacher")
	parent := a.createUser(t, user.TypeParent, "p1", "Parent One")
	conv := testutil.CreateConversation(t, a.env.Svc, messaging.KindAnnouncement, admin, teacher, parent)

	base := fmt.Sprintf("/v1/conversations/%d", conv.ID)
	data := marchallObj(t, messaging.NewMessage{Body: "Merci"})
	announcement := marchallObj(t, messaging.NewMessage{Body: "Réunion des parents", IsAnnouncement: true})

	runHTTPTests(t, a, []httpTest{
		{
			name: "Member rejected", method: http.MethodPost, path: base + "/messages", token: a.token(t, parent), body: data,
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "only moderators and admins can post in announcements"}),
		},
		{name: "Admin accepted", method: http.MethodPost, path: base + "/messages", token: a.token(t, admin), body: announcement, wantCode: http.StatusCreated},
		{name: "Promote teacher", method: http.MethodPost, path: base + "/moderators", token: a.token(t, admin), body: marchallObj(t, teacher.Ref()), wantCode: http.StatusNoContent},
		{name: "Moderator accepted", method: http.MethodPost, path: base + "/messages", token: a.token(t, teacher), body: data, wantCode: http.StatusCreated},
	})
}

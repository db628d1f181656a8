package tests

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-messaging/core/messaging"
	"github.com/trezcool/masomo-messaging/core/user"
	"github.com/trezcool/masomo-messaging/tests"
)

func Test_conversationApi_create(t *testing.T) {
	a := setup(t)
	teacher := a.createUser(t, user.TypeTeacher, "t1", "Mrs Teacher", "c1")
	student := a.createUser(t, user.TypeStudent, "s1", "Student One", "c1")
	teacherToken := a.token(t, teacher)

	newConv := func(kind messaging.Kind, refs ...user.Ref) []byte {
		return marchallObj(t, messaging.NewConversation{Title: "Devoirs", Kind: kind, Participants: refs})
	}

	tests := []httpTest{
		{
			name: "Auth required", method: http.MethodPost, path: "/v1/conversations",
			body: newConv(messaging.KindIndividual, student.Ref()), wantCode: http.StatusUnauthorized,
			wantData: marchallObj(t, errMissingToken),
		},
		{
			name: "Invalid token", method: http.MethodPost, path: "/v1/conversations", token: "not.a.jwt",
			body: newConv(messaging.KindIndividual, student.Ref()), wantCode: http.StatusUnauthorized,
			wantData: marchallObj(t, errInvalidToken),
		},
		{
			name: "Stream tokens are not API tokens", method: http.MethodPost, path: "/v1/conversations",
			token: a.streamToken(t, teacher, 0), body: newConv(messaging.KindIndividual, student.Ref()),
			wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errInvalidToken),
		},
		{
			name: "Unknown kind", method: http.MethodPost, path: "/v1/conversations", token: teacherToken,
			body: newConv("chatroom", student.Ref()), wantCode: http.StatusBadRequest,
		},
		{
			name: "No participants", method: http.MethodPost, path: "/v1/conversations", token: teacherToken,
			body: newConv(messaging.KindGroup), wantCode: http.StatusBadRequest,
		},
		{
			name: "Unknown participant", method: http.MethodPost, path: "/v1/conversations", token: teacherToken,
			body: newConv(messaging.KindGroup, user.Ref{ID: "ghost", Type: user.TypeStudent}), wantCode: http.StatusBadRequest,
		},
		{
			name: "Students cannot create class broadcasts", method: http.MethodPost, path: "/v1/conversations",
			token: a.token(t, student), body: newConv(messaging.KindClassBroadcast, teacher.Ref()),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "you are not allowed to create class broadcasts"}),
		},
	}
	runHTTPTests(t, a, tests)

	t.Run("Created", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPost, "/v1/conversations", teacherToken, newConv(messaging.KindIndividual, student.Ref()))
		a.do(req, rec)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var conv messaging.Conversation
		unmarshal(t, rec, &conv)
		assert.NotZero(t, conv.ID)
		assert.Equal(t, messaging.KindIndividual, conv.Kind)
		assert.Equal(t, "Devoirs", conv.Title)
		assert.Equal(t, teacher.Ref(), conv.Creator())

		// exactly one admin: the creator
		req, rec = newAuthRequest(http.MethodGet, fmt.Sprintf("/v1/conversations/%d", conv.ID), teacherToken)
		a.do(req, rec)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var detail messaging.ConversationDetail
		unmarshal(t, rec, &detail)
		require.Len(t, detail.Participants, 2)
		admins := 0
		for _, p := range detail.Participants {
			if p.Role == messaging.RoleAdmin {
				admins++
				assert.Equal(t, teacher.Ref(), p.Ref())
			}
		}
		assert.Equal(t, 1, admins)
		assert.Equal(t, messaging.RoleAdmin, detail.Role)
		assert.Equal(t, messaging.FolderInbox, detail.Folder)
	})
}

func Test_conversationApi_retrieve(t *testing.T) {
	a := setup(t)
	teacher := a.createUser(t, user.TypeTeacher, "t1", "Mrs Teacher")
	student := a.createUser(t, user.TypeStudent, "s1", "Student One")
	outsider := a.createUser(t, user.TypeStudent, "s2", "Student Two")
	conv := testutil.CreateConversation(t, a.env.Svc, messaging.KindIndividual, teacher, student)

	path := fmt.Sprintf("/v1/conversations/%d", conv.ID)
	tests := []httpTest{
		{name: "Auth required", path: path, wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Invalid id", path: "/v1/conversations/abc", token: a.token(t, student),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, httpErr{Error: "invalid id"}),
		},
		// never reveal whether a conversation exists
		{name: "Outsider", path: path, token: a.token(t, outsider), wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden)},
		{name: "Unknown", path: "/v1/conversations/999", token: a.token(t, student), wantCode: http.StatusForbidden, wantData: marchallObj(t, errForbidden)},
		{name: "Participant", path: path, token: a.token(t, student), wantCode: http.StatusOK},
		{name: "Participants list", path: path + "/participants", token: a.token(t, student), wantCode: http.StatusOK},
		{name: "Participants list (outsider)", path: path + "/participants", token: a.token(t, outsider), wantCode: http.StatusForbidden},
	}
	runHTTPTests(t, a, tests)
}

func Test_conversationApi_query(t *testing.T) {
	a := setup(t)
	teacher := a.createUser(t, user.TypeTeacher, "t1", "Mrs Teacher")
	student := a.createUser(t, user.TypeStudent, "s1", "Student One")
	conv1 := testutil.CreateConversation(t, a.env.Svc, messaging.KindIndividual, teacher, student)
	conv2 := testutil.CreateConversation(t, a.env.Svc, messaging.KindGroup, teacher, student)
	testutil.PostMessage(t, a.env.Svc, teacher, conv1.ID, "Devoirs pour lundi")

	list := func(t *testing.T, token, folder string) []messaging.ConversationSummary {
		path := "/v1/conversations"
		if folder != "" {
			path += "?folder=" + folder
		}
		req, rec := newAuthRequest(http.MethodGet, path, token)
		a.do(req, rec)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var convs []messaging.ConversationSummary
		unmarshal(t, rec, &convs)
		return convs
	}

	studentToken := a.token(t, student)
	convs := list(t, studentToken, "")
	require.Len(t, convs, 2)
	// the latest activity comes first
	assert.Equal(t, conv1.ID, convs[0].ID)
	assert.Equal(t, 1, convs[0].UnreadCount)
	assert.Equal(t, conv2.ID, convs[1].ID)
	assert.Equal(t, 0, convs[1].UnreadCount)

	t.Run("Unknown folder", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/v1/conversations?folder=spam", studentToken)
		a.do(req, rec)
		checkCodeAndData(t, httpTest{wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"folder": "unknown folder"})}, rec)
	})

	t.Run("Trash only affects the caller", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPost, fmt.Sprintf("/v1/conversations/%d/trash", conv1.ID), studentToken)
		a.do(req, rec)
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

		trashed := list(t, studentToken, "trashed")
		require.Len(t, trashed, 1)
		assert.Equal(t, conv1.ID, trashed[0].ID)
		assert.Len(t, list(t, studentToken, "inbox"), 1)

		teacherConvs := list(t, a.token(t, teacher), "inbox")
		assert.Len(t, teacherConvs, 2)

		// restore, then archive
		req, rec = newAuthRequest(http.MethodPost, fmt.Sprintf("/v1/conversations/%d/restore", conv1.ID), studentToken)
		a.do(req, rec)
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
		req, rec = newAuthRequest(http.MethodPost, fmt.Sprintf("/v1/conversations/%d/archive", conv1.ID), studentToken)
		a.do(req, rec)
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
		assert.Len(t, list(t, studentToken, "archived"), 1)
	})

	t.Run("Mark all read", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPost, fmt.Sprintf("/v1/conversations/%d/read", conv1.ID), studentToken)
		a.do(req, rec)
		checkCodeAndData(t, httpTest{wantCode: http.StatusOK, wantData: marchallObj(t, map[string]int{"marked": 1})}, rec)

		// nothing left
		req, rec = newAuthRequest(http.MethodPost, fmt.Sprintf("/v1/conversations/%d/read", conv1.ID), studentToken)
		a.do(req, rec)
		checkCodeAndData(t, httpTest{wantCode: http.StatusOK, wantData: marchallObj(t, map[string]int{"marked": 0})}, rec)
	})
}

func Test_conversationApi_participants(t *testing.T) {
	a := setup(t)
	teacher := a.createUser(t, user.TypeTeacher, "t1", "Mrs Teacher")
	student1 := a.createUser(t, user.TypeStudent, "s1", "Student One")
	student2 := a.createUser(t, user.TypeStudent, "s2", "Student Two")
	conv := testutil.CreateConversation(t, a.env.Svc, messaging.KindGroup, teacher, student1)
	teacherToken, studentToken := a.token(t, teacher), a.token(t, student1)

	base := fmt.Sprintf("/v1/conversations/%d", conv.ID)
	s2Body := marchallObj(t, student2.Ref())
	s1Body := marchallObj(t, student1.Ref())

	tests := []httpTest{
		{
			name: "Members cannot add", method: http.MethodPost, path: base + "/participants", token: studentToken, body: s2Body,
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "only moderators and admins can manage participants"}),
		},
		{
			name: "Invalid user type", method: http.MethodPost, path: base + "/participants", token: teacherToken,
			body: []byte(`{"user_id": "s2", "user_type": "alien"}`), wantCode: http.StatusBadRequest,
		},
		{name: "Admin adds", method: http.MethodPost, path: base + "/participants", token: teacherToken, body: s2Body, wantCode: http.StatusCreated},
		{name: "Adding twice is a no-op", method: http.MethodPost, path: base + "/participants", token: teacherToken, body: s2Body, wantCode: http.StatusCreated},
		{
			name: "Members cannot promote", method: http.MethodPost, path: base + "/moderators", token: studentToken, body: s1Body,
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "only the conversation admin can manage moderators"}),
		},
		{
			name: "Admin cannot change their own role", method: http.MethodDelete, path: base + "/moderators/teacher/t1", token: teacherToken,
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "you cannot change your own role"}),
		},
		{name: "Admin promotes", method: http.MethodPost, path: base + "/moderators", token: teacherToken, body: s1Body, wantCode: http.StatusNoContent},
		// student1 is now a moderator
		{name: "Moderator removes", method: http.MethodDelete, path: base + "/participants/student/s2", token: studentToken, wantCode: http.StatusNoContent},
		{name: "Removing the admin is a no-op", method: http.MethodDelete, path: base + "/participants/teacher/t1", token: studentToken, wantCode: http.StatusNoContent},
		{name: "Unknown path user type", method: http.MethodDelete, path: base + "/participants/alien/x", token: teacherToken, wantCode: http.StatusBadRequest},
		{name: "Admin demotes", method: http.MethodDelete, path: base + "/moderators/student/s1", token: teacherToken, wantCode: http.StatusNoContent},
		{
			name: "Admin cannot leave", method: http.MethodPost, path: base + "/leave", token: teacherToken,
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "the conversation admin cannot leave"}),
		},
		{name: "Member leaves", method: http.MethodPost, path: base + "/leave", token: studentToken, wantCode: http.StatusNoContent},
	}
	runHTTPTests(t, a, tests)

	ps, err := a.env.MsgRepo.QueryParticipants(context.Background(), conv.ID)
	require.NoError(t, err)
	active := 0
	for _, p := range ps {
		if p.IsActive() {
			active++
			assert.Equal(t, teacher.Ref(), p.Ref())
		}
	}
	assert.Equal(t, 1, active)
}

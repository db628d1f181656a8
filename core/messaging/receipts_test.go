package messaging_test

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/messaging"
	"github.com/trezcool/masomo-messaging/core/user"
	"github.com/trezcool/masomo-messaging/tests"
)

func TestService_ReadReceipts(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()

	teacher := testutil.CreateUser(t, env.UserRepo, user.TypeTeacher, "t1", "Teacher One")
	student := testutil.CreateUser(t, env.UserRepo, user.TypeStudent, "s1", "Student One")
	parent := testutil.CreateUser(t, env.UserRepo, user.TypeParent, "p1", "Parent One")
	outsider := testutil.CreateUser(t, env.UserRepo, user.TypeStudent, "s2", "Outsider")

	conv := testutil.CreateConversation(t, env.Svc, messaging.KindGroup, teacher, student, parent)
	msg := testutil.PostMessage(t, env.Svc, teacher, conv.ID, "Devoirs pour lundi")

	status := func(t *testing.T) messaging.ReadStatus {
		rs, err := env.Svc.GetReadStatus(ctx, teacher.Identity(), msg.ID)
		require.NoError(t, err)
		assert.Equal(t, rs.ReadByCount == rs.TotalActiveParticipants, rs.AllRead)
		assert.Len(t, rs.Readers, rs.ReadByCount)
		return rs
	}

	t.Run("unread at first", func(t *testing.T) {
		rs := status(t)
		assert.Equal(t, 0, rs.ReadByCount)
		assert.Equal(t, 2, rs.TotalActiveParticipants)
	})

	t.Run("mark read is idempotent", func(t *testing.T) {
		first, err := env.Svc.MarkRead(ctx, student.Identity(), msg.ID)
		require.NoError(t, err)
		assert.True(t, first.IsRead)
		require.NotNil(t, first.ReadAt)
		assert.Equal(t, 1, first.ReadByCount)
		assert.Equal(t, 2, first.TotalActiveParticipants)
		assert.False(t, first.AllRead)

		second, err := env.Svc.MarkRead(ctx, student.Identity(), msg.ID)
		require.NoError(t, err)
		assert.Equal(t, first.ReadAt, second.ReadAt, "the first read time is kept")

		rs := status(t)
		assert.Equal(t, 1, rs.ReadByCount)
		assert.False(t, rs.AllRead)
		assert.Equal(t, student.ID, rs.Readers[0].UserID)
	})

	t.Run("the sender never gets a receipt", func(t *testing.T) {
		_, err := env.Svc.MarkRead(ctx, teacher.Identity(), msg.ID)
		require.NoError(t, err)
		receipts, err := env.MsgRepo.QueryReceipts(ctx, msg.ID)
		require.NoError(t, err)
		for _, r := range receipts {
			assert.NotEqual(t, teacher.Ref(), r.Reader())
		}
	})

	t.Run("all read", func(t *testing.T) {
		state, err := env.Svc.MarkRead(ctx, parent.Identity(), msg.ID)
		require.NoError(t, err)
		assert.True(t, state.AllRead)
		assert.Equal(t, 2, state.ReadByCount)
		rs := status(t)
		assert.Equal(t, 2, rs.ReadByCount)
		assert.True(t, rs.AllRead)
	})

	t.Run("only the sender sees the read status", func(t *testing.T) {
		_, err := env.Svc.GetReadStatus(ctx, student.Identity(), msg.ID)
		assert.True(t, core.IsAuthorizationError(err))

		_, err = env.Svc.GetReadStatus(ctx, outsider.Identity(), msg.ID)
		assert.Equal(t, core.ErrNotFound, errors.Cause(err))

		msgs, err := env.Svc.ListMessages(ctx, student.Identity(), conv.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Nil(t, msgs[0].ReadStatus)

		msgs, err = env.Svc.ListMessages(ctx, teacher.Identity(), conv.ID, 0, 0)
		require.NoError(t, err)
		require.NotNil(t, msgs[0].ReadStatus)
		assert.True(t, msgs[0].ReadStatus.AllRead)
	})

	t.Run("outsiders cannot mark read", func(t *testing.T) {
		_, err := env.Svc.MarkRead(ctx, outsider.Identity(), msg.ID)
		assert.Equal(t, core.ErrNotFound, errors.Cause(err))
	})

	t.Run("mark unread is idempotent", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			state, err := env.Svc.MarkUnread(ctx, parent.Identity(), msg.ID)
			require.NoError(t, err)
			assert.False(t, state.IsRead)
			assert.Equal(t, 1, state.ReadByCount)
			assert.False(t, state.AllRead)
		}
		rs := status(t)
		assert.Equal(t, 1, rs.ReadByCount)
		assert.False(t, rs.AllRead)
	})

	t.Run("leaving participants stop counting", func(t *testing.T) {
		require.NoError(t, env.Svc.Leave(ctx, parent.Identity(), conv.ID))
		rs := status(t)
		assert.Equal(t, 1, rs.TotalActiveParticipants)
		assert.True(t, rs.AllRead)
	})
}

func TestService_MarkRead_Concurrent(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()

	teacher := testutil.CreateUser(t, env.UserRepo, user.TypeTeacher, "t1", "Teacher One")
	student := testutil.CreateUser(t, env.UserRepo, user.TypeStudent, "s1", "Student One")
	conv := testutil.CreateConversation(t, env.Svc, messaging.KindIndividual, teacher, student)
	msg := testutil.PostMessage(t, env.Svc, teacher, conv.ID, "Devoirs pour lundi")

	// overlapping tabs
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Svc.MarkRead(ctx, student.Identity(), msg.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	receipts, err := env.MsgRepo.QueryReceipts(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, receipts, 1)
}

func TestService_MarkConversationRead(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()

	teacher := testutil.CreateUser(t, env.UserRepo, user.TypeTeacher, "t1", "Teacher One")
	student := testutil.CreateUser(t, env.UserRepo, user.TypeStudent, "s1", "Student One")
	conv := testutil.CreateConversation(t, env.Svc, messaging.KindIndividual, teacher, student)

	m1 := testutil.PostMessage(t, env.Svc, teacher, conv.ID, "one")
	testutil.PostMessage(t, env.Svc, teacher, conv.ID, "two")
	testutil.PostMessage(t, env.Svc, student, conv.ID, "mine")
	_, err := env.Svc.MarkRead(ctx, student.Identity(), m1.ID)
	require.NoError(t, err)

	n, err := env.Svc.MarkConversationRead(ctx, student.Identity(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = env.Svc.MarkConversationRead(ctx, student.Identity(), conv.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := env.Svc.ListConversations(ctx, student.Identity(), messaging.FolderInbox)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Zero(t, list[0].UnreadCount)

	list, err = env.Svc.ListConversations(ctx, teacher.Identity(), messaging.FolderInbox)
	require.NoError(t, err)
	assert.Equal(t, 1, list[0].UnreadCount)
}

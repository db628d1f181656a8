package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/trezcool/masomo-messaging/core/messaging"
	"github.com/trezcool/masomo-messaging/core/user"
)

type messagingRepository struct {
	db *DB
	tx bool // the write lock is already held by InTx
}

var _ messaging.Repository = (*messagingRepository)(nil) // interface compliance check

func NewMessagingRepository(db *DB) *messagingRepository {
	return &messagingRepository{db: db}
}

func (repo *messagingRepository) rlock() func() {
	if repo.tx {
		return func() {}
	}
	repo.db.mu.RLock()
	return repo.db.mu.RUnlock
}

func (repo *messagingRepository) lock() func() {
	if repo.tx {
		return func() {}
	}
	repo.db.mu.Lock()
	return repo.db.mu.Unlock
}

// InTx runs fn under the write lock, restoring every table if it fails.
func (repo *messagingRepository) InTx(ctx context.Context, fn func(repo messaging.Repository) error) (err error) {
	if repo.tx {
		return fn(repo)
	}

	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	snap := repo.db.snapshot()
	defer func() {
		if p := recover(); p != nil {
			repo.db.restore(snap)
			panic(p)
		}
		if err != nil {
			repo.db.restore(snap)
		}
	}()
	return fn(&messagingRepository{db: repo.db, tx: true})
}

// Conversations

func (repo *messagingRepository) CreateConversation(_ context.Context, conv messaging.Conversation) (messaging.Conversation, error) {
	defer repo.lock()()

	repo.db.convSeq++
	conv.ID = repo.db.convSeq
	repo.db.conversations[conv.ID] = conv
	return conv, nil
}

func (repo *messagingRepository) GetConversation(_ context.Context, id int64) (messaging.Conversation, error) {
	defer repo.rlock()()

	if conv, ok := repo.db.conversations[id]; ok {
		return conv, nil
	}
	return messaging.Conversation{}, messaging.ErrConversationNotFound
}

// LockConversation only checks the conversation exists: InTx already serialises every transaction.
func (repo *messagingRepository) LockConversation(_ context.Context, id int64) error {
	defer repo.rlock()()

	if _, ok := repo.db.conversations[id]; !ok {
		return messaging.ErrConversationNotFound
	}
	return nil
}

func (repo *messagingRepository) BumpRevision(_ context.Context, id int64, activityAt *time.Time, membersChanged bool) (int64, error) {
	defer repo.lock()()

	conv, ok := repo.db.conversations[id]
	if !ok {
		return 0, messaging.ErrConversationNotFound
	}
	conv.Revision++
	if activityAt != nil {
		conv.LastActivityAt = activityAt.UTC()
	}
	if membersChanged {
		conv.MembersRev = conv.Revision
	}
	repo.db.conversations[id] = conv
	return conv.Revision, nil
}

func (repo *messagingRepository) QueryConversations(_ context.Context, filter messaging.ConversationFilter) ([]messaging.ConversationSummary, error) {
	defer repo.rlock()()

	summaries := make([]messaging.ConversationSummary, 0)
	for convID, ps := range repo.db.participants {
		for _, p := range ps {
			if p.Ref() != filter.Participant || !p.IsVisible() {
				continue
			}
			if filter.Folder != "" && p.Folder != filter.Folder {
				continue
			}
			summaries = append(summaries, messaging.ConversationSummary{
				Conversation: repo.db.conversations[convID],
				Role:         p.Role,
				Folder:       p.Folder,
				UnreadCount:  len(repo.unreadIDs(convID, p.Ref())),
			})
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		return a.ID > b.ID
	})
	return summaries, nil
}

func (repo *messagingRepository) QueryReclaimableConversations(_ context.Context) ([]int64, error) {
	defer repo.rlock()()

	ids := make([]int64, 0)
	for convID, ps := range repo.db.participants {
		if len(ps) == 0 {
			continue
		}
		reclaimable := true
		for _, p := range ps {
			if p.PurgedAt == nil && p.LeftAt == nil {
				reclaimable = false
				break
			}
		}
		if reclaimable {
			ids = append(ids, convID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (repo *messagingRepository) DeleteConversations(_ context.Context, ids ...int64) error {
	defer repo.lock()()

	for _, id := range ids {
		for _, msgID := range repo.db.convMessages[id] {
			delete(repo.db.messages, msgID)
			delete(repo.db.receipts, msgID)
		}
		delete(repo.db.convMessages, id)
		delete(repo.db.participants, id)
		delete(repo.db.conversations, id)
	}
	return nil
}

// Participants

func (repo *messagingRepository) UpsertParticipants(_ context.Context, ps ...messaging.Participant) error {
	defer repo.lock()()

	for _, p := range ps {
		rows := repo.db.participants[p.ConversationID]
		replaced := false
		for i := range rows {
			if rows[i].Ref() == p.Ref() {
				rows[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			rows = append(rows, p)
		}
		repo.db.participants[p.ConversationID] = rows
	}
	return nil
}

func (repo *messagingRepository) GetParticipant(_ context.Context, convID int64, ref user.Ref) (messaging.Participant, error) {
	defer repo.rlock()()

	for _, p := range repo.db.participants[convID] {
		if p.Ref() == ref {
			return p, nil
		}
	}
	return messaging.Participant{}, messaging.ErrParticipantNotFound
}

func (repo *messagingRepository) QueryParticipants(_ context.Context, convID int64) ([]messaging.Participant, error) {
	defer repo.rlock()()

	ps := append([]messaging.Participant{}, repo.db.participants[convID]...)
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].JoinedAt.Before(ps[j].JoinedAt) })
	return ps, nil
}

func (repo *messagingRepository) UpdateParticipant(_ context.Context, p messaging.Participant) error {
	defer repo.lock()()

	rows := repo.db.participants[p.ConversationID]
	for i := range rows {
		if rows[i].Ref() == p.Ref() {
			rows[i] = p
			return nil
		}
	}
	return messaging.ErrParticipantNotFound
}

// Messages

func (repo *messagingRepository) CreateMessage(_ context.Context, msg messaging.Message) (messaging.Message, error) {
	defer repo.lock()()

	if _, ok := repo.db.conversations[msg.ConversationID]; !ok {
		return messaging.Message{}, messaging.ErrConversationNotFound
	}
	repo.db.msgSeq++
	msg.ID = repo.db.msgSeq
	msg.ReadStatus = nil
	attachments := make([]messaging.Attachment, 0, len(msg.Attachments))
	for _, at := range msg.Attachments {
		repo.db.attSeq++
		at.ID, at.MessageID = repo.db.attSeq, msg.ID
		attachments = append(attachments, at)
	}
	msg.Attachments = attachments

	repo.db.messages[msg.ID] = msg
	repo.db.convMessages[msg.ConversationID] = append(repo.db.convMessages[msg.ConversationID], msg.ID)
	return msg, nil
}

func (repo *messagingRepository) GetMessage(_ context.Context, id int64) (messaging.Message, error) {
	defer repo.rlock()()

	if msg, ok := repo.db.messages[id]; ok {
		return msg, nil
	}
	return messaging.Message{}, messaging.ErrMessageNotFound
}

func (repo *messagingRepository) QueryMessages(_ context.Context, filter messaging.MessageFilter) ([]messaging.Message, error) {
	defer repo.rlock()()

	msgs := make([]messaging.Message, 0)
	for _, id := range repo.db.convMessages[filter.ConversationID] {
		msg := repo.db.messages[id]
		if msg.ID <= filter.AfterID {
			continue
		}
		if filter.Sender != nil && msg.Sender() != *filter.Sender {
			continue
		}
		if msg.ReadRevision <= filter.ReadRevAfter && filter.ReadRevAfter > 0 {
			continue
		}
		msgs = append(msgs, msg)
		if filter.Limit > 0 && len(msgs) == filter.Limit {
			break
		}
	}
	return msgs, nil
}

func (repo *messagingRepository) SetReadRevision(_ context.Context, messageID, revision int64) error {
	defer repo.lock()()

	msg, ok := repo.db.messages[messageID]
	if !ok {
		return messaging.ErrMessageNotFound
	}
	msg.ReadRevision = revision
	repo.db.messages[messageID] = msg
	return nil
}

// Receipts

func (repo *messagingRepository) InsertReceipt(_ context.Context, r messaging.ReadReceipt) (bool, error) {
	defer repo.lock()()

	if _, ok := repo.db.messages[r.MessageID]; !ok {
		return false, messaging.ErrMessageNotFound
	}
	rs, ok := repo.db.receipts[r.MessageID]
	if !ok {
		rs = make(map[user.Ref]messaging.ReadReceipt)
		repo.db.receipts[r.MessageID] = rs
	}
	if _, exists := rs[r.Reader()]; exists {
		return false, nil
	}
	r.ReadAt = r.ReadAt.UTC()
	rs[r.Reader()] = r
	return true, nil
}

func (repo *messagingRepository) DeleteReceipt(_ context.Context, messageID int64, reader user.Ref) (bool, error) {
	defer repo.lock()()

	rs := repo.db.receipts[messageID]
	if _, ok := rs[reader]; !ok {
		return false, nil
	}
	delete(rs, reader)
	return true, nil
}

func (repo *messagingRepository) QueryReceipts(_ context.Context, messageIDs ...int64) ([]messaging.ReadReceipt, error) {
	defer repo.rlock()()

	receipts := make([]messaging.ReadReceipt, 0)
	for _, id := range messageIDs {
		for _, r := range repo.db.receipts[id] {
			receipts = append(receipts, r)
		}
	}
	sort.Slice(receipts, func(i, j int) bool {
		if !receipts[i].ReadAt.Equal(receipts[j].ReadAt) {
			return receipts[i].ReadAt.Before(receipts[j].ReadAt)
		}
		return receipts[i].Reader().String() < receipts[j].Reader().String()
	})
	return receipts, nil
}

func (repo *messagingRepository) QueryUnreadMessageIDs(_ context.Context, convID int64, reader user.Ref) ([]int64, error) {
	defer repo.rlock()()
	return repo.unreadIDs(convID, reader), nil
}

// unreadIDs expects the caller to hold the lock.
func (repo *messagingRepository) unreadIDs(convID int64, reader user.Ref) []int64 {
	ids := make([]int64, 0)
	for _, id := range repo.db.convMessages[convID] {
		if repo.db.messages[id].Sender() == reader {
			continue
		}
		if _, read := repo.db.receipts[id][reader]; read {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

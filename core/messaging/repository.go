package messaging

import (
	"context"
	"time"

	"github.com/trezcool/masomo-messaging/core/user"
)

// Repository persists conversations, participants, messages & receipts.
// Multi-row mutations must go through InTx: the Repository handed to fn is bound to the transaction.
type Repository interface {
	InTx(ctx context.Context, fn func(repo Repository) error) error

	CreateConversation(ctx context.Context, conv Conversation) (Conversation, error)
	GetConversation(ctx context.Context, id int64) (Conversation, error)
	// LockConversation holds the conversation row until the transaction ends, so that messages
	// of one conversation commit in id order. Outside of a transaction it only checks the row exists.
	LockConversation(ctx context.Context, id int64) error
	// BumpRevision increments the revision of the conversation and returns it.
	// The last activity is also moved to activityAt when set, and MembersRev follows when membersChanged.
	BumpRevision(ctx context.Context, id int64, activityAt *time.Time, membersChanged bool) (int64, error)
	// QueryConversations lists the visible conversations of a participant, most recent activity first.
	QueryConversations(ctx context.Context, filter ConversationFilter) ([]ConversationSummary, error)
	// QueryReclaimableConversations lists conversations purged (or left) by every participant.
	QueryReclaimableConversations(ctx context.Context) ([]int64, error)
	DeleteConversations(ctx context.Context, ids ...int64) error

	// UpsertParticipants inserts participants, replacing the rows that already exist.
	UpsertParticipants(ctx context.Context, ps ...Participant) error
	GetParticipant(ctx context.Context, convID int64, ref user.Ref) (Participant, error)
	// QueryParticipants returns every participant row, including left & purged ones, by join date.
	QueryParticipants(ctx context.Context, convID int64) ([]Participant, error)
	UpdateParticipant(ctx context.Context, p Participant) error

	CreateMessage(ctx context.Context, msg Message) (Message, error)
	GetMessage(ctx context.Context, id int64) (Message, error)
	// QueryMessages returns messages in creation order (ascending ids).
	QueryMessages(ctx context.Context, filter MessageFilter) ([]Message, error)
	SetReadRevision(ctx context.Context, messageID, revision int64) error

	// InsertReceipt is an insert-or-ignore: it reports whether a row was created.
	InsertReceipt(ctx context.Context, r ReadReceipt) (bool, error)
	// DeleteReceipt reports whether a row was deleted.
	DeleteReceipt(ctx context.Context, messageID int64, reader user.Ref) (bool, error)
	QueryReceipts(ctx context.Context, messageIDs ...int64) ([]ReadReceipt, error)
	// QueryUnreadMessageIDs lists the messages of a conversation not sent by, nor read by reader.
	QueryUnreadMessageIDs(ctx context.Context, convID int64, reader user.Ref) ([]int64, error)
}

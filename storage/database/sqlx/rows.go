package sqlxrepos

import (
	"time"

	"github.com/lib/pq"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-messaging/core/messaging"
	"github.com/trezcool/masomo-messaging/core/user"
)

// row types mirror the tables of fs/migrations; nullable columns use null/v8.

type userRow struct {
	ID        string         `db:"id"`
	Type      string         `db:"type"`
	Name      string         `db:"name"`
	Email     null.String    `db:"email"`
	IsActive  bool           `db:"is_active"`
	ClassIDs  pq.StringArray `db:"class_ids"`
	ChildIDs  pq.StringArray `db:"child_ids"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r userRow) toUser() user.User {
	return user.User{
		ID:        r.ID,
		Type:      user.UserType(r.Type),
		Name:      r.Name,
		Email:     r.Email.String,
		IsActive:  r.IsActive,
		ClassIDs:  []string(r.ClassIDs),
		ChildIDs:  []string(r.ChildIDs),
		CreatedAt: r.CreatedAt.UTC(),
	}
}

type conversationRow struct {
	ID             int64     `db:"id"`
	Kind           string    `db:"kind"`
	Title          string    `db:"title"`
	CreatorID      string    `db:"creator_id"`
	CreatorType    string    `db:"creator_type"`
	CreatedAt      time.Time `db:"created_at"`
	LastActivityAt time.Time `db:"last_activity_at"`
	Revision       int64     `db:"revision"`
	MembersRev     int64     `db:"members_rev"`
}

var conversationColumns = []string{
	"c.id", "c.kind", "c.title", "c.creator_id", "c.creator_type",
	"c.created_at", "c.last_activity_at", "c.revision", "c.members_rev",
}

func (r conversationRow) toConversation() messaging.Conversation {
	return messaging.Conversation{
		ID:             r.ID,
		Kind:           messaging.Kind(r.Kind),
		Title:          r.Title,
		CreatorID:      r.CreatorID,
		CreatorType:    user.UserType(r.CreatorType),
		CreatedAt:      r.CreatedAt.UTC(),
		LastActivityAt: r.LastActivityAt.UTC(),
		Revision:       r.Revision,
		MembersRev:     r.MembersRev,
	}
}

type summaryRow struct {
	conversationRow
	Role        string `db:"role"`
	Folder      string `db:"folder"`
	UnreadCount int    `db:"unread_count"`
}

type participantRow struct {
	ConversationID int64     `db:"conversation_id"`
	UserID         string    `db:"user_id"`
	UserType       string    `db:"user_type"`
	DisplayName    string    `db:"display_name"`
	Role           string    `db:"role"`
	Folder         string    `db:"folder"`
	JoinedAt       time.Time `db:"joined_at"`
	LeftAt         null.Time `db:"left_at"`
	PurgedAt       null.Time `db:"purged_at"`
}

var participantColumns = []string{
	"conversation_id", "user_id", "user_type", "display_name", "role", "folder", "joined_at", "left_at", "purged_at",
}

func (r participantRow) toParticipant() messaging.Participant {
	return messaging.Participant{
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		UserType:       user.UserType(r.UserType),
		DisplayName:    r.DisplayName,
		Role:           messaging.Role(r.Role),
		Folder:         messaging.Folder(r.Folder),
		JoinedAt:       r.JoinedAt.UTC(),
		LeftAt:         utcPtr(r.LeftAt),
		PurgedAt:       utcPtr(r.PurgedAt),
	}
}

type messageRow struct {
	ID              int64      `db:"id"`
	ConversationID  int64      `db:"conversation_id"`
	SenderID        string     `db:"sender_id"`
	SenderType      string     `db:"sender_type"`
	SenderName      string     `db:"sender_name"`
	Body            string     `db:"body"`
	Importance      string     `db:"importance"`
	IsAnnouncement  bool       `db:"is_announcement"`
	RequiresAck     bool       `db:"requires_ack"`
	ParentMessageID null.Int64 `db:"parent_message_id"`
	CreatedAt       time.Time  `db:"created_at"`
	ReadRevision    int64      `db:"read_revision"`
}

var messageColumns = []string{
	"id", "conversation_id", "sender_id", "sender_type", "sender_name", "body", "importance",
	"is_announcement", "requires_ack", "parent_message_id", "created_at", "read_revision",
}

func (r messageRow) toMessage() messaging.Message {
	caps := user.CapabilitiesOf(user.UserType(r.SenderType))
	return messaging.Message{
		ID:              r.ID,
		ConversationID:  r.ConversationID,
		SenderID:        r.SenderID,
		SenderType:      user.UserType(r.SenderType),
		SenderName:      r.SenderName,
		SenderLabel:     caps.Label,
		SenderIcon:      caps.Icon,
		Body:            r.Body,
		Importance:      messaging.Importance(r.Importance),
		IsAnnouncement:  r.IsAnnouncement,
		RequiresAck:     r.RequiresAck,
		ParentMessageID: r.ParentMessageID.Ptr(),
		CreatedAt:       r.CreatedAt.UTC(),
		Attachments:     []messaging.Attachment{},
		ReadRevision:    r.ReadRevision,
	}
}

type attachmentRow struct {
	ID          int64       `db:"id"`
	MessageID   int64       `db:"message_id"`
	Filename    string      `db:"filename"`
	Size        int64       `db:"size"`
	ContentType null.String `db:"content_type"`
	StorageKey  string      `db:"storage_key"`
}

func (r attachmentRow) toAttachment() messaging.Attachment {
	return messaging.Attachment{
		ID:          r.ID,
		MessageID:   r.MessageID,
		Filename:    r.Filename,
		Size:        r.Size,
		ContentType: r.ContentType.String,
		StorageKey:  r.StorageKey,
	}
}

type receiptRow struct {
	MessageID  int64     `db:"message_id"`
	ReaderID   string    `db:"reader_id"`
	ReaderType string    `db:"reader_type"`
	ReadAt     time.Time `db:"read_at"`
}

func (r receiptRow) toReceipt() messaging.ReadReceipt {
	return messaging.ReadReceipt{
		MessageID:  r.MessageID,
		ReaderID:   r.ReaderID,
		ReaderType: user.UserType(r.ReaderType),
		ReadAt:     r.ReadAt.UTC(),
	}
}

func utcPtr(t null.Time) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

// nullString stores empty strings as NULL.
func nullString(s string) null.String {
	return null.NewString(s, s != "")
}

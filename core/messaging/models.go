package messaging

import (
	"time"

	"github.com/trezcool/masomo-messaging/core/user"
)

type (
	Kind       string
	Role       string
	Folder     string
	Importance string
)

const (
	KindIndividual     Kind = "individual"
	KindGroup          Kind = "group"
	KindClassBroadcast Kind = "class_broadcast"
	KindAnnouncement   Kind = "announcement"

	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"

	FolderInbox    Folder = "inbox"
	FolderArchived Folder = "archived"
	FolderTrashed  Folder = "trashed"

	ImportanceNormal    Importance = "normal"
	ImportanceImportant Importance = "important"
	ImportanceUrgent    Importance = "urgent"
)

var (
	AllKinds       = []Kind{KindIndividual, KindGroup, KindClassBroadcast, KindAnnouncement}
	AllFolders     = []Folder{FolderInbox, FolderArchived, FolderTrashed}
	AllImportances = []Importance{ImportanceNormal, ImportanceImportant, ImportanceUrgent}
)

func (k Kind) Valid() bool {
	for _, v := range AllKinds {
		if k == v {
			return true
		}
	}
	return false
}

func (f Folder) Valid() bool {
	for _, v := range AllFolders {
		if f == v {
			return true
		}
	}
	return false
}

func (i Importance) Valid() bool {
	for _, v := range AllImportances {
		if i == v {
			return true
		}
	}
	return false
}

// CanModerate reports whether the role may manage participants & post announcements.
func (r Role) CanModerate() bool { return r == RoleAdmin || r == RoleModerator }

type Conversation struct {
	ID             int64         `json:"id"`
	Kind           Kind          `json:"kind"`
	Title          string        `json:"title"`
	CreatorID      string        `json:"creator_id"`
	CreatorType    user.UserType `json:"creator_type"`
	CreatedAt      time.Time     `json:"created_at"`       // UTC
	LastActivityAt time.Time     `json:"last_activity_at"` // UTC
	Revision       int64         `json:"revision"`         // bumped by every change in the conversation
	MembersRev     int64         `json:"-"`                // revision of the last participant or folder change
}

func (c Conversation) Creator() user.Ref { return user.Ref{ID: c.CreatorID, Type: c.CreatorType} }

type Participant struct {
	ConversationID int64         `json:"conversation_id"`
	UserID         string        `json:"user_id"`
	UserType       user.UserType `json:"user_type"`
	DisplayName    string        `json:"display_name"`
	Role           Role          `json:"role"`
	Folder         Folder        `json:"-"` // private to the participant
	JoinedAt       time.Time     `json:"joined_at"`
	LeftAt         *time.Time    `json:"left_at,omitempty"`
	PurgedAt       *time.Time    `json:"-"`
}

func (p Participant) Ref() user.Ref { return user.Ref{ID: p.UserID, Type: p.UserType} }

// IsActive reports whether the participant can post and counts as a potential reader.
func (p Participant) IsActive() bool {
	return p.LeftAt == nil && p.PurgedAt == nil && p.Folder != FolderTrashed
}

// IsVisible reports whether the conversation still exists for the participant.
func (p Participant) IsVisible() bool { return p.PurgedAt == nil }

// Label returns the sender type label & icon displayed next to the participant.
func (p Participant) Label() user.Capabilities { return user.CapabilitiesOf(p.UserType) }

type Attachment struct {
	ID          int64  `json:"id"`
	MessageID   int64  `json:"message_id"`
	Filename    string `json:"filename" validate:"required,notblank,max=255"`
	Size        int64  `json:"size" validate:"gt=0"`
	ContentType string `json:"content_type" validate:"omitempty,max=255"`
	StorageKey  string `json:"storage_key" validate:"required,max=512"`
}

type Message struct {
	ID              int64         `json:"id"`
	ConversationID  int64         `json:"conversation_id"`
	SenderID        string        `json:"sender_id"`
	SenderType      user.UserType `json:"sender_type"`
	SenderName      string        `json:"sender_name"`
	SenderLabel     string        `json:"sender_label"`
	SenderIcon      string        `json:"sender_icon"`
	Body            string        `json:"body"`
	Importance      Importance    `json:"importance"`
	IsAnnouncement  bool          `json:"is_announcement"`
	RequiresAck     bool          `json:"requires_ack"` // delivery hint only
	ParentMessageID *int64        `json:"parent_message_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"` // UTC
	Attachments     []Attachment  `json:"attachments"`
	ReadRevision    int64         `json:"-"`                     // conversation revision of the last read status change
	ReadStatus      *ReadStatus   `json:"read_status,omitempty"` // only set for the sender
}

func (m Message) Sender() user.Ref { return user.Ref{ID: m.SenderID, Type: m.SenderType} }

func (m *Message) setSenderLabel() {
	caps := user.CapabilitiesOf(m.SenderType)
	m.SenderLabel, m.SenderIcon = caps.Label, caps.Icon
}

type ReadReceipt struct {
	MessageID  int64         `json:"message_id"`
	ReaderID   string        `json:"reader_id"`
	ReaderType user.UserType `json:"reader_type"`
	ReadAt     time.Time     `json:"read_at"` // UTC
}

func (r ReadReceipt) Reader() user.Ref { return user.Ref{ID: r.ReaderID, Type: r.ReaderType} }

type Reader struct {
	UserID   string        `json:"user_id"`
	UserType user.UserType `json:"user_type"`
	ReadAt   time.Time     `json:"read_at"`
}

// ReadStatus aggregates the receipts of a message, as seen by its sender.
type ReadStatus struct {
	MessageID               int64    `json:"message_id"`
	ReadByCount             int      `json:"read_by_count"`
	TotalActiveParticipants int      `json:"total_active_participants"`
	AllRead                 bool     `json:"all_read"`
	Readers                 []Reader `json:"readers"`
}

// OwnReadState is the read state of a message for the caller (a receiver),
// with the aggregate counts of its ReadStatus. Who read it stays visible to the sender only.
type OwnReadState struct {
	MessageID               int64      `json:"message_id"`
	IsRead                  bool       `json:"is_read"`
	ReadAt                  *time.Time `json:"read_at,omitempty"`
	ReadByCount             int        `json:"read_by_count"`
	TotalActiveParticipants int        `json:"total_active_participants"`
	AllRead                 bool       `json:"all_read"`
}

func (s *OwnReadState) setCounts(rs *ReadStatus) {
	s.ReadByCount = rs.ReadByCount
	s.TotalActiveParticipants = rs.TotalActiveParticipants
	s.AllRead = rs.AllRead
}

// ConversationSummary is a conversation as listed in a participant's folder.
type ConversationSummary struct {
	Conversation
	Role        Role   `json:"role"`
	Folder      Folder `json:"folder"`
	UnreadCount int    `json:"unread_count"`
}

type (
	ConversationFilter struct {
		Participant user.Ref
		Folder      Folder // all visible folders if empty
	}

	MessageFilter struct {
		ConversationID int64
		AfterID        int64
		Sender         *user.Ref
		ReadRevAfter   int64 // only messages whose read status changed after this revision
		Limit          int   // no limit if 0
	}
)

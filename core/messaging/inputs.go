package messaging

import (
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/user"
)

// NewConversation contains information needed to create a conversation.
// The creator is added as admin and does not need to be listed.
type NewConversation struct {
	Title        string     `json:"title" validate:"max=200"`
	Kind         Kind       `json:"kind" validate:"required,convkind"`
	Participants []user.Ref `json:"participants" validate:"required,min=1,dive"`
}

func (nc *NewConversation) Validate(validate *validator.Validate) error {
	nc.Title = core.CleanString(nc.Title)
	return validate.Struct(nc)
}

type NewMessage struct {
	Body            string       `json:"body" validate:"required,notblank,max=10000"`
	Importance      Importance   `json:"importance" validate:"omitempty,importance"`
	IsAnnouncement  bool         `json:"is_announcement"`
	RequiresAck     bool         `json:"requires_ack"`
	ParentMessageID *int64       `json:"parent_message_id"`
	Attachments     []Attachment `json:"attachments" validate:"max=10,dive"`
}

func (nm *NewMessage) Validate(validate *validator.Validate) error {
	return validate.Struct(nm)
}

type NewAnnouncement struct {
	Title       string          `json:"title" validate:"required,notblank,max=200"`
	Body        string          `json:"body" validate:"required,notblank,max=10000"`
	Importance  Importance      `json:"importance" validate:"omitempty,importance"`
	RequiresAck bool            `json:"requires_ack"`
	Target      user.TargetSpec `json:"target"`
}

func (na *NewAnnouncement) Validate(validate *validator.Validate) error {
	na.Title = core.CleanString(na.Title)
	return validate.Struct(na)
}

type ParticipantInput struct {
	user.Ref
}

func (pi *ParticipantInput) Validate(validate *validator.Validate) error {
	pi.ID = core.CleanString(pi.ID)
	return validate.Struct(pi)
}

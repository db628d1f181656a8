package messaging

import (
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core"
)

var (
	ErrConversationNotFound = errors.Wrap(core.ErrNotFound, "conversation")
	ErrParticipantNotFound  = errors.Wrap(core.ErrNotFound, "participant")
	ErrMessageNotFound      = errors.Wrap(core.ErrNotFound, "message")
)

// authorization failure reasons, surfaced to the caller
const (
	reasonNotParticipant     = "you are not an active participant of this conversation"
	reasonNotModerator       = "only moderators and admins can manage participants"
	reasonNotAdmin           = "only the conversation admin can manage moderators"
	reasonAdminImmutable     = "the admin role cannot be changed"
	reasonOwnRole            = "you cannot change your own role"
	reasonAdminCannotLeave   = "the conversation admin cannot leave"
	reasonAnnouncementMember = "only moderators and admins can post in announcements"
	reasonCannotAnnounce     = "you are not allowed to author announcements"
	reasonAnnouncementFlag   = "only moderators and admins of an announcement can flag announcements"
	reasonImportance         = "you are not allowed to set the message importance"
	reasonClassBroadcast     = "you are not allowed to create class broadcasts"
	reasonIndividualMembers  = "participants of an individual conversation cannot change"
	reasonReadStatusHidden   = "only the sender can see the read status of a message"
)

func validationErr(field, msg string) error {
	return core.NewValidationError(errors.New(msg), core.FieldError{Field: field, Error: msg})
}

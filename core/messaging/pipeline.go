package messaging

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/realtime"
	"github.com/trezcool/masomo-messaging/core/user"
)

// AddMessage posts a message in a conversation the caller actively participates in.
// The message is unread by everybody else until they mark it read.
func (svc *Service) AddMessage(ctx context.Context, caller user.Identity, convID int64, nm NewMessage) (Message, error) {
	var (
		msg    Message
		conv   Conversation
		evt    *realtime.Event
		active []Participant
	)
	err := svc.repo.InTx(ctx, func(repo Repository) error {
		var (
			p   Participant
			err error
		)
		// a reader must never see message N+1 committed before message N
		if err = repo.LockConversation(ctx, convID); err != nil {
			return err
		}
		conv, p, err = conversationFor(ctx, repo, caller.Ref(), convID)
		if err != nil {
			return err
		}
		if err = svc.checkCanPost(conv, p, caller, nm); err != nil {
			return err
		}

		body := strings.TrimSpace(nm.Body)
		if body == "" {
			return validationErr("body", "message body cannot be empty")
		}
		importance := nm.Importance
		if importance == "" {
			importance = ImportanceNormal
		}

		if nm.ParentMessageID != nil {
			parent, err := repo.GetMessage(ctx, *nm.ParentMessageID)
			if err != nil && errors.Cause(err) != core.ErrNotFound {
				return errors.Wrap(err, "getting parent message")
			}
			if err != nil || parent.ConversationID != convID {
				return validationErr("parent_message_id", "parent message not found in this conversation")
			}
		}
		for _, at := range nm.Attachments {
			if core.CleanString(at.Filename) == "" || at.StorageKey == "" || at.Size <= 0 {
				return validationErr("attachments", "attachments need a filename, a size and a storage key")
			}
		}

		msg, err = repo.CreateMessage(ctx, Message{
			ConversationID:  convID,
			SenderID:        caller.UserID,
			SenderType:      caller.UserType,
			SenderName:      caller.DisplayName,
			Body:            body,
			Importance:      importance,
			IsAnnouncement:  nm.IsAnnouncement,
			RequiresAck:     nm.RequiresAck,
			ParentMessageID: nm.ParentMessageID,
			CreatedAt:       svc.now(),
			Attachments:     nm.Attachments,
		})
		if err != nil {
			return errors.Wrap(err, "creating message")
		}

		evt, err = svc.changeEvent(ctx, repo, realtime.EventMessage, convID, &msg.CreatedAt)
		if err != nil {
			return err
		}
		ps, err := repo.QueryParticipants(ctx, convID)
		if err != nil {
			return errors.Wrap(err, "querying participants")
		}
		active = activeParticipants(ps)
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	msg.setSenderLabel()
	msg.ReadStatus = newReadStatus(msg, active, nil)
	if msg.Attachments == nil {
		msg.Attachments = []Attachment{}
	}

	svc.publish(ctx, *evt)
	if msg.Importance != ImportanceNormal || msg.IsAnnouncement {
		svc.queueNotice(ctx, conv, msg, active)
	}
	return msg, nil
}

// checkCanPost enforces the posting rules of the conversation kind & the caller capabilities.
func (svc *Service) checkCanPost(conv Conversation, p Participant, caller user.Identity, nm NewMessage) error {
	if !p.IsActive() {
		return core.NewAuthorizationError(reasonNotParticipant)
	}

	caps := caller.Capabilities()
	if conv.Kind == KindAnnouncement && !p.Role.CanModerate() && !caps.CanReplyAnnouncement {
		return core.NewAuthorizationError(reasonAnnouncementMember)
	}
	if nm.IsAnnouncement && (conv.Kind != KindAnnouncement || !p.Role.CanModerate()) {
		return core.NewAuthorizationError(reasonAnnouncementFlag)
	}
	if nm.Importance != "" && !nm.Importance.Valid() {
		return validationErr("importance", "invalid importance")
	}
	if nm.Importance != "" && nm.Importance != ImportanceNormal && !caps.CanSetImportance {
		return core.NewAuthorizationError(reasonImportance)
	}
	return nil
}

// ListMessages returns up to limit messages posted after afterID, oldest first.
// The caller's own messages come with their read status.
func (svc *Service) ListMessages(ctx context.Context, caller user.Identity, convID, afterID int64, limit int) ([]Message, error) {
	if _, _, err := conversationFor(ctx, svc.repo, caller.Ref(), convID); err != nil {
		return nil, err
	}
	msgs, err := svc.repo.QueryMessages(ctx, MessageFilter{
		ConversationID: convID,
		AfterID:        afterID,
		Limit:          clampLimit(limit),
	})
	if err != nil {
		return nil, errors.Wrap(err, "querying messages")
	}
	if err = svc.decorate(ctx, svc.repo, caller.Ref(), convID, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// decorate sets the sender labels, and the read status of the messages sent by viewer.
func (svc *Service) decorate(ctx context.Context, repo Repository, viewer user.Ref, convID int64, msgs []Message) error {
	var own []int64
	for i := range msgs {
		msgs[i].setSenderLabel()
		if msgs[i].Attachments == nil {
			msgs[i].Attachments = []Attachment{}
		}
		if msgs[i].Sender() == viewer {
			own = append(own, msgs[i].ID)
		}
	}
	if len(own) == 0 {
		return nil
	}

	ps, err := repo.QueryParticipants(ctx, convID)
	if err != nil {
		return errors.Wrap(err, "querying participants")
	}
	receipts, err := repo.QueryReceipts(ctx, own...)
	if err != nil {
		return errors.Wrap(err, "querying receipts")
	}
	byMsg := make(map[int64][]ReadReceipt, len(own))
	for _, r := range receipts {
		byMsg[r.MessageID] = append(byMsg[r.MessageID], r)
	}

	active := activeParticipants(ps)
	for i := range msgs {
		if msgs[i].Sender() == viewer {
			msgs[i].ReadStatus = newReadStatus(msgs[i], active, byMsg[msgs[i].ID])
		}
	}
	return nil
}

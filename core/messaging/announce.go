package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/queue"
	"github.com/trezcool/masomo-messaging/core/realtime"
	"github.com/trezcool/masomo-messaging/core/recurrence"
	"github.com/trezcool/masomo-messaging/core/user"
)

// Announcement is a broadcast announcement conversation & its first message.
type Announcement struct {
	Conversation   Conversation `json:"conversation"`
	Message        Message      `json:"message"`
	RecipientCount int          `json:"recipient_count"`
}

// BroadcastAnnouncement resolves the targets once and creates a single announcement conversation
// with the author as admin and every recipient as member. An empty resolution is rejected before any write.
func (svc *Service) BroadcastAnnouncement(ctx context.Context, author user.Identity, na NewAnnouncement) (Announcement, error) {
	if !author.Capabilities().CanAuthorAnnouncement {
		return Announcement{}, core.NewAuthorizationError(reasonCannotAnnounce)
	}
	title, body := core.CleanString(na.Title), core.CleanString(na.Body)
	if title == "" {
		return Announcement{}, validationErr("title", "announcement title cannot be empty")
	}
	if body == "" {
		return Announcement{}, validationErr("body", "announcement body cannot be empty")
	}
	importance := na.Importance
	if importance == "" {
		importance = ImportanceNormal
	}
	if !importance.Valid() {
		return Announcement{}, validationErr("importance", "invalid importance")
	}

	targets, err := svc.directory.ResolveTargets(ctx, na.Target)
	if err != nil {
		return Announcement{}, errors.Wrap(err, "resolving targets")
	}
	authorRef := author.Ref()
	members := make([]user.User, 0, len(targets))
	for _, u := range targets {
		if u.Ref() != authorRef {
			members = append(members, u)
		}
	}
	if len(members) == 0 {
		return Announcement{}, validationErr("target", "no recipient matches the announcement target")
	}

	now := svc.now()
	ann := Announcement{
		Conversation: Conversation{
			Kind:           KindAnnouncement,
			Title:          title,
			CreatorID:      author.UserID,
			CreatorType:    author.UserType,
			CreatedAt:      now,
			LastActivityAt: now,
			Revision:       1,
			MembersRev:     1,
		},
		RecipientCount: len(members),
	}
	ps := make([]Participant, 0, len(members)+1)
	ps = append(ps, Participant{
		UserID: author.UserID, UserType: author.UserType, DisplayName: author.DisplayName,
		Role: RoleAdmin, Folder: FolderInbox, JoinedAt: now,
	})
	for _, u := range members {
		ps = append(ps, Participant{
			UserID: u.ID, UserType: u.Type, DisplayName: u.Name,
			Role: RoleMember, Folder: FolderInbox, JoinedAt: now,
		})
	}

	err = svc.repo.InTx(ctx, func(repo Repository) error {
		conv, err := repo.CreateConversation(ctx, ann.Conversation)
		if err != nil {
			return errors.Wrap(err, "creating conversation")
		}
		for i := range ps {
			ps[i].ConversationID = conv.ID
		}
		if err = repo.UpsertParticipants(ctx, ps...); err != nil {
			return errors.Wrap(err, "adding participants")
		}

		msg, err := repo.CreateMessage(ctx, Message{
			ConversationID: conv.ID,
			SenderID:       author.UserID,
			SenderType:     author.UserType,
			SenderName:     author.DisplayName,
			Body:           body,
			Importance:     importance,
			IsAnnouncement: true,
			RequiresAck:    na.RequiresAck,
			CreatedAt:      now,
		})
		if err != nil {
			return errors.Wrap(err, "creating message")
		}
		if conv.Revision, err = repo.BumpRevision(ctx, conv.ID, &now, false); err != nil {
			return errors.Wrap(err, "bumping conversation revision")
		}
		ann.Conversation, ann.Message = conv, msg
		return nil
	})
	if err != nil {
		return Announcement{}, err
	}

	ann.Message.setSenderLabel()
	ann.Message.Attachments = []Attachment{}
	ann.Message.ReadStatus = newReadStatus(ann.Message, ps, nil)

	svc.publish(ctx, realtime.Event{
		Type:           realtime.EventMessage,
		ConversationID: ann.Conversation.ID,
		Revision:       ann.Conversation.Revision,
		Recipients:     recipients(ps),
	})
	svc.queueNotice(ctx, ann.Conversation, ann.Message, ps)
	return ann, nil
}

type scheduledAnnouncement struct {
	Author       user.Identity   `json:"author"`
	Announcement NewAnnouncement `json:"announcement"`
}

// ScheduleAnnouncement enqueues one broadcast per occurrence of rule between start & end.
// The targets are resolved again when each broadcast runs.
func (svc *Service) ScheduleAnnouncement(
	ctx context.Context,
	author user.Identity,
	na NewAnnouncement,
	rule recurrence.Rule,
	start, end time.Time,
) ([]time.Time, error) {
	if !author.Capabilities().CanAuthorAnnouncement {
		return nil, core.NewAuthorizationError(reasonCannotAnnounce)
	}
	if svc.queue == nil {
		return nil, errors.New("no task queue configured for scheduling")
	}

	dates, err := recurrence.Expand(rule, start, end)
	if err != nil {
		return nil, validationErr("recurrence", err.Error())
	}
	if len(dates) == 0 {
		return nil, validationErr("recurrence", "the rule has no occurrence in this period")
	}

	payload, err := json.Marshal(scheduledAnnouncement{Author: author, Announcement: na})
	if err != nil {
		return nil, errors.Wrap(err, "encoding announcement")
	}
	for _, at := range dates {
		opt := queue.EnqueueOption{Queue: scheduleQueue, ProcessAt: at, MaxRetry: 3}
		if _, err = svc.queue.Enqueue(ctx, queue.Task{Type: TaskAnnounce, Payload: payload}, opt); err != nil {
			return nil, errors.Wrap(err, "enqueuing announcement")
		}
	}
	return dates, nil
}

func (svc *Service) handleScheduledAnnouncement(ctx context.Context, t queue.Task) error {
	var sa scheduledAnnouncement
	if err := json.Unmarshal(t.Payload, &sa); err != nil {
		return errors.Wrap(err, "decoding announcement")
	}
	_, err := svc.BroadcastAnnouncement(ctx, sa.Author, sa.Announcement)
	if core.IsValidationError(err) || core.IsAuthorizationError(err) {
		// retrying will not help (e.g. the target classes are empty by now)
		svc.logger.Warn(fmt.Sprintf("skipping scheduled announcement %q: %v", sa.Announcement.Title, err), err)
		return nil
	}
	return err
}

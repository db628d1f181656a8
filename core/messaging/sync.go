package messaging

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core/realtime"
	"github.com/trezcool/masomo-messaging/core/user"
)

const syncBatchSize = maxMessagesLimit

// Cursor is where a client stands in a conversation: the last message it holds
// & the revision of the state it last applied. A zero Revision asks for a full snapshot.
type Cursor struct {
	AfterID  int64
	Revision int64
}

// ConversationState is the part of a conversation a client is missing.
// Participants are only set when they changed since the cursor revision.
type ConversationState struct {
	Version      string        `json:"version"`
	Revision     int64         `json:"revision"`
	LastID       int64         `json:"last_id"`
	HasMore      bool          `json:"has_more"`
	Messages     []Message     `json:"messages"`
	Participants []Participant `json:"participants,omitempty"`
	ReadStatus   []ReadStatus  `json:"read_status"` // of the caller's messages
}

// NotificationState is the inbox of a user, as shown by the notification badge.
type NotificationState struct {
	Version       string                `json:"version"`
	TotalUnread   int                   `json:"total_unread"`
	Conversations []ConversationSummary `json:"conversations"`
}

// ConversationVersion is the version tag of a conversation at revision rev.
func ConversationVersion(convID, rev int64) string {
	return fmt.Sprintf("c%d-r%d", convID, rev)
}

// ParseConversationVersion extracts the revision of a tag produced by ConversationVersion.
// It reports false for tags of another conversation or malformed ones.
func ParseConversationVersion(convID int64, tag string) (int64, bool) {
	prefix := fmt.Sprintf("c%d-r", convID)
	if !strings.HasPrefix(tag, prefix) {
		return 0, false
	}
	rev, err := strconv.ParseInt(strings.TrimPrefix(tag, prefix), 10, 64)
	if err != nil || rev < 0 {
		return 0, false
	}
	return rev, true
}

// ConversationVersionOf returns the current version tag of a conversation the caller can see.
// Pollers compare it with the tag they hold before loading anything.
func (svc *Service) ConversationVersionOf(ctx context.Context, caller user.Identity, convID int64) (string, error) {
	conv, _, err := conversationFor(ctx, svc.repo, caller.Ref(), convID)
	if err != nil {
		return "", err
	}
	return ConversationVersion(conv.ID, conv.Revision), nil
}

// Changes returns what changed in a conversation since cur: the messages posted after cur.AfterID,
// and the read statuses of the caller's messages that changed after cur.Revision.
// Every read status (and the participants) is returned when the membership changed since, as totals moved.
func (svc *Service) Changes(ctx context.Context, caller user.Identity, convID int64, cur Cursor) (ConversationState, error) {
	conv, _, err := conversationFor(ctx, svc.repo, caller.Ref(), convID)
	if err != nil {
		return ConversationState{}, err
	}
	if cur.Revision > conv.Revision {
		// stale cursor from another store, start over
		cur.Revision = 0
	}

	msgs, err := svc.repo.QueryMessages(ctx, MessageFilter{
		ConversationID: convID,
		AfterID:        cur.AfterID,
		Limit:          syncBatchSize + 1,
	})
	if err != nil {
		return ConversationState{}, errors.Wrap(err, "querying messages")
	}
	state := ConversationState{Revision: conv.Revision, LastID: cur.AfterID}
	if len(msgs) > syncBatchSize {
		msgs, state.HasMore = msgs[:syncBatchSize], true
	}
	if err = svc.decorate(ctx, svc.repo, caller.Ref(), convID, msgs); err != nil {
		return ConversationState{}, err
	}
	state.Messages = msgs
	if n := len(msgs); n > 0 {
		state.LastID = msgs[n-1].ID
	}

	membersChanged := cur.Revision == 0 || conv.MembersRev > cur.Revision
	if membersChanged {
		if state.Participants, err = svc.ListParticipants(ctx, caller, convID); err != nil {
			return ConversationState{}, err
		}
	}
	if state.ReadStatus, err = svc.ownReadStatuses(ctx, caller.Ref(), convID, cur, membersChanged); err != nil {
		return ConversationState{}, err
	}

	if state.HasMore {
		// keep the tag stale so pollers come back for the rest
		state.Version = ConversationVersion(conv.ID, cur.Revision)
	} else {
		state.Version = ConversationVersion(conv.ID, conv.Revision)
	}
	return state, nil
}

// ownReadStatuses collects the read statuses of the caller's messages up to cur.AfterID.
// The statuses of the new messages already come with them.
func (svc *Service) ownReadStatuses(
	ctx context.Context,
	caller user.Ref,
	convID int64,
	cur Cursor,
	all bool,
) ([]ReadStatus, error) {
	statuses := make([]ReadStatus, 0)
	if cur.AfterID == 0 {
		return statuses, nil
	}

	filter := MessageFilter{ConversationID: convID, Sender: &caller}
	if !all {
		filter.ReadRevAfter = cur.Revision
	}
	own, err := svc.repo.QueryMessages(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "querying own messages")
	}
	prior := own[:0]
	for _, m := range own {
		if m.ID <= cur.AfterID {
			prior = append(prior, m)
		}
	}
	if len(prior) == 0 {
		return statuses, nil
	}

	if err = svc.decorate(ctx, svc.repo, caller, convID, prior); err != nil {
		return nil, err
	}
	for _, m := range prior {
		statuses = append(statuses, *m.ReadStatus)
	}
	return statuses, nil
}

// Notifications returns the caller's inbox & total unread count.
func (svc *Service) Notifications(ctx context.Context, caller user.Identity) (NotificationState, error) {
	// the generation is read first: a change committed during the load invalidates the tag computed below
	gen, genErr := int64(0), error(nil)
	if svc.versions != nil {
		if gen, genErr = svc.versions.Generation(ctx, caller.Ref()); genErr != nil {
			svc.logger.Warn(fmt.Sprintf("reading notifications generation: %v", genErr), genErr)
		}
	}

	convs, err := svc.ListConversations(ctx, caller, FolderInbox)
	if err != nil {
		return NotificationState{}, err
	}
	state := NotificationState{Conversations: convs}
	for _, c := range convs {
		state.TotalUnread += c.UnreadCount
	}
	state.Version = notificationVersion(convs)

	if svc.versions != nil && genErr == nil {
		if _, err = svc.versions.SetUserVersion(ctx, caller.Ref(), state.Version, gen); err != nil {
			svc.logger.Warn(fmt.Sprintf("caching notifications version: %v", err), err)
		}
	}
	return state, nil
}

// NotificationsVersion returns the current notifications tag of the caller,
// from the version cache when it holds one.
func (svc *Service) NotificationsVersion(ctx context.Context, caller user.Identity) (string, error) {
	if svc.versions != nil {
		tag, err := svc.versions.UserVersion(ctx, caller.Ref())
		if err == nil {
			return tag, nil
		}
		if errors.Cause(err) != realtime.ErrMiss {
			svc.logger.Warn(fmt.Sprintf("reading notifications version: %v", err), err)
		}
	}
	state, err := svc.Notifications(ctx, caller)
	if err != nil {
		return "", err
	}
	return state.Version, nil
}

func notificationVersion(convs []ConversationSummary) string {
	h := fnv.New64a()
	for _, c := range convs {
		fmt.Fprintf(h, "%d:%d:%d;", c.ID, c.Revision, c.UnreadCount)
	}
	return "n" + strconv.FormatUint(h.Sum64(), 36)
}

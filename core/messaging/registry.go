package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/realtime"
	"github.com/trezcool/masomo-messaging/core/user"
)

// ConversationDetail is a conversation as seen by one of its participants.
type ConversationDetail struct {
	Conversation
	Role         Role          `json:"role"`
	Folder       Folder        `json:"folder"`
	Participants []Participant `json:"participants"`
}

// lookupUsers resolves refs in the directory, rejecting unknown & deactivated users.
func (svc *Service) lookupUsers(ctx context.Context, field string, refs []user.Ref) (map[user.Ref]user.User, error) {
	users := make(map[user.Ref]user.User, len(refs))
	for _, ref := range refs {
		usr, err := svc.directory.GetUser(ctx, ref)
		if err != nil {
			if errors.Cause(err) == core.ErrNotFound {
				return nil, validationErr(field, fmt.Sprintf("unknown user %s", ref))
			}
			return nil, errors.Wrap(err, "getting user")
		}
		if !usr.IsActive {
			return nil, validationErr(field, fmt.Sprintf("user %s is deactivated", ref))
		}
		users[ref] = usr
	}
	return users, nil
}

// CreateConversation atomically creates a conversation with its participant set.
// The creator is always its admin; duplicates in nc.Participants are ignored.
func (svc *Service) CreateConversation(ctx context.Context, caller user.Identity, nc NewConversation) (Conversation, error) {
	if !nc.Kind.Valid() {
		return Conversation{}, validationErr("kind", "invalid conversation kind")
	}

	caps := caller.Capabilities()
	switch nc.Kind {
	case KindAnnouncement:
		if !caps.CanAuthorAnnouncement {
			return Conversation{}, core.NewAuthorizationError(reasonCannotAnnounce)
		}
	case KindClassBroadcast:
		if !caps.CanCreateClassBroadcast {
			return Conversation{}, core.NewAuthorizationError(reasonClassBroadcast)
		}
	}

	creator := caller.Ref()
	refs := make([]user.Ref, 0, len(nc.Participants))
	seen := map[user.Ref]struct{}{creator: {}}
	for _, ref := range nc.Participants {
		ref.ID = core.CleanString(ref.ID)
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return Conversation{}, validationErr("participants", "a conversation needs at least one other participant")
	}
	if nc.Kind == KindIndividual && len(refs) != 1 {
		return Conversation{}, validationErr("participants", "an individual conversation has exactly one other participant")
	}

	users, err := svc.lookupUsers(ctx, "participants", refs)
	if err != nil {
		return Conversation{}, err
	}

	now := svc.now()
	conv := Conversation{
		Kind:           nc.Kind,
		Title:          core.CleanString(nc.Title),
		CreatorID:      creator.ID,
		CreatorType:    creator.Type,
		CreatedAt:      now,
		LastActivityAt: now,
		Revision:       1,
		MembersRev:     1,
	}
	ps := make([]Participant, 0, len(refs)+1)
	ps = append(ps, Participant{
		UserID:      creator.ID,
		UserType:    creator.Type,
		DisplayName: caller.DisplayName,
		Role:        RoleAdmin,
		Folder:      FolderInbox,
		JoinedAt:    now,
	})
	for _, ref := range refs {
		ps = append(ps, Participant{
			UserID:      ref.ID,
			UserType:    ref.Type,
			DisplayName: users[ref].Name,
			Role:        RoleMember,
			Folder:      FolderInbox,
			JoinedAt:    now,
		})
	}

	err = svc.repo.InTx(ctx, func(repo Repository) error {
		var err error
		if conv, err = repo.CreateConversation(ctx, conv); err != nil {
			return errors.Wrap(err, "creating conversation")
		}
		for i := range ps {
			ps[i].ConversationID = conv.ID
		}
		return errors.Wrap(repo.UpsertParticipants(ctx, ps...), "adding participants")
	})
	if err != nil {
		return Conversation{}, err
	}

	svc.publish(ctx, realtime.Event{
		Type:           realtime.EventParticipants,
		ConversationID: conv.ID,
		Revision:       conv.Revision,
		Recipients:     recipients(ps),
	})
	return conv, nil
}

// moderatorFor loads the conversation if caller may manage its participants.
func moderatorFor(ctx context.Context, repo Repository, caller user.Ref, convID int64) (Conversation, error) {
	conv, p, err := conversationFor(ctx, repo, caller, convID)
	if err != nil {
		return Conversation{}, err
	}
	if !p.IsActive() {
		return Conversation{}, core.NewAuthorizationError(reasonNotParticipant)
	}
	if !p.Role.CanModerate() {
		return Conversation{}, core.NewAuthorizationError(reasonNotModerator)
	}
	if conv.Kind == KindIndividual {
		return Conversation{}, core.NewAuthorizationError(reasonIndividualMembers)
	}
	return conv, nil
}

// AddParticipant adds target as a member. Adding a current participant is a no-op;
// a participant who left joins again.
func (svc *Service) AddParticipant(ctx context.Context, caller user.Identity, convID int64, target user.Ref) (Participant, error) {
	var (
		added Participant
		evt   *realtime.Event
	)
	// the directory is read outside of the transaction; its error only counts once caller may manage members
	users, lookupErr := svc.lookupUsers(ctx, "user_id", []user.Ref{target})

	err := svc.repo.InTx(ctx, func(repo Repository) error {
		if _, err := moderatorFor(ctx, repo, caller.Ref(), convID); err != nil {
			return err
		}

		existing, err := repo.GetParticipant(ctx, convID, target)
		switch {
		case err == nil && existing.LeftAt == nil && existing.IsVisible():
			added = existing
			return nil
		case err != nil && errors.Cause(err) != core.ErrNotFound:
			return errors.Wrap(err, "getting participant")
		}

		if lookupErr != nil {
			return lookupErr
		}
		added = Participant{
			ConversationID: convID,
			UserID:         target.ID,
			UserType:       target.Type,
			DisplayName:    users[target].Name,
			Role:           RoleMember,
			Folder:         FolderInbox,
			JoinedAt:       svc.now(),
		}
		if err = repo.UpsertParticipants(ctx, added); err != nil {
			return errors.Wrap(err, "adding participant")
		}

		evt, err = svc.participantsEvent(ctx, repo, convID)
		return err
	})
	if err != nil {
		return Participant{}, err
	}
	if evt != nil {
		svc.publish(ctx, *evt)
	}
	return added, nil
}

// RemoveParticipant marks target as gone (the row is kept for history).
// Removing the admin, or someone who is not a participant, is a no-op.
func (svc *Service) RemoveParticipant(ctx context.Context, caller user.Identity, convID int64, target user.Ref) error {
	var evt *realtime.Event
	err := svc.repo.InTx(ctx, func(repo Repository) error {
		if _, err := moderatorFor(ctx, repo, caller.Ref(), convID); err != nil {
			return err
		}

		p, err := repo.GetParticipant(ctx, convID, target)
		if err != nil {
			if errors.Cause(err) == core.ErrNotFound {
				return nil
			}
			return errors.Wrap(err, "getting participant")
		}
		if p.Role == RoleAdmin || p.LeftAt != nil {
			return nil
		}

		now := svc.now()
		p.LeftAt = &now
		if err = repo.UpdateParticipant(ctx, p); err != nil {
			return errors.Wrap(err, "removing participant")
		}

		evt, err = svc.participantsEvent(ctx, repo, convID, target)
		return err
	})
	if err != nil {
		return err
	}
	if evt != nil {
		svc.publish(ctx, *evt)
	}
	return nil
}

func (svc *Service) PromoteModerator(ctx context.Context, caller user.Identity, convID int64, target user.Ref) error {
	return svc.setRole(ctx, caller, convID, target, RoleModerator)
}

func (svc *Service) DemoteModerator(ctx context.Context, caller user.Identity, convID int64, target user.Ref) error {
	return svc.setRole(ctx, caller, convID, target, RoleMember)
}

func (svc *Service) setRole(ctx context.Context, caller user.Identity, convID int64, target user.Ref, role Role) error {
	var evt *realtime.Event
	err := svc.repo.InTx(ctx, func(repo Repository) error {
		_, cp, err := conversationFor(ctx, repo, caller.Ref(), convID)
		if err != nil {
			return err
		}
		if !cp.IsActive() || cp.Role != RoleAdmin {
			return core.NewAuthorizationError(reasonNotAdmin)
		}
		if target == caller.Ref() {
			return core.NewAuthorizationError(reasonOwnRole)
		}

		p, err := repo.GetParticipant(ctx, convID, target)
		if err != nil {
			return err
		}
		if p.LeftAt != nil || !p.IsVisible() {
			return ErrParticipantNotFound
		}
		if p.Role == RoleAdmin {
			return core.NewAuthorizationError(reasonAdminImmutable)
		}
		if p.Role == role {
			return nil
		}

		p.Role = role
		if err = repo.UpdateParticipant(ctx, p); err != nil {
			return errors.Wrap(err, "updating participant role")
		}
		evt, err = svc.participantsEvent(ctx, repo, convID)
		return err
	})
	if err != nil {
		return err
	}
	if evt != nil {
		svc.publish(ctx, *evt)
	}
	return nil
}

// Leave removes the caller from the conversation. The admin cannot leave.
func (svc *Service) Leave(ctx context.Context, caller user.Identity, convID int64) error {
	var evt *realtime.Event
	err := svc.repo.InTx(ctx, func(repo Repository) error {
		_, p, err := conversationFor(ctx, repo, caller.Ref(), convID)
		if err != nil {
			return err
		}
		if p.Role == RoleAdmin {
			return core.NewAuthorizationError(reasonAdminCannotLeave)
		}
		if p.LeftAt != nil {
			return nil
		}

		now := svc.now()
		p.LeftAt = &now
		if err = repo.UpdateParticipant(ctx, p); err != nil {
			return errors.Wrap(err, "leaving conversation")
		}
		evt, err = svc.participantsEvent(ctx, repo, convID, caller.Ref())
		return err
	})
	if err != nil {
		return err
	}
	if evt != nil {
		svc.publish(ctx, *evt)
	}
	return nil
}

// participantsEvent bumps the conversation revision after a membership change.
// extra recipients are notified too (e.g. a removed participant).
func (svc *Service) participantsEvent(ctx context.Context, repo Repository, convID int64, extra ...user.Ref) (*realtime.Event, error) {
	return svc.changeEvent(ctx, repo, realtime.EventParticipants, convID, nil, extra...)
}

func (svc *Service) changeEvent(
	ctx context.Context,
	repo Repository,
	typ realtime.EventType,
	convID int64,
	activityAt *time.Time,
	extra ...user.Ref,
) (*realtime.Event, error) {
	membersChanged := typ == realtime.EventParticipants || typ == realtime.EventFolder
	rev, err := repo.BumpRevision(ctx, convID, activityAt, membersChanged)
	if err != nil {
		return nil, errors.Wrap(err, "bumping conversation revision")
	}
	ps, err := repo.QueryParticipants(ctx, convID)
	if err != nil {
		return nil, errors.Wrap(err, "querying participants")
	}
	return &realtime.Event{
		Type:           typ,
		ConversationID: convID,
		Revision:       rev,
		Recipients:     recipients(ps, extra...),
	}, nil
}

// Folders

// Archive moves the conversation to the caller's archive.
func (svc *Service) Archive(ctx context.Context, caller user.Identity, convID int64) error {
	return svc.moveFolder(ctx, caller, convID, FolderArchived, func(from Folder) error {
		if from == FolderTrashed {
			return validationErr("folder", "the conversation is in the trash, restore it first")
		}
		return nil
	})
}

// Trash moves the conversation to the caller's trash: they stop counting as a reader.
func (svc *Service) Trash(ctx context.Context, caller user.Identity, convID int64) error {
	return svc.moveFolder(ctx, caller, convID, FolderTrashed, nil)
}

// Restore moves an archived or trashed conversation back to the caller's inbox.
func (svc *Service) Restore(ctx context.Context, caller user.Identity, convID int64) error {
	return svc.moveFolder(ctx, caller, convID, FolderInbox, nil)
}

// Purge hides a trashed conversation from the caller for good.
// The conversation is only deleted once every participant purged it (see ReclaimPurged).
func (svc *Service) Purge(ctx context.Context, caller user.Identity, convID int64) error {
	var evt *realtime.Event
	err := svc.repo.InTx(ctx, func(repo Repository) error {
		_, p, err := conversationFor(ctx, repo, caller.Ref(), convID)
		if err != nil {
			return err
		}
		if p.Folder != FolderTrashed {
			return validationErr("folder", "only trashed conversations can be purged")
		}

		now := svc.now()
		p.PurgedAt = &now
		if err = repo.UpdateParticipant(ctx, p); err != nil {
			return errors.Wrap(err, "purging conversation")
		}
		evt, err = svc.changeEvent(ctx, repo, realtime.EventFolder, convID, nil, caller.Ref())
		return err
	})
	if err != nil {
		return err
	}
	if evt != nil {
		svc.publish(ctx, *evt)
	}
	return nil
}

func (svc *Service) moveFolder(ctx context.Context, caller user.Identity, convID int64, to Folder, check func(from Folder) error) error {
	var evt *realtime.Event
	err := svc.repo.InTx(ctx, func(repo Repository) error {
		_, p, err := conversationFor(ctx, repo, caller.Ref(), convID)
		if err != nil {
			return err
		}
		if p.Folder == to {
			return nil
		}
		if check != nil {
			if err = check(p.Folder); err != nil {
				return err
			}
		}

		p.Folder = to
		if err = repo.UpdateParticipant(ctx, p); err != nil {
			return errors.Wrap(err, "moving conversation")
		}
		// other participants are notified too: the read statuses of their messages changed
		evt, err = svc.changeEvent(ctx, repo, realtime.EventFolder, convID, nil, caller.Ref())
		return err
	})
	if err != nil {
		return err
	}
	if evt != nil {
		svc.publish(ctx, *evt)
	}
	return nil
}

// Queries

// ListConversations lists the caller's conversations in folder (inbox by default), most recent activity first.
func (svc *Service) ListConversations(ctx context.Context, caller user.Identity, folder Folder) ([]ConversationSummary, error) {
	if folder == "" {
		folder = FolderInbox
	}
	if !folder.Valid() {
		return nil, validationErr("folder", "invalid folder")
	}
	return svc.repo.QueryConversations(ctx, ConversationFilter{Participant: caller.Ref(), Folder: folder})
}

func (svc *Service) GetConversation(ctx context.Context, caller user.Identity, convID int64) (ConversationDetail, error) {
	conv, p, err := conversationFor(ctx, svc.repo, caller.Ref(), convID)
	if err != nil {
		return ConversationDetail{}, err
	}
	ps, err := svc.ListParticipants(ctx, caller, convID)
	if err != nil {
		return ConversationDetail{}, err
	}
	return ConversationDetail{Conversation: conv, Role: p.Role, Folder: p.Folder, Participants: ps}, nil
}

// ListParticipants returns the current participants (those who did not leave).
func (svc *Service) ListParticipants(ctx context.Context, caller user.Identity, convID int64) ([]Participant, error) {
	if _, _, err := conversationFor(ctx, svc.repo, caller.Ref(), convID); err != nil {
		return nil, err
	}
	ps, err := svc.repo.QueryParticipants(ctx, convID)
	if err != nil {
		return nil, errors.Wrap(err, "querying participants")
	}
	current := make([]Participant, 0, len(ps))
	for _, p := range ps {
		if p.LeftAt == nil {
			current = append(current, p)
		}
	}
	return current, nil
}

// ReclaimPurged deletes the conversations purged by all of their participants, returning how many were deleted.
func (svc *Service) ReclaimPurged(ctx context.Context) (int, error) {
	ids, err := svc.repo.QueryReclaimableConversations(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "querying reclaimable conversations")
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err = svc.repo.DeleteConversations(ctx, ids...); err != nil {
		return 0, errors.Wrap(err, "deleting conversations")
	}
	return len(ids), nil
}

package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/queue"
	"github.com/trezcool/masomo-messaging/core/realtime"
	"github.com/trezcool/masomo-messaging/core/user"
)

const (
	defaultMessagesLimit = 50
	maxMessagesLimit     = 200
)

type (
	ServiceDeps struct {
		Repo      Repository
		Directory user.Directory
		Publisher realtime.Publisher
		Versions  *realtime.VersionCache // optional
		Queue     queue.Client           // optional: no email notices nor scheduling without it
		Mailer    *NoticeMailer          // optional: delivers the queued notices
		Logger    core.Logger
	}

	Service struct {
		repo      Repository
		directory user.Directory
		publisher realtime.Publisher
		versions  *realtime.VersionCache
		queue     queue.Client
		mailer    *NoticeMailer
		logger    core.Logger
		nowFunc   func() time.Time
	}
)

var _ queue.Registrar = (*Service)(nil)

func NewService(deps ServiceDeps) *Service {
	return &Service{
		repo:      deps.Repo,
		directory: deps.Directory,
		publisher: deps.Publisher,
		versions:  deps.Versions,
		queue:     deps.Queue,
		mailer:    deps.Mailer,
		logger:    deps.Logger,
		nowFunc:   func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock, for tests.
func (svc *Service) SetNowFunc(f func() time.Time) { svc.nowFunc = f }

func (svc *Service) now() time.Time { return svc.nowFunc().UTC() }

// publish signals a committed change. Failures are logged only:
// clients resync from the store on their next poll or reconnect.
func (svc *Service) publish(ctx context.Context, evt realtime.Event) {
	if svc.versions != nil {
		if err := svc.versions.Invalidate(ctx, evt); err != nil {
			svc.logger.Warn(fmt.Sprintf("invalidating versions: %v", err), err)
		}
	}
	if svc.publisher != nil {
		if err := svc.publisher.Publish(ctx, evt); err != nil {
			svc.logger.Warn(fmt.Sprintf("publishing %s event: %v", evt.Type, err), err)
		}
	}
}

// conversationFor loads the conversation & the participant row of ref.
// Conversations the caller is not part of are reported as not found.
func conversationFor(ctx context.Context, repo Repository, ref user.Ref, convID int64) (Conversation, Participant, error) {
	conv, err := repo.GetConversation(ctx, convID)
	if err != nil {
		return Conversation{}, Participant{}, err
	}
	p, err := repo.GetParticipant(ctx, convID, ref)
	if err != nil {
		if errors.Cause(err) == core.ErrNotFound {
			return Conversation{}, Participant{}, ErrConversationNotFound
		}
		return Conversation{}, Participant{}, err
	}
	if !p.IsVisible() {
		return Conversation{}, Participant{}, ErrConversationNotFound
	}
	return conv, p, nil
}

// recipients returns the participants that still follow the conversation.
func recipients(ps []Participant, extra ...user.Ref) []user.Ref {
	refs := make([]user.Ref, 0, len(ps)+len(extra))
	seen := make(map[user.Ref]struct{}, len(ps)+len(extra))
	for _, p := range ps {
		if p.LeftAt == nil && p.IsVisible() {
			refs = append(refs, p.Ref())
			seen[p.Ref()] = struct{}{}
		}
	}
	for _, r := range extra {
		if _, ok := seen[r]; !ok {
			refs = append(refs, r)
			seen[r] = struct{}{}
		}
	}
	return refs
}

func activeParticipants(ps []Participant) []Participant {
	active := make([]Participant, 0, len(ps))
	for _, p := range ps {
		if p.IsActive() {
			active = append(active, p)
		}
	}
	return active
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultMessagesLimit
	}
	if limit > maxMessagesLimit {
		return maxMessagesLimit
	}
	return limit
}

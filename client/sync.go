package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/messaging"
	"github.com/trezcool/masomo-messaging/core/user"
)

const (
	defaultPollBase         = 2 * time.Second
	defaultPollMax          = time.Minute
	defaultFailureThreshold = 3
)

// Notice shows sync failures to the user.
type Notice interface {
	Show(err error)
	Hide()
}

// Notifier raises a desktop notification for a message received from someone else.
// It may fail (no permission, unsupported platform): the failure is ignored.
type Notifier interface {
	Notify(ctx context.Context, msg messaging.Message) error
}

type Options struct {
	PollBase time.Duration // delay after a change, and first backoff step
	PollMax  time.Duration // backoff bound
	Jitter   float64       // randomization factor of the delays, in [0, 1)

	FailureThreshold int    // consecutive failures before the Notice shows
	Notice           Notice // optional
	Notifier         Notifier
	Self             user.Ref // whose messages raise no notification

	OnNotifications func(messaging.NotificationState)
	Logger          core.Logger
}

func (o *Options) setDefaults() {
	if o.PollBase <= 0 {
		o.PollBase = defaultPollBase
	}
	if o.PollMax < o.PollBase {
		o.PollMax = defaultPollMax
		if o.PollMax < o.PollBase {
			o.PollMax = o.PollBase
		}
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = defaultFailureThreshold
	}
}

// Synchronizer keeps a MessageStore (or the notifications) in sync with one Resource.
// Its single run loop is cancelled whenever the client is suspended or offline.
type Synchronizer struct {
	res       Resource
	transport Transport
	store     *MessageStore
	opts      Options

	mu      sync.Mutex
	parent  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	hidden  bool
	offline bool
	cur     Cursor
	primed  bool // the initial state was loaded
	notifs  messaging.NotificationState

	failures  int
	showing   bool
	dismissed bool
}

// NewSynchronizer returns a Synchronizer of res. store may be nil when following the notifications.
func NewSynchronizer(res Resource, transport Transport, store *MessageStore, opts Options) *Synchronizer {
	opts.setDefaults()
	if store == nil {
		store = NewMessageStore()
	}
	return &Synchronizer{
		res:       res,
		transport: transport,
		store:     store,
		opts:      opts,
		cur:       Cursor{AfterID: store.LastID()},
	}
}

func (s *Synchronizer) Store() *MessageStore { return s.store }

// Start runs the sync loop until ctx is done or Stop is called.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.parent, s.started = ctx, true
	s.startLocked()
}

// Stop ends the sync loop and waits for it.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.halt()
}

// Suspend pauses syncing while the UI is hidden: timers are cancelled & streams closed.
func (s *Synchronizer) Suspend() {
	s.mu.Lock()
	s.hidden = true
	s.mu.Unlock()
	s.halt()
}

// Resume restarts syncing with an unconditional refresh.
func (s *Synchronizer) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hidden = false
	s.cur.Version = ""
	s.startLocked()
}

// Offline pauses syncing until Online.
func (s *Synchronizer) Offline() {
	s.mu.Lock()
	s.offline = true
	s.mu.Unlock()
	s.halt()
}

// Online restarts syncing with an unconditional refresh.
func (s *Synchronizer) Online() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = false
	s.cur.Version = ""
	s.startLocked()
}

// Refresh drops the held version and syncs right away.
func (s *Synchronizer) Refresh() {
	s.halt()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Version = ""
	s.startLocked()
}

// DismissNotice hides the failure notice until syncing recovers & fails again.
func (s *Synchronizer) DismissNotice() {
	s.mu.Lock()
	s.dismissed, s.showing = true, false
	s.mu.Unlock()
}

// Running reports whether the sync loop is active.
func (s *Synchronizer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Synchronizer) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *Synchronizer) Notifications() messaging.NotificationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifs
}

func (s *Synchronizer) startLocked() {
	if !s.started || s.hidden || s.offline || s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.parent)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go s.run(ctx, done)
}

// halt cancels the run loop and waits for it to return.
func (s *Synchronizer) halt() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Synchronizer) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.PollBase
	b.MaxInterval = s.opts.PollMax
	b.Multiplier = 2
	b.RandomizationFactor = s.opts.Jitter
	b.MaxElapsedTime = 0 // never give up
	b.Reset()
	return b
}

func (s *Synchronizer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := s.newBackoff()
	for {
		changed, err := s.transport.Sync(ctx, s.res, s.Cursor(), func(u Update) { s.apply(ctx, u) })
		if ctx.Err() != nil {
			return
		}

		switch {
		case err != nil && isRevoked(err):
			s.failed(err, true)
			s.detach(done)
			return
		case err != nil:
			s.failed(err, false)
		case changed:
			s.recovered()
			b.Reset()
		default: // not modified
			s.recovered()
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// detach forgets the run loop owning done, which stops on its own.
func (s *Synchronizer) detach(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == done {
		s.cancel()
		s.cancel, s.done = nil, nil
	}
}

// isRevoked reports whether err means the caller can no longer follow the resource.
func isRevoked(err error) bool {
	if errors.Cause(err) == ErrRevoked {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden
}

func (s *Synchronizer) apply(ctx context.Context, u Update) {
	var (
		fresh  []messaging.Message
		notifs *messaging.NotificationState
	)

	s.mu.Lock()
	if cs := u.Conversation; cs != nil {
		if len(cs.Messages) > 0 {
			added := s.store.Upsert(cs.Messages...)
			if s.primed {
				fresh = added
			}
		}
		if cs.Participants != nil {
			s.store.SetParticipants(cs.Participants)
		}
		s.store.ApplyReadStatuses(cs.ReadStatus)
		if cs.LastID > s.cur.AfterID {
			s.cur.AfterID = cs.LastID
		}
		if cs.Version != "" {
			s.cur.Version = cs.Version
			if !cs.HasMore {
				s.primed = true
			}
		}
	}
	if ns := u.Notifications; ns != nil {
		s.notifs = *ns
		s.cur.Version = ns.Version
		notifs = ns
	}
	s.mu.Unlock()

	if notifs != nil && s.opts.OnNotifications != nil {
		s.opts.OnNotifications(*notifs)
	}
	if s.opts.Notifier == nil {
		return
	}
	for _, m := range fresh {
		if m.Sender() == s.opts.Self {
			continue
		}
		if err := s.opts.Notifier.Notify(ctx, m); err != nil && s.opts.Logger != nil {
			s.opts.Logger.Debug(fmt.Sprintf("notifying message %d: %v", m.ID, err))
		}
	}
}

func (s *Synchronizer) failed(err error, immediate bool) {
	s.mu.Lock()
	s.failures++
	show := !s.showing && !s.dismissed && (immediate || s.failures >= s.opts.FailureThreshold)
	if show {
		s.showing = true
	}
	s.mu.Unlock()

	if s.opts.Logger != nil {
		s.opts.Logger.Warn(fmt.Sprintf("syncing %s: %v", s.res, err), err)
	}
	if show && s.opts.Notice != nil {
		s.opts.Notice.Show(err)
	}
}

func (s *Synchronizer) recovered() {
	s.mu.Lock()
	hide := s.showing
	s.failures, s.showing, s.dismissed = 0, false, false
	s.mu.Unlock()

	if hide && s.opts.Notice != nil {
		s.opts.Notice.Hide()
	}
}

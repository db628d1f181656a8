package echoapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/messaging"
	"github.com/trezcool/masomo-messaging/core/realtime"
	"github.com/trezcool/masomo-messaging/core/user"
)

const (
	headerIfNoneMatch = "If-None-Match"
	headerETag        = "ETag"
	headerLastEventID = "Last-Event-ID"

	eventMessageBatch = "message-batch"
	eventReadStatus   = "read-status"
	eventParticipants = "participants-changed"
	eventNotification = "notification"
	eventRevoked      = "revoked"
	eventPing         = "ping"

	defaultPingInterval = 25 * time.Second
)

type syncApi struct {
	svc    *messaging.Service
	broker realtime.Broker
	conf   *core.Config
	logger core.Logger
}

func registerSyncAPI(
	g *echo.Group,
	auth echo.MiddlewareFunc,
	svc *messaging.Service,
	broker realtime.Broker,
	conf *core.Config,
	logger core.Logger,
) {
	api := syncApi{svc: svc, broker: broker, conf: conf, logger: logger}

	// stream tokens
	g.POST("/conversations/:id/stream-token", api.conversationStreamToken, auth)
	g.POST("/notifications/stream-token", api.notificationsStreamToken, auth)

	// push streams authenticate with the stream token
	if broker != nil {
		g.GET("/stream/conversations/:id", api.streamConversation)
		g.GET("/stream/notifications", api.streamNotifications)
	}

	// conditional polling
	pg := g.Group("/poll", auth)
	pg.GET("/conversations/:id", api.pollConversation)
	pg.GET("/notifications", api.pollNotifications)
}

type (
	StreamTokenResponse struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}

	PollResponse struct {
		Version string      `json:"version"`
		Payload interface{} `json:"payload"`
	}

	// MessageBatch is the data of a message-batch event.
	MessageBatch struct {
		Version  string              `json:"version"`
		LastID   int64               `json:"last_id"`
		HasMore  bool                `json:"has_more"`
		Messages []messaging.Message `json:"messages"`
	}
)

// Stream tokens

func (api *syncApi) streamToken(ctx echo.Context, ident user.Identity, convID int64) error {
	claims := GetStreamClaims(api.conf, ident, convID)
	token, err := GenerateToken(api.conf, claims)
	if err != nil {
		return errors.Wrap(err, "generating stream token")
	}
	return ctx.JSON(http.StatusCreated, StreamTokenResponse{Token: token, ExpiresAt: claims.ExpiresAt.Time.UTC()})
}

func (api *syncApi) conversationStreamToken(ctx echo.Context) error {
	ident, convID, err := callerAndConv(ctx)
	if err != nil {
		return err
	}
	// only participants get a token
	if _, err = api.svc.ConversationVersionOf(ctx.Request().Context(), ident, convID); err != nil {
		return errors.Wrap(err, "checking conversation access")
	}
	return api.streamToken(ctx, ident, convID)
}

func (api *syncApi) notificationsStreamToken(ctx echo.Context) error {
	ident, err := getContextIdentity(ctx)
	if err != nil {
		return err
	}
	return api.streamToken(ctx, ident, 0)
}

// Push streams

type sseWriter struct {
	res   *echo.Response
	retry uint
}

func newSSEWriter(ctx echo.Context, retry time.Duration) *sseWriter {
	res := ctx.Response()
	res.Header().Set(echo.HeaderContentType, sse.ContentType)
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()
	return &sseWriter{res: res, retry: uint(retry / time.Millisecond)}
}

func (w *sseWriter) send(event, id string, data interface{}) error {
	evt := sse.Event{Event: event, Id: id, Data: data}
	if w.retry > 0 {
		// the reconnection delay is only sent once
		evt.Retry, w.retry = w.retry, 0
	}
	if err := sse.Encode(w.res, evt); err != nil {
		return errors.Wrapf(err, "encoding %s event", event)
	}
	w.res.Flush()
	return nil
}

func (w *sseWriter) ping(now time.Time) error {
	return w.send(eventPing, "", now.UTC().Format(time.RFC3339))
}

func (api *syncApi) pingInterval() time.Duration {
	if api.conf.Sync.PingInterval > 0 {
		return api.conf.Sync.PingInterval
	}
	return defaultPingInterval
}

// drain empties the pending events: every change is reloaded at once.
func drain(events <-chan realtime.Event) bool {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

// sendChanges emits every change after cur, page by page, and returns the cursor of what was delivered.
// A message id at or below cur.AfterID is never emitted again.
func (api *syncApi) sendChanges(
	ctx context.Context,
	w *sseWriter,
	ident user.Identity,
	convID int64,
	cur messaging.Cursor,
) (messaging.Cursor, error) {
	snapshot := cur.Revision == 0
	for {
		state, err := api.svc.Changes(ctx, ident, convID, cur)
		if err != nil {
			return cur, err
		}

		if snapshot || len(state.Messages) > 0 {
			batch := MessageBatch{Version: state.Version, LastID: state.LastID, HasMore: state.HasMore, Messages: state.Messages}
			if err = w.send(eventMessageBatch, strconv.FormatInt(state.LastID, 10), batch); err != nil {
				return cur, err
			}
		}
		if state.Participants != nil {
			if err = w.send(eventParticipants, "", state.Participants); err != nil {
				return cur, err
			}
		}
		if len(state.ReadStatus) > 0 {
			if err = w.send(eventReadStatus, "", state.ReadStatus); err != nil {
				return cur, err
			}
		}

		cur.AfterID = state.LastID
		if !state.HasMore {
			cur.Revision = state.Revision
			return cur, nil
		}
		snapshot = false
	}
}

func (api *syncApi) streamConversation(ctx echo.Context) error {
	convID, err := pathID(ctx, "id")
	if err != nil {
		return err
	}
	ident, err := streamAuth(ctx, api.conf, convID)
	if err != nil {
		return err
	}
	lastSeen, err := queryInt64(ctx, "last_seen", 0)
	if err != nil {
		return err
	}
	if lastSeen == 0 {
		// EventSource reconnections send back the id of the last message-batch
		lastSeen, _ = strconv.ParseInt(ctx.Request().Header.Get(headerLastEventID), 10, 64)
	}
	reqCtx := ctx.Request().Context()

	// check access before committing the response, so it fails with a proper status
	if _, err = api.svc.ConversationVersionOf(reqCtx, ident, convID); err != nil {
		return errors.Wrap(err, "checking conversation access")
	}

	// subscribe before the snapshot: no change can fall in between
	events, unsubscribe := api.broker.Subscribe(realtime.ConversationTopic(convID))
	defer unsubscribe()

	w := newSSEWriter(ctx, api.conf.Sync.PollBase)
	cur, err := api.sendChanges(reqCtx, w, ident, convID, messaging.Cursor{AfterID: lastSeen})
	if err != nil {
		return api.endStream(w, ident, err)
	}

	ticker := time.NewTicker(api.pingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-reqCtx.Done():
			return nil
		case _, ok := <-events:
			if !ok || !drain(events) {
				return nil // broker closed
			}
			if cur, err = api.sendChanges(reqCtx, w, ident, convID, cur); err != nil {
				return api.endStream(w, ident, err)
			}
		case now := <-ticker.C:
			if err = w.ping(now); err != nil {
				return api.endStream(w, ident, err)
			}
		}
	}
}

func (api *syncApi) streamNotifications(ctx echo.Context) error {
	ident, err := streamAuth(ctx, api.conf, 0)
	if err != nil {
		return err
	}
	reqCtx := ctx.Request().Context()

	events, unsubscribe := api.broker.Subscribe(realtime.UserTopic(ident.Ref()))
	defer unsubscribe()

	w := newSSEWriter(ctx, api.conf.Sync.PollBase)
	lastVersion := ""
	sendState := func() error {
		state, err := api.svc.Notifications(reqCtx, ident)
		if err != nil {
			return err
		}
		if state.Version == lastVersion {
			return nil
		}
		lastVersion = state.Version
		return w.send(eventNotification, state.Version, state)
	}
	if err = sendState(); err != nil {
		return api.endStream(w, ident, err)
	}

	ticker := time.NewTicker(api.pingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-reqCtx.Done():
			return nil
		case _, ok := <-events:
			if !ok || !drain(events) {
				return nil
			}
			if err = sendState(); err != nil {
				return api.endStream(w, ident, err)
			}
		case now := <-ticker.C:
			if err = w.ping(now); err != nil {
				return api.endStream(w, ident, err)
			}
		}
	}
}

// endStream closes a committed stream. A caller who lost access gets a revoked event.
func (api *syncApi) endStream(w *sseWriter, ident user.Identity, err error) error {
	switch cause := errors.Cause(err); {
	case cause == core.ErrNotFound, core.IsAuthorizationError(cause):
		_ = w.send(eventRevoked, "", echo.Map{"error": errHttpForbidden.Message})
	case cause == context.Canceled:
	default:
		api.logger.Error(fmt.Sprintf("streaming: %v", err), err, ident)
	}
	return nil
}

// Conditional polling

// requestVersion returns the version tag held by the client, from If-None-Match or the `version` query param.
func requestVersion(ctx echo.Context) string {
	tag := strings.TrimSpace(ctx.Request().Header.Get(headerIfNoneMatch))
	if tag == "" {
		return strings.TrimSpace(ctx.QueryParam("version"))
	}
	tag = strings.TrimPrefix(tag, "W/")
	return strings.Trim(tag, `"`)
}

func notModified(ctx echo.Context, version string) error {
	ctx.Response().Header().Set(headerETag, strconv.Quote(version))
	return ctx.NoContent(http.StatusNotModified)
}

func modified(ctx echo.Context, version string, payload interface{}) error {
	ctx.Response().Header().Set(headerETag, strconv.Quote(version))
	return ctx.JSON(http.StatusOK, PollResponse{Version: version, Payload: payload})
}

func (api *syncApi) pollConversation(ctx echo.Context) error {
	ident, convID, err := callerAndConv(ctx)
	if err != nil {
		return err
	}
	afterID, err := queryInt64(ctx, "after_id", 0)
	if err != nil {
		return err
	}
	reqCtx := ctx.Request().Context()

	held := requestVersion(ctx)
	current, err := api.svc.ConversationVersionOf(reqCtx, ident, convID)
	if err != nil {
		return errors.Wrap(err, "getting conversation version")
	}
	if held != "" && held == current {
		return notModified(ctx, current)
	}

	cur := messaging.Cursor{AfterID: afterID}
	if rev, ok := messaging.ParseConversationVersion(convID, held); ok {
		cur.Revision = rev
	}
	state, err := api.svc.Changes(reqCtx, ident, convID, cur)
	if err != nil {
		return errors.Wrap(err, "loading conversation changes")
	}
	return modified(ctx, state.Version, state)
}

func (api *syncApi) pollNotifications(ctx echo.Context) error {
	ident, err := getContextIdentity(ctx)
	if err != nil {
		return err
	}
	reqCtx := ctx.Request().Context()

	if held := requestVersion(ctx); held != "" {
		current, err := api.svc.NotificationsVersion(reqCtx, ident)
		if err != nil {
			return errors.Wrap(err, "getting notifications version")
		}
		if held == current {
			return notModified(ctx, current)
		}
	}

	state, err := api.svc.Notifications(reqCtx, ident)
	if err != nil {
		return errors.Wrap(err, "loading notifications")
	}
	return modified(ctx, state.Version, state)
}

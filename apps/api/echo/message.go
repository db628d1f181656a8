package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core/messaging"
)

type messageApi struct {
	svc      *messaging.Service
	validate *validator.Validate
}

func registerMessageAPI(
	g *echo.Group,
	auth echo.MiddlewareFunc,
	svc *messaging.Service,
	validate *validator.Validate,
	limiter *rateLimiter,
) {
	api := messageApi{svc: svc, validate: validate}

	g.GET("/conversations/:id/messages", api.query, auth)
	g.POST("/conversations/:id/messages", api.create, auth, limiter.middleware)

	mg := g.Group("/messages/:id", auth)
	mg.POST("/read", api.markRead)
	mg.DELETE("/read", api.markUnread)
	mg.GET("/read-status", api.readStatus)
}

type ReadStatusResponse struct {
	Success    bool                   `json:"success"`
	ReadStatus messaging.OwnReadState `json:"read_status"`
}

// Handlers

func (api *messageApi) create(ctx echo.Context) error {
	ident, convID, err := callerAndConv(ctx)
	if err != nil {
		return err
	}
	var data messaging.NewMessage
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewMessage")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	msg, err := api.svc.AddMessage(ctx.Request().Context(), ident, convID, data)
	if err != nil {
		return errors.Wrap(err, "adding message")
	}
	return ctx.JSON(http.StatusCreated, msg)
}

func (api *messageApi) query(ctx echo.Context) error {
	ident, convID, err := callerAndConv(ctx)
	if err != nil {
		return err
	}
	afterID, err := queryInt64(ctx, "after_id", 0)
	if err != nil {
		return err
	}
	limit, err := queryInt64(ctx, "limit", 0)
	if err != nil {
		return err
	}

	msgs, err := api.svc.ListMessages(ctx.Request().Context(), ident, convID, afterID, int(limit))
	if err != nil {
		return errors.Wrap(err, "listing messages")
	}
	if msgs == nil {
		msgs = []messaging.Message{}
	}
	return ctx.JSON(http.StatusOK, msgs)
}

func (api *messageApi) markRead(ctx echo.Context) error {
	ident, msgID, err := callerAndConv(ctx)
	if err != nil {
		return err
	}
	state, err := api.svc.MarkRead(ctx.Request().Context(), ident, msgID)
	if err != nil {
		return errors.Wrap(err, "marking message read")
	}
	return ctx.JSON(http.StatusOK, ReadStatusResponse{Success: true, ReadStatus: state})
}

func (api *messageApi) markUnread(ctx echo.Context) error {
	ident, msgID, err := callerAndConv(ctx)
	if err != nil {
		return err
	}
	state, err := api.svc.MarkUnread(ctx.Request().Context(), ident, msgID)
	if err != nil {
		return errors.Wrap(err, "marking message unread")
	}
	return ctx.JSON(http.StatusOK, ReadStatusResponse{Success: true, ReadStatus: state})
}

func (api *messageApi) readStatus(ctx echo.Context) error {
	ident, msgID, err := callerAndConv(ctx)
	if err != nil {
		return err
	}
	status, err := api.svc.GetReadStatus(ctx.Request().Context(), ident, msgID)
	if err != nil {
		return errors.Wrap(err, "getting read status")
	}
	return ctx.JSON(http.StatusOK, status)
}

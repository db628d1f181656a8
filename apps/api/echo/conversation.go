package echoapi

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/messaging"
	"github.com/trezcool/masomo-messaging/core/user"
)

type conversationApi struct {
	svc      *messaging.Service
	validate *validator.Validate
}

func registerConversationAPI(g *echo.Group, auth echo.MiddlewareFunc, svc *messaging.Service, validate *validator.Validate) {
	api := conversationApi{svc: svc, validate: validate}

	cg := g.Group("/conversations", auth)
	cg.POST("", api.create)
	cg.GET("", api.query)

	// detail endpoints
	dg := cg.Group("/:id")
	dg.GET("", api.retrieve)
	dg.GET("/participants", api.queryParticipants)
	dg.POST("/participants", api.addParticipant)
	dg.DELETE("/participants/:type/:uid", api.removeParticipant)
	dg.POST("/moderators", api.promoteModerator)
	dg.DELETE("/moderators/:type/:uid", api.demoteModerator)
	dg.POST("/leave", api.leave)
	dg.POST("/archive", api.folderAction(svc.Archive))
	dg.POST("/trash", api.folderAction(svc.Trash))
	dg.POST("/restore", api.folderAction(svc.Restore))
	dg.DELETE("", api.folderAction(svc.Purge))
	dg.POST("/read", api.markRead)
}

type MarkAllReadResponse struct {
	Marked int `json:"marked"`
}

// conversationAction is a participant action on a whole conversation.
type conversationAction func(ctx context.Context, caller user.Identity, convID int64) error

// callerAndConv resolves the caller & the `:id` path param.
func callerAndConv(ctx echo.Context) (user.Identity, int64, error) {
	ident, err := getContextIdentity(ctx)
	if err != nil {
		return user.Identity{}, 0, err
	}
	convID, err := pathID(ctx, "id")
	if err != nil {
		return user.Identity{}, 0, err
	}
	return ident, convID, nil
}

// Handlers

func (api *conversationApi) create(ctx echo.Context) error {
	ident, err := getContextIdentity(ctx)
	if err != nil {
		return err
	}
	var data messaging.NewConversation
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewConversation")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	conv, err := api.svc.CreateConversation(ctx.Request().Context(), ident, data)
	if err != nil {
		return errors.Wrap(err, "creating conversation")
	}
	return ctx.JSON(http.StatusCreated, conv)
}

func (api *conversationApi) query(ctx echo.Context) error {
	ident, err := getContextIdentity(ctx)
	if err != nil {
		return err
	}
	folder := messaging.Folder(core.CleanString(ctx.QueryParam("folder"), true /* lower */))
	if folder != "" && !folder.Valid() {
		return core.NewValidationError(nil, core.FieldError{Field: "folder", Error: "unknown folder"})
	}

	convs, err := api.svc.ListConversations(ctx.Request().Context(), ident, folder)
	if err != nil {
		return errors.Wrap(err, "listing conversations")
	}
	if convs == nil {
		convs = []messaging.ConversationSummary{}
	}
	return ctx.JSON(http.StatusOK, convs)
}

func (api *conversationApi) retrieve(ctx echo.Context) error {
	ident, convID, err := callerAndConv(ctx)
	if err != nil {
		return err
	}
	detail, err := api.svc.GetConversation(ctx.Request().Context(), ident, convID)
	if err != nil {
		return errors.Wrap(err, "getting conversation")
	}
	return ctx.JSON(http.StatusOK, detail)
}

func (api *conversationApi) queryParticipants(ctx echo.Context) error {
	ident, convID, err := callerAndConv(ctx)
	if err != nil {
		return err
	}
	ps, err := api.svc.ListParticipants(ctx.Request().Context(), ident, convID)
	if err != nil {
		return errors.Wrap(err, "listing participants")
	}
	return ctx.JSON(http.StatusOK, ps)
}

func (api *conversationApi) bindParticipant(ctx echo.Context) (user.Ref, error) {
	var data messaging.ParticipantInput
	if err := ctx.Bind(&data); err != nil {
		return user.Ref{}, errors.Wrap(err, "binding to ParticipantInput")
	}
	if err := data.Validate(api.validate); err != nil {
		return user.Ref{}, err
	}
	return data.Ref, nil
}

func (api *conversationApi) addParticipant(ctx echo.Context) error {
	ident, convID, err := callerAndConv(ctx)
	if err != nil {
		return err
	}
	target, err := api.bindParticipant(ctx)
	if err != nil {
		return err
	}

	p, err := api.svc.AddParticipant(ctx.Request().Context(), ident, convID, target)
	if err != nil {
		return errors.Wrap(err, "adding participant")
	}
	return ctx.JSON(http.StatusCreated, p)
}

func (api *conversationApi) removeParticipant(ctx echo.Context) error {
	ident, convID, err := callerAndConv(ctx)
	if err != nil {
		return err
	}
	target, err := pathUserRef(ctx)
	if err != nil {
		return err
	}

	if err = api.svc.RemoveParticipant(ctx.Request().Context(), ident, convID, target); err != nil {
		return errors.Wrap(err, "removing participant")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *conversationApi) promoteModerator(ctx echo.Context) error {
	ident, convID, err := callerAndConv(ctx)
	if err != nil {
		return err
	}
	target, err := api.bindParticipant(ctx)
	if err != nil {
		return err
	}

	if err = api.svc.PromoteModerator(ctx.Request().Context(), ident, convID, target); err != nil {
		return errors.Wrap(err, "promoting moderator")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *conversationApi) demoteModerator(ctx echo.Context) error {
	ident, convID, err := callerAndConv(ctx)
	if err != nil {
		return err
	}
	target, err := pathUserRef(ctx)
	if err != nil {
		return err
	}

	if err = api.svc.DemoteModerator(ctx.Request().Context(), ident, convID, target); err != nil {
		return errors.Wrap(err, "demoting moderator")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *conversationApi) leave(ctx echo.Context) error {
	ident, convID, err := callerAndConv(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.Leave(ctx.Request().Context(), ident, convID); err != nil {
		return errors.Wrap(err, "leaving conversation")
	}
	return ctx.NoContent(http.StatusNoContent)
}

// folderAction adapts a folder move of the service (archive, trash, restore, purge) to a handler.
func (api *conversationApi) folderAction(move conversationAction) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		ident, convID, err := callerAndConv(ctx)
		if err != nil {
			return err
		}
		if err = move(ctx.Request().Context(), ident, convID); err != nil {
			return errors.Wrap(err, "moving conversation")
		}
		return ctx.NoContent(http.StatusNoContent)
	}
}

func (api *conversationApi) markRead(ctx echo.Context) error {
	ident, convID, err := callerAndConv(ctx)
	if err != nil {
		return err
	}
	n, err := api.svc.MarkConversationRead(ctx.Request().Context(), ident, convID)
	if err != nil {
		return errors.Wrap(err, "marking conversation read")
	}
	return ctx.JSON(http.StatusOK, MarkAllReadResponse{Marked: n})
}

package echoapi

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core/messaging"
	"github.com/trezcool/masomo-messaging/core/recurrence"
)

type announcementApi struct {
	svc      *messaging.Service
	validate *validator.Validate
}

func registerAnnouncementAPI(g *echo.Group, auth echo.MiddlewareFunc, svc *messaging.Service, validate *validator.Validate) {
	api := announcementApi{svc: svc, validate: validate}

	ag := g.Group("/announcements", auth)
	ag.POST("", api.broadcast)
	ag.POST("/schedule", api.schedule)
}

type (
	ScheduleRequest struct {
		Announcement messaging.NewAnnouncement `json:"announcement"`
		Recurrence   recurrence.Rule           `json:"recurrence"`
		Start        time.Time                 `json:"start" validate:"required"`
		End          time.Time                 `json:"end" validate:"required,gtefield=Start"`
	}

	ScheduleResponse struct {
		Dates []time.Time `json:"dates"`
	}
)

func (sr *ScheduleRequest) Validate(validate *validator.Validate) error {
	if err := sr.Announcement.Validate(validate); err != nil {
		return err
	}
	return validate.Struct(sr)
}

// Handlers

func (api *announcementApi) broadcast(ctx echo.Context) error {
	ident, err := getContextIdentity(ctx)
	if err != nil {
		return err
	}
	var data messaging.NewAnnouncement
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAnnouncement")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	ann, err := api.svc.BroadcastAnnouncement(ctx.Request().Context(), ident, data)
	if err != nil {
		return errors.Wrap(err, "broadcasting announcement")
	}
	return ctx.JSON(http.StatusCreated, ann)
}

func (api *announcementApi) schedule(ctx echo.Context) error {
	ident, err := getContextIdentity(ctx)
	if err != nil {
		return err
	}
	var data ScheduleRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ScheduleRequest")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	dates, err := api.svc.ScheduleAnnouncement(ctx.Request().Context(), ident, data.Announcement, data.Recurrence, data.Start, data.End)
	if err != nil {
		return errors.Wrap(err, "scheduling announcement")
	}
	return ctx.JSON(http.StatusAccepted, ScheduleResponse{Dates: dates})
}

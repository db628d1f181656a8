package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/user"
)

type userApi struct {
	svc      *user.Service
	validate *validator.Validate
}

func registerUserAPI(g *echo.Group, auth echo.MiddlewareFunc, svc *user.Service, validate *validator.Validate) {
	api := userApi{svc: svc, validate: validate}

	g.GET("/me", api.me, auth)
	g.GET("/users", api.query, auth)
}

type (
	MeResponse struct {
		user.Identity
		Capabilities user.Capabilities `json:"capabilities"`
	}

	// DirectoryEntry is the public part of a user, as listed when picking participants.
	DirectoryEntry struct {
		ID    string        `json:"id"`
		Type  user.UserType `json:"type"`
		Name  string        `json:"name"`
		Label string        `json:"label"`
		Icon  string        `json:"icon"`
	}

	UserQuery struct {
		Types    []string `query:"type"`
		ClassIDs []string `query:"class_id"`
	}
)

func newDirectoryEntry(usr user.User) DirectoryEntry {
	caps := user.CapabilitiesOf(usr.Type)
	return DirectoryEntry{ID: usr.ID, Type: usr.Type, Name: usr.Name, Label: caps.Label, Icon: caps.Icon}
}

// Handlers

func (api *userApi) me(ctx echo.Context) error {
	ident, err := getContextIdentity(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, MeResponse{Identity: ident, Capabilities: ident.Capabilities()})
}

func (api *userApi) query(ctx echo.Context) error {
	var data UserQuery
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UserQuery")
	}

	active := true
	filter := user.QueryFilter{IsActive: &active}
	for _, t := range data.Types {
		ut, err := user.ParseType(t)
		if err != nil {
			return core.NewValidationError(nil, core.FieldError{Field: "type", Error: "unknown user type"})
		}
		filter.Types = append(filter.Types, ut)
	}
	for _, cid := range data.ClassIDs {
		if cid = core.CleanString(cid); cid != "" {
			filter.ClassIDs = append(filter.ClassIDs, cid)
		}
	}

	users, err := api.svc.Query(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying users")
	}
	entries := make([]DirectoryEntry, 0, len(users))
	for _, usr := range users {
		entries = append(entries, newDirectoryEntry(usr))
	}
	return ctx.JSON(http.StatusOK, entries)
}

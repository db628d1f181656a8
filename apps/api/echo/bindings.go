package echoapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/user"
)

var errInvalidID = echo.NewHTTPError(http.StatusBadRequest, "invalid id")

// pathID parses the positive int64 path param name.
func pathID(ctx echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(ctx.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidID
	}
	return id, nil
}

// queryInt64 parses the query param name, returning def when it is absent.
func queryInt64(ctx echo.Context, name string, def int64) (int64, error) {
	val := ctx.QueryParam(name)
	if val == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil || n < 0 {
		return 0, core.NewValidationError(nil, core.FieldError{Field: name, Error: "must be a positive integer"})
	}
	return n, nil
}

// pathUserRef binds the `/:type/:uid` path params of participant endpoints.
func pathUserRef(ctx echo.Context) (user.Ref, error) {
	ut, err := user.ParseType(ctx.Param("type"))
	if err != nil {
		return user.Ref{}, core.NewValidationError(nil, core.FieldError{Field: "user_type", Error: "unknown user type"})
	}
	uid := core.CleanString(ctx.Param("uid"))
	if uid == "" {
		return user.Ref{}, core.NewValidationError(nil, core.FieldError{Field: "user_id", Error: "required"})
	}
	return user.Ref{ID: uid, Type: ut}, nil
}

type SuccessResponse struct {
	Success string `json:"success"`
}

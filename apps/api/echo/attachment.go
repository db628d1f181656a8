package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/services/filestore"
)

type attachmentApi struct {
	files    core.FileStore
	validate *validator.Validate
}

func registerAttachmentAPI(g *echo.Group, auth echo.MiddlewareFunc, files core.FileStore, validate *validator.Validate) {
	if files == nil {
		return
	}
	api := attachmentApi{files: files, validate: validate}

	g.POST("/attachments", api.presign, auth)
}

// UploadRequest describes a file the client is about to upload, before posting the message referencing it.
type UploadRequest struct {
	Filename    string `json:"filename" validate:"required,notblank,max=255"`
	ContentType string `json:"content_type" validate:"omitempty,max=255"`
	Size        int64  `json:"size" validate:"gt=0"`
}

func (ur *UploadRequest) Validate(validate *validator.Validate) error {
	ur.Filename = core.CleanString(ur.Filename)
	ur.ContentType = core.CleanString(ur.ContentType, true /* lower */)
	return validate.Struct(ur)
}

func (api *attachmentApi) presign(ctx echo.Context) error {
	if _, err := getContextIdentity(ctx); err != nil {
		return err
	}
	var data UploadRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UploadRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	upload, err := api.files.PresignUpload(ctx.Request().Context(), filesvc.NewKey(data.Filename), data.ContentType)
	if err != nil {
		return errors.Wrap(err, "presigning upload")
	}
	return ctx.JSON(http.StatusCreated, upload)
}

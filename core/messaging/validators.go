package messaging

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-messaging/core"
)

var (
	kindTag  = "convkind"
	kindText = "invalid conversation kind"

	importanceTag  = "importance"
	importanceText = "invalid importance, must be one of normal, important or urgent"

	folderTag  = "folder"
	folderText = "invalid folder"
)

func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(kindTag, func(fl validator.FieldLevel) bool {
		return Kind(fl.Field().String()).Valid()
	})
	core.RegisterCustomTranslation(validate, translator, kindTag, kindText)

	_ = validate.RegisterValidation(importanceTag, func(fl validator.FieldLevel) bool {
		return Importance(fl.Field().String()).Valid()
	})
	core.RegisterCustomTranslation(validate, translator, importanceTag, importanceText)

	_ = validate.RegisterValidation(folderTag, func(fl validator.FieldLevel) bool {
		return Folder(fl.Field().String()).Valid()
	})
	core.RegisterCustomTranslation(validate, translator, folderTag, folderText)
}

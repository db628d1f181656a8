package user

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-messaging/core"
)

var (
	userTypeTag  = "usertype"
	userTypeText = "invalid user type"

	audienceTag  = "audience"
	audienceText = "invalid audience"
)

func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(userTypeTag, userTypeValidation)
	core.RegisterCustomTranslation(validate, translator, userTypeTag, userTypeText)

	_ = validate.RegisterValidation(audienceTag, audienceValidation)
	core.RegisterCustomTranslation(validate, translator, audienceTag, audienceText)
}

func userTypeValidation(fl validator.FieldLevel) bool {
	return UserType(fl.Field().String()).Valid()
}

func audienceValidation(fl validator.FieldLevel) bool {
	return Audience(fl.Field().String()).Valid()
}

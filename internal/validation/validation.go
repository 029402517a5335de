// Package validation wraps go-playground/validator with the agent's custom
// tags and English messages keyed by JSON field names.
package validation

import (
	"errors"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	apperrors "github.com/brightpath/fieldsync/internal/errors"
)

var (
	entityTypeTag   = "entity_type"
	entityTypeText  = "{0} must be a lowercase resource name"
	entityTypeRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)
)

var (
	once       sync.Once
	validate   *validator.Validate
	translator ut.Translator
)

func instance() (*validator.Validate, ut.Translator) {
	once.Do(func() {
		locale := en.New()
		uni := ut.New(locale, locale)
		translator, _ = uni.GetTranslator("en")

		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = en_translations.RegisterDefaultTranslations(validate, translator)

		// Use JSON tag names for errors instead of Go struct names.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		_ = validate.RegisterValidation(entityTypeTag, func(fl validator.FieldLevel) bool {
			return entityTypeRegex.MatchString(fl.Field().String())
		})
		registerTranslation(entityTypeTag, entityTypeText)
	})
	return validate, translator
}

func registerTranslation(tag, text string) {
	_ = validate.RegisterTranslation(
		tag, translator,
		func(t ut.Translator) error { return t.Add(tag, text, true) },
		func(t ut.Translator, fe validator.FieldError) string {
			s, _ := t.T(tag, fe.Field())
			return s
		},
	)
}

// FieldErrors maps JSON field paths to human-readable messages.
type FieldErrors map[string]string

// Error renders the field errors in a stable order.
func (fe FieldErrors) Error() string {
	keys := make([]string, 0, len(fe))
	for k := range fe {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fe[k])
	}
	return strings.Join(parts, "; ")
}

// ErrorCode implements apperrors.Coder.
func (fe FieldErrors) ErrorCode() apperrors.ErrorCode {
	return apperrors.ErrValidation
}

// Struct validates s. Failures are returned as FieldErrors.
func Struct(s interface{}) error {
	v, trans := instance()
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.Wrap(apperrors.ErrValidation, "validation failed", err)
	}
	out := make(FieldErrors, len(verrs))
	for _, fe := range verrs {
		// Namespace is "Type.field.sub"; drop the root type name.
		ns := fe.Namespace()
		if i := strings.IndexByte(ns, '.'); i >= 0 {
			ns = ns[i+1:]
		}
		out[ns] = fe.Translate(trans)
	}
	return out
}

// Var validates a single value against a tag expression.
func Var(field interface{}, tag string) error {
	v, _ := instance()
	if err := v.Var(field, tag); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "validation failed", err)
	}
	return nil
}

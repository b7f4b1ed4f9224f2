// Package validation wraps go-playground/validator with the tags this service needs
// and translates failures into apperror validation errors.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/sakif/nowplaying/internal/apperror"
)

// Slug length bounds and charset. Checked before any uniqueness lookup.
const (
	SlugMinLength = 3
	SlugMaxLength = 30
)

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidSlug reports whether s is an acceptable user-supplied custom slug:
// only [A-Za-z0-9_-], length in [3,30].
func ValidSlug(s string) bool {
	if len(s) < SlugMinLength || len(s) > SlugMaxLength {
		return false
	}
	return slugPattern.MatchString(s)
}

// ValidImageURL reports whether s can be stored as a background image: either
// empty (no image) or an absolute http(s) URL with a host. Other schemes such
// as javascript: or data: are rejected because the value is rendered into CSS.
func ValidImageURL(s string) bool {
	if s == "" {
		return true
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Get returns the shared validator. Struct metadata is cached inside it, so one
// instance for the whole process is the intended usage.
func Get() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(jsonFieldName)
		// Registration only fails for an empty tag or nil func.
		_ = validate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
			return ValidSlug(fl.Field().String())
		})
		_ = validate.RegisterValidation("image_url", func(fl validator.FieldLevel) bool {
			return ValidImageURL(fl.Field().String())
		})
	})
	return validate
}

// Struct validates s and returns nil or an *apperror.AppError describing the
// first failing field (by its JSON name).
func Struct(s any) error {
	err := Get().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperror.ValidationFailed("", err.Error())
	}

	fe := fieldErrs[0]
	return apperror.ValidationFailed(fe.Field(), message(fe))
}

func message(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "url", "http_url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "image_url":
		return fmt.Sprintf("%s must be empty or an http(s) URL", field)
	case "slug":
		return fmt.Sprintf("%s must be %d-%d characters of letters, digits, '_' or '-'",
			field, SlugMinLength, SlugMaxLength)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// jsonFieldName reports fields by their JSON name so error messages match what
// the client sent.
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

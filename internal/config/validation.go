package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"tagtime/internal/schedule"
	"tagtime/internal/tags"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		// Report fields by their config-file names.
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		v.RegisterValidation("graphentry", func(fl validator.FieldLevel) bool {
			_, err := tags.ParseGraphEntry(fl.Field().String())
			return err == nil
		})
		v.RegisterValidation("misfire", func(fl validator.FieldLevel) bool {
			_, err := schedule.ParseMisfirePolicy(fl.Field().String())
			return err == nil
		})
		validate = v
	})
	return validate
}

// ValidateConfig checks struct tags and the rules that span fields.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if err := getValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{
				Field:   fieldName(fe),
				Message: message(fe),
			})
		}
	}

	if len(c.Beeminder.Graphs) > 0 && c.Beeminder.AuthToken == "" {
		errs = append(errs, ValidationError{
			Field:   "beeminder.auth_token",
			Message: "auth token is required when graphs are configured",
		})
	}

	if c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// fieldName strips the root type from the namespace: "beeminder.graphs[0]".
func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("invalid value %q (valid: %s)", fmt.Sprint(fe.Value()), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "url":
		return fmt.Sprintf("invalid URL %q", fmt.Sprint(fe.Value()))
	case "hostname_port":
		return fmt.Sprintf("invalid listen address %q (want host:port)", fmt.Sprint(fe.Value()))
	case "base64":
		return "must be standard base64"
	case "excludesall":
		return "must not contain path separators"
	case "graphentry":
		_, err := tags.ParseGraphEntry(fmt.Sprint(fe.Value()))
		return err.Error()
	case "misfire":
		return fmt.Sprintf("unknown misfire policy %q", fmt.Sprint(fe.Value()))
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

// Package validation holds the structured validation error type and small
// composable rules that commands assemble into their validators.
package validation

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Shared error codes. Domain packages define their own codes next to the
// rules that emit them.
const (
	CodeEmpty            = "Empty"
	CodeInvalidEmail     = "InvalidEmail"
	CodeInvalidDomain    = "InvalidDomain"
	CodeInvalidUri       = "InvalidUri"
	CodeInvalidValue     = "InvalidValue"
	CodeTooLong          = "TooLong"
	CodeNotAuthenticated = "NotAuthenticated"
	CodeNotAuthorized    = "NotAuthorized"
)

var validate = validator.New()

func init() {
	validate.RegisterValidation("absuri", func(fl validator.FieldLevel) bool {
		return IsAbsoluteURI(fl.Field().String())
	})
}

// Error is a single validation failure.
type Error struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	PropertyName string `json:"propertyName,omitempty"`
}

// New creates a validation error
func New(code, message, propertyName string) Error {
	return Error{Code: code, Message: message, PropertyName: propertyName}
}

// Errors is a list of validation failures. It implements error so a handler
// can return it and still produce a failed result.
type Errors []Error

func (e Errors) Error() string {
	parts := make([]string, 0, len(e))
	for _, err := range e {
		if err.PropertyName != "" {
			parts = append(parts, err.PropertyName+": "+err.Code)
		} else {
			parts = append(parts, err.Code)
		}
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Has reports whether any error carries code.
func (e Errors) Has(code string) bool {
	for _, err := range e {
		if err.Code == code {
			return true
		}
	}
	return false
}

// Rule validates a value and returns the failures it finds.
type Rule[T any] func(ctx context.Context, v T) Errors

// All runs every rule and collects all failures.
func All[T any](rules ...Rule[T]) Rule[T] {
	return func(ctx context.Context, v T) Errors {
		var errs Errors
		for _, rule := range rules {
			errs = append(errs, rule(ctx, v)...)
		}
		return errs
	}
}

// Cascade runs rules in order and stops at the first one that fails.
func Cascade[T any](rules ...Rule[T]) Rule[T] {
	return func(ctx context.Context, v T) Errors {
		for _, rule := range rules {
			if errs := rule(ctx, v); len(errs) > 0 {
				return errs
			}
		}
		return nil
	}
}

// When applies rule only if cond holds.
func When[T any](cond func(T) bool, rule Rule[T]) Rule[T] {
	return func(ctx context.Context, v T) Errors {
		if !cond(v) {
			return nil
		}
		return rule(ctx, v)
	}
}

// Nested applies a rule written for a part of T, such as an input block
// shared by Create and Edit requests.
func Nested[T, P any](get func(T) P, rule Rule[P]) Rule[T] {
	return func(ctx context.Context, v T) Errors {
		return rule(ctx, get(v))
	}
}

// Check validates one field value.
type Check[F any] func(property string, v F) *Error

// Field lifts checks on a single field into a rule. Checks on the same field
// stop at the first failure.
func Field[T, F any](property string, get func(T) F, checks ...Check[F]) Rule[T] {
	return func(ctx context.Context, v T) Errors {
		value := get(v)
		for _, check := range checks {
			if err := check(property, value); err != nil {
				return Errors{*err}
			}
		}
		return nil
	}
}

// NotEmpty rejects blank strings.
func NotEmpty(property, v string) *Error {
	if strings.TrimSpace(v) == "" {
		return &Error{Code: CodeEmpty, Message: "'" + property + "' must not be empty.", PropertyName: property}
	}
	return nil
}

// NotNil rejects nil pointers, used for flags that must be supplied.
func NotNil[P any](property string, v *P) *Error {
	if v == nil {
		return &Error{Code: CodeEmpty, Message: "'" + property + "' must be provided.", PropertyName: property}
	}
	return nil
}

// Email rejects malformed email addresses.
func Email(property, v string) *Error {
	if err := validate.Var(v, "required,email"); err != nil {
		return &Error{Code: CodeInvalidEmail, Message: "'" + property + "' is not a valid email address.", PropertyName: property}
	}
	return nil
}

// Domain rejects values that are not fully qualified domain names.
func Domain(property, v string) *Error {
	if err := validate.Var(strings.TrimPrefix(v, "@"), "required,fqdn"); err != nil {
		return &Error{Code: CodeInvalidDomain, Message: "'" + property + "' is not a valid domain.", PropertyName: property}
	}
	return nil
}

// AbsoluteURI rejects values that are not absolute URIs. Empty values pass;
// combine with NotEmpty when the field is required.
func AbsoluteURI(property, v string) *Error {
	if v == "" {
		return nil
	}
	if err := validate.Var(v, "absuri"); err != nil {
		return &Error{Code: CodeInvalidUri, Message: "'" + property + "' must be an absolute URI.", PropertyName: property}
	}
	return nil
}

// MaxLength rejects strings longer than n runes.
func MaxLength(n int) Check[string] {
	return func(property, v string) *Error {
		if len([]rune(v)) > n {
			return &Error{Code: CodeTooLong, Message: "'" + property + "' is too long.", PropertyName: property}
		}
		return nil
	}
}

// OneOf rejects values outside allowed.
func OneOf(allowed ...string) Check[string] {
	return func(property, v string) *Error {
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return &Error{
			Code:         CodeInvalidValue,
			Message:      "'" + property + "' must be one of: " + strings.Join(allowed, ", ") + ".",
			PropertyName: property,
		}
	}
}

// Each applies check to every element. The property name of a failure is
// suffixed with the element index.
func Each(check Check[string]) Check[[]string] {
	return func(property string, values []string) *Error {
		for i, v := range values {
			if err := check(property+"["+strconv.Itoa(i)+"]", v); err != nil {
				return err
			}
		}
		return nil
	}
}

// IsAbsoluteURI reports whether v parses as a URI with a scheme.
func IsAbsoluteURI(v string) bool {
	if strings.TrimSpace(v) != v || v == "" {
		return false
	}
	u, err := url.Parse(v)
	if err != nil || !u.IsAbs() {
		return false
	}
	return u.Host != "" || u.Opaque != "" || u.Path != ""
}

// Package response defines the Ok | ValidationFailure result returned by
// every command and query, and the JSON envelope it is rendered into.
package response

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	idmerrors "github.com/tendant/tenant-idm/pkg/errors"
	"github.com/tendant/tenant-idm/pkg/validation"
)

// Result is either a value or a non-empty list of validation errors.
type Result[T any] struct {
	value  T
	errors validation.Errors
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Fail builds a failed result. Calling Fail without errors is a programming
// error and panics.
func Fail[T any](errs ...validation.Error) Result[T] {
	if len(errs) == 0 {
		panic("response.Fail requires at least one error")
	}
	return Result[T]{errors: errs}
}

// IsValid reports whether the result carries a value.
func (r Result[T]) IsValid() bool {
	return len(r.errors) == 0
}

// Value returns the value. It is the zero value for failed results.
func (r Result[T]) Value() T {
	return r.value
}

// Errors returns the validation errors of a failed result.
func (r Result[T]) Errors() validation.Errors {
	return r.errors
}

// Envelope is the wire form of a Result.
type Envelope[T any] struct {
	Result *T                `json:"result,omitempty"`
	Errors validation.Errors `json:"errors"`
}

// Envelope converts the result to its wire form.
func (r Result[T]) Envelope() Envelope[T] {
	if !r.IsValid() {
		return Envelope[T]{Errors: r.errors}
	}
	v := r.value
	return Envelope[T]{Result: &v, Errors: validation.Errors{}}
}

// StatusFor maps validation errors to an HTTP status.
func StatusFor(errs validation.Errors) int {
	switch {
	case errs.Has(validation.CodeNotAuthenticated):
		return http.StatusUnauthorized
	case errs.Has(validation.CodeNotAuthorized):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// Render writes the result envelope. Valid results use okStatus.
func Render[T any](w http.ResponseWriter, r *http.Request, res Result[T], okStatus int) {
	status := okStatus
	if !res.IsValid() {
		status = StatusFor(res.errors)
	}
	render.Status(r, status)
	render.JSON(w, r, res.Envelope())
}

// RenderErrors writes a failed envelope without a typed result.
func RenderErrors(w http.ResponseWriter, r *http.Request, errs ...validation.Error) {
	Render(w, r, Fail[struct{}](errs...), http.StatusOK)
}

// Respond renders res, or err as an envelope whose single error carries the
// infrastructure error code. Internal details of err are not exposed.
func Respond[T any](w http.ResponseWriter, r *http.Request, res Result[T], err error, okStatus int) {
	if err != nil {
		status := idmerrors.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			slog.Error("Request failed", "path", r.URL.Path, "err", err)
		}
		render.Status(r, status)
		render.JSON(w, r, Envelope[T]{Errors: validation.Errors{
			validation.New(string(idmerrors.GetCode(err)), http.StatusText(status), ""),
		}})
		return
	}
	Render(w, r, res, okStatus)
}

// DecodeJSON reads the request body into v. On failure it writes a 400
// envelope and returns false.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		slog.Debug("Failed to decode request body", "path", r.URL.Path, "err", err)
		RenderErrors(w, r, validation.New(validation.CodeInvalidValue, "Invalid request body.", ""))
		return false
	}
	return true
}

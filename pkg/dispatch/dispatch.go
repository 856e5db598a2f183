// Package dispatch runs commands and queries through a validate-then-handle
// pipeline.
//
// A Command pairs a validation rule with a handler. Send runs the rule first
// and only calls the handler when the rule reports no errors, so handlers can
// assume validated input and do not re-check authorization. A handler may
// still return validation.Errors for conditions it discovers late (a unique
// name taken by a concurrent writer, for instance); those become a failed
// result as well. Any other error is an infrastructure failure and is
// returned as a Go error.
package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tendant/tenant-idm/pkg/response"
	"github.com/tendant/tenant-idm/pkg/validation"
)

// Handler executes a validated request.
type Handler[Req, Res any] func(ctx context.Context, req Req) (Res, error)

// Command is a named validator and handler pair.
type Command[Req, Res any] struct {
	Name     string
	Validate validation.Rule[Req]
	Handle   Handler[Req, Res]
}

// Send validates and handles req.
func Send[Req, Res any](ctx context.Context, cmd Command[Req, Res], req Req) (response.Result[Res], error) {
	if cmd.Validate != nil {
		if errs := cmd.Validate(ctx, req); len(errs) > 0 {
			slog.Debug("Request rejected by validation", "command", cmd.Name, "errors", errs.Error())
			return response.Fail[Res](errs...), nil
		}
	}

	res, err := cmd.Handle(ctx, req)
	if err != nil {
		var verrs validation.Errors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			slog.Debug("Request rejected by handler", "command", cmd.Name, "errors", verrs.Error())
			return response.Fail[Res](verrs...), nil
		}
		slog.Error("Command failed", "command", cmd.Name, "err", err)
		var zero response.Result[Res]
		return zero, err
	}
	return response.Ok(res), nil
}

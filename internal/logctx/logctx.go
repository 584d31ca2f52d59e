// Package logctx enriches slog records with session and operation context
// carried on the context.Context, so every log line inside a lifecycle
// transition identifies the user, resource, and state involved without
// plumbing loggers through call signatures.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("user", sd.User),
			slog.String("resource", sd.ResourceID),
			slog.String("instance", sd.InstanceID),
			slog.String("status", sd.Status),
		))
	}

	if od, ok := ctx.Value(operationKey{}).(*Operation); ok {
		r.AddAttrs(slog.Group("op",
			slog.String("name", od.Name),
			slog.String("initiator", od.Initiator),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type sessionDataKey struct{}

type SessionData struct {
	User       string
	ResourceID string
	InstanceID string
	Status     string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type operationKey struct{}

// Operation names the lifecycle transition in flight and on whose behalf
// it runs ("caller", "watchdog", "reconciler").
type Operation struct {
	Name      string
	Initiator string
}

func WithOperation(ctx context.Context, op *Operation) context.Context {
	return context.WithValue(ctx, operationKey{}, op)
}

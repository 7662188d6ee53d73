package notify

import (
	"context"
	"errors"
	"log/slog"

	"plantcare/internal/apperr"
)

// Dispatcher delivers one message to one registration token. Errors wrap
// apperr.ErrPermanentDispatch when the token is dead and
// apperr.ErrTransientDispatch when a later attempt may succeed.
type Dispatcher interface {
	Send(ctx context.Context, token string, msg Message) error
}

type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassInvalidTarget
	ClassTransient
	ClassUnknown
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassInvalidTarget:
		return "invalid_target"
	case ClassTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// ClassOf maps a Send error onto the dispatch outcome classes.
func ClassOf(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, apperr.ErrPermanentDispatch):
		return ClassInvalidTarget
	case errors.Is(err, apperr.ErrTransientDispatch),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	default:
		return ClassUnknown
	}
}

// LogDispatcher only logs. It stands in for FCM when no credentials are configured.
type LogDispatcher struct {
	Log *slog.Logger
}

func (d LogDispatcher) Send(ctx context.Context, token string, msg Message) error {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "push (log only)", "token", shortToken(token), "title", msg.Title, "body", msg.Body)
	return nil
}

func shortToken(t string) string {
	if len(t) <= 8 {
		return t
	}
	return t[:8] + "…"
}

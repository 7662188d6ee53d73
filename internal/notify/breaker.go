package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"plantcare/internal/apperr"

	"github.com/sony/gobreaker/v2"
)

type BreakerSettings struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// BreakerDispatcher stops calling the push service after repeated transient
// failures. Dead tokens do not count as failures.
type BreakerDispatcher struct {
	next Dispatcher
	cb   *gobreaker.CircuitBreaker[struct{}]
}

func NewBreakerDispatcher(next Dispatcher, s BreakerSettings, log *slog.Logger) *BreakerDispatcher {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "push",
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, apperr.ErrPermanentDispatch)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &BreakerDispatcher{next: next, cb: cb}
}

func (b *BreakerDispatcher) Send(ctx context.Context, token string, msg Message) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Send(ctx, token, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", apperr.ErrTransientDispatch, err)
	}
	return err
}

func (b *BreakerDispatcher) State() gobreaker.State {
	return b.cb.State()
}

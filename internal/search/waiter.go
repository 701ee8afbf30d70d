package search

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pvavrin/facelens/internal/backend"
)

// ErrTimeout reports that a search request did not reach a terminal state
// within the wait window. The request itself may still finish later; this is
// not a search failure.
var ErrTimeout = errors.New("search did not finish in time")

const defaultPollInterval = 2 * time.Second

// Waiter blocks callers until a search request reaches a terminal state or a
// deadline passes. It rides the backend's push subscription when available
// and falls back to polling when it is not.
type Waiter struct {
	backend      backend.Backend
	pollInterval time.Duration
	log          *slog.Logger
}

func NewWaiter(b backend.Backend, pollInterval time.Duration, log *slog.Logger) *Waiter {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Waiter{backend: b, pollInterval: pollInterval, log: log}
}

// WaitTerminal returns the terminal snapshot of the request, or ErrTimeout
// when the window expires first. The subscription is released on every exit
// path, including timeout and caller cancellation.
func (w *Waiter) WaitTerminal(ctx context.Context, requestID string, window time.Duration) (*backend.SearchRequest, error) {
	req, err := w.backend.GetSearchRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return req, nil
	}

	ctx, cancelCtx := context.WithCancel(ctx)
	defer cancelCtx()

	var updates <-chan backend.SearchRequest
	if ch, cancel, err := w.backend.SubscribeSearchRequest(ctx, requestID); err == nil {
		defer cancel()
		updates = ch
	} else {
		w.log.Warn("push subscription unavailable, polling instead", "request_id", requestID, "error", err)
	}

	deadline := time.NewTimer(window)
	defer deadline.Stop()
	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrTimeout
		case update, ok := <-updates:
			if !ok {
				// Subscription closed under us; polling keeps the wait alive.
				updates = nil
				continue
			}
			if update.Status.Terminal() {
				return &update, nil
			}
		case <-poll.C:
			// Polling backstops missed push updates and carries the wait
			// when no subscription exists.
			req, err := w.backend.GetSearchRequest(ctx, requestID)
			if err != nil {
				if errors.Is(err, backend.ErrNotFound) {
					return nil, err
				}
				continue
			}
			if req.Status.Terminal() {
				return req, nil
			}
		}
	}
}

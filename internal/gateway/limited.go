package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/macjediwizard/calmirror/internal/db"
	"golang.org/x/time/rate"
)

// Limited wraps a Gateway so every call waits for the provider rate limit
// and is bounded by a per-call timeout.
type Limited struct {
	next    Gateway
	limiter *rate.Limiter
	timeout time.Duration
}

// NewLimited creates a rate-limited gateway allowing rps calls per second
// with the given burst. A zero timeout disables the per-call bound.
func NewLimited(next Gateway, rps float64, burst int, timeout time.Duration) *Limited {
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		timeout: timeout,
	}
}

func (l *Limited) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	cancel := context.CancelFunc(func() {})
	if l.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
	}
	if err := l.limiter.Wait(ctx); err != nil {
		cancel()
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, nil, err
		}
		// Wait fails early when the deadline would pass before a token is free.
		return nil, nil, fmt.Errorf("%w: waiting for rate limit: %w", ErrTimeout, err)
	}
	return ctx, cancel, nil
}

// wrap reports an expired per-call deadline as ErrTimeout.
func (l *Limited) wrap(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, l.timeout, err)
	}
	return err
}

// ListChangedSince implements Gateway.
func (l *Limited) ListChangedSince(ctx context.Context, src *db.Source, since *time.Time) (*ChangeSet, error) {
	ctx, cancel, err := l.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	cs, err := l.next.ListChangedSince(ctx, src, since)
	return cs, l.wrap(ctx, err)
}

// Create implements Gateway.
func (l *Limited) Create(ctx context.Context, src *db.Source, entry *db.CalendarEntry) (string, string, error) {
	ctx, cancel, err := l.begin(ctx)
	if err != nil {
		return "", "", err
	}
	defer cancel()

	remoteID, etag, err := l.next.Create(ctx, src, entry)
	return remoteID, etag, l.wrap(ctx, err)
}

// Update implements Gateway.
func (l *Limited) Update(ctx context.Context, src *db.Source, remoteID string, entry *db.CalendarEntry) (string, error) {
	ctx, cancel, err := l.begin(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	etag, err := l.next.Update(ctx, src, remoteID, entry)
	return etag, l.wrap(ctx, err)
}

// Delete implements Gateway.
func (l *Limited) Delete(ctx context.Context, src *db.Source, remoteID string) error {
	ctx, cancel, err := l.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	return l.wrap(ctx, l.next.Delete(ctx, src, remoteID))
}

// ListCalendars implements Gateway.
func (l *Limited) ListCalendars(ctx context.Context) ([]Calendar, error) {
	ctx, cancel, err := l.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	cals, err := l.next.ListCalendars(ctx)
	return cals, l.wrap(ctx, err)
}

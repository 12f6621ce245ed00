package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/macjediwizard/calmirror/internal/logging"
)

// ErrSpoofedEvent is returned when an event was not issued by the broker
// for the verifying subscription.
var ErrSpoofedEvent = errors.New("auth event not issued for this subscription")

// Event is an authentication transition. Only the broker can mint the
// token that makes an event verifiable.
type Event struct {
	Authenticated bool
	At            time.Time

	token string
}

// Subscription is a capability handed to a single consumer. Its channel
// delivers the latest transition; stale undelivered events are replaced.
type Subscription struct {
	ch     chan Event
	token  string
	broker *Broker
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Verify returns ErrSpoofedEvent unless ev was minted for s.
func (s *Subscription) Verify(ev Event) error {
	if ev.token == "" || subtle.ConstantTimeCompare([]byte(ev.token), []byte(s.token)) != 1 {
		return ErrSpoofedEvent
	}
	return nil
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.broker.unsubscribe(s)
}

// Broker fans authentication transitions out to subscribers.
type Broker struct {
	authn  Authenticator
	logger *slog.Logger

	mu    sync.Mutex
	subs  map[*Subscription]struct{}
	state *bool
}

// NewBroker creates a broker. authn is polled by Watch.
func NewBroker(authn Authenticator, logger *slog.Logger) *Broker {
	return &Broker{
		authn:  authn,
		logger: logging.OrDefault(logger).With("component", "auth_broker"),
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new consumer. If the state is already known it is
// delivered immediately.
func (b *Broker) Subscribe() *Subscription {
	sub := &Subscription{
		ch:     make(chan Event, 1),
		token:  uuid.NewString(),
		broker: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[sub] = struct{}{}
	if b.state != nil {
		b.deliver(sub, *b.state, time.Now())
	}
	return sub
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish records an explicit sign-in or sign-out and notifies subscribers
// when the state changed.
func (b *Broker) Publish(authenticated bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != nil && *b.state == authenticated {
		return
	}
	b.state = &authenticated

	now := time.Now()
	for sub := range b.subs {
		b.deliver(sub, authenticated, now)
	}
	b.logger.Info("authentication state changed", "authenticated", authenticated)
}

// deliver replaces any undelivered event. Callers hold b.mu.
func (b *Broker) deliver(sub *Subscription, authenticated bool, at time.Time) {
	ev := Event{Authenticated: authenticated, At: at, token: sub.token}
	select {
	case <-sub.ch:
	default:
	}
	sub.ch <- ev
}

// Watch polls the authenticator every interval until ctx is done,
// publishing transitions. The first poll happens immediately.
func (b *Broker) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		b.Publish(b.authn.IsAuthenticated(ctx))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Package scheduler decides when reconciliation runs: once on
// authentication, periodically while authenticated, and on demand. Attempts
// are single-flight and every concurrent caller receives the same outcome.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/macjediwizard/calmirror/internal/auth"
	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/hydrate"
	"github.com/macjediwizard/calmirror/internal/logging"
	"github.com/macjediwizard/calmirror/internal/reconcile"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

const (
	attemptKey          = "sync"
	defaultGuardBand    = time.Second
	defaultMaxBackoff   = time.Hour
	defaultLogRetention = 30 * 24 * time.Hour
	defaultCleanupSpec  = "@daily"
)

var errAttemptAborted = errors.New("sync attempt aborted")

// Reconciler runs attempts and owns the outbox and sync logs.
type Reconciler interface {
	Reconcile(ctx context.Context) *reconcile.Outcome
	Authenticated(ctx context.Context) bool
	RequeueOutbox() (int64, error)
	PruneLogs(retention time.Duration) (int64, error)
}

// Hydrator republishes the UI snapshot.
type Hydrator interface {
	Rebuild() (*hydrate.Snapshot, error)
}

// Publisher receives attempt lifecycle updates.
type Publisher interface {
	Begin()
	Finish(out *reconcile.Outcome)
	Fail(err error)
}

// Options tunes a Scheduler. Zero values take defaults.
type Options struct {
	GuardBand    time.Duration
	MaxBackoff   time.Duration
	LogRetention time.Duration
	CleanupSpec  string // cron spec for sync log cleanup
	Logger       *slog.Logger
}

// RunState is a copy of the scheduler's runtime state.
type RunState struct {
	Started             bool          `json:"started"`
	Enabled             bool          `json:"enabled"`
	Interval            time.Duration `json:"interval"`
	InFlight            bool          `json:"in_flight"`
	LastAttemptAt       *time.Time    `json:"last_attempt_at,omitempty"`
	Authenticated       bool          `json:"authenticated"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// Scheduler triggers reconciliation attempts.
type Scheduler struct {
	engine    Reconciler
	hydrator  Hydrator
	publisher Publisher
	sub       *auth.Subscription
	opts      Options
	logger    *slog.Logger

	// Attempts run on this context so a caller giving up never cancels them.
	attemptCtx context.Context
	group      singleflight.Group

	mu     sync.Mutex
	state  RunState
	dirty  bool // a local write is waiting for the in-flight attempt's rebuild
	stopCh chan struct{}
	cron   *cron.Cron
	wg     sync.WaitGroup
}

// New creates a scheduler. sub is the capability used to validate
// authentication notifications; events not minted for it are rejected.
func New(engine Reconciler, hydrator Hydrator, publisher Publisher, sub *auth.Subscription, opts Options) *Scheduler {
	if opts.GuardBand <= 0 {
		opts.GuardBand = defaultGuardBand
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.LogRetention <= 0 {
		opts.LogRetention = defaultLogRetention
	}
	if opts.CleanupSpec == "" {
		opts.CleanupSpec = defaultCleanupSpec
	}

	return &Scheduler{
		engine:     engine,
		hydrator:   hydrator,
		publisher:  publisher,
		sub:        sub,
		opts:       opts,
		logger:     logging.OrDefault(opts.Logger).With("component", "scheduler"),
		attemptCtx: context.Background(),
	}
}

// Start begins listening for authentication changes and, when enabled,
// periodic triggering. An attempt runs immediately if authenticated.
// Calling Start on a started scheduler does nothing.
func (s *Scheduler) Start(interval time.Duration, enabled bool) error {
	s.mu.Lock()
	if s.state.Started {
		s.mu.Unlock()
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.opts.CleanupSpec, s.cleanupOldLogs); err != nil {
		s.mu.Unlock()
		return err
	}

	s.state.Started = true
	s.state.Enabled = enabled
	s.state.Interval = interval
	s.stopCh = make(chan struct{})
	s.cron = c
	stopCh := s.stopCh
	s.mu.Unlock()

	authenticated := s.engine.Authenticated(s.attemptCtx)
	s.mu.Lock()
	s.state.Authenticated = authenticated
	s.mu.Unlock()

	c.Start()

	s.wg.Add(1)
	go s.run(interval, enabled, stopCh)

	s.logger.Info("scheduler started", "interval", interval, "enabled", enabled, "authenticated", authenticated)
	return nil
}

// Stop prevents future attempts. An attempt already running completes.
// Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.state.Started {
		s.mu.Unlock()
		return
	}
	s.state.Started = false
	close(s.stopCh)
	c := s.cron
	s.mu.Unlock()

	<-c.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(interval time.Duration, enabled bool, stopCh chan struct{}) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if enabled {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C

		if s.Authenticated() {
			go s.background()
		}
	}

	events := s.sub.Events()
	for {
		select {
		case <-stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			resumed, err := s.handle(ev)
			if err == nil && resumed && enabled {
				go s.background()
			}
		case now := <-tick:
			if s.shouldTick(now) {
				go s.background()
			}
		}
	}
}

// HandleAuthEvent applies an authentication notification received outside
// the subscription channel. Events not issued for this scheduler's
// subscription are rejected with auth.ErrSpoofedEvent.
func (s *Scheduler) HandleAuthEvent(ev auth.Event) error {
	resumed, err := s.handle(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	active := s.state.Started && s.state.Enabled
	s.mu.Unlock()

	if resumed && active {
		go s.background()
	}
	return nil
}

// handle verifies ev and records it. It reports whether the scheduler
// became authenticated.
func (s *Scheduler) handle(ev auth.Event) (bool, error) {
	if err := s.sub.Verify(ev); err != nil {
		s.logger.Warn("rejected authentication notification")
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	was := s.state.Authenticated
	s.state.Authenticated = ev.Authenticated
	if was != ev.Authenticated {
		s.logger.Info("authentication changed", "authenticated", ev.Authenticated)
	}
	return ev.Authenticated && !was, nil
}

// shouldTick reports whether a periodic tick at now may start an attempt.
func (s *Scheduler) shouldTick(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Authenticated || s.state.InFlight {
		return false
	}
	if s.state.LastAttemptAt == nil {
		return true
	}

	gap := backoff(s.state.Interval, s.state.ConsecutiveFailures, s.opts.MaxBackoff)
	return now.Sub(*s.state.LastAttemptAt) >= gap-s.opts.GuardBand
}

// backoff returns the minimum gap between periodic attempts after n
// consecutive failed attempts: interval·2^(n−1), capped at maxBackoff but
// never below interval.
func backoff(interval time.Duration, n int, maxBackoff time.Duration) time.Duration {
	gap := interval
	for i := 1; i < n; i++ {
		gap *= 2
		if gap >= maxBackoff {
			return max(maxBackoff, interval)
		}
	}
	return gap
}

// TriggerManualSync joins the in-flight attempt or starts one, and returns
// its outcome. Cancelling ctx stops waiting but not the attempt.
func (s *Scheduler) TriggerManualSync(ctx context.Context) (*reconcile.Outcome, error) {
	ch := s.group.DoChan(attemptKey, func() (any, error) {
		return s.attempt(), nil
	})

	select {
	case res := <-ch:
		return res.Val.(*reconcile.Outcome), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Retry makes every queued push due, including ones that exhausted their
// attempts or are backing off, then behaves like TriggerManualSync.
func (s *Scheduler) Retry(ctx context.Context) (*reconcile.Outcome, error) {
	n, err := s.engine.RequeueOutbox()
	if err != nil {
		s.logger.Error("failed to requeue pushes", "error", err)
	} else if n > 0 {
		s.logger.Info("requeued pushes", "count", n)
	}

	return s.TriggerManualSync(ctx)
}

func (s *Scheduler) background() {
	if _, err := s.TriggerManualSync(s.attemptCtx); err != nil {
		s.logger.Error("sync attempt failed", "error", err)
	}
}

// attempt runs one reconciliation. The in-flight marker is cleared on every
// exit path.
func (s *Scheduler) attempt() *reconcile.Outcome {
	now := time.Now()

	s.mu.Lock()
	s.state.InFlight = true
	s.state.LastAttemptAt = &now
	s.publisher.Begin()
	s.mu.Unlock()

	finished := false
	defer func() {
		if finished {
			return
		}
		s.mu.Lock()
		s.state.InFlight = false
		s.publisher.Fail(errAttemptAborted)
		s.mu.Unlock()
	}()

	out := s.engine.Reconcile(s.attemptCtx)

	// Rebuilding under mu keeps Refresh from publishing between the last
	// merge and the in-flight marker being cleared.
	s.mu.Lock()
	if !out.Skipped || s.dirty {
		if _, err := s.hydrator.Rebuild(); err != nil {
			s.logger.Error("failed to rebuild snapshot", "error", err)
		}
	}
	s.dirty = false
	switch out.State() {
	case db.SyncStatusError:
		s.state.ConsecutiveFailures++
	case db.SyncStatusSuccess, db.SyncStatusPartial:
		s.state.ConsecutiveFailures = 0
	}
	s.state.InFlight = false
	s.publisher.Finish(out)
	finished = true
	s.mu.Unlock()

	return out
}

// Refresh republishes the snapshot after a local write. While an attempt is
// in flight the rebuild is deferred to the end of that attempt, so readers
// only ever see the store before or after a whole reconciliation. It
// reports whether the rebuild was deferred.
func (s *Scheduler) Refresh() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.InFlight {
		s.dirty = true
		return true, nil
	}

	_, err := s.hydrator.Rebuild()
	return false, err
}

// RunState returns a copy of the runtime state.
func (s *Scheduler) RunState() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	if st.LastAttemptAt != nil {
		t := *st.LastAttemptAt
		st.LastAttemptAt = &t
	}
	return st
}

// Authenticated reports the last verified authentication state.
func (s *Scheduler) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Authenticated
}

// cleanupOldLogs deletes sync logs older than the retention period.
func (s *Scheduler) cleanupOldLogs() {
	deleted, err := s.engine.PruneLogs(s.opts.LogRetention)
	if err != nil {
		s.logger.Error("failed to clean old sync logs", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("cleaned old sync logs", "count", deleted)
	}
}

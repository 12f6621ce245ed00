// Package status publishes the read-only sync status: whether an attempt
// is in flight, the newest outcome, the current error and the last
// successful sync time.
package status

import (
	"sync"
	"time"

	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/reconcile"
)

const maxRecentOutcomes = 20

// Status is a point-in-time copy of the published state.
type Status struct {
	Pending       bool               `json:"pending"`
	LastOutcome   *reconcile.Outcome `json:"last_outcome,omitempty"`
	LastState     db.SyncStatus      `json:"last_state,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
	LastSyncTime  *time.Time         `json:"last_sync_time,omitempty"`
	LastAttemptAt *time.Time         `json:"last_attempt_at,omitempty"`
}

// Publisher holds the status. Only the scheduler writes to it.
type Publisher struct {
	mu     sync.RWMutex
	status Status
	recent []*reconcile.Outcome
	subs   map[chan Status]struct{}
}

// New creates an idle publisher.
func New() *Publisher {
	return &Publisher{
		recent: make([]*reconcile.Outcome, 0),
		subs:   make(map[chan Status]struct{}),
	}
}

// Begin marks an attempt in flight and clears the previous error.
func (p *Publisher) Begin() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.status.Pending = true
	p.status.LastError = ""
	p.status.LastAttemptAt = &now
	p.notify()
}

// Finish publishes an attempt's outcome. The error is set only when the
// outcome is classified as error; the sync time advances on success or
// partial success.
func (p *Publisher) Finish(out *reconcile.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status.Pending = false
	p.status.LastOutcome = out
	p.status.LastState = out.State()

	switch out.State() {
	case db.SyncStatusError:
		p.status.LastError = out.Err().Error()
	case db.SyncStatusSuccess, db.SyncStatusPartial:
		finished := out.FinishedAt
		p.status.LastSyncTime = &finished
	}

	p.recent = append([]*reconcile.Outcome{out}, p.recent...)
	if len(p.recent) > maxRecentOutcomes {
		p.recent = p.recent[:maxRecentOutcomes]
	}
	p.notify()
}

// Fail ends an attempt that produced no outcome.
func (p *Publisher) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status.Pending = false
	p.status.LastState = db.SyncStatusError
	p.status.LastError = err.Error()
	p.notify()
}

// Status returns a copy of the current status.
func (p *Publisher) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Recent returns the newest outcomes, newest first.
func (p *Publisher) Recent() []*reconcile.Outcome {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*reconcile.Outcome, len(p.recent))
	copy(result, p.recent)
	return result
}

// Subscribe returns a channel receiving the latest status after each change.
// Slow readers only see the newest value. cancel closes the channel.
func (p *Publisher) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)

	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.subs, ch)
			close(ch)
		})
	}
	return ch, cancel
}

// notify delivers the status without blocking. Callers hold p.mu.
func (p *Publisher) notify() {
	for ch := range p.subs {
		select {
		case <-ch:
		default:
		}
		ch <- p.status
	}
}

package db

import (
	"errors"
	"testing"
	"time"
)

func TestEnqueueOutboxCoalescing(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	source := createTestSource(t, db, "work")

	t.Run("create then update stays create", func(t *testing.T) {
		if _, err := db.EnqueueOutbox(&OutboxOp{EntryID: "e1", SourceID: source.ID, Kind: OutboxCreate}); err != nil {
			t.Fatalf("failed to enqueue: %v", err)
		}
		op, err := db.EnqueueOutbox(&OutboxOp{EntryID: "e1", SourceID: source.ID, Kind: OutboxUpdate})
		if err != nil {
			t.Fatalf("failed to enqueue: %v", err)
		}
		if op.Kind != OutboxCreate {
			t.Errorf("expected create, got %s", op.Kind)
		}
	})

	t.Run("create then delete drops the operation", func(t *testing.T) {
		op, err := db.EnqueueOutbox(&OutboxOp{EntryID: "e1", SourceID: source.ID, Kind: OutboxDelete})
		if err != nil {
			t.Fatalf("failed to enqueue: %v", err)
		}
		if op != nil {
			t.Errorf("expected nothing left to push, got %+v", op)
		}
		if _, err := db.GetOutboxForEntry("e1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("update then delete keeps remote id", func(t *testing.T) {
		if _, err := db.EnqueueOutbox(&OutboxOp{EntryID: "e2", SourceID: source.ID, RemoteID: "r2", Kind: OutboxUpdate}); err != nil {
			t.Fatalf("failed to enqueue: %v", err)
		}
		op, err := db.EnqueueOutbox(&OutboxOp{EntryID: "e2", SourceID: source.ID, RemoteID: "r2", Kind: OutboxDelete})
		if err != nil {
			t.Fatalf("failed to enqueue: %v", err)
		}
		if op.Kind != OutboxDelete || op.RemoteID != "r2" {
			t.Errorf("unexpected op: %+v", op)
		}
	})

	t.Run("delete of unlinked entry is a no-op", func(t *testing.T) {
		op, err := db.EnqueueOutbox(&OutboxOp{EntryID: "e3", SourceID: source.ID, Kind: OutboxDelete})
		if err != nil {
			t.Fatalf("failed to enqueue: %v", err)
		}
		if op != nil {
			t.Errorf("expected nil op, got %+v", op)
		}
	})

	t.Run("pending remote ids", func(t *testing.T) {
		ids, err := db.PendingOutboxRemoteIDs(source.ID)
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if !ids["r2"] || len(ids) != 1 {
			t.Errorf("unexpected pending ids: %v", ids)
		}
	})
}

func TestOutboxRetrySchedule(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	source := createTestSource(t, db, "work")

	op, err := db.EnqueueOutbox(&OutboxOp{EntryID: "e1", SourceID: source.ID, RemoteID: "r1", Kind: OutboxDelete})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	t.Run("due immediately", func(t *testing.T) {
		due, err := db.GetDueOutbox(time.Now().Add(time.Second))
		if err != nil {
			t.Fatalf("failed to get due: %v", err)
		}
		if len(due) != 1 || due[0].ID != op.ID {
			t.Fatalf("expected op to be due, got %d", len(due))
		}
	})

	t.Run("failure defers next attempt", func(t *testing.T) {
		next := time.Now().Add(time.Minute)
		if err := db.FailOutbox(op.ID, "offline", next, 2); err != nil {
			t.Fatalf("failed to record failure: %v", err)
		}
		due, _ := db.GetDueOutbox(time.Now())
		if len(due) != 0 {
			t.Errorf("expected nothing due, got %d", len(due))
		}
		due, _ = db.GetDueOutbox(next.Add(time.Second))
		if len(due) != 1 || due[0].Attempts != 1 || due[0].LastError != "offline" {
			t.Errorf("unexpected due ops: %+v", due)
		}
	})

	t.Run("exhausted attempts mark failed", func(t *testing.T) {
		if err := db.FailOutbox(op.ID, "offline", time.Now(), 2); err != nil {
			t.Fatalf("failed to record failure: %v", err)
		}
		due, _ := db.GetDueOutbox(time.Now().Add(time.Hour))
		if len(due) != 0 {
			t.Errorf("failed ops must not be due, got %d", len(due))
		}
		pending, failed, err := db.CountOutbox()
		if err != nil {
			t.Fatalf("failed to count: %v", err)
		}
		if pending != 0 || failed != 1 {
			t.Errorf("expected 0 pending / 1 failed, got %d / %d", pending, failed)
		}
		ids, _ := db.PendingOutboxRemoteIDs(source.ID)
		if !ids["r1"] {
			t.Error("failed op should still protect its entry from being overwritten")
		}
	})

	t.Run("retry requeues failed", func(t *testing.T) {
		n, err := db.RequeueOutbox()
		if err != nil {
			t.Fatalf("failed to retry: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 requeued, got %d", n)
		}
		due, _ := db.GetDueOutbox(time.Now().Add(time.Second))
		if len(due) != 1 || due[0].Attempts != 0 {
			t.Errorf("expected requeued op with reset attempts, got %+v", due)
		}
	})

	t.Run("complete removes", func(t *testing.T) {
		if err := db.CompleteOutbox(op.ID); err != nil {
			t.Fatalf("failed to complete: %v", err)
		}
		pending, failed, _ := db.CountOutbox()
		if pending != 0 || failed != 0 {
			t.Errorf("expected empty outbox, got %d / %d", pending, failed)
		}
	})
}

func TestRequeueOutboxMakesBackedOffOpsDue(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	source := createTestSource(t, db, "work")

	backingOff, err := db.EnqueueOutbox(&OutboxOp{EntryID: "e1", SourceID: source.ID, RemoteID: "r1", Kind: OutboxDelete})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := db.FailOutbox(backingOff.ID, "offline", time.Now().Add(time.Minute), 5); err != nil {
		t.Fatalf("failed to record failure: %v", err)
	}

	exhausted, err := db.EnqueueOutbox(&OutboxOp{EntryID: "e2", SourceID: source.ID, RemoteID: "r2", Kind: OutboxUpdate})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := db.FailOutbox(exhausted.ID, "offline", time.Now().Add(time.Minute), 1); err != nil {
		t.Fatalf("failed to record failure: %v", err)
	}

	if _, err := db.EnqueueOutbox(&OutboxOp{EntryID: "e3", SourceID: source.ID, Kind: OutboxCreate}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	if due, _ := db.GetDueOutbox(time.Now()); len(due) != 1 {
		t.Fatalf("expected only the fresh op due, got %d", len(due))
	}
	failed, err := db.GetFailedOutbox()
	if err != nil {
		t.Fatalf("failed to list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != exhausted.ID {
		t.Fatalf("unexpected failed ops: %+v", failed)
	}

	n, err := db.RequeueOutbox()
	if err != nil {
		t.Fatalf("failed to requeue: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 requeued, got %d", n)
	}

	due, err := db.GetDueOutbox(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("failed to get due: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("expected all 3 ops due, got %d", len(due))
	}
	for _, op := range due {
		if op.Status != OutboxPending {
			t.Errorf("op %s: expected pending, got %s", op.EntryID, op.Status)
		}
		switch op.ID {
		case backingOff.ID:
			if op.Attempts != 1 {
				t.Errorf("backed-off op should keep its attempts, got %d", op.Attempts)
			}
		case exhausted.ID:
			if op.Attempts != 0 {
				t.Errorf("failed op should restart its attempts, got %d", op.Attempts)
			}
		}
	}
}

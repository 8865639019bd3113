package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/harborins/policyimport/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepDeliversDueMessages(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	if _, err := mem.CreateScheduledMessage(ctx, "due now", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("CreateScheduledMessage error = %v", err)
	}
	if _, err := mem.CreateScheduledMessage(ctx, "due later", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("CreateScheduledMessage error = %v", err)
	}

	NewDeliverer(mem, discardLogger()).Sweep()

	pending, err := mem.ListScheduledMessages(ctx)
	if err != nil {
		t.Fatalf("ListScheduledMessages error = %v", err)
	}
	if len(pending) != 1 || pending[0].Body != "due later" {
		t.Fatalf("pending = %+v, want only the future message", pending)
	}

	for _, msg := range mem.Messages() {
		delivered := msg.DeliveredAt.Valid
		if msg.Body == "due now" && !delivered {
			t.Error("due message was not marked delivered")
		}
		if msg.Body == "due later" && delivered {
			t.Error("future message must not be delivered early")
		}
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	if _, err := mem.CreateScheduledMessage(ctx, "once", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("CreateScheduledMessage error = %v", err)
	}

	d := NewDeliverer(mem, discardLogger())
	d.Sweep()
	d.Sweep()

	due, err := mem.DueScheduledMessages(ctx, time.Now())
	if err != nil {
		t.Fatalf("DueScheduledMessages error = %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due after sweeps = %d, want 0", len(due))
	}
}

// failFirstQueue fails MarkMessageDelivered for one specific message.
type failFirstQueue struct {
	*storage.Memory
	failID pgtype.UUID
}

func (q *failFirstQueue) MarkMessageDelivered(ctx context.Context, id pgtype.UUID) error {
	if id == q.failID {
		return errors.New("mark rejected")
	}
	return q.Memory.MarkMessageDelivered(ctx, id)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	bad, err := mem.CreateScheduledMessage(ctx, "bad", time.Now().Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("CreateScheduledMessage error = %v", err)
	}
	if _, err := mem.CreateScheduledMessage(ctx, "good", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("CreateScheduledMessage error = %v", err)
	}

	NewDeliverer(&failFirstQueue{Memory: mem, failID: bad.ID}, discardLogger()).Sweep()

	for _, msg := range mem.Messages() {
		if msg.Body == "good" && !msg.DeliveredAt.Valid {
			t.Error("good message should be delivered despite earlier failure")
		}
		if msg.Body == "bad" && msg.DeliveredAt.Valid {
			t.Error("bad message must stay undelivered")
		}
	}
}

func TestStartRejectsInvalidSpec(t *testing.T) {
	d := NewDeliverer(storage.NewMemory(), discardLogger())
	if err := d.Start("not a cron spec"); err == nil {
		t.Fatal("Start() expected error for invalid spec")
	}
}

func TestStartAndStop(t *testing.T) {
	d := NewDeliverer(storage.NewMemory(), discardLogger())
	if err := d.Start("@every 1h"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	d.Stop()
}

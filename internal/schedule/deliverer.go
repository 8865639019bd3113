// Package schedule delivers scheduled messages when they come due.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/robfig/cron/v3"

	"github.com/harborins/policyimport/internal/storage"
)

// sweepTimeout bounds one delivery sweep against a stuck database.
const sweepTimeout = 30 * time.Second

// Queue is the storage surface the delivery job sweeps.
type Queue interface {
	DueScheduledMessages(ctx context.Context, now time.Time) ([]storage.ScheduledMessage, error)
	MarkMessageDelivered(ctx context.Context, id pgtype.UUID) error
}

// Deliverer runs a cron job that picks up scheduled messages once their
// delivery time passes, marks them delivered and logs the message body.
type Deliverer struct {
	queue  Queue
	logger *slog.Logger
	cron   *cron.Cron
}

// NewDeliverer returns a deliverer sweeping the given queue.
func NewDeliverer(queue Queue, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		queue:  queue,
		logger: logger,
		cron:   cron.New(),
	}
}

// Start registers the sweep under the given cron spec and starts the
// scheduler.
func (d *Deliverer) Start(spec string) error {
	if _, err := d.cron.AddFunc(spec, d.Sweep); err != nil {
		return fmt.Errorf("add delivery job: %w", err)
	}
	d.cron.Start()
	d.logger.Info("message delivery scheduler started", "spec", spec)
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (d *Deliverer) Stop() {
	<-d.cron.Stop().Done()
	d.logger.Info("message delivery scheduler stopped")
}

// Sweep delivers every message due by now. Failures are logged per message;
// one bad message does not block the rest of the batch.
func (d *Deliverer) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	due, err := d.queue.DueScheduledMessages(ctx, time.Now())
	if err != nil {
		d.logger.Error("delivery sweep query failed", "error", err)
		return
	}

	delivered := 0
	for _, msg := range due {
		if err := d.queue.MarkMessageDelivered(ctx, msg.ID); err != nil {
			d.logger.Error("mark delivered failed",
				"message_id", storage.IDString(msg.ID),
				"error", err,
			)
			continue
		}
		delivered++
		d.logger.Info("scheduled message delivered",
			"message_id", storage.IDString(msg.ID),
			"message", msg.Body,
			"scheduled_for", msg.ScheduledFor,
		)
	}

	if delivered > 0 {
		d.logger.Info("delivery sweep completed", "delivered", delivered, "due", len(due))
	}
}

package poll

import (
	"context"
	"log/slog"
	"poweron-notifier/pkg/notifier"

	"golang.org/x/time/rate"
)

// SendFunc delivers one notification to one subscriber.
type SendFunc func(ctx context.Context, id notifier.SubscriberID) error

// Report summarises a broadcast.
type Report struct {
	Delivered []notifier.SubscriberID
	Sent      int
	Failed    int
	Removed   int
}

// Dispatcher delivers a notification to every subscriber, one at a time.
type Dispatcher struct {
	store   Store
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher pacing sends to ratePerSec.
func NewDispatcher(store Store, ratePerSec int, logger *slog.Logger) *Dispatcher {
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	return &Dispatcher{
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		logger:  logger,
	}
}

// Broadcast calls send for each id in order. A failed delivery never stops the loop;
// permanently unreachable subscribers are removed from the store before moving on.
func (d *Dispatcher) Broadcast(ctx context.Context, ids []notifier.SubscriberID, send SendFunc) Report {
	var rep Report

	for _, id := range ids {
		if err := d.limiter.Wait(ctx); err != nil {
			d.logger.Warn("Broadcast interrupted", "error", err, "remaining", len(ids)-rep.Sent-rep.Failed)
			break
		}

		err := send(ctx, id)
		if err == nil {
			rep.Sent++
			rep.Delivered = append(rep.Delivered, id)
			continue
		}

		rep.Failed++
		if !notifier.IsUnreachable(err) {
			d.logger.Warn("Delivery failed, keeping subscriber", "chat_id", id, "error", err)
			continue
		}

		d.logger.Info("Subscriber unreachable, removing", "chat_id", id, "error", err)
		if rmErr := d.store.Remove(ctx, id); rmErr != nil {
			d.logger.Error("Failed to remove unreachable subscriber", "chat_id", id, "error", rmErr)
			continue
		}
		rep.Removed++
	}

	d.logger.Info("Broadcast completed",
		"recipients", len(ids),
		"sent", rep.Sent,
		"failed", rep.Failed,
		"removed", rep.Removed)
	return rep
}

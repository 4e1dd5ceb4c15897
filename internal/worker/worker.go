// Package worker relays the outbox: settlement jobs run in-process, every
// other effect is published to Kafka for downstream notifiers.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"NFTBookCommerce/internal/metrics"
	"NFTBookCommerce/internal/notify"
	"NFTBookCommerce/internal/settlement"
)

type Source interface {
	FetchPending(ctx context.Context, limit, maxAttempts int) ([]notify.Record, error)
	MarkSent(ctx context.Context, id int64) error
	// MarkFailed counts a failed attempt; the record is not fetched again
	// before retryAt.
	MarkFailed(ctx context.Context, id int64, cause error, retryAt time.Time) error
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Handler consumes a record in-process instead of publishing it.
type Handler func(ctx context.Context, rec notify.Record) error

type Worker struct {
	Source      Source
	Publisher   Publisher
	Handlers    map[string]Handler
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	// RetryInitial and RetryMax bound the exponential delay between
	// attempts of one record.
	RetryInitial time.Duration
	RetryMax     time.Duration
	Now          func() time.Time
}

// Stats describes one pass over the outbox.
type Stats struct {
	Fetched int
	Relayed int
	Failed  int
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		st, err := w.RelayOnce(ctx)
		if err != nil {
			w.Logger.Error("relay failed", "err", err)
		}
		// A full batch that made progress means there is probably more
		// waiting. A batch that only failed waits for the next tick.
		if st.Fetched >= w.batchSize() && st.Relayed > 0 && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RelayOnce processes one batch. A failing record is marked and retried on
// a later pass, after a growing delay, until it runs out of attempts; it
// never blocks the rest of the batch.
func (w *Worker) RelayOnce(ctx context.Context) (Stats, error) {
	var st Stats
	records, err := w.Source.FetchPending(ctx, w.batchSize(), w.maxAttempts())
	if err != nil {
		return st, fmt.Errorf("fetch outbox: %w", err)
	}
	st.Fetched = len(records)
	for _, rec := range records {
		if err := w.relay(ctx, rec); err != nil {
			st.Failed++
			w.Metrics.Relay(rec.Topic, "failed")
			retryAt := w.now().Add(w.retryDelay(rec.Attempts + 1))
			w.Logger.Warn("outbox record failed",
				"id", rec.ID,
				"topic", rec.Topic,
				"attempts", rec.Attempts+1,
				"retry_at", retryAt,
				"err", err,
			)
			if merr := w.Source.MarkFailed(ctx, rec.ID, err, retryAt); merr != nil {
				w.Logger.Error("mark outbox failed", "id", rec.ID, "err", merr)
			}
			if rec.Attempts+1 >= w.maxAttempts() {
				w.Logger.Error("outbox record gave up", "id", rec.ID, "topic", rec.Topic, "key", rec.Key)
			}
			continue
		}
		st.Relayed++
		w.Metrics.Relay(rec.Topic, "ok")
		if err := w.Source.MarkSent(ctx, rec.ID); err != nil {
			w.Logger.Error("mark outbox sent", "id", rec.ID, "err", err)
		}
	}
	return st, nil
}

// retryDelay is the jittered exponential delay before the given attempt.
func (w *Worker) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.RetryInitial
	if b.InitialInterval <= 0 {
		b.InitialInterval = 5 * time.Second
	}
	b.MaxInterval = w.RetryMax
	if b.MaxInterval <= 0 {
		b.MaxInterval = 10 * time.Minute
	}
	b.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (w *Worker) now() time.Time {
	if w.Now == nil {
		return time.Now()
	}
	return w.Now()
}

func (w *Worker) relay(ctx context.Context, rec notify.Record) error {
	if h, ok := w.Handlers[rec.Topic]; ok {
		return h(ctx, rec)
	}
	return w.Publisher.Publish(ctx, rec.Topic, rec.Key, rec.Payload)
}

func (w *Worker) batchSize() int {
	if w.BatchSize <= 0 {
		return 50
	}
	return w.BatchSize
}

func (w *Worker) maxAttempts() int {
	if w.MaxAttempts <= 0 {
		return 10
	}
	return w.MaxAttempts
}

// SettlementHandler runs a settlement job from the outbox.
func SettlementHandler(svc *settlement.Service) Handler {
	return func(ctx context.Context, rec notify.Record) error {
		var job notify.SettlementJob
		if err := json.Unmarshal(rec.Payload, &job); err != nil {
			return fmt.Errorf("decode settlement job: %w", err)
		}
		res, err := svc.Settle(ctx, job.ListingID, job.PaymentID)
		if err != nil {
			return err
		}
		svc.Logger.Info("settled payment",
			"payment_id", job.PaymentID,
			"transfers", len(res.Entries),
			"skipped", len(res.Skipped),
		)
		return nil
	}
}

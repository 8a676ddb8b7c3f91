package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"BattleLedger/internal/event"
	"BattleLedger/internal/observability"

	"github.com/rs/zerolog"
)

// AuditWorker drains the audit channel and batch-writes to Postgres.
// The fan-out sends to the audit channel with a blocking send, so if this
// worker falls behind, emitters stall and no event is lost.
type AuditWorker struct {
	db           *sql.DB
	writer       *AuditWriter
	inputChan    <-chan event.EventEnvelope
	batchSize    int
	flushTimeout time.Duration
	log          zerolog.Logger
	metrics      *observability.Metrics
}

func NewAuditWorker(
	db *sql.DB,
	inputChan <-chan event.EventEnvelope,
	batchSize int,
	flushTimeout time.Duration,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *AuditWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushTimeout <= 0 {
		flushTimeout = 500 * time.Millisecond
	}
	return &AuditWorker{
		db:           db,
		writer:       NewAuditWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		log:          log,
		metrics:      metrics,
	}
}

// Run batches incoming events and flushes either when the batch is full
// or the flush timeout expires. Blocks until ctx is cancelled.
func (aw *AuditWorker) Run(ctx context.Context) error {
	events := make([]EventRow, 0, aw.batchSize)
	payouts := make([]PayoutRow, 0, aw.batchSize)

	timer := time.NewTimer(aw.flushTimeout)
	defer timer.Stop()

	reset := func() {
		events = events[:0]
		payouts = payouts[:0]
	}

	for {
		select {
		case <-ctx.Done():
			if len(events) > 0 {
				if err := aw.flush(context.Background(), events, payouts); err != nil {
					aw.log.Error().Err(err).Int("events", len(events)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case e, ok := <-aw.inputChan:
			if !ok {
				if len(events) > 0 {
					if err := aw.flush(context.Background(), events, payouts); err != nil {
						aw.log.Error().Err(err).Int("events", len(events)).Msg("final flush failed")
					}
				}
				return nil
			}

			row, payout, err := Rows(e)
			if err != nil {
				aw.log.Error().Err(err).Str("event_id", e.EventID.String()).Msg("unpersistable event")
				if aw.metrics != nil {
					aw.metrics.PersistErrors.WithLabelValues("encode").Inc()
				}
				continue
			}
			events = append(events, row)
			if payout != nil {
				payouts = append(payouts, *payout)
			}

			if len(events) >= aw.batchSize {
				if err := aw.flushWithRetry(ctx, events, payouts); err != nil {
					aw.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				reset()
				timer.Reset(aw.flushTimeout)
			}

		case <-timer.C:
			if len(events) > 0 {
				if err := aw.flushWithRetry(ctx, events, payouts); err != nil {
					aw.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				reset()
			}
			timer.Reset(aw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write
// succeeds or ctx is cancelled, in which case one last attempt is made
// with a background context.
func (aw *AuditWorker) flushWithRetry(ctx context.Context, events []EventRow, payouts []PayoutRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			aw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("audit flush retry")
			select {
			case <-ctx.Done():
				if err := aw.flush(context.Background(), events, payouts); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := aw.flush(ctx, events, payouts)
		if err == nil {
			if attempt > 0 {
				aw.log.Info().Int("retries", attempt).Msg("audit flush succeeded")
			}
			return nil
		}
		if aw.metrics != nil {
			aw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (aw *AuditWorker) flush(ctx context.Context, events []EventRow, payouts []PayoutRow) error {
	start := time.Now()

	tx, err := aw.db.BeginTx(ctx, nil)
	if err != nil {
		aw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := aw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		aw.countError("write_events")
		return err
	}
	if err := aw.writer.WritePayoutBatch(ctx, tx, payouts); err != nil {
		aw.countError("write_payouts")
		return err
	}
	if err := tx.Commit(); err != nil {
		aw.countError("tx_commit")
		return err
	}

	if aw.metrics != nil {
		aw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		aw.metrics.PersistBatchSize.Observe(float64(len(events)))
		aw.metrics.PersistEventsWritten.Add(float64(len(events)))
		aw.metrics.PersistPayoutsWritten.Add(float64(len(payouts)))
	}
	return nil
}

func (aw *AuditWorker) countError(stage string) {
	if aw.metrics != nil {
		aw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}

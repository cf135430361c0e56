package projection

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"TermLedger/internal/core"
	"TermLedger/internal/event"
	"TermLedger/internal/observability"
	"TermLedger/internal/persistence"
)

// Worker maintains the market_state projection from MarketUpdate envelopes.
// It consumes the engine's non-blocking projection channel: drops are fine
// because every MarketUpdate carries full totals, so the next one repairs
// any gap, and a rebuild can always replay the event log.
type Worker struct {
	store   *persistence.MarketStateStore
	input   <-chan core.Output
	metrics *observability.Metrics
	logger  zerolog.Logger
	lastSeq int64
}

func NewWorker(store *persistence.MarketStateStore, input <-chan core.Output, metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	return &Worker{store: store, input: input, metrics: metrics, logger: logger}
}

// Backfill replays MarketUpdate rows from the event log starting after the
// oldest projected sequence, repairing whatever the non-blocking channel
// dropped while the service was up or down. The sequence guard in Upsert
// makes replaying already-applied rows a no-op.
func (w *Worker) Backfill(ctx context.Context, log *persistence.EventLogWriter) error {
	from := int64(1)
	states, err := w.store.List(ctx)
	if err != nil {
		return err
	}
	for _, s := range states {
		if from == 1 || s.Sequence < from {
			from = s.Sequence
		}
	}

	const batchSize = 1000
	var applied int
	for {
		rows, err := log.LoadEventsFrom(ctx, from, batchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if row.EventType != event.KindMarketUpdate.String() {
				continue
			}
			var update event.MarketUpdate
			if err := json.Unmarshal(row.Payload, &update); err != nil {
				w.logger.Warn().Err(err).Int64("sequence", row.Sequence).Msg("skipping undecodable MarketUpdate row")
				continue
			}
			err := w.store.Upsert(ctx, persistence.MarketStateRow{
				MarketID:             update.Market,
				Sequence:             row.Sequence,
				FloatingAssets:       update.FloatingAssets,
				FloatingDebt:         update.FloatingDebt,
				FloatingShares:       update.FloatingShares,
				FloatingBorrowShares: update.FloatingBorrowShares,
				BackupBorrowed:       update.BackupBorrowed,
				EarningsAccumulator:  update.EarningsAccumulator,
				UpdatedAt:            row.Timestamp,
			})
			if err != nil {
				return err
			}
			applied++
		}
		last := rows[len(rows)-1].Sequence
		if last > w.lastSeq {
			w.lastSeq = last
		}
		from = last + 1
	}

	if applied > 0 {
		w.logger.Info().Int("updates", applied).Int64("sequence", w.lastSeq).Msg("market state backfilled")
	}
	return nil
}

// Run applies envelopes until the context ends or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-w.input:
			if !ok {
				return nil
			}
			w.apply(ctx, out)
		}
	}
}

func (w *Worker) apply(ctx context.Context, out core.Output) {
	env := out.Envelope
	if env.Kind != event.KindMarketUpdate {
		w.lastSeq = env.Sequence
		return
	}

	var update event.MarketUpdate
	if err := json.Unmarshal(env.Payload, &update); err != nil {
		w.logger.Error().Err(err).Int64("sequence", env.Sequence).Msg("undecodable MarketUpdate payload")
		return
	}

	start := time.Now()
	err := w.store.Upsert(ctx, persistence.MarketStateRow{
		MarketID:             update.Market,
		Sequence:             env.Sequence,
		FloatingAssets:       update.FloatingAssets,
		FloatingDebt:         update.FloatingDebt,
		FloatingShares:       update.FloatingShares,
		FloatingBorrowShares: update.FloatingBorrowShares,
		BackupBorrowed:       update.BackupBorrowed,
		EarningsAccumulator:  update.EarningsAccumulator,
		UpdatedAt:            env.Timestamp,
	})
	if err != nil {
		// Eventually consistent: the next MarketUpdate overwrites.
		w.logger.Warn().Err(err).Int64("sequence", env.Sequence).
			Str("market", update.Market).Msg("market state projection failed")
		return
	}

	w.lastSeq = env.Sequence
	if w.metrics != nil {
		w.metrics.ProjectionUpdateDur.WithLabelValues("market_state").Observe(time.Since(start).Seconds())
		w.metrics.ProjectionSequence.WithLabelValues("market_state").Set(float64(env.Sequence))
	}
}

// LastSequence reports the newest sequence the worker saw.
func (w *Worker) LastSequence() int64 { return w.lastSeq }

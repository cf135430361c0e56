package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"TermLedger/internal/auditor"
	"TermLedger/internal/event"
	"TermLedger/internal/fixmath"
	"TermLedger/internal/market"
	"TermLedger/internal/observability"
	"TermLedger/internal/oracle"
)

var ErrUnknownMarket = errors.New("unknown market")

// Output is one envelope leaving the engine, consumed by the persistence
// worker and the projection/publishing workers.
type Output struct {
	Envelope *event.Envelope
}

// Engine is the single-threaded command processor. All markets, the auditor
// and the deduper are owned by its loop; nothing else may touch them once
// Run starts. Determinism rules: no wall-clock reads for ledger math (every
// command carries its timestamp) and no map-order iteration on output paths.
type Engine struct {
	sequence int64

	markets map[string]*market.Market
	feeds   map[string]*oracle.CachedFeed
	auditor *auditor.Auditor

	dedup   *Deduper
	metrics *observability.Metrics
	logger  zerolog.Logger

	commands       chan Command
	queries        chan func()
	persistChan    chan<- Output
	projectionChan chan<- Output

	// Events emitted by markets and the auditor while a command executes,
	// flushed into envelopes once the command succeeds.
	pending []event.Event
}

type Config struct {
	// StartSequence is the next sequence to assign, from the event log tail.
	StartSequence int64
	CommandBuffer int

	Auditor *auditor.Auditor

	DedupCapacity int
	DedupStore    DedupStore

	Metrics *observability.Metrics
	Logger  zerolog.Logger

	// PersistChan gets blocking sends: the engine stalls until persistence
	// drains, so no envelope is ever lost. ProjectionChan gets non-blocking
	// sends with drops; projections rebuild from the log when behind.
	PersistChan    chan<- Output
	ProjectionChan chan<- Output
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Auditor == nil {
		return nil, fmt.Errorf("core: engine needs an auditor")
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = 1024
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = 1_000_000
	}
	e := &Engine{
		sequence:       cfg.StartSequence,
		markets:        make(map[string]*market.Market),
		feeds:          make(map[string]*oracle.CachedFeed),
		auditor:        cfg.Auditor,
		dedup:          NewDeduper(cfg.DedupCapacity, cfg.DedupStore),
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		commands:       make(chan Command, cfg.CommandBuffer),
		queries:        make(chan func()),
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}
	e.dedup.metrics = cfg.Metrics
	cfg.Auditor.SetEventSink(e)
	return e, nil
}

// Emit collects an event into the current command's flush buffer. Markets
// and the auditor call this synchronously from inside dispatch.
func (e *Engine) Emit(ev event.Event) {
	e.pending = append(e.pending, ev)
}

// AddMarket wires a market into the engine and lists it with the auditor.
// Must be called before Run.
func (e *Engine) AddMarket(m *market.Market, feed *oracle.CachedFeed, adjustFactor *uint256.Int, decimals int) error {
	id := m.ID()
	if _, ok := e.markets[id]; ok {
		return fmt.Errorf("core: market %s already added", id)
	}
	if err := e.auditor.EnableMarket(m, feed, adjustFactor, decimals); err != nil {
		return err
	}
	m.SetAuditor(e.auditor)
	m.SetEventSink(e)
	e.markets[id] = m
	e.feeds[id] = feed
	return nil
}

// Market exposes a market for read-side queries. Queries run against state
// the engine last settled; they never mutate.
func (e *Engine) Market(id string) (*market.Market, bool) {
	m, ok := e.markets[id]
	return m, ok
}

func (e *Engine) Auditor() *auditor.Auditor { return e.auditor }

func (e *Engine) Sequence() int64 { return e.sequence }

// Warm preloads dedup keys covering the replay window.
func (e *Engine) Warm(keys []string) { e.dedup.Warm(keys) }

// Submit queues a command and waits for its result.
func (e *Engine) Submit(ctx context.Context, cmd Command) (Result, error) {
	reply := make(chan Result, 1)
	cmd.Reply = reply
	select {
	case e.commands <- cmd:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Query runs fn inside the engine loop, so it reads settled state without
// racing the single writer. fn must not block and must not retain references
// to engine-owned state past its return.
func (e *Engine) Query(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case e.queries <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes commands until the context ends. It is the only goroutine
// allowed to mutate ledger state.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info().Int64("sequence", e.sequence).Msg("engine loop started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Int64("sequence", e.sequence).Msg("engine loop stopped")
			return
		case fn := <-e.queries:
			fn()
		case cmd := <-e.commands:
			res := e.process(cmd)
			if cmd.Reply != nil {
				cmd.Reply <- res
			}
		}
	}
}

func (e *Engine) process(cmd Command) Result {
	start := time.Now()
	if cmd.Op == nil {
		return Result{Err: fmt.Errorf("core: command without op")}
	}
	name := cmd.Op.OpName()

	if cmd.IdempotencyKey != "" {
		if dup, tier := e.dedup.Seen(name, cmd.IdempotencyKey); dup {
			if e.metrics != nil {
				e.metrics.CommandsRejected.WithLabelValues(name, "duplicate").Inc()
				e.metrics.DedupDuplicates.WithLabelValues(name, tier).Inc()
			}
			return Result{Duplicate: true}
		}
	}

	value, seized, err := e.dispatch(cmd)

	// Elapsed-time accrual ran inside settle even when the op itself
	// failed, so flush whatever was emitted either way. Only a successful
	// command stamps its dedup key on the envelopes: a failed command's
	// events must never satisfy a retry's duplicate lookup.
	var dedupKey string
	if err == nil && cmd.IdempotencyKey != "" {
		dedupKey = name + ":" + cmd.IdempotencyKey
	}
	outputs := e.flush(cmd, dedupKey)
	var firstSeq int64
	if len(outputs) > 0 {
		firstSeq = outputs[0].Envelope.Sequence
	}
	for _, out := range outputs {
		if e.persistChan != nil {
			e.persistChan <- out
		}
		if e.projectionChan != nil {
			select {
			case e.projectionChan <- out:
			default:
				if e.metrics != nil {
					e.metrics.ProjectionDrops.WithLabelValues("engine").Inc()
				}
			}
		}
	}

	if err != nil {
		if e.metrics != nil {
			e.metrics.CommandsRejected.WithLabelValues(name, "error").Inc()
		}
		e.logger.Debug().Str("op", name).Str("market", cmd.Op.OpMarket()).Err(err).Msg("command rejected")
		return Result{Sequence: firstSeq, Err: err}
	}

	if cmd.IdempotencyKey != "" {
		e.dedup.Mark(name, cmd.IdempotencyKey)
	}
	if e.metrics != nil {
		e.metrics.CommandsApplied.WithLabelValues(name).Inc()
		e.metrics.CommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		e.metrics.EngineSequence.Set(float64(e.sequence))
		e.metrics.DedupLRUSize.Set(float64(e.dedup.Size()))
		if _, ok := cmd.Op.(*LiquidateOp); ok {
			e.metrics.LiquidationsCompleted.WithLabelValues(cmd.Op.OpMarket()).Inc()
		}
		for _, out := range outputs {
			if out.Envelope.Kind == event.KindBadDebtCleared {
				e.metrics.BadDebtCleared.WithLabelValues(out.Envelope.MarketID).Inc()
			}
		}
		if m, ok := e.markets[cmd.Op.OpMarket()]; ok {
			e.observeMarket(m)
		}
	}
	return Result{Sequence: firstSeq, Value: value, Seized: seized}
}

// flush wraps buffered events into sequenced envelopes. The envelope
// timestamp is the command's versioned timestamp, never the wall clock.
// dedupKey is the op-scoped idempotency key, empty for failed or keyless
// commands.
func (e *Engine) flush(cmd Command, dedupKey string) []Output {
	if len(e.pending) == 0 {
		return nil
	}
	outputs := make([]Output, 0, len(e.pending))
	ts := time.Unix(cmd.Timestamp, 0).UTC()
	for _, ev := range e.pending {
		payload, err := json.Marshal(ev)
		if err != nil {
			panic(fmt.Sprintf("FATAL: unencodable event %T: %v", ev, err))
		}
		outputs = append(outputs, Output{Envelope: &event.Envelope{
			Sequence:       e.sequence,
			IdempotencyKey: dedupKey,
			Kind:           ev.EventKind(),
			MarketID:       ev.EventMarketID(),
			Timestamp:      ts,
			Payload:        payload,
		}})
		e.sequence++
	}
	e.pending = e.pending[:0]
	return outputs
}

// observeMarket refreshes the market's aggregate gauges after a successful
// command. Whole-token resolution; dashboards never feed back into the ledger.
func (e *Engine) observeMarket(m *market.Market) {
	id := m.ID()
	assets := m.TotalFloatingAssets()
	debt := m.TotalFloatingDebt()
	e.metrics.MarketFloatingAssets.WithLabelValues(id).Set(wholeTokens(assets))
	e.metrics.MarketFloatingDebt.WithLabelValues(id).Set(wholeTokens(debt))
	e.metrics.MarketBackupBorrowed.WithLabelValues(id).Set(wholeTokens(m.FloatingBackupBorrowed()))
	e.metrics.MarketEarningsAccumulator.WithLabelValues(id).Set(wholeTokens(m.EarningsAccumulator()))
	if !assets.IsZero() {
		ppm := fixmath.MulDivDown(debt, uint256.NewInt(1_000_000), assets)
		e.metrics.MarketUtilization.WithLabelValues(id).Set(float64(ppm.Uint64()) / 1e6)
	}
}

func wholeTokens(v *uint256.Int) float64 {
	return float64(new(uint256.Int).Div(v, fixmath.Wad).Uint64())
}

func (e *Engine) market(id string) (*market.Market, error) {
	m, ok := e.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, id)
	}
	return m, nil
}

func (e *Engine) dispatch(cmd Command) (value, seized *uint256.Int, err error) {
	now := cmd.Timestamp
	switch op := cmd.Op.(type) {
	case *DepositOp:
		m, err := e.market(op.Market)
		if err != nil {
			return nil, nil, err
		}
		v, err := m.Deposit(now, op.Caller, op.Owner, op.Assets)
		return v, nil, err
	case *WithdrawOp:
		m, err := e.market(op.Market)
		if err != nil {
			return nil, nil, err
		}
		v, err := m.Withdraw(now, op.Caller, op.Receiver, op.Owner, op.Assets)
		return v, nil, err
	case *BorrowOp:
		m, err := e.market(op.Market)
		if err != nil {
			return nil, nil, err
		}
		v, err := m.Borrow(now, op.Caller, op.Receiver, op.Borrower, op.Assets)
		return v, nil, err
	case *RepayOp:
		m, err := e.market(op.Market)
		if err != nil {
			return nil, nil, err
		}
		actual, _, err := m.Repay(now, op.Caller, op.Borrower, op.MaxAssets)
		return actual, nil, err
	case *DepositAtMaturityOp:
		m, err := e.market(op.Market)
		if err != nil {
			return nil, nil, err
		}
		v, err := m.DepositAtMaturity(now, op.Maturity, op.Caller, op.Owner, op.Assets, op.MinAssetsRequired)
		return v, nil, err
	case *WithdrawAtMaturityOp:
		m, err := e.market(op.Market)
		if err != nil {
			return nil, nil, err
		}
		v, err := m.WithdrawAtMaturity(now, op.Maturity, op.Caller, op.Receiver, op.Owner, op.PositionAssets, op.MinAssetsRequired)
		return v, nil, err
	case *BorrowAtMaturityOp:
		m, err := e.market(op.Market)
		if err != nil {
			return nil, nil, err
		}
		v, err := m.BorrowAtMaturity(now, op.Maturity, op.Caller, op.Receiver, op.Borrower, op.Assets, op.MaxAssets)
		return v, nil, err
	case *RepayAtMaturityOp:
		m, err := e.market(op.Market)
		if err != nil {
			return nil, nil, err
		}
		v, err := m.RepayAtMaturity(now, op.Maturity, op.Caller, op.Borrower, op.PositionAssets, op.MaxAssets)
		return v, nil, err
	case *LiquidateOp:
		m, err := e.market(op.Market)
		if err != nil {
			return nil, nil, err
		}
		return m.Liquidate(now, op.Liquidator, op.Borrower, op.MaxAssets, op.SeizeMarket)
	case *EnterMarketOp:
		return nil, nil, e.auditor.EnterMarket(op.Market, op.Account)
	case *ExitMarketOp:
		return nil, nil, e.auditor.ExitMarket(op.Market, op.Account, now)
	case *SetAdjustFactorOp:
		return nil, nil, e.auditor.SetAdjustFactor(op.Market, op.AdjustFactor)
	case *SetLiquidationIncentiveOp:
		return nil, nil, e.auditor.SetLiquidationIncentive(auditor.LiquidationIncentive{
			Liquidator: op.Liquidator,
			Lenders:    op.Lenders,
		})
	case *PriceUpdateOp:
		feed, ok := e.feeds[op.Market]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownMarket, op.Market)
		}
		return nil, nil, feed.Update(op.Price, op.Version)
	case *SetPriceFeedOp:
		if _, ok := e.feeds[op.Market]; !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownMarket, op.Market)
		}
		feed := oracle.NewCachedFeed(op.Market)
		if err := feed.Update(op.Price, op.Version); err != nil {
			return nil, nil, err
		}
		if err := e.auditor.SetPriceFeed(op.Market, feed); err != nil {
			return nil, nil, err
		}
		e.feeds[op.Market] = feed
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("core: unknown op %T", cmd.Op)
	}
}

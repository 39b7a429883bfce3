package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"libertyflow/internal/execution"
	"libertyflow/internal/model"
	"libertyflow/internal/service"
	"libertyflow/pkg/clock"
	"libertyflow/pkg/latch"
)

// StopLossState is shared by the stop-loss tick handler and the trailing
// controller. stopPrice only moves in the risk-reducing direction and
// exitExecuted flips to true exactly once.
type StopLossState struct {
	mu           sync.Mutex
	active       bool
	side         model.Side
	symbol       string
	stopPrice    float64
	exitExecuted bool
}

// NewStopLossState creates an active state for a freshly filled position.
func NewStopLossState(symbol string, side model.Side, stop float64) *StopLossState {
	return &StopLossState{active: true, side: side, symbol: symbol, stopPrice: stop}
}

// InitialStop is entry minus (long) or plus (short) offsetPct percent,
// rounded to tick.
func InitialStop(side model.Side, entry, offsetPct, tick float64) float64 {
	return service.RoundToTick(entry-side.Sign()*entry*offsetPct/100, tick)
}

// ShouldExit claims the exit when price breaches the stop. Only the caller
// that flips exitExecuted gets true.
func (s *StopLossState) ShouldExit(price float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active || s.exitExecuted {
		return false
	}
	breached := (s.side == model.SideBuy && price <= s.stopPrice) ||
		(s.side == model.SideSell && price >= s.stopPrice)
	if !breached {
		return false
	}
	s.exitExecuted = true
	return true
}

// ClaimExit flips exitExecuted regardless of price (end-of-day exit).
func (s *StopLossState) ClaimExit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitExecuted {
		return false
	}
	s.exitExecuted = true
	return true
}

// Advance moves the stop to stop if that reduces risk. It returns whether
// the stop moved and the stop in force afterwards.
func (s *StopLossState) Advance(stop float64) (bool, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active || s.exitExecuted {
		return false, s.stopPrice
	}
	better := (s.side == model.SideBuy && stop > s.stopPrice) ||
		(s.side == model.SideSell && stop < s.stopPrice)
	if !better {
		return false, s.stopPrice
	}
	s.stopPrice = stop
	return true, stop
}

// Deactivate makes further ticks and advances no-ops.
func (s *StopLossState) Deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

func (s *StopLossState) StopPrice() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopPrice
}

func (s *StopLossState) ExitExecuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitExecuted
}

func (s *StopLossState) Side() model.Side { return s.side }

func (s *StopLossState) Symbol() string { return s.symbol }

// Exiter closes a position; *execution.Escalator satisfies it.
type Exiter interface {
	Execute(ctx context.Context, symbol string, side model.Side, qty int) (execution.Fill, error)
}

// ExitReport is what the stop-loss monitor hands back after it fired.
type ExitReport struct {
	Reason       string
	TriggerPrice float64
	Fill         execution.Fill
	Err          error
}

// StopLossParams configures a StopLossMonitor.
type StopLossParams struct {
	OffsetPct       float64
	TickSize        float64
	MaxFeedRestarts int
	RestartBackoff  time.Duration
}

// StopLossMonitor watches ticks for a stop breach and runs the exit
// escalator exactly once on the feed goroutine.
type StopLossMonitor struct {
	feed   Feed
	exit   Exiter
	clock  clock.Clock
	params StopLossParams
	logger *zap.Logger

	state    *StopLossState
	position model.Position
	runCtx   context.Context
	exitCtx  context.Context

	mu       sync.Mutex
	sub      model.Subscription
	restarts int
	stopped  bool

	done     *latch.Latch[ExitReport]
	feedLost *latch.Latch[error]
}

func NewStopLossMonitor(feed Feed, exit Exiter, params StopLossParams, clk clock.Clock) *StopLossMonitor {
	if clk == nil {
		clk = clock.Real()
	}
	return &StopLossMonitor{
		feed:     feed,
		exit:     exit,
		clock:    clk,
		params:   params,
		logger:   service.Named("stop_loss"),
		done:     latch.New[ExitReport](),
		feedLost: latch.New[error](),
	}
}

// Arm computes the initial stop for position, stores it and subscribes.
// ctx bounds feed restarts only; the exit escalation runs detached from its
// cancellation.
func (m *StopLossMonitor) Arm(ctx context.Context, position model.Position) (*StopLossState, error) {
	if !position.Side.Valid() || position.EntryPrice <= 0 || position.Qty <= 0 {
		return nil, fmt.Errorf("stop loss: invalid position %s", position)
	}

	stop := InitialStop(position.Side, position.EntryPrice, m.params.OffsetPct, m.params.TickSize)
	m.state = NewStopLossState(position.Symbol, position.Side, stop)
	m.position = position
	m.runCtx = ctx
	m.exitCtx = context.WithoutCancel(ctx)
	m.logger = m.logger.With(zap.String("Symbol", position.Symbol), zap.String("Side", position.Side.String()))

	service.MtxStopPrice.Set(stop)
	m.logger.Info("Stop loss armed", zap.Float64("Entry", position.EntryPrice), zap.Float64("Stop", stop))

	m.subscribe()
	return m.state, nil
}

// State returns the shared stop state; nil before Arm.
func (m *StopLossMonitor) State() *StopLossState { return m.state }

func (m *StopLossMonitor) subscribe() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	sub, err := m.feed.Subscribe(m.position.Symbol, m.onTick, m.onFeedError)
	if err != nil {
		m.onFeedError(err)
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	m.sub = sub
	m.mu.Unlock()
}

func (m *StopLossMonitor) onFeedError(err error) {
	if m.state.ExitExecuted() {
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.sub = nil
	m.restarts++
	attempt := m.restarts
	m.mu.Unlock()

	service.MtxFeedErrors.WithLabelValues("stop_loss").Inc()
	if attempt > m.params.MaxFeedRestarts {
		m.logger.Error("Feed lost, giving up", zap.Int("Restarts", attempt-1), zap.Error(err))
		m.feedLost.Fire(fmt.Errorf("%w: %v", ErrFeed, err))
		return
	}

	m.logger.Warn("Feed error, resubscribing", zap.Int("Attempt", attempt), zap.Error(err))
	go func() {
		if err := clock.Sleep(m.runCtx, m.clock, m.params.RestartBackoff); err != nil {
			return
		}
		m.subscribe()
	}()
}

func (m *StopLossMonitor) onTick(tick model.PriceTick) {
	if tick.Symbol != m.state.Symbol() || !tick.Priced() {
		return
	}
	if !m.state.ShouldExit(tick.LastPrice) {
		return
	}

	stop := m.state.StopPrice()
	m.logger.Warn("Stop hit, exiting", zap.Float64("Price", tick.LastPrice), zap.Float64("Stop", stop))

	fill, err := m.exit.Execute(m.exitCtx, m.position.Symbol, m.position.Side.Opposite(), m.position.Qty)
	if err != nil {
		m.logger.Error("Exit escalation failed", zap.Error(err))
	}
	m.Stop()
	m.done.Fire(ExitReport{Reason: model.ExitReasonStop, TriggerPrice: tick.LastPrice, Fill: fill, Err: err})
}

// Stop unsubscribes; pending restarts are abandoned.
func (m *StopLossMonitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Done is closed after a stop-triggered exit has finished.
func (m *StopLossMonitor) Done() <-chan struct{} { return m.done.Done() }

// Report returns the exit report once Done is closed.
func (m *StopLossMonitor) Report() (ExitReport, bool) { return m.done.Value() }

// FeedLost is closed when resubscription attempts are exhausted.
func (m *StopLossMonitor) FeedLost() <-chan struct{} { return m.feedLost.Done() }

// FeedLostErr returns the last feed error once FeedLost is closed.
func (m *StopLossMonitor) FeedLostErr() error {
	err, ok := m.feedLost.Value()
	if !ok {
		return nil
	}
	return err
}

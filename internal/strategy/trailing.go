package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"libertyflow/internal/execution"
	"libertyflow/internal/model"
	"libertyflow/internal/service"
	"libertyflow/pkg/clock"
	"libertyflow/pkg/ta"
)

// Tier locks LockR risk units once the best R reaches MinR. LockR is the
// stop's signed distance from entry in R: negative keeps some risk on,
// positive locks profit.
type Tier struct {
	MinR  float64
	LockR float64
}

// Window is a time-of-day range [Start, End) with its own tier ladder.
type Window struct {
	Start service.ClockTime
	End   service.ClockTime
	Tiers []Tier // ascending MinR
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}

// Lookup returns the highest tier whose MinR is <= maxR.
func (w Window) Lookup(maxR float64) (Tier, bool) {
	var (
		best  Tier
		found bool
	)
	for _, t := range w.Tiers {
		if maxR >= t.MinR {
			best, found = t, true
		}
	}
	return best, found
}

// TierTable maps the time of day to a trailing window.
type TierTable struct {
	Windows []Window
	loc     *time.Location
}

// NewTierTable parses and validates the configured windows.
func NewTierTable(cfg []service.TrailingWindowConfig, loc *time.Location) (*TierTable, error) {
	if loc == nil {
		loc = time.Local
	}
	table := &TierTable{loc: loc}
	for i, wc := range cfg {
		start, err := service.ParseClock(wc.Start)
		if err != nil {
			return nil, fmt.Errorf("window %d: %w", i, err)
		}
		end, err := service.ParseClock(wc.End)
		if err != nil {
			return nil, fmt.Errorf("window %d: %w", i, err)
		}
		if end.Minutes() <= start.Minutes() {
			return nil, fmt.Errorf("window %d: end %s is not after start %s", i, end, start)
		}
		if n := len(table.Windows); n > 0 && start.Minutes() < table.Windows[n-1].End.Minutes() {
			return nil, fmt.Errorf("window %d overlaps the previous one", i)
		}

		tiers := make([]Tier, 0, len(wc.Tiers))
		for _, tc := range wc.Tiers {
			if tc.MinR <= 0 {
				return nil, fmt.Errorf("window %d: tier min_r must be positive", i)
			}
			tiers = append(tiers, Tier{MinR: tc.MinR, LockR: tc.LockR})
		}
		sort.Slice(tiers, func(a, b int) bool { return tiers[a].MinR < tiers[b].MinR })
		table.Windows = append(table.Windows, Window{Start: start, End: end, Tiers: tiers})
	}
	return table, nil
}

// WindowAt returns the index of the window containing t, or -1.
func (tt *TierTable) WindowAt(t time.Time) int {
	lt := t.In(tt.loc)
	m := lt.Hour()*60 + lt.Minute()
	for i, w := range tt.Windows {
		if m >= w.Start.Minutes() && m < w.End.Minutes() {
			return i
		}
	}
	return -1
}

// TrailingParams configures a TrailingController.
type TrailingParams struct {
	Interval   time.Duration
	Resolution string
	TickSize   float64
}

// CycleResult describes one trailing evaluation.
type CycleResult struct {
	Window   int
	CurrentR float64
	MaxR     float64
	Tier     *Tier
	Stop     float64 // stop in force after the cycle
	Moved    bool
	Done     bool // exit already executed; the loop should end
}

// TrailingController periodically re-measures the best R since entry and
// ratchets the shared stop up the tier ladder.
type TrailingController struct {
	bars     execution.BarSource
	state    *StopLossState
	table    *TierTable
	clock    clock.Clock
	params   TrailingParams
	position model.Position
	risk     float64
	calc     *ta.ExcursionCalculator
	logger   *zap.Logger

	// OnAdvance runs after the stop moved; the session persists it.
	OnAdvance func(ctx context.Context, stop float64)

	mu     sync.Mutex
	window int
	maxR   float64
}

// NewTrailingController binds the controller to a filled position and its
// stop state. Initial risk is |entry - initial stop|, floored at one tick.
func NewTrailingController(bars execution.BarSource, state *StopLossState, table *TierTable, position model.Position, params TrailingParams, clk clock.Clock) *TrailingController {
	if clk == nil {
		clk = clock.Real()
	}
	logger := service.Named("trailing").With(zap.String("Symbol", position.Symbol))
	risk := math.Max(math.Abs(position.EntryPrice-state.StopPrice()), params.TickSize)
	return &TrailingController{
		bars:     bars,
		state:    state,
		table:    table,
		clock:    clk,
		params:   params,
		position: position,
		risk:     risk,
		calc:     ta.NewExcursionCalculator(logger),
		logger:   logger,
		window:   -1,
	}
}

// InitialRisk is the R unit in price points.
func (c *TrailingController) InitialRisk() float64 { return c.risk }

// MaxR returns the best R in the current window.
func (c *TrailingController) MaxR() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxR
}

// Run evaluates every Interval until ctx is done or the exit has executed.
func (c *TrailingController) Run(ctx context.Context) error {
	c.logger.Info("Trailing stop started",
		zap.Float64("Entry", c.position.EntryPrice),
		zap.Float64("Stop", c.state.StopPrice()),
		zap.Float64("Risk", c.risk))

	for {
		if c.state.ExitExecuted() {
			c.logger.Info("Exit executed, trailing stopped")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-c.clock.After(c.params.Interval):
			res, err := c.Cycle(ctx, now)
			if err != nil {
				service.MtxComputeErrors.Inc()
				c.logger.Warn("Trailing cycle skipped", zap.Error(err))
				continue
			}
			if res.Done {
				c.logger.Info("Exit executed, trailing stopped")
				return nil
			}
		}
	}
}

// Cycle runs one evaluation at now. Errors wrap ErrCompute and leave the
// stop untouched.
func (c *TrailingController) Cycle(ctx context.Context, now time.Time) (CycleResult, error) {
	res := CycleResult{Window: -1, Stop: c.state.StopPrice()}
	if c.state.ExitExecuted() {
		res.Done = true
		return res, nil
	}

	// 1. 当前时间窗口；窗口切换时重置 maxR
	idx := c.table.WindowAt(now)
	c.mu.Lock()
	if idx != c.window {
		if c.window >= 0 || c.maxR > 0 {
			c.logger.Info("Trailing window changed", zap.Int("From", c.window), zap.Int("To", idx))
		}
		c.window = idx
		c.maxR = 0
	}
	c.mu.Unlock()
	res.Window = idx
	if idx < 0 {
		return res, nil
	}
	win := c.table.Windows[idx]

	// 2. 拉取 K 线：入场后且在本窗口内
	since := c.position.EntryTime
	if ws := win.Start.On(now, c.table.loc); ws.After(since) {
		since = ws
	}
	bars, err := c.bars.GetRecentBars(ctx, c.position.Symbol, c.params.Resolution, since)
	if err != nil {
		return res, fmt.Errorf("%w: bars: %v", ErrCompute, err)
	}
	if err := c.calc.Load(bars); err != nil {
		return res, fmt.Errorf("%w: %v", ErrCompute, err)
	}

	// 3. 有利波动与 R 倍数
	excursion, err := c.calc.FavorableExcursion(c.position.Side, c.position.EntryPrice)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrCompute, err)
	}
	currentR, err := ta.RMultiple(excursion, c.risk)
	if err != nil {
		return res, errors.Join(ErrCompute, err)
	}

	c.mu.Lock()
	if currentR > c.maxR {
		c.maxR = currentR
	}
	maxR := c.maxR
	c.mu.Unlock()
	res.CurrentR, res.MaxR = currentR, maxR
	service.MtxMaxR.Set(maxR)

	// 4. 查表
	tier, ok := win.Lookup(maxR)
	if !ok {
		return res, nil
	}
	res.Tier = &tier
	target := service.RoundToTick(c.position.EntryPrice+c.position.Side.Sign()*tier.LockR*c.risk, c.params.TickSize)

	// 5. 只朝降低风险的方向移动
	moved, stop := c.state.Advance(target)
	res.Moved, res.Stop = moved, stop
	if moved {
		service.MtxStopPrice.Set(stop)
		c.logger.Info("Stop advanced",
			zap.String("Window", win.String()),
			zap.Float64("MaxR", maxR),
			zap.Float64("LockR", tier.LockR),
			zap.Float64("Stop", stop))
		if c.OnAdvance != nil {
			c.OnAdvance(ctx, stop)
		}
	}
	return res, nil
}

package strategy

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"libertyflow/internal/model"
	"libertyflow/internal/service"
	"libertyflow/pkg/clock"
	"libertyflow/pkg/latch"
)

// WatcherState 突破监视器状态
type WatcherState string

const (
	WatcherIdle      WatcherState = "IDLE"      // 未设置阈值
	WatcherArmed     WatcherState = "ARMED"     // 至少设置了一个阈值
	WatcherTriggered WatcherState = "TRIGGERED" // 终态
)

// BreakoutWatcher detects the first strict crossing of the threshold pair.
// Ticks arrive on the feed goroutine; the session goroutine waits on the
// result through Wait.
type BreakoutWatcher struct {
	feed   Feed
	symbol string
	clock  clock.Clock
	logger *zap.Logger

	mu         sync.Mutex
	thresholds model.ThresholdPair
	prev       float64
	hasPrev    bool
	breakout   model.BreakoutState
	sub        model.Subscription
	feedErr    *latch.Latch[error] // replaced on every Start

	triggered *latch.Latch[model.BreakoutState]
}

// NewBreakoutWatcher 初始化突破监视器
func NewBreakoutWatcher(feed Feed, symbol string, clk clock.Clock) *BreakoutWatcher {
	if clk == nil {
		clk = clock.Real()
	}
	return &BreakoutWatcher{
		feed:      feed,
		symbol:    symbol,
		clock:     clk,
		logger:    service.Named("breakout").With(zap.String("Symbol", symbol)),
		feedErr:   latch.New[error](),
		triggered: latch.New[model.BreakoutState](),
	}
}

// SetThresholds replaces the pair. It is a no-op returning false once the
// breakout has fired.
func (w *BreakoutWatcher) SetThresholds(high, low *float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.breakout.Triggered {
		return false
	}
	w.thresholds = model.ThresholdPair{High: copyPrice(high), Low: copyPrice(low)}
	if !w.thresholds.Armed() {
		w.hasPrev = false
	}
	w.logger.Info("Thresholds set", zap.Any("High", high), zap.Any("Low", low))
	return true
}

func copyPrice(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return model.Price(*p)
}

// Thresholds returns a copy of the current pair.
func (w *BreakoutWatcher) Thresholds() model.ThresholdPair {
	w.mu.Lock()
	defer w.mu.Unlock()
	return model.ThresholdPair{High: copyPrice(w.thresholds.High), Low: copyPrice(w.thresholds.Low)}
}

// State returns a copy of the breakout record.
func (w *BreakoutWatcher) State() model.BreakoutState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.breakout
}

// Status reports Idle, Armed or Triggered.
func (w *BreakoutWatcher) Status() WatcherState {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.breakout.Triggered:
		return WatcherTriggered
	case w.thresholds.Armed():
		return WatcherArmed
	}
	return WatcherIdle
}

// Start subscribes to the feed. Calling it again after a feed error
// resubscribes; the first tick of the new subscription never triggers.
func (w *BreakoutWatcher) Start() error {
	w.mu.Lock()
	if w.breakout.Triggered || w.sub != nil {
		w.mu.Unlock()
		return nil
	}
	w.hasPrev = false
	errLatch := latch.New[error]()
	w.feedErr = errLatch
	w.mu.Unlock()

	sub, err := w.feed.Subscribe(w.symbol, w.OnTick, func(err error) { w.onFeedError(errLatch, err) })
	if err != nil {
		service.MtxFeedErrors.WithLabelValues("breakout").Inc()
		errLatch.Fire(err)
		return fmt.Errorf("%w: %v", ErrFeed, err)
	}

	w.mu.Lock()
	if w.breakout.Triggered {
		// a tick won the race before we stored the subscription
		w.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	w.sub = sub
	w.mu.Unlock()
	return nil
}

// Stop drops the subscription, if any.
func (w *BreakoutWatcher) Stop() {
	w.mu.Lock()
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (w *BreakoutWatcher) onFeedError(l *latch.Latch[error], err error) {
	w.mu.Lock()
	if w.feedErr == l {
		w.sub = nil
	}
	w.mu.Unlock()
	service.MtxFeedErrors.WithLabelValues("breakout").Inc()
	l.Fire(err)
}

// OnTick applies the strict-crossing rule against the previous tick:
// Buy when prev <= high < price, Sell when prev >= low > price.
func (w *BreakoutWatcher) OnTick(tick model.PriceTick) {
	if !tick.Priced() {
		return
	}
	price := tick.LastPrice

	w.mu.Lock()
	if w.breakout.Triggered {
		w.mu.Unlock()
		return
	}
	if !w.thresholds.Armed() {
		w.hasPrev = false
		w.mu.Unlock()
		return
	}

	prev, hasPrev := w.prev, w.hasPrev
	w.prev, w.hasPrev = price, true
	if !hasPrev {
		w.mu.Unlock()
		return
	}

	dir, ok := crossing(prev, price, w.thresholds)
	if !ok {
		w.mu.Unlock()
		return
	}

	at := w.clock.Now()
	if tick.Timestamp > 0 {
		at = tick.Time()
	}
	w.breakout = model.BreakoutState{Triggered: true, Direction: dir, Price: price, At: at}
	state := w.breakout
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	service.MtxBreakouts.WithLabelValues(dir.String()).Inc()
	w.logger.Info("!!! Breakout !!!",
		zap.String("Direction", dir.String()),
		zap.Float64("Prev", prev),
		zap.Float64("Price", price))
	w.triggered.Fire(state)
}

func crossing(prev, price float64, p model.ThresholdPair) (model.Side, bool) {
	if p.High != nil && prev <= *p.High && *p.High < price {
		return model.SideBuy, true
	}
	if p.Low != nil && prev >= *p.Low && *p.Low > price {
		return model.SideSell, true
	}
	return "", false
}

// Triggered is closed once the breakout fires.
func (w *BreakoutWatcher) Triggered() <-chan struct{} {
	return w.triggered.Done()
}

// Wait blocks until the breakout fires, the current subscription fails
// (ErrFeed) or ctx is done (ctx.Err()).
func (w *BreakoutWatcher) Wait(ctx context.Context) (model.BreakoutState, error) {
	w.mu.Lock()
	errLatch := w.feedErr
	w.mu.Unlock()

	select {
	case <-w.triggered.Done():
		state, _ := w.triggered.Value()
		return state, nil
	case <-errLatch.Done():
		// a trigger may have landed in the same instant
		if state, ok := w.triggered.Value(); ok {
			return state, nil
		}
		err, _ := errLatch.Value()
		return model.BreakoutState{}, fmt.Errorf("%w: %v", ErrFeed, err)
	case <-ctx.Done():
		if state, ok := w.triggered.Value(); ok {
			return state, nil
		}
		return model.BreakoutState{}, ctx.Err()
	}
}

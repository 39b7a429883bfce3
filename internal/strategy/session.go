package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"libertyflow/internal/execution"
	"libertyflow/internal/model"
	"libertyflow/internal/notify"
	"libertyflow/internal/service"
	"libertyflow/internal/store"
	"libertyflow/pkg/clock"
)

const tradingDayLayout = "2006-01-02"

// SessionConfig is the resolved configuration of one trading session.
type SessionConfig struct {
	Symbol             string
	Qty                int
	TickSize           float64
	Entry              execution.EscalationPolicy
	Exit               execution.EscalationPolicy
	StopLoss           StopLossParams
	Trailing           TrailingParams
	TrailingStartDelay time.Duration
	Windows            []service.TrailingWindowConfig
	Location           *time.Location
	BreakoutDeadline   service.ClockTime
	EndOfDay           service.ClockTime
	FeedRestartBackoff time.Duration
	Thresholds         model.ThresholdPair
}

// NewSessionConfig resolves cfg into a SessionConfig.
func NewSessionConfig(cfg *service.Config) (SessionConfig, error) {
	loc, err := cfg.Session.Location()
	if err != nil {
		return SessionConfig{}, err
	}
	bd, err := service.ParseClock(cfg.Session.BreakoutDeadline)
	if err != nil {
		return SessionConfig{}, err
	}
	eod, err := service.ParseClock(cfg.Session.EndOfDay)
	if err != nil {
		return SessionConfig{}, err
	}

	var pair model.ThresholdPair
	if cfg.Breakout.High > 0 {
		pair.High = model.Price(cfg.Breakout.High)
	}
	if cfg.Breakout.Low > 0 {
		pair.Low = model.Price(cfg.Breakout.Low)
	}

	return SessionConfig{
		Symbol:   cfg.Instrument.Symbol,
		Qty:      cfg.Instrument.Qty(),
		TickSize: cfg.Instrument.TickSize,
		Entry:    execution.PolicyFromConfig(cfg.Entry, cfg.Instrument),
		Exit:     execution.PolicyFromConfig(cfg.Exit, cfg.Instrument),
		StopLoss: StopLossParams{
			OffsetPct:       cfg.StopLoss.OffsetPct,
			TickSize:        cfg.Instrument.TickSize,
			MaxFeedRestarts: cfg.Feed.MaxRestarts,
			RestartBackoff:  cfg.Feed.RestartBackoff,
		},
		Trailing: TrailingParams{
			Interval:   cfg.Trailing.Interval,
			Resolution: cfg.Trailing.Resolution,
			TickSize:   cfg.Instrument.TickSize,
		},
		TrailingStartDelay: cfg.Trailing.StartDelay,
		Windows:            cfg.Trailing.Windows,
		Location:           loc,
		BreakoutDeadline:   bd,
		EndOfDay:           eod,
		FeedRestartBackoff: cfg.Feed.RestartBackoff,
		Thresholds:         pair,
	}, nil
}

// SessionDeps are the collaborators a session talks to.
type SessionDeps struct {
	Feed     Feed
	Broker   execution.Broker
	Store    store.Store
	Notifier notify.Notifier
	Clock    clock.Clock
	// EscalatorClock drives order waits; defaults to Clock.
	EscalatorClock clock.Clock
}

// Session sequences one trading day:
// AwaitingBreakout -> PlacingEntry -> Active -> closed.
type Session struct {
	id     string
	cfg    SessionConfig
	deps   SessionDeps
	clock  clock.Clock
	table  *TierTable
	logger *zap.Logger

	watcher *BreakoutWatcher
	entry   *execution.Escalator
	exit    *execution.Escalator

	mu       sync.RWMutex
	day      string
	state    *store.SessionState
	status   model.SessionStatus
	position *model.Position
	sl       *StopLossMonitor
	trailing *TrailingController
}

// NewSession wires a session; it does not touch the network until Run.
func NewSession(cfg SessionConfig, deps SessionDeps) (*Session, error) {
	if deps.Feed == nil || deps.Broker == nil {
		return nil, errors.New("session: feed and broker are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.EscalatorClock == nil {
		deps.EscalatorClock = deps.Clock
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	table, err := NewTierTable(cfg.Windows, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("session: tier table: %w", err)
	}

	id := uuid.NewString()
	s := &Session{
		id:      id,
		cfg:     cfg,
		deps:    deps,
		clock:   deps.Clock,
		table:   table,
		logger:  service.Named("session").With(zap.String("SessionID", id), zap.String("Symbol", cfg.Symbol)),
		watcher: NewBreakoutWatcher(deps.Feed, cfg.Symbol, deps.Clock),
		entry:   execution.NewEscalator(deps.Broker, cfg.Entry, deps.EscalatorClock, "entry"),
		exit:    execution.NewEscalator(deps.Broker, cfg.Exit, deps.EscalatorClock, "exit"),
	}
	if cfg.Thresholds.Armed() {
		s.watcher.SetThresholds(cfg.Thresholds.High, cfg.Thresholds.Low)
	}
	return s, nil
}

// ID is the random session id used in logs and order tags.
func (s *Session) ID() string { return s.id }

// SetThresholds re-arms the breakout watcher and persists the pair.
func (s *Session) SetThresholds(high, low *float64) bool {
	if !s.watcher.SetThresholds(high, low) {
		return false
	}
	s.mu.RLock()
	st := s.state
	s.mu.RUnlock()
	if st != nil {
		if err := st.SaveThresholds(context.Background(), s.watcher.Thresholds()); err != nil {
			s.logger.Error("Persist thresholds failed", zap.Error(err))
		}
	}
	return true
}

// Snapshot is a consistent read-only view for the ops API.
func (s *Session) Snapshot() model.SessionSnapshot {
	pair := s.watcher.Thresholds()
	snap := model.SessionSnapshot{
		SessionID: s.id,
		Symbol:    s.cfg.Symbol,
		High:      pair.High,
		Low:       pair.Low,
		Breakout:  s.watcher.State(),
	}

	s.mu.RLock()
	snap.TradingDay = s.day
	snap.Status = s.status
	if s.position != nil {
		p := *s.position
		snap.Position = &p
	}
	sl, tr := s.sl, s.trailing
	s.mu.RUnlock()

	if sl != nil && sl.State() != nil {
		snap.StopPrice = sl.State().StopPrice()
	}
	if tr != nil {
		snap.MaxR = tr.MaxR()
	}
	return snap
}

func (s *Session) setStatus(ctx context.Context, status model.SessionStatus) {
	s.mu.Lock()
	s.status = status
	st := s.state
	s.mu.Unlock()

	service.SetSessionStatus(string(status))
	s.logger.Info("Session status", zap.String("Status", string(status)))
	if st != nil {
		// persisted even when ctx was cancelled; the next run reads it
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := st.SaveStatus(pctx, status); err != nil {
			s.logger.Error("Persist status failed", zap.Error(err))
		}
	}
}

func (s *Session) alert(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf("[%s] ", s.cfg.Symbol) + fmt.Sprintf(format, args...)
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.deps.Notifier.Notify(nctx, msg); err != nil {
		s.logger.Error("Notification failed", zap.String("Message", msg), zap.Error(err))
	}
}

// clockDeadline returns a context cancelled with cause DeadlineExceeded
// once clk reaches at.
func clockDeadline(parent context.Context, clk clock.Clock, at time.Time) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	timer := clk.After(at.Sub(clk.Now()))
	go func() {
		select {
		case <-timer:
			cancel(context.DeadlineExceeded)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}

// Run drives the session to a terminal status. It always unsubscribes every
// feed it opened before returning.
func (s *Session) Run(ctx context.Context) model.SessionResult {
	now := s.clock.Now()
	day := now.In(s.cfg.Location).Format(tradingDayLayout)
	st := store.NewSessionState(s.deps.Store, day)

	s.mu.Lock()
	s.day = day
	s.state = st
	s.mu.Unlock()

	if res, done := s.resume(ctx, st); done {
		return res
	}

	// 等待突破
	s.setStatus(ctx, model.StatusAwaitingBreakout)
	deadline := s.cfg.BreakoutDeadline.On(now, s.cfg.Location)
	breakout, err := s.awaitBreakout(ctx, deadline)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.setStatus(ctx, model.StatusNoBreakout)
			s.alert(ctx, "No breakout by %s. Session over.", s.cfg.BreakoutDeadline)
			return s.result(model.StatusNoBreakout, nil)
		}
		s.setStatus(ctx, model.StatusCancelled)
		return s.result(model.StatusCancelled, err)
	}

	// 下单入场
	s.setStatus(ctx, model.StatusPlacingEntry)
	s.alert(ctx, "%s breakout at %.2f. Placing entry.", breakout.Direction, breakout.Price)

	orderCtx := context.WithoutCancel(ctx)
	fill, err := s.entry.Execute(orderCtx, s.cfg.Symbol, breakout.Direction, s.cfg.Qty)
	if err != nil {
		s.setStatus(ctx, model.StatusManual)
		s.alert(ctx, "Order placement failed.\nCheck ASAP or trail manually. (%v)", err)
		res := s.result(model.StatusManual, err)
		res.Side = breakout.Direction
		return res
	}

	position := model.Position{
		Symbol:     s.cfg.Symbol,
		Side:       breakout.Direction,
		Qty:        s.cfg.Qty,
		EntryPrice: breakout.Price,
		FillPrice:  fill.AvgPrice,
		EntryTime:  s.clock.Now(),
		OrderID:    fill.OrderID,
	}
	return s.runActive(ctx, position)
}

// resume refuses to trade twice on the same day after a restart and loads
// persisted thresholds when none were configured.
func (s *Session) resume(ctx context.Context, st *store.SessionState) (model.SessionResult, bool) {
	prev, err := st.LoadStatus(ctx)
	if err != nil {
		s.logger.Warn("Load persisted status failed", zap.Error(err))
	}
	switch {
	case prev.Terminal():
		s.mu.Lock()
		s.status = prev
		s.mu.Unlock()
		s.logger.Info("Session already finished today", zap.String("Status", string(prev)))
		return s.result(prev, nil), true
	case prev == model.StatusPlacingEntry || prev == model.StatusActive:
		s.setStatus(ctx, model.StatusManual)
		s.alert(ctx, "Restarted while %q. Position state unknown, check ASAP.", prev)
		return s.result(model.StatusManual, fmt.Errorf("restarted while %q", prev)), true
	}

	if s.watcher.Status() == WatcherIdle {
		pair, ok, err := st.LoadThresholds(ctx)
		if err != nil {
			s.logger.Warn("Load persisted thresholds failed", zap.Error(err))
		}
		if ok {
			s.watcher.SetThresholds(pair.High, pair.Low)
		}
	} else if err := st.SaveThresholds(ctx, s.watcher.Thresholds()); err != nil {
		s.logger.Warn("Persist thresholds failed", zap.Error(err))
	}
	return model.SessionResult{}, false
}

// awaitBreakout restarts the watcher after feed errors until the deadline.
func (s *Session) awaitBreakout(ctx context.Context, deadline time.Time) (model.BreakoutState, error) {
	wctx, cancel := clockDeadline(ctx, s.clock, deadline)
	defer cancel()
	defer s.watcher.Stop()

	for {
		if err := s.watcher.Start(); err != nil {
			s.logger.Warn("Watcher subscribe failed", zap.Error(err))
		}

		state, err := s.watcher.Wait(wctx)
		if err == nil {
			return state, nil
		}
		if errors.Is(err, ErrFeed) {
			s.logger.Warn("Feed error while awaiting breakout, restarting",
				zap.Duration("Backoff", s.cfg.FeedRestartBackoff), zap.Error(err))
			if clock.Sleep(wctx, s.clock, s.cfg.FeedRestartBackoff) == nil {
				continue
			}
		}
		if ctx.Err() == nil && errors.Is(context.Cause(wctx), context.DeadlineExceeded) {
			return model.BreakoutState{}, context.DeadlineExceeded
		}
		return model.BreakoutState{}, ctx.Err()
	}
}

// runActive guards the position until the stop fires, the day ends, the
// feed is lost or ctx is cancelled.
func (s *Session) runActive(ctx context.Context, position model.Position) model.SessionResult {
	activeCtx, cancelActive := context.WithCancel(ctx)
	defer cancelActive()

	sl := NewStopLossMonitor(s.deps.Feed, s.exit, s.cfg.StopLoss, s.clock)
	state, err := sl.Arm(activeCtx, position)
	if err != nil {
		s.setStatus(ctx, model.StatusManual)
		s.alert(ctx, "Could not arm stop loss: %v. Check ASAP.", err)
		return s.result(model.StatusManual, err)
	}
	defer sl.Stop()

	trailing := NewTrailingController(s.deps.Broker, state, s.table, position, s.cfg.Trailing, s.clock)
	trailing.OnAdvance = func(ctx context.Context, stop float64) {
		if err := s.stateStore().SaveStopPrice(ctx, stop); err != nil {
			s.logger.Error("Persist stop failed", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.position = &position
	s.sl = sl
	s.trailing = trailing
	s.mu.Unlock()

	if err := s.stateStore().SaveStopPrice(ctx, state.StopPrice()); err != nil {
		s.logger.Error("Persist stop failed", zap.Error(err))
	}
	s.setStatus(ctx, model.StatusActive)
	s.alert(ctx, "Entered %s %d @ %.2f (order %s). Stop %.2f.",
		position.Side, position.Qty, position.EntryPrice, position.OrderID, state.StopPrice())

	g, gctx := errgroup.WithContext(activeCtx)
	g.Go(func() error {
		if err := clock.Sleep(gctx, s.clock, s.cfg.TrailingStartDelay); err != nil {
			return nil
		}
		if err := trailing.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	stopTasks := func() {
		cancelActive()
		if err := g.Wait(); err != nil {
			s.logger.Warn("Trailing task ended with error", zap.Error(err))
		}
		sl.Stop()
		state.Deactivate()
	}

	eod := s.cfg.EndOfDay.On(s.clock.Now(), s.cfg.Location)
	eodTimer := s.clock.After(eod.Sub(s.clock.Now()))

	select {
	case <-sl.Done():
		stopTasks()
		return s.finishStop(ctx, sl, position)

	case <-sl.FeedLost():
		stopTasks()
		s.setStatus(ctx, model.StatusManual)
		s.alert(ctx, "Live feed lost with an open %s position. Manual intervention required.", position.Side)
		res := s.result(model.StatusManual, sl.FeedLostErr())
		res.ExitReason = model.ExitReasonFeedLost
		service.MtxExits.WithLabelValues(model.ExitReasonFeedLost).Inc()
		return res

	case <-eodTimer:
		if !state.ClaimExit() {
			// the stop fired in the same instant; let it finish
			<-sl.Done()
			stopTasks()
			return s.finishStop(ctx, sl, position)
		}
		stopTasks()
		return s.timeExit(ctx, position)

	case <-ctx.Done():
		stopTasks()
		if sl.State().ExitExecuted() {
			<-sl.Done()
			return s.finishStop(ctx, sl, position)
		}
		s.setStatus(ctx, model.StatusManual)
		s.alert(ctx, "Session cancelled with an open %s position. Manual intervention required.", position.Side)
		return s.result(model.StatusManual, ctx.Err())
	}
}

func (s *Session) stateStore() *store.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) finishStop(ctx context.Context, sl *StopLossMonitor, position model.Position) model.SessionResult {
	report, _ := sl.Report()
	exitPrice := report.Fill.AvgPrice
	if exitPrice == 0 {
		exitPrice = report.TriggerPrice
	}
	if report.Err != nil {
		s.setStatus(ctx, model.StatusManual)
		s.alert(ctx, "Stop hit at %.2f but exit order failed: %v. Check ASAP.", report.TriggerPrice, report.Err)
		res := s.result(model.StatusManual, report.Err)
		res.ExitReason = model.ExitReasonStop
		return res
	}

	service.MtxExits.WithLabelValues(model.ExitReasonStop).Inc()
	s.setStatus(ctx, model.StatusStoppedOut)
	s.alert(ctx, "Stopped out at %.2f (entry %.2f).", exitPrice, position.EntryPrice)
	res := s.result(model.StatusStoppedOut, nil)
	res.ExitPrice = exitPrice
	res.ExitReason = model.ExitReasonStop
	return res
}

func (s *Session) timeExit(ctx context.Context, position model.Position) model.SessionResult {
	s.logger.Info("End of day, closing position", zap.String("Deadline", s.cfg.EndOfDay.String()))
	fill, err := s.exit.Execute(context.WithoutCancel(ctx), position.Symbol, position.Side.Opposite(), position.Qty)
	if err != nil {
		s.setStatus(ctx, model.StatusManual)
		s.alert(ctx, "End-of-day exit failed: %v. Check ASAP.", err)
		res := s.result(model.StatusManual, err)
		res.ExitReason = model.ExitReasonTime
		return res
	}

	service.MtxExits.WithLabelValues(model.ExitReasonTime).Inc()
	s.setStatus(ctx, model.StatusTimeExit)
	s.alert(ctx, "Time exit at %.2f (entry %.2f).", fill.AvgPrice, position.EntryPrice)
	res := s.result(model.StatusTimeExit, nil)
	res.ExitPrice = fill.AvgPrice
	res.ExitReason = model.ExitReasonTime
	return res
}

func (s *Session) result(status model.SessionStatus, err error) model.SessionResult {
	res := model.SessionResult{Status: status, Symbol: s.cfg.Symbol, Err: err}
	s.mu.RLock()
	if s.position != nil {
		res.Side = s.position.Side
		res.EntryPrice = s.position.EntryPrice
	}
	s.mu.RUnlock()
	return res
}

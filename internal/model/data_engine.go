package model

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"libertyflow/internal/service"
)

// BarAggregator K 线聚合器 (根据 Tick 时间戳聚合特定周期和 Symbol 的 K 线)
type BarAggregator struct {
	mu       sync.Mutex
	Symbol   string        // 所属合约
	Interval string        // 聚合周期，如 "1m", "5m"
	period   time.Duration // Interval 解析后的时长
	current  Bar           // 正在构建的当前 K 线
	history  []Bar         // 已完成的 K 线，按时间升序
	maxBars  int           // history 上限，超出时丢弃最旧的
}

// NewBarAggregator 创建一个新的聚合器
func NewBarAggregator(symbol, interval string, maxBars int) (*BarAggregator, error) {
	period, err := service.ParseIntervalDuration(interval)
	if err != nil {
		return nil, err
	}
	if maxBars <= 0 {
		maxBars = 500
	}
	return &BarAggregator{
		Symbol:   symbol,
		Interval: interval,
		period:   period,
		maxBars:  maxBars,
	}, nil
}

// ProcessTick 负责将 Tick 聚合到当前 K 线。
// Tick 驱动模式：依赖 Tick 的时间戳来判断 K 线是否完成。
func (agg *BarAggregator) ProcessTick(tick PriceTick) {
	if tick.Symbol != agg.Symbol || !tick.Priced() {
		return
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	// 将 Tick 时间戳对齐到 K 线起始时间
	start := tick.Time().Truncate(agg.period)
	price := tick.LastPrice

	switch {
	case agg.current.StartTime.IsZero():
		agg.current = agg.newBar(start, price)
	case start.After(agg.current.StartTime):
		// K 线完成
		agg.history = append(agg.history, agg.current)
		if len(agg.history) > agg.maxBars {
			agg.history = agg.history[len(agg.history)-agg.maxBars:]
		}
		service.Logger.Debug("Bar closed",
			zap.String("Symbol", agg.Symbol),
			zap.String("Interval", agg.Interval),
			zap.Time("Start", agg.current.StartTime),
			zap.Float64("High", agg.current.High),
			zap.Float64("Low", agg.current.Low))
		agg.current = agg.newBar(start, price)
	case start.Before(agg.current.StartTime):
		// 迟到的 Tick，忽略
		return
	default:
		if price > agg.current.High {
			agg.current.High = price
		}
		if price < agg.current.Low {
			agg.current.Low = price
		}
		agg.current.Close = price
	}
}

func (agg *BarAggregator) newBar(start time.Time, price float64) Bar {
	return Bar{
		Symbol:    agg.Symbol,
		Interval:  agg.Interval,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		StartTime: start,
	}
}

// Since returns every bar, including the one still forming, whose period
// ends after t.
func (agg *BarAggregator) Since(t time.Time) []Bar {
	agg.mu.Lock()
	defer agg.mu.Unlock()

	out := make([]Bar, 0, len(agg.history)+1)
	for _, b := range agg.history {
		if b.StartTime.Add(agg.period).After(t) {
			out = append(out, b)
		}
	}
	if !agg.current.StartTime.IsZero() && agg.current.StartTime.Add(agg.period).After(t) {
		out = append(out, agg.current)
	}
	return out
}

package ta

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"libertyflow/internal/model"
)

// ErrNoBars is returned when there is nothing to measure.
var ErrNoBars = errors.New("ta: no bars")

// SeriesData holds the high/low series of the bars seen since entry.
type SeriesData struct {
	Symbol string
	High   []float64
	Low    []float64
	Close  []float64
}

// Extremes returns the highest high and the lowest low of the series.
func (d *SeriesData) Extremes() (hi, lo float64, err error) {
	n := len(d.High)
	if n == 0 || len(d.Low) != n {
		return 0, 0, ErrNoBars
	}
	if n == 1 {
		return d.High[0], d.Low[0], nil
	}
	// MAX/MIN over the whole series: the last output element covers every bar.
	maxResult := talib.Max(d.High, n)
	minResult := talib.Min(d.Low, n)
	return maxResult[n-1], minResult[n-1], nil
}

// ExcursionCalculator turns the bar series since entry into favourable
// excursion and R-multiple numbers for the trailing stop.
type ExcursionCalculator struct {
	mu     sync.RWMutex
	data   *SeriesData
	Logger *zap.Logger
}

// NewExcursionCalculator initializes an empty calculator.
func NewExcursionCalculator(logger *zap.Logger) *ExcursionCalculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExcursionCalculator{Logger: logger}
}

// Load replaces the history with bars. Bars with inverted or non-positive
// ranges are rejected so a bad candle cannot move the stop.
func (ec *ExcursionCalculator) Load(bars []model.Bar) error {
	if len(bars) == 0 {
		return ErrNoBars
	}

	data := &SeriesData{
		Symbol: bars[0].Symbol,
		High:   make([]float64, 0, len(bars)),
		Low:    make([]float64, 0, len(bars)),
		Close:  make([]float64, 0, len(bars)),
	}
	for i, b := range bars {
		if b.High <= 0 || b.Low <= 0 || b.High < b.Low || math.IsNaN(b.High) || math.IsNaN(b.Low) {
			return fmt.Errorf("ta: invalid bar %d (high=%.2f low=%.2f)", i, b.High, b.Low)
		}
		data.High = append(data.High, b.High)
		data.Low = append(data.Low, b.Low)
		data.Close = append(data.Close, b.Close)
	}

	ec.mu.Lock()
	ec.data = data
	ec.mu.Unlock()

	ec.Logger.Debug("Loaded bar series", zap.String("Symbol", data.Symbol), zap.Int("Bars", len(bars)))
	return nil
}

// FavorableExcursion is max(high)-entry for longs and entry-min(low) for
// shorts. It is never negative.
func (ec *ExcursionCalculator) FavorableExcursion(side model.Side, entry float64) (float64, error) {
	ec.mu.RLock()
	data := ec.data
	ec.mu.RUnlock()
	if data == nil {
		return 0, ErrNoBars
	}

	hi, lo, err := data.Extremes()
	if err != nil {
		return 0, err
	}

	var excursion float64
	if side == model.SideBuy {
		excursion = hi - entry
	} else {
		excursion = entry - lo
	}
	return math.Max(excursion, 0), nil
}

// RMultiple divides excursion by the initial risk.
func RMultiple(excursion, initialRisk float64) (float64, error) {
	if initialRisk <= 0 {
		return 0, fmt.Errorf("ta: non-positive initial risk %.4f", initialRisk)
	}
	return excursion / initialRisk, nil
}

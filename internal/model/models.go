package model

import (
	"math"
	"time"
)

// PriceTick is the smallest unit of market data delivered by the live feed.
// It is never persisted.
type PriceTick struct {
	Symbol    string  // instrument, e.g. "NSE:BANKNIFTY25JUNFUT"
	LastPrice float64 // last traded price
	Bid       float64 // best bid (0 when the feed does not carry depth)
	Ask       float64 // best ask (0 when the feed does not carry depth)
	Timestamp int64   // milliseconds since epoch
}

// Time returns the tick timestamp as time.Time.
func (t PriceTick) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// Priced reports whether LastPrice is a positive finite number.
func (t PriceTick) Priced() bool {
	return t.LastPrice > 0 && !math.IsInf(t.LastPrice, 0)
}

// Quote is a point-in-time snapshot used to price orders.
type Quote struct {
	LastPrice float64
	Bid       float64
	Ask       float64
}

// Bar is one intraday OHLC candle.
type Bar struct {
	Symbol    string // instrument
	Interval  string // resolution, e.g. "1m", "5m"
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	StartTime time.Time
}

// Side is the direction of a breakout, an order or a position.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

func (s Side) String() string {
	return string(s)
}

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for Buy and -1 for Sell; it turns favourable moves into positive numbers.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ThresholdPair holds the swing levels the breakout watcher is armed with.
// Either side may be missing.
type ThresholdPair struct {
	High *float64
	Low  *float64
}

// Armed reports whether at least one threshold is set.
func (p ThresholdPair) Armed() bool {
	return p.High != nil || p.Low != nil
}

// Price returns a pointer to a copy of v; handy for building a ThresholdPair.
func Price(v float64) *float64 {
	return &v
}

// BreakoutState is written once, by the tick that wins the crossing.
type BreakoutState struct {
	Triggered bool
	Direction Side
	Price     float64
	At        time.Time
}

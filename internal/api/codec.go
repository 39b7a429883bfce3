package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"libertyflow/internal/model"
	"libertyflow/internal/service"
)

// ErrMalformed is returned for frames that fail boundary validation.
var ErrMalformed = errors.New("malformed feed frame")

// Frame types on the feed socket.
const (
	frameTick        = "sf"
	frameOrderUpdate = "ou"
	frameError       = "error"
)

// wireFrame 是推送行情的通用响应结构；数值字段可能是数字或字符串
type wireFrame struct {
	Type    string          `json:"type"`
	Symbol  string          `json:"symbol"`
	LTP     json.RawMessage `json:"ltp"`
	Bid     json.RawMessage `json:"bid"`
	Ask     json.RawMessage `json:"ask"`
	TS      json.RawMessage `json:"ts"`
	ID      string          `json:"id"`
	Status  *int            `json:"status"`
	Message string          `json:"message"`
}

// DecodeFeedMessage validates one raw frame and returns it as a tagged
// FeedMessage. Ticks need symbol and a positive ltp; order updates need id and
// status. Unknown types are rejected.
func DecodeFeedMessage(raw []byte) (model.FeedMessage, error) {
	var f wireFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return model.FeedMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch f.Type {
	case frameTick:
		if f.Symbol == "" {
			return model.FeedMessage{}, fmt.Errorf("%w: tick without symbol", ErrMalformed)
		}
		ltp, ok, err := number(f.LTP)
		if err != nil || !ok || ltp <= 0 {
			return model.FeedMessage{}, fmt.Errorf("%w: tick %s without valid ltp", ErrMalformed, f.Symbol)
		}
		bid, _, err := number(f.Bid)
		if err != nil {
			return model.FeedMessage{}, fmt.Errorf("%w: bid: %v", ErrMalformed, err)
		}
		ask, _, err := number(f.Ask)
		if err != nil {
			return model.FeedMessage{}, fmt.Errorf("%w: ask: %v", ErrMalformed, err)
		}
		ts, _, err := number(f.TS)
		if err != nil {
			return model.FeedMessage{}, fmt.Errorf("%w: ts: %v", ErrMalformed, err)
		}
		return model.FeedMessage{
			Kind: model.FeedTick,
			Tick: model.PriceTick{
				Symbol:    f.Symbol,
				LastPrice: ltp,
				Bid:       bid,
				Ask:       ask,
				Timestamp: toMillis(ts),
			},
		}, nil

	case frameOrderUpdate:
		if f.ID == "" || f.Status == nil {
			return model.FeedMessage{}, fmt.Errorf("%w: order update needs id and status", ErrMalformed)
		}
		return model.FeedMessage{
			Kind:  model.FeedOrderUpdate,
			Order: model.OrderUpdate{OrderID: f.ID, Status: *f.Status},
		}, nil

	case frameError:
		msg := f.Message
		if msg == "" {
			msg = "feed error"
		}
		return model.FeedMessage{Kind: model.FeedError, Error: msg}, nil
	}

	return model.FeedMessage{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, f.Type)
}

// number decodes a JSON number or numeric string. ok is false when absent.
func number(raw json.RawMessage) (v float64, ok bool, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false, err
		}
		if s == "" {
			return 0, false, nil
		}
		v, err = service.StringToFloat(s)
		if err != nil {
			return 0, false, err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false, fmt.Errorf("non-finite value %q", s)
		}
		return v, true, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// toMillis accepts epoch seconds or milliseconds.
func toMillis(ts float64) int64 {
	if ts <= 0 {
		return 0
	}
	if ts < 1e12 {
		return int64(ts * 1000)
	}
	return int64(ts)
}

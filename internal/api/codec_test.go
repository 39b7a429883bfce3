package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libertyflow/internal/model"
)

func TestDecodeFeedMessage_Tick(t *testing.T) {
	msg, err := DecodeFeedMessage([]byte(`{"type":"sf","symbol":"NSE:NIFTY25JUNFUT","ltp":23851.5,"bid":"23851","ask":23852,"ts":1748850000}`))
	require.NoError(t, err)
	assert.Equal(t, model.FeedTick, msg.Kind)
	assert.Equal(t, model.PriceTick{
		Symbol:    "NSE:NIFTY25JUNFUT",
		LastPrice: 23851.5,
		Bid:       23851,
		Ask:       23852,
		Timestamp: 1748850000000,
	}, msg.Tick)

	msg, err = DecodeFeedMessage([]byte(`{"type":"sf","symbol":"X","ltp":"101.25","ts":1748850000123}`))
	require.NoError(t, err)
	assert.Equal(t, 101.25, msg.Tick.LastPrice)
	assert.Zero(t, msg.Tick.Bid)
	assert.Equal(t, int64(1748850000123), msg.Tick.Timestamp)
}

func TestDecodeFeedMessage_OrderUpdateAndError(t *testing.T) {
	msg, err := DecodeFeedMessage([]byte(`{"type":"ou","id":"250602000123","status":2}`))
	require.NoError(t, err)
	assert.Equal(t, model.FeedOrderUpdate, msg.Kind)
	assert.Equal(t, model.OrderUpdate{OrderID: "250602000123", Status: model.OrderStatusFilled}, msg.Order)

	msg, err = DecodeFeedMessage([]byte(`{"type":"error","message":"token expired"}`))
	require.NoError(t, err)
	assert.Equal(t, model.FeedError, msg.Kind)
	assert.Equal(t, "token expired", msg.Error)
}

func TestDecodeFeedMessage_RejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"type":"sf","ltp":100}`,
		`{"type":"sf","symbol":"X"}`,
		`{"type":"sf","symbol":"X","ltp":0}`,
		`{"type":"sf","symbol":"X","ltp":"abc"}`,
		`{"type":"sf","symbol":"X","ltp":"Infinity"}`,
		`{"type":"sf","symbol":"X","ltp":"+Inf"}`,
		`{"type":"sf","symbol":"X","ltp":"NaN"}`,
		`{"type":"sf","symbol":"X","ltp":100,"ask":"-Infinity"}`,
		`{"type":"sf","symbol":"X","ltp":100,"bid":"n/a"}`,
		`{"type":"ou","id":"1"}`,
		`{"type":"ou","status":2}`,
		`{"type":"cn","message":"connected"}`,
		`{}`,
	} {
		_, err := DecodeFeedMessage([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, raw)
	}
}

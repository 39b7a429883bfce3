package strategy

import (
	"errors"

	"libertyflow/internal/model"
)

var (
	// ErrFeed means the live feed died; it is never fatal on its own.
	ErrFeed = errors.New("feed error")
	// ErrCompute marks a skipped trailing cycle (missing or bad bar data).
	ErrCompute = errors.New("trailing compute error")
)

// Feed is the live tick source. Subscribe must not block on the read loop;
// onError is called at most once per subscription.
type Feed interface {
	Subscribe(symbol string, onTick func(model.PriceTick), onError func(error)) (model.Subscription, error)
}

// tapFeed 在把 Tick 交给订阅者之前先转发给 tap (例如模拟撮合)
type tapFeed struct {
	Feed
	tap func(model.PriceTick)
}

// WithTap returns a Feed that hands every tick to tap before onTick.
func WithTap(f Feed, tap func(model.PriceTick)) Feed {
	return &tapFeed{Feed: f, tap: tap}
}

func (f *tapFeed) Subscribe(symbol string, onTick func(model.PriceTick), onError func(error)) (model.Subscription, error) {
	return f.Feed.Subscribe(symbol, func(t model.PriceTick) {
		f.tap(t)
		if onTick != nil {
			onTick(t)
		}
	}, onError)
}

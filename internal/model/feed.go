package model

// FeedKind tags the variant carried by a FeedMessage.
type FeedKind int

const (
	FeedTick FeedKind = iota + 1
	FeedOrderUpdate
	FeedError
)

func (k FeedKind) String() string {
	switch k {
	case FeedTick:
		return "tick"
	case FeedOrderUpdate:
		return "order_update"
	case FeedError:
		return "error"
	}
	return "unknown"
}

// OrderUpdate is an asynchronous order-state push from the feed.
type OrderUpdate struct {
	OrderID string
	Status  int
}

// FeedMessage is a decoded frame from the live feed. Exactly one of Tick,
// Order or Error is meaningful, selected by Kind.
type FeedMessage struct {
	Kind  FeedKind
	Tick  PriceTick
	Order OrderUpdate
	Error string
}

// Subscription is a live feed subscription. Unsubscribe is best-effort and
// does not wait for the reader goroutine to exit.
type Subscription interface {
	Unsubscribe()
}

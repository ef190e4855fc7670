package stream

import (
	"fmt"
	"sync"

	"marketstream/logger"
	"marketstream/models"
)

// category is the event kind a subscription listens for.
type category int

const (
	catBars category = iota
	catQuotes
	catTrades
)

func (c category) String() string {
	switch c {
	case catQuotes:
		return "quotes"
	case catTrades:
		return "trades"
	default:
		return "bars"
	}
}

// subscription is one interested party's registration for one symbol and
// one event category. Exactly one handler field is set, matching cat.
type subscription struct {
	id     string
	symbol string
	class  AssetClass
	cat    category

	onBar   BarHandler
	onQuote QuoteHandler
	onTrade TradeHandler
}

// registry maps symbols to their live subscriptions. Both connections'
// read loops and public subscribe calls mutate it concurrently, so every
// access goes through the mutex. A symbol key exists iff at least one
// live subscription references it.
type registry struct {
	mu       sync.Mutex
	bySymbol map[string][]*subscription
	log      *logger.Entry
}

func newRegistry(log *logger.Entry) *registry {
	return &registry{
		bySymbol: make(map[string][]*subscription),
		log:      log,
	}
}

func (r *registry) add(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySymbol[sub.symbol] = append(r.bySymbol[sub.symbol], sub)
}

// remove deletes the subscription with the given id. It reports the
// removed subscription and whether its symbol entry became empty. An
// unknown id returns (nil, false): removal is idempotent.
func (r *registry) remove(id string) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for symbol, subs := range r.bySymbol {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			subs = append(subs[:i], subs[i+1:]...)
			if len(subs) == 0 {
				delete(r.bySymbol, symbol)
				return sub, true
			}
			r.bySymbol[symbol] = subs
			return sub, false
		}
	}
	return nil, false
}

// dispatch routes one data message to every matching subscriber for its
// symbol, in registration order. The subscriber list is snapshotted so a
// callback may subscribe or unsubscribe without deadlocking.
func (r *registry) dispatch(msg models.InboundMessage) {
	symbol := msg.Symbol()
	r.mu.Lock()
	subs := make([]*subscription, len(r.bySymbol[symbol]))
	copy(subs, r.bySymbol[symbol])
	r.mu.Unlock()

	for _, sub := range subs {
		r.invoke(sub, msg)
	}
	if len(subs) > 0 {
		logger.IncrementDispatch(len(subs))
	}
}

// invoke runs one callback, isolating panics so a misbehaving subscriber
// cannot stop dispatch to the others.
func (r *registry) invoke(sub *subscription, msg models.InboundMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithFields(logger.Fields{
				"subscription_id": sub.id,
				"symbol":          sub.symbol,
				"category":        sub.cat.String(),
				"panic":           fmt.Sprint(rec),
			}).Error("subscriber callback panicked")
		}
	}()

	switch {
	case msg.Type == models.MsgTypeBar && sub.cat == catBars:
		sub.onBar(*msg.Bar)
	case msg.Type == models.MsgTypeQuote && sub.cat == catQuotes:
		sub.onQuote(*msg.Quote)
	case msg.Type == models.MsgTypeTrade && sub.cat == catTrades:
		sub.onTrade(*msg.Trade)
	}
}

// wantedFor rebuilds the batched subscribe request covering every live
// subscription owned by the given connection. Used to re-populate a
// connection's pending queue after its transport drops.
func (r *registry) wantedFor(class AssetClass) models.SubscribeRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var req models.SubscribeRequest
	for symbol, subs := range r.bySymbol {
		if len(subs) == 0 || subs[0].class != class {
			continue
		}
		for _, sub := range subs {
			switch sub.cat {
			case catBars:
				req.Bars = appendUnique(req.Bars, symbol)
			case catQuotes:
				req.Quotes = appendUnique(req.Quotes, symbol)
			case catTrades:
				req.Trades = appendUnique(req.Trades, symbol)
			}
		}
	}
	return req
}

// requestFor builds a subscribe or unsubscribe request naming the given
// symbol under every category it currently has live subscriptions for.
func (r *registry) requestFor(action, symbol string) models.SubscribeRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	req := models.SubscribeRequest{Action: action}
	for _, sub := range r.bySymbol[symbol] {
		switch sub.cat {
		case catBars:
			req.Bars = appendUnique(req.Bars, symbol)
		case catQuotes:
			req.Quotes = appendUnique(req.Quotes, symbol)
		case catTrades:
			req.Trades = appendUnique(req.Trades, symbol)
		}
	}
	return req
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, subs := range r.bySymbol {
		n += len(subs)
	}
	return n
}

func (r *registry) symbolCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySymbol)
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySymbol = make(map[string][]*subscription)
}

func appendUnique(list []string, symbol string) []string {
	for _, s := range list {
		if s == symbol {
			return list
		}
	}
	return append(list, symbol)
}

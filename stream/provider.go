package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"marketstream/logger"
	"marketstream/models"
)

// Status is the connection state reported to the status callback. These
// four values are the only ones ever delivered.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// Handlers receive dispatched market data events. They run on the owning
// connection's read loop, so they must not block.
type (
	BarHandler   func(models.Bar)
	QuoteHandler func(models.Quote)
	TradeHandler func(models.Trade)
)

// StatusHandler receives connection status transitions.
type StatusHandler func(Status)

// Config holds everything a Provider needs. Zero durations and counts
// fall back to the defaults below.
type Config struct {
	StocksURL string
	CryptoURL string
	Key       string
	Secret    string

	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int
	RefreshDelay         time.Duration
	PingInterval         time.Duration
	DialTimeout          time.Duration

	// Outbound subscribe/unsubscribe writes per second per connection.
	SubscribeRate  float64
	SubscribeBurst int
}

const (
	defaultReconnectBase = time.Second
	defaultReconnectMax  = 30 * time.Second
	defaultMaxAttempts   = 10
	defaultRefreshDelay  = 500 * time.Millisecond
	defaultPingInterval  = 20 * time.Second
	defaultDialTimeout   = 10 * time.Second
	defaultSubRate       = 10
	defaultSubBurst      = 5
)

func (cfg Config) withDefaults() Config {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxAttempts
	}
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = defaultRefreshDelay
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.SubscribeRate <= 0 {
		cfg.SubscribeRate = defaultSubRate
	}
	if cfg.SubscribeBurst <= 0 {
		cfg.SubscribeBurst = defaultSubBurst
	}
	return cfg
}

// ConnStatus reports per-connection authentication state.
type ConnStatus struct {
	Stocks bool `json:"stocks"`
	Crypto bool `json:"crypto"`
}

// Provider multiplexes two authenticated streaming connections (stocks,
// crypto) onto per-symbol subscriber callbacks. It is safe for
// concurrent use.
type Provider struct {
	cfg    Config
	log    *logger.Entry
	reg    *registry
	stocks *conn
	crypto *conn

	statusMu sync.RWMutex
	statusCb StatusHandler
}

// New creates a Provider. Connections are not opened until Connect.
func New(cfg Config) *Provider {
	cfg = cfg.withDefaults()
	log := logger.GetLogger().WithComponent("stream")

	p := &Provider{
		cfg: cfg,
		log: log,
		reg: newRegistry(log),
	}
	p.stocks = p.newConn(AssetClassStock, cfg.StocksURL)
	p.crypto = p.newConn(AssetClassCrypto, cfg.CryptoURL)
	return p
}

func (p *Provider) newConn(class AssetClass, url string) *conn {
	return &conn{
		class:        class,
		url:          url,
		key:          p.cfg.Key,
		secret:       p.cfg.Secret,
		dial:         dialWebsocket,
		maxAttempts:  p.cfg.MaxReconnectAttempts,
		pingInterval: p.cfg.PingInterval,
		dialTimeout:  p.cfg.DialTimeout,
		log:          p.log.WithFields(logger.Fields{"asset_class": class.String()}),
		onStatus:     p.notify,
		onEvent:      p.reg.dispatch,
		onDown:       p.repopulate,
		limiter:      rate.NewLimiter(rate.Limit(p.cfg.SubscribeRate), p.cfg.SubscribeBurst),
		bo: &backoff.Backoff{
			Min:    p.cfg.ReconnectBase,
			Max:    p.cfg.ReconnectMax,
			Factor: 2,
		},
	}
}

// Connect opens both connections concurrently and returns once both have
// authenticated. A transport failure before the first authentication of
// either connection is returned as an error; afterwards recovery is
// automatic. Calling Connect while a connection is already running is a
// no-op for that connection.
func (p *Provider) Connect(ctx context.Context) error {
	errs := make(chan error, 2)
	for _, c := range []*conn{p.stocks, p.crypto} {
		go func(c *conn) {
			errs <- c.connect(ctx)
		}(c)
	}

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("connect streams: %w", firstErr)
	}
	return nil
}

// Disconnect closes both transports, clears the registry and pending
// queues, and emits a final disconnected status. No dispatches occur
// after Disconnect returns until Connect is called again.
func (p *Provider) Disconnect() {
	p.reg.clear()
	p.stocks.disconnect()
	p.crypto.disconnect()
	p.notify(StatusDisconnected)
	p.log.Info("stream provider disconnected")
}

// SubscribeBars registers fn for bar events on symbol and returns the
// subscription id used for cancellation.
func (p *Provider) SubscribeBars(symbol string, fn BarHandler) string {
	return p.subscribe(&subscription{symbol: symbol, cat: catBars, onBar: fn})
}

// SubscribeQuotes registers fn for quote events on symbol.
func (p *Provider) SubscribeQuotes(symbol string, fn QuoteHandler) string {
	return p.subscribe(&subscription{symbol: symbol, cat: catQuotes, onQuote: fn})
}

// SubscribeTrades registers fn for trade events on symbol.
func (p *Provider) SubscribeTrades(symbol string, fn TradeHandler) string {
	return p.subscribe(&subscription{symbol: symbol, cat: catTrades, onTrade: fn})
}

func (p *Provider) subscribe(sub *subscription) string {
	sub.id = uuid.New().String()
	sub.class = Classify(sub.symbol)
	p.reg.add(sub)

	c := p.connFor(sub.class)
	if !c.authenticated() {
		c.enqueue(sub.cat, sub.symbol)
		return sub.id
	}

	req := models.SubscribeRequest{Action: "subscribe"}
	switch sub.cat {
	case catBars:
		req.Bars = []string{sub.symbol}
	case catQuotes:
		req.Quotes = []string{sub.symbol}
	case catTrades:
		req.Trades = []string{sub.symbol}
	}
	if err := c.send(req); err != nil {
		// The transport dropped between the auth check and the write. The
		// re-populated pending queue will pick the symbol up on re-auth.
		p.log.WithError(err).WithFields(logger.Fields{"symbol": sub.symbol}).Warn("subscribe request not sent")
		c.enqueue(sub.cat, sub.symbol)
	}
	return sub.id
}

// Unsubscribe cancels the subscription with the given id. The registry
// entry is removed synchronously; when the last subscription for a
// symbol goes away an unsubscribe request is sent to its connection.
// Unknown ids are a silent no-op.
func (p *Provider) Unsubscribe(id string) {
	sub, emptied := p.reg.remove(id)
	if sub == nil || !emptied {
		return
	}

	c := p.connFor(sub.class)
	if !c.authenticated() {
		return
	}
	req := models.SubscribeRequest{
		Action: "unsubscribe",
		Bars:   []string{sub.symbol},
		Quotes: []string{sub.symbol},
		Trades: []string{sub.symbol},
	}
	if err := c.send(req); err != nil {
		p.log.WithError(err).WithFields(logger.Fields{"symbol": sub.symbol}).Warn("unsubscribe request not sent")
	}
}

// ForceRefresh re-requests the data stream for a symbol by unsubscribing
// and, after a short delay, re-subscribing at the connection level. The
// registry is not touched, so existing subscriptions keep their ids.
func (p *Provider) ForceRefresh(symbol string) {
	c := p.connFor(Classify(symbol))
	if !c.authenticated() {
		return
	}

	unsub := p.reg.requestFor("unsubscribe", symbol)
	if unsub.Empty() {
		return
	}
	if err := c.send(unsub); err != nil {
		p.log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("refresh unsubscribe not sent")
		return
	}

	time.AfterFunc(p.cfg.RefreshDelay, func() {
		if !c.authenticated() {
			return
		}
		resub := p.reg.requestFor("subscribe", symbol)
		if resub.Empty() {
			return
		}
		if err := c.send(resub); err != nil {
			p.log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("refresh resubscribe not sent")
		}
	})
}

// Status reports the authentication state of both connections.
func (p *Provider) Status() ConnStatus {
	return ConnStatus{
		Stocks: p.stocks.authenticated(),
		Crypto: p.crypto.authenticated(),
	}
}

// SubscriptionCount reports the number of live subscriptions.
func (p *Provider) SubscriptionCount() int {
	return p.reg.count()
}

// SymbolCount reports the number of symbols with at least one live
// subscription.
func (p *Provider) SymbolCount() int {
	return p.reg.symbolCount()
}

// SetStatusCallback registers the single callback that receives status
// transitions. Passing nil removes it.
func (p *Provider) SetStatusCallback(fn StatusHandler) {
	p.statusMu.Lock()
	p.statusCb = fn
	p.statusMu.Unlock()
}

func (p *Provider) notify(s Status) {
	p.statusMu.RLock()
	fn := p.statusCb
	p.statusMu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

func (p *Provider) connFor(class AssetClass) *conn {
	if class == AssetClassCrypto {
		return p.crypto
	}
	return p.stocks
}

// repopulate refills a connection's pending queue from the registry
// after its transport drops, so re-authentication re-subscribes every
// symbol that still has live subscribers.
func (p *Provider) repopulate(c *conn) {
	c.resetPending(p.reg.wantedFor(c.class))
}

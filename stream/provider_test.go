package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"marketstream/models"
)

func testConfig() Config {
	return Config{
		StocksURL:    "ws://fake/v2/stocks",
		CryptoURL:    "ws://fake/v1beta3/crypto",
		Key:          "test-key",
		Secret:       "test-secret",
		RefreshDelay: 20 * time.Millisecond,
	}
}

// newTestProvider builds a Provider whose connections dial fresh
// auto-authenticating fake transports. The returned function reports the
// transports dialed so far for a class.
func newTestProvider(t *testing.T) (*Provider, func(AssetClass) []*fakeTransport) {
	t.Helper()

	p := New(testConfig())

	var mu sync.Mutex
	dialed := map[AssetClass][]*fakeTransport{}
	dialFor := func(class AssetClass) dialFunc {
		return func(ctx context.Context, url string) (transport, error) {
			ft := newFakeTransport(true)
			mu.Lock()
			dialed[class] = append(dialed[class], ft)
			mu.Unlock()
			return ft, nil
		}
	}
	p.stocks.dial = dialFor(AssetClassStock)
	p.crypto.dial = dialFor(AssetClassCrypto)

	// Shrink the backoff so reconnect paths stay fast under test.
	p.stocks.bo.Min, p.stocks.bo.Max = time.Millisecond, 5*time.Millisecond
	p.crypto.bo.Min, p.crypto.bo.Max = time.Millisecond, 5*time.Millisecond

	return p, func(class AssetClass) []*fakeTransport {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*fakeTransport, len(dialed[class]))
		copy(out, dialed[class])
		return out
	}
}

func TestSubscribeBeforeConnectQueues(t *testing.T) {
	p, dialed := newTestProvider(t)
	defer p.Disconnect()

	id := p.SubscribeBars("AAPL", func(models.Bar) {})
	if id == "" {
		t.Fatal("subscription id is empty")
	}
	p.SubscribeQuotes("BTC/USD", func(models.Quote) {})

	if p.SubscriptionCount() != 2 {
		t.Fatalf("SubscriptionCount = %d, want 2", p.SubscriptionCount())
	}

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	stocks := dialed(AssetClassStock)
	if len(stocks) != 1 {
		t.Fatalf("stocks dialed %d times, want 1", len(stocks))
	}
	reqs := stocks[0].subscribeWrites()
	if len(reqs) != 1 || len(reqs[0].Bars) != 1 || reqs[0].Bars[0] != "AAPL" {
		t.Fatalf("stock subscribe writes = %+v, want one request for AAPL bars", reqs)
	}

	crypto := dialed(AssetClassCrypto)
	reqs = crypto[0].subscribeWrites()
	if len(reqs) != 1 || len(reqs[0].Quotes) != 1 || reqs[0].Quotes[0] != "BTC/USD" {
		t.Fatalf("crypto subscribe writes = %+v, want one request for BTC/USD quotes", reqs)
	}
}

func TestSubscribeAfterConnectSendsImmediately(t *testing.T) {
	p, dialed := newTestProvider(t)
	defer p.Disconnect()

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	p.SubscribeTrades("MSFT", func(models.Trade) {})

	ft := dialed(AssetClassStock)[0]
	waitFor(t, time.Second, "subscribe write", func() bool {
		return len(ft.subscribeWrites()) == 1
	})
	req := ft.subscribeWrites()[0]
	if req.Action != "subscribe" || len(req.Trades) != 1 || req.Trades[0] != "MSFT" {
		t.Fatalf("subscribe request = %+v", req)
	}
}

func TestUnsubscribeLastSubscriberSendsUnsubscribe(t *testing.T) {
	p, dialed := newTestProvider(t)
	defer p.Disconnect()

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	id1 := p.SubscribeBars("AAPL", func(models.Bar) {})
	id2 := p.SubscribeBars("AAPL", func(models.Bar) {})

	ft := dialed(AssetClassStock)[0]
	waitFor(t, time.Second, "subscribe writes", func() bool {
		return len(ft.subscribeWrites()) == 2
	})

	// First unsubscribe leaves a live subscriber, so nothing goes out.
	p.Unsubscribe(id1)
	if got := len(ft.subscribeWrites()); got != 2 {
		t.Fatalf("unsubscribe sent with subscribers remaining, %d writes", got)
	}

	p.Unsubscribe(id2)
	waitFor(t, time.Second, "unsubscribe write", func() bool {
		reqs := ft.subscribeWrites()
		return len(reqs) == 3 && reqs[2].Action == "unsubscribe"
	})
	if p.SubscriptionCount() != 0 || p.SymbolCount() != 0 {
		t.Fatalf("registry not empty: %d subs, %d symbols", p.SubscriptionCount(), p.SymbolCount())
	}

	// Unknown ids are a silent no-op.
	p.Unsubscribe("nope")
}

func TestEventsReachSubscribers(t *testing.T) {
	p, dialed := newTestProvider(t)
	defer p.Disconnect()

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var mu sync.Mutex
	var bars []models.Bar
	p.SubscribeBars("AAPL", func(b models.Bar) {
		mu.Lock()
		bars = append(bars, b)
		mu.Unlock()
	})

	dialed(AssetClassStock)[0].push(`[{"T":"b","S":"AAPL","o":189.5,"h":190.2,"l":189.1,"c":190.0,"v":120432,"t":1718029500000}]`)

	waitFor(t, time.Second, "bar delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bars) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if bars[0].Symbol != "AAPL" || bars[0].Close != 190.0 {
		t.Fatalf("unexpected bar: %+v", bars[0])
	}
}

func TestReconnectResubscribesRegistrySymbols(t *testing.T) {
	p, dialed := newTestProvider(t)
	defer p.Disconnect()

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p.SubscribeBars("AAPL", func(models.Bar) {})
	p.SubscribeQuotes("AAPL", func(models.Quote) {})

	first := dialed(AssetClassStock)[0]
	waitFor(t, time.Second, "initial subscribes", func() bool {
		return len(first.subscribeWrites()) == 2
	})

	first.Close()

	waitFor(t, 2*time.Second, "redial", func() bool {
		return len(dialed(AssetClassStock)) >= 2
	})
	second := dialed(AssetClassStock)[1]
	waitFor(t, time.Second, "resubscribe", func() bool {
		return len(second.subscribeWrites()) == 1
	})
	req := second.subscribeWrites()[0]
	if len(req.Bars) != 1 || req.Bars[0] != "AAPL" || len(req.Quotes) != 1 || req.Quotes[0] != "AAPL" {
		t.Fatalf("resubscribe request = %+v, want AAPL bars and quotes", req)
	}
}

func TestForceRefresh(t *testing.T) {
	p, dialed := newTestProvider(t)
	defer p.Disconnect()

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	id := p.SubscribeBars("AAPL", func(models.Bar) {})

	ft := dialed(AssetClassStock)[0]
	waitFor(t, time.Second, "initial subscribe", func() bool {
		return len(ft.subscribeWrites()) == 1
	})

	p.ForceRefresh("AAPL")

	waitFor(t, time.Second, "refresh round trip", func() bool {
		reqs := ft.subscribeWrites()
		return len(reqs) == 3
	})
	reqs := ft.subscribeWrites()
	if reqs[1].Action != "unsubscribe" || len(reqs[1].Bars) != 1 {
		t.Fatalf("refresh unsubscribe = %+v", reqs[1])
	}
	if reqs[2].Action != "subscribe" || len(reqs[2].Bars) != 1 {
		t.Fatalf("refresh resubscribe = %+v", reqs[2])
	}

	// The registry keeps the existing subscription and its id.
	if p.SubscriptionCount() != 1 {
		t.Fatalf("SubscriptionCount = %d after refresh, want 1", p.SubscriptionCount())
	}
	p.Unsubscribe(id)
}

func TestForceRefreshUnknownSymbolIsNoop(t *testing.T) {
	p, dialed := newTestProvider(t)
	defer p.Disconnect()

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	p.ForceRefresh("UNKNOWN")
	time.Sleep(50 * time.Millisecond)
	if got := len(dialed(AssetClassStock)[0].subscribeWrites()); got != 0 {
		t.Fatalf("refresh of unknown symbol produced %d writes", got)
	}
}

func TestStatusReportsBothConnections(t *testing.T) {
	p, _ := newTestProvider(t)
	defer p.Disconnect()

	if s := p.Status(); s.Stocks || s.Crypto {
		t.Fatalf("status before connect = %+v, want both false", s)
	}
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s := p.Status(); !s.Stocks || !s.Crypto {
		t.Fatalf("status after connect = %+v, want both true", s)
	}

	p.Disconnect()
	if s := p.Status(); s.Stocks || s.Crypto {
		t.Fatalf("status after disconnect = %+v, want both false", s)
	}
}

func TestStatusCallbackDelivery(t *testing.T) {
	p, _ := newTestProvider(t)
	sr := &statusRecorder{}
	p.SetStatusCallback(sr.record)

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := sr.count(StatusConnected); got != 2 {
		t.Fatalf("connected emitted %d times, want once per connection", got)
	}

	p.Disconnect()
	waitFor(t, time.Second, "disconnected status", func() bool {
		return sr.has(StatusDisconnected)
	})
}

func TestSingletonLifecycle(t *testing.T) {
	defer Reset()

	if Get() != nil {
		t.Fatal("Get returned a provider before Init")
	}

	p := Init(testConfig())
	if p == nil {
		t.Fatal("Init returned nil")
	}
	if Get() != p {
		t.Fatal("Get returned a different provider than Init")
	}

	p2 := Init(testConfig())
	if p2 == p {
		t.Fatal("second Init did not replace the instance")
	}
	if Get() != p2 {
		t.Fatal("Get does not track the replacement instance")
	}

	Reset()
	if Get() != nil {
		t.Fatal("Get returned a provider after Reset")
	}
}

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"marketstream/logger"
	"marketstream/models"
)

var (
	errNotConnected = errors.New("stream not connected")
	errConnClosed   = errors.New("stream connection closed")
)

// conn maintains one authenticated streaming connection for a single
// asset class. It owns the dial/auth/read cycle, the per-connection
// pending subscription queue, and the reconnect backoff state. The two
// asset classes run independent conns that never share reconnect state.
type conn struct {
	class        AssetClass
	url          string
	key          string
	secret       string
	dial         dialFunc
	maxAttempts  int
	pingInterval time.Duration
	dialTimeout  time.Duration
	log          *logger.Entry

	onStatus func(Status)
	onEvent  func(models.InboundMessage)
	onDown   func(*conn)

	limiter *rate.Limiter
	bo      *backoff.Backoff

	// writeMu serialises WriteJSON calls; gorilla connections allow only
	// one concurrent writer.
	writeMu sync.Mutex

	mu       sync.Mutex
	ws       transport
	authed   bool
	running  bool
	closed   bool
	attempts int
	pending  models.SubscribeRequest
	ready    chan error
	closeCh  chan struct{}
	runCtx   context.Context
}

// connect starts the dial/auth/read cycle and blocks until the first
// authentication completes or fails. Calling it while the connection is
// already running is a no-op.
func (c *conn) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.closed = false
	c.attempts = 0
	c.ready = make(chan error, 1)
	c.closeCh = make(chan struct{})
	c.runCtx = ctx
	ready := c.ready
	c.mu.Unlock()

	c.bo.Reset()

	go c.run(ctx)

	select {
	case err := <-ready:
		if err != nil {
			return fmt.Errorf("%s stream: %w", c.class, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// disconnect tears the connection down and prevents further reconnect
// attempts until connect is called again.
func (c *conn) disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.authed = false
	c.pending = models.SubscribeRequest{}
	ws := c.ws
	c.ws = nil
	if c.closeCh != nil {
		close(c.closeCh)
	}
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
}

func (c *conn) run(ctx context.Context) {
	for {
		err := c.session(ctx)

		c.setAuthed(false)
		if c.onDown != nil {
			c.onDown(c)
		}

		if c.isClosed() || ctx.Err() != nil {
			c.reportReady(errConnClosed)
			c.stop()
			return
		}

		if err != nil {
			c.log.WithError(err).Warn("stream session ended")
		}

		if c.initialPending() {
			// The very first connect attempt never authenticated. Surface
			// the failure to the caller instead of retrying.
			if err == nil {
				err = errors.New("transport closed before authentication")
			}
			c.reportReady(err)
			c.stop()
			return
		}

		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()

		if attempts > c.maxAttempts {
			c.log.WithFields(logger.Fields{"attempts": attempts - 1}).Error("reconnect attempts exhausted, giving up")
			c.emit(StatusDisconnected)
			c.stop()
			return
		}

		c.emit(StatusReconnecting)
		delay := c.bo.Duration()
		c.log.WithFields(logger.Fields{
			"attempt": attempts,
			"delay":   delay.String(),
		}).Info("reconnecting to stream")

		select {
		case <-ctx.Done():
			c.stop()
			return
		case <-c.closeCh:
			c.stop()
			return
		case <-time.After(delay):
		}
	}
}

// session runs one dial/auth/read cycle and returns when the transport
// closes or errors. A nil return means the connection was shut down
// deliberately.
func (c *conn) session(ctx context.Context) error {
	dialCtx := ctx
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}
	ws, err := c.dial(dialCtx, c.url)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return nil
	}
	c.ws = ws
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
		ws.Close()
	}()

	// Nothing goes out before the provider confirms the credentials.
	if err := c.write(models.NewAuthRequest(c.key, c.secret)); err != nil {
		return fmt.Errorf("send auth request: %w", err)
	}

	stopPing := c.startPingLoop(ctx, ws)
	defer stopPing()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.isClosed() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		c.handleFrame(data)
	}
}

func (c *conn) handleFrame(data []byte) {
	logger.IncrementFrameRead(c.class.String(), len(data))

	msgs, err := models.DecodeInbound(data)
	if err != nil {
		c.log.WithError(err).Warn("malformed stream frame")
	}
	for _, msg := range msgs {
		switch msg.Type {
		case models.MsgTypeSuccess:
			if msg.SuccessMsg == "authenticated" {
				c.handleAuthenticated()
			}
		case models.MsgTypeError:
			c.log.WithFields(logger.Fields{
				"code":         msg.ErrCode,
				"provider_msg": msg.ErrMsg,
			}).Warn("provider reported stream error")
			c.emit(StatusError)
		default:
			if c.onEvent != nil {
				c.onEvent(msg)
			}
		}
	}
}

func (c *conn) handleAuthenticated() {
	c.mu.Lock()
	c.authed = true
	c.attempts = 0
	pending := c.pending
	c.pending = models.SubscribeRequest{}
	c.mu.Unlock()

	c.bo.Reset()
	c.log.Info("stream authenticated")
	c.emit(StatusConnected)

	if !pending.Empty() {
		pending.Action = "subscribe"
		if err := c.send(pending); err != nil {
			c.log.WithError(err).Warn("failed to flush pending subscriptions")
		} else {
			c.log.WithFields(logger.Fields{
				"bars":   len(pending.Bars),
				"quotes": len(pending.Quotes),
				"trades": len(pending.Trades),
			}).Info("flushed pending subscriptions")
		}
	}

	c.reportReady(nil)
}

// write serialises v onto the transport without rate limiting. Used for
// the auth handshake.
func (c *conn) write(v interface{}) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return errNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(v)
}

// send serialises v onto the transport, honouring the outbound request
// rate limit.
func (c *conn) send(v interface{}) error {
	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.write(v)
}

// enqueue records a symbol to subscribe once authentication completes.
// Duplicates are collapsed so the queue stays bounded across reconnects.
func (c *conn) enqueue(cat category, symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch cat {
	case catBars:
		c.pending.Bars = appendUnique(c.pending.Bars, symbol)
	case catQuotes:
		c.pending.Quotes = appendUnique(c.pending.Quotes, symbol)
	case catTrades:
		c.pending.Trades = appendUnique(c.pending.Trades, symbol)
	}
}

// resetPending replaces the pending queue wholesale. Called when the
// transport drops so the next authentication re-subscribes everything
// the registry still wants.
func (c *conn) resetPending(req models.SubscribeRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending = req
}

func (c *conn) startPingLoop(ctx context.Context, ws transport) context.CancelFunc {
	if c.pingInterval <= 0 {
		return func() {}
	}
	pingCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(time.Second)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					c.log.WithError(err).Warn("failed to send websocket ping")
					return
				}
			}
		}
	}()
	return cancel
}

func (c *conn) emit(s Status) {
	if c.onStatus != nil {
		c.onStatus(s)
	}
}

func (c *conn) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *conn) setAuthed(v bool) {
	c.mu.Lock()
	c.authed = v
	c.mu.Unlock()
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *conn) initialPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready != nil
}

// reportReady resolves the waiter of the first connect call exactly
// once. Later calls are no-ops.
func (c *conn) reportReady(err error) {
	c.mu.Lock()
	ch := c.ready
	c.ready = nil
	c.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

package stream

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// transport is the slice of a websocket connection the stream client
// uses. *websocket.Conn satisfies it; tests substitute fakes through the
// dial function.
type transport interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type dialFunc func(ctx context.Context, url string) (transport, error)

// dialWebsocket opens a websocket connection with the default gorilla
// dialer.
func dialWebsocket(ctx context.Context, url string) (transport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, nil
}

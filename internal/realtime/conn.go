package realtime

//go:generate mockgen -source=conn.go -destination=mocks_test.go -package=realtime

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// readLimit bounds a single inbound frame. Realtime frames are small
// JSON envelopes; anything larger is a protocol violation.
const readLimit = 1 << 20

// Conn abstracts the duplex channel so the Manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Dialer opens a new Conn to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials with coder/websocket.
type WebSocketDialer struct {
	HTTPClient *http.Client
	UserAgent  string
}

// Dial opens a WebSocket connection.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	header := http.Header{}
	if d.UserAgent != "" {
		header.Set("User-Agent", d.UserAgent)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(readLimit)

	return conn, nil
}

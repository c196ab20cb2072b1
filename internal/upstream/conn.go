package upstream

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// Conn is the subset of a WebSocket connection the orchestrator needs.
// Abstracted so tests can substitute an in-memory fake instead of dialing a
// real socket.
type Conn interface {
	Read(ctx context.Context) (data []byte, err error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Conn to an upstream broker endpoint. The production
// implementation forces HTTP/1.1 because Cloudflare negotiates HTTP/2 via
// ALPN, which breaks the WebSocket upgrade handshake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

const dialTimeout = 30 * time.Second

// WebsocketDialer is the production Dialer backed by nhooyr.io/websocket.
type WebsocketDialer struct {
	httpClient *http.Client
}

// NewWebsocketDialer builds a Dialer whose transport forces HTTP/1.1.
func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   dialTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSClientConfig: &tls.Config{
					NextProtos: []string{"http/1.1"},
				},
				ForceAttemptHTTP2: false,
			},
		},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPClient: d.httpClient,
	})
	if err != nil {
		return nil, err
	}
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *websocketConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *websocketConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

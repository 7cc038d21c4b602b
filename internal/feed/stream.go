package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live connection to the upstream tick stream.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a fresh Conn; the feed redials through it on every reconnect.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// subscribeFrame asks the upstream to deliver ticks for the given tokens.
type subscribeFrame struct {
	Action string   `json:"action"`
	Tokens []string `json:"tokens"`
}

// heartbeatFrame is the periodic keepalive exchanged with the upstream.
type heartbeatFrame struct {
	Type string `json:"type"`
}

// WSDialer dials the broker's streaming endpoint over websocket.
type WSDialer struct {
	URL        string
	APIKey     string
	ClientCode string
	dialer     *websocket.Dialer
}

// NewWSDialer builds a websocket dialer for the streaming endpoint.
func NewWSDialer(url, apiKey, clientCode string) *WSDialer {
	return &WSDialer{
		URL:        url,
		APIKey:     apiKey,
		ClientCode: clientCode,
		dialer:     websocket.DefaultDialer,
	}
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	headers := map[string][]string{}
	if d.APIKey != "" {
		headers["x-api-key"] = []string{d.APIKey}
	}
	if d.ClientCode != "" {
		headers["x-client-code"] = []string{d.ClientCode}
	}

	conn, _, err := d.dialer.DialContext(ctx, d.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("dial feed ws: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts a gorilla connection to the Conn interface. The upstream
// answers a ping frame with a pong text frame which arrives through
// ReadMessage like any other payload, so liveness tracking stays
// transport-agnostic.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	return msg, err
}

func (c *wsConn) WriteJSON(v any) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	// Ignore errors; connection may already be closed.
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

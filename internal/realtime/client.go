// Package realtime is the notification socket bound to the signed-in
// identity. The session disconnects it on logout so no notification for
// the previous user reaches the next one.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	Subprotocol  = "tabsession.v1"
	maxReadBytes = 1 << 20
	dialTimeout  = 10 * time.Second
)

// Notification is one server push.
type Notification struct {
	Type    string         `json:"type"`
	UserID  string         `json:"user_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Client holds at most one connection at a time.
type Client struct {
	url    string
	logger *slog.Logger

	// OnNotification is called from the read loop for every push.
	OnNotification func(Notification)

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}
}

func NewClient(url string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{url: url, logger: logger}
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials with token as bearer credential, replacing any existing
// connection.
func (c *Client) Connect(ctx context.Context, token string) error {
	if err := c.Disconnect(); err != nil {
		c.logger.Debug("realtime_previous_close_failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("realtime: dial: %w", err)
	}
	conn.SetReadLimit(maxReadBytes)

	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, done)

	c.logger.Info("realtime_connected", "url", c.url)
	return nil
}

// Disconnect closes the connection and waits for the read loop to end.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.conn, c.done = nil, nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close(websocket.StatusNormalClosure, "signed out")
	<-done

	c.logger.Info("realtime_disconnected")
	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		return fmt.Errorf("realtime: close: %w", err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		var n Notification
		err := wsjson.Read(context.Background(), conn, &n)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				c.logger.Info("realtime_read_ended", "close_status", status, "error", err)
			}
			c.detach(conn)
			return
		}

		if c.OnNotification != nil {
			c.OnNotification(n)
		}
	}
}

// detach forgets conn if the server closed it.
func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn, c.done = nil, nil
	}
}

package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/meet/internal/util"
)

var (
	// ErrRelayUnavailable is returned by Send while the relay connection is down.
	ErrRelayUnavailable = errors.New("relay unavailable")
	// ErrMessageTooLarge is returned by Send for frames the relay would refuse.
	ErrMessageTooLarge = errors.New("message too large for relay")
)

// DefaultMaxMessageBytes is the frame limit shared by the relay and clients.
const DefaultMaxMessageBytes = 64 * 1024

const (
	writeWait  = 5 * time.Second
	minBackoff = 500 * time.Millisecond
	maxBackoff = 15 * time.Second
)

// Client is a reconnecting connection to the relay. Inbound messages are
// handed to the handler from the Run goroutine, in arrival order.
//
// After the first assigned-id the client reconnects with ?session=<id> so the
// relay keeps addressing it by the same id.
type Client struct {
	url     string
	handler func(*Message)
	dialer  *websocket.Dialer
	limit   int64

	mu        sync.Mutex // guards conn + sessionID; serializes writes
	conn      *websocket.Conn
	sessionID string
}

// NewClient creates a relay client for the given ws:// or wss:// URL.
func NewClient(wsURL string, handler func(*Message)) *Client {
	return &Client{
		url:     wsURL,
		handler: handler,
		dialer:  websocket.DefaultDialer,
		limit:   DefaultMaxMessageBytes,
	}
}

// SetMaxMessageBytes sets the largest frame Send will write. It must not
// exceed the relay's limit, which closes connections sending bigger frames.
func (c *Client) SetMaxMessageBytes(n int64) {
	if n > 0 {
		c.limit = n
	}
}

// Run keeps the relay connection alive until ctx is cancelled, retrying with
// exponential backoff. It always returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	backoff := minBackoff

	for {
		conn, err := c.connect(ctx)
		if err == nil {
			util.LogDebug("relay connected: %s", c.url)

			var assigned bool
			assigned, err = c.watch(ctx, conn)
			c.detach(conn)

			// A session that got its id was healthy; start over from the
			// shortest delay.
			if assigned {
				backoff = minBackoff
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		util.LogWarning("relay unavailable, retrying in %v: %v", backoff, err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// Send writes one message to the relay. It fails fast with
// ErrRelayUnavailable when no connection is up and with ErrMessageTooLarge
// when the encoded frame exceeds the limit.
func (c *Client) Send(msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if int64(len(data)) > c.limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(data), c.limit)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrRelayUnavailable
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// The read loop notices the broken socket and reconnects.
		c.conn.Close()
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	return nil
}

// Connected reports whether a relay connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SessionID returns the last id assigned by the relay, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// connect dials the relay, asking to resume the previous session id if any.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.dialURL()
	if err != nil {
		return nil, err
	}

	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	if id := c.SessionID(); id != "" {
		q := u.Query()
		q.Set("session", id)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// watch reads messages until the connection breaks or ctx is cancelled. It
// reports whether the relay assigned an id on this connection.
func (c *Client) watch(ctx context.Context, conn *websocket.Conn) (bool, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	assigned := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return assigned, fmt.Errorf("failed to read relay message: %w", err)
		}

		msg, err := Decode(data)
		if err != nil {
			util.LogDebug("dropping relay message: %v", err)
			continue
		}

		if msg.Type == MsgTypeAssignedID {
			assigned = true
			c.mu.Lock()
			c.sessionID = msg.SessionID
			c.mu.Unlock()
		}

		c.handler(msg)
	}
}

// detach forgets conn if it is still the current connection and closes it.
func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

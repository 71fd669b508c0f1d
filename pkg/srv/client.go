package srv

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	"github.com/connectchat/relay/pkg/logger"
	"github.com/connectchat/relay/pkg/wire"
)

// Client represents a connected WebSocket session.
//
// Connection management follows a simple pattern:
//   - ONE goroutine (Run) handles ALL writes to avoid concurrent write issues
//   - Server sends pings every pingInterval to detect dead connections
//   - Client responds with pongs; read loop resets deadline on any message
//   - Read loop (in websocket.go) detects disconnects and closes the connection
//
// Cleanup coordination:
//
//	Multiple goroutines can trigger cleanup concurrently:
//	  1. Handle() defer in websocket.go closes the WebSocket connection
//	  2. Client.Run() defer calls Close() when the context is cancelled
//	  3. The broadcaster checks the closed flag before sending
//
//	Thread safety is ensured by:
//	  - Close() uses sync.Once to ensure channels are closed exactly once
//	  - closed atomic flag allows checking if the client is closing from any goroutine
//	  - enqueue/trySend recover from the send-on-closed-channel race
type Client struct {
	conn      *websocket.Conn
	send      chan wire.Envelope
	control   chan wire.Envelope // pongs and shutdown notices jump the event queue
	done      chan struct{}
	ID        string
	identity  atomic.Pointer[string]
	closeOnce sync.Once
	closed    uint32
}

// NewClient creates a new client for the given connection.
func NewClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		send:    make(chan wire.Envelope, 100),
		control: make(chan wire.Envelope, 5),
		done:    make(chan struct{}),
	}
}

// Identity returns the user id bound to this connection, or "" when
// the session is unauthenticated.
func (c *Client) Identity() string {
	if p := c.identity.Load(); p != nil {
		return *p
	}
	return ""
}

// SetIdentity records the authenticated user id on the session.
// Authenticating again simply replaces the previous identity.
func (c *Client) SetIdentity(userID string) {
	c.identity.Store(&userID)
}

// Run sends queued envelopes to the client and emits periodic pings.
// CRITICAL: This is the ONLY goroutine that writes to the WebSocket
// connection. All writes go through here to prevent interleaved frames.
func (c *Client) Run(ctx context.Context, pingInterval, writeTimeout time.Duration) {
	defer c.Close()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug(ctx, "client context cancelled, shutting down", logger.Fields{"client_id": c.ID})
			return

		case <-c.done:
			return

		case <-pingTicker.C:
			if err := c.write(wire.Envelope{Event: "ping"}, writeTimeout); err != nil {
				logger.Warn(ctx, "client ping failed", logger.Fields{
					"client_id": c.ID,
					"error":     err.Error(),
				})
				return
			}

		case env, ok := <-c.control:
			if !ok {
				return
			}
			if err := c.write(env, writeTimeout); err != nil {
				logger.Warn(ctx, "client control send failed", logger.Fields{
					"client_id": c.ID,
					"event":     env.Event,
					"error":     err.Error(),
				})
				return
			}

		case env, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.write(env, writeTimeout); err != nil {
				logger.Warn(ctx, "client send failed", logger.Fields{
					"client_id": c.ID,
					"event":     env.Event,
					"error":     err.Error(),
				})
				return
			}
		}
	}
}

// write sends an envelope to the client with a write timeout.
func (c *Client) write(env wire.Envelope, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := websocket.JSON.Send(c.conn, env); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Enqueue queues an envelope for delivery, blocking until the write
// pump accepts it or the client closes. Used for direct replies where
// ordering matters. Returns false if the client is gone.
func (c *Client) Enqueue(env wire.Envelope) (queued bool) {
	if c.IsClosed() {
		return false
	}

	// The closed check above is not atomic with the send below; recover
	// from the send-on-closed-channel race instead of locking.
	defer func() {
		if recover() != nil {
			queued = false
		}
	}()

	select {
	case c.send <- env:
		return true
	case <-c.done:
		return false
	}
}

// TrySend queues an envelope without blocking. A slow consumer with a
// full buffer loses the envelope rather than stalling the sender.
// Used by the broadcaster for fan-out.
func (c *Client) TrySend(env wire.Envelope) (sent bool) {
	if c.IsClosed() {
		return false
	}

	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	select {
	case c.send <- env:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// tryControl queues a control envelope (pong) without blocking.
func (c *Client) tryControl(env wire.Envelope) (sent bool) {
	if c.IsClosed() {
		return false
	}

	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	select {
	case c.control <- env:
		return true
	default:
		return false
	}
}

// Close gracefully closes the client.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		// Set closed flag BEFORE closing channels so other goroutines
		// can check whether the client is closing.
		atomic.StoreUint32(&c.closed, 1)

		close(c.done)
		close(c.send)
		close(c.control)
	})
}

// IsClosed returns true if the client is closed or closing.
// Safe to call from any goroutine.
func (c *Client) IsClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

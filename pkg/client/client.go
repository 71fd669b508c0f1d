// Package client provides a reconnecting WebSocket client for the chat
// relay. It dials the relay, keeps the connection alive with pings, and
// re-establishes it with jittered exponential backoff when it drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/net/websocket"

	"github.com/connectchat/relay/pkg/wire"
)

const (
	// readTimeout must be longer than the server ping interval (54s) so
	// an idle but healthy connection never times out.
	readTimeout = 90 * time.Second

	writeTimeout       = 10 * time.Second
	writeChannelBuffer = 16
)

// ErrNotConnected is returned by Send while no connection is live.
var ErrNotConnected = errors.New("not connected")

// Config holds the configuration for the client.
type Config struct {
	Logger       *slog.Logger
	OnEvent      func(wire.Envelope)
	OnConnect    func()
	OnDisconnect func(error)

	// ServerURL is the ws:// or wss:// endpoint, e.g.
	// ws://localhost:8080/ws/chat.
	ServerURL string

	// Token, when set, is presented at the handshake so the connection
	// starts authenticated. Leaving it empty starts unauthenticated;
	// authenticate in-band with auth:login or auth:register instead.
	Token string

	MaxBackoff   time.Duration
	PingInterval time.Duration
	MaxRetries   int
	NoReconnect  bool
}

// Client is a WebSocket chat client with automatic reconnection.
// Connection management mirrors the server:
//   - one read loop receives all frames
//   - all writes are serialized through a single write pump goroutine
//   - both sides ping; any inbound frame resets the read deadline
type Client struct {
	mu        sync.RWMutex
	config    Config
	logger    *slog.Logger
	ws        *websocket.Conn
	writeCh   chan wire.Envelope
	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once
	retries   int
}

// New creates a new reconnecting client.
func New(config Config) (*Client, error) {
	if config.ServerURL == "" {
		return nil, errors.New("serverURL is required")
	}
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 2 * time.Minute
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return &Client{
		config:    config,
		logger:    logger,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}, nil
}

// Start connects and blocks, reconnecting on failure until the context
// is cancelled, Stop is called, or the retry budget runs out.
func (c *Client) Start(ctx context.Context) error {
	defer close(c.stoppedCh)

	retryOpts := []retry.Option{
		retry.Context(ctx),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(c.config.MaxBackoff),
		retry.OnRetry(func(n uint, err error) {
			c.mu.Lock()
			c.retries = int(n) //nolint:gosec // Retry count will not overflow in practice
			c.mu.Unlock()

			c.logger.Warn("connection lost", "error", err, "attempt", n+1)
			if c.config.OnDisconnect != nil {
				c.config.OnDisconnect(err)
			}
		}),
		retry.RetryIf(func(_ error) bool {
			if c.config.NoReconnect {
				return false
			}
			select {
			case <-c.stopCh:
				return false
			default:
				return true
			}
		}),
	}

	if c.config.MaxRetries > 0 {
		retryOpts = append(retryOpts, retry.Attempts(uint(c.config.MaxRetries))) //nolint:gosec // User-configured value
	} else {
		retryOpts = append(retryOpts, retry.UntilSucceeded())
	}

	return retry.Do(func() error {
		select {
		case <-ctx.Done():
			return retry.Unrecoverable(ctx.Err())
		case <-c.stopCh:
			return retry.Unrecoverable(errors.New("stop requested"))
		default:
		}

		c.mu.RLock()
		n := c.retries
		c.mu.RUnlock()
		if n == 0 {
			c.logger.Info("connecting", "url", c.config.ServerURL)
		} else {
			c.logger.Info("reconnecting", "url", c.config.ServerURL, "attempt", n)
		}

		return c.connect(ctx)
	}, retryOpts...)
}

// Stop gracefully stops the client. Safe to call multiple times, and
// safe to call before Start.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		if c.ws != nil {
			if err := c.ws.Close(); err != nil {
				c.logger.Error("close websocket on shutdown", "error", err)
			}
		}
		c.mu.Unlock()

		select {
		case <-c.stoppedCh:
		case <-time.After(100 * time.Millisecond):
			// Start was never called or has not begun yet.
		}
	})
}

// Send queues an event envelope for delivery on the current connection.
func (c *Client) Send(event string, payload any) error {
	env, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}

	c.mu.RLock()
	ch := c.writeCh
	c.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}

	select {
	case ch <- env:
		return nil
	case <-c.stopCh:
		return ErrNotConnected
	case <-time.After(writeTimeout):
		return fmt.Errorf("send %s: write queue full", event)
	}
}

// connect establishes one WebSocket connection and services it until
// it fails or the context ends.
func (c *Client) connect(ctx context.Context) error {
	origin := "http://localhost/"
	if strings.HasPrefix(c.config.ServerURL, "wss://") {
		origin = "https://localhost/"
	}
	wsConfig, err := websocket.NewConfig(c.config.ServerURL, origin)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.config.Token != "" {
		wsConfig.Header = map[string][]string{
			"Authorization": {"Bearer " + c.config.Token},
		}
	}

	ws, err := websocket.DialConfig(wsConfig)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.logger.Info("connected", "url", c.config.ServerURL)

	writeCh := make(chan wire.Envelope, writeChannelBuffer)
	c.mu.Lock()
	c.ws = ws
	c.writeCh = writeCh
	c.retries = 0
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.writeCh = nil
		c.mu.Unlock()
		if err := ws.Close(); err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
			c.logger.Error("close websocket", "error", err)
		}
	}()

	if c.config.OnConnect != nil {
		c.config.OnConnect()
	}

	// Write pump: the ONLY goroutine that writes to this connection.
	writeCtx, cancelWrite := context.WithCancel(ctx)
	defer cancelWrite()
	writeDone := make(chan error, 1)
	go func() {
		writeDone <- c.writePump(writeCtx, ws, writeCh)
	}()

	// Ping sender feeds the write channel, never the socket.
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	pingDone := make(chan struct{})
	go func() {
		c.sendPings(pingCtx, writeCh)
		close(pingDone)
	}()

	readErr := c.readLoop(ctx, ws, writeCh)

	cancelPing()
	<-pingDone
	cancelWrite()
	writeErr := <-writeDone

	if readErr != nil {
		return readErr
	}
	if errors.Is(writeErr, context.Canceled) {
		return nil
	}
	return writeErr
}

func (c *Client) writePump(ctx context.Context, ws *websocket.Conn, writeCh <-chan wire.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-writeCh:
			if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return fmt.Errorf("set write deadline: %w", err)
			}
			if err := websocket.JSON.Send(ws, env); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

func (c *Client) sendPings(ctx context.Context, writeCh chan<- wire.Envelope) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case writeCh <- wire.Envelope{Event: "ping"}:
			case <-ctx.Done():
				return
			default:
				c.logger.Warn("write channel full, skipping ping")
			}
		}
	}
}

// readLoop receives frames until the connection fails. Keepalive frames
// are answered inline; everything else goes to OnEvent.
func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn, writeCh chan<- wire.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		if err := ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		var env wire.Envelope
		if err := websocket.JSON.Receive(ws, &env); err != nil {
			if strings.Contains(err.Error(), "i/o timeout") {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
					continue
				}
			}
			select {
			case <-c.stopCh:
				return nil
			default:
			}
			return fmt.Errorf("read: %w", err)
		}

		switch env.Event {
		case "ping":
			select {
			case writeCh <- wire.Envelope{Event: "pong"}:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		case "pong":
			continue
		}

		if c.config.OnEvent != nil {
			c.config.OnEvent(env)
		}
	}
}

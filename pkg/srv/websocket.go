package srv

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/connectchat/relay/pkg/auth"
	"github.com/connectchat/relay/pkg/logger"
	"github.com/connectchat/relay/pkg/security"
	"github.com/connectchat/relay/pkg/wire"
)

// WebSocket timeouts and limits.
const (
	pingInterval  = 54 * time.Second
	readTimeout   = 90 * time.Second // Must be > pingInterval + response time to avoid false timeouts
	writeTimeout  = 10 * time.Second
	maxFrameBytes = 1 << 20 // 1MB cap on a single inbound frame

	// Inbound message budget per connection. Interactive chat traffic
	// sits far below this; sustained excess indicates a misbehaving
	// client and closes the connection.
	msgPerSecond = 25
	msgBurst     = 50
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey struct{}

// WithReservation attaches a connection-limiter reservation token to
// the request context so Handle can commit it after upgrade.
func WithReservation(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, contextKey{}, token)
}

func reservationFrom(ctx context.Context) string {
	token, _ := ctx.Value(contextKey{}).(string)
	return token
}

// Handler owns the WebSocket endpoint: it reserves a connection slot,
// upgrades the request, authenticates the handshake token if one is
// present, and runs the per-connection read loop.
type Handler struct {
	router     *Router
	gateway    *auth.Gateway
	registry   *Registry
	limiter    *security.ConnectionLimiter
	tokenCache *TokenCache
}

// NewHandler creates the WebSocket endpoint handler.
func NewHandler(router *Router, gateway *auth.Gateway, registry *Registry, limiter *security.ConnectionLimiter) *Handler {
	return &Handler{
		router:     router,
		gateway:    gateway,
		registry:   registry,
		limiter:    limiter,
		tokenCache: NewTokenCache(),
	}
}

// ServeHTTP reserves a connection slot before the upgrade (prevents the
// check-then-connect TOCTOU race), then hands the request to the
// WebSocket server. Uses websocket.Server directly so non-browser
// clients without an Origin header are accepted.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := security.ClientIP(r)

	reservation := h.limiter.Reserve(ip)
	if reservation == "" {
		log.Printf("WebSocket 429: connection limit ip=%s", ip)
		w.WriteHeader(http.StatusTooManyRequests)
		if _, err := w.Write([]byte("429 Too Many Requests: Connection limit exceeded\n")); err != nil {
			log.Printf("failed to write 429 response: %v", err)
		}
		return
	}

	// If the handshake fails and Handle never commits the reservation,
	// release it now rather than letting it hold a slot until the TTL
	// expires. A committed token is already gone, so this is a no-op on
	// the happy path.
	defer h.limiter.CancelReservation(reservation)

	r = r.WithContext(WithReservation(r.Context(), reservation))

	s := websocket.Server{
		Handler: h.Handle,
		Handshake: func(_ *websocket.Config, _ *http.Request) error {
			// Accept all origins - auth happens in-band.
			return nil
		},
	}
	s.ServeHTTP(w, r)
}

// handshakeToken extracts the optional bearer token from the upgrade
// request: the "token" query parameter wins, else the Authorization
// header.
func handshakeToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	const bearerPrefix = "Bearer "
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, bearerPrefix) {
		return strings.TrimPrefix(authHeader, bearerPrefix)
	}
	return ""
}

// authenticateHandshake verifies a handshake token and binds the
// connection if it is valid. An invalid or expired token is not an
// error: the connection simply starts unauthenticated.
func (h *Handler) authenticateHandshake(ctx context.Context, c *Client, token, ip string) {
	if token == "" {
		return
	}

	userID, cached := h.tokenCache.Get(token)
	if !cached {
		var err error
		userID, err = h.gateway.VerifyToken(token)
		if err != nil {
			logger.Warn(ctx, "handshake token rejected, starting unauthenticated", logger.Fields{
				"ip":        ip,
				"client_id": c.ID,
			})
			return
		}
		h.tokenCache.Set(token, userID)
	}

	c.SetIdentity(userID)
	h.registry.Bind(userID, c)
	logger.Info(ctx, "connection authenticated via handshake token", logger.Fields{
		"ip":        ip,
		"client_id": c.ID,
		"user_id":   userID,
		"cached":    cached,
	})
}

// wsCloser wraps a WebSocket connection with sync.Once to prevent
// double-close.
type wsCloser struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

func (wc *wsCloser) Close() {
	wc.closeOnce.Do(func() {
		if err := wc.ws.Close(); err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
			log.Printf("websocket close error: %v", err)
		}
	})
}

// Handle runs the lifecycle of one WebSocket connection.
func (h *Handler) Handle(ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(ws.Request().Context())
	defer cancel()

	ip := security.ClientIP(ws.Request())
	ws.MaxPayloadBytes = maxFrameBytes

	wc := &wsCloser{ws: ws}
	defer wc.Close()

	logger.Info(ctx, "WebSocket connection attempt", logger.Fields{
		"ip":         ip,
		"user_agent": ws.Request().UserAgent(),
		"path":       ws.Request().URL.Path,
	})

	// Commit the slot reserved before upgrade. Tests that call Handle
	// directly have no reservation; that is fine.
	reservation := reservationFrom(ws.Request().Context())
	if reservation != "" {
		if !h.limiter.CommitReservation(reservation) {
			logger.Warn(ctx, "connection rejected: reservation expired", logger.Fields{"ip": ip})
			return
		}
		defer h.limiter.Remove(ip)
	}

	client := NewClient(uuid.NewString(), ws)
	defer client.Close()

	// Unbind exactly once, using the identity recorded on the session
	// at close time.
	defer func() {
		if userID := client.Identity(); userID != "" {
			h.registry.Unbind(userID)
		}
		logger.Info(ctx, "WebSocket disconnected", logger.Fields{
			"ip":        ip,
			"client_id": client.ID,
			"user_id":   client.Identity(),
		})
	}()

	h.authenticateHandshake(ctx, client, handshakeToken(ws.Request()), ip)

	go client.Run(ctx, pingInterval, writeTimeout)

	msgLimiter := security.NewMessageLimiter(msgPerSecond, msgBurst)

	if err := ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		log.Printf("failed to set read deadline for %s: %v", ip, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.done:
			return
		default:
		}

		var raw string
		if err := websocket.Message.Receive(ws, &raw); err != nil {
			switch {
			case err.Error() == "EOF":
				log.Printf("client %s closed connection", client.ID)
			case strings.Contains(err.Error(), "use of closed network connection"):
			case strings.Contains(err.Error(), "i/o timeout"):
				log.Printf("client %s read timeout (no messages for %v)", client.ID, readTimeout)
			default:
				log.Printf("client %s read error: %v", client.ID, err)
			}
			return
		}

		// Any inbound frame proves liveness.
		if err := ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			log.Printf("failed to reset read deadline for client %s: %v", client.ID, err)
			return
		}

		env, err := wire.Decode([]byte(raw))
		if err != nil {
			logger.Warn(ctx, "malformed frame, closing connection", logger.Fields{
				"ip":        ip,
				"client_id": client.ID,
				"error":     err.Error(),
			})
			return
		}

		// Keepalive frames never reach the router and never count
		// against the message budget.
		switch env.Event {
		case "ping":
			client.tryControl(wire.Envelope{Event: "pong"})
			continue
		case "pong":
			continue
		}

		if !msgLimiter.Allow() {
			logger.Warn(ctx, "message rate limit exceeded, closing connection", logger.Fields{
				"ip":        ip,
				"client_id": client.ID,
				"event":     env.Event,
			})
			client.Enqueue(wire.ErrorEnvelope(env.Event, "rate limit exceeded"))
			return
		}

		reply, err := h.router.Dispatch(ctx, client, env)
		if err != nil {
			logger.Error(ctx, "dispatch failed, closing connection", err, logger.Fields{
				"client_id": client.ID,
				"event":     env.Event,
			})
			return
		}
		if reply != nil {
			client.Enqueue(*reply)
		}
	}
}

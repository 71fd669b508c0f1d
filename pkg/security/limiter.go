package security

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// reservationTTL bounds how long a pre-upgrade slot reservation may
	// stay uncommitted before it is reclaimed.
	reservationTTL = 30 * time.Second

	cleanupInterval = 10 * time.Second
)

// ConnectionLimiter enforces per-IP and total WebSocket connection caps.
//
// Slots are reserved before the HTTP→WebSocket upgrade and committed
// inside the handler. Without the reservation step, two upgrades racing
// past the same count check could both be admitted over the cap.
type ConnectionLimiter struct {
	mu           sync.Mutex
	active       map[string]int // ip → committed connections
	reservations map[string]reservation
	stopCh       chan struct{}
	stopOnce     sync.Once
	maxPerIP     int
	maxTotal     int
	total        int
}

type reservation struct {
	expiresAt time.Time
	ip        string
}

// NewConnectionLimiter creates a limiter with the given per-IP and total
// caps and starts its reservation-expiry loop.
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	l := &ConnectionLimiter{
		active:       make(map[string]int),
		reservations: make(map[string]reservation),
		stopCh:       make(chan struct{}),
		maxPerIP:     maxPerIP,
		maxTotal:     maxTotal,
	}
	go l.cleanupLoop()
	return l
}

// Reserve attempts to reserve a connection slot for ip. Returns a
// reservation token, or "" if either cap is reached. Reservations count
// against the caps until committed, cancelled, or expired.
func (l *ConnectionLimiter) Reserve(ip string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.expireLocked(time.Now())

	perIP := l.active[ip]
	for _, res := range l.reservations {
		if res.ip == ip {
			perIP++
		}
	}
	if perIP >= l.maxPerIP || l.total+len(l.reservations) >= l.maxTotal {
		return ""
	}

	token := randomToken()
	l.reservations[token] = reservation{ip: ip, expiresAt: time.Now().Add(reservationTTL)}
	return token
}

// CommitReservation converts a reservation into an active connection.
// Returns false if the token is unknown or the reservation expired.
func (l *ConnectionLimiter) CommitReservation(token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[token]
	if !ok || time.Now().After(res.expiresAt) {
		delete(l.reservations, token)
		return false
	}
	delete(l.reservations, token)
	l.active[res.ip]++
	l.total++
	return true
}

// CancelReservation releases an uncommitted reservation. Unknown tokens
// are a no-op.
func (l *ConnectionLimiter) CancelReservation(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reservations, token)
}

// Remove releases a committed connection slot for ip.
func (l *ConnectionLimiter) Remove(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active[ip] > 0 {
		l.active[ip]--
		l.total--
	}
	if l.active[ip] == 0 {
		delete(l.active, ip)
	}
}

// Stop terminates the reservation-expiry loop. Safe to call more than
// once.
func (l *ConnectionLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case now := <-ticker.C:
			l.mu.Lock()
			l.expireLocked(now)
			l.mu.Unlock()
		}
	}
}

// expireLocked drops stale reservations. Must be called with mu held.
func (l *ConnectionLimiter) expireLocked(now time.Time) {
	for token, res := range l.reservations {
		if now.After(res.expiresAt) {
			delete(l.reservations, token)
		}
	}
}

func randomToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the process is in serious trouble;
		// an empty token is treated as "no reservation" by callers.
		return ""
	}
	return hex.EncodeToString(b[:])
}

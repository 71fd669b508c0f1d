package security

import "golang.org/x/time/rate"

// MessageLimiter caps the inbound message rate of a single connection
// with a token bucket. Each connection gets its own limiter; the zero
// burst case is normalized so Allow never wedges a connection shut.
type MessageLimiter struct {
	limiter *rate.Limiter
}

// NewMessageLimiter creates a limiter allowing perSecond sustained
// messages with the given burst.
func NewMessageLimiter(perSecond float64, burst int) *MessageLimiter {
	if burst < 1 {
		burst = 1
	}
	return &MessageLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow reports whether one more message may be processed now.
func (l *MessageLimiter) Allow() bool {
	return l.limiter.Allow()
}

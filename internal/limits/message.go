package limits

import (
	"sync"

	"golang.org/x/time/rate"

	"odin-roulette-server/internal/config"
	"odin-roulette-server/internal/metrics"
)

// MessageLimiter holds one token bucket per connection for inbound frames.
type MessageLimiter struct {
	clients sync.Map // map[string]*rate.Limiter
	rate    rate.Limit
	burst   int
	metrics *metrics.Registry
}

// NewMessageLimiter returns a limiter. A zero rate disables limiting.
func NewMessageLimiter(cfg config.LimitsConfig, m *metrics.Registry) *MessageLimiter {
	return &MessageLimiter{
		rate:    rate.Limit(cfg.MessageRate),
		burst:   cfg.MessageBurst,
		metrics: m,
	}
}

// Allow consumes one token for connID.
func (l *MessageLimiter) Allow(connID string) bool {
	if l.rate <= 0 {
		return true
	}
	v, ok := l.clients.Load(connID)
	if !ok {
		v, _ = l.clients.LoadOrStore(connID, rate.NewLimiter(l.rate, l.burst))
	}
	if v.(*rate.Limiter).Allow() {
		return true
	}
	if l.metrics != nil {
		l.metrics.Connections.RateLimited.WithLabelValues("message").Inc()
	}
	return false
}

// Remove forgets connID. Called when the connection closes.
func (l *MessageLimiter) Remove(connID string) {
	l.clients.Delete(connID)
}

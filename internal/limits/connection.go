package limits

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"odin-roulette-server/internal/config"
	"odin-roulette-server/internal/metrics"
)

// ConnectionLimiter throttles new connections per remote IP and globally.
// Per-IP state is evicted after it has been idle for the configured TTL.
type ConnectionLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	global *rate.Limiter

	metrics *metrics.Registry
	logger  *zap.Logger
	now     func() time.Time

	stopOnce    sync.Once
	stopCleanup chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewConnectionLimiter builds a limiter and starts its cleanup loop. Zero
// values fall back to 10 burst / 1 per second per IP, 300 / 50 globally.
func NewConnectionLimiter(cfg config.LimitsConfig, m *metrics.Registry, logger *zap.Logger) *ConnectionLimiter {
	if cfg.ConnectBurst == 0 {
		cfg.ConnectBurst = 10
	}
	if cfg.ConnectRate == 0 {
		cfg.ConnectRate = 1.0
	}
	if cfg.ConnectIPTTL == 0 {
		cfg.ConnectIPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &ConnectionLimiter{
		ipLimiters:  make(map[string]*ipLimiterEntry),
		ipBurst:     cfg.ConnectBurst,
		ipRate:      cfg.ConnectRate,
		ipTTL:       cfg.ConnectIPTTL,
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		metrics:     m,
		logger:      logger.With(zap.String("component", "connection_limiter")),
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}

	go l.cleanupLoop(time.Minute)

	l.logger.Info("connection limiter initialized",
		zap.Int("ip_burst", cfg.ConnectBurst),
		zap.Float64("ip_rate", cfg.ConnectRate),
		zap.Duration("ip_ttl", cfg.ConnectIPTTL),
		zap.Int("global_burst", cfg.GlobalBurst),
		zap.Float64("global_rate", cfg.GlobalRate))
	return l
}

// Allow reports whether a connection from ip may proceed. The global bucket
// is checked first.
func (l *ConnectionLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.reject("global", ip)
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		l.reject("per_ip", ip)
		return false
	}
	return true
}

func (l *ConnectionLimiter) reject(scope, ip string) {
	l.logger.Debug("connection rejected by rate limit", zap.String("scope", scope), zap.String("ip", ip))
	if l.metrics != nil {
		l.metrics.Connections.RateLimited.WithLabelValues(scope).Inc()
	}
}

func (l *ConnectionLimiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	entry, ok := l.ipLimiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)}
		l.ipLimiters[ip] = entry
	}
	entry.lastAccess = l.now()
	return entry.limiter
}

func (l *ConnectionLimiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// cleanup drops per-IP limiters idle for longer than the TTL.
func (l *ConnectionLimiter) cleanup() int {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	now := l.now()
	removed := 0
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("evicted idle ip limiters",
			zap.Int("removed", removed), zap.Int("remaining", len(l.ipLimiters)))
	}
	return removed
}

// TrackedIPs returns the number of per-IP limiters held.
func (l *ConnectionLimiter) TrackedIPs() int {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	return len(l.ipLimiters)
}

// Stop ends the cleanup loop.
func (l *ConnectionLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

package ratelimit

import (
	"net"
	"strings"
	"sync"
	"time"

	"callcoach-server/pkg/config"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per client key.
type Limiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	logger  *logrus.Logger
	now     func() time.Time

	whitelistedIPs  map[string]bool
	whitelistedNets []*net.IPNet

	mu      sync.Mutex
	clients map[string]*client

	stopOnce sync.Once
	stopCh   chan struct{}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter from cfg. Call Close to stop the cleanup
// goroutine.
func NewLimiter(cfg config.RateLimitConfig, logger *logrus.Logger) *Limiter {
	l := &Limiter{
		limit:          rate.Limit(cfg.RequestsPerSecond),
		burst:          cfg.BurstSize,
		idleTTL:        cfg.IdleTTL,
		logger:         logger,
		now:            time.Now,
		whitelistedIPs: make(map[string]bool),
		clients:        make(map[string]*client),
		stopCh:         make(chan struct{}),
	}
	if l.idleTTL <= 0 {
		l.idleTTL = 10 * time.Minute
	}

	for _, ip := range cfg.WhitelistedIPs {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		if strings.Contains(ip, "/") {
			_, ipNet, err := net.ParseCIDR(ip)
			if err != nil {
				logger.WithError(err).WithField("cidr", ip).Warn("Invalid CIDR in rate limit whitelist")
				continue
			}
			l.whitelistedNets = append(l.whitelistedNets, ipNet)
		} else {
			l.whitelistedIPs[ip] = true
		}
	}

	go l.cleanup()

	logger.WithFields(logrus.Fields{
		"rps":             cfg.RequestsPerSecond,
		"burst":           cfg.BurstSize,
		"whitelisted_ips": len(l.whitelistedIPs) + len(l.whitelistedNets),
	}).Info("Rate limiter initialized")
	return l
}

// Allow reports whether a request from key may proceed now.
func (l *Limiter) Allow(key string) bool {
	if l.isWhitelisted(key) {
		return true
	}

	now := l.now()
	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

func (l *Limiter) isWhitelisted(key string) bool {
	if l.whitelistedIPs[key] {
		return true
	}
	if len(l.whitelistedNets) == 0 {
		return false
	}
	ip := net.ParseIP(key)
	if ip == nil {
		return false
	}
	for _, n := range l.whitelistedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientCount returns the number of tracked keys.
func (l *Limiter) ClientCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Prune drops keys idle for longer than the TTL and returns how many went.
func (l *Limiter) Prune() int {
	cutoff := l.now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.idleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := l.Prune(); removed > 0 {
				l.logger.WithField("removed", removed).Debug("Pruned idle rate limit clients")
			}
		case <-l.stopCh:
			return
		}
	}
}

// Close stops the cleanup goroutine.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

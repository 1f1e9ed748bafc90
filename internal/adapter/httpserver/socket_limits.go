package httpserver

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	limiterCleanupInterval = 5 * time.Minute
	limiterIdleExpiry      = 10 * time.Minute
)

// LimitReason describes why a socket connection was refused.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

type SocketLimitConfig struct {
	MaxConnections int
	MaxPerIP       int
	ConnectRate    float64
	ConnectBurst   int
}

type ipEntry struct {
	open     int
	limiter  *rate.Limiter
	lastSeen time.Time
}

// socketLimits caps concurrent live socket connections per instance and per
// client IP, and the rate at which one IP may open new ones.
type socketLimits struct {
	cfg   SocketLimitConfig
	clock clockwork.Clock

	mu        sync.Mutex
	total     int
	ips       map[string]*ipEntry
	cleanupAt time.Time
}

func newSocketLimits(cfg SocketLimitConfig, clock clockwork.Clock) *socketLimits {
	return &socketLimits{
		cfg:       cfg,
		clock:     clock,
		ips:       make(map[string]*ipEntry),
		cleanupAt: clock.Now().Add(limiterCleanupInterval),
	}
}

// Acquire reserves a connection slot for ip. The rate check runs first and
// consumes a token even when a later check refuses the connection.
func (l *socketLimits) Acquire(ip string) (bool, LimitReason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		l.cleanup(now)
		l.cleanupAt = now.Add(limiterCleanupInterval)
	}

	e, ok := l.ips[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(rate.Limit(l.cfg.ConnectRate), l.cfg.ConnectBurst)}
		l.ips[ip] = e
	}
	e.lastSeen = now

	if !e.limiter.AllowN(now, 1) {
		return false, LimitReasonRate
	}
	if l.total >= l.cfg.MaxConnections {
		return false, LimitReasonGlobal
	}
	if e.open >= l.cfg.MaxPerIP {
		return false, LimitReasonPerIP
	}

	l.total++
	e.open++
	return true, ""
}

func (l *socketLimits) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.total > 0 {
		l.total--
	}
	if e, ok := l.ips[ip]; ok && e.open > 0 {
		e.open--
		e.lastSeen = l.clock.Now()
	}
}

func (l *socketLimits) Open() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// cleanup drops idle entries without open connections. Must be called with mu held.
func (l *socketLimits) cleanup(now time.Time) {
	cutoff := now.Add(-limiterIdleExpiry)
	for ip, e := range l.ips {
		if e.open == 0 && e.lastSeen.Before(cutoff) {
			delete(l.ips, ip)
		}
	}
}

package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wellmoagro2-afk/landspace-sub000/pkg/httpx"
)

type fixedWindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	byKey  map[string]windowState
}

type windowState struct {
	start time.Time
	count int
}

func newFixedWindowLimiter(limit int, window time.Duration) *fixedWindowLimiter {
	return &fixedWindowLimiter{
		limit:  limit,
		window: window,
		byKey:  map[string]windowState{},
	}
}

func (l *fixedWindowLimiter) Allow(key string, now time.Time) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	if key == "" {
		key = "anonymous"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.byKey) > 10000 {
		l.sweep(now)
	}
	cur := l.byKey[key]
	if cur.start.IsZero() || now.Sub(cur.start) >= l.window {
		l.byKey[key] = windowState{start: now, count: 1}
		return true
	}
	if cur.count >= l.limit {
		return false
	}
	cur.count++
	l.byKey[key] = cur
	return true
}

// sweep drops expired windows. Caller holds mu.
func (l *fixedWindowLimiter) sweep(now time.Time) {
	for k, st := range l.byKey {
		if now.Sub(st.start) >= l.window {
			delete(l.byKey, k)
		}
	}
}

func (h *Handler) allowLogin(w http.ResponseWriter, r *http.Request, principal string) bool {
	if h.logins.Allow(principal+"|"+clientIP(r), time.Now().UTC()) {
		return true
	}
	h.metrics.Login(principal, "rate_limited")
	httpx.WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many login attempts", nil)
	return false
}

// clientIP reads RemoteAddr, which middleware.RealIP has already replaced
// with the forwarded address when one is present.
func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if addr == "" {
		return "unknown"
	}
	return addr
}

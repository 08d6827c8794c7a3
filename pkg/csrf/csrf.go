// Package csrf implements the double-submit cookie check for state-changing
// API requests, plus a same-origin check in production.
package csrf

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/wellmoagro2-afk/landspace-sub000/pkg/httpx"
	"go.uber.org/zap"
)

const (
	CookieName = "ls_csrf"
	HeaderName = "X-CSRF-Token"
	tokenBytes = 32
)

var (
	ErrOriginMismatch   = errors.New("origin mismatch")
	ErrOriginMissing    = errors.New("origin and referer missing")
	ErrRefererMalformed = errors.New("referer malformed")
	ErrTokenMissing     = errors.New("csrf token missing")
	ErrTokenMismatch    = errors.New("csrf token mismatch")
)

// Reason is the short label used in logs and metrics for a rejection.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrOriginMismatch):
		return "origin_mismatch"
	case errors.Is(err, ErrOriginMissing):
		return "origin_missing"
	case errors.Is(err, ErrRefererMalformed):
		return "referer_malformed"
	case errors.Is(err, ErrTokenMissing):
		return "token_missing"
	case errors.Is(err, ErrTokenMismatch):
		return "token_mismatch"
	default:
		return "unknown"
	}
}

type Options struct {
	Production bool
	Logger     *zap.Logger
	// OnReject is called with Reason(err) for every rejected request.
	OnReject func(reason string)
}

type Guard struct {
	production bool
	log        *zap.Logger
	onReject   func(string)
}

func New(opts Options) *Guard {
	g := &Guard{production: opts.Production, log: opts.Logger, onReject: opts.OnReject}
	if g.log == nil {
		g.log = zap.NewNop()
	}
	return g
}

func safeMethod(m string) bool {
	return m == http.MethodGet || m == http.MethodHead || m == http.MethodOptions
}

// Check returns nil when r may proceed. Safe methods always pass.
func (g *Guard) Check(r *http.Request) error {
	if safeMethod(r.Method) {
		return nil
	}
	if g.production {
		if err := checkOrigin(r); err != nil {
			return err
		}
	}
	header := r.Header.Get(HeaderName)
	c, err := r.Cookie(CookieName)
	if header == "" || err != nil || c.Value == "" {
		return ErrTokenMissing
	}
	if !tokensEqual(header, c.Value) {
		return ErrTokenMismatch
	}
	return nil
}

func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Check(r); err != nil {
			reason := Reason(err)
			g.log.Warn("csrf rejected",
				zap.String("reason", reason),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", httpx.RequestIDFromContext(r.Context())),
			)
			if g.onReject != nil {
				g.onReject(reason)
			}
			httpx.WriteError(w, http.StatusForbidden, "CSRF_VALIDATION_FAILED", "csrf validation failed", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IssueToken sets a fresh ls_csrf cookie and returns its value. The cookie
// is readable by scripts so the client can echo it in the header.
func (g *Guard) IssueToken(w http.ResponseWriter) (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	tok := base64.RawURLEncoding.EncodeToString(b)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    tok,
		Path:     "/",
		HttpOnly: false,
		Secure:   g.production,
		SameSite: http.SameSiteStrictMode,
	})
	return tok, nil
}

func expectedOrigin(r *http.Request) string {
	scheme := firstValue(r.Header.Get("X-Forwarded-Proto"))
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	host := firstValue(r.Header.Get("X-Forwarded-Host"))
	if host == "" {
		host = r.Host
	}
	return strings.ToLower(scheme) + "://" + strings.ToLower(host)
}

func checkOrigin(r *http.Request) error {
	want := expectedOrigin(r)
	if origin := r.Header.Get("Origin"); origin != "" {
		if strings.ToLower(origin) != want {
			return ErrOriginMismatch
		}
		return nil
	}
	ref := r.Header.Get("Referer")
	if ref == "" {
		return ErrOriginMissing
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ErrRefererMalformed
	}
	if strings.ToLower(u.Scheme+"://"+u.Host) != want {
		return ErrOriginMismatch
	}
	return nil
}

// firstValue takes the left-most entry of a comma-separated proxy header.
func firstValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

// tokensEqual accumulates the XOR of every byte pair so the running time
// depends only on the length.
func tokensEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var acc byte
	for i := 0; i < len(a); i++ {
		acc |= a[i] ^ b[i]
	}
	return acc == 0
}

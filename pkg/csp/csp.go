// Package csp attaches a per-request nonce and a nonce-based
// Content-Security-Policy to HTML page navigations.
package csp

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"path"
	"strings"
)

const (
	NonceHeader = "X-Nonce"
	nonceBytes  = 32
)

var skipPrefixes = []string{"/api/", "/static/", "/assets/", "/_next/", "/files/"}

type nonceKey struct{}

// Nonce returns the nonce generated for this request, or "" when the
// request was not a page navigation.
func Nonce(ctx context.Context) string {
	n, _ := ctx.Value(nonceKey{}).(string)
	return n
}

func NewNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Applies reports whether r is an HTML navigation that should get a policy.
func Applies(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if !strings.Contains(r.Header.Get("Accept"), "text/html") {
		return false
	}
	if isPrefetch(r.Header) {
		return false
	}
	p := r.URL.Path
	if p == "/favicon.ico" {
		return false
	}
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(p, prefix) {
			return false
		}
	}
	return path.Ext(p) == ""
}

func isPrefetch(h http.Header) bool {
	if strings.EqualFold(h.Get("Purpose"), "prefetch") {
		return true
	}
	if strings.Contains(strings.ToLower(h.Get("Sec-Purpose")), "prefetch") {
		return true
	}
	return h.Get("Next-Router-Prefetch") != ""
}

// Policy renders the header value for one nonce. Development keeps
// 'unsafe-eval' for tooling; production adds upgrade-insecure-requests.
func Policy(nonce string, production bool) string {
	n := "'nonce-" + nonce + "'"
	script := "'self' " + n + " 'strict-dynamic'"
	scriptSrc := script
	if !production {
		scriptSrc += " 'unsafe-eval'"
	}
	directives := []string{
		"default-src 'self'",
		"script-src " + scriptSrc,
		"script-src-elem " + script,
		"style-src 'self' " + n,
		"img-src 'self' data: blob: https:",
		"font-src 'self' data:",
		"connect-src 'self'",
		"object-src 'none'",
		"base-uri 'self'",
		"form-action 'self'",
		"frame-ancestors 'none'",
	}
	if production {
		directives = append(directives, "upgrade-insecure-requests")
	}
	return strings.Join(directives, "; ")
}

// Middleware sets the policy on page navigations and forwards the nonce in
// the X-Nonce request header and the request context. A client-supplied
// X-Nonce is always replaced.
func Middleware(production bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !Applies(r) {
				next.ServeHTTP(w, r)
				return
			}
			nonce, err := NewNonce()
			if err != nil {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			r = r.Clone(context.WithValue(r.Context(), nonceKey{}, nonce))
			r.Header.Set(NonceHeader, nonce)
			w.Header().Set("Content-Security-Policy", Policy(nonce, production))
			next.ServeHTTP(w, r)
		})
	}
}

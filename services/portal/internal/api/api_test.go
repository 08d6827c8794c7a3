package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/csrf"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/db"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/httpx"
)

func TestHealth(t *testing.T) {
	hs := newHarness(t)

	rec := hs.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "up", decode(t, rec)["db"])

	hs.store.pingErr = errors.New("connection refused")
	rec = hs.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "down", body["db"])
}

func TestCSRFEndpointIssuesCookie(t *testing.T) {
	hs := newHarness(t)
	r := httptest.NewRequest(http.MethodGet, "/api/csrf", nil)
	rec := hs.serve(r)
	require.Equal(t, http.StatusOK, rec.Code)

	tok, _ := decode(t, rec)["csrfToken"].(string)
	require.NotEmpty(t, tok)
	var found bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == csrf.CookieName {
			found = true
			assert.Equal(t, tok, c.Value)
			assert.False(t, c.HttpOnly)
		}
	}
	assert.True(t, found, "csrf cookie not set")
}

func TestWritesWithoutCSRFTokenAreRejected(t *testing.T) {
	hs := newHarness(t)
	r := httptest.NewRequest(http.MethodPost, "/api/admin/login", nil)
	r.AddCookie(hs.adminCookie())
	rec := hs.serve(r)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "CSRF_VALIDATION_FAILED", errorCode(t, rec))

	r = hs.request(http.MethodPost, "/api/admin/login", map[string]string{"password": "operator-secret-long-enough"})
	r.Header.Set(csrf.HeaderName, "something-else")
	rec = hs.serve(r)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestErrorEnvelopeCarriesRequestID(t *testing.T) {
	hs := newHarness(t)
	r := hs.request(http.MethodPost, "/api/admin/login", map[string]string{"password": "nope"})
	r.Header.Set(httpx.RequestIDHeader, "req-from-edge")
	rec := hs.serve(r)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "req-from-edge", body["requestId"])
	assert.Equal(t, "req-from-edge", rec.Header().Get(httpx.RequestIDHeader))
}

func TestStorageErrorsMapToStableCodes(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"config", &db.Error{Kind: db.KindConfig, Err: errors.New("password authentication failed")}, http.StatusServiceUnavailable, "CONFIGURATION_ERROR"},
		{"missing relation", &db.Error{Kind: db.KindMissingRelation, Err: errors.New("relation does not exist")}, http.StatusServiceUnavailable, "CONFIGURATION_ERROR"},
		{"unavailable", &db.Error{Kind: db.KindUnavailable, Err: errors.New("dial timeout")}, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{"unknown", &db.Error{Kind: db.KindUnknown, Err: errors.New("boom")}, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hs := newHarness(t)
			hs.store.err = tc.err
			rec := hs.do(http.MethodGet, "/api/admin/projects", nil, hs.adminCookie())
			require.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, errorCode(t, rec))
			assert.NotContains(t, rec.Body.String(), tc.err.Error())
		})
	}
}

func TestShellCarriesNonce(t *testing.T) {
	hs := newHarness(t)
	r := httptest.NewRequest(http.MethodGet, "/portal", nil)
	r.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := hs.serve(r)
	require.Equal(t, http.StatusOK, rec.Code)

	policy := rec.Header().Get("Content-Security-Policy")
	m := regexp.MustCompile(`'nonce-([A-Za-z0-9_-]+)'`).FindStringSubmatch(policy)
	require.Len(t, m, 2, policy)
	assert.Contains(t, rec.Body.String(), `nonce="`+m[1]+`"`)
	assert.Contains(t, rec.Body.String(), `data-area="portal"`)
}

func TestAPIResponsesSkipCSP(t *testing.T) {
	hs := newHarness(t)
	r := httptest.NewRequest(http.MethodGet, "/api/csrf", nil)
	r.Header.Set("Accept", "text/html")
	rec := hs.serve(r)
	assert.Empty(t, rec.Header().Get("Content-Security-Policy"))
}

func TestMetricsEndpoint(t *testing.T) {
	hs := newHarness(t)
	hs.do(http.MethodPost, "/api/admin/login", map[string]string{"password": "nope"})

	rec := hs.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `landspace_login_attempts_total{outcome="failure",principal="admin"} 1`)
}

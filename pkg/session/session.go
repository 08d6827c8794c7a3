// Package session issues and verifies the stateless admin and portal session
// cookies. Both kinds are HS256 JWTs signed with keys derived from the same
// secret under different HKDF labels, and carry different audiences, so a
// token minted for one namespace never verifies in the other.
package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/httpx"
	"golang.org/x/crypto/hkdf"
)

const (
	AdminCookieName  = "ls_admin_session"
	PortalCookieName = "ls_portal_session"

	TTL = 7 * 24 * time.Hour

	adminAudience  = "ls-admin"
	portalAudience = "ls-portal"
	adminKeyInfo   = "ls-admin-session/v1"
	portalKeyInfo  = "ls-portal-session/v1"
	portalRole     = "client"
)

var ErrEmptySecret = errors.New("session secret is empty")

type AdminClaims struct {
	Authenticated bool   `json:"authenticated"`
	Nonce         string `json:"nonce"`
	jwt.RegisteredClaims
}

type PortalClaims struct {
	Protocol  string `json:"protocol"`
	ProjectID string `json:"projectId"`
	Role      string `json:"role"`
	Nonce     string `json:"nonce"`
	jwt.RegisteredClaims
}

type Manager struct {
	adminKey  []byte
	portalKey []byte
	secure    bool
	now       func() time.Time
}

// NewManager derives the per-namespace signing keys. secure marks cookies
// Secure and should be true in production.
func NewManager(secret string, secure bool) (*Manager, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	adminKey, err := deriveKey(secret, adminKeyInfo)
	if err != nil {
		return nil, err
	}
	portalKey, err := deriveKey(secret, portalKeyInfo)
	if err != nil {
		return nil, err
	}
	return &Manager{adminKey: adminKey, portalKey: portalKey, secure: secure, now: time.Now}, nil
}

func deriveKey(secret, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(info)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func (m *Manager) registered(audience, subject string) (jwt.RegisteredClaims, time.Time) {
	now := m.now()
	exp := now.Add(TTL)
	return jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}, exp
}

func (m *Manager) SignAdmin() (string, time.Time, error) {
	rc, exp := m.registered(adminAudience, "admin")
	claims := AdminClaims{Authenticated: true, Nonce: uuid.NewString(), RegisteredClaims: rc}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.adminKey)
	return tok, exp, err
}

func (m *Manager) SignPortal(protocol, projectID string) (string, time.Time, error) {
	rc, exp := m.registered(portalAudience, protocol)
	claims := PortalClaims{
		Protocol:         protocol,
		ProjectID:        projectID,
		Role:             portalRole,
		Nonce:            uuid.NewString(),
		RegisteredClaims: rc,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.portalKey)
	return tok, exp, err
}

func (m *Manager) parse(token string, claims jwt.Claims, key []byte, audience string) bool {
	if token == "" {
		return false
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(m.now),
	)
	return err == nil && parsed.Valid
}

// ParseAdmin never errors: any invalid, expired or foreign token is (nil, false).
func (m *Manager) ParseAdmin(token string) (*AdminClaims, bool) {
	var claims AdminClaims
	if !m.parse(token, &claims, m.adminKey, adminAudience) || !claims.Authenticated {
		return nil, false
	}
	return &claims, true
}

func (m *Manager) ParsePortal(token string) (*PortalClaims, bool) {
	var claims PortalClaims
	if !m.parse(token, &claims, m.portalKey, portalAudience) {
		return nil, false
	}
	if claims.Protocol == "" || claims.ProjectID == "" || claims.Role != portalRole {
		return nil, false
	}
	return &claims, true
}

func (m *Manager) setCookie(w http.ResponseWriter, name, value string, exp time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  exp,
		MaxAge:   int(TTL / time.Second),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (m *Manager) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (m *Manager) IssueAdmin(w http.ResponseWriter) error {
	tok, exp, err := m.SignAdmin()
	if err != nil {
		return err
	}
	m.setCookie(w, AdminCookieName, tok, exp)
	return nil
}

func (m *Manager) IssuePortal(w http.ResponseWriter, protocol, projectID string) error {
	tok, exp, err := m.SignPortal(protocol, projectID)
	if err != nil {
		return err
	}
	m.setCookie(w, PortalCookieName, tok, exp)
	return nil
}

func (m *Manager) VerifyAdmin(r *http.Request) (*AdminClaims, bool) {
	c, err := r.Cookie(AdminCookieName)
	if err != nil {
		return nil, false
	}
	return m.ParseAdmin(c.Value)
}

func (m *Manager) VerifyPortal(r *http.Request) (*PortalClaims, bool) {
	c, err := r.Cookie(PortalCookieName)
	if err != nil {
		return nil, false
	}
	return m.ParsePortal(c.Value)
}

func (m *Manager) ClearAdmin(w http.ResponseWriter)  { m.clearCookie(w, AdminCookieName) }
func (m *Manager) ClearPortal(w http.ResponseWriter) { m.clearCookie(w, PortalCookieName) }

type portalClaimsKey struct{}

func (m *Manager) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := m.VerifyAdmin(r); !ok {
			httpx.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Manager) RequirePortal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := m.VerifyPortal(r)
		if !ok {
			httpx.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), portalClaimsKey{}, claims)))
	})
}

func PortalFromContext(ctx context.Context) (*PortalClaims, bool) {
	c, ok := ctx.Value(portalClaimsKey{}).(*PortalClaims)
	return c, ok
}

// Package signedlink builds and checks short-lived HMAC-signed download
// links for preview files.
package signedlink

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	PathPrefix = "/files/preview/"
	DefaultTTL = 10 * time.Minute
)

var (
	ErrEmptySecret  = errors.New("signedlink secret is empty")
	ErrExpired      = errors.New("link expired")
	ErrBadSignature = errors.New("link signature invalid")
	ErrMalformed    = errors.New("link malformed")
)

type Signer struct {
	secret []byte
	now    func() time.Time
}

func New(secret string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrEmptySecret
	}
	return &Signer{secret: []byte(secret), now: time.Now}, nil
}

func (s *Signer) mac(fileID string, exp int64) []byte {
	m := hmac.New(sha256.New, s.secret)
	_, _ = m.Write([]byte(fileID))
	_, _ = m.Write([]byte{'\n'})
	_, _ = m.Write([]byte(strconv.FormatInt(exp, 10)))
	return m.Sum(nil)
}

// Sign returns the hex HMAC-SHA256 of fileID and the unix expiry.
func (s *Signer) Sign(fileID string, exp int64) string {
	return hex.EncodeToString(s.mac(fileID, exp))
}

func (s *Signer) Verify(fileID string, exp int64, sig string) error {
	got, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil || len(got) != sha256.Size {
		return ErrBadSignature
	}
	if !hmac.Equal(got, s.mac(fileID, exp)) {
		return ErrBadSignature
	}
	if s.now().Unix() > exp {
		return ErrExpired
	}
	return nil
}

// VerifyQuery reads exp and sig from a link's query string.
func (s *Signer) VerifyQuery(fileID string, q url.Values) error {
	exp, err := strconv.ParseInt(q.Get("exp"), 10, 64)
	if err != nil {
		return ErrMalformed
	}
	if q.Get("sig") == "" {
		return ErrMalformed
	}
	return s.Verify(fileID, exp, q.Get("sig"))
}

// URL returns the relative link path and its expiry.
func (s *Signer) URL(fileID string, ttl time.Duration) (string, time.Time) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	exp := s.now().Add(ttl).Truncate(time.Second)
	q := url.Values{}
	q.Set("exp", strconv.FormatInt(exp.Unix(), 10))
	q.Set("sig", s.Sign(fileID, exp.Unix()))
	return fmt.Sprintf("%s%s?%s", PathPrefix, url.PathEscape(fileID), q.Encode()), exp
}

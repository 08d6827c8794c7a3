package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/wellmoagro2-afk/landspace-sub000/services/portal/internal/store"
)

const (
	HeaderName   = "Idempotency-Key"
	maxKeyLength = 200
)

var (
	// ErrKeyReused means a key came back with a different request body.
	ErrKeyReused = errors.New("idempotency key reused with a different request")
	// ErrInProgress means another request holding the key has not finished.
	ErrInProgress = errors.New("idempotency key is in use by a request in progress")
)

// Scope identifies who owns a key. Admin requests share one principal, so
// the project id keeps keys from colliding across projects.
type Scope struct {
	Principal string
	ProjectID string
	Key       string
}

func (s Scope) ID() string { return s.Principal + ":" + s.ProjectID }

type Store interface {
	ClaimIdempotencyKey(ctx context.Context, scope, key, endpoint, requestHash string) (bool, error)
	GetIdempotencyRecord(ctx context.Context, scope, key, endpoint string) (store.IdempotencyRecord, bool, error)
	ReleaseIdempotencyKey(ctx context.Context, scope, key, endpoint string) error
}

// KeyFromRequest returns the trimmed Idempotency-Key, or "" when it is
// absent or too long to be a real client key.
func KeyFromRequest(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get(HeaderName))
	if len(key) > maxKeyLength {
		return ""
	}
	return key
}

// Fingerprint hashes a JSON body after re-encoding it, so key order and
// whitespace do not change the result.
func Fingerprint(body []byte) (string, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return "", err
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Claim reserves scope's key before the request mutates anything. It
// returns replayed=true with the stored response when the same request
// already finished. With no key it is a no-op and the caller proceeds.
func Claim(ctx context.Context, st Store, scope Scope, endpoint, requestHash string) (int, []byte, bool, error) {
	if scope.Key == "" {
		return 0, nil, false, nil
	}
	claimed, err := st.ClaimIdempotencyKey(ctx, scope.ID(), scope.Key, endpoint, requestHash)
	if err != nil {
		return 0, nil, false, err
	}
	if claimed {
		return 0, nil, false, nil
	}
	rec, found, err := st.GetIdempotencyRecord(ctx, scope.ID(), scope.Key, endpoint)
	if err != nil {
		return 0, nil, false, err
	}
	switch {
	case !found:
		// Released between our insert and read; the client retries.
		return 0, nil, false, ErrInProgress
	case rec.RequestHash != requestHash:
		return 0, nil, false, ErrKeyReused
	case rec.Pending():
		return 0, nil, false, ErrInProgress
	}
	return rec.Status, rec.Body, true, nil
}

// Release gives up a claim whose request failed, so a retry can run.
func Release(ctx context.Context, st Store, scope Scope, endpoint string) error {
	if scope.Key == "" {
		return nil
	}
	return st.ReleaseIdempotencyKey(ctx, scope.ID(), scope.Key, endpoint)
}

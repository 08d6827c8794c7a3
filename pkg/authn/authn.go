package authn

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/wellmoagro2-afk/landspace-sub000/pkg/db"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/ledger"
	"golang.org/x/crypto/bcrypt"
)

const MinAdminPasswordLen = 12

const timingEqualizerInput = "landspace/timing-equalizer"

type AdminCredentialStore interface {
	GetAdminPasswordHash(ctx context.Context) (hash string, found bool, err error)
}

type PortalCredentialStore interface {
	LookupPortalPIN(ctx context.Context, protocol string) (projectID, pinHash string, found bool, err error)
}

// Verifier checks the admin password against the persisted bcrypt hash and
// falls back to the operator secret only when no hash has been stored.
type Verifier struct {
	store          AdminCredentialStore
	operatorSecret string
	dummyHash      []byte
}

func NewVerifier(store AdminCredentialStore, operatorSecret string) (*Verifier, error) {
	return newVerifier(store, operatorSecret, bcrypt.DefaultCost)
}

func newVerifier(store AdminCredentialStore, operatorSecret string, cost int) (*Verifier, error) {
	dummy, err := newDummyHash(cost)
	if err != nil {
		return nil, err
	}
	return &Verifier{store: store, operatorSecret: operatorSecret, dummyHash: dummy}, nil
}

// VerifyAdminPassword returns false for every wrong-credential case. It only
// returns an error (always a *db.Error) when storage is misconfigured,
// unreachable or failing in an unknown way.
func (v *Verifier) VerifyAdminPassword(ctx context.Context, attempt string) (bool, error) {
	hash, found, err := v.store.GetAdminPasswordHash(ctx)
	if err != nil {
		wrapped := db.Wrap(err)
		if db.KindOf(wrapped) != db.KindMissingRelation {
			return false, wrapped
		}
		found = false
	}

	if found {
		if !isBcryptHash(hash) {
			burn(v.dummyHash, attempt)
			return false, nil
		}
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(attempt)) == nil, nil
	}

	if v.operatorSecret != "" && attempt != "" && secretsEqual(attempt, v.operatorSecret) {
		return true, nil
	}
	burn(v.dummyHash, attempt)
	return false, nil
}

type PortalVerifier struct {
	store     PortalCredentialStore
	dummyHash []byte
}

func NewPortalVerifier(store PortalCredentialStore) (*PortalVerifier, error) {
	return newPortalVerifier(store, bcrypt.DefaultCost)
}

func newPortalVerifier(store PortalCredentialStore, cost int) (*PortalVerifier, error) {
	dummy, err := newDummyHash(cost)
	if err != nil {
		return nil, err
	}
	return &PortalVerifier{store: store, dummyHash: dummy}, nil
}

// VerifyPIN checks a portal login. Unknown and malformed protocols cost the
// same bcrypt work as a wrong PIN. A missing table is a broken deployment
// here, so it surfaces as a config error instead of "access denied".
func (v *PortalVerifier) VerifyPIN(ctx context.Context, protocol, pin string) (string, bool, error) {
	normalized := ledger.NormalizeProtocol(protocol)
	if normalized == "" {
		burn(v.dummyHash, pin)
		return "", false, nil
	}
	projectID, pinHash, found, err := v.store.LookupPortalPIN(ctx, normalized)
	if err != nil {
		wrapped := db.Wrap(err)
		if db.KindOf(wrapped) == db.KindMissingRelation {
			return "", false, &db.Error{Kind: db.KindConfig, Err: err}
		}
		return "", false, wrapped
	}
	if !found || !isBcryptHash(pinHash) {
		burn(v.dummyHash, pin)
		return "", false, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(pinHash), []byte(pin)) != nil {
		return "", false, nil
	}
	return projectID, true, nil
}

func HashPassword(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GeneratePIN returns a 6-digit numeric PIN from crypto/rand.
func GeneratePIN() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	n := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return fmt.Sprintf("%06d", n%1000000), nil
}

func newDummyHash(cost int) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(timingEqualizerInput), cost)
}

// burn spends one bcrypt comparison so that failures without a real hash
// take as long as failures with one.
func burn(dummyHash []byte, attempt string) {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(attempt))
}

func isBcryptHash(hash string) bool {
	_, err := bcrypt.Cost([]byte(hash))
	return err == nil
}

func secretsEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

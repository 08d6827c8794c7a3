package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

const adminPasswordKey = "admin_password"

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrStepNotFound    = errors.New("step not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrFileNotFound    = errors.New("file not found")

	ErrEntryExceedsTotal = errors.New("entryValue cannot exceed totalValue")
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// Migrate applies the embedded schema. Every statement is IF NOT EXISTS, so
// running it again is harmless.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

// GetAdminPasswordHash returns driver errors untouched so the caller can
// classify them.
func (s *Store) GetAdminPasswordHash(ctx context.Context) (string, bool, error) {
	var hash string
	err := s.DB.QueryRow(ctx, `SELECT value FROM admin_config WHERE key=$1`, adminPasswordKey).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return hash, true, nil
}

func (s *Store) SetAdminPassword(ctx context.Context, hash, updatedBy string) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO admin_config(key,value,updated_by,updated_at)
VALUES($1,$2,$3,now())
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_by=EXCLUDED.updated_by, updated_at=now()
`, adminPasswordKey, hash, updatedBy)
	return err
}

func (s *Store) LookupPortalPIN(ctx context.Context, protocol string) (string, string, bool, error) {
	var projectID, pinHash string
	err := s.DB.QueryRow(ctx, `SELECT id::text, pin_hash FROM projects WHERE protocol=$1`, protocol).Scan(&projectID, &pinHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	return projectID, pinHash, true, nil
}

// IdempotencyRecord is a stored response together with the fingerprint of
// the request that produced it. Status 0 marks a key that is claimed but
// whose request has not finished.
type IdempotencyRecord struct {
	Status      int
	RequestHash string
	Body        []byte
}

func (r IdempotencyRecord) Pending() bool { return r.Status == 0 }

var ErrKeyClaimLost = errors.New("idempotency claim no longer held")

func (s *Store) GetIdempotencyRecord(ctx context.Context, scope, key, endpoint string) (IdempotencyRecord, bool, error) {
	var rec IdempotencyRecord
	err := s.DB.QueryRow(ctx, `
SELECT response_status, request_hash, response_body::text
FROM idempotency_records
WHERE scope=$1 AND idempotency_key=$2 AND endpoint=$3
`, scope, key, endpoint).Scan(&rec.Status, &rec.RequestHash, &rec.Body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IdempotencyRecord{}, false, nil
		}
		return IdempotencyRecord{}, false, err
	}
	return rec, true, nil
}

// ClaimIdempotencyKey inserts a pending placeholder for the key and reports
// whether this caller now owns it. A pending claim older than a minute is
// taken over, since its request died before finishing.
func (s *Store) ClaimIdempotencyKey(ctx context.Context, scope, key, endpoint, requestHash string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
INSERT INTO idempotency_records(scope,idempotency_key,endpoint,request_hash)
VALUES($1,$2,$3,$4)
ON CONFLICT (scope,idempotency_key,endpoint) DO UPDATE
  SET request_hash=EXCLUDED.request_hash, created_at=now()
  WHERE idempotency_records.response_status=0
    AND idempotency_records.created_at < now() - interval '1 minute'
`, scope, key, endpoint, requestHash)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseIdempotencyKey drops a pending claim so the client can retry after
// a failed request. Finished records are left alone.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, scope, key, endpoint string) error {
	_, err := s.DB.Exec(ctx, `
DELETE FROM idempotency_records
WHERE scope=$1 AND idempotency_key=$2 AND endpoint=$3 AND response_status=0
`, scope, key, endpoint)
	return err
}

// completeKeyTx stores the response for a claimed key in the caller's
// transaction.
func completeKeyTx(ctx context.Context, tx pgx.Tx, scope, key, endpoint string, status int, body []byte) error {
	tag, err := tx.Exec(ctx, `
UPDATE idempotency_records SET response_status=$4, response_body=$5::jsonb
WHERE scope=$1 AND idempotency_key=$2 AND endpoint=$3 AND response_status=0
`, scope, key, endpoint, status, string(body))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyClaimLost
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// NUMERIC columns travel as text so no precision is lost to floats.
func parseMoney(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse money %q: %w", raw, err)
	}
	return d, nil
}

func moneyArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.StringFixed(2)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

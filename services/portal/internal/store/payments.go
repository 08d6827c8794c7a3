package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/ledger"
)

type NewPayment struct {
	Method ledger.PaymentMethod
	Amount decimal.Decimal
	Status ledger.PaymentStatus
	Note   *string
}

// PaymentPatch leaves nil fields untouched. A Note pointing at "" clears
// the note.
type PaymentPatch struct {
	Method *ledger.PaymentMethod
	Amount *decimal.Decimal
	Status *ledger.PaymentStatus
	Note   *string
}

// PaymentReceipt ties a payment insert to a claimed idempotency key. The
// encoded response is stored in the same transaction as the payment, so a
// key can never end up with a payment but no record, or the reverse.
type PaymentReceipt struct {
	Scope    string
	Key      string
	Endpoint string
	Status   int
	Encode   func(ledger.Payment, ledger.Totals) ([]byte, error)
}

const paymentColumns = `id::text, project_id::text, method, amount::text, status, note, created_at`

func scanPayment(row scanner) (ledger.Payment, error) {
	var p ledger.Payment
	var method, amount, status string
	if err := row.Scan(&p.ID, &p.ProjectID, &method, &amount, &status, &p.Note, &p.CreatedAt); err != nil {
		return ledger.Payment{}, err
	}
	var err error
	if p.Amount, err = parseMoney(amount); err != nil {
		return ledger.Payment{}, err
	}
	p.Method = ledger.PaymentMethod(method)
	p.Status = ledger.PaymentStatus(status)
	return p, nil
}

func (s *Store) listPayments(ctx context.Context, projectID string) ([]ledger.Payment, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE project_id=$1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ledger.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// lockProject takes the row lock that serializes every ledger mutation of
// one project.
func lockProject(ctx context.Context, tx pgx.Tx, projectID string) error {
	if _, err := uuid.Parse(projectID); err != nil {
		return ErrProjectNotFound
	}
	var id string
	err := tx.QueryRow(ctx, `SELECT id::text FROM projects WHERE id=$1 FOR UPDATE`, projectID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrProjectNotFound
	}
	return err
}

// recalculateTx rebuilds paid and balance from the confirmed payments. The
// caller must already hold the project lock.
func recalculateTx(ctx context.Context, tx pgx.Tx, projectID string) (ledger.Totals, error) {
	var rawTotal string
	if err := tx.QueryRow(ctx, `SELECT total_value::text FROM projects WHERE id=$1`, projectID).Scan(&rawTotal); err != nil {
		return ledger.Totals{}, err
	}
	total, err := parseMoney(rawTotal)
	if err != nil {
		return ledger.Totals{}, err
	}

	rows, err := tx.Query(ctx, `SELECT amount::text FROM payments WHERE project_id=$1 AND status=$2`, projectID, string(ledger.PaymentConfirmed))
	if err != nil {
		return ledger.Totals{}, err
	}
	var confirmed []ledger.Payment
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return ledger.Totals{}, err
		}
		amount, err := parseMoney(raw)
		if err != nil {
			rows.Close()
			return ledger.Totals{}, err
		}
		confirmed = append(confirmed, ledger.Payment{Amount: amount, Status: ledger.PaymentConfirmed})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ledger.Totals{}, err
	}

	totals := ledger.Recalculate(total, confirmed)
	if _, err := tx.Exec(ctx, `
UPDATE projects SET paid_value=$2::numeric, balance_value=$3::numeric, updated_at=now() WHERE id=$1
`, projectID, totals.Paid.StringFixed(2), totals.Balance.StringFixed(2)); err != nil {
		return ledger.Totals{}, err
	}
	return totals, nil
}

// CreatePayment inserts a payment and recomputes the project totals. When
// receipt is non-nil its key must already be claimed; the response is
// recorded before commit.
func (s *Store) CreatePayment(ctx context.Context, projectID string, in NewPayment, receipt *PaymentReceipt) (ledger.Payment, ledger.Totals, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return ledger.Payment{}, ledger.Totals{}, err
	}
	defer tx.Rollback(ctx)

	if err := lockProject(ctx, tx, projectID); err != nil {
		return ledger.Payment{}, ledger.Totals{}, err
	}
	p, err := scanPayment(tx.QueryRow(ctx, `
INSERT INTO payments(id,project_id,method,amount,status,note)
VALUES($1,$2,$3,$4::numeric,$5,$6)
RETURNING `+paymentColumns, uuid.NewString(), projectID, string(in.Method), in.Amount.StringFixed(2), string(in.Status), in.Note))
	if err != nil {
		return ledger.Payment{}, ledger.Totals{}, err
	}
	totals, err := recalculateTx(ctx, tx, projectID)
	if err != nil {
		return ledger.Payment{}, ledger.Totals{}, err
	}
	if receipt != nil {
		body, err := receipt.Encode(p, totals)
		if err != nil {
			return ledger.Payment{}, ledger.Totals{}, err
		}
		if err := completeKeyTx(ctx, tx, receipt.Scope, receipt.Key, receipt.Endpoint, receipt.Status, body); err != nil {
			return ledger.Payment{}, ledger.Totals{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Payment{}, ledger.Totals{}, err
	}
	return p, totals, nil
}

func (s *Store) UpdatePayment(ctx context.Context, projectID, paymentID string, patch PaymentPatch) (ledger.Payment, ledger.Totals, error) {
	if _, err := uuid.Parse(paymentID); err != nil {
		return ledger.Payment{}, ledger.Totals{}, ErrPaymentNotFound
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return ledger.Payment{}, ledger.Totals{}, err
	}
	defer tx.Rollback(ctx)

	if err := lockProject(ctx, tx, projectID); err != nil {
		return ledger.Payment{}, ledger.Totals{}, err
	}
	var method, status any
	if patch.Method != nil {
		method = string(*patch.Method)
	}
	if patch.Status != nil {
		status = string(*patch.Status)
	}
	p, err := scanPayment(tx.QueryRow(ctx, `
UPDATE payments SET
  method=COALESCE($3,method),
  amount=COALESCE($4::numeric,amount),
  status=COALESCE($5,status),
  note=CASE WHEN $6::text IS NULL THEN note ELSE NULLIF($6::text,'') END
WHERE project_id=$1 AND id=$2
RETURNING `+paymentColumns, projectID, paymentID, method, moneyArg(patch.Amount), status, patch.Note))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Payment{}, ledger.Totals{}, ErrPaymentNotFound
		}
		return ledger.Payment{}, ledger.Totals{}, err
	}
	totals, err := recalculateTx(ctx, tx, projectID)
	if err != nil {
		return ledger.Payment{}, ledger.Totals{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Payment{}, ledger.Totals{}, err
	}
	return p, totals, nil
}

func (s *Store) DeletePayment(ctx context.Context, projectID, paymentID string) (ledger.Totals, error) {
	if _, err := uuid.Parse(paymentID); err != nil {
		return ledger.Totals{}, ErrPaymentNotFound
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return ledger.Totals{}, err
	}
	defer tx.Rollback(ctx)

	if err := lockProject(ctx, tx, projectID); err != nil {
		return ledger.Totals{}, err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM payments WHERE project_id=$1 AND id=$2`, projectID, paymentID)
	if err != nil {
		return ledger.Totals{}, err
	}
	if tag.RowsAffected() == 0 {
		return ledger.Totals{}, ErrPaymentNotFound
	}
	totals, err := recalculateTx(ctx, tx, projectID)
	if err != nil {
		return ledger.Totals{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Totals{}, err
	}
	return totals, nil
}

// RecalculateProject recomputes totals from scratch. Running it twice in a
// row leaves the project unchanged.
func (s *Store) RecalculateProject(ctx context.Context, projectID string) (ledger.Totals, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return ledger.Totals{}, err
	}
	defer tx.Rollback(ctx)

	if err := lockProject(ctx, tx, projectID); err != nil {
		return ledger.Totals{}, err
	}
	totals, err := recalculateTx(ctx, tx, projectID)
	if err != nil {
		return ledger.Totals{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Totals{}, err
	}
	return totals, nil
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/ledger"
)

const projectColumns = `id::text, protocol, client_name, total_value::text, entry_value::text,
paid_value::text, balance_value::text, final_release, status, created_at, updated_at`

type NewProject struct {
	ClientName string
	PINHash    string
	TotalValue decimal.Decimal
	EntryValue decimal.Decimal
}

// ProjectPatch carries optional changes. Paid and balance are absent on
// purpose: they are only ever recomputed.
type ProjectPatch struct {
	ClientName   *string
	TotalValue   *decimal.Decimal
	EntryValue   *decimal.Decimal
	FinalRelease *bool
	Status       *ledger.Status
	PINHash      *string
}

type StepPatch struct {
	State *ledger.StepState
	Title *string
}

func scanProject(row scanner) (ledger.Project, error) {
	var p ledger.Project
	var total, entry, paid, balance, status string
	if err := row.Scan(&p.ID, &p.Protocol, &p.ClientName, &total, &entry, &paid, &balance,
		&p.FinalRelease, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return ledger.Project{}, err
	}
	var err error
	if p.TotalValue, err = parseMoney(total); err != nil {
		return ledger.Project{}, err
	}
	if p.EntryValue, err = parseMoney(entry); err != nil {
		return ledger.Project{}, err
	}
	if p.PaidValue, err = parseMoney(paid); err != nil {
		return ledger.Project{}, err
	}
	if p.BalanceValue, err = parseMoney(balance); err != nil {
		return ledger.Project{}, err
	}
	p.Status = ledger.Status(status)
	return p, nil
}

// CreateProject allocates the next protocol for the current year, inserts
// the project with its step template and seeds the ledger totals.
func (s *Store) CreateProject(ctx context.Context, in NewProject) (ledger.Project, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return ledger.Project{}, err
	}
	defer tx.Rollback(ctx)

	year := time.Now().UTC().Year()
	var seq int64
	if err := tx.QueryRow(ctx, `
INSERT INTO protocol_counters(year,last_seq) VALUES($1,1)
ON CONFLICT (year) DO UPDATE SET last_seq=protocol_counters.last_seq+1
RETURNING last_seq
`, year).Scan(&seq); err != nil {
		return ledger.Project{}, err
	}

	id := uuid.NewString()
	if _, err := tx.Exec(ctx, `
INSERT INTO projects(id,protocol,client_name,pin_hash,total_value,entry_value,status)
VALUES($1,$2,$3,$4,$5::numeric,$6::numeric,$7)
`, id, ledger.FormatProtocol(year, seq), in.ClientName, in.PINHash,
		in.TotalValue.StringFixed(2), in.EntryValue.StringFixed(2), string(ledger.StatusAguardandoEntrada)); err != nil {
		return ledger.Project{}, err
	}

	for i, step := range ledger.StepTemplate() {
		if _, err := tx.Exec(ctx, `
INSERT INTO project_steps(id,project_id,step_key,title,state,sort_order)
VALUES($1,$2,$3,$4,$5,$6)
`, uuid.NewString(), id, step.Key, step.Title, string(ledger.StepPending), i); err != nil {
			return ledger.Project{}, err
		}
	}
	if _, err := recalculateTx(ctx, tx, id); err != nil {
		return ledger.Project{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Project{}, err
	}
	return s.GetProject(ctx, id)
}

// ListProjects returns project headers only, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]ledger.Project, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ledger.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProject loads a project with its steps, payments and files.
func (s *Store) GetProject(ctx context.Context, id string) (ledger.Project, error) {
	if _, err := uuid.Parse(id); err != nil {
		return ledger.Project{}, ErrProjectNotFound
	}
	p, err := scanProject(s.DB.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Project{}, ErrProjectNotFound
		}
		return ledger.Project{}, err
	}
	if p.Steps, err = s.listSteps(ctx, id); err != nil {
		return ledger.Project{}, err
	}
	if p.Payments, err = s.listPayments(ctx, id); err != nil {
		return ledger.Project{}, err
	}
	if p.Files, err = s.listFiles(ctx, id); err != nil {
		return ledger.Project{}, err
	}
	return p, nil
}

func checkEntryWithinTotal(rawTotal, rawEntry string) error {
	total, err := parseMoney(rawTotal)
	if err != nil {
		return err
	}
	entry, err := parseMoney(rawEntry)
	if err != nil {
		return err
	}
	if entry.GreaterThan(total) {
		return ErrEntryExceedsTotal
	}
	return nil
}

func (s *Store) UpdateProject(ctx context.Context, id string, patch ProjectPatch) (ledger.Project, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return ledger.Project{}, err
	}
	defer tx.Rollback(ctx)

	if err := lockProject(ctx, tx, id); err != nil {
		return ledger.Project{}, err
	}
	var status any
	if patch.Status != nil {
		status = string(*patch.Status)
	}
	var rawTotal, rawEntry string
	if err := tx.QueryRow(ctx, `
UPDATE projects SET
  client_name=COALESCE($2,client_name),
  total_value=COALESCE($3::numeric,total_value),
  entry_value=COALESCE($4::numeric,entry_value),
  final_release=COALESCE($5,final_release),
  status=COALESCE($6,status),
  pin_hash=COALESCE($7,pin_hash),
  updated_at=now()
WHERE id=$1
RETURNING total_value::text, entry_value::text
`, id, patch.ClientName, moneyArg(patch.TotalValue), moneyArg(patch.EntryValue), patch.FinalRelease, status, patch.PINHash).Scan(&rawTotal, &rawEntry); err != nil {
		return ledger.Project{}, err
	}
	// Checked on the merged row so a patch of only one side cannot slip past.
	if err := checkEntryWithinTotal(rawTotal, rawEntry); err != nil {
		return ledger.Project{}, err
	}
	if _, err := recalculateTx(ctx, tx, id); err != nil {
		return ledger.Project{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Project{}, err
	}
	return s.GetProject(ctx, id)
}

// UpdateStep changes a step's state and/or title and returns the step as it
// was before and after, so callers can spot backward moves.
func (s *Store) UpdateStep(ctx context.Context, projectID, stepKey string, patch StepPatch) (ledger.Step, ledger.Step, error) {
	if _, err := uuid.Parse(projectID); err != nil {
		return ledger.Step{}, ledger.Step{}, ErrProjectNotFound
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return ledger.Step{}, ledger.Step{}, err
	}
	defer tx.Rollback(ctx)

	before, err := scanStep(tx.QueryRow(ctx, `
SELECT `+stepColumns+` FROM project_steps WHERE project_id=$1 AND step_key=$2 FOR UPDATE
`, projectID, stepKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Step{}, ledger.Step{}, ErrStepNotFound
		}
		return ledger.Step{}, ledger.Step{}, err
	}
	var state any
	if patch.State != nil {
		state = string(*patch.State)
	}
	after, err := scanStep(tx.QueryRow(ctx, `
UPDATE project_steps SET state=COALESCE($3,state), title=COALESCE($4,title)
WHERE project_id=$1 AND step_key=$2
RETURNING `+stepColumns, projectID, stepKey, state, patch.Title))
	if err != nil {
		return ledger.Step{}, ledger.Step{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE projects SET updated_at=now() WHERE id=$1`, projectID); err != nil {
		return ledger.Step{}, ledger.Step{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Step{}, ledger.Step{}, err
	}
	return before, after, nil
}

const stepColumns = `id::text, project_id::text, step_key, title, state, sort_order`

func scanStep(row scanner) (ledger.Step, error) {
	var st ledger.Step
	var state string
	if err := row.Scan(&st.ID, &st.ProjectID, &st.StepKey, &st.Title, &state, &st.Order); err != nil {
		return ledger.Step{}, err
	}
	st.State = ledger.StepState(state)
	return st, nil
}

func (s *Store) listSteps(ctx context.Context, projectID string) ([]ledger.Step, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+stepColumns+` FROM project_steps WHERE project_id=$1 ORDER BY sort_order`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ledger.Step{}
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

const fileColumns = `id::text, project_id::text, kind, name, storage_key, size_bytes, created_at`

func scanFile(row scanner) (ledger.File, error) {
	var f ledger.File
	var kind string
	if err := row.Scan(&f.ID, &f.ProjectID, &kind, &f.Name, &f.StorageKey, &f.SizeBytes, &f.CreatedAt); err != nil {
		return ledger.File{}, err
	}
	f.Kind = ledger.FileKind(kind)
	return f, nil
}

func (s *Store) listFiles(ctx context.Context, projectID string) ([]ledger.File, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+fileColumns+` FROM project_files WHERE project_id=$1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ledger.File{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// AddFile records metadata for a file already written under FILES_DIR.
func (s *Store) AddFile(ctx context.Context, f ledger.File) (ledger.File, error) {
	if _, err := uuid.Parse(f.ProjectID); err != nil {
		return ledger.File{}, ErrProjectNotFound
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	out, err := scanFile(s.DB.QueryRow(ctx, `
INSERT INTO project_files(id,project_id,kind,name,storage_key,size_bytes)
VALUES($1,$2,$3,$4,$5,$6)
RETURNING `+fileColumns, f.ID, f.ProjectID, string(f.Kind), f.Name, f.StorageKey, f.SizeBytes))
	if err != nil {
		if isForeignKeyViolation(err) {
			return ledger.File{}, ErrProjectNotFound
		}
		return ledger.File{}, err
	}
	return out, nil
}

func (s *Store) GetFile(ctx context.Context, fileID string) (ledger.File, error) {
	if _, err := uuid.Parse(fileID); err != nil {
		return ledger.File{}, ErrFileNotFound
	}
	f, err := scanFile(s.DB.QueryRow(ctx, `SELECT `+fileColumns+` FROM project_files WHERE id=$1`, fileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.File{}, ErrFileNotFound
		}
		return ledger.File{}, err
	}
	return f, nil
}

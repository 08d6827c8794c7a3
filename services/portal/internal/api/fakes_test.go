package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/csrf"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/ledger"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/session"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/signedlink"
	"github.com/wellmoagro2-afk/landspace-sub000/services/portal/internal/metrics"
	"github.com/wellmoagro2-afk/landspace-sub000/services/portal/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	err      error
	pingErr  error
	projects map[string]*ledger.Project
	pinHash  map[string]string
	files    map[string]ledger.File
	idem     map[string]store.IdempotencyRecord
	seq      int64

	adminHash      string
	adminUpdatedBy string
	paymentCreates int
	createDelay    time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: map[string]*ledger.Project{},
		pinHash:  map[string]string{},
		files:    map[string]ledger.File{},
		idem:     map[string]store.IdempotencyRecord{},
	}
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) SetAdminPassword(ctx context.Context, hash, updatedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.adminHash, f.adminUpdatedBy = hash, updatedBy
	return nil
}

func idemKey(scope, key, endpoint string) string { return scope + "|" + key + "|" + endpoint }

func (f *fakeStore) ClaimIdempotencyKey(ctx context.Context, scope, key, endpoint, requestHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.idem[idemKey(scope, key, endpoint)]; ok {
		return false, nil
	}
	f.idem[idemKey(scope, key, endpoint)] = store.IdempotencyRecord{RequestHash: requestHash}
	return true, nil
}

func (f *fakeStore) GetIdempotencyRecord(ctx context.Context, scope, key, endpoint string) (store.IdempotencyRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.idem[idemKey(scope, key, endpoint)]
	return rec, ok, nil
}

func (f *fakeStore) ReleaseIdempotencyKey(ctx context.Context, scope, key, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.idem[idemKey(scope, key, endpoint)]; ok && rec.Pending() {
		delete(f.idem, idemKey(scope, key, endpoint))
	}
	return nil
}

func (f *fakeStore) ListProjects(ctx context.Context) ([]ledger.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := []ledger.Project{}
	for _, p := range f.projects {
		head := *p
		head.Steps, head.Payments, head.Files = nil, nil, nil
		out = append(out, head)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Protocol > out[j].Protocol })
	return out, nil
}

func (f *fakeStore) GetProject(ctx context.Context, id string) (ledger.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getLocked(id)
}

func (f *fakeStore) getLocked(id string) (ledger.Project, error) {
	if f.err != nil {
		return ledger.Project{}, f.err
	}
	p, ok := f.projects[id]
	if !ok {
		return ledger.Project{}, store.ErrProjectNotFound
	}
	out := *p
	out.Steps = append([]ledger.Step(nil), p.Steps...)
	out.Payments = append([]ledger.Payment(nil), p.Payments...)
	out.Files = nil
	for _, file := range f.files {
		if file.ProjectID == id {
			out.Files = append(out.Files, file)
		}
	}
	return out, nil
}

func (f *fakeStore) recalcLocked(p *ledger.Project) ledger.Totals {
	t := ledger.Recalculate(p.TotalValue, p.Payments)
	p.PaidValue, p.BalanceValue = t.Paid, t.Balance
	return t
}

func (f *fakeStore) CreateProject(ctx context.Context, in store.NewProject) (ledger.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ledger.Project{}, f.err
	}
	f.seq++
	p := &ledger.Project{
		ID:         uuid.NewString(),
		Protocol:   ledger.FormatProtocol(2026, f.seq),
		ClientName: in.ClientName,
		TotalValue: in.TotalValue,
		EntryValue: in.EntryValue,
		Status:     ledger.StatusAguardandoEntrada,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	for i, st := range ledger.StepTemplate() {
		p.Steps = append(p.Steps, ledger.Step{ID: uuid.NewString(), ProjectID: p.ID, StepKey: st.Key, Title: st.Title, State: ledger.StepPending, Order: i})
	}
	f.recalcLocked(p)
	f.projects[p.ID] = p
	f.pinHash[p.Protocol] = in.PINHash
	return f.getLocked(p.ID)
}

func (f *fakeStore) UpdateProject(ctx context.Context, id string, patch store.ProjectPatch) (ledger.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return ledger.Project{}, store.ErrProjectNotFound
	}
	total, entry := p.TotalValue, p.EntryValue
	if patch.TotalValue != nil {
		total = *patch.TotalValue
	}
	if patch.EntryValue != nil {
		entry = *patch.EntryValue
	}
	if entry.GreaterThan(total) {
		return ledger.Project{}, store.ErrEntryExceedsTotal
	}
	p.TotalValue, p.EntryValue = total, entry
	if patch.ClientName != nil {
		p.ClientName = *patch.ClientName
	}
	if patch.FinalRelease != nil {
		p.FinalRelease = *patch.FinalRelease
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.PINHash != nil {
		f.pinHash[p.Protocol] = *patch.PINHash
	}
	f.recalcLocked(p)
	return f.getLocked(id)
}

func (f *fakeStore) UpdateStep(ctx context.Context, projectID, stepKey string, patch store.StepPatch) (ledger.Step, ledger.Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[projectID]
	if !ok {
		return ledger.Step{}, ledger.Step{}, store.ErrProjectNotFound
	}
	for i := range p.Steps {
		if p.Steps[i].StepKey != stepKey {
			continue
		}
		before := p.Steps[i]
		if patch.State != nil {
			p.Steps[i].State = *patch.State
		}
		if patch.Title != nil {
			p.Steps[i].Title = *patch.Title
		}
		return before, p.Steps[i], nil
	}
	return ledger.Step{}, ledger.Step{}, store.ErrStepNotFound
}

func (f *fakeStore) CreatePayment(ctx context.Context, projectID string, in store.NewPayment, receipt *store.PaymentReceipt) (ledger.Payment, ledger.Totals, error) {
	// Widens the window between the key claim and the insert.
	time.Sleep(f.createDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ledger.Payment{}, ledger.Totals{}, f.err
	}
	p, ok := f.projects[projectID]
	if !ok {
		return ledger.Payment{}, ledger.Totals{}, store.ErrProjectNotFound
	}
	var k string
	if receipt != nil {
		k = idemKey(receipt.Scope, receipt.Key, receipt.Endpoint)
		if rec, ok := f.idem[k]; !ok || !rec.Pending() {
			return ledger.Payment{}, ledger.Totals{}, store.ErrKeyClaimLost
		}
	}
	f.paymentCreates++
	pay := ledger.Payment{ID: uuid.NewString(), ProjectID: projectID, Method: in.Method, Amount: in.Amount, Status: in.Status, Note: in.Note, CreatedAt: time.Now()}
	p.Payments = append(p.Payments, pay)
	totals := f.recalcLocked(p)
	if receipt != nil {
		body, err := receipt.Encode(pay, totals)
		if err != nil {
			return ledger.Payment{}, ledger.Totals{}, err
		}
		rec := f.idem[k]
		rec.Status, rec.Body = receipt.Status, body
		f.idem[k] = rec
	}
	return pay, totals, nil
}

func (f *fakeStore) UpdatePayment(ctx context.Context, projectID, paymentID string, patch store.PaymentPatch) (ledger.Payment, ledger.Totals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[projectID]
	if !ok {
		return ledger.Payment{}, ledger.Totals{}, store.ErrProjectNotFound
	}
	for i := range p.Payments {
		if p.Payments[i].ID != paymentID {
			continue
		}
		if patch.Method != nil {
			p.Payments[i].Method = *patch.Method
		}
		if patch.Amount != nil {
			p.Payments[i].Amount = *patch.Amount
		}
		if patch.Status != nil {
			p.Payments[i].Status = *patch.Status
		}
		if patch.Note != nil {
			if *patch.Note == "" {
				p.Payments[i].Note = nil
			} else {
				note := *patch.Note
				p.Payments[i].Note = &note
			}
		}
		return p.Payments[i], f.recalcLocked(p), nil
	}
	return ledger.Payment{}, ledger.Totals{}, store.ErrPaymentNotFound
}

func (f *fakeStore) DeletePayment(ctx context.Context, projectID, paymentID string) (ledger.Totals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[projectID]
	if !ok {
		return ledger.Totals{}, store.ErrProjectNotFound
	}
	for i := range p.Payments {
		if p.Payments[i].ID == paymentID {
			p.Payments = append(p.Payments[:i], p.Payments[i+1:]...)
			return f.recalcLocked(p), nil
		}
	}
	return ledger.Totals{}, store.ErrPaymentNotFound
}

func (f *fakeStore) RecalculateProject(ctx context.Context, projectID string) (ledger.Totals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ledger.Totals{}, f.err
	}
	p, ok := f.projects[projectID]
	if !ok {
		return ledger.Totals{}, store.ErrProjectNotFound
	}
	return f.recalcLocked(p), nil
}

func (f *fakeStore) AddFile(ctx context.Context, file ledger.File) (ledger.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[file.ProjectID]; !ok {
		return ledger.File{}, store.ErrProjectNotFound
	}
	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	file.CreatedAt = time.Now()
	f.files[file.ID] = file
	return file, nil
}

func (f *fakeStore) GetFile(ctx context.Context, fileID string) (ledger.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[fileID]
	if !ok {
		return ledger.File{}, store.ErrFileNotFound
	}
	return file, nil
}

type fakeAdmin struct {
	password string
	err      error
}

func (f *fakeAdmin) VerifyAdminPassword(ctx context.Context, attempt string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.password != "" && attempt == f.password, nil
}

type fakePortal struct {
	byProtocol map[string][2]string
	err        error
}

func (f *fakePortal) VerifyPIN(ctx context.Context, protocol, pin string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	rec, ok := f.byProtocol[ledger.NormalizeProtocol(protocol)]
	if !ok || rec[1] != pin {
		return "", false, nil
	}
	return rec[0], true, nil
}

const testCSRF = "test-csrf-token-0123456789"

type harness struct {
	t        *testing.T
	store    *fakeStore
	admin    *fakeAdmin
	portal   *fakePortal
	sessions *session.Manager
	links    *signedlink.Signer
	metrics  *metrics.Metrics
	filesDir string
	router   http.Handler
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, 0)
}

func newHarnessWith(t *testing.T, loginsPerMinute int) *harness {
	t.Helper()
	sessions, err := session.NewManager("session-secret-0123456789abcdef0123", false)
	require.NoError(t, err)
	links, err := signedlink.New("preview-secret-0123456789abcdef0123")
	require.NoError(t, err)
	hs := &harness{
		t:        t,
		store:    newFakeStore(),
		admin:    &fakeAdmin{password: "operator-secret-long-enough"},
		portal:   &fakePortal{byProtocol: map[string][2]string{}},
		sessions: sessions,
		links:    links,
		metrics:  metrics.New(),
		filesDir: t.TempDir(),
	}
	hs.router = New(Options{
		Store:           hs.store,
		AdminVerifier:   hs.admin,
		PortalVerifier:  hs.portal,
		Sessions:        sessions,
		Links:           links,
		Metrics:         hs.metrics,
		FilesDir:        hs.filesDir,
		LoginsPerMinute: loginsPerMinute,
	}).Router()
	return hs
}

func (hs *harness) adminCookie() *http.Cookie {
	tok, _, err := hs.sessions.SignAdmin()
	require.NoError(hs.t, err)
	return &http.Cookie{Name: session.AdminCookieName, Value: tok}
}

func (hs *harness) portalCookie(protocol, projectID string) *http.Cookie {
	tok, _, err := hs.sessions.SignPortal(protocol, projectID)
	require.NoError(hs.t, err)
	return &http.Cookie{Name: session.PortalCookieName, Value: tok}
}

func (hs *harness) request(method, target string, body any, cookies ...*http.Cookie) *http.Request {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(hs.t, err)
		rdr = bytes.NewReader(b)
	}
	r := httptest.NewRequest(method, target, rdr)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(csrf.HeaderName, testCSRF)
	r.AddCookie(&http.Cookie{Name: csrf.CookieName, Value: testCSRF})
	for _, c := range cookies {
		r.AddCookie(c)
	}
	return r
}

func (hs *harness) serve(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	hs.router.ServeHTTP(rec, r)
	return rec
}

func (hs *harness) do(method, target string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	return hs.serve(hs.request(method, target, body, cookies...))
}

// seedProject creates a project through the fake store and registers its PIN
// with the fake portal verifier.
func (hs *harness) seedProject(total, entry string) ledger.Project {
	p, err := hs.store.CreateProject(context.Background(), store.NewProject{
		ClientName: "Fazenda Santa Luzia",
		PINHash:    "unused",
		TotalValue: decimal.RequireFromString(total),
		EntryValue: decimal.RequireFromString(entry),
	})
	require.NoError(hs.t, err)
	hs.portal.byProtocol[p.Protocol] = [2]string{p.ID, "482913"}
	return p
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

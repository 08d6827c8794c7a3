// Package api wires the portal's HTTP surface: the admin backoffice, the
// client portal and the public endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/csp"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/csrf"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/httpx"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/ledger"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/logx"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/session"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/signedlink"
	"github.com/wellmoagro2-afk/landspace-sub000/services/portal/internal/idempotency"
	"github.com/wellmoagro2-afk/landspace-sub000/services/portal/internal/metrics"
	"github.com/wellmoagro2-afk/landspace-sub000/services/portal/internal/store"
	"go.uber.org/zap"
)

type AdminVerifier interface {
	VerifyAdminPassword(ctx context.Context, attempt string) (bool, error)
}

type PortalVerifier interface {
	VerifyPIN(ctx context.Context, protocol, pin string) (string, bool, error)
}

type Store interface {
	idempotency.Store

	Ping(ctx context.Context) error
	SetAdminPassword(ctx context.Context, hash, updatedBy string) error

	ListProjects(ctx context.Context) ([]ledger.Project, error)
	GetProject(ctx context.Context, id string) (ledger.Project, error)
	CreateProject(ctx context.Context, in store.NewProject) (ledger.Project, error)
	UpdateProject(ctx context.Context, id string, patch store.ProjectPatch) (ledger.Project, error)
	UpdateStep(ctx context.Context, projectID, stepKey string, patch store.StepPatch) (ledger.Step, ledger.Step, error)

	CreatePayment(ctx context.Context, projectID string, in store.NewPayment, receipt *store.PaymentReceipt) (ledger.Payment, ledger.Totals, error)
	UpdatePayment(ctx context.Context, projectID, paymentID string, patch store.PaymentPatch) (ledger.Payment, ledger.Totals, error)
	DeletePayment(ctx context.Context, projectID, paymentID string) (ledger.Totals, error)
	RecalculateProject(ctx context.Context, projectID string) (ledger.Totals, error)

	AddFile(ctx context.Context, f ledger.File) (ledger.File, error)
	GetFile(ctx context.Context, fileID string) (ledger.File, error)
}

type Options struct {
	Store          Store
	AdminVerifier  AdminVerifier
	PortalVerifier PortalVerifier
	Sessions       *session.Manager
	Links          *signedlink.Signer
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	FilesDir       string
	Production     bool
	// LoginsPerMinute caps login attempts per client IP; 0 disables the cap.
	LoginsPerMinute int
}

type Handler struct {
	store      Store
	admin      AdminVerifier
	portal     PortalVerifier
	sessions   *session.Manager
	links      *signedlink.Signer
	metrics    *metrics.Metrics
	log        *zap.Logger
	csrf       *csrf.Guard
	filesDir   string
	production bool
	logins     *fixedWindowLimiter
}

func New(opts Options) *Handler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Handler{
		store:      opts.Store,
		admin:      opts.AdminVerifier,
		portal:     opts.PortalVerifier,
		sessions:   opts.Sessions,
		links:      opts.Links,
		metrics:    m,
		log:        log,
		csrf:       csrf.New(csrf.Options{Production: opts.Production, Logger: log, OnReject: m.CSRFRejected}),
		filesDir:   opts.FilesDir,
		production: opts.Production,
		logins:     newFixedWindowLimiter(opts.LoginsPerMinute, time.Minute),
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(httpx.RequestID)
	r.Use(logx.AccessLog(h.log))
	r.Use(middleware.Recoverer)
	r.Use(h.metrics.Instrument)
	r.Use(csp.Middleware(h.production))

	r.Get("/health", h.health)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	r.Get("/", h.shell)
	r.Get("/portal", h.shell)
	r.Get("/files/preview/{fileID}", h.signedPreview)

	r.Route("/api", func(api chi.Router) {
		api.Use(h.csrf.Middleware)
		api.Get("/csrf", h.issueCSRF)

		api.Route("/admin", func(ad chi.Router) {
			ad.Post("/login", h.adminLogin)
			ad.Post("/logout", h.adminLogout)
			ad.Group(func(p chi.Router) {
				p.Use(h.sessions.RequireAdmin)
				p.Get("/session", h.adminSession)
				p.Put("/password", h.setAdminPassword)
				p.Get("/projects", h.listProjects)
				p.Post("/projects", h.createProject)
				p.Get("/projects/{projectID}", h.getProject)
				p.Patch("/projects/{projectID}", h.updateProject)
				p.Patch("/projects/{projectID}/steps/{stepKey}", h.updateStep)
				p.Post("/projects/{projectID}/payments", h.createPayment)
				p.Patch("/projects/{projectID}/payments/{paymentID}", h.updatePayment)
				p.Delete("/projects/{projectID}/payments/{paymentID}", h.deletePayment)
				p.Post("/projects/{projectID}/recalculate", h.recalculate)
				p.Post("/projects/{projectID}/files", h.uploadFile)
			})
		})

		api.Route("/portal", func(pt chi.Router) {
			pt.Post("/login", h.portalLogin)
			pt.Post("/logout", h.portalLogout)
			pt.Group(func(p chi.Router) {
				p.Use(h.sessions.RequirePortal)
				p.Get("/project", h.portalProject)
				p.Get("/files/{fileID}/download", h.portalDownload)
				p.Get("/files/{fileID}/link", h.portalLink)
			})
		})
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "db": "down"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "db": "up"})
}

func (h *Handler) issueCSRF(w http.ResponseWriter, r *http.Request) {
	tok, err := h.csrf.IssueToken(w)
	if err != nil {
		h.log.Error("issue csrf token", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"csrfToken": tok})
}

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/authn"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/httpx"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/ledger"
	"github.com/wellmoagro2-afk/landspace-sub000/services/portal/internal/idempotency"
	"github.com/wellmoagro2-afk/landspace-sub000/services/portal/internal/store"
	"go.uber.org/zap"
)

const (
	paymentsEndpoint = "POST /api/admin/projects/{projectID}/payments"
	maxJSONBody      = 1 << 20
)

type totalsView struct {
	PaidValue    decimal.Decimal `json:"paidValue"`
	BalanceValue decimal.Decimal `json:"balanceValue"`
}

func viewTotals(t ledger.Totals) totalsView {
	return totalsView{PaidValue: t.Paid, BalanceValue: t.Balance}
}

type projectView struct {
	ledger.Project
	Summary ledger.Summary `json:"summary"`
}

func viewProject(p ledger.Project) projectView {
	return projectView{Project: p, Summary: ledger.Summarize(p)}
}

func (h *Handler) adminLogin(w http.ResponseWriter, r *http.Request) {
	if !h.allowLogin(w, r, "admin") {
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		writeBadJSON(w, err)
		return
	}
	ok, err := h.admin.VerifyAdminPassword(r.Context(), req.Password)
	if err != nil {
		h.metrics.Login("admin", "error")
		h.writeStoreError(w, r, "admin login", err)
		return
	}
	if !ok {
		h.metrics.Login("admin", "failure")
		h.log.Warn("admin login failed", zap.String("ip", clientIP(r)), zap.String("request_id", httpx.RequestIDFromContext(r.Context())))
		writeInvalidCredentials(w)
		return
	}
	if err := h.sessions.IssueAdmin(w); err != nil {
		h.log.Error("issue admin session", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}
	h.metrics.Login("admin", "success")
	h.log.Info("admin login", zap.String("ip", clientIP(r)))
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"authenticated": true})
}

func (h *Handler) adminLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.ClearAdmin(w)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"authenticated": false})
}

func (h *Handler) adminSession(w http.ResponseWriter, r *http.Request) {
	claims, _ := h.sessions.VerifyAdmin(r)
	resp := map[string]any{"authenticated": true}
	if claims != nil && claims.ExpiresAt != nil {
		resp["expiresAt"] = claims.ExpiresAt.Time
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) setAdminPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		writeBadJSON(w, err)
		return
	}
	if len(req.NewPassword) < authn.MinAdminPasswordLen {
		httpx.WriteError(w, http.StatusBadRequest, "WEAK_PASSWORD", "new password is too short", map[string]any{"minLength": authn.MinAdminPasswordLen})
		return
	}
	ok, err := h.admin.VerifyAdminPassword(r.Context(), req.CurrentPassword)
	if err != nil {
		h.writeStoreError(w, r, "verify current password", err)
		return
	}
	if !ok {
		writeInvalidCredentials(w)
		return
	}
	hash, err := authn.HashPassword(req.NewPassword)
	if err != nil {
		h.log.Error("hash admin password", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}
	if err := h.store.SetAdminPassword(r.Context(), hash, "api"); err != nil {
		h.writeStoreError(w, r, "set admin password", err)
		return
	}
	h.log.Info("admin password changed", zap.String("ip", clientIP(r)))
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (h *Handler) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		h.writeStoreError(w, r, "list projects", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (h *Handler) createProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientName string          `json:"clientName"`
		TotalValue decimal.Decimal `json:"totalValue"`
		EntryValue decimal.Decimal `json:"entryValue"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		writeBadJSON(w, err)
		return
	}
	req.ClientName = strings.TrimSpace(req.ClientName)
	if req.ClientName == "" {
		writeBadRequest(w, "clientName is required")
		return
	}
	if msg := checkValues(&req.TotalValue, &req.EntryValue); msg != "" {
		writeBadRequest(w, msg)
		return
	}
	pin, hash, ok := h.newPIN(w)
	if !ok {
		return
	}
	p, err := h.store.CreateProject(r.Context(), store.NewProject{
		ClientName: req.ClientName,
		PINHash:    hash,
		TotalValue: req.TotalValue,
		EntryValue: req.EntryValue,
	})
	if err != nil {
		h.writeStoreError(w, r, "create project", err)
		return
	}
	h.metrics.Recalculations.Inc()
	h.log.Info("project created", zap.String("project_id", p.ID), zap.String("protocol", p.Protocol))
	// The PIN is only ever returned here and on reset.
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"project": viewProject(p), "pin": pin})
}

func (h *Handler) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		h.writeStoreError(w, r, "get project", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"project": viewProject(p)})
}

func (h *Handler) updateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientName   *string          `json:"clientName"`
		TotalValue   *decimal.Decimal `json:"totalValue"`
		EntryValue   *decimal.Decimal `json:"entryValue"`
		FinalRelease *bool            `json:"finalRelease"`
		Status       *string          `json:"status"`
		ResetPIN     bool             `json:"resetPin"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		writeBadJSON(w, err)
		return
	}
	patch := store.ProjectPatch{
		TotalValue:   req.TotalValue,
		EntryValue:   req.EntryValue,
		FinalRelease: req.FinalRelease,
	}
	if req.ClientName != nil {
		name := strings.TrimSpace(*req.ClientName)
		if name == "" {
			writeBadRequest(w, "clientName cannot be empty")
			return
		}
		patch.ClientName = &name
	}
	if msg := checkValues(req.TotalValue, req.EntryValue); msg != "" {
		writeBadRequest(w, msg)
		return
	}
	if req.Status != nil {
		st, err := ledger.ParseStatus(*req.Status)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		patch.Status = &st
	}
	var pin string
	if req.ResetPIN {
		newPin, hash, ok := h.newPIN(w)
		if !ok {
			return
		}
		pin = newPin
		patch.PINHash = &hash
	}

	p, err := h.store.UpdateProject(r.Context(), chi.URLParam(r, "projectID"), patch)
	if err != nil {
		h.writeStoreError(w, r, "update project", err)
		return
	}
	h.metrics.Recalculations.Inc()
	resp := map[string]any{"project": viewProject(p)}
	if pin != "" {
		resp["pin"] = pin
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) updateStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State *string `json:"state"`
		Title *string `json:"title"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		writeBadJSON(w, err)
		return
	}
	if req.State == nil && req.Title == nil {
		writeBadRequest(w, "state or title is required")
		return
	}
	var patch store.StepPatch
	if req.State != nil {
		st, err := ledger.ParseStepState(*req.State)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		patch.State = &st
	}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			writeBadRequest(w, "title cannot be empty")
			return
		}
		patch.Title = &title
	}

	projectID := chi.URLParam(r, "projectID")
	stepKey := strings.ToUpper(chi.URLParam(r, "stepKey"))
	before, after, err := h.store.UpdateStep(r.Context(), projectID, stepKey, patch)
	if err != nil {
		h.writeStoreError(w, r, "update step", err)
		return
	}
	if !ledger.IsForwardTransition(before.State, after.State) {
		h.log.Info("step moved backward by operator",
			zap.String("project_id", projectID),
			zap.String("step_key", stepKey),
			zap.String("from", string(before.State)),
			zap.String("to", string(after.State)),
		)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"step": after})
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		writeBadRequest(w, "could not read request body")
		return
	}
	fingerprint, err := idempotency.Fingerprint(raw)
	if err != nil {
		writeBadJSON(w, err)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))

	var req struct {
		Method string          `json:"method"`
		Amount decimal.Decimal `json:"amount"`
		Status string          `json:"status"`
		Note   *string         `json:"note"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		writeBadJSON(w, err)
		return
	}
	method, err := ledger.ParsePaymentMethod(req.Method)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	amount, msg := paymentAmount(req.Amount)
	if msg != "" {
		writeBadRequest(w, msg)
		return
	}
	payStatus := ledger.PaymentPending
	if strings.TrimSpace(req.Status) != "" {
		if payStatus, err = ledger.ParsePaymentStatus(req.Status); err != nil {
			writeBadRequest(w, err.Error())
			return
		}
	}

	// The key is claimed only for requests that will reach the store, so a
	// rejected body never pins it.
	scope := idempotency.Scope{Principal: "admin", ProjectID: projectID, Key: idempotency.KeyFromRequest(r)}
	status, body, replayed, err := idempotency.Claim(r.Context(), h.store, scope, paymentsEndpoint, fingerprint)
	switch {
	case errors.Is(err, idempotency.ErrKeyReused):
		httpx.WriteError(w, http.StatusConflict, "IDEMPOTENCY_KEY_REUSED", "idempotency key was used with a different request", nil)
		return
	case errors.Is(err, idempotency.ErrInProgress):
		httpx.WriteError(w, http.StatusConflict, "IDEMPOTENCY_IN_PROGRESS", "a request with this idempotency key is still running", nil)
		return
	case err != nil:
		h.writeStoreError(w, r, "idempotency claim", err)
		return
	case replayed:
		httpx.WriteJSON(w, status, json.RawMessage(body))
		return
	}

	var receipt *store.PaymentReceipt
	if scope.Key != "" {
		receipt = &store.PaymentReceipt{
			Scope:    scope.ID(),
			Key:      scope.Key,
			Endpoint: paymentsEndpoint,
			Status:   http.StatusCreated,
			Encode:   encodePaymentResponse,
		}
	}
	p, totals, err := h.store.CreatePayment(r.Context(), projectID, store.NewPayment{
		Method: method,
		Amount: amount,
		Status: payStatus,
		Note:   trimmedOrNil(req.Note),
	}, receipt)
	if err != nil {
		if rerr := idempotency.Release(r.Context(), h.store, scope, paymentsEndpoint); rerr != nil {
			h.log.Warn("release idempotency key", zap.String("project_id", projectID), zap.Error(rerr))
		}
		h.writeStoreError(w, r, "create payment", err)
		return
	}
	h.metrics.Recalculations.Inc()

	out, err := encodePaymentResponse(p, totals)
	if err != nil {
		h.log.Error("encode payment response", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, json.RawMessage(out))
}

// encodePaymentResponse is also what a replay returns, so both paths must
// produce the same bytes.
func encodePaymentResponse(p ledger.Payment, totals ledger.Totals) ([]byte, error) {
	return json.Marshal(map[string]any{"payment": p, "totals": viewTotals(totals)})
}

func (h *Handler) updatePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method *string          `json:"method"`
		Amount *decimal.Decimal `json:"amount"`
		Status *string          `json:"status"`
		Note   *string          `json:"note"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		writeBadJSON(w, err)
		return
	}
	var patch store.PaymentPatch
	if req.Method != nil {
		m, err := ledger.ParsePaymentMethod(*req.Method)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		patch.Method = &m
	}
	if req.Amount != nil {
		a, msg := paymentAmount(*req.Amount)
		if msg != "" {
			writeBadRequest(w, msg)
			return
		}
		patch.Amount = &a
	}
	if req.Status != nil {
		st, err := ledger.ParsePaymentStatus(*req.Status)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		patch.Status = &st
	}
	if req.Note != nil {
		// An empty note clears it.
		note := strings.TrimSpace(*req.Note)
		patch.Note = &note
	}

	p, totals, err := h.store.UpdatePayment(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "paymentID"), patch)
	if err != nil {
		h.writeStoreError(w, r, "update payment", err)
		return
	}
	h.metrics.Recalculations.Inc()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"payment": p, "totals": viewTotals(totals)})
}

func (h *Handler) deletePayment(w http.ResponseWriter, r *http.Request) {
	totals, err := h.store.DeletePayment(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeStoreError(w, r, "delete payment", err)
		return
	}
	h.metrics.Recalculations.Inc()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"totals": viewTotals(totals)})
}

func (h *Handler) recalculate(w http.ResponseWriter, r *http.Request) {
	totals, err := h.store.RecalculateProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		h.writeStoreError(w, r, "recalculate", err)
		return
	}
	h.metrics.Recalculations.Inc()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"totals": viewTotals(totals)})
}

func (h *Handler) newPIN(w http.ResponseWriter) (string, string, bool) {
	pin, err := authn.GeneratePIN()
	if err == nil {
		var hash string
		if hash, err = authn.HashPassword(pin); err == nil {
			return pin, hash, true
		}
	}
	h.log.Error("generate portal pin", zap.Error(err))
	httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	return "", "", false
}

// maxMoney is the largest value a NUMERIC(12,2) column holds.
var maxMoney = decimal.RequireFromString("9999999999.99")

// roundMoney rounds v to cents and checks it fits the money columns.
func roundMoney(field string, v decimal.Decimal) (decimal.Decimal, string) {
	v = v.Round(2)
	if v.IsNegative() {
		return v, field + " cannot be negative"
	}
	if v.GreaterThan(maxMoney) {
		return v, field + " cannot exceed " + maxMoney.StringFixed(2)
	}
	return v, ""
}

func paymentAmount(v decimal.Decimal) (decimal.Decimal, string) {
	amount, msg := roundMoney("amount", v)
	if msg == "" && !amount.IsPositive() {
		msg = "amount must be at least 0.01"
	}
	return amount, msg
}

// checkValues rounds the project values in place and rejects negative or
// oversized money. Either pointer may be nil.
func checkValues(total, entry *decimal.Decimal) string {
	var msg string
	if total != nil {
		if *total, msg = roundMoney("totalValue", *total); msg != "" {
			return msg
		}
	}
	if entry != nil {
		if *entry, msg = roundMoney("entryValue", *entry); msg != "" {
			return msg
		}
	}
	if total != nil && entry != nil && entry.GreaterThan(*total) {
		return store.ErrEntryExceedsTotal.Error()
	}
	return ""
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

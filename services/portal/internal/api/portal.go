package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/httpx"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/ledger"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/session"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/signedlink"
	"go.uber.org/zap"
)

func (h *Handler) portalLogin(w http.ResponseWriter, r *http.Request) {
	if !h.allowLogin(w, r, "portal") {
		return
	}
	var req struct {
		Protocol string `json:"protocol"`
		PIN      string `json:"pin"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		writeBadJSON(w, err)
		return
	}
	projectID, ok, err := h.portal.VerifyPIN(r.Context(), req.Protocol, req.PIN)
	if err != nil {
		h.metrics.Login("portal", "error")
		h.writeStoreError(w, r, "portal login", err)
		return
	}
	if !ok {
		h.metrics.Login("portal", "failure")
		h.log.Warn("portal login failed", zap.String("ip", clientIP(r)), zap.String("request_id", httpx.RequestIDFromContext(r.Context())))
		writeInvalidCredentials(w)
		return
	}
	protocol := ledger.NormalizeProtocol(req.Protocol)
	if err := h.sessions.IssuePortal(w, protocol, projectID); err != nil {
		h.log.Error("issue portal session", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}
	h.metrics.Login("portal", "success")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"authenticated": true, "protocol": protocol})
}

func (h *Handler) portalLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.ClearPortal(w)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"authenticated": false})
}

func (h *Handler) portalProject(w http.ResponseWriter, r *http.Request) {
	claims, _ := session.PortalFromContext(r.Context())
	p, err := h.store.GetProject(r.Context(), claims.ProjectID)
	if err != nil {
		h.writeStoreError(w, r, "portal project", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"project": viewProject(p)})
}

// portalFile loads a file that belongs to the session's project together with
// the project, or writes the error response and returns ok=false.
func (h *Handler) portalFile(w http.ResponseWriter, r *http.Request) (ledger.File, ledger.Project, bool) {
	claims, _ := session.PortalFromContext(r.Context())
	f, err := h.store.GetFile(r.Context(), chi.URLParam(r, "fileID"))
	if err != nil {
		h.writeStoreError(w, r, "portal file", err)
		return ledger.File{}, ledger.Project{}, false
	}
	if f.ProjectID != claims.ProjectID {
		httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", "file not found", nil)
		return ledger.File{}, ledger.Project{}, false
	}
	p, err := h.store.GetProject(r.Context(), claims.ProjectID)
	if err != nil {
		h.writeStoreError(w, r, "portal file project", err)
		return ledger.File{}, ledger.Project{}, false
	}
	return f, p, true
}

func (h *Handler) downloadLocked(w http.ResponseWriter, f ledger.File) {
	h.metrics.Download(string(f.Kind), "locked")
	httpx.WriteError(w, http.StatusForbidden, "DOWNLOAD_LOCKED", "download not yet available", map[string]any{"kind": f.Kind})
}

func (h *Handler) portalDownload(w http.ResponseWriter, r *http.Request) {
	f, p, ok := h.portalFile(w, r)
	if !ok {
		return
	}
	if !ledger.CanDownload(p, f.Kind) {
		h.downloadLocked(w, f)
		return
	}
	h.serveFile(w, r, f)
}

func (h *Handler) portalLink(w http.ResponseWriter, r *http.Request) {
	f, p, ok := h.portalFile(w, r)
	if !ok {
		return
	}
	if f.Kind != ledger.FilePreview {
		writeBadRequest(w, "links are only issued for preview files")
		return
	}
	if !ledger.CanDownloadPreview(p) {
		h.downloadLocked(w, f)
		return
	}
	url, exp := h.links.URL(f.ID, signedlink.DefaultTTL)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"url": url, "expiresAt": exp})
}

// signedPreview serves a preview file to anyone holding a valid link. The
// gate is checked again because payments may have changed since signing.
func (h *Handler) signedPreview(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")
	if err := h.links.VerifyQuery(fileID, r.URL.Query()); err != nil {
		h.metrics.Download(string(ledger.FilePreview), "bad_link")
		code := "INVALID_LINK"
		if errors.Is(err, signedlink.ErrExpired) {
			code = "LINK_EXPIRED"
		}
		httpx.WriteError(w, http.StatusForbidden, code, "link is invalid or expired", nil)
		return
	}
	f, err := h.store.GetFile(r.Context(), fileID)
	if err != nil {
		h.writeStoreError(w, r, "signed preview", err)
		return
	}
	if f.Kind != ledger.FilePreview {
		httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", "file not found", nil)
		return
	}
	p, err := h.store.GetProject(r.Context(), f.ProjectID)
	if err != nil {
		h.writeStoreError(w, r, "signed preview project", err)
		return
	}
	if !ledger.CanDownloadPreview(p) {
		h.downloadLocked(w, f)
		return
	}
	h.serveFile(w, r, f)
}

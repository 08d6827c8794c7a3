package api

import (
	"errors"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/httpx"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/ledger"
	"go.uber.org/zap"
)

const (
	maxUploadBytes   = 200 << 20
	multipartMemory  = 32 << 20
	fallbackFileName = "arquivo"
)

func (h *Handler) uploadFile(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, err := uuid.Parse(projectID); err != nil {
		httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", "project not found", nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeBadRequest(w, "invalid multipart form")
		return
	}
	kind, err := ledger.ParseFileKind(r.FormValue("kind"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	src, hdr, err := r.FormFile("file")
	if err != nil {
		writeBadRequest(w, "file is required")
		return
	}
	defer src.Close()

	name := sanitizeFileName(hdr.Filename)
	key := path.Join(projectID, uuid.NewString()+strings.ToLower(filepath.Ext(name)))
	dst, ok := h.storagePath(key)
	if !ok {
		writeBadRequest(w, "invalid file name")
		return
	}
	size, err := writeFile(dst, src)
	if err != nil {
		h.log.Error("write upload", zap.String("project_id", projectID), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}
	f, err := h.store.AddFile(r.Context(), ledger.File{
		ProjectID:  projectID,
		Kind:       kind,
		Name:       name,
		StorageKey: key,
		SizeBytes:  size,
	})
	if err != nil {
		_ = os.Remove(dst)
		h.writeStoreError(w, r, "add file", err)
		return
	}
	h.log.Info("file uploaded", zap.String("project_id", projectID), zap.String("file_id", f.ID), zap.String("kind", string(kind)), zap.Int64("size", size))
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"file": f})
}

func writeFile(dst string, src io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return 0, err
	}
	return n, nil
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, f ledger.File) {
	p, ok := h.storagePath(f.StorageKey)
	if !ok {
		h.log.Error("file storage key escapes files dir", zap.String("file_id", f.ID))
		httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", "file not found", nil)
		return
	}
	fh, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			h.log.Error("file content missing", zap.String("file_id", f.ID))
			httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", "file not found", nil)
			return
		}
		h.log.Error("open file", zap.String("file_id", f.ID), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}
	defer fh.Close()
	st, err := fh.Stat()
	if err != nil {
		h.log.Error("stat file", zap.String("file_id", f.ID), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}
	h.metrics.Download(string(f.Kind), "served")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Name}))
	w.Header().Set("Cache-Control", "private, no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, f.Name, st.ModTime(), fh)
}

// storagePath resolves a storage key under the files dir and refuses keys
// that would land outside it.
func (h *Handler) storagePath(key string) (string, bool) {
	root := filepath.Clean(h.filesDir)
	full := filepath.Clean(filepath.Join(root, filepath.FromSlash(key)))
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

func sanitizeFileName(raw string) string {
	name := filepath.Base(strings.ReplaceAll(raw, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '"' || r == '/' {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return fallbackFileName
	}
	if runes := []rune(name); len(runes) > 150 {
		name = string(runes[:150])
	}
	return name
}

package api

import (
	"errors"
	"net/http"

	"github.com/wellmoagro2-afk/landspace-sub000/pkg/db"
	"github.com/wellmoagro2-afk/landspace-sub000/pkg/httpx"
	"github.com/wellmoagro2-afk/landspace-sub000/services/portal/internal/store"
	"go.uber.org/zap"
)

var notFound = map[error]string{
	store.ErrProjectNotFound: "project not found",
	store.ErrStepNotFound:    "step not found",
	store.ErrPaymentNotFound: "payment not found",
	store.ErrFileNotFound:    "file not found",
}

// writeStoreError maps storage failures to the public envelope. Only
// unknown failures are logged with the underlying error; their message is
// never sent to the client.
func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, store.ErrEntryExceedsTotal) {
		writeBadRequest(w, err.Error())
		return
	}
	for sentinel, msg := range notFound {
		if errors.Is(err, sentinel) {
			httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", msg, nil)
			return
		}
	}
	switch db.KindOf(db.Wrap(err)) {
	case db.KindConfig, db.KindMissingRelation:
		h.log.Error("storage misconfigured", zap.String("op", op), zap.String("request_id", httpx.RequestIDFromContext(r.Context())), zap.Error(err))
		httpx.WriteError(w, http.StatusServiceUnavailable, "CONFIGURATION_ERROR", "service is misconfigured", nil)
	case db.KindUnavailable:
		h.log.Warn("storage unavailable", zap.String("op", op), zap.String("request_id", httpx.RequestIDFromContext(r.Context())), zap.Error(err))
		httpx.WriteError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "service temporarily unavailable", nil)
	default:
		h.log.Error("storage failure", zap.String("op", op), zap.String("request_id", httpx.RequestIDFromContext(r.Context())), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}

func writeInvalidCredentials(w http.ResponseWriter) {
	httpx.WriteError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials", nil)
}

func writeBadJSON(w http.ResponseWriter, err error) {
	httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", msg, nil)
}

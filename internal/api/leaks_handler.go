package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/vdavid/vmail-leases/internal/db"
	"github.com/vdavid/vmail-leases/internal/lease"
)

const defaultLeaksLimit = 50

// LeakLister returns persisted leak reports. *db.LeakReportStore is one.
type LeakLister interface {
	ListRecent(ctx context.Context, limit int) ([]lease.LeakReport, error)
}

// LeaksResponse is the body of GET /api/v1/leaks.
type LeaksResponse struct {
	Leaks []lease.LeakReport `json:"leaks"`
}

// LeaksHandler serves persisted leak reports.
type LeaksHandler struct {
	store LeakLister
}

// NewLeaksHandler creates a new LeaksHandler. A nil store means persistence is disabled.
func NewLeaksHandler(store LeakLister) *LeaksHandler {
	return &LeaksHandler{store: store}
}

// GetLeaks returns the most recent leak reports.
func (h *LeaksHandler) GetLeaks(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "leak report persistence is disabled")
		return
	}

	leaks, err := h.store.ListRecent(r.Context(), ParseLimit(r, defaultLeaksLimit))
	if err != nil {
		if errors.Is(err, db.ErrDatabaseUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		slog.Error("LeaksHandler: failed to list leak reports", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if leaks == nil {
		leaks = []lease.LeakReport{}
	}
	writeJSON(w, http.StatusOK, LeaksResponse{Leaks: leaks})
}

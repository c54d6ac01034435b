package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/vdavid/vmail-leases/internal/imap"
	"github.com/vdavid/vmail-leases/internal/lease"
	"github.com/vdavid/vmail-leases/internal/models"
)

// CheckRequest is the body of POST /api/v1/imap/check.
type CheckRequest struct {
	UserID   string `json:"user_id"`
	Server   string `json:"server"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// CheckResponse lists the folders seen through the pooled connection.
type CheckResponse struct {
	UserID  string           `json:"user_id"`
	Folders []*models.Folder `json:"folders"`
}

// IMAPHandler exercises the pooled IMAP connections.
type IMAPHandler struct {
	imapPool imap.IMAPPool
}

// NewIMAPHandler creates a new IMAPHandler instance.
func NewIMAPHandler(imapPool imap.IMAPPool) *IMAPHandler {
	return &IMAPHandler{imapPool: imapPool}
}

// Check borrows the user's connection, lists its folders and releases it.
func (h *IMAPHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Server == "" || req.Username == "" {
		writeError(w, http.StatusBadRequest, "user_id, server and username are required")
		return
	}

	ctx := lease.WithBorrower(r.Context(), borrowerForRequest(r))
	client, release, err := h.imapPool.GetClient(ctx, req.UserID, req.Server, req.Username, req.Password)
	if err != nil {
		slog.Warn("IMAPHandler: failed to get IMAP client", "user_id", req.UserID, "error", err)
		switch {
		case errors.Is(err, imap.ErrConnectionUnavailable), errors.Is(err, imap.ErrPoolClosed):
			writeError(w, http.StatusServiceUnavailable, "IMAP connection unavailable, try again")
		case strings.Contains(err.Error(), "i/o timeout"):
			writeError(w, http.StatusServiceUnavailable, "connection to IMAP server timed out")
		default:
			writeError(w, http.StatusBadGateway, "failed to connect to IMAP server")
		}
		return
	}
	defer release()

	folders, err := client.ListFolders()
	if err != nil {
		if errors.Is(err, lease.ErrStaleHandle) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Warn("IMAPHandler: failed to list folders", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to list folders")
		return
	}

	if folders == nil {
		folders = []*models.Folder{}
	}
	writeJSON(w, http.StatusOK, CheckResponse{UserID: req.UserID, Folders: folders})
}

// RemoveConnection retracts a user's pooled connection, waiting for its borrowers.
func (h *IMAPHandler) RemoveConnection(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.imapPool.RemoveClient(r.Context(), userID); err != nil {
		slog.Warn("IMAPHandler: failed to remove IMAP connection", "user_id", userID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "connection is still in use")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package api

import (
	"net/http"
	"slices"
	"strings"

	"github.com/vdavid/vmail-leases/internal/lease"
)

// StatsSource lists lease holder snapshots. *imap.Pool is one.
type StatsSource interface {
	Stats() []lease.Stats
}

// HolderStats is a StatsSource for a single holder.
type HolderStats func() lease.Stats

func (f HolderStats) Stats() []lease.Stats {
	return []lease.Stats{f()}
}

// Sweeper is the part of the leak detector the API drives.
type Sweeper interface {
	Enabled() bool
	Config() lease.DetectorConfig
	SweepNow() int
}

// LeakDetectionInfo describes the leak detection settings.
type LeakDetectionInfo struct {
	Enabled         bool  `json:"enabled"`
	TimeoutMs       int64 `json:"timeout_ms"`
	SweepIntervalMs int64 `json:"sweep_interval_ms"`
}

// HoldersResponse is the body of GET /api/v1/holders.
type HoldersResponse struct {
	Holders       []lease.Stats     `json:"holders"`
	LeakDetection LeakDetectionInfo `json:"leak_detection"`
}

// SweepResponse is the body of POST /api/v1/sweep.
type SweepResponse struct {
	Reclaimed int `json:"reclaimed"`
}

// HoldersHandler reports on lease holders and runs leak detection on demand.
type HoldersHandler struct {
	sources  []StatsSource
	detector Sweeper
}

// NewHoldersHandler creates a new HoldersHandler instance.
func NewHoldersHandler(detector Sweeper, sources ...StatsSource) *HoldersHandler {
	return &HoldersHandler{
		sources:  sources,
		detector: detector,
	}
}

// GetHolders returns a snapshot of every holder, sorted by name.
func (h *HoldersHandler) GetHolders(w http.ResponseWriter, r *http.Request) {
	holders := make([]lease.Stats, 0)
	for _, s := range h.sources {
		holders = append(holders, s.Stats()...)
	}
	slices.SortFunc(holders, func(a, b lease.Stats) int { return strings.Compare(a.Name, b.Name) })

	cfg := h.detector.Config()
	writeJSON(w, http.StatusOK, HoldersResponse{
		Holders: holders,
		LeakDetection: LeakDetectionInfo{
			Enabled:         h.detector.Enabled(),
			TimeoutMs:       cfg.Timeout.Milliseconds(),
			SweepIntervalMs: cfg.SweepInterval.Milliseconds(),
		},
	})
}

// Sweep runs one leak detection pass now.
func (h *HoldersHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if !h.detector.Enabled() {
		writeError(w, http.StatusConflict, "leak detection is disabled")
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Reclaimed: h.detector.SweepNow()})
}

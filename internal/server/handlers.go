package server

import (
	"encoding/json"
	"io/fs"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/initialgyw/fiddy/internal/chat"
	"github.com/initialgyw/fiddy/internal/work"
)

// RelayStatus reports the chat relay's state. *chat.Relay satisfies it.
type RelayStatus interface {
	Stats() chat.RelayStats
}

// PoolStatus reports worker pool counters. *work.Pool satisfies it.
type PoolStatus interface {
	Stats() work.Stats
}

// StatusHandlers serves the health and status endpoints.
type StatusHandlers struct {
	dataDir   string
	relay     RelayStatus
	pool      PoolStatus
	journal   *work.Journal
	startedAt time.Time
	log       zerolog.Logger
}

// NewStatusHandlers wires the handlers. relay, pool and journal may each
// be nil when the corresponding subsystem is not running.
func NewStatusHandlers(dataDir string, relay RelayStatus, pool PoolStatus, journal *work.Journal, log zerolog.Logger) *StatusHandlers {
	return &StatusHandlers{
		dataDir:   dataDir,
		relay:     relay,
		pool:      pool,
		journal:   journal,
		startedAt: time.Now(),
		log:       log.With().Str("component", "status_handlers").Logger(),
	}
}

// HandleHealth responds to GET /health.
func (h *StatusHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

type statusResponse struct {
	UptimeSeconds int64            `json:"uptime_seconds"`
	Relay         *chat.RelayStats `json:"relay,omitempty"`
	Pool          *work.Stats      `json:"pool,omitempty"`
	CacheSizeMB   float64          `json:"cache_size_mb"`
	CPUPercent    float64          `json:"cpu_percent"`
	MemoryPercent float64          `json:"memory_percent"`
}

// HandleStatus responds to GET /api/status with uptime, relay and pool
// counters, cache footprint and host utilization.
func (h *StatusHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		CacheSizeMB:   float64(h.cacheSize()) / 1024 / 1024,
	}

	if h.relay != nil {
		stats := h.relay.Stats()
		resp.Relay = &stats
	}
	if h.pool != nil {
		stats := h.pool.Stats()
		resp.Pool = &stats
	}

	resp.CPUPercent, resp.MemoryPercent = h.systemUsage()

	h.writeJSON(w, resp)
}

// HandleOutcomes responds to GET /api/outcomes?limit=N with recent task
// outcomes from the journal.
func (h *StatusHandlers) HandleOutcomes(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		http.Error(w, "outcome journal not enabled", http.StatusNotFound)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	outcomes, err := h.journal.Recent(limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read outcomes")
		http.Error(w, "failed to read outcomes", http.StatusInternalServerError)
		return
	}
	if outcomes == nil {
		outcomes = []work.Outcome{}
	}

	h.writeJSON(w, outcomes)
}

// cacheSize sums the data directory, ignoring walk errors: status must not
// fail because a file vanished mid-walk.
func (h *StatusHandlers) cacheSize() int64 {
	var total int64
	filepath.WalkDir(h.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

func (h *StatusHandlers) systemUsage() (cpuPercent, memPercent float64) {
	// Short sample window; the status endpoint should answer quickly.
	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	} else if err != nil {
		h.log.Warn().Err(err).Msg("Failed to sample CPU usage")
	}

	if stat, err := mem.VirtualMemory(); err == nil {
		memPercent = stat.UsedPercent
	} else {
		h.log.Warn().Err(err).Msg("Failed to read memory usage")
	}

	return cpuPercent, memPercent
}

func (h *StatusHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

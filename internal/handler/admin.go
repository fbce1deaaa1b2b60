package handler

import (
	"net/http"
	"runtime"
	"time"

	"tecnocard-edge-agent/internal/realtime"
	"tecnocard-edge-agent/internal/store"
	"tecnocard-edge-agent/pkg/response"
)

// AdminHandler handles the ops surface for fleet monitoring.
type AdminHandler struct {
	sessionStore store.SessionStore
	realtimeMgr  *realtime.Manager
	storeType    string // sqlite, mysql, or memory
	startTime    time.Time
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(
	sessionStore store.SessionStore,
	realtimeMgr *realtime.Manager,
	storeType string,
) *AdminHandler {
	return &AdminHandler{
		sessionStore: sessionStore,
		realtimeMgr:  realtimeMgr,
		storeType:    storeType,
		startTime:    time.Now(),
	}
}

// GetStats handles GET /api/v1/admin/stats
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats := make(map[string]interface{})

	// System info
	stats["uptime_seconds"] = int64(time.Since(h.startTime).Seconds())
	stats["uptime_human"] = time.Since(h.startTime).Round(time.Second).String()
	stats["server_time"] = time.Now().Format(time.RFC3339)
	stats["store_type"] = h.storeType // sqlite, mysql, or memory

	// Memory stats
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	stats["memory"] = map[string]interface{}{
		"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
		"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
		"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
		"heap_alloc_mb":  float64(memStats.HeapAlloc) / 1024 / 1024,
		"heap_inuse_mb":  float64(memStats.HeapInuse) / 1024 / 1024,
		"num_gc":         memStats.NumGC,
		"goroutines":     runtime.NumGoroutine(),
	}

	// Session store stats
	if h.sessionStore != nil {
		storeStats, err := h.sessionStore.Stats(ctx)
		if err == nil {
			storeStats["status"] = "connected"
			stats["session_store"] = storeStats
		} else {
			stats["session_store"] = map[string]interface{}{
				"status": "error",
				"error":  err.Error(),
			}
		}
	} else {
		stats["session_store"] = map[string]interface{}{
			"status": "not_configured",
		}
	}

	// Realtime subscription status
	if h.realtimeMgr != nil {
		stats["realtime"] = h.realtimeMgr.Status()
	} else {
		stats["realtime"] = map[string]interface{}{
			"status": "not_configured",
		}
	}

	// Runtime info
	stats["runtime"] = map[string]interface{}{
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"cpus":       runtime.NumCPU(),
	}

	response.OK(w, stats)
}

// GetHealth handles GET /api/v1/admin/health
func (h *AdminHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

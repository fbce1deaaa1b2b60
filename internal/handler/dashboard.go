package handler

import (
	"net/http"

	"tecnocard-edge-agent/internal/gateway"
	"tecnocard-edge-agent/pkg/apierror"
	"tecnocard-edge-agent/pkg/response"
)

// DashboardHandler proxies aggregate business metrics. Metrics are computed
// by the backend and never cached locally, so staff always see live numbers.
type DashboardHandler struct {
	gw gateway.Gateway
}

// NewDashboardHandler creates a new dashboard handler.
func NewDashboardHandler(gw gateway.Gateway) *DashboardHandler {
	return &DashboardHandler{gw: gw}
}

// GetStats handles GET /dashboard
func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.gw.DashboardStats(r.Context())
	if err != nil {
		response.Error(w, apierror.ServiceUnavailable("could not reach the loyalty backend"))
		return
	}

	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	response.OK(w, metrics)
}

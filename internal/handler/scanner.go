package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"tecnocard-edge-agent/internal/gateway"
	"tecnocard-edge-agent/internal/loyalty"
	"tecnocard-edge-agent/internal/middleware"
	"tecnocard-edge-agent/internal/model"
	"tecnocard-edge-agent/internal/rut"
	"tecnocard-edge-agent/internal/store"
	"tecnocard-edge-agent/pkg/apierror"
	"tecnocard-edge-agent/pkg/response"

	"github.com/go-chi/chi/v5"
)

// ScannerHandler handles the staff-facing scanner surface.
type ScannerHandler struct {
	engine *loyalty.Engine
	gw     gateway.Gateway
	audit  store.AuditLog
}

// NewScannerHandler creates a new scanner handler.
func NewScannerHandler(engine *loyalty.Engine, gw gateway.Gateway, audit store.AuditLog) *ScannerHandler {
	return &ScannerHandler{
		engine: engine,
		gw:     gw,
		audit:  audit,
	}
}

// VisitRequest represents the request body for visit mutations.
type VisitRequest struct {
	QRCode string  `json:"qr_code"`
	Amount float64 `json:"amount"`
}

// RegisterVisit handles POST /scanner/visits
func (h *ScannerHandler) RegisterVisit(w http.ResponseWriter, r *http.Request) {
	req, apiErr := decodeVisitRequest(r, true)
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	result, err := h.engine.RegisterVisit(r.Context(), req.QRCode, req.Amount)
	h.recordScan(r, req.QRCode, "register", req.Amount, err)
	if err != nil {
		response.Error(w, mapVisitError(err))
		return
	}

	response.Created(w, result)
}

// ModifyLastVisit handles PATCH /scanner/visits/last
func (h *ScannerHandler) ModifyLastVisit(w http.ResponseWriter, r *http.Request) {
	req, apiErr := decodeVisitRequest(r, true)
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	result, err := h.engine.ModifyLastVisit(r.Context(), req.QRCode, req.Amount)
	h.recordScan(r, req.QRCode, "modify", req.Amount, err)
	if err != nil {
		response.Error(w, mapVisitError(err))
		return
	}

	response.OK(w, result)
}

// DeleteLastVisit handles DELETE /scanner/visits/last
func (h *ScannerHandler) DeleteLastVisit(w http.ResponseWriter, r *http.Request) {
	req, apiErr := decodeVisitRequest(r, false)
	if apiErr != nil {
		response.Error(w, apiErr)
		return
	}

	result, err := h.engine.DeleteLastVisit(r.Context(), req.QRCode)
	h.recordScan(r, req.QRCode, "delete", 0, err)
	if err != nil {
		response.Error(w, mapVisitError(err))
		return
	}

	response.OK(w, result)
}

// SearchByRut handles GET /scanner/search?rut= - staff lookup for customers
// who forgot their QR code.
func (h *ScannerHandler) SearchByRut(w http.ResponseWriter, r *http.Request) {
	rawRut := r.URL.Query().Get("rut")
	if rawRut == "" {
		response.Error(w, apierror.BadRequest("rut query parameter is required"))
		return
	}

	rutKey, err := rut.Normalize(rawRut)
	if err != nil {
		response.Error(w, apierror.ValidationError("invalid RUT", apierror.FieldError{
			Field:   "rut",
			Message: "the RUT check digit does not match",
		}))
		return
	}

	qrCode, err := h.gw.ResolveCardByRut(r.Context(), rutKey)
	if err != nil {
		response.Error(w, apierror.ServiceUnavailable("could not reach the loyalty backend"))
		return
	}
	if qrCode == "" {
		response.Error(w, apierror.NotFound("no card registered for this RUT"))
		return
	}

	response.OK(w, map[string]string{
		"rut":     rutKey,
		"qr_code": qrCode,
	})
}

// CardStatus handles GET /scanner/cards/{qr_code}
func (h *ScannerHandler) CardStatus(w http.ResponseWriter, r *http.Request) {
	qrCode := chi.URLParam(r, "qr_code")
	if qrCode == "" {
		response.Error(w, apierror.BadRequest("qr_code is required"))
		return
	}

	visits, err := h.gw.CardStatusByQR(r.Context(), qrCode)
	if err != nil {
		response.Error(w, apierror.ServiceUnavailable("could not reach the loyalty backend"))
		return
	}

	response.OK(w, map[string]interface{}{
		"qr_code": qrCode,
		"visits":  visits,
	})
}

// RecentScans handles GET /scanner/audit
func (h *ScannerHandler) RecentScans(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		response.Error(w, apierror.ServiceUnavailable("audit log unavailable"))
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	entries, total, err := h.audit.RecentScans(r.Context(), limit, offset)
	if err != nil {
		response.Error(w, apierror.InternalError("failed to read audit log"))
		return
	}

	page := offset/limit + 1
	response.JSONWithMeta(w, http.StatusOK, entries, page, limit, total)
}

// recordScan writes one audit row. Audit failures never affect the request.
func (h *ScannerHandler) recordScan(r *http.Request, qrCode, action string, amount float64, opErr error) {
	if h.audit == nil {
		return
	}

	entry := &model.ScanAuditEntry{
		QRCode:    qrCode,
		Action:    action,
		Amount:    amount,
		Outcome:   model.ScanOutcomeOK,
		RequestID: middleware.GetRequestID(r.Context()),
	}
	if opErr != nil {
		entry.Outcome = model.ScanOutcomeFailed
		entry.Error = opErr.Error()
	}

	if err := h.audit.AppendScan(r.Context(), entry); err != nil {
		log.Printf("[Scanner] Failed to write audit entry: %v", err)
	}
}

func decodeVisitRequest(r *http.Request, needsAmount bool) (*VisitRequest, *apierror.Error) {
	var req VisitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, apierror.BadRequest("invalid request body")
	}
	defer r.Body.Close()

	if req.QRCode == "" {
		return nil, apierror.BadRequest("qr_code is required")
	}
	if needsAmount && req.Amount <= 0 {
		return nil, apierror.ValidationError("invalid amount", apierror.FieldError{
			Field:   "amount",
			Message: "amount must be greater than zero",
		})
	}
	return &req, nil
}

func mapVisitError(err error) *apierror.Error {
	if errors.Is(err, gateway.ErrCardFull) {
		return apierror.UnprocessableEntity("card already holds the maximum number of visits")
	}
	return apierror.ServiceUnavailable("could not reach the loyalty backend")
}

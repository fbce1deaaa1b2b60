package handler

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"tecnocard-edge-agent/internal/model"
	"tecnocard-edge-agent/internal/service"
	"tecnocard-edge-agent/pkg/apierror"
	"tecnocard-edge-agent/pkg/response"
)

// AuthHandler handles staff authentication HTTP requests. The unlock flow is
// deliberately unlinked from the customer UI; staff reach it through a hidden
// entry point on the device.
type AuthHandler struct {
	tokenService *service.TokenService
	unlockKey    string
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(tokenService *service.TokenService, unlockKey string) *AuthHandler {
	return &AuthHandler{
		tokenService: tokenService,
		unlockKey:    unlockKey,
	}
}

// UnlockRequest represents the request body for staff token generation.
type UnlockRequest struct {
	Key    string `json:"key"`
	Device string `json:"device"`
}

// UnlockResponse represents the response for staff token generation.
type UnlockResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// GenerateToken handles POST /auth/token
func (h *AuthHandler) GenerateToken(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("invalid request body"))
		return
	}
	defer r.Body.Close()

	if req.Key == "" {
		response.Error(w, apierror.BadRequest("key is required"))
		return
	}

	if h.unlockKey == "" || subtle.ConstantTimeCompare([]byte(req.Key), []byte(h.unlockKey)) != 1 {
		response.Error(w, apierror.Unauthorized("invalid unlock key"))
		return
	}

	if h.tokenService == nil {
		response.Error(w, apierror.ServiceUnavailable("token service unavailable, use the scanner key directly"))
		return
	}

	token, err := h.tokenService.GenerateToken(r.Context(), model.StaffTokenData{
		DeviceLabel: req.Device,
	})
	if err != nil {
		response.Error(w, apierror.InternalError("failed to generate token"))
		return
	}

	response.OK(w, UnlockResponse{
		Token:     token,
		ExpiresIn: int(service.TokenTTL.Seconds()),
	})
}

// RevokeToken handles POST /auth/revoke
func (h *AuthHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Token")
	if token == "" {
		response.Error(w, apierror.BadRequest("X-Token header required"))
		return
	}

	if h.tokenService == nil {
		response.Error(w, apierror.ServiceUnavailable("token service unavailable"))
		return
	}

	if err := h.tokenService.RevokeToken(r.Context(), token); err != nil {
		response.Error(w, apierror.InternalError("failed to revoke token"))
		return
	}

	response.OK(w, map[string]string{"status": "revoked"})
}

// RefreshToken handles POST /auth/refresh
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Token")
	if token == "" {
		response.Error(w, apierror.BadRequest("X-Token header required"))
		return
	}

	if h.tokenService == nil {
		response.Error(w, apierror.ServiceUnavailable("token service unavailable"))
		return
	}

	if err := h.tokenService.RefreshToken(r.Context(), token); err != nil {
		response.Error(w, apierror.Unauthorized(err.Error()))
		return
	}

	response.OK(w, map[string]interface{}{
		"status":     "refreshed",
		"expires_in": int(service.TokenTTL.Seconds()),
	})
}

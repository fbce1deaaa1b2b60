package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"tecnocard-edge-agent/internal/loyalty"
	"tecnocard-edge-agent/internal/rut"
	"tecnocard-edge-agent/pkg/apierror"
	"tecnocard-edge-agent/pkg/response"

	"github.com/go-chi/chi/v5"
)

// CardHandler handles the customer-facing card surface.
type CardHandler struct {
	engine      *loyalty.Engine
	localTokens []string
}

// NewCardHandler creates a new card handler.
func NewCardHandler(engine *loyalty.Engine, localTokens []string) *CardHandler {
	return &CardHandler{
		engine:      engine,
		localTokens: localTokens,
	}
}

// RegisterRequest represents the request body for card registration.
type RegisterRequest struct {
	RUT string `json:"rut"`
}

// Register handles POST /register
func (h *CardHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("invalid request body"))
		return
	}
	defer r.Body.Close()

	if req.RUT == "" {
		response.Error(w, apierror.BadRequest("rut is required"))
		return
	}

	session, err := h.engine.RegisterUser(r.Context(), req.RUT)
	if err != nil {
		switch {
		case errors.Is(err, rut.ErrInvalid):
			response.Error(w, apierror.ValidationError("invalid RUT", apierror.FieldError{
				Field:   "rut",
				Message: "the RUT check digit does not match",
			}))
		case errors.Is(err, loyalty.ErrSessionExists):
			response.Error(w, apierror.Conflict("a card is already registered on this device"))
		default:
			response.Error(w, apierror.ServiceUnavailable("could not reach the loyalty backend"))
		}
		return
	}

	response.Created(w, buildCardView(session, h.engine.State(), rut.Format(session.Identity.RUT)))
}

// GetCard handles GET /card
func (h *CardHandler) GetCard(w http.ResponseWriter, r *http.Request) {
	session := h.engine.Session()
	if session == nil {
		response.Error(w, apierror.NoSession())
		return
	}

	response.OK(w, buildCardView(session, h.engine.State(), rut.Format(session.Identity.RUT)))
}

// Refresh handles POST /card/refresh - an explicit re-fetch of the
// authoritative card state.
func (h *CardHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.FetchCardData(r.Context()); err != nil {
		if errors.Is(err, loyalty.ErrNoSession) {
			response.Error(w, apierror.NoSession())
			return
		}
		response.Error(w, apierror.ServiceUnavailable("could not reach the loyalty backend"))
		return
	}

	session := h.engine.Session()
	if session == nil {
		// The backend no longer knows the card; the refresh itself wiped it.
		response.Error(w, apierror.NoSession())
		return
	}

	response.OK(w, buildCardView(session, h.engine.State(), rut.Format(session.Identity.RUT)))
}

// Logout handles POST /logout
func (h *CardHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Logout(r.Context()); err != nil {
		response.Error(w, apierror.InternalError("failed to clear session"))
		return
	}
	response.NoContent(w)
}

// LocalAccess handles GET /local/{token} - tokenized direct entry used by
// printed QR table tents. A recognized token is forwarded to the backend on
// the next registration.
func (h *CardHandler) LocalAccess(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		response.Error(w, apierror.BadRequest("token is required"))
		return
	}

	granted := false
	for _, known := range h.localTokens {
		if token == known {
			granted = true
			break
		}
	}
	if !granted {
		response.Error(w, apierror.NotFound("unknown access token"))
		return
	}

	h.engine.SetLocalToken(token)
	response.OK(w, map[string]interface{}{
		"granted":      true,
		"has_session":  h.engine.Session() != nil,
		"register_url": "/api/v1/register",
	})
}

package middleware

import (
	"context"
	"net/http"
	"strings"

	"tecnocard-edge-agent/internal/model"
	"tecnocard-edge-agent/internal/service"
	"tecnocard-edge-agent/pkg/apierror"
)

// StaffDataKey is the key for storing staff token data in request context.
const StaffDataKey contextKey = "staff_data"

// StaffAuthConfig holds configuration for the staff auth middleware.
type StaffAuthConfig struct {
	TokenService *service.TokenService

	// ScannerKeys authenticate directly when the token service is
	// unavailable, so a Redis outage never locks staff out of the scanner.
	ScannerKeys []string
}

// NewStaffAuth creates the staff authentication middleware with injected
// dependencies. NO GLOBAL STATE - the token service is passed via closure.
// Applied only to the staff route group; the customer surface stays open.
func NewStaffAuth(cfg StaffAuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Try X-Token first (staff session tokens)
			token := r.Header.Get("X-Token")
			if token != "" && cfg.TokenService != nil {
				staffData, err := cfg.TokenService.ValidateToken(r.Context(), token)
				if err != nil {
					writeError(w, apierror.Unauthorized("Invalid or expired token"))
					return
				}

				ctx := context.WithValue(r.Context(), StaffDataKey, staffData)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			// Fall back to a static scanner key
			scannerKey := r.Header.Get("X-Scanner-Key")
			if scannerKey == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(auth, "Bearer ") {
					scannerKey = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			if scannerKey == "" {
				writeError(w, apierror.Unauthorized("Authentication required. Use X-Token or X-Scanner-Key header."))
				return
			}

			if !isValidKey(scannerKey, cfg.ScannerKeys) {
				writeError(w, apierror.Unauthorized("Invalid scanner key"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeError writes an API error response.
func writeError(w http.ResponseWriter, err *apierror.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	w.Write(err.ToJSON())
}

// isValidKey checks if the provided key is in the valid keys list.
func isValidKey(key string, validKeys []string) bool {
	for _, valid := range validKeys {
		if key == valid {
			return true
		}
	}
	return false
}

// GetStaffFromContext retrieves staff token data from request context.
func GetStaffFromContext(ctx context.Context) *model.StaffTokenData {
	if data, ok := ctx.Value(StaffDataKey).(*model.StaffTokenData); ok {
		return data
	}
	return nil
}

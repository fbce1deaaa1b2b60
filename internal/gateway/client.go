package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"tecnocard-edge-agent/internal/model"

	lru "github.com/hashicorp/golang-lru"
)

// Remote procedure names on the loyalty backend.
const (
	procGetOrCreateCard = "get_or_create_customer_card"
	procRegisterVisit   = "register_visit"
	procDeleteLastVisit = "delete_last_visit"
	procUpdateLastVisit = "update_last_visit"
	procDashboardStats  = "get_dashboard_stats"
	procVisitsByRut     = "get_visits_by_rut"
	procVisitsByCard    = "get_visits_by_card"
)

// ClientConfig holds configuration for the backend client.
type ClientConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	RutCacheSize int
}

// Client is the HTTP implementation of Gateway. It performs no retries: each
// register call appends one visit, so blind retries would double-stamp.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string

	// rutCache holds RUT -> QR resolutions. Lookups are read-mostly and the
	// mapping is immutable after registration, so a bounded LRU spares the
	// backend on repeated staff searches. Never used for visit state.
	rutCache *lru.Cache
}

// NewClient creates a backend client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RutCacheSize <= 0 {
		cfg.RutCacheSize = 256
	}

	cache, err := lru.New(cfg.RutCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create RUT cache: %w", err)
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		rutCache:   cache,
	}, nil
}

// rpcError is the backend's error envelope.
type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// call invokes one remote procedure and returns the raw response body.
func (c *Client) call(ctx context.Context, proc string, params map[string]interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params for %s: %w", proc, err)
	}

	url := fmt.Sprintf("%s/rpc/v1/%s", c.baseURL, proc)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", proc, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc %s failed: %w", proc, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rpc %s: failed to read response: %w", proc, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		// The backend answers 404 for unknown identities; that is "no data",
		// not a transport failure.
		return nil, nil
	}

	if resp.StatusCode >= 400 {
		var rpcErr rpcError
		_ = json.Unmarshal(raw, &rpcErr)
		if rpcErr.Code == "CARD_FULL" || resp.StatusCode == http.StatusUnprocessableEntity {
			return nil, ErrCardFull
		}
		msg := rpcErr.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("rpc %s: backend returned %d: %s", proc, resp.StatusCode, msg)
	}

	return raw, nil
}

// ResolveOrCreateCard looks up or creates the card for (qrCode, rut).
func (c *Client) ResolveOrCreateCard(ctx context.Context, qrCode, rutKey, localToken string) (*CardSnapshot, error) {
	params := map[string]interface{}{
		"p_qr_code": qrCode,
		"p_rut":     rutKey,
	}
	if localToken != "" {
		params["p_local_token"] = localToken
	}

	raw, err := c.call(ctx, procGetOrCreateCard, params)
	if err != nil {
		return nil, err
	}
	return normalizeSnapshot(raw), nil
}

// RegisterVisit appends one visit to the card.
func (c *Client) RegisterVisit(ctx context.Context, qrCode string, amount float64) (*VisitOutcome, error) {
	raw, err := c.call(ctx, procRegisterVisit, map[string]interface{}{
		"p_qr_code": qrCode,
		"p_amount":  amount,
	})
	if err != nil {
		return nil, err
	}
	return normalizeOutcome(raw), nil
}

// DeleteLastVisit removes the most recent visit from the card.
func (c *Client) DeleteLastVisit(ctx context.Context, qrCode string) (*VisitOutcome, error) {
	raw, err := c.call(ctx, procDeleteLastVisit, map[string]interface{}{
		"p_qr_code": qrCode,
	})
	if err != nil {
		return nil, err
	}
	return normalizeOutcome(raw), nil
}

// ModifyLastVisit updates the amount of the most recent visit.
func (c *Client) ModifyLastVisit(ctx context.Context, qrCode string, amount float64) (*VisitOutcome, error) {
	raw, err := c.call(ctx, procUpdateLastVisit, map[string]interface{}{
		"p_qr_code":    qrCode,
		"p_new_amount": amount,
	})
	if err != nil {
		return nil, err
	}
	return normalizeOutcome(raw), nil
}

// DashboardStats returns aggregate business metrics.
func (c *Client) DashboardStats(ctx context.Context) (*model.DashboardMetrics, error) {
	raw, err := c.call(ctx, procDashboardStats, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	metrics := normalizeMetrics(raw)
	if metrics == nil {
		return nil, fmt.Errorf("rpc %s: empty metrics payload", procDashboardStats)
	}
	return metrics, nil
}

// ResolveCardByRut maps a RUT to the card's QR token, "" when none exists.
func (c *Client) ResolveCardByRut(ctx context.Context, rutKey string) (string, error) {
	if cached, ok := c.rutCache.Get(rutKey); ok {
		return cached.(string), nil
	}

	raw, err := c.call(ctx, procVisitsByRut, map[string]interface{}{
		"p_rut": rutKey,
	})
	if err != nil {
		return "", err
	}

	qrCode := normalizeQRCode(raw)
	if qrCode != "" {
		c.rutCache.Add(rutKey, qrCode)
	} else {
		log.Printf("[Gateway] No card associated with RUT %s", rutKey)
	}
	return qrCode, nil
}

// CardStatusByQR returns the current visit count for a card.
func (c *Client) CardStatusByQR(ctx context.Context, qrCode string) (int, error) {
	raw, err := c.call(ctx, procVisitsByCard, map[string]interface{}{
		"p_qr_code": qrCode,
	})
	if err != nil {
		return 0, err
	}

	visits, ok := normalizeVisitCount(raw)
	if !ok {
		return 0, fmt.Errorf("rpc %s: no visit count in payload", procVisitsByCard)
	}
	return visits, nil
}

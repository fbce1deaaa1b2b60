package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(ClientConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestClient_ResolveOrCreateCard(t *testing.T) {
	var gotPath string
	var gotParams map[string]interface{}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotParams))
		w.Write([]byte(`[{"card_id": "c1", "qr_code": "qr-1", "visits": 2, "visit_history": []}]`))
	})

	snap, err := c.ResolveOrCreateCard(context.Background(), "qr-1", "12345678-5", "")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "/rpc/v1/get_or_create_customer_card", gotPath)
	assert.Equal(t, "qr-1", gotParams["p_qr_code"])
	assert.Equal(t, "12345678-5", gotParams["p_rut"])
	assert.NotContains(t, gotParams, "p_local_token")
	assert.Equal(t, "c1", snap.CardID)
	assert.Equal(t, 2, snap.Visits)
}

func TestClient_ResolveOrCreateCard_NotFoundIsNoData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	snap, err := c.ResolveOrCreateCard(context.Background(), "qr-x", "12345678-5", "")
	require.NoError(t, err)
	assert.Nil(t, snap, "404 means the card no longer exists, not a transport error")
}

func TestClient_RegisterVisit_CardFull(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"code": "CARD_FULL", "message": "card is complete"}`))
	})

	_, err := c.RegisterVisit(context.Background(), "qr-1", 1000)
	require.ErrorIs(t, err, ErrCardFull)
}

func TestClient_RegisterVisit_BackendError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message": "boom"}`))
	})

	_, err := c.RegisterVisit(context.Background(), "qr-1", 1000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestClient_ResolveCardByRut_Cached(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"qr_code": "qr-cached"}`))
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		qr, err := c.ResolveCardByRut(ctx, "12345678-5")
		require.NoError(t, err)
		assert.Equal(t, "qr-cached", qr)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "repeated lookups must hit the LRU")
}

func TestClient_ResolveCardByRut_MissNotCached(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`[]`))
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		qr, err := c.ResolveCardByRut(ctx, "11111111-1")
		require.NoError(t, err)
		assert.Equal(t, "", qr)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "not-found results are never cached")
}

func TestClient_CardStatusByQR(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rpc/v1/get_visits_by_card", r.URL.Path)
		w.Write([]byte(`{"visits": 7}`))
	})

	visits, err := c.CardStatusByQR(context.Background(), "qr-1")
	require.NoError(t, err)
	assert.Equal(t, 7, visits)
}

func TestClient_SendsAPIKeyHeaders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"visits": 0}`))
	})

	_, err := c.CardStatusByQR(context.Background(), "qr-1")
	require.NoError(t, err)
}

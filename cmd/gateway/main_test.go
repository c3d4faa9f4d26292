package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/arweave-gateway/internal/blobstore"
	"github.com/cuemby/arweave-gateway/internal/chain"
	"github.com/cuemby/arweave-gateway/internal/chaindb"
)

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()

	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)

	client, err := chain.New(chain.Config{
		TrustedNodeURL: "http://127.0.0.1:0",
		PeerCachePath:  t.TempDir() + "/peers.bolt",
	}, store, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	db, err := chaindb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mux := http.NewServeMux()
	registerHandlers(mux, client, db, zerolog.Nop())
	return mux
}

func TestHealthcheckAlwaysReturnsOK(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "uptime")
}

func TestDebugReturnsDbCounters(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/debug", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "\"db\"")
}

func TestTxRouteRejectsMalformedIds(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/not-a-valid-id", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTxRouteReturnsBadGatewayWhenUpstreamUnreachable(t *testing.T) {
	mux := newTestMux(t)

	id := "oq-v4Cv61YAGmY_KlLdxmGp5HjcldvOSLOMv0UPjSTE"
	req := httptest.NewRequest(http.MethodGet, "/"+id, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestMetricsEndpointIsRegistered(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/gateway_metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPCheckerReportsHealthyOn2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL + "/info")
	result := checker.Check(context.Background())

	require.True(t, result.Healthy, result.Message)
	require.Greater(t, result.Duration, time.Duration(0))
}

func TestHTTPCheckerReportsUnhealthyOn5xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL + "/info")
	result := checker.Check(context.Background())

	require.False(t, result.Healthy)
}

func TestHTTPCheckerRespectsClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL + "/info")
	checker.Client.Timeout = 50 * time.Millisecond
	result := checker.Check(context.Background())

	require.False(t, result.Healthy)
}

func TestHTTPCheckerHonorsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL + "/info")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := checker.Check(ctx)
	require.False(t, result.Healthy)
}

func TestHTTPCheckerType(t *testing.T) {
	checker := NewHTTPChecker("http://peer.example/info")
	require.Equal(t, CheckTypeHTTP, checker.Type())
}

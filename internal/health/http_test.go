package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPChecker_Healthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).Check(context.Background())

	assert.True(t, result.Healthy)
	assert.Equal(t, "Healthy", result.Reason)
	assert.GreaterOrEqual(t, result.LatencyMs, 0.0)
}

func TestHTTPChecker_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).Check(context.Background())

	assert.False(t, result.Healthy)
	assert.Equal(t, "HTTP 500", result.Reason)
}

func TestHTTPChecker_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).Check(context.Background())

	assert.False(t, result.Healthy)
	assert.Equal(t, "Invalid JSON", result.Reason)
}

func TestHTTPChecker_UnhealthyPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"degraded"}`))
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).Check(context.Background())

	assert.False(t, result.Healthy)
	assert.Contains(t, result.Reason, "Unhealthy payload")
}

func TestHTTPChecker_DoesNotFollowRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).Check(context.Background())

	assert.False(t, result.Healthy)
	assert.Equal(t, "HTTP 302", result.Reason)
}

func TestHTTPChecker_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithTimeout(10 * time.Millisecond).Check(context.Background())

	assert.False(t, result.Healthy)
	assert.Equal(t, "No response", result.Reason)
}

func TestHTTPChecker_ConnectionRefusedReportsNoResponse(t *testing.T) {
	// Bind then immediately close a listener so its port is refusing
	// connections, the dominant real-world failure mode for a
	// stopped/crashed container (as opposed to a slow one).
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	result := NewHTTPChecker("http://" + addr).Check(context.Background())

	assert.False(t, result.Healthy)
	assert.Equal(t, "No response", result.Reason)
}

func TestHTTPChecker_DNSFailureReportsNoResponse(t *testing.T) {
	result := NewHTTPChecker("http://dsr-nonexistent-host.invalid:8080").WithTimeout(2 * time.Second).Check(context.Background())

	assert.False(t, result.Healthy)
	assert.Equal(t, "No response", result.Reason)
}

func TestHTTPChecker_DefaultTimeoutApplied(t *testing.T) {
	checker := NewHTTPChecker("http://127.0.0.1:1")
	assert.Equal(t, DefaultTimeout, checker.Timeout)
}

func TestHTTPChecker_Type(t *testing.T) {
	checker := NewHTTPChecker("http://example.com")
	assert.Equal(t, CheckTypeHTTP, checker.Type())
}

func TestProbe_Helper(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer server.Close()

	result := Probe(context.Background(), server.URL, time.Second)
	assert.True(t, result.Healthy)
}

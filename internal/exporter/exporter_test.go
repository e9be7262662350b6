package exporter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func newTestRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	g := promauto.With(reg).NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "test"})
	g.Set(42)
	return reg
}

func TestRoutes(t *testing.T) {
	reg := newTestRegistry()
	srv := New(":0", reg, nil)

	mux := srv.httpServer.Handler

	cases := []struct {
		path string
		want int
		body string
	}{
		{"/", http.StatusOK, "Hello"},
		{"/health", http.StatusOK, "OK"},
		{"/nonexistent", http.StatusNotFound, ""},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, c.path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != c.want {
			t.Errorf("%s: expected status %d, got %d", c.path, c.want, rec.Code)
		}
		if c.body != "" && rec.Body.String() != c.body {
			t.Errorf("%s: expected body %q, got %q", c.path, c.body, rec.Body.String())
		}
	}
}

func TestNonGetMethodsReturn404(t *testing.T) {
	reg := newTestRegistry()
	srv := New(":0", reg, nil)
	mux := srv.httpServer.Handler

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/health"},
		{http.MethodDelete, "/metrics"},
		{http.MethodPut, "/"},
		{http.MethodPost, "/"},
	}
	for _, c := range cases {
		req := httptest.NewRequest(c.method, c.path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", c.method, c.path, rec.Code)
		}
	}
}

func TestMetricsRouteServesRegisteredMetric(t *testing.T) {
	reg := newTestRegistry()
	srv := New(":0", reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct == "" {
		t.Fatalf("expected a Content-Type header on the metrics response")
	}
	if !strings.Contains(rec.Body.String(), "test_gauge 42") {
		t.Fatalf("expected metrics body to contain test_gauge sample, got: %s", rec.Body.String())
	}
}

func TestShutdownWithoutStartSucceeds(t *testing.T) {
	reg := newTestRegistry()
	srv := New(":0", reg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("expected shutdown of an unstarted server to succeed, got %v", err)
	}
}

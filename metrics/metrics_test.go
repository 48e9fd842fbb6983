package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/api/agents", "/api/agents"},
		{"/api/agents/3f2a", "/api/agents/:id"},
		{"/api/agents/3f2a/run", "/api/agents/:id/run"},
		{"/api/runs/abc/cancel", "/api/runs/:id/cancel"},
		{"/api/tools/calculator", "/api/tools/:name"},
		{"/api/servers/local/refresh", "/api/servers/:id/refresh"},
		{"/favicon.ico", "other"},
		{"/api/unknown/x", "other"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.path); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("GET", "/api/tools", "418"))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/tools", nil))
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("GET", "/api/tools", "418"))

	if after-before != 1 {
		t.Errorf("request counter delta = %v, want 1", after-before)
	}
}

func TestRunGauge(t *testing.T) {
	before := testutil.ToFloat64(ActiveRuns)
	RecordRunStart()
	if got := testutil.ToFloat64(ActiveRuns); got != before+1 {
		t.Errorf("active runs = %v, want %v", got, before+1)
	}
	RecordRunEnd("agent", "completed", time.Second)
	if got := testutil.ToFloat64(ActiveRuns); got != before {
		t.Errorf("active runs = %v, want %v", got, before)
	}
	if got := testutil.ToFloat64(RunsTotal.WithLabelValues("agent", "completed")); got < 1 {
		t.Errorf("runs total = %v, want >= 1", got)
	}
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDomainCollectorsRegisterOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RoomsActive.Inc()
	m.Merges.WithLabelValues(MergeApplied).Add(2)
	m.Saves.WithLabelValues(SaveFailed).Inc()

	if got := testutil.ToFloat64(m.RoomsActive); got != 1 {
		t.Fatalf("rooms_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Merges.WithLabelValues(MergeApplied)); got != 2 {
		t.Fatalf("merges applied = %v, want 2", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered families")
	}

	// A second set on a fresh registry must not collide.
	_ = NewUnregistered()
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/v1/documents/{id}", "404"))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/abc", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/v1/documents/{id}", "404"))

	if after-before != 1 {
		t.Fatalf("expected one request recorded, got %v", after-before)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Fatal("expected default collectors in output")
	}
}

package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Instrument)
	r.Get("/api/v1/users/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/users/"+id, nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status %d", rec.Code)
		}
	}

	got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/users/{id}", "204"))
	if got != 3 {
		t.Fatalf("requests counted under pattern = %v, want 3", got)
	}
}

func TestRoutePatternWithoutRouter(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	if got := RoutePattern(req); got != "unmatched" {
		t.Fatalf("RoutePattern = %q", got)
	}
}

func TestObserveAuthz(t *testing.T) {
	before := testutil.ToFloat64(authzDecisionsTotal.WithLabelValues("grpc", "deny"))
	ObserveAuthz("grpc", false)
	if got := testutil.ToFloat64(authzDecisionsTotal.WithLabelValues("grpc", "deny")); got != before+1 {
		t.Fatalf("deny counter = %v, want %v", got, before+1)
	}
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("test", "bogus", "warden")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if !log.Core().Enabled(0) || log.Core().Enabled(-1) {
		t.Fatalf("expected info level fallback")
	}
}

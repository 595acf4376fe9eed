package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/markets/{marketID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	counter := HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/markets/{marketID}", "404")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"aa", "bb", "cc"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/markets/"+id, nil))
	}

	if got := testutil.ToFloat64(counter) - before; got != 3 {
		t.Errorf("expected 3 requests under the route pattern, got %v", got)
	}
}

func TestStatusWriter_HijackUnsupported(t *testing.T) {
	w := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: 200}
	if _, _, err := w.Hijack(); err == nil {
		t.Error("recorder cannot be hijacked, expected an error")
	}
}

func TestObserveOperation(t *testing.T) {
	before := testutil.CollectAndCount(OperationLatency)
	ObserveOperation("metrics_test_op", time.Now())
	if after := testutil.CollectAndCount(OperationLatency); after != before+1 {
		t.Errorf("expected a new series, had %d now %d", before, after)
	}
}

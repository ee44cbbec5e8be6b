package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/billing/overview", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := Middleware(mux)

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "GET /api/billing/overview", "418"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/billing/overview", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "GET /api/billing/overview", "418"))
	assert.Equal(t, before+1, after)
}

func TestMiddleware_UnmatchedPath(t *testing.T) {
	handler := Middleware(http.NewServeMux())

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404"))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope/123", nil))
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404"))

	assert.Equal(t, before+1, after)
}

func TestGenerationRecorded(t *testing.T) {
	before := testutil.ToFloat64(OverageChargeTotal)
	GenerationRecorded("pro", true, 5)
	assert.Equal(t, before+5, testutil.ToFloat64(OverageChargeTotal))
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSize int

func (f fixedSize) Size() int { return int(f) }

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(ringsTotal.WithLabelValues("suppressed"))
	RingObserved("suppressed")
	assert.Equal(t, before+1, testutil.ToFloat64(ringsTotal.WithLabelValues("suppressed")))

	before = testutil.ToFloat64(responsesTotal.WithLabelValues("delayed", "Positive"))
	ResponseEmitted("delayed", "Positive")
	assert.Equal(t, before+1, testutil.ToFloat64(responsesTotal.WithLabelValues("delayed", "Positive")))

	before = testutil.ToFloat64(dispatchTotal.WithLabelValues("panic"))
	Dispatched(true)
	assert.Equal(t, before+1, testutil.ToFloat64(dispatchTotal.WithLabelValues("panic")))

	pending := testutil.ToFloat64(pendingResponses)
	PendingAdded()
	PendingAdded()
	PendingResolved()
	assert.Equal(t, pending+1, testutil.ToFloat64(pendingResponses))

	UpdateCacheItems("seen", fixedSize(7))
	UpdateCacheItems("seen", nil)
	assert.Equal(t, 7.0, testutil.ToFloat64(cacheItems.WithLabelValues("seen")))
}

func TestMiddlewareAndHandler(t *testing.T) {
	h := Middleware("/teapot", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teapot", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `http_requests_total{method="GET",route="/teapot",status="I'm a teapot"}`))
	assert.True(t, strings.Contains(body, "chimenet_rings_total"))
}

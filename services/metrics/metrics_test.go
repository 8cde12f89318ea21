package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ProviderCall("quote", nil)
	m.ProviderCall("quote", errors.New("boom"))
	m.ProviderCall("quote", nil)
	m.LiveCycle(nil, 2*time.Second)
	m.IngestRun("scheduled", errors.New("x"), time.Minute)
	m.IngestSymbol("no_data")
	m.SetPaused(true)
	m.SetPushClients(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.providerCalls.WithLabelValues("quote", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerCalls.WithLabelValues("quote", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.liveCycles.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingestRuns.WithLabelValues("scheduled", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingestSymbols.WithLabelValues("no_data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.paused))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pushClients))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ProviderCall("quote", nil)
	m.LiveCycle(nil, time.Second)
	m.SetPaused(true)
	assert.Nil(t, m.Registry())
}

func TestHandlerAndMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()
	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `livestock_http_requests_total{method="GET",path="/ping",status="200"} 1`)
}

package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestock_backend/controllers"
	"livestock_backend/middleware"
	"livestock_backend/services/broadcast"
	"livestock_backend/services/metrics"
)

func newRouter(ready ReadinessCheck) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log, _ := test.NewNullLogger()
	router := gin.New()
	SetupRoutes(router, Deps{
		LiveStock:   controllers.NewLiveStockController(controllers.LiveStockDeps{Log: log}),
		Hub:         broadcast.NewHub(broadcast.Config{}, broadcast.Deps{Log: log}),
		RateLimiter: middleware.NewRateLimiter(10, 20),
		Metrics:     metrics.New(),
		JWTSecret:   "secret",
		Ready:       ready,
	})
	return router
}

func get(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHealthProbes(t *testing.T) {
	router := newRouter(nil)
	assert.Equal(t, http.StatusOK, get(router, http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusOK, get(router, http.MethodGet, "/ready").Code)
	assert.Equal(t, http.StatusOK, get(router, http.MethodGet, "/startup").Code)
}

func TestReadyReportsStoreFailure(t *testing.T) {
	router := newRouter(func(ctx context.Context) error { return errors.New("mongo unreachable") })
	w := get(router, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "mongo unreachable")
}

func TestAuthenticatedEndpointsRejectAnonymous(t *testing.T) {
	router := newRouter(nil)
	assert.Equal(t, http.StatusUnauthorized, get(router, http.MethodGet, "/ws").Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, http.MethodPost, "/api/live-stock/ingest/run").Code)
}

func TestMetricsExposed(t *testing.T) {
	router := newRouter(nil)
	w := get(router, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "livestock_push_clients"))
}

func TestWebSocketPerAddressCapIgnoresForwardedFor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log, _ := test.NewNullLogger()
	hub := broadcast.NewHub(broadcast.Config{MaxConnPerIP: 2}, broadcast.Deps{Log: log})
	hub.Start()

	router := gin.New()
	require.NoError(t, router.SetTrustedProxies(nil))
	SetupRoutes(router, Deps{
		LiveStock: controllers.NewLiveStockController(controllers.LiveStockDeps{Log: log}),
		Hub:       hub,
		Metrics:   metrics.New(),
		JWTSecret: "secret",
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		ID:               "user-1",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token

	accepted := 0
	for i := 1; i <= 6; i++ {
		header := http.Header{}
		header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i))
		header.Set("X-Real-IP", fmt.Sprintf("10.0.1.%d", i))
		conn, resp, err := websocket.DefaultDialer.Dial(u, header)
		if err != nil {
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
			continue
		}
		t.Cleanup(func() { conn.Close() })
		accepted++
		want := accepted
		require.Eventually(t, func() bool { return hub.ClientCount() == want }, 2*time.Second, 10*time.Millisecond)
	}
	assert.Equal(t, 2, accepted)
}

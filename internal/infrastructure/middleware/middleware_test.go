package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/services"
	"relaycast/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestErrorHandlerMiddleware_ClassifiesDomainErrors(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(log))
	router.GET("/missing", func(c *gin.Context) {
		_ = c.Error(fmt.Errorf("lookup: %w", domain.ErrStreamNotFound))
	})
	router.GET("/exhausted", func(c *gin.Context) {
		_ = c.Error(domain.ErrPortsExhausted)
	})
	router.GET("/plain", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body["error"])

	w = serve(router, httptest.NewRequest(http.MethodGet, "/exhausted", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = serve(router, httptest.NewRequest(http.MethodGet, "/plain", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RecoveryMiddleware(zaptest.NewLogger(t).Sugar()))
	router.GET("/panic", func(c *gin.Context) { panic("kaboom") })

	w := serve(router, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestSignalAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("secret", time.Minute, time.Hour)
	token, err := auth.GenerateToken("user-1", "alice")
	require.NoError(t, err)

	router := gin.New()
	router.GET("/ws", SignalAuthMiddleware(auth, true), func(c *gin.Context) {
		userID, err := auth.GetUserFromContext(c.Request.Context())
		require.NoError(t, err)
		c.String(http.StatusOK, string(userID))
	})
	router.GET("/open", SignalAuthMiddleware(auth, false), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-1", w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, serve(router, req).Code)

	assert.Equal(t, http.StatusUnauthorized, serve(router, httptest.NewRequest(http.MethodGet, "/ws", nil)).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(router, httptest.NewRequest(http.MethodGet, "/ws?token=bogus", nil)).Code)
	assert.Equal(t, http.StatusOK, serve(router, httptest.NewRequest(http.MethodGet, "/open", nil)).Code)
}

func TestAuthMiddleware_RequiresBearer(t *testing.T) {
	auth := services.NewAuthService("secret", time.Minute, time.Hour)
	router := gin.New()
	router.GET("/private", AuthMiddleware(auth), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextUsername))
	})

	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Token abc")
	assert.Equal(t, http.StatusUnauthorized, serve(router, req).Code)

	token, err := auth.GenerateToken("user-2", "bob")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := serve(router, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", w.Body.String())
}

func TestCORSMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(CORSMiddleware([]string{"https://viewer.example"}))
	router.GET("/hls/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/hls/x", nil)
	req.Header.Set("Origin", "https://viewer.example")
	w := serve(router, req)
	assert.Equal(t, "https://viewer.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/hls/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = serve(router, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/hls/x", nil)
	assert.Equal(t, http.StatusNoContent, serve(router, req).Code)

	assert.True(t, OriginAllowed([]string{"*"}, "https://any.example"))
	assert.False(t, OriginAllowed([]string{"https://a.example"}, "https://b.example"))
	assert.True(t, OriginAllowed(nil, ""))
}

type countingMetrics struct {
	routes []string
}

func (m *countingMetrics) RecordHTTPRequest(method, route, code string) {
	m.routes = append(m.routes, method+" "+route+" "+code)
}

func TestRequestLogMiddleware_SetsRequestID(t *testing.T) {
	metrics := &countingMetrics{}
	router := gin.New()
	router.Use(RequestLogMiddleware(logger.NewContextLogger(zaptest.NewLogger(t)), metrics))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "fixed-id")
	w = serve(router, req)
	assert.Equal(t, "fixed-id", w.Header().Get(RequestIDHeader))
	assert.Equal(t, []string{"GET /health 200", "GET /health 200"}, metrics.routes)
}

func TestClientIP_UsesFirstForwardedAddress(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.4:5555"
	assert.Equal(t, "192.0.2.4", clientIP(req))
}

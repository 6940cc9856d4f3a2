package wsserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/meawoppl/claude-code-portal/internal/auth"
	"github.com/meawoppl/claude-code-portal/internal/cache"
	"github.com/meawoppl/claude-code-portal/internal/router"
	"github.com/meawoppl/claude-code-portal/internal/store"
)

func newTestServer(t *testing.T, devMode bool) *Server {
	t.Helper()
	ch, err := cache.NewCache(cache.Config{Enabled: false})
	assert.NoError(t, err)

	st := store.NewForTesting(nil)
	reg := router.NewRegistry(st, ch, router.Config{})
	proxyAuth := auth.NewJWTManager("test-secret", "test", 0)
	viewerAuth := auth.NewJWTManager("test-secret", "test", 0)
	return NewServer(reg, st, proxyAuth, viewerAuth, devMode, 64)
}

func TestHandleHealth_ReportsSessionCount(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newTestServer(t, true)

	engine := gin.New()
	engine.GET("/health", s.handleHealth)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","sessions":0}`, rec.Body.String())
}

func TestRegisterRoutes_WiresEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newTestServer(t, false)

	engine := gin.New()
	s.RegisterRoutes(engine)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// viewer REST routes require auth and must not be publicly reachable.
	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

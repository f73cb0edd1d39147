package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minusmail/backend/internal/auth/jwt"
	"minusmail/backend/internal/monitoring"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

func perform(r http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestOperatorAuth(t *testing.T) {
	manager := jwt.NewManager(testSecret, "minusmail")
	auth := NewOperatorAuth(manager, nil)

	r := gin.New()
	r.POST("/sweep", auth.Require(jwt.ScopeSweep), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextKeyOperator))
	})

	rec := perform(r, http.MethodPost, "/sweep", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = perform(r, http.MethodPost, "/sweep", "", map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	triggerOnly, err := manager.Issue("ops", time.Hour, jwt.ScopeTrigger)
	require.NoError(t, err)
	rec = perform(r, http.MethodPost, "/sweep", "", map[string]string{"Authorization": "Bearer " + triggerOnly})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	token, err := manager.Issue("ops", time.Hour, jwt.ScopeSweep)
	require.NoError(t, err)
	rec = perform(r, http.MethodPost, "/sweep", "", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops", rec.Body.String())
}

func TestOperatorAuth_Disabled(t *testing.T) {
	r := gin.New()
	r.POST("/sweep", NewOperatorAuth(nil, nil).Require(jwt.ScopeSweep), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	rec := perform(r, http.MethodPost, "/sweep", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.POST("/store", BodySizeLimit(16), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	rec := perform(r, http.MethodPost, "/store", `{"a":"b"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "16", rec.Header().Get("X-Max-Body-Size"))

	rec = perform(r, http.MethodPost, "/store", strings.Repeat("x", 64), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPanicRecoveryAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mm := NewMonitoringMiddleware(monitoring.NewMetrics(reg), nil)

	r := gin.New()
	r.Use(mm.PanicRecovery(), mm.HTTPMetrics(), SecurityHeaders(), RequestLogger(nil))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	rec := perform(r, http.MethodGet, "/boom", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = perform(r, http.MethodGet, "/ok", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["minusmail_http_requests_total"])
	assert.True(t, names["minusmail_panics_total"])
}

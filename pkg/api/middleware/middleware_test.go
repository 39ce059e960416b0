package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"jmxcluster/pkg/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, BurstSize: 2, IdleTTL: time.Minute})
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"), "burst exhausted")
	assert.True(t, rl.Allow("b"), "clients are independent")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"), "one token refilled")
}

func TestRateLimiter_SweepsIdleClients(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	rl.Allow("b")
	require.Equal(t, 2, rl.size())

	now = now.Add(2 * time.Minute)
	rl.Allow("c")
	assert.Equal(t, 1, rl.size())
}

func newTokens(t *testing.T) *auth.TokenService {
	t.Helper()
	tokens, err := auth.NewTokenService(auth.DefaultTokenConfig("test-secret"))
	require.NoError(t, err)
	return tokens
}

func guarded(tokens *auth.TokenService, extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), Authenticate(tokens))
	handlers := append([]gin.HandlerFunc{RequireRole(auth.RoleOperator)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		claims, _ := GetClaims(c)
		c.String(http.StatusOK, claims.Subject)
	})
	r.POST("/elect", handlers...)
	return r
}

func do(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/elect", nil)
	if token != "" {
		req.Header.Set(AuthHeaderKey, "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireRole(t *testing.T) {
	tokens := newTokens(t)
	r := guarded(tokens)

	w := do(r, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	assert.Equal(t, http.StatusUnauthorized, do(r, "garbage").Code)

	viewer, err := tokens.Issue("bob", auth.RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, do(r, viewer).Code)

	operator, err := tokens.Issue("alice", auth.RoleOperator)
	require.NoError(t, err)
	w = do(r, operator)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())
}

func TestRateLimiter_MiddlewareKeysBySubject(t *testing.T) {
	tokens := newTokens(t)
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 1, BurstSize: 1, IdleTTL: time.Minute})
	r := guarded(tokens, rl.Middleware())

	alice, _ := tokens.Issue("alice", auth.RoleOperator)
	carol, _ := tokens.Issue("carol", auth.RoleOperator)

	assert.Equal(t, http.StatusOK, do(r, alice).Code)
	w := do(r, alice)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, do(r, carol).Code)
}

func TestRequestID_Propagates(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), SecurityHeaders(), Metrics(), Logger(zap.NewNop()))
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ContextRequestIDKey)) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "abc", w.Body.String())
	assert.Equal(t, "abc", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestTracing_TraceIDInHeaderAndLog(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	core, logs := observer.New(zapcore.DebugLevel)
	r := gin.New()
	r.Use(Tracing("test"), Logger(zap.New(core)))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	id := w.Header().Get("X-Trace-ID")
	require.NotEmpty(t, id)
	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, "GET /x", recorder.Ended()[0].Name())

	entries := logs.FilterMessage("HTTP request").AllUntimed()
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ContextMap()["trace_id"])
}

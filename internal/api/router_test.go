package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmsync/internal/api/handlers"
	"crmsync/internal/api/middleware"
	"crmsync/internal/engine/funnel"
	"crmsync/internal/engine/queue"
	"crmsync/internal/engine/webhooks"
	"crmsync/internal/platform/auth"
	"crmsync/internal/platform/config"
)

func newTestRouter(t *testing.T) (http.Handler, *auth.TokenService) {
	t.Helper()
	q := queue.NewMemoryQueue(queue.Options{Consumer: "test"})
	n, err := webhooks.NewNormalizer()
	require.NoError(t, err)
	tokens := auth.NewTokenService(config.JWTConfig{Secret: "router-secret", AccessTokenTTL: time.Hour})
	rl := middleware.NewRateLimiter()
	t.Cleanup(rl.Close)

	streams := []string{queue.StreamOperations, queue.StreamWebhooks}
	router := NewRouter(&Dependencies{
		WebhookHandler: handlers.NewWebhookHandler(n, nil, nil, q),
		HealthHandler:  handlers.NewHealthHandler(map[string]handlers.Pinger{"queue": handlers.PingFunc(q.Ping)}),
		MetricsHandler: handlers.NewMetricsHandler(q, streams, nil),
		AdminHandler: handlers.NewAdminHandler(handlers.AdminDeps{
			Queue:   q,
			Streams: streams,
			Funnel:  funnel.NewMapper(nil, config.CRMConfig{}),
		}),
		AuthMiddleware: middleware.NewAuthMiddleware(tokens),
		RateLimiter:    rl,
		Limits:         config.RateLimitConfig{WebhookPerMinute: 100, AdminPerMinute: 100},
	})
	return router, tokens
}

func TestRouter_PublicRoutes(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		method, path, body string
		wantStatus         int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodOptions, "/api/v1/crm/webhook", "", http.StatusOK},
		{http.MethodPost, "/api/v1/crm/webhook", `{"event":"ONCRMDEALUPDATE","data":{"FIELDS":{"ID":"51"}}}`, http.StatusOK},
		{http.MethodPost, "/api/v1/crm/webhook", `not json`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}
}

func TestRouter_AdminRoutesRequireAdminToken(t *testing.T) {
	router, tokens := newTestRouter(t)

	admin, err := tokens.GenerateAccessToken("ops", auth.RoleAdmin)
	require.NoError(t, err)
	viewer, err := tokens.GenerateAccessToken("someone", "viewer")
	require.NoError(t, err)

	get := func(path, token string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusUnauthorized, get("/api/v1/crm/streams", ""))
	assert.Equal(t, http.StatusForbidden, get("/api/v1/crm/streams", viewer))
	assert.Equal(t, http.StatusOK, get("/api/v1/crm/streams", admin))
	assert.Equal(t, http.StatusOK, get("/api/v1/crm/funnel", admin))
	assert.Equal(t, http.StatusOK, get("/api/v1/crm/actions", admin))
	assert.Equal(t, http.StatusNotFound, get("/api/v1/crm/jobs/job_missing", admin))
}

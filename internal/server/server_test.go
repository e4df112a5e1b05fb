package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-router-resilience/internal/dispatch"
	"github.com/tributary-ai/llm-router-resilience/internal/executor"
	"github.com/tributary-ai/llm-router-resilience/internal/providers/mock"
	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

const testAPIKey = "ops-test-key-123456"

type testEnv struct {
	handler http.Handler
	service *dispatch.Service
}

func createTestServer(t *testing.T, config ServerConfig) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	dc := dispatch.DefaultConfig()
	dc.Maintenance.Enabled = false
	dc.Executor.AttemptTimeout = time.Second
	dc.Executor.Backoff = executor.Policy{BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}

	reg := prometheus.NewRegistry()
	svc, err := dispatch.New(dc, dispatch.Deps{Logger: logger, Registerer: reg})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Close() })

	if config.Port == "" {
		config.Port = "0"
	}
	srv := NewServer(svc, &config, reg, logger)
	return &testEnv{handler: srv.Handler(), service: svc}
}

func (e *testEnv) register(t *testing.T, name string, p *mock.Provider, capabilities ...types.Capability) {
	t.Helper()
	if len(capabilities) == 0 {
		capabilities = []types.Capability{types.CapabilityCode}
	}
	profile := types.ProviderProfile{
		Name:         name,
		Capabilities: make(map[types.Capability]types.CapabilityScores),
		Costs:        types.ProviderCosts{CostPerToken: 0.0001},
	}
	for _, c := range capabilities {
		profile.Capabilities[c] = types.CapabilityScores{Quality: 80, Speed: 80, Reliability: 80, CostEfficiency: 80}
	}
	require.NoError(t, e.service.RegisterProvider(profile, p, 0))
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestServer_Generate(t *testing.T) {
	env := createTestServer(t, ServerConfig{})
	p := mock.New("alpha")
	env.register(t, "alpha", p)

	body := `{"prompt":"write a parser","capability":"code"}`

	rec := env.do("POST", "/v1/generate", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp types.Response
	decodeBody(t, rec, &resp)
	assert.Equal(t, "alpha", resp.Provider)
	assert.False(t, resp.Cached)
	assert.NotEmpty(t, resp.RequestID)

	rec = env.do("POST", "/v1/generate", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	assert.True(t, resp.Cached)
	assert.Equal(t, 1, p.Calls())
}

func TestServer_GenerateErrors(t *testing.T) {
	env := createTestServer(t, ServerConfig{})
	env.register(t, "alpha", mock.NewScripted("alpha", mock.Step{Err: &types.ProviderError{StatusCode: 401, Err: errors.New("bad key")}}))

	tests := []struct {
		name      string
		body      string
		status    int
		errType   string
		checkBody func(t *testing.T, detail types.ErrorDetail)
	}{
		{
			name:    "malformed json",
			body:    `{"prompt":`,
			status:  http.StatusBadRequest,
			errType: "api_error",
		},
		{
			name:    "validation",
			body:    `{"capability":"poetry"}`,
			status:  http.StatusBadRequest,
			errType: "invalid_request_error",
			checkBody: func(t *testing.T, detail types.ErrorDetail) {
				assert.Contains(t, detail.Fields, "Prompt")
				assert.Contains(t, detail.Fields, "Capability")
			},
		},
		{
			name:    "no provider",
			body:    `{"prompt":"x","capability":"analysis"}`,
			status:  http.StatusServiceUnavailable,
			errType: "no_provider_available",
		},
		{
			name:    "exhausted",
			body:    `{"prompt":"x","capability":"code","cache_options":{"enabled":false}}`,
			status:  http.StatusBadGateway,
			errType: "providers_exhausted",
			checkBody: func(t *testing.T, detail types.ErrorDetail) {
				require.Len(t, detail.Attempts, 1)
				assert.Equal(t, "alpha", detail.Attempts[0].Provider)
				assert.Equal(t, types.ErrorAuthentication, detail.Attempts[0].Class)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do("POST", "/v1/generate", tt.body, nil)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())

			var errResp types.ErrorResponse
			decodeBody(t, rec, &errResp)
			assert.Equal(t, tt.errType, errResp.Error.Type)
			assert.Equal(t, tt.status, errResp.Error.Code)
			if tt.checkBody != nil {
				tt.checkBody(t, errResp.Error)
			}
		})
	}
}

func TestServer_RoutingDecision(t *testing.T) {
	env := createTestServer(t, ServerConfig{})
	a := mock.New("alpha")
	env.register(t, "alpha", a)
	env.register(t, "beta", mock.New("beta"))

	rec := env.do("POST", "/v1/routing/decision", `{"prompt":"x","capability":"code","optimization_mode":"speed"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var decision types.RoutingDecision
	decodeBody(t, rec, &decision)
	assert.NotEmpty(t, decision.SelectedProvider)
	assert.Len(t, decision.FallbackChain, 1)
	assert.Zero(t, a.Calls())
}

func TestServer_ProviderManagement(t *testing.T) {
	env := createTestServer(t, ServerConfig{})
	env.register(t, "alpha", mock.New("alpha"))

	rec := env.do("GET", "/v1/providers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Providers []types.ProviderSnapshot `json:"providers"`
		Count     int                      `json:"count"`
	}
	decodeBody(t, rec, &list)
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "alpha", list.Providers[0].Name)

	rec = env.do("GET", "/v1/providers/alpha", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do("GET", "/v1/providers/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do("POST", "/v1/providers/alpha/deactivate", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap types.ProviderSnapshot
	decodeBody(t, rec, &snap)
	assert.False(t, snap.Active)

	rec = env.do("POST", "/v1/generate", `{"prompt":"x","capability":"code"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do("POST", "/v1/providers/alpha/activate", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do("POST", "/v1/generate", `{"prompt":"x","capability":"code"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do("POST", "/v1/providers/missing/activate", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RateLimits(t *testing.T) {
	env := createTestServer(t, ServerConfig{})
	env.register(t, "alpha", mock.New("alpha"), types.CapabilityCode, types.CapabilityCreative)

	rec := env.do("GET", "/v1/providers/alpha/ratelimits", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Provider   string                     `json:"provider"`
		RateLimits map[string]json.RawMessage `json:"ratelimits"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "alpha", body.Provider)
	assert.Len(t, body.RateLimits, 2)
	assert.Contains(t, body.RateLimits, "code")

	rec = env.do("GET", "/v1/providers/missing/ratelimits", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Breakers(t *testing.T) {
	env := createTestServer(t, ServerConfig{})
	env.register(t, "alpha", mock.New("alpha"))

	for i := 0; i < 5; i++ {
		env.service.Breaker().RecordResult("alpha", false)
	}
	require.True(t, env.service.Breaker().IsOpen("alpha"))

	rec := env.do("GET", "/v1/breakers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"open"`)

	rec = env.do("GET", "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do("POST", "/v1/breakers/alpha/reset", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.service.Breaker().IsOpen("alpha"))

	rec = env.do("POST", "/v1/breakers/missing/reset", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CacheEndpoints(t *testing.T) {
	env := createTestServer(t, ServerConfig{})
	env.register(t, "alpha", mock.New("alpha"))

	rec := env.do("POST", "/v1/generate", `{"prompt":"x","capability":"code","cache_options":{"enabled":true,"tags":["batch-7"]}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do("GET", "/v1/cache/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Entries int `json:"entries"`
	}
	decodeBody(t, rec, &stats)
	assert.Equal(t, 1, stats.Entries)

	rec = env.do("DELETE", "/v1/cache/tags/batch-7", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cleared struct {
		Removed int `json:"removed"`
	}
	decodeBody(t, rec, &cleared)
	assert.Equal(t, 1, cleared.Removed)

	rec = env.do("GET", "/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"monitoring"`)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	env := createTestServer(t, ServerConfig{APIKeys: []string{testAPIKey}})

	// no providers registered yet
	rec := env.do("GET", "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env.register(t, "alpha", mock.New("alpha"))
	rec = env.do("GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = env.do("POST", "/v1/generate", `{"prompt":"x","capability":"code"}`, map[string]string{"X-API-Key": testAPIKey})
	require.Equal(t, http.StatusOK, rec.Code)

	// metrics skip auth
	rec = env.do("GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "llm_router_provider_requests_total")
}

func TestServer_Auth(t *testing.T) {
	env := createTestServer(t, ServerConfig{APIKeys: []string{testAPIKey}})
	env.register(t, "alpha", mock.New("alpha"))

	tests := []struct {
		name    string
		headers map[string]string
		status  int
	}{
		{"missing key", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"api key header", map[string]string{"X-API-Key": testAPIKey}, http.StatusOK},
		{"bearer token", map[string]string{"Authorization": "Bearer " + testAPIKey}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do("GET", "/v1/providers", "", tt.headers)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestServer_RateLimit(t *testing.T) {
	env := createTestServer(t, ServerConfig{RateLimit: RateLimitConfig{Enabled: true, RequestsPerMinute: 2}})

	for i := 0; i < 2; i++ {
		rec := env.do("GET", "/v1/providers", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := env.do("GET", "/v1/providers", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// health is outside the limited subrouter
	rec = env.do("GET", "/health", "", nil)
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
}

func TestServer_ContentType(t *testing.T) {
	env := createTestServer(t, ServerConfig{})

	req := httptest.NewRequest("POST", "/v1/generate", strings.NewReader("prompt=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "****", maskAPIKey("short"))
	assert.Equal(t, "ops-****3456", maskAPIKey(testAPIKey))
}

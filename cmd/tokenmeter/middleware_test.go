package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/BaSui01/tokenmeter/api/handlers"
	"github.com/BaSui01/tokenmeter/config"
	"github.com/BaSui01/tokenmeter/internal/ctxkeys"
	"github.com/BaSui01/tokenmeter/internal/metrics"
)

var namespaceSeq atomic.Uint64

// testCollector 每个测试使用独立的指标命名空间
func testCollector() (string, *metrics.Collector) {
	ns := fmt.Sprintf("cmd_test_%d", namespaceSeq.Add(1))
	return ns, metrics.NewCollector(ns, zap.NewNop())
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func decodeEnvelope(t *testing.T, body []byte) handlers.Response {
	t.Helper()
	var resp handlers.Response
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders()(okHandler()), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'none'", w.Header().Get("Content-Security-Policy"))
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	serve(Chain(okHandler(), mark("a"), mark("b"), mark("c")), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRequestID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ctxkeys.RequestID(r.Context())
	})
	h := RequestID()(inner)

	w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "client-id")
	w = serve(h, r)
	assert.Equal(t, "client-id", seen)
	assert.Equal(t, "client-id", w.Header().Get("X-Request-ID"))
}

func TestRecovery(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	h := Chain(panicking, RequestID(), Recovery(zap.NewNop()))

	w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeEnvelope(t, w.Body.Bytes())
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
	assert.Equal(t, w.Header().Get("X-Request-ID"), resp.RequestID)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example"})(okHandler())

	t.Run("allowed origin", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Origin", "https://app.example")
		w := serve(h, r)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	})

	t.Run("preflight", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodOptions, "/", nil)
		r.Header.Set("Origin", "https://app.example")
		assert.Equal(t, http.StatusNoContent, serve(h, r).Code)
	})

	t.Run("unknown origin preflight", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodOptions, "/", nil)
		r.Header.Set("Origin", "https://evil.example")
		w := serve(h, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("no origin", func(t *testing.T) {
		w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimiter(ctx, 0.001, 1, zap.NewNop())(okHandler())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, http.StatusOK, serve(h, r).Code)

	w := serve(h, r)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	resp := decodeEnvelope(t, w.Body.Bytes())
	assert.Equal(t, "RATE_LIMITED", resp.Error.Code)
	assert.True(t, resp.Error.Retryable)

	// 其他 IP 不受影响
	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	assert.Equal(t, http.StatusOK, serve(h, other).Code)
}

func TestRateLimiter_Disabled(t *testing.T) {
	h := RateLimiter(context.Background(), 0, 0, zap.NewNop())(okHandler())
	for range 5 {
		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	ns, collector := testCollector()
	mux := http.NewServeMux()
	mux.Handle("POST "+routeCount, okHandler())
	h := MetricsMiddleware(collector)(mux)

	serve(h, httptest.NewRequest(http.MethodPost, routeCount, nil))
	serve(h, httptest.NewRequest(http.MethodGet, "/secret/123", nil))

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var paths []string
	for _, f := range families {
		if f.GetName() != ns+"_http_requests_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "path" {
					paths = append(paths, l.GetValue())
				}
			}
		}
	}
	assert.ElementsMatch(t, []string{routeCount, "other"}, paths)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, routeStream, normalizePath(routeStream))
	assert.Equal(t, "/health", normalizePath("/health"))
	assert.Equal(t, "other", normalizePath("/api/v1/tokens/count/extra"))
	assert.Equal(t, "other", normalizePath("/"))
}

func TestOTelTracing_PassesThrough(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	w := serve(OTelTracing()(inner), httptest.NewRequest(http.MethodGet, routeTokenizer, nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestOTelTracing_RecordsDuration(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(mp)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = mp.Shutdown(context.Background())
	})

	w := serve(OTelTracing()(okHandler()), httptest.NewRequest(http.MethodGet, routeTokenizer, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "http.server.request.duration" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok)
			require.Len(t, hist.DataPoints, 1)
			assert.EqualValues(t, 1, hist.DataPoints[0].Count)
			route, _ := hist.DataPoints[0].Attributes.Value("http.route")
			assert.Equal(t, routeTokenizer, route.AsString())
			found = true
		}
	}
	assert.True(t, found)
}

// =============================================================================
// 🔐 认证
// =============================================================================

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAuthenticate_Disabled(t *testing.T) {
	h := Authenticate(authConfig{}, zap.NewNop())(okHandler())
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, routeCount, nil)).Code)
}

func TestAuthenticate_APIKey(t *testing.T) {
	cfg := authConfig{APIKeys: []string{"k1", "k2"}, SkipPaths: publicPaths}
	h := Authenticate(cfg, zap.NewNop())(okHandler())

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"valid key", routeCount, "k2", http.StatusOK},
		{"wrong key", routeCount, "nope", http.StatusUnauthorized},
		{"missing key", routeCount, "", http.StatusUnauthorized},
		{"public path", "/health", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				r.Header.Set("X-API-Key", tt.header)
			}
			w := serve(h, r)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, "AUTHENTICATION", decodeEnvelope(t, w.Body.Bytes()).Error.Code)
			}
		})
	}
}

func TestAuthenticate_QueryKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, routeStream+"?api_key=k1", nil)

	denied := Authenticate(authConfig{APIKeys: []string{"k1"}}, zap.NewNop())(okHandler())
	assert.Equal(t, http.StatusUnauthorized, serve(denied, r).Code)

	allowed := Authenticate(authConfig{APIKeys: []string{"k1"}, AllowQuery: true}, zap.NewNop())(okHandler())
	assert.Equal(t, http.StatusOK, serve(allowed, r).Code)
}

func TestAuthenticate_JWT(t *testing.T) {
	jwtCfg := config.JWTConfig{Secret: "s3cret", Issuer: "tokenmeter", Audience: "ui"}
	var subject string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = ctxkeys.Subject(r.Context())
	})
	h := Authenticate(authConfig{JWT: jwtCfg}, zap.NewNop())(inner)

	valid := jwt.RegisteredClaims{
		Subject:   "user-7",
		Issuer:    "tokenmeter",
		Audience:  jwt.ClaimStrings{"ui"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongIssuer := valid
	wrongIssuer.Issuer = "someone-else"
	noExpiry := valid
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"valid", signToken(t, "s3cret", valid), http.StatusOK},
		{"wrong secret", signToken(t, "other", valid), http.StatusUnauthorized},
		{"expired", signToken(t, "s3cret", expired), http.StatusUnauthorized},
		{"wrong issuer", signToken(t, "s3cret", wrongIssuer), http.StatusUnauthorized},
		{"no expiry", signToken(t, "s3cret", noExpiry), http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject = ""
			r := httptest.NewRequest(http.MethodGet, routeCount, nil)
			r.Header.Set("Authorization", "Bearer "+tt.token)
			assert.Equal(t, tt.want, serve(h, r).Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "user-7", subject)
			}
		})
	}
}

func TestAuthenticate_KeyOrJWT(t *testing.T) {
	cfg := authConfig{APIKeys: []string{"k1"}, JWT: config.JWTConfig{Secret: "s3cret"}}
	h := Authenticate(cfg, zap.NewNop())(okHandler())

	r := httptest.NewRequest(http.MethodGet, routeCount, nil)
	r.Header.Set("X-API-Key", "k1")
	assert.Equal(t, http.StatusOK, serve(h, r).Code)

	r = httptest.NewRequest(http.MethodGet, routeCount, nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "s3cret", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}))
	assert.Equal(t, http.StatusOK, serve(h, r).Code)

	// 预检请求不需要凭证
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodOptions, routeCount, nil)).Code)
}

func TestResponseWrappersUnwrap(t *testing.T) {
	// WebSocket 升级需要穿过中间件拿到底层 ResponseWriter
	var flushErr error
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flushErr = http.NewResponseController(w).Flush()
	})
	_, collector := testCollector()
	h := Chain(inner, RequestLogger(zap.NewNop()), MetricsMiddleware(collector), OTelTracing())
	w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, flushErr)
	assert.True(t, w.Flushed)
}

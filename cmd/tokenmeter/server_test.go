package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/tokenmeter/config"
)

type testServer struct {
	srv     *Server
	api     string
	metrics string
	ns      string
	redis   *miniredis.Miniredis
}

func startTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Server.MetricsPort = 0
	cfg.Server.APIKeys = []string{"k"}
	cfg.Tokenizer = bpeConfig(writeModel(t))
	cfg.Accounting.Debounce = 10 * time.Millisecond
	cfg.Accounting.TokenLimit = 10
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(t.TempDir(), "usage.db")
	cfg.Database.AutoMigrate = true
	cfg.Database.Retention = 24 * time.Hour
	if mutate != nil {
		mutate(cfg)
	}

	ns, collector := testCollector()
	srv := NewServer(cfg, zap.NewNop(), collector, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	return &testServer{
		srv:     srv,
		api:     localBase(t, srv.httpManager.Addr()),
		metrics: localBase(t, srv.metricsManager.Addr()),
		ns:      ns,
		redis:   mr,
	}
}

func localBase(t *testing.T, addr string) string {
	t.Helper()
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return "http://127.0.0.1:" + port
}

func (ts *testServer) do(t *testing.T, method, path, body string, authed bool) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.api+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("X-API-Key", "k")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestServer_EndToEnd(t *testing.T) {
	ts := startTestServer(t, nil)

	require.Eventually(t, func() bool {
		code, _ := ts.do(t, http.MethodGet, "/ready", "", false)
		return code == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	code, _ := ts.do(t, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, code)

	code, _ = ts.do(t, http.MethodPost, routeCount, `{"text":"abab"}`, false)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := ts.do(t, http.MethodPost, routeCount, `{"text":"abab","files":[{"name":"x","content":"ba"}]}`, true)
	require.Equal(t, http.StatusOK, code, string(body))
	var env struct {
		Data struct {
			Total      int `json:"total"`
			TokenLimit int `json:"token_limit"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, 4, env.Data.Total)
	assert.Equal(t, 10, env.Data.TokenLimit)

	code, _ = ts.do(t, http.MethodGet, routeCount, "", true)
	assert.Equal(t, http.StatusMethodNotAllowed, code)

	code, _ = ts.do(t, http.MethodGet, routeModel, "", true)
	assert.Equal(t, http.StatusOK, code)

	// 审计异步写入
	require.Eventually(t, func() bool {
		code, body := ts.do(t, http.MethodGet, routeUsage+"?source=api", "", true)
		if code != http.StatusOK {
			return false
		}
		var list struct {
			Data []json.RawMessage `json:"data"`
		}
		return json.Unmarshal(body, &list) == nil && len(list.Data) == 1
	}, 2*time.Second, 10*time.Millisecond)

	code, _ = ts.do(t, http.MethodGet, routeUsageSummary+"?since=1h", "", true)
	assert.Equal(t, http.StatusOK, code)

	// 计数缓存写入 Redis
	assert.NotEmpty(t, ts.redis.Keys())

	resp, err := http.Get(ts.metrics + "/metrics")
	require.NoError(t, err)
	metricsBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(metricsBody), ts.ns+"_http_requests_total")
}

func TestServer_Stream(t *testing.T) {
	ts := startTestServer(t, nil)
	require.Eventually(t, func() bool {
		code, _ := ts.do(t, http.MethodGet, "/ready", "", false)
		return code == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.api, "http")+routeStream, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-API-Key": []string{"k"}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "idle", snap["status"])
	assert.EqualValues(t, 10, snap["token_limit"])

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"text","text":"ab ba"}`)))
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &snap))
		if snap["status"] == "ready" {
			break
		}
	}
	assert.EqualValues(t, 3, snap["total"])
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
}

func TestServer_DegradedWithoutModel(t *testing.T) {
	ts := startTestServer(t, func(cfg *config.Config) {
		cfg.Tokenizer.ModelPath = filepath.Join(t.TempDir(), "missing.json")
		cfg.Redis.Enabled = false
		cfg.Database.Driver = ""
	})

	code, _ := ts.do(t, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, code)

	require.Eventually(t, func() bool {
		code, body := ts.do(t, http.MethodGet, "/ready", "", false)
		return code == http.StatusServiceUnavailable && strings.Contains(string(body), "tokenizer model not loaded")
	}, 2*time.Second, 10*time.Millisecond)

	code, _ = ts.do(t, http.MethodPost, routeCount, `{"text":"ab"}`, true)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = ts.do(t, http.MethodGet, routeUsage, "", true)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServer_RedisUnavailable(t *testing.T) {
	ts := startTestServer(t, func(cfg *config.Config) {
		cfg.Redis.Addr = "127.0.0.1:1"
		cfg.Database.Driver = ""
	})
	assert.Nil(t, ts.srv.redis)

	require.Eventually(t, func() bool {
		code, _ := ts.do(t, http.MethodGet, "/ready", "", false)
		return code == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
}

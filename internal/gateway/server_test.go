package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/lspbridge/internal/backend"
	"github.com/codefionn/lspbridge/internal/bridge"
	"github.com/codefionn/lspbridge/internal/config"
	"github.com/codefionn/lspbridge/internal/logger"
	"github.com/codefionn/lspbridge/internal/metrics"
)

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(cfg, Options{
		Metrics: metrics.NewPrometheus("test"),
		Logger:  logger.NewWithWriter(logger.LevelDebug, io.Discard, ""),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		ts.Close()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr
	}
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestUnknownRouteIsDestroyed(t *testing.T) {
	_, ts := newTestServer(t, config.DefaultConfig())

	for _, path := range []string{"/nope", "/gopls/", "/GOPLS", "/pylsp/extra"} {
		t.Run(path, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, path), nil)
			require.Error(t, err)
			assert.Nil(t, conn)
			assert.Nil(t, resp, "no handshake response may be observable")
		})
	}

	status, _ := getBody(t, ts.URL+"/nope")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDisabledKindClosesWithReason(t *testing.T) {
	_, ts := newTestServer(t, config.DefaultConfig())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/jdtls"), nil)
	require.NoError(t, err, "handshake completes for a known route")
	defer conn.Close()

	closeErr := readClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "jdtls language server is disabled", closeErr.Text)

	_, body := getBody(t, ts.URL+"/metrics")
	assert.Contains(t, body, `test_connections_rejected_total{reason="disabled",route="/jdtls"} 1`)
}

func TestSetDisabled(t *testing.T) {
	srv, ts := newTestServer(t, config.DefaultConfig())
	srv.SetDisabled([]string{"gopls"})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/gopls"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "gopls language server is disabled", readClose(t, conn).Text)

	assert.False(t, srv.Config().IsDisabled("jdtls"))
}

func TestLaunchFailureClosesWithReason(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Enable("jdtls")
	cfg.SetCommand("pylsp", "/nonexistent/bin/pylsp")
	_, ts := newTestServer(t, cfg)

	tests := []struct {
		path string
		want string
	}{
		{"/jdtls", "JDTLS_HOME"},
		{"/pylsp", "/nonexistent/bin/pylsp"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, tt.path), nil)
			require.NoError(t, err)
			defer conn.Close()

			closeErr := readClose(t, conn)
			assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
			kind := strings.TrimPrefix(tt.path, "/")
			assert.True(t, strings.HasPrefix(closeErr.Text, kind+" unavailable: "), closeErr.Text)
			assert.Contains(t, closeErr.Text, tt.want)
		})
	}
}

func TestBridgedSession(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses cat as a stand-in language server")
	}
	cat, err := exec.LookPath("cat")
	if err != nil {
		t.Skipf("cat not available: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Backends["pylsp"] = config.BackendConfig{Command: cat, Args: []string{}}
	cfg.TerminateGraceMS = 200
	srv, ts := newTestServer(t, cfg)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/pylsp"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":42,"method":"shutdown"}`)))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":42,"method":"shutdown"}`, string(data))

	_, body := getBody(t, ts.URL+"/sessions")
	var sessions []bridge.Info
	require.NoError(t, json.Unmarshal([]byte(body), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "pylsp", sessions[0].Kind)
	assert.Positive(t, sessions[0].PID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	closeErr := readClose(t, conn)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Equal(t, 0, srv.Registry().Len())
}

func TestNoLaunchAfterStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SetCommand("pylsp", "/nonexistent/bin/pylsp")
	srv, ts := newTestServer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	// The test listener is still serving, like a hijacked handler that
	// was already past the upgrade when Stop ran.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/pylsp"), nil)
	require.NoError(t, err)
	defer conn.Close()

	closeErr := readClose(t, conn)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Equal(t, bridge.ErrShutdown.Error(), closeErr.Text)
	assert.Equal(t, 0, srv.Registry().Len())
}

func TestHealthAndIndex(t *testing.T) {
	_, ts := newTestServer(t, config.DefaultConfig())

	status, body := getBody(t, ts.URL+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "LSP bridge running\n", body)

	status, body = getBody(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, status)

	var health healthResponse
	require.NoError(t, json.Unmarshal([]byte(body), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 0, health.Sessions)
	assert.Equal(t, []string{"jdtls"}, health.Disabled)
	assert.Equal(t, []string{"pylsp", "clangd", "gopls", "rust-analyzer"}, health.Enabled)
}

func TestMetricsRouteRequiresHandler(t *testing.T) {
	srv := New(config.DefaultConfig(), Options{
		Metrics: metrics.NewNoop(),
		Logger:  logger.NewWithWriter(logger.LevelError, io.Discard, ""),
	})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPprofRoutes(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		srv := New(config.DefaultConfig(), Options{
			Pprof:  enabled,
			Logger: logger.NewWithWriter(logger.LevelError, io.Discard, ""),
		})
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
		if enabled {
			assert.Equal(t, http.StatusOK, rec.Code)
		} else {
			assert.Equal(t, http.StatusNotFound, rec.Code)
		}
	}
}

func TestStartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Port = 0

	srv := New(cfg, Options{Logger: logger.NewWithWriter(logger.LevelInfo, io.Discard, "")})
	require.NoError(t, srv.Start())

	addr := srv.Addr()
	require.NotNil(t, addr)

	status, body := getBody(t, fmt.Sprintf("http://%s/", addr))
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "LSP bridge running")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	_, err := http.Get(fmt.Sprintf("http://%s/", addr))
	assert.Error(t, err)
}

func TestMaxConnections(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Port = 0
	cfg.MaxConnections = 1

	srv := New(cfg, Options{Logger: logger.NewWithWriter(logger.LevelError, io.Discard, "")})
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	held, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)

	client := &http.Client{Timeout: 300 * time.Millisecond}
	_, err = client.Get(fmt.Sprintf("http://%s/healthz", srv.Addr()))
	assert.Error(t, err, "second connection waits for a free slot")

	require.NoError(t, held.Close())
	assert.Eventually(t, func() bool {
		resp, err := client.Get(fmt.Sprintf("http://%s/healthz", srv.Addr()))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)
}

func TestFailureLabel(t *testing.T) {
	assert.Equal(t, "configuration_missing", failureLabel(&backend.LaunchError{Kind: backend.JDTLS, Err: backend.ErrConfigurationMissing}))
	assert.Equal(t, "artifact_not_found", failureLabel(&backend.LaunchError{Kind: backend.JDTLS, Err: backend.ErrArtifactNotFound}))
	assert.Equal(t, "spawn", failureLabel(&backend.LaunchError{Kind: backend.Gopls, Step: "spawn", Err: errors.New("exec: not found")}))
	assert.Equal(t, "error", failureLabel(errors.New("boom")))
}

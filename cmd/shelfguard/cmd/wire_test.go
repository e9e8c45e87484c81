package cmd

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/shelfguard/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Security.Secret = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
	cfg.Storage.Driver = config.DriverMemory
	cfg.Identity.Provider = config.ProviderMemory
	cfg.Identity.Users = []config.BootstrapUser{
		{UID: "root-1", Email: "root@example.com", Password: "Original#Pw9x", Admin: true, SuperAdmin: true},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildAppServesAPI(t *testing.T) {
	a, err := buildApp(context.Background(), testConfig(t), quietLogger())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(srv.URL + "/api/v1/auth/csrf")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out["csrfToken"])

	resp, err = http.Get(srv.URL + "/api/v1/auth/session")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBuildAppConnectOrigins(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.ConnectOrigins = []string{"https://auth.example.com"}
	a, err := buildApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "connect-src 'self' ")
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "https://auth.example.com")
}

func TestBuildAppSweepTasks(t *testing.T) {
	a, err := buildApp(context.Background(), testConfig(t), quietLogger())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	counts := a.scheduler.RunOnce(context.Background())
	assert.Equal(t, map[string]int{"sessions": 0, "rate_limits": 0, "password_requests": 0}, counts)
}

func TestBuildAppBbolt(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = config.DriverBbolt
	cfg.Storage.Path = filepath.Join(t.TempDir(), "nested", "shelfguard.db")

	a, err := buildApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	a.Close()
	assert.FileExists(t, cfg.Storage.Path)
}

func TestBuildAppRejectsBadBootstrap(t *testing.T) {
	cfg := testConfig(t)
	cfg.Identity.Users = append(cfg.Identity.Users, config.BootstrapUser{UID: "orphan-1"})

	_, err := buildApp(context.Background(), cfg, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bootstrap user orphan-1")
}

func TestOpenStorageUnknownDriver(t *testing.T) {
	_, _, err := openStorage(context.Background(), config.StorageConfig{Driver: "cassandra"})
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "json", "warn")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.True(t, strings.HasPrefix(buf.String(), "{"))
	assert.Contains(t, buf.String(), `"k":"v"`)

	_, err = newLogger(&buf, "json", "loud")
	require.Error(t, err)
	_, err = newLogger(&buf, "xml", "info")
	require.Error(t, err)
}

func TestGenerateSecret(t *testing.T) {
	s, err := generateSecret(48)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	assert.Len(t, raw, 48)

	other, err := generateSecret(48)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)

	_, err = generateSecret(16)
	require.Error(t, err)
}

func TestServerTLSConfig(t *testing.T) {
	insecureHTTP = false
	t.Cleanup(func() { insecureHTTP = false })

	tc, err := serverTLSConfig(config.ServerConfig{})
	require.NoError(t, err)
	require.NotNil(t, tc)
	assert.Len(t, tc.Certificates, 1)

	_, err = serverTLSConfig(config.ServerConfig{Production: true})
	require.Error(t, err)

	insecureHTTP = true
	tc, err = serverTLSConfig(config.ServerConfig{Production: true})
	require.NoError(t, err)
	assert.Nil(t, tc)
}

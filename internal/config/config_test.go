package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 5*time.Second, cfg.GRPC.RegisterTimeout)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.GRPC.TLS)

	backends := cfg.BackendList()
	require.Len(t, backends, 4)
	assert.Equal(t, "auth", backends[0].Name)
	assert.Equal(t, "localhost:50051", backends[0].Addr)
	assert.Equal(t, "contact", backends[3].Name)
	assert.Equal(t, "localhost:50054", backends[3].Addr)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":8181")
	t.Setenv("METRICS_ADDR", ":9191")
	t.Setenv("CONTENT_GRPC_ADDR", "content:9000")
	t.Setenv("MEDIA_GRPC_ADDR", "")
	t.Setenv("SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("GRPC_TLS", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8181", cfg.Server.Addr)
	assert.Equal(t, ":9191", cfg.Metrics.Addr)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.True(t, cfg.GRPC.TLS)

	byName := map[string]string{}
	for _, b := range cfg.BackendList() {
		byName[b.Name] = b.Addr
	}
	assert.Equal(t, "content:9000", byName["content"])
	assert.Equal(t, "", byName["media"], "empty env var disables the backend")
}

func TestLoad_EmptyLoggingFallsBackToDefaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("HTTP_ADDR", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}},
		{"negative shutdown", map[string]string{"SHUTDOWN_TIMEOUT": "-1s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_FileAndEnvPrecedence(t *testing.T) {
	path := writeFile(t, "gateway.yaml", `
server:
  addr: ":7000"
  shutdown_timeout: 4s
logging:
  level: warn
backends:
  auth: "auth.internal:50051"
`)
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 4*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "error", cfg.Logging.Level, "environment wins over file")
	assert.Equal(t, "auth.internal:50051", cfg.BackendList()[0].Addr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_BackendsFile(t *testing.T) {
	path := writeFile(t, "backends.yaml", `
backends:
  - name: media
    addr: media.internal:6000
  - name: billing
    addr: billing.internal:6001
    services: ["cms.billing.v1.BillingService"]
`)
	t.Setenv("BACKENDS_FILE", path)

	cfg, err := Load("")
	require.NoError(t, err)

	list := cfg.BackendList()
	require.Len(t, list, 5)
	assert.Equal(t, "media", list[2].Name)
	assert.Equal(t, "media.internal:6000", list[2].Addr)
	assert.Equal(t, "billing", list[4].Name)
	assert.Equal(t, []string{"cms.billing.v1.BillingService"}, list[4].Services)
}

func TestDump_RedactsSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "super-secret")

	cfg, err := Load("")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cfg.Dump(&buf))
	assert.NotContains(t, buf.String(), "super-secret")
	assert.Contains(t, buf.String(), "********")
	assert.Equal(t, "super-secret", cfg.Auth.JWTSecret, "dump must not mutate the config")
}

func TestDump_IncludesFileBackends(t *testing.T) {
	path := writeFile(t, "backends.yaml", `
backends:
  - name: billing
    addr: billing.internal:6001
`)
	t.Setenv("BACKENDS_FILE", path)

	cfg, err := Load("")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cfg.Dump(&buf))

	var out struct {
		Server           map[string]any   `yaml:"server"`
		ResolvedBackends []map[string]any `yaml:"resolved_backends"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out), buf.String())
	assert.NotEmpty(t, out.Server)
	require.Len(t, out.ResolvedBackends, 5)
	assert.Equal(t, "billing", out.ResolvedBackends[4]["name"])
	assert.Equal(t, "billing.internal:6001", out.ResolvedBackends[4]["addr"])
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("B2_TEST_API_KEY", "s3cret")
	t.Setenv("B2_TEST_MONGO", "mongodb://localhost:27017")

	path := writeConfig(t, `
server:
  port: 8443
  apiKey: ${B2_TEST_API_KEY}
certificates:
  dir: /data/certs
  prefetch: ["01511", "91123"]
  prefetchDelay: 250ms
directory:
  url: ldap://annuaire.example:1389
  timeout: 5s
storage:
  type: mongodb
  mongodb:
    uri: $B2_TEST_MONGO
message:
  cipherId: "HERO#Test#1.0#A#2"
logging:
  level: debug
  format: json
observability:
  metrics:
    enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8443, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.APIKey)
	assert.Equal(t, "/data/certs", cfg.Certificates.Dir)
	assert.Equal(t, "./certificates", cfg.Certificates.BundledDir)
	assert.Equal(t, []string{"01511", "91123"}, cfg.Certificates.Prefetch)
	assert.Equal(t, 250*time.Millisecond, cfg.Certificates.PrefetchDelay)
	assert.Equal(t, "ldap://annuaire.example:1389", cfg.Directory.URL)
	assert.Equal(t, 5*time.Second, cfg.Directory.Timeout)
	assert.Equal(t, "mongodb", cfg.Storage.Type)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Storage.MongoDB.URI)
	assert.Equal(t, "b2smime", cfg.Storage.MongoDB.Database)
	assert.Equal(t, "HERO#Test#1.0#A#2", cfg.Message.CipherID)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Metrics.Path)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  apiKey: k\n"))
	require.NoError(t, err)

	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, int64(50<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, "/app/certificates", cfg.Certificates.Dir)
	assert.Equal(t, DefaultPrefetch, cfg.Certificates.Prefetch)
	assert.Equal(t, time.Second, cfg.Certificates.PrefetchDelay)
	assert.Equal(t, "file", cfg.Storage.Type)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "bad yaml", content: "server: [", wantErr: "parsing config file"},
		{name: "bad port", content: "server:\n  port: 70000\n", wantErr: "server.port"},
		{name: "bad storage", content: "storage:\n  type: etcd\n", wantErr: "storage.type"},
		{name: "mongo without uri", content: "storage:\n  type: mongodb\n", wantErr: "storage.mongodb.uri"},
		{name: "redis without url", content: "storage:\n  type: redis\n", wantErr: "storage.redis.url"},
		{name: "bad format", content: "logging:\n  format: xml\n", wantErr: "logging.format"},
		{name: "tls without files", content: "server:\n  tls:\n    enabled: true\n", wantErr: "server.tls"},
		{name: "bad prefetch", content: "certificates:\n  prefetch: [\"5a1\"]\n", wantErr: "certificates.prefetch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestFromEnviron(t *testing.T) {
	cfg, err := fromEnviron([]string{
		"PORT=4000",
		"API_KEY=abc",
		"CERT_DIR=/volume/certs",
		"BUNDLED_CERT_DIR=/opt/certs",
		"LDAP_URL=ldap://10.0.0.1:389",
		"LDAP_TIMEOUT=10s",
		"LOG_LEVEL=warn",
		"MONGODB_URI=mongodb://db:27017",
		"METRICS_ENABLED=true",
		"CPAM_CERT_01511=-----BEGIN CERTIFICATE-----\\nMAo=\\n-----END CERTIFICATE-----",
		"CPAM_CERT_91123=",
		"UNRELATED=1",
	})
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "abc", cfg.Server.APIKey)
	assert.Equal(t, "/volume/certs", cfg.Certificates.Dir)
	assert.Equal(t, "/opt/certs", cfg.Certificates.BundledDir)
	assert.Equal(t, "ldap://10.0.0.1:389", cfg.Directory.URL)
	assert.Equal(t, 10*time.Second, cfg.Directory.Timeout)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "mongodb", cfg.Storage.Type)
	assert.True(t, cfg.Metrics.Metrics.Enabled)

	assert.Equal(t, []string{"01511"}, cfg.InlineCodes())
	assert.Equal(t, "-----BEGIN CERTIFICATE-----\nMAo=\n-----END CERTIFICATE-----", cfg.Certificates.Inline["01511"])
}

func TestFromEnviron_Redis(t *testing.T) {
	cfg, err := fromEnviron([]string{"REDIS_URL=redis://cache:6379/0"})
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Storage.Type)
	assert.Equal(t, "redis://cache:6379/0", cfg.Storage.Redis.URL)

	cfg, err = fromEnviron([]string{"MONGODB_URI=mongodb://db:27017", "REDIS_URL=redis://cache:6379/0"})
	require.NoError(t, err)
	assert.Equal(t, "mongodb", cfg.Storage.Type, "MongoDB takes precedence")
}

func TestFromEnviron_Errors(t *testing.T) {
	for _, env := range [][]string{
		{"PORT=http"},
		{"LDAP_TIMEOUT=soon"},
		{"METRICS_ENABLED=maybe"},
	} {
		_, err := fromEnviron(env)
		assert.Error(t, err, env[0])
	}
}

func TestFromEnviron_Empty(t *testing.T) {
	cfg, err := fromEnviron(nil)
	require.NoError(t, err)
	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, "file", cfg.Storage.Type)
	assert.Empty(t, cfg.Certificates.Inline)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lendbook/observability/logging"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lendingd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: " :6000 "
tls:
  allow_insecure: true
rate_limits:
  actions:
    rate_per_second: 5
    burst: 10
    tokens:
      "POST /v1/actions/liquidate": 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":6000", cfg.ListenAddress)
	require.Equal(t, "genesis.toml", cfg.GenesisPath)
	require.Equal(t, 10*time.Second, cfg.RequestTimeout.Duration)
	require.Equal(t, OracleStatic, cfg.Oracle.Backend)
	require.Equal(t, 3, cfg.RateLimits["actions"].Tokens["POST /v1/actions/liquidate"])
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("LENDBOOK_JWT_SECRET", "from-env")
	t.Setenv("LENDBOOK_AUTH_ENABLED", "true")
	t.Setenv("LENDBOOK_ORACLE_BACKEND", "REDIS")
	t.Setenv("LENDBOOK_REDIS_ADDR", "cache:6379")
	path := writeConfig(t, `
tls:
  allow_insecure: true
request_timeout: 3s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "from-env", cfg.Auth.HMACSecret)
	require.Equal(t, OracleRedis, cfg.Oracle.Backend)
	require.Equal(t, 3*time.Second, cfg.RequestTimeout.Duration)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"tls key missing": `
tls:
  cert: server.crt
`,
		"tls required": `
listen: ":8090"
`,
		"auth secret": `
tls: {allow_insecure: true}
auth: {enabled: true}
`,
		"redis addr": `
tls: {allow_insecure: true}
oracle: {backend: redis}
`,
		"unknown backend": `
tls: {allow_insecure: true}
oracle: {backend: chainlink}
`,
		"bad duration": `
tls: {allow_insecure: true}
request_timeout: soon
`,
	}
	for name, contents := range cases {
		_, err := Load(writeConfig(t, contents))
		require.Error(t, err, name)
	}
}

func TestLogAttrsMaskSecrets(t *testing.T) {
	cfg := Config{Auth: AuthConfig{HMACSecret: "s3cret"}, Oracle: OracleConfig{Redis: RedisConfig{Password: "pw"}}}
	for _, attr := range cfg.LogAttrs() {
		require.NotContains(t, attr.Value.String(), "s3cret")
		require.NotContains(t, attr.Value.String(), "pw")
		if attr.Key == "hmac_secret" {
			require.Equal(t, logging.RedactedValue, attr.Value.String())
		}
	}
}

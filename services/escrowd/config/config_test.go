package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "escrowd.yaml", `
listen: ":9000"
environment: staging
database:
  driver: postgres
  dsn: postgres://escrow@localhost/escrow
auth:
  hs_secret: s3cret
  issuer: escrow-auth
rate_limit:
  requests_per_second: 5
custody:
  endpoint: http://custody:8545
  timeout: 3s
webhooks:
  delivery_secret: hook
  queue_ttl: 1h
  subscribers:
    - url: http://notify.local/hook
      secret: sub
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, 3*time.Second, cfg.Custody.Timeout.Duration)
	require.Equal(t, time.Hour, cfg.Webhooks.QueueTTL.Duration)
	require.Equal(t, 10, cfg.RateLimit.Burst)
	require.Equal(t, 5, cfg.Webhooks.MaxAttempts)
	require.Equal(t, "operator", cfg.Auth.OperatorRole)
	require.Len(t, cfg.Webhooks.Subscribers, 1)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "escrowd.toml", `
listen = ":9100"

[database]
driver = "sqlite"
dsn = "file::memory:"

[auth]
disable = true

[custody]
static_address = "0xabc"

[webhooks]
backoff = "250ms"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.ListenAddress)
	require.True(t, cfg.Auth.Disable)
	require.Equal(t, 250*time.Millisecond, cfg.Webhooks.Backoff.Duration)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "escrowd.yaml", "listen: \":1\"\nunknown_key: true\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ESCROWD_LISTEN", ":7000")
	t.Setenv("ESCROWD_JWT_SECRET", "from-env")
	t.Setenv("ESCROWD_CUSTODY_STATIC_ADDRESS", "0xfeed")
	t.Setenv("ESCROWD_SHUTDOWN_TIMEOUT", "5s")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.ListenAddress)
	require.Equal(t, "from-env", cfg.Auth.HSSecret)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 5*time.Second, cfg.ShutdownTimeout.Duration)
}

func TestSecretFromNamedEnv(t *testing.T) {
	t.Setenv("ESCROWD_CUSTODY_STATIC_ADDRESS", "0xfeed")
	t.Setenv("MY_SECRET", "named")
	path := writeFile(t, "escrowd.yaml", "auth:\n  hs_secret_env: MY_SECRET\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "named", cfg.Auth.HSSecret)
}

func TestValidateFailures(t *testing.T) {
	cases := map[string]string{
		"missing secret":   "custody:\n  static_address: x\n",
		"missing custody":  "auth:\n  disable: true\n",
		"bad driver":       "auth:\n  disable: true\ncustody:\n  static_address: x\ndatabase:\n  driver: mysql\n  dsn: x\n",
		"release no rpc":   "auth:\n  disable: true\ncustody:\n  static_address: x\n  auto_release: true\n",
		"subscriber blank": "auth:\n  disable: true\ncustody:\n  static_address: x\nwebhooks:\n  subscribers:\n    - secret: y\n",
		"bad duration":     "auth:\n  disable: true\ncustody:\n  static_address: x\nshutdown_timeout: soon\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "escrowd.yaml", body))
			require.Error(t, err)
		})
	}
}

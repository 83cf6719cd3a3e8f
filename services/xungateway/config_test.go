package xungateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	t.Setenv("XUN_TEST_RPC_PASSWORD", "from-env")
	path := writeConfig(t, "config.yaml", `
market_address: xuniMarket
database:
  dsn: postgres://localhost/xun
daemon:
  url: http://127.0.0.1:8070/json_rpc
  username: rpc
  password_env: XUN_TEST_RPC_PASSWORD
admin:
  bearer_token: token
recon:
  interval: 30s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":7090", cfg.ListenAddress)
	require.Equal(t, "USD", cfg.Currency)
	require.Equal(t, DriverPostgres, cfg.Database.Driver)
	require.Equal(t, "from-env", cfg.Daemon.Password)
	require.Equal(t, 30*time.Second, cfg.Recon.Interval.Duration)
	require.Equal(t, time.Minute, cfg.Recon.MaxCycleDuration.Duration)
	require.EqualValues(t, 330000, cfg.Scan.StartHeight)
	require.Equal(t, StateBackendBolt, cfg.Scan.StateBackend)
	require.Equal(t, LockLocal, cfg.Recon.Lock)
	require.False(t, cfg.Daemon.IncludeAllTransfers)
}

func TestLoadConfigTOML(t *testing.T) {
	tokenPath := writeConfig(t, "token", "file-token\n")
	path := writeConfig(t, "config.toml", `
market_address = "xuniMarket"
currency = "eur"

[database]
driver = "sqlite"
dsn = "file:xun.db"

[daemon]
url = "http://127.0.0.1:8070/json_rpc"
timeout = "5s"
include_all_transfers = true

[scan]
state_backend = "sql"

[admin]
bearer_token_file = "`+tokenPath+`"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "EUR", cfg.Currency)
	require.Equal(t, DriverSQLite, cfg.Database.Driver)
	require.Equal(t, 5*time.Second, cfg.Daemon.Timeout.Duration)
	require.True(t, cfg.Daemon.IncludeAllTransfers)
	require.Equal(t, StateBackendSQL, cfg.Scan.StateBackend)
	require.Equal(t, "file-token", cfg.Admin.BearerToken)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing market": `
database: {dsn: x}
daemon: {url: http://d}
admin: {bearer_token: t}
`,
		"missing auth": `
market_address: m
database: {dsn: x}
daemon: {url: http://d}
`,
		"postgres lock on sqlite": `
market_address: m
database: {driver: sqlite, dsn: x}
daemon: {url: http://d}
admin: {bearer_token: t}
recon: {lock: postgres}
`,
		"webhook without secret": `
market_address: m
database: {dsn: x}
daemon: {url: http://d}
admin: {bearer_token: t}
notify: {webhook_url: http://shop/hook}
`,
		"bad duration": `
market_address: m
database: {dsn: x}
daemon: {url: http://d, timeout: soon}
admin: {bearer_token: t}
`,
		"unknown field": `
market_address: m
database: {dsn: x}
daemon: {url: http://d}
admin: {bearer_token: t}
typo: true
`,
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, "config.yaml", contents))
			require.Error(t, err)
		})
	}
}

func TestSecretEnvMustBeSet(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
market_address: m
database: {dsn: x}
daemon: {url: http://d, password_env: XUN_TEST_UNSET_PASSWORD}
admin: {bearer_token: t}
`)
	_, err := LoadConfig(path)
	require.ErrorContains(t, err, "XUN_TEST_UNSET_PASSWORD")
}

package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func missingEnvFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(missingEnvFile(t))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, DriverMemory, cfg.StorageDriver)
	require.Equal(t, DriverLocal, cfg.LockDriver)
	require.Equal(t, DriverLocal, cfg.JobDispatch)
	require.Equal(t, 30*time.Second, cfg.AppRequestTimeout)
	require.Equal(t, time.Hour, cfg.OverdueSweepInterval)
	require.True(t, cfg.MatchTolerancePct.Equal(decimal.NewFromInt(2)))
	require.False(t, cfg.UsesRedis())
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigReadsEnvFile(t *testing.T) {
	for _, key := range []string{"MATCH_TOLERANCE_PCT", "LOCK_DRIVER"} {
		t.Setenv(key, "placeholder")
		require.NoError(t, os.Unsetenv(key))
	}
	file := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(file, []byte("MATCH_TOLERANCE_PCT=3.5\nLOCK_DRIVER=redis\n"), 0o600))

	cfg, err := LoadConfig(file)
	require.NoError(t, err)
	require.Equal(t, "3.5", cfg.MatchTolerancePct.String())
	require.True(t, cfg.UsesRedis())
}

func TestLoadConfigEnvironmentWins(t *testing.T) {
	t.Setenv("RATE_LIMIT_PER_MIN", "30")
	file := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(file, []byte("RATE_LIMIT_PER_MIN=999\n"), 0o600))

	cfg, err := LoadConfig(file)
	require.NoError(t, err)
	require.Equal(t, 30, cfg.RateLimitPerMin)
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		return Config{
			StorageDriver:   DriverMemory,
			LockDriver:      DriverLocal,
			JobStore:        DriverMemory,
			JobDispatch:     DriverLocal,
			BlobDriver:      DriverLocal,
			RateLimitPerMin: 10,
		}
	}
	ok := base()
	require.NoError(t, ok.Validate())

	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"storage":   {func(c *Config) { c.StorageDriver = "sqlite" }, "STORAGE_DRIVER"},
		"asynq":     {func(c *Config) { c.JobDispatch = DriverAsynq }, "requires JOB_STORE=redis"},
		"dsn":       {func(c *Config) { c.StorageDriver = DriverPostgres }, "PG_DSN"},
		"tolerance": {func(c *Config) { c.MatchTolerancePct = decimal.NewFromInt(-1) }, "MATCH_TOLERANCE_PCT"},
		"rate":      {func(c *Config) { c.RateLimitPerMin = 0 }, "RATE_LIMIT_PER_MIN"},
		"sweep":     {func(c *Config) { c.OverdueSweepInterval = -time.Second }, "OVERDUE_SWEEP_INTERVAL"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadConfigRejectsBadDriver(t *testing.T) {
	t.Setenv("BLOB_DRIVER", "ftp")
	_, err := LoadConfig(missingEnvFile(t))
	require.ErrorContains(t, err, "BLOB_DRIVER")
}

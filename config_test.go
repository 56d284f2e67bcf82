package lnmobile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// testConfig returns a default config rooted in a temporary directory with
// file logging disabled.
func testConfig(t *testing.T) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.AppDir = t.TempDir()
	cfg.DebugLevel = "critical"
	cfg.LogCfg.File.Disable = true

	return cfg
}

func TestValidateDefaultConfig(t *testing.T) {
	cfg := testConfig(t)

	cleanCfg, err := ValidateConfig(cfg)
	require.NoError(t, err)

	require.Equal(t, filepath.Join(cfg.AppDir, defaultDataDirname),
		cleanCfg.DataDir)
	require.Equal(t, filepath.Join(cfg.AppDir, defaultLogDirname),
		cleanCfg.LogDir)
	require.Equal(t, &chaincfg.TestNet3Params, cleanCfg.ActiveNetParams)
	require.Equal(t, "https://blockstream.info/testnet/api",
		cleanCfg.Esplora.URL)
	require.NotNil(t, cleanCfg.SubLogMgr)
	require.Nil(t, cleanCfg.LogRotator)
}

func TestValidateConfigBounds(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *Config)
	}{{
		name: "unknown network",
		modify: func(cfg *Config) {
			cfg.Network = "simnet"
		},
	}, {
		name: "zero esplora timeout",
		modify: func(cfg *Config) {
			cfg.Esplora.RequestTimeout = 0
		},
	}, {
		name: "negative retries",
		modify: func(cfg *Config) {
			cfg.Esplora.MaxRetries = -1
		},
	}, {
		name: "lnd without macaroon",
		modify: func(cfg *Config) {
			cfg.Lnd.Host = "localhost:10009"
		},
	}, {
		name: "sync interval too short",
		modify: func(cfg *Config) {
			cfg.Sync.Interval = time.Second
		},
	}, {
		name: "no workers",
		modify: func(cfg *Config) {
			cfg.Sync.Workers = 0
		},
	}, {
		name: "too many workers",
		modify: func(cfg *Config) {
			cfg.Sync.Workers = maxSyncWorkers + 1
		},
	}, {
		name: "health check without attempts",
		modify: func(cfg *Config) {
			cfg.Sync.HealthCheckAttempts = 0
		},
	}, {
		name: "no persist delay",
		modify: func(cfg *Config) {
			cfg.Node.PersistDelay = 0
		},
	}, {
		name: "no funding polls",
		modify: func(cfg *Config) {
			cfg.Node.FundingPollAttempts = 0
		},
	}, {
		name: "no log buffer",
		modify: func(cfg *Config) {
			cfg.Node.LogBufferSize = 0
		},
	}, {
		name: "bad compressor",
		modify: func(cfg *Config) {
			cfg.LogCfg.File.Compressor = "lzma"
		},
	}, {
		name: "bad debug level",
		modify: func(cfg *Config) {
			cfg.DebugLevel = "loud"
		},
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := testConfig(t)
			test.modify(&cfg)

			_, err := ValidateConfig(cfg)
			require.Error(t, err)
		})
	}

	// A disabled health check needs no attempts.
	cfg := testConfig(t)
	cfg.Sync.HealthCheckInterval = 0
	cfg.Sync.HealthCheckAttempts = 0
	_, err := ValidateConfig(cfg)
	require.NoError(t, err)
}

// TestLoadConfig asserts command line options take precedence over the
// config file in the app directory.
func TestLoadConfig(t *testing.T) {
	appDir := t.TempDir()

	conf := `[Application Options]
network=signet
debuglevel=critical

[esplora]
esplora.url=https://esplora.example.com/api/
esplora.maxretries=5

[sync]
sync.workers=2
`
	err := os.WriteFile(
		filepath.Join(appDir, defaultConfigFilename), []byte(conf), 0600,
	)
	require.NoError(t, err)

	cfg, err := LoadConfig([]string{
		"--appdir=" + appDir,
		"--sync.workers=4",
		"--logging.file.disable",
	})
	require.NoError(t, err)

	require.Equal(t, "signet", cfg.Network)
	require.Equal(t, &chaincfg.SigNetParams, cfg.ActiveNetParams)
	require.Equal(t, "https://esplora.example.com/api", cfg.Esplora.URL)
	require.Equal(t, 5, cfg.Esplora.MaxRetries)
	require.Equal(t, 4, cfg.Sync.Workers)
}

func TestLoadConfigInvalidFile(t *testing.T) {
	appDir := t.TempDir()

	err := os.WriteFile(
		filepath.Join(appDir, defaultConfigFilename),
		[]byte("[esplora]\nesplora.nosuchoption=1\n"), 0600,
	)
	require.NoError(t, err)

	_, err = LoadConfig([]string{
		"--appdir=" + appDir, "--logging.file.disable",
	})
	require.Error(t, err)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	cfg, err := LoadConfig([]string{
		"--appdir=" + t.TempDir(),
		"--network=mainnet",
		"--debuglevel=critical",
		"--logging.file.disable",
	})
	require.NoError(t, err)
	require.Equal(t, "https://blockstream.info/api", cfg.Esplora.URL)
}

func TestCleanAndExpandPath(t *testing.T) {
	t.Setenv("LNMOBILE_TEST_DIR", "/tmp/lnm")

	require.Equal(t, "", CleanAndExpandPath(""))
	require.Equal(t, "/tmp/lnm/data",
		CleanAndExpandPath("$LNMOBILE_TEST_DIR/./data/"))
}

package build

import (
	"bytes"
	"path/filepath"
	"testing"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, subsystems ...string) (*SubLoggerManager,
	*bytes.Buffer) {

	t.Helper()

	var buf bytes.Buffer
	cfg := DefaultLogConfig()
	cfg.Console.Disable = true
	cfg.Console.NoTimestamps = true

	mgr := NewSubLoggerManager(NewDefaultHandler(cfg, nil, &buf))
	for _, s := range subsystems {
		mgr.RegisterSubLogger(s, mgr.GenSubLogger(s))
	}

	return mgr, &buf
}

// TestParseAndSetDebugLevels checks the global and per-subsystem debug level
// syntax.
func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		level     string
		expErr    bool
		expLevels map[string]btclogv1.Level
	}{
		{
			name:  "global",
			level: "debug",
			expLevels: map[string]btclogv1.Level{
				"AAAA": btclog.LevelDebug,
				"BBBB": btclog.LevelDebug,
			},
		},
		{
			name:  "global and subsystem",
			level: "info,BBBB=trace",
			expLevels: map[string]btclogv1.Level{
				"AAAA": btclog.LevelInfo,
				"BBBB": btclog.LevelTrace,
			},
		},
		{
			name:  "subsystem only",
			level: "AAAA=error",
			expLevels: map[string]btclogv1.Level{
				"AAAA": btclog.LevelError,
			},
		},
		{
			name:   "invalid global",
			level:  "loud",
			expErr: true,
		},
		{
			name:   "unknown subsystem",
			level:  "CCCC=debug",
			expErr: true,
		},
		{
			name:   "bad pair",
			level:  "info,AAAA",
			expErr: true,
		},
		{
			name:   "bad subsystem level",
			level:  "AAAA=loud",
			expErr: true,
		},
		{
			name:   "empty",
			level:  "",
			expErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			mgr, _ := newTestManager(t, "AAAA", "BBBB")
			err := ParseAndSetDebugLevels(test.level, mgr)
			if test.expErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			for subsystem, level := range test.expLevels {
				logger := mgr.SubLoggers()[subsystem]
				require.Equal(t, level, logger.Level(), subsystem)
			}
		})
	}
}

// TestSubLoggerManagerOutput makes sure sub-loggers write tagged lines through
// the shared handler and respect their level.
func TestSubLoggerManagerOutput(t *testing.T) {
	t.Parallel()

	mgr, buf := newTestManager(t, "TEST")
	require.Equal(t, []string{"TEST"}, mgr.SupportedSubsystems())

	mgr.SetLogLevels("info")
	logger := mgr.SubLoggers()["TEST"]

	logger.Debugf("hidden %d", 1)
	require.Empty(t, buf.String())

	logger.Infof("shown %d", 2)
	require.Contains(t, buf.String(), "TEST")
	require.Contains(t, buf.String(), "shown 2")
}

// TestNewSubLoggerDisabled checks that a nil generator yields the disabled
// logger.
func TestNewSubLoggerDisabled(t *testing.T) {
	t.Parallel()

	require.Equal(t, btclog.Disabled, NewSubLogger("NONE", nil))
}

// TestLogConfigValidate checks the log config validation.
func TestLogConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultLogConfig()
	require.NoError(t, cfg.Validate())

	cfg.File.Compressor = "lz4"
	require.Error(t, cfg.Validate())

	cfg = DefaultLogConfig()
	cfg.File.MaxLogFiles = -1
	require.Error(t, cfg.Validate())

	cfg = DefaultLogConfig()
	cfg.File.MaxLogFileSize = maxLogFileSize + 1
	require.Error(t, cfg.Validate())

	cfg = DefaultLogConfig()
	cfg.Console.CallSite = "everywhere"
	require.ErrorContains(t, cfg.Validate(), "console logger")

	cfg = DefaultLogConfig()
	cfg.Console.CallSite = ""
	require.NoError(t, cfg.Validate())
	require.Empty(t, cfg.Console.HandlerOptions())

	cfg.File = nil
	require.ErrorIs(t, cfg.Validate(), ErrNoSinkConfig)
}

// TestRotatingLogWriter checks that the rotator accepts writes before and
// after initialisation and rejects unknown compressors.
func TestRotatingLogWriter(t *testing.T) {
	t.Parallel()

	w := NewRotatingLogWriter()

	n, err := w.Write([]byte("dropped\n"))
	require.NoError(t, err)
	require.Equal(t, 8, n)

	cfg := DefaultLogConfig().File
	logFile := filepath.Join(t.TempDir(), "logs", "node.log")

	bad := *cfg
	bad.Compressor = "lz4"
	require.Error(t, w.InitLogRotator(&bad, logFile))

	require.NoError(t, w.InitLogRotator(cfg, logFile))

	_, err = w.Write([]byte("kept\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.FileExists(t, logFile)
}

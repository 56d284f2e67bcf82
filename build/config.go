package build

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btclog/v2"
)

// CallSite selects how much of the caller's location is added to a log line.
type CallSite string

const (
	// CallSiteOff omits the caller.
	CallSiteOff CallSite = "off"

	// CallSiteShort adds the file name and line.
	CallSiteShort CallSite = "short"

	// CallSiteLong adds the full path and line.
	CallSiteLong CallSite = "long"
)

func (c CallSite) valid() bool {
	switch c {
	case CallSiteOff, CallSiteShort, CallSiteLong:
		return true
	}

	return false
}

// The log file lives in the app's sandbox, so the defaults keep it small.
const (
	// DefaultMaxLogFiles is the number of rolled log files kept.
	DefaultMaxLogFiles = 3

	// DefaultMaxLogFileSize is the size in MB at which the log file is
	// rolled.
	DefaultMaxLogFileSize = 10

	// maxLogFileSize bounds a single log file at 1 GB.
	maxLogFileSize = 1024
)

// ErrNoSinkConfig is returned when a log config lacks one of its sinks.
var ErrNoSinkConfig = errors.New("console and file logger configs must " +
	"be set")

// LogConfig configures the two sinks every subsystem logger writes to.
//
//nolint:lll
type LogConfig struct {
	Console *LoggerConfig     `group:"console" namespace:"console" description:"The logger writing to stdout, which ends up in the platform log on mobile."`
	File    *FileLoggerConfig `group:"file" namespace:"file" description:"The logger writing to the rotating log file in the app directory."`
}

// DefaultLogConfig returns a config with both sinks enabled.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Console: &LoggerConfig{CallSite: CallSiteOff},
		File: &FileLoggerConfig{
			LoggerConfig:   LoggerConfig{CallSite: CallSiteOff},
			Compressor:     Gzip,
			MaxLogFiles:    DefaultMaxLogFiles,
			MaxLogFileSize: DefaultMaxLogFileSize,
		},
	}
}

// Validate checks both sinks.
func (c *LogConfig) Validate() error {
	if c.Console == nil || c.File == nil {
		return ErrNoSinkConfig
	}

	if err := c.Console.validate(); err != nil {
		return fmt.Errorf("console logger: %w", err)
	}

	if err := c.File.validate(); err != nil {
		return fmt.Errorf("file logger: %w", err)
	}

	return nil
}

// LoggerConfig holds the options common to both sinks.
//
//nolint:lll
type LoggerConfig struct {
	Disable      bool     `long:"disable" description:"Disable this logger."`
	NoTimestamps bool     `long:"no-timestamps" description:"Omit timestamps from log lines."`
	CallSite     CallSite `long:"call-site" description:"Include the call-site of each log line." choice:"off" choice:"short" choice:"long"`
}

func (cfg *LoggerConfig) validate() error {
	// An unset call site is treated as off.
	if cfg.CallSite != "" && !cfg.CallSite.valid() {
		return fmt.Errorf("invalid call site: %v", cfg.CallSite)
	}

	return nil
}

// HandlerOptions translates the config into btclog handler options.
func (cfg *LoggerConfig) HandlerOptions() []btclog.HandlerOption {
	var opts []btclog.HandlerOption

	if cfg.NoTimestamps {
		opts = append(opts, btclog.WithNoTimestamp())
	}

	switch cfg.CallSite {
	case CallSiteShort:
		opts = append(opts, btclog.WithCallerFlags(btclog.Lshortfile))

	case CallSiteLong:
		opts = append(opts, btclog.WithCallerFlags(btclog.Llongfile))
	}

	return opts
}

// FileLoggerConfig adds the rotation settings of the log file.
//
//nolint:lll
type FileLoggerConfig struct {
	LoggerConfig
	Compressor     string `long:"compressor" description:"Compression algorithm for rolled log files." choice:"gzip" choice:"zstd"`
	MaxLogFiles    int    `long:"max-files" description:"Rolled log files to keep (0 for no rotation)."`
	MaxLogFileSize int    `long:"max-file-size" description:"Size in MB at which the log file is rolled."`
}

func (cfg *FileLoggerConfig) validate() error {
	if err := cfg.LoggerConfig.validate(); err != nil {
		return err
	}

	if !SupportedLogCompressor(cfg.Compressor) {
		return fmt.Errorf("invalid log compressor: %v", cfg.Compressor)
	}

	switch {
	case cfg.MaxLogFiles < 0:
		return fmt.Errorf("negative max-files: %d", cfg.MaxLogFiles)

	case cfg.MaxLogFileSize < 0 || cfg.MaxLogFileSize > maxLogFileSize:
		return fmt.Errorf("max-file-size must be between 0 and %d MB, "+
			"got %d", maxLogFileSize, cfg.MaxLogFileSize)
	}

	return nil
}

// thresholdKB is the roll threshold in the unit the rotator expects.
func (cfg *FileLoggerConfig) thresholdKB() int64 {
	return int64(cfg.MaxLogFileSize) * 1024
}

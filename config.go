package lnmobile

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnmobile/build"
	"github.com/lightningnetwork/lnmobile/chainsvc"
	"github.com/lightningnetwork/lnmobile/esplora"
	"github.com/lightningnetwork/lnmobile/lndclient"
	"github.com/lightningnetwork/lnmobile/persist"
)

const (
	defaultConfigFilename = "lnmobile.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "lnmobile.log"
	defaultLogLevel       = "info"
	defaultNetwork        = "testnet"

	defaultEsploraTimeout    = 30 * time.Second
	defaultEsploraMaxRetries = 3
	defaultLndRPCTimeout     = 30 * time.Second

	defaultSyncInterval        = time.Minute
	defaultSyncWorkers         = 1
	defaultHealthCheckInterval = time.Minute
	defaultHealthCheckTimeout  = 30 * time.Second
	defaultHealthCheckBackoff  = 10 * time.Second
	defaultHealthCheckAttempts = 3

	defaultLogBufferSize = 1000

	// DefaultFundingPollInterval is the time between two checks for the
	// funding output of a channel being opened.
	DefaultFundingPollInterval = 500 * time.Millisecond

	// DefaultFundingPollAttempts is the number of funding checks before
	// giving up on a channel open.
	DefaultFundingPollAttempts = 60

	// minSyncInterval is the smallest interval between two scheduled
	// reconciliation cycles.
	minSyncInterval = 5 * time.Second

	// maxSyncWorkers bounds the lookup fan-out of a cycle.
	maxSyncWorkers = 32
)

var (
	// DefaultAppDir is the default directory of the node's files.
	DefaultAppDir = btcutil.AppDataDir("lnmobile", false)

	// DefaultConfigFile is the default path of the config file.
	DefaultConfigFile = filepath.Join(DefaultAppDir, defaultConfigFilename)

	defaultDataDir = filepath.Join(DefaultAppDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultAppDir, defaultLogDirname)

	// defaultEsploraURLs are the public Esplora instances used when no URL
	// is configured.
	defaultEsploraURLs = map[string]string{
		"mainnet": "https://blockstream.info/api",
		"testnet": "https://blockstream.info/testnet/api",
		"signet":  "https://mempool.space/signet/api",
		"regtest": "http://127.0.0.1:3002",
	}
)

// EsploraConfig holds the chain data source options.
//
//nolint:lll
type EsploraConfig struct {
	URL            string        `long:"url" description:"Base URL of the Esplora REST API. Defaults to a public instance of the selected network."`
	RequestTimeout time.Duration `long:"timeout" description:"Timeout of a single HTTP request."`
	MaxRetries     int           `long:"maxretries" description:"Number of retries of a failed request."`
}

// LndConfig holds the options of the lnd node answering route and channel
// graph queries.
//
//nolint:lll
type LndConfig struct {
	Host         string        `long:"host" description:"host:port of the lnd gRPC interface. Route generation is disabled if not set."`
	TLSCertPath  string        `long:"tlscertpath" description:"Path to lnd's TLS certificate. The system roots are used if not set."`
	MacaroonPath string        `long:"macaroonpath" description:"Path to a macaroon with read access to lnd's graph."`
	MacaroonHex  string        `long:"macaroonhex" description:"Hex encoded macaroon, takes precedence over macaroonpath."`
	RPCTimeout   time.Duration `long:"timeout" description:"Timeout of a single RPC."`
}

// SyncConfig holds the reconciliation options.
//
//nolint:lll
type SyncConfig struct {
	Interval            time.Duration `long:"interval" description:"Time between two scheduled reconciliation cycles."`
	Workers             int           `long:"workers" description:"Number of concurrent chain lookups during a cycle."`
	HealthCheckInterval time.Duration `long:"healthcheck.interval" description:"Time between two chain backend health checks. Set to 0 to disable."`
	HealthCheckTimeout  time.Duration `long:"healthcheck.timeout" description:"Timeout of a single health check."`
	HealthCheckBackoff  time.Duration `long:"healthcheck.backoff" description:"Time to wait between two failed health check attempts."`
	HealthCheckAttempts int           `long:"healthcheck.attempts" description:"Number of failed attempts before the chain backend is reported unhealthy."`
}

// NodeOptions holds the node options.
//
//nolint:lll
type NodeOptions struct {
	PersistDelay        time.Duration `long:"persistdelay" description:"Quiet period after a channel state update before it is written to storage."`
	FundingPollInterval time.Duration `long:"fundingpollinterval" description:"Time between two checks for a funding output while opening a channel."`
	FundingPollAttempts int           `long:"fundingpollattempts" description:"Number of funding output checks before a channel open is given up."`
	LogBufferSize       int           `long:"logbuffersize" description:"Number of recent log lines kept in memory."`
	MetricsListen       string        `long:"metricslisten" description:"host:port to serve prometheus metrics on. Disabled if not set."`
}

// Config defines the configuration options for the node.
//
//nolint:lll
type Config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDir     string `long:"appdir" description:"The base directory that contains the node's data and logs."`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store the node's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	Network    string `long:"network" description:"The bitcoin network to operate on." choice:"mainnet" choice:"testnet" choice:"signet" choice:"regtest"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Esplora *EsploraConfig   `group:"esplora" namespace:"esplora"`
	Lnd     *LndConfig       `group:"lnd" namespace:"lnd"`
	Sync    *SyncConfig      `group:"sync" namespace:"sync"`
	Node    *NodeOptions     `group:"node" namespace:"node"`
	LogCfg  *build.LogConfig `group:"logging" namespace:"logging"`

	// ActiveNetParams are the parameters of the selected network.
	ActiveNetParams *chaincfg.Params

	// SubLogMgr is the root logger that all the subsystem loggers are
	// hooked up to.
	SubLogMgr *build.SubLoggerManager

	// LogRotator writes the log file, nil if file logging is disabled.
	LogRotator *build.RotatingLogWriter
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		ConfigFile: DefaultConfigFile,
		AppDir:     DefaultAppDir,
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		Network:    defaultNetwork,
		DebugLevel: defaultLogLevel,
		Esplora: &EsploraConfig{
			RequestTimeout: defaultEsploraTimeout,
			MaxRetries:     defaultEsploraMaxRetries,
		},
		Lnd: &LndConfig{
			RPCTimeout: defaultLndRPCTimeout,
		},
		Sync: &SyncConfig{
			Interval:            defaultSyncInterval,
			Workers:             defaultSyncWorkers,
			HealthCheckInterval: defaultHealthCheckInterval,
			HealthCheckTimeout:  defaultHealthCheckTimeout,
			HealthCheckBackoff:  defaultHealthCheckBackoff,
			HealthCheckAttempts: defaultHealthCheckAttempts,
		},
		Node: &NodeOptions{
			PersistDelay:        persist.DefaultDelay,
			FundingPollInterval: DefaultFundingPollInterval,
			FundingPollAttempts: DefaultFundingPollAttempts,
			LogBufferSize:       defaultLogBufferSize,
		},
		LogCfg: build.DefaultLogConfig(),
	}
}

// LoadConfig initializes and parses the config using a config file and the
// given command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.ParseArgs(&preCfg, args); err != nil {
		return nil, err
	}

	// If the config file path has not been modified by the user, but the
	// app directory has, we look for the config file within it.
	appDir := CleanAndExpandPath(preCfg.AppDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if appDir != DefaultAppDir && configFilePath == DefaultConfigFile {
		configFilePath = filepath.Join(appDir, defaultConfigFilename)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.ParseArgs(&cfg, args); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// netParams maps a network name to its parameters.
func netParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil

	case "testnet":
		return &chaincfg.TestNet3Params, nil

	case "signet":
		return &chaincfg.SigNetParams, nil

	case "regtest":
		return &chaincfg.RegressionNetParams, nil

	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// ValidateConfig checks the given configuration to be sane. All file system
// paths are normalized and the loggers are set up. The cleaned up config is
// returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided app directory is not the default, the data and log
	// directories live within it.
	appDir := CleanAndExpandPath(cfg.AppDir)
	if appDir != DefaultAppDir {
		if cfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(appDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(appDir, defaultLogDirname)
		}
	}

	cfg.AppDir = appDir
	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)
	cfg.Lnd.TLSCertPath = CleanAndExpandPath(cfg.Lnd.TLSCertPath)
	cfg.Lnd.MacaroonPath = CleanAndExpandPath(cfg.Lnd.MacaroonPath)

	params, err := netParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	cfg.ActiveNetParams = params

	if cfg.Esplora.URL == "" {
		cfg.Esplora.URL = defaultEsploraURLs[cfg.Network]
	}
	cfg.Esplora.URL = strings.TrimSuffix(cfg.Esplora.URL, "/")

	switch {
	case cfg.Esplora.RequestTimeout <= 0:
		return nil, fmt.Errorf("esplora.timeout must be positive")

	case cfg.Esplora.MaxRetries < 0:
		return nil, fmt.Errorf("esplora.maxretries must not be " +
			"negative")

	case cfg.Lnd.Host != "" && cfg.Lnd.MacaroonPath == "" &&
		cfg.Lnd.MacaroonHex == "":

		return nil, fmt.Errorf("lnd.host requires lnd.macaroonpath " +
			"or lnd.macaroonhex")

	case cfg.Sync.Interval < minSyncInterval:
		return nil, fmt.Errorf("sync.interval must be at least %v",
			minSyncInterval)

	case cfg.Sync.Workers < 1 || cfg.Sync.Workers > maxSyncWorkers:
		return nil, fmt.Errorf("sync.workers must be between 1 and %d",
			maxSyncWorkers)

	case cfg.Sync.HealthCheckInterval < 0:
		return nil, fmt.Errorf("sync.healthcheck.interval must not be " +
			"negative")

	case cfg.Sync.HealthCheckInterval > 0 &&
		cfg.Sync.HealthCheckAttempts < 1:

		return nil, fmt.Errorf("sync.healthcheck.attempts must be " +
			"positive")

	case cfg.Node.PersistDelay <= 0:
		return nil, fmt.Errorf("node.persistdelay must be positive")

	case cfg.Node.FundingPollInterval <= 0 ||
		cfg.Node.FundingPollAttempts < 1:

		return nil, fmt.Errorf("node.fundingpollinterval and " +
			"node.fundingpollattempts must be positive")

	case cfg.Node.LogBufferSize < 1:
		return nil, fmt.Errorf("node.logbuffersize must be positive")
	}

	if err := cfg.LogCfg.Validate(); err != nil {
		return nil, err
	}

	// Set up the log rotator and the subsystem loggers before the debug
	// levels are parsed, so the subsystems are known.
	if !cfg.LogCfg.File.Disable {
		cfg.LogRotator = build.NewRotatingLogWriter()
		err := cfg.LogRotator.InitLogRotator(
			cfg.LogCfg.File, filepath.Join(cfg.LogDir,
				defaultLogFilename),
		)
		if err != nil {
			return nil, err
		}
	}

	cfg.SubLogMgr = build.NewSubLoggerManager(
		build.NewDefaultHandler(cfg.LogCfg, cfg.LogRotator),
	)
	SetupLoggers(cfg.SubLogMgr)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			cfg.SubLogMgr.SupportedSubsystems())
		os.Exit(0)
	}

	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.SubLogMgr)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ChainService builds the ExternalService the config describes. The
// returned cleanup function releases its connections.
func (c *Config) ChainService() (*chainsvc.Service, func(), error) {
	chain := esplora.NewClient(&esplora.ClientConfig{
		URL:            c.Esplora.URL,
		RequestTimeout: c.Esplora.RequestTimeout,
		MaxRetries:     c.Esplora.MaxRetries,
	})

	svcCfg := &chainsvc.Config{
		Chain:       chain,
		ChainParams: c.ActiveNetParams,
	}

	cleanup := chain.Stop
	if c.Lnd.Host != "" {
		graph, err := lndclient.New(&lndclient.Config{
			Host:         c.Lnd.Host,
			TLSCertPath:  c.Lnd.TLSCertPath,
			MacaroonPath: c.Lnd.MacaroonPath,
			MacaroonHex:  c.Lnd.MacaroonHex,
			RPCTimeout:   c.Lnd.RPCTimeout,
		})
		if err != nil {
			chain.Stop()
			return nil, nil, fmt.Errorf("unable to connect to lnd: %w",
				err)
		}

		svcCfg.Graph = graph
		cleanup = func() {
			if err := graph.Close(); err != nil {
				log.Errorf("Unable to close lnd connection: %v",
					err)
			}
			chain.Stop()
		}
	}

	return chainsvc.New(svcCfg), cleanup, nil
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

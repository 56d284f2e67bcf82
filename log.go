package lnmobile

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnmobile/build"
	"github.com/lightningnetwork/lnmobile/chainsvc"
	"github.com/lightningnetwork/lnmobile/chainsync"
	"github.com/lightningnetwork/lnmobile/esplora"
	"github.com/lightningnetwork/lnmobile/lndclient"
	"github.com/lightningnetwork/lnmobile/monitoring"
	"github.com/lightningnetwork/lnmobile/persist"
	"github.com/lightningnetwork/lnmobile/routegen"
	"github.com/lightningnetwork/lnmobile/storage"
	"github.com/lightningnetwork/lnmobile/watchset"
)

const (
	// Subsystem defines the logging code for the node.
	Subsystem = "LNMB"

	// EngineSubsystem is the logging code of the lines the payment engine
	// emits.
	EngineSubsystem = "ENGN"
)

// Loggers of the node and of the payment engine. Both are disabled until
// UseLogger and UseEngineLogger are called, usually through SetupLoggers.
var (
	log    btclog.Logger
	engLog btclog.Logger
)

// The default amount of logging is none.
func init() {
	UseLogger(build.NewSubLogger(Subsystem, nil))
	UseEngineLogger(build.NewSubLogger(EngineSubsystem, nil))
}

// DisableLog disables all library log output.  Logging output is disabled
// by default until UseLogger is called.
func DisableLog() {
	UseLogger(btclog.Disabled)
	UseEngineLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info.
// This should be used in preference to SetLogWriter if the caller is also
// using btclog.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// UseEngineLogger sets the logger payment engine log lines are written to.
func UseEngineLogger(logger btclog.Logger) {
	engLog = logger
}

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager) {
	AddSubLogger(root, Subsystem, UseLogger)
	AddSubLogger(root, EngineSubsystem, UseEngineLogger)

	AddSubLogger(root, chainsync.Subsystem, chainsync.UseLogger)
	AddSubLogger(root, routegen.Subsystem, routegen.UseLogger)
	AddSubLogger(root, esplora.Subsystem, esplora.UseLogger)
	AddSubLogger(root, lndclient.Subsystem, lndclient.UseLogger)
	AddSubLogger(root, chainsvc.Subsystem, chainsvc.UseLogger)
	AddSubLogger(root, watchset.Subsystem, watchset.UseLogger)
	AddSubLogger(root, persist.Subsystem, persist.UseLogger)
	AddSubLogger(root, storage.Subsystem, storage.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, monitoring.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, root.GenSubLogger)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.SubLoggerManager, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

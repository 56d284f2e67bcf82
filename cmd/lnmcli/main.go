package main

import (
	"context"
	"fmt"
	"os"

	"github.com/lightningnetwork/lnd/signal"
	"github.com/lightningnetwork/lnmobile"
	"github.com/lightningnetwork/lnmobile/chainsvc"
	"github.com/urfave/cli"
)

const (
	defaultNetwork    = "testnet"
	defaultDebugLevel = "warn"

	// stateKey is the app metadata key of the appState.
	stateKey = "state"
)

// appState is shared by all commands of one invocation.
type appState struct {
	// ctx is canceled once shutdown is requested.
	ctx context.Context

	// shutdown requests a shutdown.
	shutdown func()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[lnmcli] %v\n", err)
	os.Exit(1)
}

// getState returns the state of the running app. Apps without an
// interceptor, as used in tests, get a background context.
func getState(ctx *cli.Context) *appState {
	if state, ok := ctx.App.Metadata[stateKey].(*appState); ok {
		return state
	}

	return &appState{
		ctx:      context.Background(),
		shutdown: func() {},
	}
}

// configArgs turns the global flags into node config options.
func configArgs(ctx *cli.Context) []string {
	args := []string{
		"--logging.file.disable",
		"--network=" + ctx.GlobalString("network"),
		"--debuglevel=" + ctx.GlobalString("debuglevel"),
	}

	for _, name := range []string{
		"appdir", "esplora.url", "lnd.host", "lnd.tlscertpath",
		"lnd.macaroonpath",
	} {
		if ctx.GlobalIsSet(name) {
			args = append(
				args, fmt.Sprintf("--%v=%v", name,
					ctx.GlobalString(name)),
			)
		}
	}

	return args
}

// getService loads the node config and builds the chain and graph service
// it describes. The cleanup function must be called once the service is no
// longer used.
func getService(ctx *cli.Context) (*chainsvc.Service, *lnmobile.Config,
	func(), error) {

	cfg, err := lnmobile.LoadConfig(configArgs(ctx))
	if err != nil {
		return nil, nil, nil, err
	}

	service, cleanup, err := cfg.ChainService()
	if err != nil {
		return nil, nil, nil, err
	}

	return service, cfg, cleanup, nil
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "lnmcli"
	app.Usage = "inspect the chain and routing data of a mobile node"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "appdir",
			Value:     lnmobile.DefaultAppDir,
			Usage:     "The node's app directory, its config is read.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "network, n",
			Usage: "The network to operate on: mainnet, testnet, " +
				"signet or regtest.",
			Value: defaultNetwork,
		},
		cli.StringFlag{
			Name: "esplora.url",
			Usage: "Base URL of the Esplora REST API, defaults to " +
				"a public instance of the network.",
		},
		cli.StringFlag{
			Name:  "lnd.host",
			Usage: "host:port of the lnd serving graph queries.",
		},
		cli.StringFlag{
			Name:      "lnd.tlscertpath",
			Usage:     "Path to lnd's TLS certificate.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name:      "lnd.macaroonpath",
			Usage:     "Path to a macaroon with read access to lnd.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name:  "debuglevel",
			Usage: "Logging level for all subsystems.",
			Value: defaultDebugLevel,
		},
	}
	app.Commands = []cli.Command{
		chainInfoCommand,
		txStatusCommand,
		scriptToAddressCommand,
		broadcastCommand,
		decodeInvoiceCommand,
		buildRouteCommand,
		reconcileCommand,
		watchCommand,
	}

	return app
}

func main() {
	interceptor, err := signal.Intercept()
	if err != nil {
		fatal(err)
	}

	ctxc, cancel := context.WithCancel(context.Background())
	go func() {
		<-interceptor.ShutdownChannel()
		cancel()
	}()

	app := newApp()
	app.Metadata = map[string]interface{}{
		stateKey: &appState{
			ctx:      ctxc,
			shutdown: interceptor.RequestShutdown,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnmobile"
	"github.com/lightningnetwork/lnmobile/build"
	"github.com/lightningnetwork/lnmobile/chainsvc"
	"github.com/lightningnetwork/lnmobile/chainsync"
	"github.com/lightningnetwork/lnmobile/lnengine"
	"github.com/lightningnetwork/lnmobile/watchset"
	"github.com/urfave/cli"
)

// Subsystem is the logging code of the watch loop.
const Subsystem = "LMCL"

var watchFlags = []cli.Flag{
	cli.StringSliceFlag{
		Name: "tx",
		Usage: "a txid, in display order, to watch. May be given " +
			"multiple times",
	},
	cli.StringSliceFlag{
		Name: "script",
		Usage: "a hex encoded output script to watch. May be given " +
			"multiple times",
	},
	cli.StringSliceFlag{
		Name: "relevant",
		Usage: "a txid the engine considers confirmed and that is " +
			"checked for reorgs, optionally followed by " +
			"\":<block hash>\" of the block it was confirmed in. " +
			"May be given multiple times",
	},
}

var reconcileCommand = cli.Command{
	Name:     "reconcile",
	Category: "Chain",
	Usage:    "Run one reconciliation cycle against a dry-run engine.",
	Description: `
	Resolve the given transactions and output scripts against the chain
	the way the node does and print the updates the payment engine would
	receive, in the order it would receive them.`,
	Flags:  watchFlags,
	Action: reconcile,
}

var watchCommand = cli.Command{
	Name:     "watch",
	Category: "Chain",
	Usage:    "Reconcile periodically until interrupted.",
	Description: `
	Run a reconciliation cycle against a dry-run engine on every interval
	and print each update as it is delivered. Transactions reported
	confirmed are checked for reorgs in later cycles.`,
	Flags: append([]cli.Flag{
		cli.DurationFlag{
			Name:  "interval",
			Usage: "the time between two cycles",
			Value: time.Minute,
		},
		cli.IntFlag{
			Name: "maxfailures",
			Usage: "the number of consecutive cycles the chain " +
				"backend may be unreachable before giving up",
			Value: 5,
		},
	}, watchFlags...),
	Action: watch,
}

// chainUpdate is an update delivered to the dry-run engine.
type chainUpdate struct {
	Action   string  `json:"action"`
	Txid     string  `json:"txid,omitempty"`
	Height   uint32  `json:"height,omitempty"`
	Pos      *uint32 `json:"pos,omitempty"`
	Header   string  `json:"header,omitempty"`
	Fast     int64   `json:"fast_sat_per_kw,omitempty"`
	Medium   int64   `json:"medium_sat_per_kw,omitempty"`
	Slow     int64   `json:"slow_sat_per_kw,omitempty"`
	TxLength int     `json:"tx_bytes,omitempty"`
}

// dryRunEngine records the chain updates of a cycle instead of applying
// them. Confirmed transactions are reported as relevant afterwards, like a
// payment engine tracking them.
type dryRunEngine struct {
	mu sync.Mutex

	relevant []lnengine.RelevantTx
	updates  []chainUpdate

	// out, if set, receives every update as it is delivered.
	out io.Writer
}

// A compile-time check to ensure dryRunEngine implements
// lnengine.ChainEngine.
var _ lnengine.ChainEngine = (*dryRunEngine)(nil)

func newDryRunEngine(relevant []lnengine.RelevantTx,
	out io.Writer) *dryRunEngine {

	return &dryRunEngine{
		relevant: append([]lnengine.RelevantTx(nil), relevant...),
		out:      out,
	}
}

// parseRelevant parses the relevant flag values of the form
// txid[:blockhash].
func parseRelevant(values []string) ([]lnengine.RelevantTx, error) {
	relevant := make([]lnengine.RelevantTx, 0, len(values))
	for _, value := range values {
		txid, blockHash, _ := strings.Cut(value, ":")

		if _, err := chainhash.NewHashFromStr(txid); err != nil {
			return nil, fmt.Errorf("invalid relevant txid %v: %w",
				txid, err)
		}

		if blockHash != "" {
			_, err := chainhash.NewHashFromStr(blockHash)
			if err != nil {
				return nil, fmt.Errorf("invalid block hash %v: "+
					"%w", blockHash, err)
			}
		}

		relevant = append(relevant, lnengine.RelevantTx{
			Txid:      txid,
			BlockHash: blockHash,
		})
	}

	return relevant, nil
}

func (e *dryRunEngine) record(update chainUpdate) error {
	e.updates = append(e.updates, update)

	if e.out == nil {
		return nil
	}

	return printJSON(e.out, &update)
}

// decodeTxid returns the display order id and size of a raw transaction.
func decodeTxid(txHex string) (string, int, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return "", 0, err
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", 0, err
	}

	return tx.TxHash().String(), len(raw), nil
}

// decodeHeaderHash returns the display order hash of a serialized block
// header.
func decodeHeaderHash(headerHex string) (string, error) {
	raw, err := hex.DecodeString(headerHex)
	if err != nil {
		return "", err
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", err
	}

	return header.BlockHash().String(), nil
}

func (e *dryRunEngine) TransactionConfirmed(headerHex string, height,
	pos uint32, txHex string) error {

	id, size, err := decodeTxid(txHex)
	if err != nil {
		return fmt.Errorf("invalid transaction at %d:%d: %w", height,
			pos, err)
	}

	blockHash, err := decodeHeaderHash(headerHex)
	if err != nil {
		return fmt.Errorf("invalid header at height %d: %w", height,
			err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx := lnengine.RelevantTx{Txid: id, BlockHash: blockHash}

	known := false
	for i := range e.relevant {
		if e.relevant[i].Txid == id {
			e.relevant[i] = tx
			known = true
			break
		}
	}
	if !known {
		e.relevant = append(e.relevant, tx)
	}

	return e.record(chainUpdate{
		Action:   "confirmed",
		Txid:     id,
		Height:   height,
		Pos:      &pos,
		Header:   headerHex,
		TxLength: size,
	})
}

func (e *dryRunEngine) TransactionUnconfirmed(txid string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	relevant := e.relevant[:0]
	for _, tx := range e.relevant {
		if tx.Txid != txid {
			relevant = append(relevant, tx)
		}
	}
	e.relevant = relevant

	return e.record(chainUpdate{Action: "unconfirmed", Txid: txid})
}

func (e *dryRunEngine) UpdateBestBlock(headerHex string,
	height uint32) error {

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.record(chainUpdate{
		Action: "best_block",
		Height: height,
		Header: headerHex,
	})
}

func (e *dryRunEngine) SetFeerate(fast, medium,
	slow chainfee.SatPerKWeight) error {

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.record(chainUpdate{
		Action: "feerate",
		Fast:   int64(fast),
		Medium: int64(medium),
		Slow:   int64(slow),
	})
}

func (e *dryRunEngine) RelevantTxids() ([]lnengine.RelevantTx, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]lnengine.RelevantTx(nil), e.relevant...), nil
}

func (e *dryRunEngine) SaveNetworkGraph() error {
	return nil
}

// Updates returns the updates recorded so far.
func (e *dryRunEngine) Updates() []chainUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]chainUpdate(nil), e.updates...)
}

// parseWatchSet builds the watch set described by the tx and script flags.
func parseWatchSet(ctx *cli.Context) (*watchset.Set, error) {
	set := watchset.New()

	for _, id := range ctx.StringSlice("tx") {
		if _, err := chainhash.NewHashFromStr(id); err != nil {
			return nil, fmt.Errorf("invalid txid %v: %w", id, err)
		}

		// The set expects the engine's byte order.
		idLE, err := watchset.ReverseTxid(id)
		if err != nil {
			return nil, err
		}

		if _, err := set.RegisterTransaction(idLE, nil); err != nil {
			return nil, err
		}
	}

	for _, scriptHex := range ctx.StringSlice("script") {
		script, err := hex.DecodeString(scriptHex)
		if err != nil {
			return nil, fmt.Errorf("invalid script %v: %w",
				scriptHex, err)
		}

		set.RegisterOutput(watchset.Output{Script: script})
	}

	return set, nil
}

// newReconciler builds a reconciler feeding engine from the configured
// chain backend.
func newReconciler(ctx *cli.Context, engine lnengine.ChainEngine) (
	*chainsync.Reconciler, *chainsvc.Service, *lnmobile.Config, func(),
	error) {

	set, err := parseWatchSet(ctx)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	service, cfg, cleanup, err := getService(ctx)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	reconciler := chainsync.New(&chainsync.Config{
		Chain:    service,
		Engine:   engine,
		WatchSet: set,
		Workers:  cfg.Sync.Workers,
	})

	return reconciler, service, cfg, cleanup, nil
}

func reconcile(ctx *cli.Context) error {
	ctxc := getState(ctx).ctx

	relevant, err := parseRelevant(ctx.StringSlice("relevant"))
	if err != nil {
		return err
	}

	engine := newDryRunEngine(relevant, nil)

	reconciler, _, _, cleanup, err := newReconciler(ctx, engine)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := reconciler.Reconcile(ctxc, nil); err != nil {
		return err
	}

	return printJSON(ctx.App.Writer, engine.Updates())
}

func watch(ctx *cli.Context) error {
	state := getState(ctx)

	interval := ctx.Duration("interval")
	if interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	relevant, err := parseRelevant(ctx.StringSlice("relevant"))
	if err != nil {
		return err
	}

	engine := newDryRunEngine(relevant, ctx.App.Writer)

	reconciler, service, cfg, cleanup, err := newReconciler(ctx, engine)
	if err != nil {
		return err
	}
	defer cleanup()

	log := build.NewSubLogger(Subsystem, cfg.SubLogMgr.GenSubLogger)
	cfg.SubLogMgr.RegisterSubLogger(Subsystem, log)
	cfg.SubLogMgr.SetLogLevel(Subsystem, "info")

	t := ticker.New(interval)
	t.Resume()
	defer t.Stop()

	return watchLoop(state, reconciler, service, t, log,
		ctx.Int("maxfailures"))
}

// watchLoop runs a cycle right away and then on every tick until shutdown.
// The loop requests a shutdown and gives up once the chain backend failed
// maxFailures consecutive checks.
func watchLoop(state *appState, reconciler *chainsync.Reconciler,
	chain chainsvc.ChainService, t ticker.Ticker, log btclog.Logger,
	maxFailures int) error {

	failures := 0
	for {
		// Reconcile only reports cancellation, so the backend is
		// queried first.
		height, err := chain.GetTipHeight(state.ctx)
		switch {
		case state.ctx.Err() != nil:
			return nil

		case err != nil:
			failures++
			log.Warnf("Chain backend unreachable (%d/%d): %v",
				failures, maxFailures, err)

			if failures >= maxFailures {
				log.Criticalf("Chain backend unreachable for "+
					"%d cycles", failures)
				state.shutdown()

				return fmt.Errorf("chain backend unreachable: "+
					"%w", err)
			}

		default:
			failures = 0
			log.Infof("Reconciling at height %d", height)

			if err := reconciler.Reconcile(state.ctx, nil); err != nil {
				if state.ctx.Err() != nil {
					return nil
				}

				return err
			}
		}

		select {
		case <-t.Ticks():
		case <-state.ctx.Done():
			return nil
		}
	}
}

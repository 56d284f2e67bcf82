// Package chainsync keeps the payment engine's view of the chain current. A
// reconciliation cycle pushes the chain tip and fee rates to the engine,
// reports every confirmation of a watched output or transaction in chain
// order and reports transactions that dropped out of the best chain.
package chainsync

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnutils"
	"github.com/lightningnetwork/lnmobile/chainsvc"
	"github.com/lightningnetwork/lnmobile/lnengine"
	"github.com/lightningnetwork/lnmobile/monitoring"
	"github.com/lightningnetwork/lnmobile/watchset"
	"golang.org/x/sync/errgroup"
)

// ProgressFunc receives the progress of a cycle as a fraction between zero
// and one.
type ProgressFunc func(progress float64)

// WatchSource provides the outputs and transactions to reconcile. It is
// satisfied by *watchset.Set.
type WatchSource interface {
	Snapshot() ([]watchset.Output, []watchset.Transaction)
}

// Config holds the collaborators of a Reconciler.
type Config struct {
	// Chain is the chain data source.
	Chain chainsvc.ChainService

	// Engine receives the chain updates.
	Engine lnengine.ChainEngine

	// WatchSet lists what the engine asked to be monitored.
	WatchSet WatchSource

	// Workers bounds the number of concurrent lookups. Values below two
	// resolve lookups sequentially.
	Workers int

	// Metrics is optional.
	Metrics *monitoring.Metrics
}

// Reconciler runs reconciliation cycles. A Reconciler must not run
// overlapping cycles; the caller serializes calls to Reconcile.
type Reconciler struct {
	cfg *Config
}

// New creates a Reconciler.
func New(cfg *Config) *Reconciler {
	return &Reconciler{cfg: cfg}
}

// step reports the progress checkpoint n of eight.
func step(progress ProgressFunc, n float64) {
	if progress != nil {
		progress(n / 8)
	}
}

// Reconcile runs one cycle. Lookup failures are logged and skipped, so the
// only error returned is a context cancellation.
func (r *Reconciler) Reconcile(ctx context.Context,
	progress ProgressFunc) error {

	start := time.Now()
	defer func() {
		r.cfg.Metrics.ObserveCycle(time.Since(start))
	}()

	step(progress, 1)
	if err := r.UpdateBestBlock(ctx); err != nil {
		log.Warnf("Best block not updated: %v", err)
	}

	if err := r.cfg.Engine.SaveNetworkGraph(); err != nil {
		log.Warnf("Unable to save network graph: %v", err)
	}
	step(progress, 1.5)

	if err := ctx.Err(); err != nil {
		return err
	}

	step(progress, 2)
	r.updateFeerate(ctx)

	if err := ctx.Err(); err != nil {
		return err
	}

	outputs, txs := r.cfg.WatchSet.Snapshot()
	index := NewConfirmedBlockIndex()

	step(progress, 3)
	err := r.forEach(ctx, len(txs), func(ctx context.Context, i int) {
		r.resolveWatchedTx(ctx, txs[i].Txid, index)
	})
	if err != nil {
		return err
	}

	step(progress, 4)
	err = r.forEach(ctx, len(outputs), func(ctx context.Context, i int) {
		r.resolveWatchedOutput(ctx, &outputs[i], index)
	})
	if err != nil {
		return err
	}

	step(progress, 5)
	r.deliver(ctx, index)

	if err := ctx.Err(); err != nil {
		return err
	}

	step(progress, 6)
	relevant, err := r.relevantTxids()
	if err != nil {
		log.Warnf("Skipping un-confirmation check: %v", err)
	}

	step(progress, 7)
	r.checkUnconfirmed(ctx, relevant)

	step(progress, 8)
	log.Debugf("Reconciliation cycle done in %v: watched_outputs=%d, "+
		"watched_txs=%d, confirmed=%d, relevant=%d", time.Since(start),
		len(outputs), len(txs), index.Len(), len(relevant))

	return ctx.Err()
}

// forEach calls f for every index below n, concurrently if more than one
// worker is configured.
func (r *Reconciler) forEach(ctx context.Context, n int,
	f func(context.Context, int)) error {

	if r.cfg.Workers < 2 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			f(ctx, i)
		}

		return nil
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f(ctx, i)

			return nil
		})
	}

	return g.Wait()
}

// UpdateBestBlock pushes the current chain tip to the engine.
func (r *Reconciler) UpdateBestBlock(ctx context.Context) error {
	height, err := r.cfg.Chain.GetTipHeight(ctx)
	if err != nil {
		r.cfg.Metrics.LookupFailed(monitoring.LookupTipHeight)
		return fmt.Errorf("unable to fetch tip height: %w", err)
	}

	block, err := r.blockHeader(ctx, height)
	if err != nil {
		return fmt.Errorf("unable to fetch tip header: %w", err)
	}

	err = r.cfg.Engine.UpdateBestBlock(block.header, height)
	if err != nil {
		return fmt.Errorf("engine rejected best block %d: %w", height,
			err)
	}

	log.Debugf("Updated best block to height %d", height)

	return nil
}

// updateFeerate pushes the current fee estimates to the engine.
func (r *Reconciler) updateFeerate(ctx context.Context) {
	estimates, err := r.cfg.Chain.GetFeeEstimates(ctx)
	if err != nil {
		r.cfg.Metrics.LookupFailed(monitoring.LookupFeeEstimate)
		log.Warnf("Unable to fetch fee estimates, keeping previous "+
			"rates: %v", err)
		return
	}

	fast := FeeRateFromSatPerVByte(estimates.Fast)
	medium := FeeRateFromSatPerVByte(estimates.Medium)
	slow := FeeRateFromSatPerVByte(estimates.Slow)

	if err := r.cfg.Engine.SetFeerate(fast, medium, slow); err != nil {
		log.Errorf("Engine rejected fee rates: %v", err)
		return
	}

	log.Debugf("Updated fee rates: fast=%v, medium=%v, slow=%v", fast,
		medium, slow)
}

// bestBlock is a block of the best chain.
type bestBlock struct {
	// header is the hex encoded block header.
	header string

	// hash is the display order block hash.
	hash string
}

// blockHeader returns the validated header of the best chain block at
// height.
func (r *Reconciler) blockHeader(ctx context.Context,
	height uint32) (*bestBlock, error) {

	hash, err := r.cfg.Chain.GetBlockHash(ctx, height)
	if err != nil {
		r.cfg.Metrics.LookupFailed(monitoring.LookupBlockHash)
		return nil, fmt.Errorf("block hash at height %d: %w", height,
			err)
	}

	headerHex, err := r.cfg.Chain.GetBlockHeader(ctx, hash)
	if err != nil {
		r.cfg.Metrics.LookupFailed(monitoring.LookupBlockHeader)
		return nil, fmt.Errorf("header of block %v: %w", hash, err)
	}

	rawHeader, err := hex.DecodeString(headerHex)
	if err != nil {
		r.cfg.Metrics.LookupFailed(monitoring.LookupBlockHeader)
		return nil, fmt.Errorf("header of block %v: %w", hash, err)
	}

	var header wire.BlockHeader
	err = header.Deserialize(bytes.NewReader(rawHeader))
	if err != nil {
		r.cfg.Metrics.LookupFailed(monitoring.LookupBlockHeader)
		return nil, fmt.Errorf("header of block %v: %w", hash, err)
	}

	if header.BlockHash() != *hash {
		r.cfg.Metrics.LookupFailed(monitoring.LookupBlockHeader)
		return nil, fmt.Errorf("header hash %v doesn't match block %v",
			header.BlockHash(), hash)
	}

	return &bestBlock{header: headerHex, hash: hash.String()}, nil
}

// resolveWatchedTx indexes a watched transaction if it is confirmed.
func (r *Reconciler) resolveWatchedTx(ctx context.Context, txid string,
	index *ConfirmedBlockIndex) {

	record, err := r.cfg.Chain.GetTransaction(ctx, txid)
	if err != nil {
		r.cfg.Metrics.LookupFailed(monitoring.LookupTxStatus)
		log.Debugf("Unable to fetch watched tx %v: %v", txid, err)
		return
	}

	if !record.Status.Confirmed || record.Status.BlockHeight == 0 {
		log.Tracef("Watched tx %v not confirmed yet", txid)
		return
	}

	r.resolveConfirmed(ctx, txid, record.Status.BlockHeight, index)
}

// resolveWatchedOutput indexes every confirmed transaction touching the
// output's script.
func (r *Reconciler) resolveWatchedOutput(ctx context.Context,
	out *watchset.Output, index *ConfirmedBlockIndex) {

	addr, err := r.cfg.Chain.ScriptToAddress(out.Script)
	if err != nil {
		r.cfg.Metrics.LookupFailed(monitoring.LookupAddress)
		log.Debugf("Unable to encode watched script %x: %v",
			out.Script, err)
		return
	}

	records, err := r.cfg.Chain.GetAddressTransactions(ctx, addr)
	if err != nil {
		r.cfg.Metrics.LookupFailed(monitoring.LookupAddressTxs)
		log.Debugf("Unable to fetch txs of %v: %v", addr, err)
		return
	}

	log.Tracef("Address %v of watched output has txs: %v", addr,
		lnutils.SpewLogClosure(records))

	for _, record := range records {
		if !record.Status.Confirmed || record.Status.BlockHeight == 0 {
			continue
		}

		r.resolveConfirmed(ctx, record.Txid, record.Status.BlockHeight,
			index)
	}
}

// resolveConfirmed fetches the position and raw form of a confirmed
// transaction and adds it to the index.
func (r *Reconciler) resolveConfirmed(ctx context.Context, txid string,
	height uint32, index *ConfirmedBlockIndex) {

	proof, err := r.cfg.Chain.GetTransactionMerkleProof(ctx, txid)
	if err != nil {
		r.cfg.Metrics.LookupFailed(monitoring.LookupMerkleProof)
		log.Debugf("Unable to fetch merkle proof of %v: %v", txid, err)
		return
	}

	// Only a block's sole transaction has an empty merkle branch, and
	// that is a coinbase no engine watches.
	if len(proof.Merkle) == 0 {
		r.cfg.Metrics.LookupFailed(monitoring.LookupMerkleProof)
		log.Debugf("Merkle proof of %v has no branch", txid)
		return
	}

	txHex, err := r.cfg.Chain.GetTransactionHex(ctx, txid)
	if err != nil {
		r.cfg.Metrics.LookupFailed(monitoring.LookupTxHex)
		log.Debugf("Unable to fetch raw tx %v: %v", txid, err)
		return
	}

	rawTx, err := hex.DecodeString(txHex)
	if err != nil {
		r.cfg.Metrics.LookupFailed(monitoring.LookupTxHex)
		log.Debugf("Invalid raw tx %v: %v", txid, err)
		return
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		r.cfg.Metrics.LookupFailed(monitoring.LookupTxHex)
		log.Debugf("Unable to decode raw tx %v: %v", txid, err)
		return
	}

	if tx.TxHash().String() != txid {
		r.cfg.Metrics.LookupFailed(monitoring.LookupTxHex)
		log.Warnf("Raw tx hash %v doesn't match requested tx %v",
			tx.TxHash(), txid)
		return
	}

	index.Add(height, proof.Pos, ConfirmedTx{
		Txid:  txid,
		RawTx: rawTx,
	})
}

// relevantTxids returns the engine's relevant transactions.
func (r *Reconciler) relevantTxids() ([]lnengine.RelevantTx, error) {
	txs, err := r.cfg.Engine.RelevantTxids()
	if err != nil {
		r.cfg.Metrics.LookupFailed(monitoring.LookupRelevant)
		return nil, fmt.Errorf("unable to list relevant txids: %w", err)
	}

	return txs, nil
}

// deliver reports the indexed transactions to the engine in chain order.
// A transaction the engine already has confirmed in the same block is
// skipped. One it has confirmed in another block is un-confirmed first and
// then confirmed at its new location. Delivery stops at the first failure
// so the engine never sees a gap, the remaining transactions are delivered
// by a later cycle.
func (r *Reconciler) deliver(ctx context.Context,
	index *ConfirmedBlockIndex) {

	// Without the engine's view every entry could be a duplicate.
	relevant, err := r.relevantTxids()
	if err != nil {
		log.Warnf("Delaying delivery to the next cycle: %v", err)
		return
	}

	// known maps the txids the engine has confirmed to their block hash.
	known := make(map[string]string, len(relevant))
	for _, tx := range relevant {
		known[tx.Txid] = tx.BlockHash
	}

	blocks := make(map[uint32]*bestBlock)

	var delivered, moved int
	defer func() {
		r.cfg.Metrics.AddConfirmations(delivered)
		r.cfg.Metrics.AddUnconfirmations(moved)
	}()

	for _, entry := range index.Sorted() {
		if ctx.Err() != nil {
			return
		}

		block, ok := blocks[entry.Height]
		if !ok {
			var err error
			block, err = r.blockHeader(ctx, entry.Height)
			if err != nil {
				log.Warnf("Stopping delivery at height %d: %v",
					entry.Height, err)
				return
			}
			blocks[entry.Height] = block
		}

		txid := entry.Tx.Txid
		knownHash, isKnown := known[txid]
		switch {
		// An engine that doesn't report the block can't be checked
		// for a move.
		case isKnown && (knownHash == "" || knownHash == block.hash):
			continue

		case isKnown:
			log.Infof("Tx %v moved from block %v to %v at "+
				"height=%d", txid, knownHash, block.hash,
				entry.Height)

			err := r.cfg.Engine.TransactionUnconfirmed(txid)
			if err != nil {
				log.Errorf("Engine rejected un-confirmation of "+
					"moved tx %v: %v", txid, err)
				return
			}
			moved++
		}

		err := r.cfg.Engine.TransactionConfirmed(
			block.header, entry.Height, entry.Pos,
			hex.EncodeToString(entry.Tx.RawTx),
		)
		if err != nil {
			log.Errorf("Engine rejected confirmation of %v at "+
				"height=%d, pos=%d: %v", txid, entry.Height,
				entry.Pos, err)
			return
		}

		delivered++
		known[txid] = block.hash

		log.Infof("Delivered confirmation of %v at height=%d, pos=%d",
			txid, entry.Height, entry.Pos)
	}
}

// checkUnconfirmed reports every relevant transaction that is no longer
// confirmed, or no longer confirmed in the block the engine knows. A failed
// lookup counts as unconfirmed.
func (r *Reconciler) checkUnconfirmed(ctx context.Context,
	txs []lnengine.RelevantTx) {

	var unconfirmed int
	defer func() {
		r.cfg.Metrics.AddUnconfirmations(unconfirmed)
	}()

	hashes := make(map[uint32]string)
	hashAt := func(height uint32) (string, error) {
		if hash, ok := hashes[height]; ok {
			return hash, nil
		}

		hash, err := r.cfg.Chain.GetBlockHash(ctx, height)
		if err != nil {
			r.cfg.Metrics.LookupFailed(monitoring.LookupBlockHash)
			return "", err
		}
		hashes[height] = hash.String()

		return hashes[height], nil
	}

	for _, tx := range txs {
		if ctx.Err() != nil {
			return
		}

		txid := tx.Txid
		confirmed, err := r.stillConfirmed(ctx, &tx, hashAt)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}

			log.Debugf("Confirmation check of %v failed, treating "+
				"as unconfirmed: %v", txid, err)

		case !confirmed:

		default:
			continue
		}

		if err := r.cfg.Engine.TransactionUnconfirmed(txid); err != nil {
			log.Errorf("Engine rejected un-confirmation of %v: %v",
				txid, err)
			continue
		}

		unconfirmed++
		log.Infof("Delivered un-confirmation of %v", txid)
	}
}

// stillConfirmed reports whether tx is confirmed in the best chain, and in
// the block the engine knows if it reported one.
func (r *Reconciler) stillConfirmed(ctx context.Context,
	tx *lnengine.RelevantTx,
	hashAt func(uint32) (string, error)) (bool, error) {

	proof, err := r.cfg.Chain.GetTransactionMerkleProof(ctx, tx.Txid)
	if err != nil {
		r.cfg.Metrics.LookupFailed(monitoring.LookupMerkleProof)
		return false, err
	}

	if proof.BlockHeight == 0 {
		log.Debugf("Tx %v has no confirming block", tx.Txid)
		return false, nil
	}

	if tx.BlockHash == "" {
		return true, nil
	}

	hash, err := hashAt(proof.BlockHeight)
	if err != nil {
		return false, err
	}

	if hash != tx.BlockHash {
		log.Debugf("Tx %v is confirmed in block %v, not in %v", tx.Txid,
			hash, tx.BlockHash)
		return false, nil
	}

	return true, nil
}

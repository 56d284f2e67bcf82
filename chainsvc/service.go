package chainsvc

import (
	"context"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnmobile/esplora"
)

const (
	// FastTarget, MediumTarget and SlowTarget are the confirmation
	// targets, in blocks, of the three fee estimates.
	FastTarget   = "2"
	MediumTarget = "6"
	SlowTarget   = "144"
)

// ChainBackend is the chain data source the Service reads from. It is
// satisfied by *esplora.Client.
type ChainBackend interface {
	GetTipHeight(ctx context.Context) (int64, error)
	GetBlockHashByHeight(ctx context.Context,
		height int64) (*chainhash.Hash, error)
	GetBlockHeaderHex(ctx context.Context,
		hash *chainhash.Hash) (string, error)
	GetFeeEstimates(ctx context.Context) (esplora.FeeEstimates, error)
	GetTransaction(ctx context.Context, txid string) (*esplora.TxInfo,
		error)
	GetRawTransaction(ctx context.Context, txid string) (string, error)
	GetTxMerkleProof(ctx context.Context,
		txid string) (*esplora.MerkleProof, error)
	GetAddressTxs(ctx context.Context, address string) ([]*esplora.TxInfo,
		error)
	BroadcastTransaction(ctx context.Context, txHex string) (string, error)
}

// GraphBackend is the routing data source the Service reads from. It is
// satisfied by *lndclient.Client.
type GraphBackend interface {
	QueryRoutes(ctx context.Context, source, dest route.Vertex,
		amt lnwire.MilliSatoshi) (*lnrpc.QueryRoutesResponse, error)
	GetChanInfo(ctx context.Context,
		chanID lnwire.ShortChannelID) (*lnrpc.ChannelEdge, error)
}

// Config holds the collaborators of a Service.
type Config struct {
	// Chain provides blocks, transactions and fee estimates.
	Chain ChainBackend

	// Graph provides routes and channel graph entries. It may be nil, in
	// which case graph queries fail with ErrNoGraphBackend.
	Graph GraphBackend

	// ChainParams selects the network used for address and invoice
	// encoding.
	ChainParams *chaincfg.Params
}

// Service implements ExternalService on top of a chain backend and a routing
// backend. Address and invoice decoding happen locally.
type Service struct {
	cfg *Config
}

// A compile-time check to ensure Service implements ExternalService.
var _ ExternalService = (*Service)(nil)

// New creates a Service from the given config.
func New(cfg *Config) *Service {
	return &Service{cfg: cfg}
}

// heightFromAPI converts a height reported by the chain backend.
func heightFromAPI(height int64) (uint32, error) {
	if height < 0 || height > math.MaxUint32 {
		return 0, fmt.Errorf("invalid block height %d", height)
	}

	return uint32(height), nil
}

// GetTipHeight returns the height of the best block.
func (s *Service) GetTipHeight(ctx context.Context) (uint32, error) {
	height, err := s.cfg.Chain.GetTipHeight(ctx)
	if err != nil {
		return 0, err
	}

	return heightFromAPI(height)
}

// GetBlockHash returns the hash of the best chain block at height.
func (s *Service) GetBlockHash(ctx context.Context,
	height uint32) (*chainhash.Hash, error) {

	return s.cfg.Chain.GetBlockHashByHeight(ctx, int64(height))
}

// GetBlockHeader returns the hex encoded header of the given block.
func (s *Service) GetBlockHeader(ctx context.Context,
	hash *chainhash.Hash) (string, error) {

	return s.cfg.Chain.GetBlockHeaderHex(ctx, hash)
}

// GetFeeEstimates returns the estimates for the fast, medium and slow
// confirmation targets.
func (s *Service) GetFeeEstimates(ctx context.Context) (*FeeEstimates,
	error) {

	estimates, err := s.cfg.Chain.GetFeeEstimates(ctx)
	if err != nil {
		return nil, err
	}

	var (
		fees    FeeEstimates
		targets = []struct {
			target string
			rate   *float64
		}{
			{FastTarget, &fees.Fast},
			{MediumTarget, &fees.Medium},
			{SlowTarget, &fees.Slow},
		}
	)
	for _, t := range targets {
		rate, ok := estimates[t.target]
		if !ok {
			return nil, fmt.Errorf("no fee estimate for target %v",
				t.target)
		}
		*t.rate = rate
	}

	return &fees, nil
}

// txRecord converts a transaction as reported by the chain backend.
func txRecord(info *esplora.TxInfo) (*TxRecord, error) {
	rec := &TxRecord{
		Txid: info.TxID,
		Status: TxStatus{
			Confirmed: info.Status.Confirmed,
			BlockHash: info.Status.BlockHash,
		},
	}

	if info.Status.Confirmed {
		height, err := heightFromAPI(info.Status.BlockHeight)
		if err != nil {
			return nil, err
		}
		rec.Status.BlockHeight = height
	}

	return rec, nil
}

// GetTransaction returns the record of the given transaction.
func (s *Service) GetTransaction(ctx context.Context,
	txid string) (*TxRecord, error) {

	info, err := s.cfg.Chain.GetTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}

	return txRecord(info)
}

// GetTransactionHex returns the raw hex of the given transaction.
func (s *Service) GetTransactionHex(ctx context.Context,
	txid string) (string, error) {

	return s.cfg.Chain.GetRawTransaction(ctx, txid)
}

// GetTransactionMerkleProof returns the inclusion proof of the given
// transaction.
func (s *Service) GetTransactionMerkleProof(ctx context.Context,
	txid string) (*MerkleProof, error) {

	proof, err := s.cfg.Chain.GetTxMerkleProof(ctx, txid)
	if err != nil {
		return nil, err
	}

	height, err := heightFromAPI(proof.BlockHeight)
	if err != nil {
		return nil, err
	}
	if proof.Pos < 0 {
		return nil, fmt.Errorf("invalid merkle position %d", proof.Pos)
	}

	return &MerkleProof{
		BlockHeight: height,
		Merkle:      proof.Merkle,
		Pos:         uint32(proof.Pos),
	}, nil
}

// GetAddressTransactions lists the transactions touching address.
func (s *Service) GetAddressTransactions(ctx context.Context,
	address string) ([]TxRecord, error) {

	infos, err := s.cfg.Chain.GetAddressTxs(ctx, address)
	if err != nil {
		return nil, err
	}

	records := make([]TxRecord, 0, len(infos))
	for _, info := range infos {
		rec, err := txRecord(info)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	return records, nil
}

// BroadcastTransaction publishes a raw transaction and returns its txid.
func (s *Service) BroadcastTransaction(ctx context.Context,
	txHex string) (string, error) {

	txid, err := s.cfg.Chain.BroadcastTransaction(ctx, txHex)
	if err != nil {
		return "", err
	}

	log.Infof("Broadcast transaction %v", txid)

	return txid, nil
}

// QueryRoutes returns candidate routes for the query, best first.
func (s *Service) QueryRoutes(ctx context.Context,
	query *RouteQuery) (*RouteQueryResponse, error) {

	if s.cfg.Graph == nil {
		return nil, ErrNoGraphBackend
	}

	resp, err := s.cfg.Graph.QueryRoutes(
		ctx, query.Source, query.Destination, query.AmountMsat,
	)
	if err != nil {
		return nil, err
	}

	return unmarshallRoutes(resp)
}

// GetChannelInfo returns the graph entry of the given channel.
func (s *Service) GetChannelInfo(ctx context.Context,
	chanID lnwire.ShortChannelID) (*ChannelInfo, error) {

	if s.cfg.Graph == nil {
		return nil, ErrNoGraphBackend
	}

	edge, err := s.cfg.Graph.GetChanInfo(ctx, chanID)
	if err != nil {
		return nil, err
	}

	return unmarshallChannelEdge(edge)
}

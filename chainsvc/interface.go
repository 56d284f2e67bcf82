package chainsvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
)

var (
	// ErrNoGraphBackend is returned by route and channel graph queries
	// when no routing data source is configured.
	ErrNoGraphBackend = errors.New("no routing data backend configured")

	// ErrMissingPolicy is returned when a channel has no policy for the
	// requested direction.
	ErrMissingPolicy = errors.New("channel policy unknown")
)

// TxStatus is the confirmation status of a transaction as seen by the chain
// data source.
type TxStatus struct {
	// Confirmed is true once the transaction is in the best chain.
	Confirmed bool

	// BlockHeight is the height of the confirming block, zero if
	// unconfirmed.
	BlockHeight uint32

	// BlockHash is the hash of the confirming block, if known.
	BlockHash string
}

// TxRecord is a transaction as listed by the chain data source.
type TxRecord struct {
	Txid   string
	Status TxStatus
}

// MerkleProof is the inclusion proof of a confirmed transaction.
type MerkleProof struct {
	BlockHeight uint32
	Merkle      []string
	Pos         uint32
}

// FeeEstimates holds the fast, medium and slow fee rate estimates in sat/vB.
type FeeEstimates struct {
	Fast   float64
	Medium float64
	Slow   float64
}

// DecodedInvoice is the subset of a BOLT11 invoice needed to pay it.
type DecodedInvoice struct {
	// Payee is the node the invoice pays to.
	Payee route.Vertex

	// AmountMsat is the requested amount. It is absent for zero amount
	// invoices.
	AmountMsat fn.Option[lnwire.MilliSatoshi]

	// PaymentHash is the hash of the payment preimage.
	PaymentHash [32]byte

	// PaymentSecret is the payment address of the invoice, if set.
	PaymentSecret fn.Option[[32]byte]

	// MinFinalCLTVExpiry is the delta the final hop requires.
	MinFinalCLTVExpiry uint64

	Description string
	Timestamp   time.Time
	Expiry      time.Duration
}

// RouteQuery describes a route request to the routing data source.
type RouteQuery struct {
	// Source is the node the routes must start from.
	Source route.Vertex

	// Destination is the node the routes must end at.
	Destination route.Vertex

	// AmountMsat is the amount the destination must receive.
	AmountMsat lnwire.MilliSatoshi
}

// CandidateHop is one hop of a candidate route.
type CandidateHop struct {
	// ChannelID is the channel leading into PubKey.
	ChannelID lnwire.ShortChannelID

	// PubKey is the node reached by this hop.
	PubKey route.Vertex

	// AmtToForwardMsat is the amount PubKey is asked to forward, or
	// receive for the final hop.
	AmtToForwardMsat lnwire.MilliSatoshi

	FeeMsat lnwire.MilliSatoshi
	Expiry  uint32
}

// CandidateRoute is a path proposed by the routing data source.
type CandidateRoute struct {
	Hops          []CandidateHop
	TotalTimeLock uint32
	TotalAmtMsat  lnwire.MilliSatoshi
	TotalFeesMsat lnwire.MilliSatoshi
}

// RouteQueryResponse is the answer to a RouteQuery, best route first.
type RouteQueryResponse struct {
	Routes      []CandidateRoute
	SuccessProb float64
}

// RoutingPolicy is the forwarding policy one node applies on a channel.
type RoutingPolicy struct {
	TimeLockDelta    uint16
	FeeBaseMsat      lnwire.MilliSatoshi
	FeeRateMilliMsat lnwire.MilliSatoshi
	MinHtlcMsat      lnwire.MilliSatoshi
	MaxHtlcMsat      lnwire.MilliSatoshi
	Disabled         bool
}

// ChannelInfo is the channel graph entry of a single channel.
type ChannelInfo struct {
	ChannelID lnwire.ShortChannelID
	ChanPoint string
	Capacity  btcutil.Amount

	Node1Pub route.Vertex
	Node2Pub route.Vertex

	// Node1Policy and Node2Policy are nil if the node hasn't announced a
	// policy for the channel yet.
	Node1Policy *RoutingPolicy
	Node2Policy *RoutingPolicy
}

// PolicyFor returns the policy that applies to a payment forwarded over the
// channel towards hopDest. That is the policy of the channel's other node.
func (c *ChannelInfo) PolicyFor(hopDest route.Vertex) (*RoutingPolicy, error) {
	var policy *RoutingPolicy
	switch hopDest {
	case c.Node1Pub:
		policy = c.Node2Policy

	case c.Node2Pub:
		policy = c.Node1Policy

	default:
		return nil, fmt.Errorf("node %v is not part of channel %v",
			hopDest, c.ChannelID)
	}

	if policy == nil {
		return nil, fmt.Errorf("%w: channel %v towards %v",
			ErrMissingPolicy, c.ChannelID, hopDest)
	}

	return policy, nil
}

// ChainService is the chain data half of ExternalService.
type ChainService interface {
	// GetTipHeight returns the height of the best block.
	GetTipHeight(ctx context.Context) (uint32, error)

	// GetBlockHash returns the hash of the best chain block at height.
	GetBlockHash(ctx context.Context, height uint32) (*chainhash.Hash,
		error)

	// GetBlockHeader returns the hex encoded header of the given block.
	GetBlockHeader(ctx context.Context, hash *chainhash.Hash) (string,
		error)

	// GetFeeEstimates returns the current fee estimates.
	GetFeeEstimates(ctx context.Context) (*FeeEstimates, error)

	// GetTransaction returns the record of the given transaction.
	GetTransaction(ctx context.Context, txid string) (*TxRecord, error)

	// GetTransactionHex returns the raw hex of the given transaction.
	GetTransactionHex(ctx context.Context, txid string) (string, error)

	// GetTransactionMerkleProof returns the inclusion proof of the given
	// transaction.
	GetTransactionMerkleProof(ctx context.Context,
		txid string) (*MerkleProof, error)

	// GetAddressTransactions lists the transactions touching address.
	GetAddressTransactions(ctx context.Context,
		address string) ([]TxRecord, error)

	// BroadcastTransaction publishes a raw transaction and returns its
	// txid.
	BroadcastTransaction(ctx context.Context, txHex string) (string, error)

	// ScriptToAddress encodes an output script as an address.
	ScriptToAddress(script []byte) (string, error)
}

// GraphService is the routing data half of ExternalService.
type GraphService interface {
	// QueryRoutes returns candidate routes for the query, best first.
	QueryRoutes(ctx context.Context,
		query *RouteQuery) (*RouteQueryResponse, error)

	// GetChannelInfo returns the graph entry of the given channel.
	GetChannelInfo(ctx context.Context,
		chanID lnwire.ShortChannelID) (*ChannelInfo, error)
}

// ExternalService is the full chain and routing data capability the node
// relies on.
type ExternalService interface {
	ChainService
	GraphService

	// DecodeInvoice decodes a BOLT11 payment request.
	DecodeInvoice(payReq string) (*DecodedInvoice, error)
}

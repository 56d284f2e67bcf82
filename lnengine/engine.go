// Package lnengine describes the native Lightning payment engine the node
// drives. The engine owns the protocol state machine, keys and channel state.
// This module only feeds it chain data and routes and reacts to its events.
package lnengine

import (
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
)

// ChainEngine is the part of the engine that consumes chain data.
type ChainEngine interface {
	// TransactionConfirmed reports a relevant transaction confirmed at the
	// given height and position within the block.
	TransactionConfirmed(headerHex string, height, pos uint32,
		txHex string) error

	// TransactionUnconfirmed reports that a transaction the engine
	// considered confirmed is no longer in the best chain.
	TransactionUnconfirmed(txid string) error

	// UpdateBestBlock reports a new chain tip.
	UpdateBestBlock(headerHex string, height uint32) error

	// SetFeerate sets the fee rates used for on-chain transactions.
	SetFeerate(fast, medium, slow chainfee.SatPerKWeight) error

	// RelevantTxids returns the confirmed transactions the engine still
	// cares about, with the block each was confirmed in.
	RelevantTxids() ([]RelevantTx, error)

	// SaveNetworkGraph writes the engine's network graph to disk.
	SaveNetworkGraph() error
}

// RelevantTx is a transaction the engine considers confirmed.
type RelevantTx struct {
	// Txid is the transaction id in display order.
	Txid string `json:"txid"`

	// BlockHash is the display order hash of the block the engine saw
	// the transaction confirmed in. Empty if the engine doesn't know it.
	BlockHash string `json:"block_hash,omitempty"`
}

// StartRequest holds everything the engine needs to start.
type StartRequest struct {
	// EntropyHex is the 32 byte hex encoded seed of the node.
	EntropyHex string

	// BlockHeight and BlockHash describe the current chain tip.
	BlockHeight uint32
	BlockHash   string

	// ChannelManager is the hex encoded channel manager snapshot, empty
	// for a fresh node.
	ChannelManager string

	// ChannelMonitors are the hex encoded channel monitor snapshots.
	ChannelMonitors []string

	// WritablePath is a persistent directory for the network graph. If
	// empty, graph sync is disabled.
	WritablePath string
}

// SendPaymentRequest asks the engine to pay along a precomputed route.
type SendPaymentRequest struct {
	Destination        route.Vertex
	PaymentHash        [32]byte
	PaymentSecret      [32]byte
	FirstHop           lnwire.ShortChannelID
	AmountMsat         lnwire.MilliSatoshi
	MinFinalCLTVExpiry uint64

	// HopsJSON is the JSON encoded hop list of the route.
	HopsJSON []byte
}

// Engine is the full native payment engine.
type Engine interface {
	ChainEngine

	// Start starts the engine.
	Start(req *StartRequest) error

	// Stop stops the engine.
	Stop() error

	// NodeID returns the engine's node public key.
	NodeID() (route.Vertex, error)

	// ListChannels returns all channels.
	ListChannels() ([]ChannelDetails, error)

	// ListUsableChannels returns the channels that can send right now.
	ListUsableChannels() ([]ChannelDetails, error)

	// ListPeers returns the hex encoded node ids of connected peers.
	ListPeers() ([]string, error)

	// ConnectPeer connects to the given node.
	ConnectPeer(pubKey route.Vertex, host string, port uint16) error

	// DisconnectByNodeID disconnects the given node.
	DisconnectByNodeID(pubKey route.Vertex) error

	// OpenChannelStep1 starts opening a channel and returns the temporary
	// channel id.
	OpenChannelStep1(pubKey route.Vertex, amt btcutil.Amount) (string,
		error)

	// OpenChannelStep2 hands the signed funding transaction to the
	// engine.
	OpenChannelStep2(txHex string, counterparty route.Vertex) error

	// CloseChannelCooperatively starts a mutual close.
	CloseChannelCooperatively(channelID string,
		counterparty route.Vertex) error

	// CloseChannelForce broadcasts the latest commitment.
	CloseChannelForce(channelID string) error

	// AddInvoice creates a BOLT11 invoice.
	AddInvoice(amt lnwire.MilliSatoshi, description string) (string,
		error)

	// PayInvoice pays an invoice using the engine's own pathfinding. The
	// amount is only used for zero amount invoices.
	PayInvoice(payReq string, amt btcutil.Amount) error

	// SendPayment pays along the route in the request.
	SendPayment(req *SendPaymentRequest) error

	// SetRefundAddressScript sets the script closing funds are sent to.
	SetRefundAddressScript(script []byte) error

	// MaturingBalance returns the balance of outputs that are still
	// timelocked.
	MaturingBalance() (btcutil.Amount, error)

	// MaturingHeight returns the height at which the maturing balance
	// becomes spendable.
	MaturingHeight() (uint32, error)

	// Version returns the engine version.
	Version() (string, error)

	// FireAnEvent makes the engine emit a test log event.
	FireAnEvent() error
}

// ChannelDetails describes a channel as listed by the engine.
type ChannelDetails struct {
	ChannelID                    string `json:"channel_id"`
	ShortChannelID               string `json:"short_channel_id"`
	CounterpartyNodeID           string `json:"counterparty_node_id"`
	RemoteNodeID                 string `json:"remote_node_id"`
	FundingTxoTxid               string `json:"funding_txo_txid"`
	FundingTxoIndex              uint32 `json:"funding_txo_index"`
	ChannelValueSatoshis         int64  `json:"channel_value_satoshis"`
	InboundCapacityMsat          uint64 `json:"inbound_capacity_msat"`
	OutboundCapacityMsat         uint64 `json:"outbound_capacity_msat"`
	ConfirmationsRequired        uint32 `json:"confirmations_required"`
	ForceCloseSpendDelay         uint32 `json:"force_close_spend_delay"`
	UnspendablePunishmentReserve int64  `json:"unspendable_punishment_reserve"`
	IsOutbound                   bool   `json:"is_outbound"`
	IsPublic                     bool   `json:"is_public"`
	IsUsable                     bool   `json:"is_usable"`
	UserID                       uint64 `json:"user_id"`

	//nolint:lll
	CounterpartyUnspendablePunishmentReserve int64 `json:"counterparty_unspendable_punishment_reserve"`
}

// SCID parses the channel's short channel id.
func (c *ChannelDetails) SCID() (lnwire.ShortChannelID, error) {
	id, err := strconv.ParseUint(c.ShortChannelID, 10, 64)
	if err != nil {
		return lnwire.ShortChannelID{}, fmt.Errorf("invalid short "+
			"channel id %q: %w", c.ShortChannelID, err)
	}

	return lnwire.NewShortChanIDFromInt(id), nil
}

// Counterparty parses the channel's counterparty node id.
func (c *ChannelDetails) Counterparty() (route.Vertex, error) {
	return route.NewVertexFromStr(c.CounterpartyNodeID)
}

package mobile

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnmobile/lnengine"
)

// NativeEngine is implemented by the host app around the native payment
// engine. Structured values cross the language boundary as JSON strings.
type NativeEngine interface {
	TransactionConfirmed(headerHex string, height, pos int32,
		txHex string) error
	TransactionUnconfirmed(txid string) error
	UpdateBestBlock(headerHex string, height int32) error

	// SetFeerate takes fee rates in sat/kw.
	SetFeerate(fast, medium, slow int32) error

	// RelevantTxids returns a JSON array of {"txid", "block_hash"}
	// objects. Bare txid strings are accepted for engines that don't
	// track the confirming block.
	RelevantTxids() (string, error)

	SaveNetworkGraph() error

	// Start takes a JSON encoded start request.
	Start(requestJSON string) error
	Stop() error

	// NodeID returns the hex encoded node public key.
	NodeID() (string, error)

	// ListChannels and ListUsableChannels return a JSON array of channel
	// details.
	ListChannels() (string, error)
	ListUsableChannels() (string, error)

	// ListPeers returns a JSON array of hex encoded node ids.
	ListPeers() (string, error)

	ConnectPeer(pubKey, host string, port int32) error
	DisconnectByNodeID(pubKey string) error
	OpenChannelStep1(pubKey string, amtSat int64) (string, error)
	OpenChannelStep2(txHex, counterparty string) error
	CloseChannelCooperatively(channelID, counterparty string) error
	CloseChannelForce(channelID string) error
	AddInvoice(amtMsat int64, description string) (string, error)
	PayInvoice(payReq string, amtSat int64) error

	// SendPayment takes a JSON encoded payment request.
	SendPayment(requestJSON string) error

	SetRefundAddressScript(scriptHex string) error
	MaturingBalance() (int64, error)
	MaturingHeight() (int32, error)
	Version() (string, error)
	FireAnEvent() error
}

// startRequest is the JSON form of lnengine.StartRequest.
type startRequest struct {
	EntropyHex      string   `json:"entropy"`
	BlockHeight     uint32   `json:"block_height"`
	BlockHash       string   `json:"block_hash"`
	ChannelManager  string   `json:"channel_manager"`
	ChannelMonitors []string `json:"channel_monitors"`
	WritablePath    string   `json:"writable_path"`
}

// sendPaymentRequest is the JSON form of lnengine.SendPaymentRequest.
type sendPaymentRequest struct {
	Destination        string          `json:"destination"`
	PaymentHash        string          `json:"payment_hash"`
	PaymentSecret      string          `json:"payment_secret"`
	FirstHop           string          `json:"first_hop"`
	AmountMsat         uint64          `json:"amount_msat"`
	MinFinalCLTVExpiry uint64          `json:"min_final_cltv_expiry"`
	Hops               json.RawMessage `json:"hops"`
}

// engineAdapter exposes a NativeEngine as an lnengine.Engine.
type engineAdapter struct {
	native NativeEngine
}

// A compile-time check to ensure engineAdapter implements lnengine.Engine.
var _ lnengine.Engine = (*engineAdapter)(nil)

func newEngineAdapter(native NativeEngine) *engineAdapter {
	return &engineAdapter{native: native}
}

// decodeList decodes a JSON array returned by the native engine.
func decodeList[T any](method, s string, err error) ([]T, error) {
	if err != nil {
		return nil, err
	}

	var list []T
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil, fmt.Errorf("invalid %v response: %w", method, err)
	}
	if list == nil {
		list = []T{}
	}

	return list, nil
}

func (e *engineAdapter) TransactionConfirmed(headerHex string, height,
	pos uint32, txHex string) error {

	return e.native.TransactionConfirmed(
		headerHex, int32(height), int32(pos), txHex,
	)
}

func (e *engineAdapter) TransactionUnconfirmed(txid string) error {
	return e.native.TransactionUnconfirmed(txid)
}

func (e *engineAdapter) UpdateBestBlock(headerHex string,
	height uint32) error {

	return e.native.UpdateBestBlock(headerHex, int32(height))
}

func (e *engineAdapter) SetFeerate(fast, medium,
	slow chainfee.SatPerKWeight) error {

	return e.native.SetFeerate(int32(fast), int32(medium), int32(slow))
}

// relevantTx is the JSON form of lnengine.RelevantTx.
type relevantTx lnengine.RelevantTx

func (r *relevantTx) UnmarshalJSON(b []byte) error {
	var txid string
	if err := json.Unmarshal(b, &txid); err == nil && txid != "" {
		*r = relevantTx{Txid: txid}
		return nil
	}

	var tx lnengine.RelevantTx
	if err := json.Unmarshal(b, &tx); err != nil {
		return err
	}
	if tx.Txid == "" {
		return fmt.Errorf("relevant tx without txid")
	}

	*r = relevantTx(tx)

	return nil
}

func (e *engineAdapter) RelevantTxids() ([]lnengine.RelevantTx, error) {
	s, err := e.native.RelevantTxids()
	list, err := decodeList[relevantTx]("RelevantTxids", s, err)
	if err != nil {
		return nil, err
	}

	txs := make([]lnengine.RelevantTx, 0, len(list))
	for _, tx := range list {
		txs = append(txs, lnengine.RelevantTx(tx))
	}

	return txs, nil
}

func (e *engineAdapter) SaveNetworkGraph() error {
	return e.native.SaveNetworkGraph()
}

func (e *engineAdapter) Start(req *lnengine.StartRequest) error {
	monitors := req.ChannelMonitors
	if monitors == nil {
		monitors = []string{}
	}

	b, err := json.Marshal(&startRequest{
		EntropyHex:      req.EntropyHex,
		BlockHeight:     req.BlockHeight,
		BlockHash:       req.BlockHash,
		ChannelManager:  req.ChannelManager,
		ChannelMonitors: monitors,
		WritablePath:    req.WritablePath,
	})
	if err != nil {
		return err
	}

	return e.native.Start(string(b))
}

func (e *engineAdapter) Stop() error {
	return e.native.Stop()
}

func (e *engineAdapter) NodeID() (route.Vertex, error) {
	s, err := e.native.NodeID()
	if err != nil {
		return route.Vertex{}, err
	}

	return route.NewVertexFromStr(s)
}

func (e *engineAdapter) ListChannels() ([]lnengine.ChannelDetails, error) {
	s, err := e.native.ListChannels()
	return decodeList[lnengine.ChannelDetails]("ListChannels", s, err)
}

func (e *engineAdapter) ListUsableChannels() ([]lnengine.ChannelDetails,
	error) {

	s, err := e.native.ListUsableChannels()
	return decodeList[lnengine.ChannelDetails](
		"ListUsableChannels", s, err,
	)
}

func (e *engineAdapter) ListPeers() ([]string, error) {
	s, err := e.native.ListPeers()
	return decodeList[string]("ListPeers", s, err)
}

func (e *engineAdapter) ConnectPeer(pubKey route.Vertex, host string,
	port uint16) error {

	return e.native.ConnectPeer(pubKey.String(), host, int32(port))
}

func (e *engineAdapter) DisconnectByNodeID(pubKey route.Vertex) error {
	return e.native.DisconnectByNodeID(pubKey.String())
}

func (e *engineAdapter) OpenChannelStep1(pubKey route.Vertex,
	amt btcutil.Amount) (string, error) {

	return e.native.OpenChannelStep1(pubKey.String(), int64(amt))
}

func (e *engineAdapter) OpenChannelStep2(txHex string,
	counterparty route.Vertex) error {

	return e.native.OpenChannelStep2(txHex, counterparty.String())
}

func (e *engineAdapter) CloseChannelCooperatively(channelID string,
	counterparty route.Vertex) error {

	return e.native.CloseChannelCooperatively(
		channelID, counterparty.String(),
	)
}

func (e *engineAdapter) CloseChannelForce(channelID string) error {
	return e.native.CloseChannelForce(channelID)
}

func (e *engineAdapter) AddInvoice(amt lnwire.MilliSatoshi,
	description string) (string, error) {

	return e.native.AddInvoice(int64(amt), description)
}

func (e *engineAdapter) PayInvoice(payReq string, amt btcutil.Amount) error {
	return e.native.PayInvoice(payReq, int64(amt))
}

func (e *engineAdapter) SendPayment(req *lnengine.SendPaymentRequest) error {
	b, err := json.Marshal(&sendPaymentRequest{
		Destination:        req.Destination.String(),
		PaymentHash:        hex.EncodeToString(req.PaymentHash[:]),
		PaymentSecret:      hex.EncodeToString(req.PaymentSecret[:]),
		FirstHop:           strconv.FormatUint(req.FirstHop.ToUint64(), 10),
		AmountMsat:         uint64(req.AmountMsat),
		MinFinalCLTVExpiry: req.MinFinalCLTVExpiry,
		Hops:               req.HopsJSON,
	})
	if err != nil {
		return err
	}

	return e.native.SendPayment(string(b))
}

func (e *engineAdapter) SetRefundAddressScript(script []byte) error {
	return e.native.SetRefundAddressScript(hex.EncodeToString(script))
}

func (e *engineAdapter) MaturingBalance() (btcutil.Amount, error) {
	amt, err := e.native.MaturingBalance()
	return btcutil.Amount(amt), err
}

func (e *engineAdapter) MaturingHeight() (uint32, error) {
	height, err := e.native.MaturingHeight()
	return uint32(height), err
}

func (e *engineAdapter) Version() (string, error) {
	return e.native.Version()
}

func (e *engineAdapter) FireAnEvent() error {
	return e.native.FireAnEvent()
}

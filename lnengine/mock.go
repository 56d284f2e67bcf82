package lnengine

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/stretchr/testify/mock"
)

// MockEngine is a mock implementation of Engine.
type MockEngine struct {
	mock.Mock
}

// A compile-time check to ensure MockEngine implements Engine.
var _ Engine = (*MockEngine)(nil)

// TransactionConfirmed records the call.
func (m *MockEngine) TransactionConfirmed(headerHex string, height,
	pos uint32, txHex string) error {

	args := m.Called(headerHex, height, pos, txHex)

	return args.Error(0)
}

// TransactionUnconfirmed records the call.
func (m *MockEngine) TransactionUnconfirmed(txid string) error {
	args := m.Called(txid)

	return args.Error(0)
}

// UpdateBestBlock records the call.
func (m *MockEngine) UpdateBestBlock(headerHex string, height uint32) error {
	args := m.Called(headerHex, height)

	return args.Error(0)
}

// SetFeerate records the call.
func (m *MockEngine) SetFeerate(fast, medium,
	slow chainfee.SatPerKWeight) error {

	args := m.Called(fast, medium, slow)

	return args.Error(0)
}

// RelevantTxids returns the mocked transactions.
func (m *MockEngine) RelevantTxids() ([]RelevantTx, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]RelevantTx), args.Error(1)
}

// SaveNetworkGraph records the call.
func (m *MockEngine) SaveNetworkGraph() error {
	args := m.Called()

	return args.Error(0)
}

// Start records the call.
func (m *MockEngine) Start(req *StartRequest) error {
	args := m.Called(req)

	return args.Error(0)
}

// Stop records the call.
func (m *MockEngine) Stop() error {
	args := m.Called()

	return args.Error(0)
}

// NodeID returns the mocked node id.
func (m *MockEngine) NodeID() (route.Vertex, error) {
	args := m.Called()

	return args.Get(0).(route.Vertex), args.Error(1)
}

// ListChannels returns the mocked channels.
func (m *MockEngine) ListChannels() ([]ChannelDetails, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]ChannelDetails), args.Error(1)
}

// ListUsableChannels returns the mocked usable channels.
func (m *MockEngine) ListUsableChannels() ([]ChannelDetails, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]ChannelDetails), args.Error(1)
}

// ListPeers returns the mocked peers.
func (m *MockEngine) ListPeers() ([]string, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]string), args.Error(1)
}

// ConnectPeer records the call.
func (m *MockEngine) ConnectPeer(pubKey route.Vertex, host string,
	port uint16) error {

	args := m.Called(pubKey, host, port)

	return args.Error(0)
}

// DisconnectByNodeID records the call.
func (m *MockEngine) DisconnectByNodeID(pubKey route.Vertex) error {
	args := m.Called(pubKey)

	return args.Error(0)
}

// OpenChannelStep1 returns the mocked temporary channel id.
func (m *MockEngine) OpenChannelStep1(pubKey route.Vertex,
	amt btcutil.Amount) (string, error) {

	args := m.Called(pubKey, amt)

	return args.String(0), args.Error(1)
}

// OpenChannelStep2 records the call.
func (m *MockEngine) OpenChannelStep2(txHex string,
	counterparty route.Vertex) error {

	args := m.Called(txHex, counterparty)

	return args.Error(0)
}

// CloseChannelCooperatively records the call.
func (m *MockEngine) CloseChannelCooperatively(channelID string,
	counterparty route.Vertex) error {

	args := m.Called(channelID, counterparty)

	return args.Error(0)
}

// CloseChannelForce records the call.
func (m *MockEngine) CloseChannelForce(channelID string) error {
	args := m.Called(channelID)

	return args.Error(0)
}

// AddInvoice returns the mocked invoice.
func (m *MockEngine) AddInvoice(amt lnwire.MilliSatoshi,
	description string) (string, error) {

	args := m.Called(amt, description)

	return args.String(0), args.Error(1)
}

// PayInvoice records the call.
func (m *MockEngine) PayInvoice(payReq string, amt btcutil.Amount) error {
	args := m.Called(payReq, amt)

	return args.Error(0)
}

// SendPayment records the call.
func (m *MockEngine) SendPayment(req *SendPaymentRequest) error {
	args := m.Called(req)

	return args.Error(0)
}

// SetRefundAddressScript records the call.
func (m *MockEngine) SetRefundAddressScript(script []byte) error {
	args := m.Called(script)

	return args.Error(0)
}

// MaturingBalance returns the mocked balance.
func (m *MockEngine) MaturingBalance() (btcutil.Amount, error) {
	args := m.Called()

	return args.Get(0).(btcutil.Amount), args.Error(1)
}

// MaturingHeight returns the mocked height.
func (m *MockEngine) MaturingHeight() (uint32, error) {
	args := m.Called()

	return args.Get(0).(uint32), args.Error(1)
}

// Version returns the mocked version.
func (m *MockEngine) Version() (string, error) {
	args := m.Called()

	return args.String(0), args.Error(1)
}

// FireAnEvent records the call.
func (m *MockEngine) FireAnEvent() error {
	args := m.Called()

	return args.Error(0)
}

package chainsvc

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/mock"
)

// MockService is a mock implementation of ExternalService.
type MockService struct {
	mock.Mock
}

// A compile-time check to ensure MockService implements ExternalService.
var _ ExternalService = (*MockService)(nil)

// GetTipHeight returns the mocked tip height.
func (m *MockService) GetTipHeight(ctx context.Context) (uint32, error) {
	args := m.Called(ctx)

	return args.Get(0).(uint32), args.Error(1)
}

// GetBlockHash returns the mocked block hash.
func (m *MockService) GetBlockHash(ctx context.Context,
	height uint32) (*chainhash.Hash, error) {

	args := m.Called(ctx, height)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*chainhash.Hash), args.Error(1)
}

// GetBlockHeader returns the mocked block header.
func (m *MockService) GetBlockHeader(ctx context.Context,
	hash *chainhash.Hash) (string, error) {

	args := m.Called(ctx, hash)

	return args.String(0), args.Error(1)
}

// GetFeeEstimates returns the mocked fee estimates.
func (m *MockService) GetFeeEstimates(ctx context.Context) (*FeeEstimates,
	error) {

	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*FeeEstimates), args.Error(1)
}

// GetTransaction returns the mocked transaction record.
func (m *MockService) GetTransaction(ctx context.Context,
	txid string) (*TxRecord, error) {

	args := m.Called(ctx, txid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*TxRecord), args.Error(1)
}

// GetTransactionHex returns the mocked raw transaction.
func (m *MockService) GetTransactionHex(ctx context.Context,
	txid string) (string, error) {

	args := m.Called(ctx, txid)

	return args.String(0), args.Error(1)
}

// GetTransactionMerkleProof returns the mocked merkle proof.
func (m *MockService) GetTransactionMerkleProof(ctx context.Context,
	txid string) (*MerkleProof, error) {

	args := m.Called(ctx, txid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*MerkleProof), args.Error(1)
}

// GetAddressTransactions returns the mocked address history.
func (m *MockService) GetAddressTransactions(ctx context.Context,
	address string) ([]TxRecord, error) {

	args := m.Called(ctx, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]TxRecord), args.Error(1)
}

// BroadcastTransaction returns the mocked broadcast result.
func (m *MockService) BroadcastTransaction(ctx context.Context,
	txHex string) (string, error) {

	args := m.Called(ctx, txHex)

	return args.String(0), args.Error(1)
}

// ScriptToAddress returns the mocked address.
func (m *MockService) ScriptToAddress(script []byte) (string, error) {
	args := m.Called(script)

	return args.String(0), args.Error(1)
}

// DecodeInvoice returns the mocked invoice.
func (m *MockService) DecodeInvoice(payReq string) (*DecodedInvoice, error) {
	args := m.Called(payReq)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*DecodedInvoice), args.Error(1)
}

// QueryRoutes returns the mocked routes.
func (m *MockService) QueryRoutes(ctx context.Context,
	query *RouteQuery) (*RouteQueryResponse, error) {

	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*RouteQueryResponse), args.Error(1)
}

// GetChannelInfo returns the mocked channel graph entry.
func (m *MockService) GetChannelInfo(ctx context.Context,
	chanID lnwire.ShortChannelID) (*ChannelInfo, error) {

	args := m.Called(ctx, chanID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*ChannelInfo), args.Error(1)
}

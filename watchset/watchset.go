// Package watchset holds the outputs and transactions the payment engine has
// asked to be monitored on chain.
package watchset

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTxid is returned for txids that aren't valid hex of even length.
var ErrInvalidTxid = errors.New("invalid txid")

// Output is an output script registered for monitoring, for example a channel
// funding output.
type Output struct {
	// BlockHash is the block the output was created in, if known.
	BlockHash string

	// Index is the index of the output in its transaction.
	Index uint32

	// Script is the output's pkScript.
	Script []byte
}

// key identifies an output registration.
func (o *Output) key() string {
	return fmt.Sprintf("%s:%d:%x", o.BlockHash, o.Index, o.Script)
}

// Transaction is a transaction registered for monitoring.
type Transaction struct {
	// Txid is the transaction id in display (big-endian) byte order, the
	// form the chain data source expects.
	Txid string

	// Script is the output script of interest in the transaction.
	Script []byte
}

// ReverseTxid reverses the byte order of a hex encoded txid. It is used to
// turn the little-endian ids the payment engine emits into display order.
func ReverseTxid(txid string) (string, error) {
	if len(txid)%2 != 0 {
		return "", fmt.Errorf("%w: odd length %q", ErrInvalidTxid, txid)
	}

	b, err := hex.DecodeString(txid)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTxid, err)
	}

	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}

	return hex.EncodeToString(b), nil
}

// Set is the concurrency safe collection of registered outputs and
// transactions. Registrations are kept in arrival order and duplicates are
// ignored.
type Set struct {
	mu sync.RWMutex

	outputs    []Output
	outputKeys map[string]struct{}

	txs   []Transaction
	txIDs map[string]struct{}
}

// New returns an empty Set.
func New() *Set {
	return &Set{
		outputKeys: make(map[string]struct{}),
		txIDs:      make(map[string]struct{}),
	}
}

// RegisterOutput adds an output to the set. It returns false if the output
// was already registered.
func (s *Set) RegisterOutput(out Output) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := out.key()
	if _, ok := s.outputKeys[key]; ok {
		return false
	}

	out.Script = append([]byte(nil), out.Script...)
	s.outputs = append(s.outputs, out)
	s.outputKeys[key] = struct{}{}

	log.Debugf("Registered output %d of block %v, script=%x", out.Index,
		out.BlockHash, out.Script)

	return true
}

// RegisterTransaction adds a transaction to the set. The txid is expected in
// the little-endian order the payment engine uses and is stored reversed. It
// returns false if the transaction was already registered.
func (s *Set) RegisterTransaction(txidLE string, script []byte) (bool, error) {
	txid, err := ReverseTxid(txidLE)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txIDs[txid]; ok {
		return false, nil
	}

	s.txs = append(s.txs, Transaction{
		Txid:   txid,
		Script: append([]byte(nil), script...),
	})
	s.txIDs[txid] = struct{}{}

	log.Debugf("Registered transaction %v", txid)

	return true, nil
}

// Snapshot returns a copy of the registered outputs and transactions.
func (s *Set) Snapshot() ([]Output, []Transaction) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	outputs := make([]Output, len(s.outputs))
	copy(outputs, s.outputs)

	txs := make([]Transaction, len(s.txs))
	copy(txs, s.txs)

	return outputs, txs
}

// Len returns the number of registered outputs and transactions.
func (s *Set) Len() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.outputs), len(s.txs)
}

// Reset drops every registration. The payment engine registers everything
// again when it starts.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outputs = nil
	s.txs = nil
	s.outputKeys = make(map[string]struct{})
	s.txIDs = make(map[string]struct{})
}

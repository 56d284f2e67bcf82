package chainsync

import (
	"sort"
	"sync"
)

// ConfirmedTx is a confirmed transaction found during a cycle.
type ConfirmedTx struct {
	// Txid is the transaction id in display order.
	Txid string

	// RawTx is the serialized transaction.
	RawTx []byte
}

// ConfirmedEntry is a ConfirmedTx with its location in the chain.
type ConfirmedEntry struct {
	Height uint32
	Pos    uint32
	Tx     ConfirmedTx
}

// ConfirmedBlockIndex groups the confirmed transactions of a cycle by block
// height and position within the block. Writing the same location twice
// keeps the last write.
type ConfirmedBlockIndex struct {
	mu     sync.Mutex
	blocks map[uint32]map[uint32]ConfirmedTx
}

// NewConfirmedBlockIndex returns an empty index.
func NewConfirmedBlockIndex() *ConfirmedBlockIndex {
	return &ConfirmedBlockIndex{
		blocks: make(map[uint32]map[uint32]ConfirmedTx),
	}
}

// Add records tx at the given height and position.
func (c *ConfirmedBlockIndex) Add(height, pos uint32, tx ConfirmedTx) {
	c.mu.Lock()
	defer c.mu.Unlock()

	block, ok := c.blocks[height]
	if !ok {
		block = make(map[uint32]ConfirmedTx)
		c.blocks[height] = block
	}
	block[pos] = tx
}

// Len returns the number of indexed transactions.
func (c *ConfirmedBlockIndex) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for _, block := range c.blocks {
		n += len(block)
	}

	return n
}

// Sorted returns the indexed transactions in ascending height order, and by
// ascending position within the same height.
func (c *ConfirmedBlockIndex) Sorted() []ConfirmedEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]ConfirmedEntry, 0, len(c.blocks))
	for height, block := range c.blocks {
		for pos, tx := range block {
			entries = append(entries, ConfirmedEntry{
				Height: height,
				Pos:    pos,
				Tx:     tx,
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Height != entries[j].Height {
			return entries[i].Height < entries[j].Height
		}

		return entries[i].Pos < entries[j].Pos
	})

	return entries
}

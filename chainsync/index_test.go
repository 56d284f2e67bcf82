package chainsync

import (
	"fmt"
	"math"
	"sort"
	"testing"

	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestConfirmedBlockIndexLastWriteWins checks a location keeps the last
// transaction written to it.
func TestConfirmedBlockIndexLastWriteWins(t *testing.T) {
	t.Parallel()

	index := NewConfirmedBlockIndex()
	index.Add(10, 1, ConfirmedTx{Txid: "first"})
	index.Add(10, 1, ConfirmedTx{Txid: "second"})
	index.Add(9, 4, ConfirmedTx{Txid: "earlier"})

	require.Equal(t, 2, index.Len())
	require.Equal(t, []ConfirmedEntry{
		{Height: 9, Pos: 4, Tx: ConfirmedTx{Txid: "earlier"}},
		{Height: 10, Pos: 1, Tx: ConfirmedTx{Txid: "second"}},
	}, index.Sorted())
}

// TestConfirmedBlockIndexSorted checks Sorted orders arbitrary insertions by
// height and then position.
func TestConfirmedBlockIndexSorted(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		type loc struct{ height, pos uint32 }

		locs := rapid.SliceOf(rapid.Custom(func(t *rapid.T) loc {
			return loc{
				height: rapid.Uint32Range(0, 50).Draw(t, "h"),
				pos:    rapid.Uint32Range(0, 50).Draw(t, "p"),
			}
		})).Draw(t, "locs")

		index := NewConfirmedBlockIndex()
		unique := make(map[loc]struct{})
		for _, l := range locs {
			index.Add(l.height, l.pos, ConfirmedTx{
				Txid: fmt.Sprintf("%d:%d", l.height, l.pos),
			})
			unique[l] = struct{}{}
		}

		entries := index.Sorted()
		require.Len(t, entries, len(unique))
		require.True(t, sort.SliceIsSorted(entries, func(i, j int) bool {
			if entries[i].Height != entries[j].Height {
				return entries[i].Height < entries[j].Height
			}
			return entries[i].Pos < entries[j].Pos
		}))

		for _, e := range entries {
			require.Equal(t, fmt.Sprintf("%d:%d", e.Height, e.Pos),
				e.Tx.Txid)
		}
	})
}

// TestFeeRateFromSatPerVByte covers the sat/vB to sat/kw conversion.
func TestFeeRateFromSatPerVByte(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float64
		out  chainfee.SatPerKWeight
	}{
		{name: "below relay fee", in: 0.5, out: 253},
		{name: "relay fee", in: MinRelayFeeRate, out: 253},
		{name: "negative", in: -3, out: 253},
		{name: "not a number", in: math.NaN(), out: 253},
		{name: "whole", in: 2, out: 500},
		{name: "fraction", in: 10.5, out: 2625},
		{name: "rounded up", in: 1.5004, out: 376},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, test.out, FeeRateFromSatPerVByte(test.in))
		})
	}
}

// TestFeeRateMonotonic checks the conversion never goes below the floor and
// never decreases as the estimate grows.
func TestFeeRateMonotonic(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Float64Range(0, 1e6).Draw(t, "a")
		b := rapid.Float64Range(0, 1e6).Draw(t, "b")
		if a > b {
			a, b = b, a
		}

		feeA := FeeRateFromSatPerVByte(a)
		feeB := FeeRateFromSatPerVByte(b)

		require.GreaterOrEqual(t, feeA, chainfee.FeePerKwFloor)
		require.LessOrEqual(t, feeA, feeB)
	})
}

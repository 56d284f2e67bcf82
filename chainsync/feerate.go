package chainsync

import (
	"math"

	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	// MinRelayFeeRate is the lowest fee rate, in sat/vB, handed to the
	// engine.
	MinRelayFeeRate = 1.01

	// weightScale converts sat/vB to sat/kw.
	weightScale = 250
)

// FeeRateFromSatPerVByte converts an estimate in sat/vB to the sat/kw rate
// the engine expects. The estimate is clamped to MinRelayFeeRate and the
// result rounded up, never going below chainfee.FeePerKwFloor.
func FeeRateFromSatPerVByte(satPerVByte float64) chainfee.SatPerKWeight {
	if math.IsNaN(satPerVByte) || satPerVByte < MinRelayFeeRate {
		satPerVByte = MinRelayFeeRate
	}

	feeRate := chainfee.SatPerKWeight(math.Ceil(satPerVByte * weightScale))
	if feeRate < chainfee.FeePerKwFloor {
		feeRate = chainfee.FeePerKwFloor
	}

	return feeRate
}

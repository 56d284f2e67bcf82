package routegen

import (
	"math"
	"math/bits"

	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnmobile/chainsvc"
)

// feeRateParts is the denominator of the proportional fee rate.
const feeRateParts = 1_000_000

// FeeForHop returns the fee a node charges for forwarding amt under policy:
// base + amt*rate/1_000_000, rounded down. The result saturates instead of
// overflowing.
func FeeForHop(policy *chainsvc.RoutingPolicy,
	amt lnwire.MilliSatoshi) lnwire.MilliSatoshi {

	hi, lo := bits.Mul64(uint64(amt), uint64(policy.FeeRateMilliMsat))
	if hi >= feeRateParts {
		return math.MaxUint64
	}
	proportional, _ := bits.Div64(hi, lo, feeRateParts)

	fee, carry := bits.Add64(uint64(policy.FeeBaseMsat), proportional, 0)
	if carry != 0 {
		return math.MaxUint64
	}

	return lnwire.MilliSatoshi(fee)
}

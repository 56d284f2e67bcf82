package chainsvc

import (
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
)

// msat converts a signed millisatoshi amount received over RPC.
func msat(name string, v int64) (lnwire.MilliSatoshi, error) {
	if v < 0 {
		return 0, fmt.Errorf("negative %s: %d", name, v)
	}

	return lnwire.MilliSatoshi(v), nil
}

// unmarshallHop converts a single hop of a candidate route.
func unmarshallHop(hop *lnrpc.Hop) (*CandidateHop, error) {
	pubKey, err := route.NewVertexFromStr(hop.PubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid hop pubkey: %w", err)
	}

	amt, err := msat("amt_to_forward_msat", hop.AmtToForwardMsat)
	if err != nil {
		return nil, err
	}

	fee, err := msat("fee_msat", hop.FeeMsat)
	if err != nil {
		return nil, err
	}

	return &CandidateHop{
		ChannelID:        lnwire.NewShortChanIDFromInt(hop.ChanId),
		PubKey:           pubKey,
		AmtToForwardMsat: amt,
		FeeMsat:          fee,
		Expiry:           hop.Expiry,
	}, nil
}

// unmarshallRoutes converts a route query response.
func unmarshallRoutes(resp *lnrpc.QueryRoutesResponse) (*RouteQueryResponse,
	error) {

	routes := make([]CandidateRoute, 0, len(resp.Routes))
	for i, rpcRoute := range resp.Routes {
		candidate := CandidateRoute{
			Hops:          make([]CandidateHop, 0, len(rpcRoute.Hops)),
			TotalTimeLock: rpcRoute.TotalTimeLock,
		}

		var err error
		candidate.TotalAmtMsat, err = msat(
			"total_amt_msat", rpcRoute.TotalAmtMsat,
		)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		candidate.TotalFeesMsat, err = msat(
			"total_fees_msat", rpcRoute.TotalFeesMsat,
		)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}

		for _, rpcHop := range rpcRoute.Hops {
			hop, err := unmarshallHop(rpcHop)
			if err != nil {
				return nil, fmt.Errorf("route %d: %w", i, err)
			}
			candidate.Hops = append(candidate.Hops, *hop)
		}

		routes = append(routes, candidate)
	}

	return &RouteQueryResponse{
		Routes:      routes,
		SuccessProb: resp.SuccessProb,
	}, nil
}

// unmarshallPolicy converts a channel policy. A nil policy stays nil.
func unmarshallPolicy(p *lnrpc.RoutingPolicy) (*RoutingPolicy, error) {
	if p == nil {
		return nil, nil
	}

	if p.TimeLockDelta > math.MaxUint16 {
		return nil, fmt.Errorf("invalid time lock delta %d",
			p.TimeLockDelta)
	}

	base, err := msat("fee_base_msat", p.FeeBaseMsat)
	if err != nil {
		return nil, err
	}
	rate, err := msat("fee_rate_milli_msat", p.FeeRateMilliMsat)
	if err != nil {
		return nil, err
	}
	minHtlc, err := msat("min_htlc", p.MinHtlc)
	if err != nil {
		return nil, err
	}

	return &RoutingPolicy{
		TimeLockDelta:    uint16(p.TimeLockDelta),
		FeeBaseMsat:      base,
		FeeRateMilliMsat: rate,
		MinHtlcMsat:      minHtlc,
		MaxHtlcMsat:      lnwire.MilliSatoshi(p.MaxHtlcMsat),
		Disabled:         p.Disabled,
	}, nil
}

// unmarshallChannelEdge converts a channel graph entry.
func unmarshallChannelEdge(edge *lnrpc.ChannelEdge) (*ChannelInfo, error) {
	node1, err := route.NewVertexFromStr(edge.Node1Pub)
	if err != nil {
		return nil, fmt.Errorf("invalid node1 pubkey: %w", err)
	}
	node2, err := route.NewVertexFromStr(edge.Node2Pub)
	if err != nil {
		return nil, fmt.Errorf("invalid node2 pubkey: %w", err)
	}

	policy1, err := unmarshallPolicy(edge.Node1Policy)
	if err != nil {
		return nil, fmt.Errorf("node1 policy: %w", err)
	}
	policy2, err := unmarshallPolicy(edge.Node2Policy)
	if err != nil {
		return nil, fmt.Errorf("node2 policy: %w", err)
	}

	return &ChannelInfo{
		ChannelID:   lnwire.NewShortChanIDFromInt(edge.ChannelId),
		ChanPoint:   edge.ChanPoint,
		Capacity:    btcutil.Amount(edge.Capacity),
		Node1Pub:    node1,
		Node2Pub:    node2,
		Node1Policy: policy1,
		Node2Policy: policy2,
	}, nil
}

// Package routegen builds priced payment routes that leave the node through a
// given channel. Candidate paths and channel policies come from a routing
// data source.
package routegen

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/lnutils"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnmobile/chainsvc"
)

var (
	// ErrNoRoute is returned when the routing data source has no path to
	// the destination.
	ErrNoRoute = errors.New("no route found")

	// ErrChannelNotFound is returned when the graph entry of a channel on
	// the route can't be used to price it.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrChannelUnusable is returned if the outbound channel can't send.
	ErrChannelUnusable = errors.New("outbound channel not usable")

	// ErrInsufficientCapacity is returned if the outbound channel can't
	// carry the amount.
	ErrInsufficientCapacity = errors.New("insufficient outbound capacity")

	// ErrInvalidAmount is returned for a zero amount.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Request describes the route to build.
type Request struct {
	// Self is our own node.
	Self route.Vertex

	// Destination is the payee.
	Destination route.Vertex

	// AmountMsat is the amount the payee must receive.
	AmountMsat lnwire.MilliSatoshi

	// Outbound is the mandatory first hop.
	Outbound *OutboundChannel
}

// Generator builds payment routes. Calls to Generate are independent and may
// run concurrently.
type Generator struct {
	graph chainsvc.GraphService
}

// NewGenerator creates a Generator backed by the given routing data source.
func NewGenerator(graph chainsvc.GraphService) *Generator {
	return &Generator{graph: graph}
}

// channelInfo fetches a graph entry, mapping every failure to
// ErrChannelNotFound.
func (g *Generator) channelInfo(ctx context.Context,
	chanID lnwire.ShortChannelID) (*chainsvc.ChannelInfo, error) {

	info, err := g.graph.GetChannelInfo(ctx, chanID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrChannelNotFound, chanID,
			err)
	}

	return info, nil
}

// hopPolicy returns the policy for forwarding over info towards hopDest.
func hopPolicy(info *chainsvc.ChannelInfo,
	hopDest route.Vertex) (*chainsvc.RoutingPolicy, error) {

	policy, err := info.PolicyFor(hopDest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelNotFound, err)
	}

	return policy, nil
}

// Generate builds a route for req. The first hop always goes to the
// outbound channel's counterparty. The final hop's fee field carries the
// payment amount.
func (g *Generator) Generate(ctx context.Context,
	req *Request) (*PaymentRoute, error) {

	switch {
	case req.AmountMsat == 0:
		return nil, ErrInvalidAmount

	case !req.Outbound.IsUsable:
		return nil, fmt.Errorf("%w: %v", ErrChannelUnusable,
			req.Outbound.ShortChannelID)

	case req.Outbound.OutboundCapacityMsat < req.AmountMsat:
		return nil, fmt.Errorf("%w: channel %v has %v, need %v",
			ErrInsufficientCapacity, req.Outbound.ShortChannelID,
			req.Outbound.OutboundCapacityMsat, req.AmountMsat)
	}

	peer := req.Outbound.Counterparty

	firstHop, err := g.channelInfo(ctx, req.Outbound.ShortChannelID)
	if err != nil {
		return nil, err
	}

	connects := (firstHop.Node1Pub == req.Self && firstHop.Node2Pub == peer) ||
		(firstHop.Node2Pub == req.Self && firstHop.Node1Pub == peer)
	if !connects {
		return nil, fmt.Errorf("%w: channel %v doesn't connect %v to %v",
			ErrChannelNotFound, req.Outbound.ShortChannelID,
			req.Self, peer)
	}

	firstHopPolicy, err := hopPolicy(firstHop, peer)
	if err != nil {
		return nil, err
	}

	paymentRoute := &PaymentRoute{
		Destination:      req.Destination,
		ShortChannelID:   req.Outbound.ShortChannelID,
		PaymentValueMsat: req.AmountMsat,
	}

	// Paying our own peer doesn't involve any forwarding fee.
	if peer == req.Destination {
		paymentRoute.Hops = []RouteHop{{
			PubKey:          peer,
			ShortChannelID:  req.Outbound.ShortChannelID,
			FeeMsat:         req.AmountMsat,
			CltvExpiryDelta: firstHopPolicy.TimeLockDelta,
		}}

		log.Debugf("Built direct route to %v over %v", peer,
			req.Outbound.ShortChannelID)

		return paymentRoute, nil
	}

	resp, err := g.graph.QueryRoutes(ctx, &chainsvc.RouteQuery{
		Source:      peer,
		Destination: req.Destination,
		AmountMsat:  req.AmountMsat,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to query routes: %w", err)
	}
	if len(resp.Routes) == 0 || len(resp.Routes[0].Hops) == 0 {
		return nil, fmt.Errorf("%w: from %v to %v for %v", ErrNoRoute,
			peer, req.Destination, req.AmountMsat)
	}

	candidate := resp.Routes[0]
	log.Tracef("Using candidate route: %v",
		lnutils.SpewLogClosure(candidate))

	hops := make([]RouteHop, 0, len(candidate.Hops)+1)
	hops = append(hops, RouteHop{
		PubKey:          peer,
		ShortChannelID:  req.Outbound.ShortChannelID,
		FeeMsat:         FeeForHop(firstHopPolicy, req.AmountMsat),
		CltvExpiryDelta: firstHopPolicy.TimeLockDelta,
	})

	for _, hop := range candidate.Hops {
		info, err := g.channelInfo(ctx, hop.ChannelID)
		if err != nil {
			return nil, err
		}

		policy, err := hopPolicy(info, hop.PubKey)
		if err != nil {
			return nil, err
		}

		hops = append(hops, RouteHop{
			PubKey:          hop.PubKey,
			ShortChannelID:  info.ChannelID,
			FeeMsat:         FeeForHop(policy, hop.AmtToForwardMsat),
			CltvExpiryDelta: policy.TimeLockDelta,
		})
	}

	hops[len(hops)-1].FeeMsat = req.AmountMsat
	paymentRoute.Hops = hops

	log.Debugf("Built %d hop route to %v over %v", len(hops),
		req.Destination, req.Outbound.ShortChannelID)

	return paymentRoute, nil
}

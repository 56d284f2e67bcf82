package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnmobile/routegen"
	"github.com/urfave/cli"
)

var buildRouteCommand = cli.Command{
	Name:     "buildroute",
	Category: "Payments",
	Usage:    "Build a priced route leaving through a given channel.",
	Description: `
	Query the graph of the configured lnd for a path from the peer of the
	outgoing channel to the destination and price every hop with the
	forwarding policies of the channels along it. The destination and
	amount are taken from the payment request if one is given.

	Requires lnd.host and lnd.macaroonpath.`,
	Action: buildRoute,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "pay_req",
			Usage: "a payment request to build the route for",
		},
		cli.StringFlag{
			Name:  "dest",
			Usage: "the hex pubkey of the destination",
		},
		cli.Int64Flag{
			Name:  "amt",
			Usage: "the amount the destination receives in satoshis",
		},
		cli.StringFlag{
			Name:  "self",
			Usage: "the hex pubkey of the paying node",
		},
		cli.Uint64Flag{
			Name: "outgoing_chan_id",
			Usage: "short channel id of the outgoing channel to " +
				"use for the first hop of the payment",
		},
		cli.StringFlag{
			Name:  "peer",
			Usage: "the hex pubkey of the outgoing channel's peer",
		},
		cli.Int64Flag{
			Name: "outbound_msat",
			Usage: "the outbound capacity of the outgoing channel, " +
				"defaults to twice the amount",
		},
	},
}

type routeHopResp struct {
	PubKey          string `json:"pubkey"`
	ChanID          string `json:"chan_id"`
	FeeMsat         uint64 `json:"fee_msat"`
	CltvExpiryDelta uint16 `json:"cltv_expiry_delta"`
}

type buildRouteResp struct {
	Destination string         `json:"destination"`
	FirstHop    string         `json:"first_hop"`
	AmountMsat  uint64         `json:"amount_msat"`
	TotalFees   uint64         `json:"total_fees_msat"`
	Hops        []routeHopResp `json:"hops"`
}

// parseVertex parses the hex pubkey of the named flag.
func parseVertex(ctx *cli.Context, name string) (route.Vertex, error) {
	if !ctx.IsSet(name) {
		return route.Vertex{}, fmt.Errorf("%v required", name)
	}

	vertex, err := route.NewVertexFromStr(ctx.String(name))
	if err != nil {
		return route.Vertex{}, fmt.Errorf("error parsing %v: %w", name,
			err)
	}

	return vertex, nil
}

func newBuildRouteResp(r *routegen.PaymentRoute) *buildRouteResp {
	resp := &buildRouteResp{
		Destination: r.Destination.String(),
		FirstHop:    strconv.FormatUint(r.ShortChannelID.ToUint64(), 10),
		AmountMsat:  uint64(r.PaymentValueMsat),
		Hops:        make([]routeHopResp, 0, len(r.Hops)),
	}

	for i, hop := range r.Hops {
		resp.Hops = append(resp.Hops, routeHopResp{
			PubKey:          hop.PubKey.String(),
			ChanID:          hop.ShortChannelID.String(),
			FeeMsat:         uint64(hop.FeeMsat),
			CltvExpiryDelta: hop.CltvExpiryDelta,
		})

		// The final hop carries the payment itself.
		if i < len(r.Hops)-1 {
			resp.TotalFees += uint64(hop.FeeMsat)
		}
	}

	return resp
}

func buildRoute(ctx *cli.Context) error {
	ctxc := getState(ctx).ctx

	self, err := parseVertex(ctx, "self")
	if err != nil {
		return err
	}

	peer, err := parseVertex(ctx, "peer")
	if err != nil {
		return err
	}

	if !ctx.IsSet("outgoing_chan_id") {
		return errors.New("outgoing_chan_id required")
	}

	service, _, cleanup, err := getService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	var (
		dest    route.Vertex
		amtMsat lnwire.MilliSatoshi
	)
	switch {
	case ctx.IsSet("pay_req"):
		invoice, err := service.DecodeInvoice(
			strings.TrimSpace(ctx.String("pay_req")),
		)
		if err != nil {
			return err
		}

		dest = invoice.Payee
		amtMsat = invoice.AmountMsat.UnwrapOr(0)
		if ctx.IsSet("amt") {
			amtMsat = lnwire.NewMSatFromSatoshis(
				btcutil.Amount(ctx.Int64("amt")),
			)
		}

	default:
		dest, err = parseVertex(ctx, "dest")
		if err != nil {
			return err
		}

		amtMsat = lnwire.NewMSatFromSatoshis(
			btcutil.Amount(ctx.Int64("amt")),
		)
	}

	if amtMsat == 0 {
		return errors.New("non-zero amount required")
	}

	outbound := lnwire.MilliSatoshi(ctx.Int64("outbound_msat"))
	if !ctx.IsSet("outbound_msat") {
		outbound = amtMsat * 2
	}

	paymentRoute, err := routegen.NewGenerator(service).Generate(
		ctxc, &routegen.Request{
			Self:        self,
			Destination: dest,
			AmountMsat:  amtMsat,
			Outbound: &routegen.OutboundChannel{
				ShortChannelID: lnwire.NewShortChanIDFromInt(
					ctx.Uint64("outgoing_chan_id"),
				),
				Counterparty:         peer,
				IsUsable:             true,
				OutboundCapacityMsat: outbound,
			},
		},
	)
	if err != nil {
		return err
	}

	return printJSON(ctx.App.Writer, newBuildRouteResp(paymentRoute))
}

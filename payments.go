package lnmobile

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnutils"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnmobile/chainsync"
	"github.com/lightningnetwork/lnmobile/lnengine"
	"github.com/lightningnetwork/lnmobile/monitoring"
	"github.com/lightningnetwork/lnmobile/routegen"
)

var (
	// ErrNoUsableChannels is returned when no channel can carry a
	// payment.
	ErrNoUsableChannels = errors.New("no usable channels")

	// ErrInvoiceNoAmount is returned for zero amount invoices, which
	// can't be paid along a generated route.
	ErrInvoiceNoAmount = errors.New("invoice doesn't have an amount")

	// ErrNoPaymentSecret is returned for invoices without a payment
	// secret.
	ErrNoPaymentSecret = errors.New("invoice has no payment secret")
)

// outboundChannel returns the first usable channel the routing data source
// knows about.
func (n *Node) outboundChannel(ctx context.Context,
	channels []lnengine.ChannelDetails) (*routegen.OutboundChannel, error) {

	for i := range channels {
		outbound, err := routegen.OutboundFromDetails(&channels[i])
		if err != nil {
			log.Debugf("Skipping channel %v: %v",
				channels[i].ChannelID, err)
			continue
		}

		_, err = n.cfg.Service.GetChannelInfo(ctx, outbound.ShortChannelID)
		if err != nil {
			log.Debugf("Channel %v unknown to graph: %v",
				outbound.ShortChannelID, err)
			continue
		}

		return outbound, nil
	}

	return nil, ErrNoUsableChannels
}

// SendPayment pays a BOLT11 invoice along a route built from the routing
// data source. The invoice must carry an amount.
func (n *Node) SendPayment(ctx context.Context, payReq string) error {
	if err := n.requireStarted(); err != nil {
		return err
	}

	n.record("sending payment %v", payReq)

	if err := n.reconciler.UpdateBestBlock(ctx); err != nil {
		return err
	}

	channels, err := n.cfg.Engine.ListUsableChannels()
	if err != nil {
		return fmt.Errorf("unable to list usable channels: %w", err)
	}
	if len(channels) == 0 {
		return ErrNoUsableChannels
	}

	outbound, err := n.outboundChannel(ctx, channels)
	if err != nil {
		return err
	}

	invoice, err := n.cfg.Service.DecodeInvoice(payReq)
	if err != nil {
		return err
	}

	amt, err := invoice.AmountMsat.UnwrapOrErr(ErrInvoiceNoAmount)
	if err != nil {
		log.Warnf("Cannot send payment: %v", err)
		return err
	}

	secret, err := invoice.PaymentSecret.UnwrapOrErr(ErrNoPaymentSecret)
	if err != nil {
		return err
	}

	self, err := n.cfg.Engine.NodeID()
	if err != nil {
		return fmt.Errorf("unable to fetch node id: %w", err)
	}

	paymentRoute, err := n.routes.Generate(ctx, &routegen.Request{
		Self:        self,
		Destination: invoice.Payee,
		AmountMsat:  amt,
		Outbound:    outbound,
	})
	if err != nil {
		n.cfg.Metrics.PaymentResult(monitoring.PaymentNoRoute)
		return err
	}

	hopsJSON, err := paymentRoute.HopsJSON()
	if err != nil {
		return err
	}

	log.Debugf("Paying %v along route: %v", invoice.Payee,
		lnutils.SpewLogClosure(paymentRoute))

	return n.cfg.Engine.SendPayment(&lnengine.SendPaymentRequest{
		Destination:        invoice.Payee,
		PaymentHash:        invoice.PaymentHash,
		PaymentSecret:      secret,
		FirstHop:           paymentRoute.ShortChannelID,
		AmountMsat:         paymentRoute.PaymentValueMsat,
		MinFinalCLTVExpiry: invoice.MinFinalCLTVExpiry,
		HopsJSON:           hopsJSON,
	})
}

// PayInvoice pays an invoice using the engine's own pathfinding. amt is only
// used for zero amount invoices.
func (n *Node) PayInvoice(payReq string, amt btcutil.Amount) error {
	if err := n.requireStarted(); err != nil {
		return err
	}

	n.record("paying invoice %v", payReq)

	return n.cfg.Engine.PayInvoice(payReq, amt)
}

// AddInvoice creates an invoice for amt.
func (n *Node) AddInvoice(amt lnwire.MilliSatoshi,
	description string) (string, error) {

	if err := n.requireStarted(); err != nil {
		return "", err
	}

	n.record("adding invoice for %v, description=%v", amt, description)

	return n.cfg.Engine.AddInvoice(amt, description)
}

// SetFeerate passes fee rates in sat/vB to the engine.
func (n *Node) SetFeerate(fast, medium, slow float64) error {
	n.record("setting feerate fast=%v, medium=%v, slow=%v", fast, medium,
		slow)

	return n.cfg.Engine.SetFeerate(
		chainsync.FeeRateFromSatPerVByte(fast),
		chainsync.FeeRateFromSatPerVByte(medium),
		chainsync.FeeRateFromSatPerVByte(slow),
	)
}

// SentPayments returns the successful outgoing payments reported so far.
func (n *Node) SentPayments() []PaymentSent {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]PaymentSent(nil), n.sentPayments...)
}

// ReceivedPayments returns the incoming payments reported so far.
func (n *Node) ReceivedPayments() []PaymentReceived {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]PaymentReceived(nil), n.receivedPayments...)
}

// FailedPayments returns the failed outgoing payments reported so far.
func (n *Node) FailedPayments() []PaymentFailed {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]PaymentFailed(nil), n.failedPayments...)
}

// FailedPathPayments returns the payment path failures reported so far.
func (n *Node) FailedPathPayments() []PaymentPathFailed {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]PaymentPathFailed(nil), n.failedPathPayments...)
}

package chainsvc

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lnutils"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnd/zpay32"
)

// ErrNoPaymentHash is returned for invoices without a payment hash.
var ErrNoPaymentHash = errors.New("invoice has no payment hash")

// ScriptToAddress encodes an output script as an address of the configured
// network. Scripts that don't resolve to exactly one address are rejected.
func (s *Service) ScriptToAddress(script []byte) (string, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(
		script, s.cfg.ChainParams,
	)
	if err != nil {
		return "", fmt.Errorf("unable to parse script: %w", err)
	}

	if len(addrs) != 1 {
		return "", fmt.Errorf("script %x has %d addresses, expected 1",
			script, len(addrs))
	}

	return addrs[0].EncodeAddress(), nil
}

// DecodeInvoice decodes a BOLT11 payment request for the configured network.
func (s *Service) DecodeInvoice(payReq string) (*DecodedInvoice, error) {
	invoice, err := zpay32.Decode(payReq, s.cfg.ChainParams)
	if err != nil {
		return nil, fmt.Errorf("unable to decode invoice: %w", err)
	}

	if invoice.PaymentHash == nil {
		return nil, ErrNoPaymentHash
	}

	decoded := &DecodedInvoice{
		PaymentHash:        *invoice.PaymentHash,
		PaymentSecret:      invoice.PaymentAddr,
		MinFinalCLTVExpiry: invoice.MinFinalCLTVExpiry(),
		Timestamp:          invoice.Timestamp,
		Expiry:             invoice.Expiry(),
	}

	if invoice.Destination != nil {
		decoded.Payee = route.NewVertex(invoice.Destination)
	}

	if invoice.MilliSat != nil {
		decoded.AmountMsat = fn.Some(*invoice.MilliSat)
	} else {
		decoded.AmountMsat = fn.None[lnwire.MilliSatoshi]()
	}

	if invoice.Description != nil {
		decoded.Description = *invoice.Description
	}

	log.Tracef("Decoded invoice: %v", lnutils.SpewLogClosure(decoded))

	return decoded, nil
}

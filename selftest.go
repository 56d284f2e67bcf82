package lnmobile

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnmobile/chainsvc"
)

const (
	// selfTestInvoice is a mainnet invoice for 222000 msat.
	//
	//nolint:lll
	selfTestInvoice = "lnbc2220n1psvm6rhpp53pxqkcq4j9hxjy5vtsll0rhykqzyjch2gkvlfv5mfdsyul5rnk5sdqqcqzpgsp5qwfm205gklcnf5jqnvpdl22p48adr4hkpscxedrltr7yc29tfv7s9qyyssqeff7chcx08ndxl3he8vgmy7up3z8drd7j0xn758gwkjyfk6ncqesa4hj36r26q68jfpvj0555fr77hhvhtczhh0h9rahdhgtcpj2fpgplfsqg0"

	selfTestInvoiceAmount = lnwire.MilliSatoshi(222_000)

	// selfTestEventLine is the line of the engine's test log event.
	selfTestEventLine = "test"

	// selfTestEventWait is the time the engine has to deliver its test
	// event.
	selfTestEventWait = 200 * time.Millisecond
)

// selfTestScripts maps mainnet output scripts to their addresses.
var selfTestScripts = []struct {
	script  string
	address string
}{
	{
		script:  "0020ff3eee58d5a55baa44dc10862ebd50bc16e4aade5501a0339c5c20c64478dc0f",
		address: "bc1qlulwukx454d653xuzzrza02shstwf2k725q6qvuutssvv3rcms8sarxvad",
	},
	{
		script:  "00143ada446d4196f67e4a83a9168dd751f9c69c2f94",
		address: "bc1q8tdygm2pjmm8uj5r4ytgm463l8rfctu5d50yyu",
	},
}

// SelfTest checks invoice decoding and address encoding against known
// mainnet values. Unless skipEvents is set, it also checks that a test event
// of the engine reaches the node's log. The node's log is cleared first in
// that case.
func (n *Node) SelfTest(ctx context.Context, skipEvents bool) error {
	mainnet := chainsvc.New(&chainsvc.Config{
		ChainParams: &chaincfg.MainNetParams,
	})

	invoice, err := mainnet.DecodeInvoice(selfTestInvoice)
	if err != nil {
		return fmt.Errorf("self test: %w", err)
	}

	amt := invoice.AmountMsat.UnwrapOr(0)
	if amt != selfTestInvoiceAmount {
		return fmt.Errorf("self test: decoded amount %v, expected %v",
			amt, selfTestInvoiceAmount)
	}

	for _, test := range selfTestScripts {
		script, err := hex.DecodeString(test.script)
		if err != nil {
			return err
		}

		addr, err := mainnet.ScriptToAddress(script)
		if err != nil {
			return fmt.Errorf("self test: %w", err)
		}
		if addr != test.address {
			return fmt.Errorf("self test: script %v encoded as %v, "+
				"expected %v", test.script, addr, test.address)
		}
	}

	if skipEvents {
		return nil
	}

	if err := n.requireStarted(); err != nil {
		return err
	}

	n.CleanLogs()
	if err := n.cfg.Engine.FireAnEvent(); err != nil {
		return fmt.Errorf("self test: %w", err)
	}

	select {
	case <-n.cfg.Clock.TickAfter(selfTestEventWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, entry := range n.Logs() {
		if entry.Line == selfTestEventLine {
			return nil
		}
	}

	return fmt.Errorf("self test: test event not found in %d log "+
		"entries", len(n.Logs()))
}

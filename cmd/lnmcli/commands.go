package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnmobile/chainsync"
	"github.com/urfave/cli"
)

func printJSON(w io.Writer, resp interface{}) error {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

// firstArg returns the positional argument or the flag of the same name.
func firstArg(ctx *cli.Context, name string) (string, error) {
	switch {
	case ctx.IsSet(name):
		return ctx.String(name), nil

	case ctx.Args().Present():
		return ctx.Args().First(), nil

	default:
		return "", fmt.Errorf("%v argument missing", name)
	}
}

var chainInfoCommand = cli.Command{
	Name:     "chaininfo",
	Category: "Chain",
	Usage:    "Show the chain tip and the current fee estimates.",
	Action:   chainInfo,
}

type feeRateResp struct {
	SatPerVByte float64 `json:"sat_per_vbyte"`
	SatPerKw    int64   `json:"sat_per_kw"`
}

func newFeeRateResp(satPerVByte float64) feeRateResp {
	return feeRateResp{
		SatPerVByte: satPerVByte,
		SatPerKw: int64(
			chainsync.FeeRateFromSatPerVByte(satPerVByte),
		),
	}
}

type chainInfoResp struct {
	Height    uint32      `json:"height"`
	BlockHash string      `json:"block_hash"`
	HeaderHex string      `json:"header"`
	FeeFast   feeRateResp `json:"fee_fast"`
	FeeMedium feeRateResp `json:"fee_medium"`
	FeeSlow   feeRateResp `json:"fee_slow"`
	HasGraph  bool        `json:"has_graph"`
	Network   string      `json:"network"`
}

func chainInfo(ctx *cli.Context) error {
	ctxc := getState(ctx).ctx

	service, cfg, cleanup, err := getService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	height, err := service.GetTipHeight(ctxc)
	if err != nil {
		return fmt.Errorf("unable to fetch tip height: %w", err)
	}

	hash, err := service.GetBlockHash(ctxc, height)
	if err != nil {
		return fmt.Errorf("unable to fetch tip hash: %w", err)
	}

	header, err := service.GetBlockHeader(ctxc, hash)
	if err != nil {
		return fmt.Errorf("unable to fetch tip header: %w", err)
	}

	fees, err := service.GetFeeEstimates(ctxc)
	if err != nil {
		return fmt.Errorf("unable to fetch fee estimates: %w", err)
	}

	return printJSON(ctx.App.Writer, &chainInfoResp{
		Height:    height,
		BlockHash: hash.String(),
		HeaderHex: header,
		FeeFast:   newFeeRateResp(fees.Fast),
		FeeMedium: newFeeRateResp(fees.Medium),
		FeeSlow:   newFeeRateResp(fees.Slow),
		HasGraph:  cfg.Lnd.Host != "",
		Network:   cfg.ActiveNetParams.Name,
	})
}

var txStatusCommand = cli.Command{
	Name:      "txstatus",
	Category:  "Chain",
	Usage:     "Show the confirmation status of a transaction.",
	ArgsUsage: "txid",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "txid",
			Usage: "the txid in display order",
		},
	},
	Action: txStatus,
}

type txStatusResp struct {
	Txid        string   `json:"txid"`
	Confirmed   bool     `json:"confirmed"`
	BlockHeight uint32   `json:"block_height,omitempty"`
	BlockHash   string   `json:"block_hash,omitempty"`
	Pos         *uint32  `json:"pos,omitempty"`
	Merkle      []string `json:"merkle,omitempty"`
}

func txStatus(ctx *cli.Context) error {
	ctxc := getState(ctx).ctx

	txid, err := firstArg(ctx, "txid")
	if err != nil {
		_ = cli.ShowCommandHelp(ctx, "txstatus")
		return err
	}

	if _, err := chainhash.NewHashFromStr(txid); err != nil {
		return fmt.Errorf("invalid txid: %w", err)
	}

	service, _, cleanup, err := getService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	record, err := service.GetTransaction(ctxc, txid)
	if err != nil {
		return err
	}

	resp := &txStatusResp{
		Txid:        record.Txid,
		Confirmed:   record.Status.Confirmed,
		BlockHeight: record.Status.BlockHeight,
		BlockHash:   record.Status.BlockHash,
	}

	if resp.Confirmed {
		proof, err := service.GetTransactionMerkleProof(ctxc, txid)
		if err != nil {
			return fmt.Errorf("unable to fetch merkle proof: %w",
				err)
		}

		resp.Pos = &proof.Pos
		resp.Merkle = proof.Merkle
	}

	return printJSON(ctx.App.Writer, resp)
}

var scriptToAddressCommand = cli.Command{
	Name:      "scripttoaddress",
	Category:  "Chain",
	Usage:     "Encode an output script as an address of the network.",
	ArgsUsage: "script",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "script",
			Usage: "the hex encoded output script",
		},
	},
	Action: scriptToAddress,
}

func scriptToAddress(ctx *cli.Context) error {
	scriptHex, err := firstArg(ctx, "script")
	if err != nil {
		_ = cli.ShowCommandHelp(ctx, "scripttoaddress")
		return err
	}

	script, err := hex.DecodeString(scriptHex)
	if err != nil {
		return fmt.Errorf("invalid script: %w", err)
	}

	service, _, cleanup, err := getService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	addr, err := service.ScriptToAddress(script)
	if err != nil {
		return err
	}

	return printJSON(ctx.App.Writer, map[string]string{"address": addr})
}

var broadcastCommand = cli.Command{
	Name:      "broadcast",
	Category:  "Chain",
	Usage:     "Publish a signed transaction.",
	ArgsUsage: "tx",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "tx",
			Usage: "the hex encoded transaction",
		},
	},
	Action: broadcast,
}

func broadcast(ctx *cli.Context) error {
	ctxc := getState(ctx).ctx

	txHex, err := firstArg(ctx, "tx")
	if err != nil {
		_ = cli.ShowCommandHelp(ctx, "broadcast")
		return err
	}

	service, _, cleanup, err := getService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	txid, err := service.BroadcastTransaction(
		ctxc, strings.TrimSpace(txHex),
	)
	if err != nil {
		return err
	}

	return printJSON(ctx.App.Writer, map[string]string{"txid": txid})
}

var decodeInvoiceCommand = cli.Command{
	Name:      "decodeinvoice",
	Category:  "Payments",
	Usage:     "Decode a BOLT11 payment request.",
	ArgsUsage: "pay_req",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "pay_req",
			Usage: "the bech32 encoded payment request",
		},
	},
	Action: decodeInvoice,
}

type decodedInvoiceResp struct {
	Payee              string `json:"payee"`
	AmountMsat         uint64 `json:"amount_msat"`
	PaymentHash        string `json:"payment_hash"`
	PaymentSecret      string `json:"payment_secret,omitempty"`
	MinFinalCLTVExpiry uint64 `json:"min_final_cltv_expiry"`
	Description        string `json:"description,omitempty"`
	Timestamp          int64  `json:"timestamp"`
	Expiry             int64  `json:"expiry"`
}

func decodeInvoice(ctx *cli.Context) error {
	payReq, err := firstArg(ctx, "pay_req")
	if err != nil {
		_ = cli.ShowCommandHelp(ctx, "decodeinvoice")
		return err
	}

	service, _, cleanup, err := getService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	invoice, err := service.DecodeInvoice(strings.TrimSpace(payReq))
	if err != nil {
		return err
	}

	resp := &decodedInvoiceResp{
		Payee:              invoice.Payee.String(),
		AmountMsat:         uint64(invoice.AmountMsat.UnwrapOr(0)),
		PaymentHash:        hex.EncodeToString(invoice.PaymentHash[:]),
		MinFinalCLTVExpiry: invoice.MinFinalCLTVExpiry,
		Description:        invoice.Description,
		Timestamp:          invoice.Timestamp.Unix(),
		Expiry:             int64(invoice.Expiry.Seconds()),
	}
	invoice.PaymentSecret.WhenSome(func(secret [32]byte) {
		resp.PaymentSecret = hex.EncodeToString(secret[:])
	})

	return printJSON(ctx.App.Writer, resp)
}

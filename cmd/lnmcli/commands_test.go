package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnmobile/chainsvc"
	"github.com/lightningnetwork/lnmobile/chainsync"
	"github.com/lightningnetwork/lnmobile/lnengine"
	"github.com/lightningnetwork/lnmobile/watchset"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

const defaultTimeout = 5 * time.Second

// runApp runs the app with the given arguments against a regtest Esplora
// server and returns what it printed.
func runApp(t *testing.T, srvURL string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	app := newApp()
	app.Writer = &out

	err := app.Run(append([]string{
		"lnmcli", "--appdir=" + t.TempDir(), "--network=regtest",
		"--esplora.url=" + srvURL, "--debuglevel=critical",
	}, args...))

	return out.String(), err
}

func TestConfigArgs(t *testing.T) {
	var args []string

	app := newApp()
	app.Commands = []cli.Command{{
		Name: "capture",
		Action: func(ctx *cli.Context) error {
			args = configArgs(ctx)
			return nil
		},
	}}

	err := app.Run([]string{
		"lnmcli", "-n", "signet", "--esplora.url=http://localhost:3002",
		"capture",
	})
	require.NoError(t, err)

	require.Equal(t, []string{
		"--logging.file.disable",
		"--network=signet",
		"--debuglevel=" + defaultDebugLevel,
		"--esplora.url=http://localhost:3002",
	}, args)
}

// testHeader returns a regtest block header and its hash.
func testHeader(t *testing.T) (string, chainhash.Hash) {
	t.Helper()

	header := wire.BlockHeader{
		Version:   4,
		Timestamp: time.Unix(1700000000, 0),
		Bits:      0x207fffff,
		Nonce:     7,
	}

	var b bytes.Buffer
	require.NoError(t, header.Serialize(&b))

	return hex.EncodeToString(b.Bytes()), header.BlockHash()
}

func TestChainInfo(t *testing.T) {
	headerHex, hash := testHeader(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter,
		_ *http.Request) {

		fmt.Fprint(w, "321")
	})
	mux.HandleFunc("/block-height/321", func(w http.ResponseWriter,
		_ *http.Request) {

		fmt.Fprint(w, hash.String())
	})
	mux.HandleFunc("/block/"+hash.String()+"/header", func(
		w http.ResponseWriter, _ *http.Request) {

		fmt.Fprint(w, headerHex)
	})
	mux.HandleFunc("/fee-estimates", func(w http.ResponseWriter,
		_ *http.Request) {

		fmt.Fprint(w, `{"1":20,"2":10,"6":2.5,"144":0.5}`)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := runApp(t, srv.URL, "chaininfo")
	require.NoError(t, err)

	var resp chainInfoResp
	require.NoError(t, json.Unmarshal([]byte(out), &resp))

	require.Equal(t, uint32(321), resp.Height)
	require.Equal(t, hash.String(), resp.BlockHash)
	require.Equal(t, headerHex, resp.HeaderHex)
	require.Equal(t, int64(2500), resp.FeeFast.SatPerKw)
	require.Equal(t, int64(625), resp.FeeMedium.SatPerKw)
	require.Equal(t, int64(chainfee.FeePerKwFloor), resp.FeeSlow.SatPerKw)
	require.False(t, resp.HasGraph)
	require.Equal(t, chaincfg.RegressionNetParams.Name, resp.Network)
}

func TestScriptToAddress(t *testing.T) {
	pkHash := bytes.Repeat([]byte{0x11}, 20)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		pkHash, &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	script := "0014" + hex.EncodeToString(pkHash)

	// The address is derived locally, the server is never queried.
	out, err := runApp(t, "http://127.0.0.1:1", "scripttoaddress", script)
	require.NoError(t, err)
	require.JSONEq(t, fmt.Sprintf(`{"address":%q}`, addr.EncodeAddress()),
		out)

	_, err = runApp(t, "http://127.0.0.1:1", "scripttoaddress", "zz")
	require.Error(t, err)
}

func TestParseWatchSet(t *testing.T) {
	const txid = "8a9a1ee7ab0a4ae8b2aa6b40fc4f8fc9e0ab7f1e8fe4cf9ad7b3a7e1b0d1e2f3"

	var (
		set    *watchset.Set
		setErr error
	)

	run := func(args ...string) {
		app := cli.NewApp()
		app.Commands = []cli.Command{{
			Name:  "parse",
			Flags: watchFlags,
			Action: func(ctx *cli.Context) error {
				set, setErr = parseWatchSet(ctx)
				return nil
			},
		}}

		err := app.Run(append([]string{"lnmcli", "parse"}, args...))
		require.NoError(t, err)
	}

	run("--tx", txid, "--tx", txid, "--script", "0014aabb")
	require.NoError(t, setErr)

	outputs, txs := set.Snapshot()
	require.Len(t, txs, 1)
	require.Equal(t, txid, txs[0].Txid)
	require.Len(t, outputs, 1)
	require.Equal(t, []byte{0x00, 0x14, 0xaa, 0xbb}, outputs[0].Script)

	run("--tx", "nothex")
	require.Error(t, setErr)

	run("--script", "0x14")
	require.Error(t, setErr)
}

// testTx returns a serialized transaction and its txid.
func testTx(t *testing.T) (string, string) {
	t.Helper()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 1},
	})
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x51}})

	var b bytes.Buffer
	require.NoError(t, tx.Serialize(&b))

	return hex.EncodeToString(b.Bytes()), tx.TxHash().String()
}

func TestDryRunEngine(t *testing.T) {
	t.Parallel()

	txHex, txid := testTx(t)
	headerHex, hash := testHeader(t)

	var out bytes.Buffer
	engine := newDryRunEngine(
		[]lnengine.RelevantTx{{Txid: "aa"}}, &out,
	)

	require.NoError(t, engine.UpdateBestBlock(headerHex, 10))
	require.NoError(t, engine.TransactionConfirmed(headerHex, 9, 3, txHex))
	require.NoError(t, engine.TransactionConfirmed(headerHex, 9, 3, txHex))

	relevant, err := engine.RelevantTxids()
	require.NoError(t, err)
	require.Equal(t, []lnengine.RelevantTx{
		{Txid: "aa"},
		{Txid: txid, BlockHash: hash.String()},
	}, relevant)

	require.NoError(t, engine.TransactionUnconfirmed("aa"))
	require.NoError(t, engine.SetFeerate(2500, 625, 253))

	relevant, err = engine.RelevantTxids()
	require.NoError(t, err)
	require.Len(t, relevant, 1)
	require.Equal(t, txid, relevant[0].Txid)

	updates := engine.Updates()
	require.Len(t, updates, 5)
	require.Equal(t, "best_block", updates[0].Action)
	require.Equal(t, txid, updates[1].Txid)
	require.Equal(t, uint32(3), *updates[1].Pos)
	require.Equal(t, "unconfirmed", updates[3].Action)
	require.Equal(t, int64(625), updates[4].Medium)

	// Every update is printed as it is delivered.
	dec := json.NewDecoder(&out)
	for i := 0; i < len(updates); i++ {
		var update chainUpdate
		require.NoError(t, dec.Decode(&update))
		require.Equal(t, updates[i].Action, update.Action)
	}

	err = engine.TransactionConfirmed(headerHex, 9, 4, "00")
	require.Error(t, err)

	err = engine.TransactionConfirmed("zz", 9, 4, txHex)
	require.Error(t, err)
}

func TestParseRelevant(t *testing.T) {
	t.Parallel()

	_, hash := testHeader(t)
	_, txid := testTx(t)

	relevant, err := parseRelevant([]string{
		txid, txid + ":" + hash.String(),
	})
	require.NoError(t, err)
	require.Equal(t, []lnengine.RelevantTx{
		{Txid: txid},
		{Txid: txid, BlockHash: hash.String()},
	}, relevant)

	_, err = parseRelevant([]string{"nothex"})
	require.Error(t, err)

	_, err = parseRelevant([]string{txid + ":nothex"})
	require.Error(t, err)
}

func TestWatchLoopGivesUp(t *testing.T) {
	t.Parallel()

	chain := &chainsvc.MockService{}
	chain.On("GetTipHeight", mock.Anything).Return(
		uint32(0), errors.New("connection refused"),
	)

	shutdown := make(chan struct{}, 1)
	state := &appState{
		ctx: context.Background(),
		shutdown: func() {
			shutdown <- struct{}{}
		},
	}

	reconciler := chainsync.New(&chainsync.Config{
		Chain:    chain,
		Engine:   newDryRunEngine(nil, nil),
		WatchSet: watchset.New(),
	})

	forceTicker := ticker.NewForce(time.Hour)
	errChan := make(chan error, 1)
	go func() {
		errChan <- watchLoop(
			state, reconciler, chain, forceTicker, btclog.Disabled,
			2,
		)
	}()

	select {
	case forceTicker.Force <- time.Now():
	case <-time.After(defaultTimeout):
		t.Fatal("watch loop didn't wait for the next tick")
	}

	select {
	case err := <-errChan:
		require.ErrorContains(t, err, "connection refused")
	case <-time.After(defaultTimeout):
		t.Fatal("watch loop didn't give up")
	}

	select {
	case <-shutdown:
	case <-time.After(defaultTimeout):
		t.Fatal("no shutdown requested")
	}

	chain.AssertNumberOfCalls(t, "GetTipHeight", 2)
}

func TestWatchLoopReconciles(t *testing.T) {
	t.Parallel()

	headerHex, hash := testHeader(t)

	chain := &chainsvc.MockService{}
	chain.On("GetTipHeight", mock.Anything).Return(uint32(5), nil)
	chain.On("GetBlockHash", mock.Anything, uint32(5)).Return(&hash, nil)
	chain.On("GetBlockHeader", mock.Anything, &hash).Return(headerHex, nil)
	chain.On("GetFeeEstimates", mock.Anything).Return(
		&chainsvc.FeeEstimates{Fast: 10, Medium: 5, Slow: 1}, nil,
	)

	ctxc, cancel := context.WithCancel(context.Background())
	defer cancel()

	state := &appState{ctx: ctxc, shutdown: cancel}

	engine := newDryRunEngine(nil, nil)
	reconciler := chainsync.New(&chainsync.Config{
		Chain:    chain,
		Engine:   engine,
		WatchSet: watchset.New(),
	})

	forceTicker := ticker.NewForce(time.Hour)
	errChan := make(chan error, 1)
	go func() {
		errChan <- watchLoop(
			state, reconciler, chain, forceTicker, btclog.Disabled,
			2,
		)
	}()

	// A second cycle runs once the ticker fires.
	select {
	case forceTicker.Force <- time.Now():
	case <-time.After(defaultTimeout):
		t.Fatal("watch loop didn't wait for the next tick")
	}

	require.Eventually(t, func() bool {
		bestBlocks := 0
		for _, update := range engine.Updates() {
			if update.Action == "best_block" {
				bestBlocks++
			}
		}

		return bestBlocks == 2
	}, defaultTimeout, 10*time.Millisecond)

	cancel()

	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(defaultTimeout):
		t.Fatal("watch loop didn't stop")
	}
}

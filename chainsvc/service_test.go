package chainsvc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnmobile/esplora"
	"github.com/stretchr/testify/require"
)

const (
	peerHex  = "0252bdd5db4729bab7266eeb7252354c8b08cc8e89cc489dd765b6fec8d448d6a0"
	selfHex  = "0259b17e49fd2ceb2435f93d1231e49600c682820857b44a2b6abae9c2a7dd9685"
	payeeHex = "0367821c5f1db322146cb1174f68861c02d768664442d3c34febb63ac17312216b"
)

func mustVertex(t *testing.T, s string) route.Vertex {
	t.Helper()

	v, err := route.NewVertexFromStr(s)
	require.NoError(t, err)

	return v
}

// fakeGraph is a GraphBackend serving canned answers.
type fakeGraph struct {
	routes *lnrpc.QueryRoutesResponse
	edges  map[uint64]*lnrpc.ChannelEdge

	source route.Vertex
}

func (f *fakeGraph) QueryRoutes(_ context.Context, source, _ route.Vertex,
	_ lnwire.MilliSatoshi) (*lnrpc.QueryRoutesResponse, error) {

	f.source = source

	return f.routes, nil
}

func (f *fakeGraph) GetChanInfo(_ context.Context,
	chanID lnwire.ShortChannelID) (*lnrpc.ChannelEdge, error) {

	edge, ok := f.edges[chanID.ToUint64()]
	if !ok {
		return nil, errors.New("edge not found")
	}

	return edge, nil
}

func newEsploraService(t *testing.T, mux *http.ServeMux) *Service {
	t.Helper()

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return New(&Config{
		Chain: esplora.NewClient(&esplora.ClientConfig{
			URL:            srv.URL,
			RequestTimeout: time.Second,
		}),
		ChainParams: &chaincfg.MainNetParams,
	})
}

// TestServiceFeeEstimates checks the three targets are picked from the
// estimate table.
func TestServiceFeeEstimates(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/fee-estimates", func(w http.ResponseWriter,
		_ *http.Request) {

		fmt.Fprint(w, `{"1": 50, "2": 30.5, "6": 12, "144": 0.8}`)
	})
	svc := newEsploraService(t, mux)

	fees, err := svc.GetFeeEstimates(context.Background())
	require.NoError(t, err)
	require.Equal(t, FeeEstimates{Fast: 30.5, Medium: 12, Slow: 0.8}, *fees)
}

// TestServiceFeeEstimatesMissingTarget checks a missing target fails the
// lookup.
func TestServiceFeeEstimatesMissingTarget(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/fee-estimates", func(w http.ResponseWriter,
		_ *http.Request) {

		fmt.Fprint(w, `{"2": 30, "6": 12}`)
	})
	svc := newEsploraService(t, mux)

	_, err := svc.GetFeeEstimates(context.Background())
	require.ErrorContains(t, err, "144")
}

// TestServiceTransactions checks the transaction records and proofs.
func TestServiceTransactions(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter,
		_ *http.Request) {

		fmt.Fprint(w, "2500000")
	})
	mux.HandleFunc("/tx/aa", func(w http.ResponseWriter,
		_ *http.Request) {

		fmt.Fprint(w, `{"txid": "aa", "status": {"confirmed": true, `+
			`"block_height": 120, "block_hash": "bb"}}`)
	})
	mux.HandleFunc("/tx/aa/merkle-proof", func(w http.ResponseWriter,
		_ *http.Request) {

		fmt.Fprint(w, `{"block_height": 120, "merkle": [], "pos": 7}`)
	})
	mux.HandleFunc("/tx/bad/merkle-proof", func(w http.ResponseWriter,
		_ *http.Request) {

		fmt.Fprint(w, `{"block_height": -1, "merkle": [], "pos": 7}`)
	})
	mux.HandleFunc("/address/bc1q/txs", func(w http.ResponseWriter,
		_ *http.Request) {

		fmt.Fprint(w, `[{"txid": "aa", "status": {"confirmed": true, `+
			`"block_height": 120}}, {"txid": "cc", "status": `+
			`{"confirmed": false}}]`)
	})
	svc := newEsploraService(t, mux)
	ctx := context.Background()

	height, err := svc.GetTipHeight(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2_500_000, height)

	rec, err := svc.GetTransaction(ctx, "aa")
	require.NoError(t, err)
	require.Equal(t, TxStatus{
		Confirmed:   true,
		BlockHeight: 120,
		BlockHash:   "bb",
	}, rec.Status)

	proof, err := svc.GetTransactionMerkleProof(ctx, "aa")
	require.NoError(t, err)
	require.EqualValues(t, 120, proof.BlockHeight)
	require.EqualValues(t, 7, proof.Pos)

	_, err = svc.GetTransactionMerkleProof(ctx, "bad")
	require.Error(t, err)

	_, err = svc.GetTransactionMerkleProof(ctx, "missing")
	require.ErrorIs(t, err, esplora.ErrTxNotFound)

	records, err := svc.GetAddressTransactions(ctx, "bc1q")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "cc", records[1].Txid)
	require.False(t, records[1].Status.Confirmed)
}

// TestServiceGraphQueries checks routes and channel entries are converted.
func TestServiceGraphQueries(t *testing.T) {
	t.Parallel()

	peer := mustVertex(t, peerHex)
	payee := mustVertex(t, payeeHex)
	scid := lnwire.NewShortChanIDFromInt(2671350361104449536)

	graph := &fakeGraph{
		routes: &lnrpc.QueryRoutesResponse{
			Routes: []*lnrpc.Route{{
				TotalTimeLock: 2430150,
				TotalAmtMsat:  1_000_000,
				Hops: []*lnrpc.Hop{{
					ChanId:           scid.ToUint64(),
					PubKey:           payeeHex,
					AmtToForwardMsat: 1_000_000,
					Expiry:           2430150,
				}},
			}},
			SuccessProb: 0.95,
		},
		edges: map[uint64]*lnrpc.ChannelEdge{
			scid.ToUint64(): {
				ChannelId: scid.ToUint64(),
				ChanPoint: "7f55:0",
				Node1Pub:  peerHex,
				Node2Pub:  payeeHex,
				Capacity:  500_000,
				Node1Policy: &lnrpc.RoutingPolicy{
					TimeLockDelta:    40,
					FeeBaseMsat:      1000,
					FeeRateMilliMsat: 1,
					MinHtlc:          1000,
					MaxHtlcMsat:      495_000_000,
				},
			},
		},
	}

	svc := New(&Config{
		Graph:       graph,
		ChainParams: &chaincfg.MainNetParams,
	})
	ctx := context.Background()

	resp, err := svc.QueryRoutes(ctx, &RouteQuery{
		Source:      peer,
		Destination: payee,
		AmountMsat:  1_000_000,
	})
	require.NoError(t, err)
	require.Equal(t, peer, graph.source)
	require.Len(t, resp.Routes, 1)
	require.InDelta(t, 0.95, resp.SuccessProb, 0)

	hop := resp.Routes[0].Hops[0]
	require.Equal(t, scid, hop.ChannelID)
	require.Equal(t, payee, hop.PubKey)
	require.EqualValues(t, 1_000_000, hop.AmtToForwardMsat)

	info, err := svc.GetChannelInfo(ctx, scid)
	require.NoError(t, err)
	require.Equal(t, peer, info.Node1Pub)
	require.Nil(t, info.Node2Policy)

	// Forwarding towards the payee uses the peer's policy.
	policy, err := info.PolicyFor(payee)
	require.NoError(t, err)
	require.EqualValues(t, 40, policy.TimeLockDelta)
	require.EqualValues(t, 1000, policy.FeeBaseMsat)

	// The payee hasn't announced a policy.
	_, err = info.PolicyFor(peer)
	require.ErrorIs(t, err, ErrMissingPolicy)

	_, err = info.PolicyFor(mustVertex(t, selfHex))
	require.Error(t, err)

	_, err = svc.GetChannelInfo(ctx, lnwire.NewShortChanIDFromInt(1))
	require.ErrorContains(t, err, "edge not found")
}

// TestServiceNoGraph checks graph queries fail without a routing backend.
func TestServiceNoGraph(t *testing.T) {
	t.Parallel()

	svc := New(&Config{ChainParams: &chaincfg.MainNetParams})

	_, err := svc.QueryRoutes(context.Background(), &RouteQuery{})
	require.ErrorIs(t, err, ErrNoGraphBackend)

	_, err = svc.GetChannelInfo(
		context.Background(), lnwire.NewShortChanIDFromInt(1),
	)
	require.ErrorIs(t, err, ErrNoGraphBackend)
}

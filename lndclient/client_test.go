package lndclient

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"gopkg.in/macaroon.v2"
)

// fakeLightning records the requests it gets. Calls to methods that aren't
// overridden panic through the nil embedded interface.
type fakeLightning struct {
	lnrpc.LightningClient

	routesReq *lnrpc.QueryRoutesRequest
	chanReq   *lnrpc.ChanInfoRequest
	err       error
}

func (f *fakeLightning) QueryRoutes(_ context.Context,
	req *lnrpc.QueryRoutesRequest,
	_ ...grpc.CallOption) (*lnrpc.QueryRoutesResponse, error) {

	f.routesReq = req
	if f.err != nil {
		return nil, f.err
	}

	return &lnrpc.QueryRoutesResponse{
		Routes:      []*lnrpc.Route{{TotalAmtMsat: req.AmtMsat}},
		SuccessProb: 0.5,
	}, nil
}

func (f *fakeLightning) GetChanInfo(_ context.Context,
	req *lnrpc.ChanInfoRequest,
	_ ...grpc.CallOption) (*lnrpc.ChannelEdge, error) {

	f.chanReq = req
	if f.err != nil {
		return nil, f.err
	}

	return &lnrpc.ChannelEdge{ChannelId: req.ChanId}, nil
}

// TestQueryRoutesRequest checks the route query is sent from the given source.
func TestQueryRoutesRequest(t *testing.T) {
	t.Parallel()

	fake := &fakeLightning{}
	c := NewFromLightningClient(fake, 0)

	source := route.Vertex{2, 1}
	dest := route.Vertex{3, 7}

	resp, err := c.QueryRoutes(context.Background(), source, dest, 42_000)
	require.NoError(t, err)
	require.Len(t, resp.Routes, 1)

	require.Equal(t, source.String(), fake.routesReq.SourcePubKey)
	require.Equal(t, dest.String(), fake.routesReq.PubKey)
	require.EqualValues(t, 42_000, fake.routesReq.AmtMsat)
	require.EqualValues(t, 42_000, resp.Routes[0].TotalAmtMsat)
}

// TestGetChanInfo checks the short channel id is passed as its integer form.
func TestGetChanInfo(t *testing.T) {
	t.Parallel()

	fake := &fakeLightning{}
	c := NewFromLightningClient(fake, 0)

	scid := lnwire.ShortChannelID{BlockHeight: 800_000, TxIndex: 12}
	edge, err := c.GetChanInfo(context.Background(), scid)
	require.NoError(t, err)
	require.Equal(t, scid.ToUint64(), fake.chanReq.ChanId)
	require.Equal(t, scid.ToUint64(), edge.ChannelId)

	fake.err = errors.New("edge not found")
	_, err = c.GetChanInfo(context.Background(), scid)
	require.ErrorContains(t, err, "edge not found")
}

// TestLoadMacaroon covers the macaroon sources.
func TestLoadMacaroon(t *testing.T) {
	t.Parallel()

	mac, err := macaroon.New(
		[]byte("root-key"), []byte("id"), "lnmobile",
		macaroon.LatestVersion,
	)
	require.NoError(t, err)

	macBytes, err := mac.MarshalBinary()
	require.NoError(t, err)

	_, err = loadMacaroon(&Config{})
	require.ErrorIs(t, err, ErrNoMacaroon)

	_, err = loadMacaroon(&Config{MacaroonHex: "zz"})
	require.Error(t, err)

	got, err := loadMacaroon(&Config{
		MacaroonHex: hex.EncodeToString(macBytes),
	})
	require.NoError(t, err)
	require.Equal(t, mac.Id(), got.Id())

	path := filepath.Join(t.TempDir(), "readonly.macaroon")
	require.NoError(t, os.WriteFile(path, macBytes, 0600))

	got, err = loadMacaroon(&Config{MacaroonPath: path})
	require.NoError(t, err)
	require.Equal(t, mac.Location(), got.Location())

	_, err = loadMacaroon(&Config{
		MacaroonPath: filepath.Join(t.TempDir(), "missing"),
	})
	require.Error(t, err)
}

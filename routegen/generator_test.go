package routegen

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnmobile/chainsvc"
	"github.com/lightningnetwork/lnmobile/lnengine"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const (
	peerHex  = "0252bdd5db4729bab7266eeb7252354c8b08cc8e89cc489dd765b6fec8d448d6a0"
	selfHex  = "0259b17e49fd2ceb2435f93d1231e49600c682820857b44a2b6abae9c2a7dd9685"
	payeeHex = "0367821c5f1db322146cb1174f68861c02d768664442d3c34febb63ac17312216b"
	otherHex = "03a503d8e30f2ff407096d235b5db63b4fcf3f89a653acb6f43d3fc492a7674019"

	firstHopSCID  = 2671331669406711808
	payeeChanSCID = 2671350361104449536
	otherChanSCID = 2671350361104449999
)

func mustVertex(t *testing.T, s string) route.Vertex {
	t.Helper()

	v, err := route.NewVertexFromStr(s)
	require.NoError(t, err)

	return v
}

// testGraph holds the graph entries of the test channels.
type testGraph struct {
	peer, self, payee, other route.Vertex

	firstHop  *chainsvc.ChannelInfo
	payeeChan *chainsvc.ChannelInfo
	otherChan *chainsvc.ChannelInfo
}

func newTestGraph(t *testing.T) *testGraph {
	g := &testGraph{
		peer:  mustVertex(t, peerHex),
		self:  mustVertex(t, selfHex),
		payee: mustVertex(t, payeeHex),
		other: mustVertex(t, otherHex),
	}

	// Our channel to the peer.
	g.firstHop = &chainsvc.ChannelInfo{
		ChannelID: lnwire.NewShortChanIDFromInt(firstHopSCID),
		Capacity:  100_000,
		Node1Pub:  g.peer,
		Node2Pub:  g.self,
		Node1Policy: &chainsvc.RoutingPolicy{
			TimeLockDelta:    40,
			FeeBaseMsat:      1000,
			FeeRateMilliMsat: 1,
		},
		Node2Policy: &chainsvc.RoutingPolicy{
			TimeLockDelta: 72,
			FeeBaseMsat:   1000,
		},
	}

	// The peer's channel to the payee.
	g.payeeChan = &chainsvc.ChannelInfo{
		ChannelID: lnwire.NewShortChanIDFromInt(payeeChanSCID),
		Capacity:  500_000,
		Node1Pub:  g.peer,
		Node2Pub:  g.payee,
		Node1Policy: &chainsvc.RoutingPolicy{
			TimeLockDelta:    40,
			FeeBaseMsat:      1000,
			FeeRateMilliMsat: 1,
		},
		Node2Policy: &chainsvc.RoutingPolicy{
			TimeLockDelta:    40,
			FeeBaseMsat:      1000,
			FeeRateMilliMsat: 1,
		},
	}

	// A channel from the payee to another node.
	g.otherChan = &chainsvc.ChannelInfo{
		ChannelID: lnwire.NewShortChanIDFromInt(otherChanSCID),
		Node1Pub:  g.payee,
		Node2Pub:  g.other,
		Node1Policy: &chainsvc.RoutingPolicy{
			TimeLockDelta:    144,
			FeeBaseMsat:      2000,
			FeeRateMilliMsat: 100,
		},
		Node2Policy: &chainsvc.RoutingPolicy{
			TimeLockDelta: 18,
		},
	}

	return g
}

func (g *testGraph) outbound() *OutboundChannel {
	return &OutboundChannel{
		ShortChannelID:       g.firstHop.ChannelID,
		Counterparty:         g.peer,
		IsUsable:             true,
		OutboundCapacityMsat: 99_000_000,
	}
}

func (g *testGraph) mockService() *chainsvc.MockService {
	m := &chainsvc.MockService{}
	for _, info := range []*chainsvc.ChannelInfo{
		g.firstHop, g.payeeChan, g.otherChan,
	} {
		m.On("GetChannelInfo", mock.Anything, info.ChannelID).
			Return(info, nil).Maybe()
	}

	return m
}

// TestFeeForHop covers the hop fee formula.
func TestFeeForHop(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		base   lnwire.MilliSatoshi
		rate   lnwire.MilliSatoshi
		amt    lnwire.MilliSatoshi
		expFee lnwire.MilliSatoshi
	}{
		{
			name: "base and rate",
			base: 1000, rate: 1, amt: 1_000_000,
			expFee: 1001,
		},
		{
			name: "base only",
			base: 1000, rate: 0, amt: 123_456_789,
			expFee: 1000,
		},
		{
			name: "rounded down",
			base: 0, rate: 1, amt: 999_999,
			expFee: 0,
		},
		{
			name: "large amount",
			base: 1, rate: 1_000_000, amt: math.MaxUint64 / 2,
			expFee: math.MaxUint64/2 + 1,
		},
		{
			name: "saturates",
			base: 1, rate: 2_000_000, amt: math.MaxUint64,
			expFee: math.MaxUint64,
		},
		{
			name: "base saturates",
			base: math.MaxUint64, rate: 1, amt: 1_000_000,
			expFee: math.MaxUint64,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			policy := &chainsvc.RoutingPolicy{
				FeeBaseMsat:      test.base,
				FeeRateMilliMsat: test.rate,
			}
			require.Equal(t, test.expFee, FeeForHop(policy, test.amt))
		})
	}
}

// TestFeeForHopMatchesFormula checks the 128 bit computation against plain
// integer arithmetic where the latter can't overflow.
func TestFeeForHopMatchesFormula(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		base := rapid.Uint64Range(0, 1<<32).Draw(t, "base")
		rate := rapid.Uint64Range(0, 1<<20).Draw(t, "rate")
		amt := rapid.Uint64Range(0, 1<<40).Draw(t, "amt")

		policy := &chainsvc.RoutingPolicy{
			FeeBaseMsat:      lnwire.MilliSatoshi(base),
			FeeRateMilliMsat: lnwire.MilliSatoshi(rate),
		}

		require.EqualValues(
			t, base+amt*rate/1_000_000,
			FeeForHop(policy, lnwire.MilliSatoshi(amt)),
		)
	})
}

// TestGenerateDirectPeer checks a payment to our peer is a single hop
// carrying the full amount.
func TestGenerateDirectPeer(t *testing.T) {
	t.Parallel()

	g := newTestGraph(t)
	m := g.mockService()

	r, err := NewGenerator(m).Generate(context.Background(), &Request{
		Self:        g.self,
		Destination: g.peer,
		AmountMsat:  1_000_000,
		Outbound:    g.outbound(),
	})
	require.NoError(t, err)

	require.Equal(t, &PaymentRoute{
		Destination:      g.peer,
		ShortChannelID:   g.firstHop.ChannelID,
		PaymentValueMsat: 1_000_000,
		Hops: []RouteHop{{
			PubKey:          g.peer,
			ShortChannelID:  g.firstHop.ChannelID,
			FeeMsat:         1_000_000,
			CltvExpiryDelta: 72,
		}},
	}, r)

	m.AssertNotCalled(t, "QueryRoutes", mock.Anything, mock.Anything)
}

// TestGenerateMultiHop builds a route through the peer to the payee.
func TestGenerateMultiHop(t *testing.T) {
	t.Parallel()

	g := newTestGraph(t)
	m := g.mockService()
	m.On("QueryRoutes", mock.Anything, &chainsvc.RouteQuery{
		Source:      g.peer,
		Destination: g.payee,
		AmountMsat:  1_000_000,
	}).Return(&chainsvc.RouteQueryResponse{
		Routes: []chainsvc.CandidateRoute{{
			Hops: []chainsvc.CandidateHop{{
				ChannelID:        g.payeeChan.ChannelID,
				PubKey:           g.payee,
				AmtToForwardMsat: 1_000_000,
				Expiry:           2430150,
			}},
			TotalTimeLock: 2430150,
			TotalAmtMsat:  1_000_000,
		}},
		SuccessProb: 0.95,
	}, nil)

	r, err := NewGenerator(m).Generate(context.Background(), &Request{
		Self:        g.self,
		Destination: g.payee,
		AmountMsat:  1_000_000,
		Outbound:    g.outbound(),
	})
	require.NoError(t, err)

	require.Equal(t, []RouteHop{
		{
			PubKey:          g.peer,
			ShortChannelID:  g.firstHop.ChannelID,
			FeeMsat:         1000,
			CltvExpiryDelta: 72,
		},
		{
			PubKey:          g.payee,
			ShortChannelID:  g.payeeChan.ChannelID,
			FeeMsat:         1_000_000,
			CltvExpiryDelta: 40,
		},
	}, r.Hops)
	require.EqualValues(t, 1_000_000, r.PaymentValueMsat)
	require.Equal(t, g.payee, r.Destination)

	hopsJSON, err := r.HopsJSON()
	require.NoError(t, err)
	require.JSONEq(t, `[
		{"pubkey": "`+peerHex+`", "short_channel_id": "2671331669406711808",
		 "fee_msat": 1000, "cltv_expiry_delta": 72},
		{"pubkey": "`+payeeHex+`", "short_channel_id": "2671350361104449536",
		 "fee_msat": 1000000, "cltv_expiry_delta": 40}
	]`, string(hopsJSON))

	var decoded []RouteHop
	require.NoError(t, json.Unmarshal(hopsJSON, &decoded))
	require.Equal(t, r.Hops, decoded)

	m.AssertExpectations(t)
}

// TestGenerateIntermediateFees checks intermediate hops are priced against
// their own channel and forward amount while the last hop carries the
// payment amount.
func TestGenerateIntermediateFees(t *testing.T) {
	t.Parallel()

	g := newTestGraph(t)
	m := g.mockService()
	m.On("QueryRoutes", mock.Anything, mock.Anything).Return(
		&chainsvc.RouteQueryResponse{
			Routes: []chainsvc.CandidateRoute{{
				Hops: []chainsvc.CandidateHop{
					{
						ChannelID:        g.payeeChan.ChannelID,
						PubKey:           g.payee,
						AmtToForwardMsat: 500_000,
					},
					{
						ChannelID:        g.otherChan.ChannelID,
						PubKey:           g.other,
						AmtToForwardMsat: 500_000,
					},
				},
			}},
		}, nil,
	)

	r, err := NewGenerator(m).Generate(context.Background(), &Request{
		Self:        g.self,
		Destination: g.other,
		AmountMsat:  500_000,
		Outbound:    g.outbound(),
	})
	require.NoError(t, err)
	require.Len(t, r.Hops, 3)

	// 1000 + 500_000*1/1_000_000.
	require.EqualValues(t, 1000, r.Hops[1].FeeMsat)
	require.EqualValues(t, 40, r.Hops[1].CltvExpiryDelta)

	// The formula would give 2000 + 50 but the last hop carries the
	// amount.
	require.EqualValues(t, 500_000, r.Hops[2].FeeMsat)
	require.EqualValues(t, 144, r.Hops[2].CltvExpiryDelta)
}

// TestGenerateFailures covers the hard failures of Generate.
func TestGenerateFailures(t *testing.T) {
	t.Parallel()

	g := newTestGraph(t)

	errUnavailable := errors.New("unavailable")

	tests := []struct {
		name   string
		mutate func(*Request, *chainsvc.MockService)
		expErr error
	}{
		{
			name: "zero amount",
			mutate: func(r *Request, _ *chainsvc.MockService) {
				r.AmountMsat = 0
			},
			expErr: ErrInvalidAmount,
		},
		{
			name: "unusable channel",
			mutate: func(r *Request, _ *chainsvc.MockService) {
				r.Outbound.IsUsable = false
			},
			expErr: ErrChannelUnusable,
		},
		{
			name: "insufficient capacity",
			mutate: func(r *Request, _ *chainsvc.MockService) {
				r.Outbound.OutboundCapacityMsat = 999
			},
			expErr: ErrInsufficientCapacity,
		},
		{
			name: "first hop unknown",
			mutate: func(r *Request, _ *chainsvc.MockService) {
				r.Outbound.ShortChannelID =
					lnwire.NewShortChanIDFromInt(1)
			},
			expErr: ErrChannelNotFound,
		},
		{
			name: "first hop not ours",
			mutate: func(r *Request, _ *chainsvc.MockService) {
				r.Self = g.other
			},
			expErr: ErrChannelNotFound,
		},
		{
			name: "no candidates",
			mutate: func(_ *Request, m *chainsvc.MockService) {
				m.On("QueryRoutes", mock.Anything, mock.Anything).
					Return(&chainsvc.RouteQueryResponse{}, nil)
			},
			expErr: ErrNoRoute,
		},
		{
			name: "query failed",
			mutate: func(_ *Request, m *chainsvc.MockService) {
				m.On("QueryRoutes", mock.Anything, mock.Anything).
					Return(nil, errUnavailable)
			},
			expErr: errUnavailable,
		},
		{
			name: "hop channel unknown",
			mutate: func(_ *Request, m *chainsvc.MockService) {
				m.On("QueryRoutes", mock.Anything, mock.Anything).
					Return(&chainsvc.RouteQueryResponse{
						Routes: []chainsvc.CandidateRoute{{
							Hops: []chainsvc.CandidateHop{{
								ChannelID: lnwire.NewShortChanIDFromInt(7),
								PubKey:    g.payee,
							}},
						}},
					}, nil)
			},
			expErr: ErrChannelNotFound,
		},
		{
			name: "hop not on channel",
			mutate: func(_ *Request, m *chainsvc.MockService) {
				m.On("QueryRoutes", mock.Anything, mock.Anything).
					Return(&chainsvc.RouteQueryResponse{
						Routes: []chainsvc.CandidateRoute{{
							Hops: []chainsvc.CandidateHop{{
								ChannelID: g.payeeChan.ChannelID,
								PubKey:    g.other,
							}},
						}},
					}, nil)
			},
			expErr: ErrChannelNotFound,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			m := g.mockService()
			m.On("GetChannelInfo", mock.Anything, mock.Anything).
				Return(nil, errors.New("unknown channel")).Maybe()

			req := &Request{
				Self:        g.self,
				Destination: g.payee,
				AmountMsat:  1_000_000,
				Outbound:    g.outbound(),
			}
			test.mutate(req, m)

			r, err := NewGenerator(m).Generate(
				context.Background(), req,
			)
			require.ErrorIs(t, err, test.expErr)
			require.Nil(t, r)

			// Only an empty answer means there is no route.
			if test.expErr != ErrNoRoute {
				require.NotErrorIs(t, err, ErrNoRoute)
			}
		})
	}
}

// TestOutboundFromDetails converts an engine channel listing.
func TestOutboundFromDetails(t *testing.T) {
	t.Parallel()

	c := &lnengine.ChannelDetails{
		ChannelID:            "5d27bcc7",
		ShortChannelID:       "2671331669406711808",
		CounterpartyNodeID:   peerHex,
		IsUsable:             true,
		OutboundCapacityMsat: 99_000_000,
	}

	out, err := OutboundFromDetails(c)
	require.NoError(t, err)
	require.Equal(t, &OutboundChannel{
		ShortChannelID:       lnwire.NewShortChanIDFromInt(firstHopSCID),
		Counterparty:         mustVertex(t, peerHex),
		IsUsable:             true,
		OutboundCapacityMsat: 99_000_000,
	}, out)

	c.CounterpartyNodeID = "zz"
	_, err = OutboundFromDetails(c)
	require.Error(t, err)
}

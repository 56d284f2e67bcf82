package routegen

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnmobile/lnengine"
)

// RouteHop is one hop of a payment route in the form the payment engine
// consumes. For the final hop FeeMsat carries the amount the payee
// receives.
type RouteHop struct {
	PubKey          route.Vertex
	ShortChannelID  lnwire.ShortChannelID
	FeeMsat         lnwire.MilliSatoshi
	CltvExpiryDelta uint16
}

// jsonHop is the wire form of a RouteHop.
type jsonHop struct {
	PubKey          string `json:"pubkey"`
	ShortChannelID  string `json:"short_channel_id"`
	FeeMsat         uint64 `json:"fee_msat"`
	CltvExpiryDelta uint16 `json:"cltv_expiry_delta"`
}

// MarshalJSON encodes the hop with a hex pubkey and a decimal short channel
// id.
func (h RouteHop) MarshalJSON() ([]byte, error) {
	return json.Marshal(&jsonHop{
		PubKey:          h.PubKey.String(),
		ShortChannelID:  strconv.FormatUint(h.ShortChannelID.ToUint64(), 10),
		FeeMsat:         uint64(h.FeeMsat),
		CltvExpiryDelta: h.CltvExpiryDelta,
	})
}

// UnmarshalJSON decodes a hop encoded by MarshalJSON.
func (h *RouteHop) UnmarshalJSON(b []byte) error {
	var hop jsonHop
	if err := json.Unmarshal(b, &hop); err != nil {
		return err
	}

	pubKey, err := route.NewVertexFromStr(hop.PubKey)
	if err != nil {
		return fmt.Errorf("invalid hop pubkey: %w", err)
	}

	scid, err := strconv.ParseUint(hop.ShortChannelID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid hop short channel id: %w", err)
	}

	*h = RouteHop{
		PubKey:          pubKey,
		ShortChannelID:  lnwire.NewShortChanIDFromInt(scid),
		FeeMsat:         lnwire.MilliSatoshi(hop.FeeMsat),
		CltvExpiryDelta: hop.CltvExpiryDelta,
	}

	return nil
}

// PaymentRoute is a fully priced route, first hop first.
type PaymentRoute struct {
	// Destination is the payee.
	Destination route.Vertex

	// ShortChannelID is the channel of the first hop.
	ShortChannelID lnwire.ShortChannelID

	// PaymentValueMsat is the amount the payee receives.
	PaymentValueMsat lnwire.MilliSatoshi

	Hops []RouteHop
}

// HopsJSON encodes the hops of the route.
func (r *PaymentRoute) HopsJSON() ([]byte, error) {
	return json.Marshal(r.Hops)
}

// OutboundChannel is the channel a payment leaves the node through.
type OutboundChannel struct {
	ShortChannelID       lnwire.ShortChannelID
	Counterparty         route.Vertex
	IsUsable             bool
	OutboundCapacityMsat lnwire.MilliSatoshi
}

// OutboundFromDetails converts a channel as listed by the payment engine.
func OutboundFromDetails(c *lnengine.ChannelDetails) (*OutboundChannel,
	error) {

	scid, err := c.SCID()
	if err != nil {
		return nil, err
	}

	counterparty, err := c.Counterparty()
	if err != nil {
		return nil, fmt.Errorf("invalid counterparty of channel %v: %w",
			c.ChannelID, err)
	}

	return &OutboundChannel{
		ShortChannelID:       scid,
		Counterparty:         counterparty,
		IsUsable:             c.IsUsable,
		OutboundCapacityMsat: lnwire.MilliSatoshi(c.OutboundCapacityMsat),
	}, nil
}

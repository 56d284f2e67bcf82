package lnmobile

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnmobile/lnengine"
)

// fundingUserChannelID is the user channel id the engine assigns to the
// channels it opens.
const fundingUserChannelID = 42

var (
	// ErrFundingAborted is returned when the channel being opened is
	// closed before its funding output is known.
	ErrFundingAborted = errors.New("channel closed while waiting for " +
		"funding")

	// ErrFundingTimeout is returned when the funding output of a channel
	// being opened doesn't show up in time.
	ErrFundingTimeout = errors.New("timeout waiting for funding")
)

// OpenChannelStep1 starts opening a channel with pubKey and returns the
// address the funding amount must be sent to. The signed funding
// transaction is then handed over with OpenChannelStep2.
func (n *Node) OpenChannelStep1(ctx context.Context, pubKey route.Vertex,
	amt btcutil.Amount) (string, error) {

	if err := n.requireStarted(); err != nil {
		return "", err
	}

	n.record("opening channel with %v for %v", pubKey, amt)

	n.mu.Lock()
	n.fundingsReady = nil
	closedBefore := len(n.channelsClosed)
	n.mu.Unlock()

	tempChanID, err := n.cfg.Engine.OpenChannelStep1(pubKey, amt)
	if err != nil {
		return "", err
	}
	if tempChanID == "" {
		return "", ErrFundingAborted
	}

	for i := 0; i < n.cfg.FundingPollAttempts; i++ {
		select {
		case <-n.cfg.Clock.TickAfter(n.cfg.FundingPollInterval):

		case <-ctx.Done():
			return "", ctx.Err()

		case <-n.quit:
			return "", ErrNotStarted
		}

		if funding, ok := n.popFundingReady(); ok {
			return n.cfg.Service.ScriptToAddress(funding.script)
		}

		if n.closedWhileOpening(tempChanID, closedBefore) {
			n.record("channel closed while waiting for funding " +
				"generation")

			return "", ErrFundingAborted
		}
	}

	n.record("timeout waiting for funding generation")

	return "", ErrFundingTimeout
}

// popFundingReady removes and returns the latest funding output.
func (n *Node) popFundingReady() (*FundingGenerationReady, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.fundingsReady) == 0 {
		return nil, false
	}

	last := len(n.fundingsReady) - 1
	funding := n.fundingsReady[last]
	n.fundingsReady = n.fundingsReady[:last]

	return &funding, true
}

// closedWhileOpening returns true if a channel closed event received after
// the first since events matches the channel being opened.
func (n *Node) closedWhileOpening(tempChanID string, since int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, closed := range n.channelsClosed[since:] {
		if closed.UserChannelID == fundingUserChannelID ||
			closed.ChannelID == tempChanID {

			return true
		}
	}

	return false
}

// OpenChannelStep2 hands the signed funding transaction of the channel
// opened with OpenChannelStep1 to the engine.
func (n *Node) OpenChannelStep2(txHex string,
	counterparty route.Vertex) error {

	if err := n.requireStarted(); err != nil {
		return err
	}

	n.record("submitting funding tx for %v: %v", counterparty, txHex)

	return n.cfg.Engine.OpenChannelStep2(txHex, counterparty)
}

// CloseChannelCooperatively starts a mutual close of the channel.
func (n *Node) CloseChannelCooperatively(channelID string,
	counterparty route.Vertex) error {

	if err := n.requireStarted(); err != nil {
		return err
	}

	n.record("closing channel %v with %v cooperatively", channelID,
		counterparty)

	return n.cfg.Engine.CloseChannelCooperatively(channelID, counterparty)
}

// CloseChannelForce force closes the channel.
func (n *Node) CloseChannelForce(channelID string) error {
	if err := n.requireStarted(); err != nil {
		return err
	}

	n.record("force closing channel %v", channelID)

	return n.cfg.Engine.CloseChannelForce(channelID)
}

// ListChannels returns all channels of the engine.
func (n *Node) ListChannels() ([]lnengine.ChannelDetails, error) {
	if err := n.requireStarted(); err != nil {
		return nil, err
	}

	return n.cfg.Engine.ListChannels()
}

// ListUsableChannels returns the channels that can send right now.
func (n *Node) ListUsableChannels() ([]lnengine.ChannelDetails, error) {
	if err := n.requireStarted(); err != nil {
		return nil, err
	}

	return n.cfg.Engine.ListUsableChannels()
}

// ListPeers returns the node ids of the connected peers. A listing the
// engine fails to produce yields no peers.
func (n *Node) ListPeers() ([]string, error) {
	if err := n.requireStarted(); err != nil {
		return nil, err
	}

	peers, err := n.cfg.Engine.ListPeers()
	if err != nil {
		log.Warnf("Unable to list peers: %v", err)
		n.record("unable to list peers: %v", err)

		return []string{}, nil
	}

	return peers, nil
}

// ConnectPeer connects to the node at host:port.
func (n *Node) ConnectPeer(pubKey route.Vertex, host string,
	port uint16) error {

	if err := n.requireStarted(); err != nil {
		return err
	}

	n.record("connecting to peer %v@%v:%d", pubKey, host, port)

	return n.cfg.Engine.ConnectPeer(pubKey, host, port)
}

// DisconnectByNodeID disconnects the given peer.
func (n *Node) DisconnectByNodeID(pubKey route.Vertex) error {
	if err := n.requireStarted(); err != nil {
		return err
	}

	n.record("disconnecting peer %v", pubKey)

	return n.cfg.Engine.DisconnectByNodeID(pubKey)
}

// ClosedChannels returns the channel closed events received so far.
func (n *Node) ClosedChannels() []ChannelClosed {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]ChannelClosed(nil), n.channelsClosed...)
}

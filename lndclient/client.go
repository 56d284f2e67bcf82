package lndclient

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/lightningnetwork/lnd/routing/route"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"
)

// DefaultRPCTimeout is the default timeout applied to every call made to the
// remote node.
const DefaultRPCTimeout = 30 * time.Second

// ErrNoMacaroon is returned when neither a macaroon file nor a hex encoded
// macaroon is configured.
var ErrNoMacaroon = errors.New("no macaroon configured")

// Config holds the connection settings of the remote lnd node that answers
// route and channel graph queries.
type Config struct {
	// Host is the host:port of the node's gRPC interface.
	Host string

	// TLSCertPath is the path to the node's TLS certificate. If empty,
	// the system roots are used.
	TLSCertPath string

	// MacaroonPath is the path to a macaroon granting read access.
	MacaroonPath string

	// MacaroonHex is a hex encoded macaroon. It takes precedence over
	// MacaroonPath.
	MacaroonHex string

	// RPCTimeout bounds every call.
	RPCTimeout time.Duration
}

// Client queries routes and the channel graph from a remote lnd node.
type Client struct {
	ln      lnrpc.LightningClient
	conn    *grpc.ClientConn
	timeout time.Duration
}

// loadMacaroon returns the configured macaroon.
func loadMacaroon(cfg *Config) (*macaroon.Macaroon, error) {
	var (
		macBytes []byte
		err      error
	)
	switch {
	case cfg.MacaroonHex != "":
		macBytes, err = hex.DecodeString(cfg.MacaroonHex)
		if err != nil {
			return nil, fmt.Errorf("invalid macaroon hex: %w", err)
		}

	case cfg.MacaroonPath != "":
		macBytes, err = os.ReadFile(cfg.MacaroonPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read macaroon: %w",
				err)
		}

	default:
		return nil, ErrNoMacaroon
	}

	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal macaroon: %w", err)
	}

	return mac, nil
}

// New connects to the node described by cfg.
func New(cfg *Config) (*Client, error) {
	var (
		creds credentials.TransportCredentials
		err   error
	)
	if cfg.TLSCertPath != "" {
		creds, err = credentials.NewClientTLSFromFile(
			cfg.TLSCertPath, "",
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS cert: %w",
				err)
		}
	} else {
		creds = credentials.NewTLS(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	mac, err := loadMacaroon(cfg)
	if err != nil {
		return nil, err
	}

	macCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("failed to create macaroon credential: "+
			"%w", err)
	}

	conn, err := grpc.NewClient(
		cfg.Host, grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCreds),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial lnd: %w", err)
	}

	log.Infof("Connected to lnd at %v", cfg.Host)

	client := NewFromLightningClient(lnrpc.NewLightningClient(conn),
		cfg.RPCTimeout)
	client.conn = conn

	return client, nil
}

// NewFromLightningClient wraps an existing lightning client.
func NewFromLightningClient(ln lnrpc.LightningClient,
	timeout time.Duration) *Client {

	if timeout == 0 {
		timeout = DefaultRPCTimeout
	}

	return &Client{
		ln:      ln,
		timeout: timeout,
	}
}

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// QueryRoutes asks the node for routes from source to dest able to carry amt.
func (c *Client) QueryRoutes(ctx context.Context, source, dest route.Vertex,
	amt lnwire.MilliSatoshi) (*lnrpc.QueryRoutesResponse, error) {

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := &lnrpc.QueryRoutesRequest{
		PubKey:       dest.String(),
		SourcePubKey: source.String(),
		AmtMsat:      int64(amt),
	}

	log.Debugf("Querying routes %v -> %v for %v", source, dest, amt)

	resp, err := c.ln.QueryRoutes(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}

	return resp, nil
}

// GetChanInfo returns the graph entry of the given channel.
func (c *Client) GetChanInfo(ctx context.Context,
	chanID lnwire.ShortChannelID) (*lnrpc.ChannelEdge, error) {

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	edge, err := c.ln.GetChanInfo(ctx, &lnrpc.ChanInfoRequest{
		ChanId: chanID.ToUint64(),
	})
	if err != nil {
		return nil, fmt.Errorf("get chan info %v: %w", chanID, err)
	}

	return edge, nil
}

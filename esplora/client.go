package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// DefaultRequestTimeout is the default timeout for a single HTTP
	// request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of retries for requests
	// that failed at the transport level.
	DefaultMaxRetries = 2

	// retryBackoff is multiplied by the attempt number to get the pause
	// before the next attempt.
	retryBackoff = 100 * time.Millisecond
)

var (
	// ErrClientShutdown is returned when the client has been shut down.
	ErrClientShutdown = errors.New("esplora client has been shut down")

	// ErrBlockNotFound is returned when a block cannot be found.
	ErrBlockNotFound = errors.New("block not found")

	// ErrTxNotFound is returned when a transaction cannot be found.
	ErrTxNotFound = errors.New("transaction not found")
)

// ClientConfig holds the configuration for the Esplora client.
type ClientConfig struct {
	// URL is the base URL of the Esplora API, for example
	// https://blockstream.info/testnet/api.
	URL string

	// RequestTimeout is the timeout for individual HTTP requests.
	RequestTimeout time.Duration

	// MaxRetries is the maximum number of retries for failed requests.
	MaxRetries int
}

// TxStatus represents transaction confirmation status.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// TxInfo represents transaction information from the API.
type TxInfo struct {
	TxID     string   `json:"txid"`
	Version  int32    `json:"version"`
	LockTime uint32   `json:"locktime"`
	Size     int      `json:"size"`
	Weight   int      `json:"weight"`
	Fee      int64    `json:"fee"`
	Vin      []TxVin  `json:"vin"`
	Vout     []TxVout `json:"vout"`
	Status   TxStatus `json:"status"`
}

// TxVin represents a transaction input.
type TxVin struct {
	TxID       string   `json:"txid"`
	Vout       uint32   `json:"vout"`
	PrevOut    *TxVout  `json:"prevout,omitempty"`
	ScriptSig  string   `json:"scriptsig"`
	Witness    []string `json:"witness,omitempty"`
	Sequence   uint32   `json:"sequence"`
	IsCoinbase bool     `json:"is_coinbase"`
}

// TxVout represents a transaction output.
type TxVout struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            int64  `json:"value"`
}

// MerkleProof represents a merkle proof for a transaction.
type MerkleProof struct {
	BlockHeight int64    `json:"block_height"`
	Merkle      []string `json:"merkle"`
	Pos         int      `json:"pos"`
}

// FeeEstimates represents fee estimates from the API.
// Keys are confirmation targets (as strings), values are fee rates in sat/vB.
type FeeEstimates map[string]float64

// StatusError is returned when the API answers with a non-200 status code.
type StatusError struct {
	Code int
	Body string
}

// Error returns a human readable description of the status error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.Code, e.Body)
}

// Client is an HTTP client for the Esplora REST API.
type Client struct {
	cfg *ClientConfig

	httpClient *http.Client

	quitOnce sync.Once
	quit     chan struct{}
}

// NewClient creates a new Esplora client with the given configuration.
func NewClient(cfg *ClientConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		quit: make(chan struct{}),
	}
}

// Stop shuts down the client. Requests in flight are abandoned and new ones
// fail with ErrClientShutdown.
func (c *Client) Stop() {
	c.quitOnce.Do(func() {
		log.Info("Stopping Esplora client")
		close(c.quit)
	})
}

// doRequest performs an HTTP request with retries. Only transport errors are
// retried, any HTTP response is handed back to the caller.
func (c *Client) doRequest(ctx context.Context, method, path string,
	body []byte) (*http.Response, error) {

	url := strings.TrimSuffix(c.cfg.URL, "/") + path

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.quit:
			return nil, ErrClientShutdown
		default:
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w",
				err)
		}

		if body != nil {
			req.Header.Set("Content-Type", "text/plain")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			log.Debugf("%s %s failed (attempt %d): %v", method, path,
				i+1, err)

			if i < c.cfg.MaxRetries {
				select {
				case <-time.After(time.Duration(i+1) *
					retryBackoff):

				case <-ctx.Done():
					return nil, ctx.Err()

				case <-c.quit:
					return nil, ErrClientShutdown
				}
			}

			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w",
		c.cfg.MaxRetries+1, lastErr)
}

// doGet performs a GET request and returns the response body.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{
			Code: resp.StatusCode,
			Body: string(body),
		}
	}

	return body, nil
}

// doGetJSON performs a GET request and decodes the JSON body into v.
func (c *Client) doGetJSON(ctx context.Context, path string, v any) error {
	body, err := c.doGet(ctx, path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// notFound maps a 404 status error to the given sentinel error.
func notFound(err error, sentinel error) error {
	var statusErr *StatusError
	if errors.As(err, &statusErr) &&
		statusErr.Code == http.StatusNotFound {

		return fmt.Errorf("%w: %v", sentinel, err)
	}

	return err
}

// GetTipHeight returns the current blockchain tip height.
func (c *Client) GetTipHeight(ctx context.Context) (int64, error) {
	body, err := c.doGet(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse height: %w", err)
	}

	return height, nil
}

// GetTipHash returns the current blockchain tip hash.
func (c *Client) GetTipHash(ctx context.Context) (string, error) {
	body, err := c.doGet(ctx, "/blocks/tip/hash")
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(body)), nil
}

// GetBlockHashByHeight fetches the block hash at a given height.
func (c *Client) GetBlockHashByHeight(ctx context.Context,
	height int64) (*chainhash.Hash, error) {

	body, err := c.doGet(ctx, fmt.Sprintf("/block-height/%d", height))
	if err != nil {
		return nil, notFound(err, ErrBlockNotFound)
	}

	hash, err := chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("invalid block hash: %w", err)
	}

	return hash, nil
}

// GetBlockHeaderHex fetches the raw block header of the given block and
// returns it hex encoded. The header is decoded before it is returned and its
// hash must match the requested one.
func (c *Client) GetBlockHeaderHex(ctx context.Context,
	blockHash *chainhash.Hash) (string, error) {

	body, err := c.doGet(ctx, "/block/"+blockHash.String()+"/header")
	if err != nil {
		return "", notFound(err, ErrBlockNotFound)
	}

	headerHex := strings.TrimSpace(string(body))
	header, err := DecodeBlockHeader(headerHex)
	if err != nil {
		return "", err
	}

	if header.BlockHash() != *blockHash {
		return "", fmt.Errorf("header hash %v does not match "+
			"requested block %v", header.BlockHash(), blockHash)
	}

	return headerHex, nil
}

// DecodeBlockHeader decodes a hex encoded 80 byte block header.
func DecodeBlockHeader(headerHex string) (*wire.BlockHeader, error) {
	headerBytes, err := hex.DecodeString(headerHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode header hex: %w", err)
	}

	header := &wire.BlockHeader{}
	err = header.Deserialize(bytes.NewReader(headerBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize header: %w", err)
	}

	return header, nil
}

// GetTransaction fetches transaction information by txid.
func (c *Client) GetTransaction(ctx context.Context,
	txid string) (*TxInfo, error) {

	var info TxInfo
	if err := c.doGetJSON(ctx, "/tx/"+txid, &info); err != nil {
		return nil, notFound(err, ErrTxNotFound)
	}

	return &info, nil
}

// GetRawTransaction fetches the raw transaction hex by txid.
func (c *Client) GetRawTransaction(ctx context.Context,
	txid string) (string, error) {

	body, err := c.doGet(ctx, "/tx/"+txid+"/hex")
	if err != nil {
		return "", notFound(err, ErrTxNotFound)
	}

	return strings.TrimSpace(string(body)), nil
}

// GetTxMerkleProof fetches the merkle proof for a transaction.
func (c *Client) GetTxMerkleProof(ctx context.Context,
	txid string) (*MerkleProof, error) {

	var proof MerkleProof
	err := c.doGetJSON(ctx, "/tx/"+txid+"/merkle-proof", &proof)
	if err != nil {
		return nil, notFound(err, ErrTxNotFound)
	}

	return &proof, nil
}

// GetAddressTxs fetches transactions for an address.
func (c *Client) GetAddressTxs(ctx context.Context,
	address string) ([]*TxInfo, error) {

	var txs []*TxInfo
	if err := c.doGetJSON(ctx, "/address/"+address+"/txs", &txs); err != nil {
		return nil, err
	}

	return txs, nil
}

// GetFeeEstimates fetches fee estimates for various confirmation targets.
func (c *Client) GetFeeEstimates(ctx context.Context) (FeeEstimates, error) {
	var estimates FeeEstimates
	if err := c.doGetJSON(ctx, "/fee-estimates", &estimates); err != nil {
		return nil, err
	}

	return estimates, nil
}

// BroadcastTransaction broadcasts a raw transaction to the network.
// Returns the txid on success.
func (c *Client) BroadcastTransaction(ctx context.Context,
	txHex string) (string, error) {

	resp, err := c.doRequest(ctx, http.MethodPost, "/tx", []byte(txHex))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("broadcast failed: %w", &StatusError{
			Code: resp.StatusCode,
			Body: string(body),
		})
	}

	return strings.TrimSpace(string(body)), nil
}

// Package mobile exposes the node to mobile apps through gomobile. The host
// app implements NativeEngine and NativeStorage around the native payment
// engine and the platform's storage, and forwards the engine's events to
// Node.HandleEvent.
package mobile

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnmobile"
	"github.com/lightningnetwork/lnmobile/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

// Callback is an interface that is passed in by callers of the library, and
// specifies where the responses should be delivered.
type Callback interface {
	// OnResponse is called by the library when the result of a call is
	// available.
	OnResponse([]byte)

	// OnError is called by the library if any error is encountered during
	// the execution of the call.
	OnError(error)
}

// Subscriber receives the notifications of a node: the name of the event
// and its JSON payload.
type Subscriber interface {
	OnEvent(name string, payload []byte)
}

// Node is a node driving a native payment engine.
type Node struct {
	cfg  *lnmobile.Config
	node *lnmobile.Node

	registry *prometheus.Registry
	exporter *monitoring.Exporter
	cleanup  func()

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// splitArgs splits an argument string on "--" into command line arguments.
func splitArgs(extraArgs string) []string {
	var args []string
	for _, a := range strings.Split(extraArgs, "--") {
		// Trim any whitespace space, and ignore empty params.
		a := strings.TrimSpace(a)
		if a == "" {
			continue
		}

		// Finally we prefix any non-empty string with -- to mimic the
		// regular command line arguments.
		args = append(args, "--"+a)
	}

	return args
}

// NewNode creates a node.
//
// extraArgs can be used to pass command line arguments that override what
// is found in the config file. Example:
//
//	extraArgs = "--network=signet --appdir=/data/app --sync.interval=30s"
//
// NOTE: On mobile platforms the '--appdir' argument should be set to the
// current app directory in order to ensure the node has the permissions
// needed to write to it.
func NewNode(engine NativeEngine, store NativeStorage,
	extraArgs string) (*Node, error) {

	cfg, err := lnmobile.LoadConfig(splitArgs(extraArgs))
	if err != nil {
		return nil, err
	}

	service, cleanup, err := cfg.ChainService()
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:     cfg,
		cleanup: cleanup,
	}

	nodeCfg := &lnmobile.NodeConfig{
		Engine:              newEngineAdapter(engine),
		Service:             service,
		Storage:             &storageAdapter{native: store},
		PersistDelay:        cfg.Node.PersistDelay,
		ReconcileWorkers:    cfg.Sync.Workers,
		FundingPollInterval: cfg.Node.FundingPollInterval,
		FundingPollAttempts: cfg.Node.FundingPollAttempts,
		LogBufferSize:       cfg.Node.LogBufferSize,
	}

	if cfg.Sync.HealthCheckInterval > 0 {
		nodeCfg.HealthCheck = &lnmobile.HealthCheckConfig{
			Interval: cfg.Sync.HealthCheckInterval,
			Timeout:  cfg.Sync.HealthCheckTimeout,
			Backoff:  cfg.Sync.HealthCheckBackoff,
			Attempts: cfg.Sync.HealthCheckAttempts,
		}
	}

	if cfg.Node.MetricsListen != "" {
		n.registry = prometheus.NewRegistry()
		nodeCfg.Metrics, err = monitoring.NewMetrics(n.registry)
		if err != nil {
			cleanup()
			return nil, err
		}
	}

	n.node, err = lnmobile.NewNode(nodeCfg)
	if err != nil {
		cleanup()
		return nil, err
	}

	return n, nil
}

// Start starts the node in a new goroutine. The callback is called once the
// engine runs. The reconciliation scheduler is started along with it.
func (n *Node) Start(entropyHex, writablePath string, cb Callback) {
	go func() {
		if err := n.start(entropyHex, writablePath); err != nil {
			cb.OnError(err)
			return
		}

		cb.OnResponse([]byte{})
	}()
}

func (n *Node) start(entropyHex, writablePath string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	ctx, cancel := context.WithTimeout(
		context.Background(), n.cfg.Esplora.RequestTimeout,
	)
	defer cancel()

	if err := n.node.Start(ctx, entropyHex, writablePath); err != nil {
		return err
	}

	if n.registry != nil {
		exporter, err := monitoring.ExportPrometheusMetrics(
			n.cfg.Node.MetricsListen, n.registry,
		)
		if err != nil {
			// The exporter error is the one the host needs to see.
			_ = n.node.Stop()

			return fmt.Errorf("unable to start metrics exporter: %w",
				err)
		}
		n.exporter = exporter
	}

	schedCtx, schedCancel := context.WithCancel(context.Background())
	n.cancel = schedCancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		err := n.node.RunScheduler(
			schedCtx, ticker.New(n.cfg.Sync.Interval),
		)
		if err != nil && schedCtx.Err() == nil {
			_ = n.node.HandleEvent(lnmobile.EventLog, logPayload(
				fmt.Sprintf("scheduler stopped: %v", err),
			))
		}
	}()

	return nil
}

// logPayload returns the payload of a log event carrying line.
func logPayload(line string) []byte {
	b, _ := json.Marshal(&lnmobile.LogLine{Line: line})
	return b
}

// Stop stops the node and releases its connections.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.cancel != nil {
		n.cancel()
	}

	err := n.node.Stop()
	n.wg.Wait()

	if n.exporter != nil {
		if err := n.exporter.Close(); err != nil {
			return err
		}
		n.exporter = nil
	}

	n.cleanup()

	return err
}

// HandleEvent passes an event emitted by the native engine to the node.
func (n *Node) HandleEvent(name string, payload []byte) error {
	return n.node.HandleEvent(name, payload)
}

// Subscribe forwards the node's notifications to sub until the node stops.
func (n *Node) Subscribe(sub Subscriber) error {
	client, err := n.node.Subscribe()
	if err != nil {
		return err
	}

	go func() {
		defer client.Cancel()

		for {
			select {
			case update := <-client.Updates():
				name, payload, err := encodeUpdate(update)
				if err != nil {
					continue
				}
				sub.OnEvent(name, payload)

			case <-client.Quit():
				return
			}
		}
	}()

	return nil
}

// encodeUpdate returns the event name and JSON payload of a notification.
func encodeUpdate(update interface{}) (string, []byte, error) {
	var name string
	switch update.(type) {
	case *lnmobile.PaymentSent:
		name = lnmobile.EventPaymentSent
	case *lnmobile.PaymentFailed:
		name = lnmobile.EventPaymentFailed
	case *lnmobile.PaymentPathFailed:
		name = lnmobile.EventPaymentPathFailed
	case *lnmobile.PaymentReceived:
		name = lnmobile.EventPaymentReceived
	case *lnmobile.FundingGenerationReady:
		name = lnmobile.EventFundingGenerationReady
	case *lnmobile.ChannelClosed:
		name = lnmobile.EventChannelClosed
	case *lnmobile.BackendUnhealthy:
		name = "backend_unhealthy"
	default:
		return "", nil, fmt.Errorf("unknown update %T", update)
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return "", nil, err
	}

	return name, payload, nil
}

// CheckBlockchain runs a reconciliation cycle in a new goroutine.
func (n *Node) CheckBlockchain(cb Callback) {
	go func() {
		err := n.node.CheckBlockchain(context.Background(), nil)
		if err != nil {
			cb.OnError(err)
			return
		}

		cb.OnResponse([]byte{})
	}()
}

// OpenChannelStep1 starts opening a channel with the hex encoded node id in
// a new goroutine. The callback receives the funding address.
func (n *Node) OpenChannelStep1(pubKey string, amtSat int64, cb Callback) {
	go func() {
		vertex, err := route.NewVertexFromStr(pubKey)
		if err != nil {
			cb.OnError(err)
			return
		}

		addr, err := n.node.OpenChannelStep1(
			context.Background(), vertex, btcutil.Amount(amtSat),
		)
		if err != nil {
			cb.OnError(err)
			return
		}

		cb.OnResponse([]byte(addr))
	}()
}

// OpenChannelStep2 hands the signed funding transaction to the engine.
func (n *Node) OpenChannelStep2(txHex, counterparty string) error {
	vertex, err := route.NewVertexFromStr(counterparty)
	if err != nil {
		return err
	}

	return n.node.OpenChannelStep2(txHex, vertex)
}

// CloseChannelCooperatively starts a mutual close of the channel.
func (n *Node) CloseChannelCooperatively(channelID,
	counterparty string) error {

	vertex, err := route.NewVertexFromStr(counterparty)
	if err != nil {
		return err
	}

	return n.node.CloseChannelCooperatively(channelID, vertex)
}

// CloseChannelForce force closes the channel.
func (n *Node) CloseChannelForce(channelID string) error {
	return n.node.CloseChannelForce(channelID)
}

// SendPayment pays the invoice along a generated route in a new goroutine.
func (n *Node) SendPayment(payReq string, cb Callback) {
	go func() {
		err := n.node.SendPayment(context.Background(), payReq)
		if err != nil {
			cb.OnError(err)
			return
		}

		cb.OnResponse([]byte{})
	}()
}

// PayInvoice pays the invoice using the engine's pathfinding.
func (n *Node) PayInvoice(payReq string, amtSat int64) error {
	return n.node.PayInvoice(payReq, btcutil.Amount(amtSat))
}

// ListChannels returns the JSON encoded channels of the engine.
func (n *Node) ListChannels() ([]byte, error) {
	channels, err := n.node.ListChannels()
	if err != nil {
		return nil, err
	}

	return json.Marshal(channels)
}

// ListPeers returns the JSON encoded node ids of the connected peers.
func (n *Node) ListPeers() ([]byte, error) {
	peers, err := n.node.ListPeers()
	if err != nil {
		return nil, err
	}

	return json.Marshal(peers)
}

// ConnectPeer connects to the node at host:port.
func (n *Node) ConnectPeer(pubKey, host string, port int32) error {
	vertex, err := route.NewVertexFromStr(pubKey)
	if err != nil {
		return err
	}

	return n.node.ConnectPeer(vertex, host, uint16(port))
}

// NodeID returns the hex encoded node public key.
func (n *Node) NodeID() (string, error) {
	nodeID, err := n.node.NodeID()
	if err != nil {
		return "", err
	}

	return nodeID.String(), nil
}

// SetRefundAddressScript sets the hex encoded script closing funds are sent
// to.
func (n *Node) SetRefundAddressScript(scriptHex string) error {
	script, err := hex.DecodeString(scriptHex)
	if err != nil {
		return err
	}

	return n.node.SetRefundAddressScript(script)
}

// Logs returns the JSON encoded recent log entries.
func (n *Node) Logs() ([]byte, error) {
	return json.Marshal(n.node.Logs())
}

// CleanLogs drops all recent log entries.
func (n *Node) CleanLogs() {
	n.node.CleanLogs()
}

// SelfTest runs the node's self test.
func (n *Node) SelfTest(skipEvents bool) error {
	return n.node.SelfTest(context.Background(), skipEvents)
}

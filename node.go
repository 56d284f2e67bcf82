// Package lnmobile drives a native Lightning payment engine on a mobile
// device. The Node keeps the engine's view of the chain current, persists the
// engine's channel state, reacts to the engine's events and builds payment
// routes for it.
package lnmobile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnd/subscribe"
	"github.com/lightningnetwork/lnmobile/chainsvc"
	"github.com/lightningnetwork/lnmobile/chainsync"
	"github.com/lightningnetwork/lnmobile/lnengine"
	"github.com/lightningnetwork/lnmobile/monitoring"
	"github.com/lightningnetwork/lnmobile/persist"
	"github.com/lightningnetwork/lnmobile/routegen"
	"github.com/lightningnetwork/lnmobile/storage"
	"github.com/lightningnetwork/lnmobile/watchset"
)

const (
	// ChannelMonitorPrefix is the storage key prefix of channel monitor
	// snapshots. The channel id follows the prefix.
	ChannelMonitorPrefix = "channel_monitor_"

	// ChannelManagerKey is the storage key of the channel manager
	// snapshot.
	ChannelManagerKey = "channel_manager"

	// eventQueueSize is the number of engine events buffered in memory
	// before the queue overflows to its backlog.
	eventQueueSize = 100

	// logTimeFormat is the layout of log entry timestamps.
	logTimeFormat = "2006-01-02 15:04:05.000"
)

const (
	stateIdle int32 = iota
	stateStarted
	stateStopped
)

var (
	// ErrNotStarted is returned by operations that need a running node.
	ErrNotStarted = errors.New("node not started")

	// ErrAlreadyStarted is returned when starting a node twice.
	ErrAlreadyStarted = errors.New("node already started")

	// ErrNoStorage is returned when starting a node without storage.
	ErrNoStorage = errors.New("storage not set")

	// ErrCycleInProgress is returned when a reconciliation cycle is
	// requested while another one is running.
	ErrCycleInProgress = errors.New("reconciliation cycle in progress")
)

// NodeConfig holds the collaborators and options of a Node.
type NodeConfig struct {
	// Engine is the native payment engine.
	Engine lnengine.Engine

	// Service provides chain data, routing data and decoding.
	Service chainsvc.ExternalService

	// Storage persists the engine's snapshots. It may be set later with
	// SetStorage, but must be present when the node starts.
	Storage storage.Store

	// WatchSet collects the outputs and transactions the engine asks to
	// be monitored. A fresh set is used if nil.
	WatchSet *watchset.Set

	// Clock drives persistence delays and the funding poll. Defaults to
	// the wall clock.
	Clock clock.Clock

	// PersistDelay is the quiet period before a snapshot is written.
	PersistDelay time.Duration

	// ReconcileWorkers bounds the concurrent chain lookups of a cycle.
	ReconcileWorkers int

	// FundingPollInterval and FundingPollAttempts bound the wait for the
	// funding output of a channel being opened.
	FundingPollInterval time.Duration
	FundingPollAttempts int

	// LogBufferSize is the number of log entries kept for Logs.
	LogBufferSize int

	// HealthCheck enables the chain backend health check if set.
	HealthCheck *HealthCheckConfig

	// Metrics is optional.
	Metrics *monitoring.Metrics
}

// LogEntry is a line of the node's in-memory log.
type LogEntry struct {
	Timestamp string `json:"ts"`
	Line      string `json:"line"`
}

// Node is the context object tying the payment engine to its chain and
// routing data, storage and event stream.
type Node struct {
	state       atomic.Int32
	cycleActive atomic.Bool

	cfg *NodeConfig

	reconciler *chainsync.Reconciler
	routes     *routegen.Generator
	persister  *persist.Coalescer
	events     *fn.ConcurrentQueue[engineEvent]
	ntfnServer *subscribe.Server
	health     *healthcheck.Monitor

	storageMtx sync.RWMutex

	logMtx sync.Mutex
	logs   *queue.CircularBuffer

	// mu guards the event histories below.
	mu                 sync.Mutex
	fundingsReady      []FundingGenerationReady
	channelsClosed     []ChannelClosed
	sentPayments       []PaymentSent
	receivedPayments   []PaymentReceived
	failedPayments     []PaymentFailed
	failedPathPayments []PaymentPathFailed

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewNode creates a Node. The node must be started before use.
func NewNode(cfg *NodeConfig) (*Node, error) {
	switch {
	case cfg.Engine == nil:
		return nil, errors.New("payment engine required")

	case cfg.Service == nil:
		return nil, errors.New("external service required")
	}

	if cfg.WatchSet == nil {
		cfg.WatchSet = watchset.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.PersistDelay <= 0 {
		cfg.PersistDelay = persist.DefaultDelay
	}
	if cfg.FundingPollInterval <= 0 {
		cfg.FundingPollInterval = DefaultFundingPollInterval
	}
	if cfg.FundingPollAttempts <= 0 {
		cfg.FundingPollAttempts = DefaultFundingPollAttempts
	}
	if cfg.LogBufferSize <= 0 {
		cfg.LogBufferSize = defaultLogBufferSize
	}

	logs, err := queue.NewCircularBuffer(cfg.LogBufferSize)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg: cfg,
		reconciler: chainsync.New(&chainsync.Config{
			Chain:    cfg.Service,
			Engine:   cfg.Engine,
			WatchSet: cfg.WatchSet,
			Workers:  cfg.ReconcileWorkers,
			Metrics:  cfg.Metrics,
		}),
		routes:     routegen.NewGenerator(cfg.Service),
		events:     fn.NewConcurrentQueue[engineEvent](eventQueueSize),
		ntfnServer: subscribe.NewServer(),
		logs:       logs,
		quit:       make(chan struct{}),
	}

	n.persister = persist.New(persist.Config{
		Delay: cfg.PersistDelay,
		Clock: cfg.Clock,
		Flush: n.persistSnapshot,
		OnError: func(key string, err error) {
			n.record("unable to persist %v: %v", key, err)
		},
	})

	if cfg.HealthCheck != nil {
		n.health = n.newHealthMonitor(cfg.HealthCheck)
	}

	return n, nil
}

// SetStorage sets the storage the engine's snapshots are kept in. It has no
// effect once the node is started.
func (n *Node) SetStorage(store storage.Store) {
	n.storageMtx.Lock()
	defer n.storageMtx.Unlock()

	n.cfg.Storage = store
}

// store returns the configured storage.
func (n *Node) store() storage.Store {
	n.storageMtx.RLock()
	defer n.storageMtx.RUnlock()

	return n.cfg.Storage
}

// persistSnapshot writes a snapshot to storage.
func (n *Node) persistSnapshot(key, value string) error {
	store := n.store()
	if store == nil {
		return ErrNoStorage
	}

	n.record("persisting %v", key)

	return store.Set(key, value)
}

// Started returns true if the node is running.
func (n *Node) Started() bool {
	return n.state.Load() == stateStarted
}

// requireStarted returns ErrNotStarted unless the node is running.
func (n *Node) requireStarted() error {
	if !n.Started() {
		return ErrNotStarted
	}

	return nil
}

// loadSnapshots reads the channel manager and channel monitor snapshots.
func (n *Node) loadSnapshots(store storage.Store) (string, []string,
	error) {

	keys, err := storage.KeysWithPrefix(store, ChannelMonitorPrefix)
	if err != nil {
		return "", nil, fmt.Errorf("unable to list monitors: %w", err)
	}

	n.record("found %d channel monitors", len(keys))

	monitors := make([]string, 0, len(keys))
	for _, key := range keys {
		value, err := store.Get(key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			continue

		case err != nil:
			return "", nil, fmt.Errorf("unable to read %v: %w", key,
				err)

		case value == "":
			continue
		}

		monitors = append(monitors, value)
	}

	manager, err := store.Get(ChannelManagerKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		manager = ""

	case err != nil:
		return "", nil, fmt.Errorf("unable to read channel manager: "+
			"%w", err)
	}

	return manager, monitors, nil
}

// Start loads the engine's snapshots from storage and starts the engine at
// the current chain tip. writablePath is a persistent directory for the
// engine's network graph, graph sync is disabled if it is empty.
func (n *Node) Start(ctx context.Context, entropyHex,
	writablePath string) error {

	store := n.store()
	if store == nil {
		return ErrNoStorage
	}

	if !n.state.CompareAndSwap(stateIdle, stateStarted) {
		return ErrAlreadyStarted
	}

	n.record("node starting")

	req, err := n.startRequest(ctx, store, entropyHex, writablePath)
	if err != nil {
		n.state.Store(stateIdle)
		return err
	}

	if err := n.ntfnServer.Start(); err != nil {
		n.state.Store(stateIdle)
		return err
	}

	n.events.Start()

	n.wg.Add(1)
	go n.eventLoop()

	if n.health != nil {
		if err := n.health.Start(); err != nil {
			n.shutdown()
			return fmt.Errorf("unable to start health check: %w",
				err)
		}
	}

	if err := n.cfg.Engine.Start(req); err != nil {
		n.shutdown()
		return fmt.Errorf("unable to start engine: %w", err)
	}

	log.Infof("Node started at height %d with %d channel monitors",
		req.BlockHeight, len(req.ChannelMonitors))

	return nil
}

// startRequest assembles the engine's start parameters.
func (n *Node) startRequest(ctx context.Context, store storage.Store,
	entropyHex, writablePath string) (*lnengine.StartRequest, error) {

	manager, monitors, err := n.loadSnapshots(store)
	if err != nil {
		return nil, err
	}

	height, err := n.cfg.Service.GetTipHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch tip height: %w", err)
	}

	hash, err := n.cfg.Service.GetBlockHash(ctx, height)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch tip hash: %w", err)
	}

	n.record("starting with height=%d, hash=%v, manager=%d bytes, "+
		"monitors=%d", height, hash, len(manager)/2, len(monitors))

	return &lnengine.StartRequest{
		EntropyHex:      entropyHex,
		BlockHeight:     height,
		BlockHash:       hash.String(),
		ChannelManager:  manager,
		ChannelMonitors: monitors,
		WritablePath:    writablePath,
	}, nil
}

// Stop stops the engine, flushes pending snapshots and releases the node's
// goroutines. A stopped node can't be restarted.
func (n *Node) Stop() error {
	if !n.state.CompareAndSwap(stateStarted, stateStopped) {
		return ErrNotStarted
	}

	n.record("stopping node")

	err := n.cfg.Engine.Stop()
	if err != nil {
		log.Errorf("Unable to stop engine: %v", err)
	}

	n.shutdown()

	log.Infof("Node stopped")

	return err
}

// shutdown releases everything Start set up and marks the node stopped.
func (n *Node) shutdown() {
	n.state.Store(stateStopped)

	close(n.quit)

	if n.health != nil {
		if err := n.health.Stop(); err != nil {
			log.Errorf("Unable to stop health check: %v", err)
		}
	}

	n.wg.Wait()
	n.events.Stop()

	// The event loop is gone, so nothing schedules snapshots anymore.
	n.persister.Stop()

	if err := n.ntfnServer.Stop(); err != nil {
		log.Errorf("Unable to stop notification server: %v", err)
	}

	// The engine registers everything again when it starts.
	n.cfg.WatchSet.Reset()
}

// CheckBlockchain runs one reconciliation cycle. progress, if set, receives
// the progress of the cycle.
func (n *Node) CheckBlockchain(ctx context.Context,
	progress chainsync.ProgressFunc) error {

	if err := n.requireStarted(); err != nil {
		return err
	}

	if !n.cycleActive.CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	defer n.cycleActive.Store(false)

	n.record("checking blockchain")

	if err := n.reconciler.Reconcile(ctx, progress); err != nil {
		return err
	}

	n.record("blockchain check done")

	return nil
}

// Subscribe returns a client receiving the node's notifications: payment
// and channel events of the engine and BackendUnhealthy updates.
func (n *Node) Subscribe() (*subscribe.Client, error) {
	if err := n.requireStarted(); err != nil {
		return nil, err
	}

	return n.ntfnServer.Subscribe()
}

// publish sends an update to all subscribers.
func (n *Node) publish(update interface{}) {
	if err := n.ntfnServer.SendUpdate(update); err != nil {
		log.Debugf("Unable to publish %T: %v", update, err)
	}
}

// record writes a line to the node's log and to the in-memory log.
func (n *Node) record(format string, params ...interface{}) {
	line := fmt.Sprintf(format, params...)
	log.Debug(line)

	n.addLog(LogEntry{
		Timestamp: n.cfg.Clock.Now().UTC().Format(logTimeFormat),
		Line:      line,
	})
}

// addLog appends an entry to the in-memory log.
func (n *Node) addLog(entry LogEntry) {
	n.logMtx.Lock()
	defer n.logMtx.Unlock()

	n.logs.Add(entry)
}

// Logs returns the most recent log entries, oldest first.
func (n *Node) Logs() []LogEntry {
	n.logMtx.Lock()
	items := n.logs.List()
	n.logMtx.Unlock()

	entries := make([]LogEntry, 0, len(items))
	for _, item := range items {
		if entry, ok := item.(LogEntry); ok {
			entries = append(entries, entry)
		}
	}

	return entries
}

// CleanLogs drops all in-memory log entries.
func (n *Node) CleanLogs() {
	n.logMtx.Lock()
	defer n.logMtx.Unlock()

	logs, err := queue.NewCircularBuffer(n.cfg.LogBufferSize)
	if err != nil {
		log.Errorf("Unable to reset log buffer: %v", err)
		return
	}
	n.logs = logs
}

// NodeID returns the engine's node public key.
func (n *Node) NodeID() (route.Vertex, error) {
	if err := n.requireStarted(); err != nil {
		return route.Vertex{}, err
	}

	nodeID, err := n.cfg.Engine.NodeID()
	if err != nil {
		return route.Vertex{}, err
	}

	n.record("node id %v", nodeID)

	return nodeID, nil
}

// SaveNetworkGraph makes the engine write its network graph to disk.
func (n *Node) SaveNetworkGraph() error {
	return n.cfg.Engine.SaveNetworkGraph()
}

// SetRefundAddressScript sets the script the engine sends closing funds to.
func (n *Node) SetRefundAddressScript(script []byte) error {
	n.record("setting refund script to %x", script)

	return n.cfg.Engine.SetRefundAddressScript(script)
}

// MaturingBalance returns the balance of timelocked outputs.
func (n *Node) MaturingBalance() (btcutil.Amount, error) {
	return n.cfg.Engine.MaturingBalance()
}

// MaturingHeight returns the height at which the maturing balance becomes
// spendable.
func (n *Node) MaturingHeight() (uint32, error) {
	return n.cfg.Engine.MaturingHeight()
}

// Version returns the engine version.
func (n *Node) Version() (string, error) {
	return n.cfg.Engine.Version()
}

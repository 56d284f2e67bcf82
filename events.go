package lnmobile

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lnutils"
	"github.com/lightningnetwork/lnmobile/monitoring"
	"github.com/lightningnetwork/lnmobile/watchset"
)

// Names of the events the payment engine emits.
const (
	EventLog                    = "log"
	EventRegisterOutput         = "marker_register_output"
	EventRegisterTx             = "register_tx"
	EventBroadcast              = "broadcast"
	EventPersist                = "persist"
	EventPersistManager         = "persist_manager"
	EventPaymentSent            = "payment_sent"
	EventPaymentFailed          = "payment_failed"
	EventPaymentPathFailed      = "payment_path_failed"
	EventPaymentReceived        = "payment_received"
	EventFundingGenerationReady = "funding_generation_ready"
	EventChannelClosed          = "channel_closed"
)

// broadcastTimeout bounds the broadcast of a transaction the engine hands
// over.
const broadcastTimeout = time.Minute

var (
	// ErrMissingField is returned for engine events lacking a required
	// field.
	ErrMissingField = errors.New("missing required field")

	// ErrUnknownEvent is returned for events with an unknown name.
	ErrUnknownEvent = errors.New("unknown event")
)

// missing returns the error for an absent required field.
func missing(field string) error {
	return fmt.Errorf("%w: %v", ErrMissingField, field)
}

// FlexUint64 is an unsigned integer that decodes from a JSON number or a
// numeric JSON string. The engine uses both forms.
type FlexUint64 uint64

// UnmarshalJSON decodes a number or a numeric string.
func (f *FlexUint64) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}

	s = strings.Trim(s, `"`)
	if s == "" {
		*f = 0
		return nil
	}

	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid number %v: %w", string(b), err)
	}
	*f = FlexUint64(v)

	return nil
}

// engineEvent is a decoded engine event.
type engineEvent interface {
	// validate checks the decoded payload.
	validate() error

	// handle applies the event to the node. It runs on the event loop.
	handle(n *Node)
}

// eventTable maps an event name to a constructor of its payload.
var eventTable = map[string]func() engineEvent{
	EventLog:                    func() engineEvent { return &LogLine{} },
	EventRegisterOutput:         func() engineEvent { return &RegisterOutput{} },
	EventRegisterTx:             func() engineEvent { return &RegisterTx{} },
	EventBroadcast:              func() engineEvent { return &Broadcast{} },
	EventPersist:                func() engineEvent { return &Persist{} },
	EventPersistManager:         func() engineEvent { return &PersistManager{} },
	EventPaymentSent:            func() engineEvent { return &PaymentSent{} },
	EventPaymentFailed:          func() engineEvent { return &PaymentFailed{} },
	EventPaymentPathFailed:      func() engineEvent { return &PaymentPathFailed{} },
	EventPaymentReceived:        func() engineEvent { return &PaymentReceived{} },
	EventFundingGenerationReady: func() engineEvent { return &FundingGenerationReady{} },
	EventChannelClosed:          func() engineEvent { return &ChannelClosed{} },
}

// decodeEvent decodes and validates the payload of the named event.
func decodeEvent(name string, payload []byte) (engineEvent, error) {
	newEvent, ok := eventTable[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}

	ev := newEvent()
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, fmt.Errorf("unable to decode %v event: %w", name,
			err)
	}

	if err := ev.validate(); err != nil {
		return nil, fmt.Errorf("invalid %v event: %w", name, err)
	}

	return ev, nil
}

// HandleEvent decodes an event emitted by the payment engine and queues it
// for the event loop. Invalid events are rejected without any effect.
func (n *Node) HandleEvent(name string, payload []byte) error {
	ev, err := decodeEvent(name, payload)
	if err != nil {
		return err
	}

	if err := n.requireStarted(); err != nil {
		return err
	}

	select {
	case n.events.ChanIn() <- ev:
		return nil

	case <-n.quit:
		return ErrNotStarted
	}
}

// eventLoop applies queued events in arrival order.
func (n *Node) eventLoop() {
	defer n.wg.Done()

	for {
		select {
		case ev := <-n.events.ChanOut():
			log.Tracef("Handling engine event %T: %v", ev,
				lnutils.SpewLogClosure(ev))

			ev.handle(n)

		case <-n.quit:
			return
		}
	}
}

// LogLine is a log line of the engine.
type LogLine struct {
	Timestamp string `json:"ts"`
	Line      string `json:"line"`
}

func (e *LogLine) validate() error {
	return nil
}

func (e *LogLine) handle(n *Node) {
	if e.Timestamp == "" {
		e.Timestamp = n.cfg.Clock.Now().UTC().Format(logTimeFormat)
	}

	engLog.Info(e.Line)
	n.addLog(LogEntry(*e))
}

// RegisterOutput asks for an output to be monitored.
type RegisterOutput struct {
	BlockHash    string     `json:"block_hash"`
	Index        FlexUint64 `json:"index"`
	ScriptPubkey string     `json:"script_pubkey"`

	script []byte
}

func (e *RegisterOutput) validate() error {
	if e.ScriptPubkey == "" {
		return missing("script_pubkey")
	}
	if e.Index > math.MaxUint32 {
		return fmt.Errorf("output index %d out of range", e.Index)
	}

	script, err := hex.DecodeString(e.ScriptPubkey)
	if err != nil {
		return fmt.Errorf("invalid script_pubkey: %w", err)
	}
	e.script = script

	return nil
}

func (e *RegisterOutput) handle(n *Node) {
	added := n.cfg.WatchSet.RegisterOutput(watchset.Output{
		BlockHash: e.BlockHash,
		Index:     uint32(e.Index),
		Script:    e.script,
	})
	if added {
		n.record("registered output %d of block %v, script=%v",
			e.Index, e.BlockHash, e.ScriptPubkey)
	}
}

// RegisterTx asks for a transaction to be monitored. The txid is in the
// engine's little-endian byte order.
type RegisterTx struct {
	Txid         string `json:"txid"`
	ScriptPubkey string `json:"script_pubkey"`

	script []byte
}

func (e *RegisterTx) validate() error {
	if e.Txid == "" {
		return missing("txid")
	}
	if _, err := watchset.ReverseTxid(e.Txid); err != nil {
		return err
	}

	script, err := hex.DecodeString(e.ScriptPubkey)
	if err != nil {
		return fmt.Errorf("invalid script_pubkey: %w", err)
	}
	e.script = script

	return nil
}

func (e *RegisterTx) handle(n *Node) {
	added, err := n.cfg.WatchSet.RegisterTransaction(e.Txid, e.script)
	switch {
	case err != nil:
		log.Errorf("Unable to register tx %v: %v", e.Txid, err)

	case added:
		n.record("registered tx %v", e.Txid)
	}
}

// Broadcast asks for a transaction to be published.
type Broadcast struct {
	TxHex string `json:"txhex"`
}

func (e *Broadcast) validate() error {
	if e.TxHex == "" {
		return missing("txhex")
	}

	return nil
}

func (e *Broadcast) handle(n *Node) {
	n.record("broadcasting %v", e.TxHex)

	ctx, cancel := n.quitContext(broadcastTimeout)
	defer cancel()

	txid, err := n.cfg.Service.BroadcastTransaction(ctx, e.TxHex)
	if err != nil {
		log.Errorf("Unable to broadcast transaction: %v", err)
		n.record("broadcast failed: %v", err)

		return
	}

	n.record("broadcast %v", txid)
}

// quitContext returns a context that is canceled after timeout or when the
// node stops.
func (n *Node) quitContext(timeout time.Duration) (context.Context,
	context.CancelFunc) {

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	go func() {
		select {
		case <-n.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// Persist carries a channel monitor snapshot.
type Persist struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

func (e *Persist) validate() error {
	switch {
	case e.ID == "":
		return missing("id")

	case e.Data == "":
		return missing("data")
	}

	return nil
}

func (e *Persist) handle(n *Node) {
	err := n.persister.Schedule(ChannelMonitorPrefix+e.ID, e.Data)
	if err != nil {
		log.Errorf("Unable to schedule monitor %v: %v", e.ID, err)
	}
}

// PersistManager carries a channel manager snapshot.
type PersistManager struct {
	ChannelManagerBytes string `json:"channel_manager_bytes"`
}

func (e *PersistManager) validate() error {
	if e.ChannelManagerBytes == "" {
		return missing("channel_manager_bytes")
	}

	return nil
}

func (e *PersistManager) handle(n *Node) {
	err := n.persister.Schedule(ChannelManagerKey, e.ChannelManagerBytes)
	if err != nil {
		log.Errorf("Unable to schedule channel manager: %v", err)
	}
}

// PaymentSent reports a successful outgoing payment.
type PaymentSent struct {
	PaymentPreimage string `json:"payment_preimage"`
}

func (e *PaymentSent) validate() error {
	if e.PaymentPreimage == "" {
		return missing("payment_preimage")
	}

	return nil
}

func (e *PaymentSent) handle(n *Node) {
	n.record("payment sent, preimage=%v", e.PaymentPreimage)

	n.mu.Lock()
	n.sentPayments = append(n.sentPayments, *e)
	n.mu.Unlock()

	n.cfg.Metrics.PaymentResult(monitoring.PaymentSent)
	n.publish(e)
}

// PaymentFailed reports a failed outgoing payment.
type PaymentFailed struct {
	RejectedByDest bool   `json:"rejected_by_dest"`
	PaymentHash    string `json:"payment_hash"`
}

func (e *PaymentFailed) validate() error {
	if e.PaymentHash == "" {
		return missing("payment_hash")
	}

	return nil
}

func (e *PaymentFailed) handle(n *Node) {
	log.Warnf("Payment %v failed, rejected_by_dest=%v", e.PaymentHash,
		e.RejectedByDest)
	n.record("payment failed: %v", e.PaymentHash)

	n.mu.Lock()
	n.failedPayments = append(n.failedPayments, *e)
	n.mu.Unlock()

	n.cfg.Metrics.PaymentResult(monitoring.PaymentFailed)
	n.publish(e)
}

// PaymentPathFailed reports the failure of one path of an outgoing payment.
type PaymentPathFailed struct {
	RejectedByDest bool   `json:"rejected_by_dest"`
	PaymentHash    string `json:"payment_hash"`
}

func (e *PaymentPathFailed) validate() error {
	if e.PaymentHash == "" {
		return missing("payment_hash")
	}

	return nil
}

func (e *PaymentPathFailed) handle(n *Node) {
	log.Warnf("Payment path of %v failed, rejected_by_dest=%v",
		e.PaymentHash, e.RejectedByDest)
	n.record("payment path failed: %v", e.PaymentHash)

	n.mu.Lock()
	n.failedPathPayments = append(n.failedPathPayments, *e)
	n.mu.Unlock()

	n.cfg.Metrics.PaymentResult(monitoring.PaymentPathFailed)
	n.publish(e)
}

// PaymentReceived reports an incoming payment.
type PaymentReceived struct {
	PaymentHash     string     `json:"payment_hash"`
	PaymentSecret   string     `json:"payment_secret,omitempty"`
	PaymentPreimage string     `json:"payment_preimage,omitempty"`
	Amt             FlexUint64 `json:"amt"`
}

func (e *PaymentReceived) validate() error {
	if e.PaymentHash == "" {
		return missing("payment_hash")
	}

	return nil
}

func (e *PaymentReceived) handle(n *Node) {
	n.record("payment received: %v, amt=%d", e.PaymentHash, e.Amt)

	n.mu.Lock()
	n.receivedPayments = append(n.receivedPayments, *e)
	n.mu.Unlock()

	n.cfg.Metrics.PaymentResult(monitoring.PaymentReceived)
	n.publish(e)
}

// FundingGenerationReady carries the funding output of a channel being
// opened.
type FundingGenerationReady struct {
	ChannelValueSatoshis FlexUint64 `json:"channel_value_satoshis"`
	OutputScript         string     `json:"output_script"`
	TemporaryChannelID   string     `json:"temporary_channel_id"`
	UserChannelID        FlexUint64 `json:"user_channel_id"`
	CounterpartyNodeID   string     `json:"counterparty_node_id"`

	script []byte
}

func (e *FundingGenerationReady) validate() error {
	switch {
	case e.OutputScript == "":
		return missing("output_script")

	case e.TemporaryChannelID == "":
		return missing("temporary_channel_id")
	}

	script, err := hex.DecodeString(e.OutputScript)
	if err != nil {
		return fmt.Errorf("invalid output_script: %w", err)
	}
	e.script = script

	return nil
}

func (e *FundingGenerationReady) handle(n *Node) {
	n.record("funding generation ready for %v, value=%d",
		e.TemporaryChannelID, e.ChannelValueSatoshis)

	n.mu.Lock()
	n.fundingsReady = append(n.fundingsReady, *e)
	n.mu.Unlock()

	n.publish(e)
}

// ChannelClosed reports a closed channel.
type ChannelClosed struct {
	Reason        string     `json:"reason"`
	ChannelID     string     `json:"channel_id"`
	UserChannelID FlexUint64 `json:"user_channel_id"`
	Text          string     `json:"text,omitempty"`
}

func (e *ChannelClosed) validate() error {
	if e.ChannelID == "" {
		return missing("channel_id")
	}

	return nil
}

func (e *ChannelClosed) handle(n *Node) {
	n.record("channel %v closed: %v %v", e.ChannelID, e.Reason, e.Text)

	n.mu.Lock()
	n.channelsClosed = append(n.channelsClosed, *e)
	n.mu.Unlock()

	n.publish(e)
}

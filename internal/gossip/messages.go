// Package gossip implements the line-delimited-JSON-over-TCP mesh
// transport: handshake-bound peer identity, bounded-fanout flood relay,
// seen-set deduplication, and RTT-ranked peer selection, grounded on
// gocuria/p2p/server.go's accept-loop/read-loop shape but replacing its
// fixed block/tx message set with the enumerated envelope from spec §6,
// and replacing its dynamic-dispatch switch with a registered handler
// table per Design Notes §9.
package gossip

import (
	"encoding/json"
	"time"
)

// MessageType is the closed set of gossip envelope kinds.
type MessageType string

const (
	MsgHandshake          MessageType = "handshake"
	MsgPing               MessageType = "ping"
	MsgPong               MessageType = "pong"
	MsgCapsule            MessageType = "capsule"
	MsgTask               MessageType = "task"
	MsgTaskBid            MessageType = "task_bid"
	MsgTaskAssigned       MessageType = "task_assigned"
	MsgTaskCompleted      MessageType = "task_completed"
	MsgTaskFailed         MessageType = "task_failed"
	MsgTaskLike           MessageType = "task_like"
	MsgTx                 MessageType = "tx"
	MsgTxLog              MessageType = "tx_log"
	MsgTxLogRequest       MessageType = "tx_log_request"
	MsgTxLogBatch         MessageType = "tx_log_batch"
	MsgLedgerHeadRequest  MessageType = "ledger_head_request"
	MsgLedgerHeadResponse MessageType = "ledger_head_response"
	MsgQuery              MessageType = "query"
	MsgQueryResponse      MessageType = "query_response"
)

// neverRelayed is the set of message kinds the flood-control relay must
// never forward, per spec §4.3.
var neverRelayed = map[MessageType]bool{
	MsgHandshake:     true,
	MsgPing:          true,
	MsgPong:          true,
	MsgQuery:         true,
	MsgQueryResponse: true,
}

// Default hop counts and fanouts, per spec §6.
const (
	DefaultHopsGeneral = 3
	DefaultHopsTask    = 4
	FanoutGeneral      = 6
	FanoutTask         = 8
)

var taskMessageTypes = map[MessageType]bool{
	MsgTask:          true,
	MsgTaskBid:       true,
	MsgTaskAssigned:  true,
	MsgTaskCompleted: true,
	MsgTaskFailed:    true,
	MsgTaskLike:      true,
}

// Message is the wire envelope: {type, payload?, messageId?, hopsLeft?,
// requestId?, timestamp}.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	HopsLeft  int             `json:"hopsLeft,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage builds an envelope with a fresh messageId and hop count
// defaulted by whether typ is a task-related kind.
func NewMessage(typ MessageType, payload any) (*Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	hops := DefaultHopsGeneral
	if taskMessageTypes[typ] {
		hops = DefaultHopsTask
	}
	return &Message{
		Type:      typ,
		Payload:   b,
		MessageID: newID(),
		HopsLeft:  hops,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// ParsePayload decodes the message's payload into dst.
func (m *Message) ParsePayload(dst any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, dst)
}

func fanoutFor(typ MessageType) int {
	if taskMessageTypes[typ] {
		return FanoutTask
	}
	return FanoutGeneral
}

// HandshakePayload announces identity when a connection is first opened.
type HandshakePayload struct {
	NodeID string `json:"nodeId"`
	Port   string `json:"port"`
}

// PingPayload/PongPayload carry a correlation id used to measure RTT.
type PingPayload struct {
	Timestamp int64  `json:"timestamp"`
	PingID    string `json:"pingId"`
}

type PongPayload struct {
	Timestamp int64  `json:"timestamp"`
	PingID    string `json:"pingId"`
}

// Handler processes a delivered message. Handlers must be non-blocking;
// side effects belong to the owning component, per spec §4.3.
type Handler func(msg *Message, fromPeerID string)

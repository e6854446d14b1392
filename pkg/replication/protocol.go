package replication

import (
	"bytes"
	"fmt"

	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/hashicorp/go-msgpack/v2/codec"
)

// MessageType is the first byte of every message body.
type MessageType byte

const (
	MsgHello MessageType = iota + 1
	MsgRecord
	MsgAck
	MsgHeartbeat
	MsgReject
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "hello"
	case MsgRecord:
		return "record"
	case MsgAck:
		return "ack"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgReject:
		return "reject"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Message is one replication protocol message.
type Message interface {
	Type() MessageType
}

// Hello is sent by a secondary as soon as a primary connects. Tail is the
// offset one past its last applied record.
type Hello struct {
	PeerID       string `codec:"peer_id"`
	Tail         uint64 `codec:"tail"`
	NextSequence uint64 `codec:"next_seq"`
	LastOffset   uint64 `codec:"last_offset"`
	LastChecksum uint32 `codec:"last_checksum"`
	HasRecords   bool   `codec:"has_records"`
}

type Record struct {
	Sequence uint64 `codec:"seq"`
	Offset   uint64 `codec:"offset"`
	Checksum uint32 `codec:"checksum"`
	Payload  []byte `codec:"payload"`
	// Sync asks the secondary to make the record durable before acking it.
	Sync bool `codec:"sync,omitempty"`
}

// Ack confirms everything up to and including Sequence; Offset is the
// secondary's tail after applying it.
type Ack struct {
	Sequence uint64 `codec:"seq"`
	Offset   uint64 `codec:"offset"`
}

// Heartbeat carries the sender's tail.
type Heartbeat struct {
	Tail uint64 `codec:"tail"`
}

type RejectCode uint8

const (
	RejectSnapshot RejectCode = iota + 1
	RejectDivergence
)

func (c RejectCode) String() string {
	switch c {
	case RejectSnapshot:
		return "snapshot_required"
	case RejectDivergence:
		return "divergence"
	default:
		return "unknown"
	}
}

// Reject ends a session that cannot continue without operator action.
type Reject struct {
	Code   RejectCode `codec:"code"`
	Reason string     `codec:"reason"`
	Offset uint64     `codec:"offset"`
	Oldest uint64     `codec:"oldest"`
}

func (*Hello) Type() MessageType     { return MsgHello }
func (*Record) Type() MessageType    { return MsgRecord }
func (*Ack) Type() MessageType       { return MsgAck }
func (*Heartbeat) Type() MessageType { return MsgHeartbeat }
func (*Reject) Type() MessageType    { return MsgReject }

func recordMessage(rec types.Record) *Record {
	return &Record{Sequence: rec.Sequence, Offset: rec.Offset, Checksum: rec.Checksum, Payload: rec.Payload}
}

func (m *Record) record() types.Record {
	return types.Record{Sequence: m.Sequence, Offset: m.Offset, Checksum: m.Checksum, Payload: m.Payload}
}

var msgpackHandle = &codec.MsgpackHandle{}

// Encode returns [type][msgpack body].
func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Type()))
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(m); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return buf.Bytes(), nil
}

func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	var m Message
	switch MessageType(b[0]) {
	case MsgHello:
		m = &Hello{}
	case MsgRecord:
		m = &Record{}
	case MsgAck:
		m = &Ack{}
	case MsgHeartbeat:
		m = &Heartbeat{}
	case MsgReject:
		m = &Reject{}
	default:
		return nil, fmt.Errorf("unknown message type %d", b[0])
	}
	if err := codec.NewDecoderBytes(b[1:], msgpackHandle).Decode(m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.Type(), err)
	}
	return m, nil
}

// Package packet defines the messages exchanged between replicas of a name:
// consensus traffic (propose/accept/commit, promises, catch-up) and the
// epoch handshake used by reconfiguration.
package packet

import (
    "encoding/json"
    "errors"
    "fmt"
)

// Type is the wire value of the packetType field.
type Type string

const (
    TypePropose        Type = "PROPOSE"
    TypeAcceptAck      Type = "ACCEPT_ACK"
    TypeAcceptReject   Type = "ACCEPT_REJECT"
    TypeCommit         Type = "COMMIT"
    TypePromiseRequest Type = "PROMISE_REQUEST"
    TypePromise        Type = "PROMISE"
    TypePromiseReject  Type = "PROMISE_REJECT"
    TypeRequest        Type = "REQUEST"
    TypeSyncRequest    Type = "SYNC_REQUEST"
    TypeSyncReply      Type = "SYNC_REPLY"

    TypeStopEpoch      Type = "STOP_EPOCH"
    TypeStopEpochAck   Type = "STOP_EPOCH_ACK"
    TypeStartEpoch     Type = "START_EPOCH"
    TypeAckStartEpoch  Type = "ACK_START_EPOCH"
    TypeDropEpoch      Type = "DROP_EPOCH"
    TypeDropEpochAck   Type = "DROP_EPOCH_ACK"
    TypeResumeEpoch    Type = "RESUME_EPOCH"
    TypeResumeEpochAck Type = "RESUME_EPOCH_ACK"
)

var known = map[Type]struct{}{
    TypePropose: {}, TypeAcceptAck: {}, TypeAcceptReject: {}, TypeCommit: {},
    TypePromiseRequest: {}, TypePromise: {}, TypePromiseReject: {},
    TypeRequest: {}, TypeSyncRequest: {}, TypeSyncReply: {},
    TypeStopEpoch: {}, TypeStopEpochAck: {}, TypeStartEpoch: {}, TypeAckStartEpoch: {},
    TypeDropEpoch: {}, TypeDropEpochAck: {}, TypeResumeEpoch: {}, TypeResumeEpochAck: {},
}

// Valid reports whether t is a packet type this module understands.
func (t Type) Valid() bool { _, ok := known[t]; return ok }

// IsEpochAck reports whether t answers the coordinator of a transition.
func (t Type) IsEpochAck() bool {
    switch t {
    case TypeStopEpochAck, TypeAckStartEpoch, TypeDropEpochAck, TypeResumeEpochAck:
        return true
    }
    return false
}

// IsEpochControl reports whether t belongs to the reconfiguration handshake.
func (t Type) IsEpochControl() bool {
    switch t {
    case TypeStopEpoch, TypeStopEpochAck, TypeStartEpoch, TypeAckStartEpoch,
        TypeDropEpoch, TypeDropEpochAck, TypeResumeEpoch, TypeResumeEpochAck:
        return true
    }
    return false
}

// ErrMalformed is returned by Decode for input that must not reach any task
// or consensus instance.
var ErrMalformed = errors.New("packet: malformed")

// Entry is one slot of a name's log. A zero Value with no RequestID is a
// no-op used to fill slots nobody proposed.
type Entry struct {
    Slot      int64           `json:"slot"`
    Ballot    Ballot          `json:"ballot"`
    Value     json.RawMessage `json:"value,omitempty"`
    RequestID string          `json:"requestId,omitempty"`
    Committed bool            `json:"committed,omitempty"`
}

func (e Entry) IsNoop() bool { return len(e.Value) == 0 && e.RequestID == "" }

// TransferState is the state carried from a stopped epoch into its successor.
type TransferState struct {
    // Slot is the last executed slot, -1 when nothing was executed.
    Slot     int64           `json:"slot"`
    Record   json.RawMessage `json:"record,omitempty"`
    Executed []string        `json:"executed,omitempty"`
    // Tail holds accepted but not yet committed entries above Slot.
    Tail []Entry `json:"tail,omitempty"`
}

// Packet is the JSON object exchanged between nodes. Only the fields relevant
// to Type are populated.
type Packet struct {
    Type        Type            `json:"packetType"`
    ServiceName string          `json:"serviceName"`
    Epoch       uint64          `json:"epochNumber"`
    Sender      string          `json:"senderId"`
    Initiator   string          `json:"initiator,omitempty"`
    Ballot      Ballot          `json:"ballot"`
    // Higher is the promised ballot carried by PROMISE_REJECT and ACCEPT_REJECT.
    Higher      *Ballot         `json:"higherBallot,omitempty"`
    Slot        int64           `json:"slot"`
    FromSlot    int64           `json:"fromSlot,omitempty"`
    Value       json.RawMessage `json:"value,omitempty"`
    RequestID   string          `json:"requestId,omitempty"`
    Entries     []Entry         `json:"entries,omitempty"`
    Members     []string        `json:"members,omitempty"`
    State       *TransferState  `json:"state,omitempty"`
}

func (p Packet) String() string {
    return fmt.Sprintf("%s{name=%s epoch=%d from=%s ballot=%s slot=%d}", p.Type, p.ServiceName, p.Epoch, p.Sender, p.Ballot, p.Slot)
}

// Message is an outgoing packet addressed to one node.
type Message struct {
    To     string
    Packet Packet
}

// Fanout addresses a copy of p to every id in to.
func Fanout(to []string, p Packet) []Message {
    out := make([]Message, 0, len(to))
    for _, id := range to {
        out = append(out, Message{To: id, Packet: p})
    }
    return out
}

// Encode serializes p as a JSON object.
func Encode(p Packet) ([]byte, error) { return json.Marshal(p) }

// Decode parses and validates a packet. Anything unparseable or missing the
// routing fields yields ErrMalformed.
func Decode(b []byte) (Packet, error) {
    var p Packet
    if err := json.Unmarshal(b, &p); err != nil {
        return Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
    }
    if err := p.Validate(); err != nil { return Packet{}, err }
    if string(p.Value) == "null" { p.Value = nil }
    return p, nil
}

// Validate checks the fields every packet must carry.
func (p Packet) Validate() error {
    if !p.Type.Valid() { return fmt.Errorf("%w: unknown packet type %q", ErrMalformed, p.Type) }
    if p.ServiceName == "" { return fmt.Errorf("%w: empty service name", ErrMalformed) }
    if p.Sender == "" { return fmt.Errorf("%w: empty sender", ErrMalformed) }
    if p.Slot < -1 || p.FromSlot < 0 { return fmt.Errorf("%w: negative slot", ErrMalformed) }
    return nil
}

// Package paxos is the per-name replicated log. A Manager hosts one instance
// per name, each bound to a single epoch and member set; instances propose,
// elect leaders and catch up through protocoltask tasks.
package paxos

import (
    "encoding/json"
    "errors"
    "time"

    "go.uber.org/zap"

    "github.com/billhu422/GNS/pkg/packet"
    "github.com/billhu422/GNS/pkg/protocoltask"
    "github.com/billhu422/GNS/pkg/store"
)

var (
    ErrTimeout      = errors.New("paxos: request timed out")
    ErrUnknownName  = errors.New("paxos: name not hosted here")
    ErrEpochChanged = errors.New("paxos: epoch changed before the request executed")
    ErrStaleEpoch   = errors.New("paxos: stale epoch")
    ErrNotMember    = errors.New("paxos: node is not a member of the epoch")
    ErrClosed       = errors.New("paxos: closed")
)

// Proximity picks the nearest of ids, skipping exclude. It is optional; the
// membership provider implements it when ping latencies are known.
type Proximity interface {
    Closest(ids, exclude []string) (string, bool)
}

// Config is the per-node context shared by every instance of a Manager.
type Config struct {
    Self      string
    Scheduler *protocoltask.Scheduler
    Sender    protocoltask.Sender
    Store     store.Store
    Logger    *zap.Logger
    Proximity Proximity

    // SuspectAfter is the number of unanswered forwarding attempts before a
    // follower suspects the leader and runs an election.
    SuspectAfter int
    // StallAfter is the number of restarts of a proposal before the leader
    // re-runs an election with a higher ballot.
    StallAfter int
    // ElectionInterval limits how often one instance may start an election.
    ElectionInterval time.Duration
    // ExecutedWindow bounds the request ids remembered for de-duplication.
    ExecutedWindow int
    // LogRetain is the number of executed entries kept to answer catch-up.
    LogRetain int
    // MaxSyncEntries caps the entries carried by a single SYNC_REPLY.
    MaxSyncEntries int

    OnCommit func(name string, e packet.Entry)
    OnLeader func(name string, epoch uint64, leader string)
}

func (c *Config) Validate() error {
    if c.Self == "" { return errors.New("paxos: Self is required") }
    if c.Scheduler == nil { return errors.New("paxos: Scheduler is required") }
    if c.Sender == nil { return errors.New("paxos: Sender is required") }
    if c.Store == nil { return errors.New("paxos: Store is required") }
    return nil
}

func (c *Config) withDefaults() {
    if c.Logger == nil { c.Logger = zap.NewNop() }
    if c.SuspectAfter <= 0 { c.SuspectAfter = 3 }
    if c.StallAfter <= 0 { c.StallAfter = 5 }
    if c.ElectionInterval <= 0 { c.ElectionInterval = 500 * time.Millisecond }
    if c.ExecutedWindow <= 0 { c.ExecutedWindow = 1024 }
    if c.LogRetain <= 0 { c.LogRetain = 4096 }
    if c.MaxSyncEntries <= 0 { c.MaxSyncEntries = 512 }
}

// Role of a node within one instance.
type Role int

const (
    Follower Role = iota
    Candidate
    Leader
)

func (r Role) String() string {
    switch r {
    case Candidate:
        return "candidate"
    case Leader:
        return "leader"
    }
    return "follower"
}

// Result answers a submitted request once its slot executed locally.
type Result struct {
    Slot int64
    Err  error
}

// Callback receives the Result of a request. It runs outside instance locks
// and must not block.
type Callback func(Result)

// InstanceStatus is a point-in-time view of one instance.
type InstanceStatus struct {
    Name         string   `json:"name"`
    Epoch        uint64   `json:"epoch"`
    Members      []string `json:"members"`
    Role         string   `json:"role"`
    Leader       string   `json:"leader,omitempty"`
    Ballot       string   `json:"ballot"`
    ExecutedSlot int64    `json:"executedSlot"`
    Frozen       bool     `json:"frozen,omitempty"`
    // Staged is set while the epoch waits to become ACTIVE.
    Staged       bool     `json:"staged,omitempty"`
    Outstanding  int      `json:"outstanding"`
}

func sameValue(a, b packet.Entry) bool {
    if a.RequestID != b.RequestID { return false }
    return jsonEqual(a.Value, b.Value)
}

func jsonEqual(a, b json.RawMessage) bool {
    if len(a) == 0 || len(b) == 0 { return len(a) == len(b) }
    var x, y any
    if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil { return string(a) == string(b) }
    xb, _ := json.Marshal(x)
    yb, _ := json.Marshal(y)
    return string(xb) == string(yb)
}

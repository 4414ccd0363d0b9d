// Package consensus holds the interfaces shared by the engines that replicate
// state between nodes: the raft-backed epoch registry and the per-name Paxos
// instances in the paxos subpackage.
package consensus

import (
    "context"
    "encoding/json"
    "time"
)

// Registry log operations.
const (
    OpCreateName    = "CreateName"
    OpBeginEpoch    = "BeginEpoch"
    OpAdvanceEpoch  = "AdvanceEpoch"
    OpCompleteEpoch = "CompleteEpoch"
    OpAbandonEpoch  = "AbandonEpoch"
)

// Command is one entry of a replicated log. The semantics of Op and Payload
// are defined by the FSM that applies it.
type Command struct {
    Op      string          `json:"op"`
    Payload json.RawMessage `json:"payload"`
}

// NewCommand encodes payload as the command's JSON payload.
func NewCommand(op string, payload any) (Command, error) {
    b, err := json.Marshal(payload)
    if err != nil { return Command{}, err }
    return Command{Op: op, Payload: b}, nil
}

// Consensus is the minimal abstraction over a leader-based consensus engine.
// Apply returns what the FSM returned for the command.
type Consensus interface {
    Start(ctx context.Context) error
    Apply(cmd Command, timeout time.Duration) (any, error)
    IsLeader() bool
    Leader() (id string, addr string, ok bool)
    Term() uint64
    Stop() error
}

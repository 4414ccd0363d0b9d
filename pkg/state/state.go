// Package state defines the epoch records that say which nodes replicate a
// name in which epoch, and the registry that orders changes to them.
package state

import (
    "context"
    "errors"
    "sort"
)

// Phase of an epoch record.
type Phase string

const (
    Active   Phase = "ACTIVE"
    Stopping Phase = "STOPPING"
    Starting Phase = "STARTING"
    Retired  Phase = "RETIRED"
)

var (
    ErrNotFound             = errors.New("state: name not found")
    ErrExists               = errors.New("state: name already exists")
    ErrTransitionInProgress = errors.New("state: epoch transition already in progress")
    ErrBadTransition        = errors.New("state: epoch transition not allowed")
    ErrNotLeader            = errors.New("state: registry write on a non-leader")
)

// Record is the replica set of a name in one epoch. A pending transition is
// the next record in STOPPING or STARTING while the current one stays ACTIVE.
type Record struct {
    Name      string   `json:"name"`
    Epoch     uint64   `json:"epoch"`
    Members   []string `json:"members"`
    State     Phase    `json:"state"`
    Abandoned bool     `json:"abandoned,omitempty"`
}

// HasMember reports whether id replicates the name in this epoch.
func (r Record) HasMember(id string) bool {
    for _, m := range r.Members {
        if m == id { return true }
    }
    return false
}

// SortedMembers returns a sorted, de-duplicated copy of ids.
func SortedMembers(ids []string) []string {
    seen := make(map[string]struct{}, len(ids))
    out := make([]string, 0, len(ids))
    for _, id := range ids {
        if id == "" { continue }
        if _, ok := seen[id]; ok { continue }
        seen[id] = struct{}{}
        out = append(out, id)
    }
    sort.Strings(out)
    return out
}

// Epochs is the deterministic state machine behind a registry. Every Apply
// is a pure function of the current state so replicas of the registry agree.
type Epochs interface {
    ApplyCreate(name string, members []string) (Record, error)
    ApplyBegin(name string, members []string) (Record, error)
    ApplyAdvance(name string, epoch uint64) (Record, error)
    // ApplyComplete activates the pending record and returns the retired one.
    ApplyComplete(name string, epoch uint64) (Record, error)
    ApplyAbandon(name string, epoch uint64) (Record, error)
    Active(name string) (Record, bool)
    Pending(name string) (Record, bool)
    Names() []string
    Snapshot() ([]byte, error)
    Restore(buf []byte) error
}

// Registry orders epoch transitions. Writes may block on replication of the
// registry itself; reads are served from local state.
type Registry interface {
    // Create registers a new name whose first record is STARTING. It is
    // epoch 0 unless an earlier creation of the name was abandoned.
    Create(ctx context.Context, name string, members []string) (Record, error)
    // Begin creates the next record in STOPPING.
    Begin(ctx context.Context, name string, members []string) (Record, error)
    // Advance moves the pending record from STOPPING to STARTING.
    Advance(ctx context.Context, name string, epoch uint64) (Record, error)
    // Complete makes the pending record ACTIVE and returns the retired one.
    Complete(ctx context.Context, name string, epoch uint64) (Record, error)
    // Abandon retires the pending record; the active one is untouched.
    Abandon(ctx context.Context, name string, epoch uint64) (Record, error)
    Active(name string) (Record, bool)
    Pending(name string) (Record, bool)
    Names() []string
}

// Package epochs is the in-memory epoch state machine, and a Registry that
// applies it directly for single-process deployments and tests.
package epochs

import (
    "context"
    "encoding/json"
    "fmt"
    "sort"
    "sync"

    base "github.com/billhu422/GNS/pkg/state"
)

type entry struct {
    Active  *base.Record `json:"active,omitempty"`
    Pending *base.Record `json:"pending,omitempty"`
    // Highest is the largest epoch ever issued, so abandoned numbers are
    // never reused.
    Highest uint64 `json:"highest"`
}

// State holds the active and pending record of every name.
type State struct {
    mu    sync.RWMutex
    names map[string]*entry
}

func New() *State { return &State{names: make(map[string]*entry)} }

func (s *State) ApplyCreate(name string, members []string) (base.Record, error) {
    members = base.SortedMembers(members)
    if name == "" || len(members) == 0 { return base.Record{}, fmt.Errorf("%w: empty name or members", base.ErrBadTransition) }
    s.mu.Lock(); defer s.mu.Unlock()
    e := s.names[name]
    if e != nil && (e.Active != nil || e.Pending != nil) { return base.Record{}, fmt.Errorf("%w: %s", base.ErrExists, name) }
    var epoch uint64
    if e == nil {
        e = &entry{}
        s.names[name] = e
    } else {
        // a creation was abandoned before
        epoch = e.Highest + 1
    }
    r := base.Record{Name: name, Epoch: epoch, Members: members, State: base.Starting}
    e.Pending, e.Highest = &r, epoch
    return r, nil
}

func (s *State) ApplyBegin(name string, members []string) (base.Record, error) {
    members = base.SortedMembers(members)
    if len(members) == 0 { return base.Record{}, fmt.Errorf("%w: empty members", base.ErrBadTransition) }
    s.mu.Lock(); defer s.mu.Unlock()
    e := s.names[name]
    if e == nil || e.Active == nil { return base.Record{}, fmt.Errorf("%w: %s", base.ErrNotFound, name) }
    if e.Pending != nil { return *e.Pending, fmt.Errorf("%w: %s epoch %d", base.ErrTransitionInProgress, name, e.Pending.Epoch) }
    e.Highest++
    r := base.Record{Name: name, Epoch: e.Highest, Members: members, State: base.Stopping}
    e.Pending = &r
    return r, nil
}

func (s *State) ApplyAdvance(name string, epoch uint64) (base.Record, error) {
    s.mu.Lock(); defer s.mu.Unlock()
    p, err := s.pendingLocked(name, epoch)
    if err != nil { return base.Record{}, err }
    switch p.State {
    case base.Starting:
        return *p, nil
    case base.Stopping:
        p.State = base.Starting
        return *p, nil
    }
    return base.Record{}, fmt.Errorf("%w: %s epoch %d is %s", base.ErrBadTransition, name, epoch, p.State)
}

func (s *State) ApplyComplete(name string, epoch uint64) (base.Record, error) {
    s.mu.Lock(); defer s.mu.Unlock()
    e := s.names[name]
    if e != nil && e.Active != nil && e.Active.Epoch == epoch && e.Pending == nil {
        return base.Record{}, nil
    }
    p, err := s.pendingLocked(name, epoch)
    if err != nil { return base.Record{}, err }
    if p.State != base.Starting { return base.Record{}, fmt.Errorf("%w: %s epoch %d is %s", base.ErrBadTransition, name, epoch, p.State) }
    var retired base.Record
    if e.Active != nil {
        retired = *e.Active
        retired.State = base.Retired
    }
    p.State = base.Active
    e.Active, e.Pending = p, nil
    return retired, nil
}

func (s *State) ApplyAbandon(name string, epoch uint64) (base.Record, error) {
    s.mu.Lock(); defer s.mu.Unlock()
    p, err := s.pendingLocked(name, epoch)
    if err != nil { return base.Record{}, err }
    r := *p
    r.State, r.Abandoned = base.Retired, true
    s.names[name].Pending = nil
    return r, nil
}

func (s *State) pendingLocked(name string, epoch uint64) (*base.Record, error) {
    e := s.names[name]
    if e == nil { return nil, fmt.Errorf("%w: %s", base.ErrNotFound, name) }
    if e.Pending == nil || e.Pending.Epoch != epoch {
        return nil, fmt.Errorf("%w: %s has no pending epoch %d", base.ErrBadTransition, name, epoch)
    }
    return e.Pending, nil
}

func (s *State) Active(name string) (base.Record, bool) {
    s.mu.RLock(); defer s.mu.RUnlock()
    e := s.names[name]
    if e == nil || e.Active == nil { return base.Record{}, false }
    return clone(*e.Active), true
}

func (s *State) Pending(name string) (base.Record, bool) {
    s.mu.RLock(); defer s.mu.RUnlock()
    e := s.names[name]
    if e == nil || e.Pending == nil { return base.Record{}, false }
    return clone(*e.Pending), true
}

func (s *State) Names() []string {
    s.mu.RLock(); defer s.mu.RUnlock()
    out := make([]string, 0, len(s.names))
    for n, e := range s.names {
        if e.Active != nil || e.Pending != nil { out = append(out, n) }
    }
    sort.Strings(out)
    return out
}

type snapshot struct {
    Version int               `json:"version"`
    Names   map[string]*entry `json:"names"`
}

// Snapshot encodes state as JSON.
func (s *State) Snapshot() ([]byte, error) {
    s.mu.RLock(); defer s.mu.RUnlock()
    return json.Marshal(snapshot{Version: 1, Names: s.names})
}

func (s *State) Restore(buf []byte) error {
    var snap snapshot
    if err := json.Unmarshal(buf, &snap); err != nil { return err }
    if snap.Version != 1 { return fmt.Errorf("epochs: unsupported snapshot version %d", snap.Version) }
    s.mu.Lock(); defer s.mu.Unlock()
    s.names = make(map[string]*entry, len(snap.Names))
    for n, e := range snap.Names {
        if n == "" || e == nil { continue }
        s.names[n] = e
    }
    return nil
}

func clone(r base.Record) base.Record {
    r.Members = append([]string(nil), r.Members...)
    return r
}

var _ base.Epochs = (*State)(nil)

// Registry applies transitions to a local State with no replication.
type Registry struct {
    s *State
}

func NewRegistry() *Registry { return &Registry{s: New()} }

func (r *Registry) Create(_ context.Context, name string, members []string) (base.Record, error) {
    return r.s.ApplyCreate(name, members)
}

func (r *Registry) Begin(_ context.Context, name string, members []string) (base.Record, error) {
    return r.s.ApplyBegin(name, members)
}

func (r *Registry) Advance(_ context.Context, name string, epoch uint64) (base.Record, error) {
    return r.s.ApplyAdvance(name, epoch)
}

func (r *Registry) Complete(_ context.Context, name string, epoch uint64) (base.Record, error) {
    return r.s.ApplyComplete(name, epoch)
}

func (r *Registry) Abandon(_ context.Context, name string, epoch uint64) (base.Record, error) {
    return r.s.ApplyAbandon(name, epoch)
}

func (r *Registry) Active(name string) (base.Record, bool)  { return r.s.Active(name) }
func (r *Registry) Pending(name string) (base.Record, bool) { return r.s.Pending(name) }
func (r *Registry) Names() []string                          { return r.s.Names() }

var _ base.Registry = (*Registry)(nil)

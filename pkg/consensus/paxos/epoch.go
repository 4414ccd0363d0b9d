package paxos

import (
    "fmt"
    "sort"

    "github.com/billhu422/GNS/pkg/internal/logutil"
    obsmetrics "github.com/billhu422/GNS/pkg/observability/metrics"
    "github.com/billhu422/GNS/pkg/packet"
    "github.com/billhu422/GNS/pkg/store"
)

// Epoch boundaries. These are driven by the reconfiguration replica when
// STOP_EPOCH, START_EPOCH, DROP_EPOCH and RESUME_EPOCH arrive. A started
// epoch stays staged, frozen and with nothing installed, until RESUME_EPOCH
// for it reports the registry made it ACTIVE.

// StopEpoch freezes the instance of name at epoch and returns the state to
// carry into the next epoch. Repeated calls return the same state.
func (m *Manager) StopEpoch(name string, epoch uint64) (*packet.TransferState, error) {
    m.mu.Lock()
    in, prev := m.instances[name], m.previous[name]
    var fx effects
    if in != nil && in.epoch == epoch && in.stagedState() != nil {
        // stopping an epoch implies it became ACTIVE; this node missed that
        afx, err := m.activateLocked(name, in, false)
        if err != nil {
            m.mu.Unlock()
            return nil, err
        }
        fx.merge(afx)
    }
    m.mu.Unlock()
    if in == nil || in.epoch != epoch {
        if prev != nil && prev.epoch == epoch {
            ts, ffx := prev.freeze()
            m.apply(ffx)
            return ts, nil
        }
        if in == nil { return nil, fmt.Errorf("%w: %s", ErrUnknownName, name) }
        if epoch < in.epoch { return nil, fmt.Errorf("%w: %s/%d, running %d", ErrStaleEpoch, name, epoch, in.epoch) }
        return nil, fmt.Errorf("%w: %s/%d, running %d", ErrEpochChanged, name, epoch, in.epoch)
    }
    ts, ffx := in.freeze()
    fx.merge(ffx)
    m.apply(fx)
    logutil.Infof(m.log, "stopped %s epoch %d at slot %d (tail %d)", name, epoch, ts.Slot, len(ts.Tail))
    return ts, nil
}

// StartEpoch stages the instance of name at epoch from a transferred state.
// Starting the epoch already staged or running is a no-op. Requests pending
// in the previous epoch move to the new instance and wait for activation.
func (m *Manager) StartEpoch(name string, epoch uint64, members []string, ts *packet.TransferState) error {
    if !contains(members, m.cfg.Self) { return fmt.Errorf("%w: %s not in %s/%d", ErrNotMember, m.cfg.Self, name, epoch) }
    if ts == nil { ts = &packet.TransferState{Slot: -1} }

    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return ErrClosed
    }
    cur := m.instances[name]
    if cur != nil && cur.epoch == epoch {
        m.mu.Unlock()
        return nil
    }
    if epoch < m.floor[name] || (cur != nil && cur.epoch > epoch) {
        m.mu.Unlock()
        return fmt.Errorf("%w: %s/%d", ErrStaleEpoch, name, epoch)
    }

    var fx effects
    var reqs []*request
    waiters := make(map[string][]Callback)
    take := func(in *instance) {
        r, w := in.takeRequests()
        reqs = append(reqs, r...)
        for id, cbs := range w { waiters[id] = append(waiters[id], cbs...) }
    }
    if cur != nil && cur.stagedState() != nil {
        // a start that never became ACTIVE is superseded
        take(cur)
        fx.merge(cur.close(ErrEpochChanged))
        cur = m.previous[name]
    }
    if cur != nil {
        _, ffx := cur.freeze()
        fx.merge(ffx)
        take(cur)
        if old := m.previous[name]; old != nil && old != cur { fx.merge(old.close(ErrEpochChanged)) }
        m.previous[name] = cur
    }
    in := newInstance(m, name, epoch, members, ts.Slot+1)
    fx.merge(in.stage(ts, reqs, waiters))
    m.instances[name] = in
    n := len(m.instances)
    m.mu.Unlock()

    obsmetrics.Instances.Set(float64(n))
    m.apply(fx)
    logutil.Infof(m.log, "staged %s epoch %d members=%v from slot %d", name, epoch, in.members, ts.Slot)
    return nil
}

// activateLocked installs the staged snapshot of in and starts serving it.
// Epochs below it are rejected from now on.
func (m *Manager) activateLocked(name string, in *instance, drive bool) (effects, error) {
    ts := in.stagedState()
    if ts == nil { return effects{}, nil }
    if err := m.cfg.Store.Install(name, store.Snapshot{Slot: ts.Slot, Record: ts.Record}); err != nil {
        return effects{}, fmt.Errorf("paxos: install %s/%d: %w", name, in.epoch, err)
    }
    if m.floor[name] < in.epoch { m.floor[name] = in.epoch }
    return in.activate(drive), nil
}

// DropEpoch removes name from a node that is not part of the epoch after
// epoch. Pending requests fail with ErrEpochChanged.
func (m *Manager) DropEpoch(name string, epoch uint64) {
    m.mu.Lock()
    cur := m.instances[name]
    if cur != nil && cur.epoch > epoch {
        m.mu.Unlock()
        return
    }
    var fx effects
    if cur != nil {
        fx.merge(cur.close(ErrEpochChanged))
        delete(m.instances, name)
    }
    if prev := m.previous[name]; prev != nil {
        fx.merge(prev.close(ErrEpochChanged))
        delete(m.previous, name)
    }
    _ = m.cfg.Store.Delete(name)
    if m.floor[name] < epoch+1 { m.floor[name] = epoch + 1 }
    n := len(m.instances)
    m.mu.Unlock()

    obsmetrics.Instances.Set(float64(n))
    m.apply(fx)
    logutil.Infof(m.log, "dropped %s epoch %d", name, epoch)
}

// ResumeEpoch makes epoch the serving epoch of name once the registry has
// it ACTIVE. A staged instance of epoch is activated and a frozen one
// thaws. A later epoch that is only staged is discarded in favour of
// epoch; a later epoch that already serves is never rolled back.
func (m *Manager) ResumeEpoch(name string, epoch uint64) {
    m.mu.Lock()
    cur, prev := m.instances[name], m.previous[name]
    if cur == nil || m.closed {
        m.mu.Unlock()
        return
    }
    var fx effects
    staged := cur.stagedState() != nil
    verb := "resumed"
    switch {
    case cur.epoch == epoch && staged:
        afx, err := m.activateLocked(name, cur, true)
        if err != nil {
            m.mu.Unlock()
            logutil.Errorf(m.log, "activate %s epoch %d: %v", name, epoch, err)
            return
        }
        fx, verb = afx, "activated"
    case cur.epoch == epoch:
        fx = cur.thaw(nil, nil)
    case cur.epoch > epoch && staged && prev != nil && prev.epoch == epoch:
        reqs, waiters := cur.takeRequests()
        fx.merge(cur.close(ErrEpochChanged))
        m.instances[name] = prev
        delete(m.previous, name)
        fx.merge(prev.thaw(reqs, waiters))
    case cur.epoch > epoch && staged:
        fx.merge(cur.close(ErrEpochChanged))
        delete(m.instances, name)
        verb = "dropped the staged successor of"
    case cur.epoch > epoch:
        m.mu.Unlock()
        logutil.Warnf(m.log, "not resuming %s epoch %d: epoch %d already serves", name, epoch, cur.epoch)
        return
    default:
        m.mu.Unlock()
        return
    }
    n := len(m.instances)
    m.mu.Unlock()

    obsmetrics.Instances.Set(float64(n))
    m.apply(fx)
    logutil.Infof(m.log, "%s %s epoch %d", verb, name, epoch)
}

func contains(ids []string, id string) bool {
    s := append([]string(nil), ids...)
    sort.Strings(s)
    i := sort.SearchStrings(s, id)
    return i < len(s) && s[i] == id
}

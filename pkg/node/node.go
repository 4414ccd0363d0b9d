// Package node assembles one GNS replica: the task scheduler, the per-name
// consensus instances, the epoch coordinator and the replica side of the
// epoch handshake, all bound to one transport and one registry.
package node

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sync"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "github.com/billhu422/GNS/pkg/consensus"
    "github.com/billhu422/GNS/pkg/consensus/paxos"
    "github.com/billhu422/GNS/pkg/internal/logutil"
    "github.com/billhu422/GNS/pkg/membership"
    obsmetrics "github.com/billhu422/GNS/pkg/observability/metrics"
    "github.com/billhu422/GNS/pkg/observability/tracing"
    "github.com/billhu422/GNS/pkg/packet"
    "github.com/billhu422/GNS/pkg/protocoltask"
    "github.com/billhu422/GNS/pkg/reconfiguration"
    "github.com/billhu422/GNS/pkg/state"
)

// Node is the per-node context. Nothing in it is global, so several nodes
// can share a process over transport/local.
type Node struct {
    opts  Options
    log   *zap.Logger
    cons  consensus.Consensus
    sched *protocoltask.Scheduler
    px    *paxos.Manager
    rc    *reconfiguration.Manager
    rep   *reconfiguration.Replica
    eb    eventBus

    mu  sync.Mutex
    run struct {
        started bool
        closed  bool
    }
    cancel context.CancelFunc
    wg     sync.WaitGroup
}

// New wires the node from validated options. It performs no network
// activity; call Start to launch it.
func New(opts Options) (*Node, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    opts.withDefaults()
    n := &Node{opts: opts, log: opts.Logger.Named(opts.ID), cons: opts.consensus()}

    sched, err := protocoltask.New(protocoltask.Options{
        Sender:        opts.Transport,
        Clock:         opts.Clock,
        Logger:        n.log,
        RestartPeriod: opts.RestartPeriod,
        MaxIdle:       opts.MaxIdle,
        MaxLifetime:   opts.MaxLifetime,
    })
    if err != nil { return nil, err }
    pcfg := paxos.Config{
        Self:             opts.ID,
        Scheduler:        sched,
        Sender:           opts.Transport,
        Store:            opts.Store,
        Logger:           n.log,
        ElectionInterval: opts.ElectionInterval,
        OnCommit:         n.onCommit,
        OnLeader:         n.onLeader,
    }
    if opts.Directory != nil { pcfg.Proximity = membership.NewProvider(opts.Registry, opts.Directory) }
    px, err := paxos.NewManager(pcfg)
    if err != nil {
        sched.Close()
        return nil, err
    }
    rc, err := reconfiguration.NewManager(reconfiguration.Config{
        Self:            opts.ID,
        Scheduler:       sched,
        Registry:        opts.Registry,
        Logger:          n.log,
        RegistryTimeout: opts.RegistryTimeout,
        OnEvent:         n.onEpoch,
    })
    if err != nil {
        sched.Close()
        return nil, err
    }
    rep, err := reconfiguration.NewReplica(opts.ID, px, opts.Transport, opts.Registry, n.log)
    if err != nil {
        sched.Close()
        return nil, err
    }
    n.sched, n.px, n.rc, n.rep = sched, px, rc, rep
    return n, nil
}

// Start launches membership, the registry, the replica transport and the
// management endpoint, in that order.
func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.run.closed { return ErrStopped }
    if n.run.started { return nil }
    n.run.started = true
    obsmetrics.Register()
    ctx, n.cancel = context.WithCancel(ctx)

    if m := n.opts.Membership; m != nil {
        if err := m.Start(ctx); err != nil { return err }
        if d := n.opts.Discovery; d != nil {
            if seeds := d.Seeds(ctx); len(seeds) > 0 {
                logutil.Infof(n.log, "joining membership seeds: %v", seeds)
                if err := m.Join(seeds); err != nil { logutil.Warnf(n.log, "gossip join: %v", err) }
            }
        }
        n.loop(func() { n.membershipEventsLoop(ctx, m) })
    }
    if n.cons != nil {
        if err := n.cons.Start(ctx); err != nil { return err }
        if ln, ok := n.cons.(consensus.LeaderNotifier); ok {
            n.loop(func() { n.registryLeaderLoop(ctx, ln) })
        }
    }
    if err := n.opts.Transport.Start(ctx, n.dispatch); err != nil { return err }
    if n.opts.RPCServer != nil {
        if err := n.opts.RPCServer.Start(ctx, n.API()); err != nil { return err }
        logutil.Infof(n.log, "management endpoint listening at %s (status/metrics/healthz)", n.opts.RPCServer.Addr())
    }
    logutil.Infof(n.log, "node %s started, replica address %s", n.opts.ID, n.opts.Transport.Addr())
    return nil
}

func (n *Node) loop(f func()) {
    n.wg.Add(1)
    go func() {
        defer n.wg.Done()
        f()
    }()
}

// dispatch routes an inbound packet by type.
func (n *Node) dispatch(p packet.Packet) {
    switch {
    case p.Type.IsEpochAck():
        n.rc.Handle(p)
    case p.Type.IsEpochControl():
        n.rep.Handle(p)
    default:
        n.px.Handle(p)
    }
}

func (n *Node) ready() error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.run.closed { return ErrStopped }
    if !n.run.started { return ErrNotStarted }
    return nil
}

// Submit proposes value for name under a fresh request id and waits until
// it executed on this node.
func (n *Node) Submit(ctx context.Context, name string, value json.RawMessage) (paxos.Result, string, error) {
    id := uuid.NewString()
    res, err := n.SubmitWithID(ctx, name, id, value)
    return res, id, err
}

// SubmitWithID is Submit with a caller-chosen request id. A request id that
// already executed is answered with its original slot.
func (n *Node) SubmitWithID(ctx context.Context, name, requestID string, value json.RawMessage) (paxos.Result, error) {
    if err := n.ready(); err != nil { return paxos.Result{Slot: -1}, err }
    ctx, end := tracing.StartSpan(ctx, "node.submit", name)
    defer end()
    if _, ok := ctx.Deadline(); !ok {
        var cancel context.CancelFunc
        ctx, cancel = context.WithTimeout(ctx, n.opts.RequestTimeout)
        defer cancel()
    }
    ch := make(chan paxos.Result, 1)
    if err := n.px.Submit(name, requestID, value, func(r paxos.Result) { ch <- r }); err != nil {
        return paxos.Result{Slot: -1}, err
    }
    select {
    case r := <-ch:
        return r, r.Err
    case <-ctx.Done():
        return paxos.Result{Slot: -1}, ctx.Err()
    }
}

// Read returns the latest executed record of name on this node.
func (n *Node) Read(name string) (int64, json.RawMessage, error) { return n.px.Read(name) }

// Create registers name with members and starts its first epoch. An empty
// name is replaced by a freshly minted GUID.
func (n *Node) Create(ctx context.Context, name string, members []string, initial json.RawMessage) (state.Record, error) {
    if err := n.ready(); err != nil { return state.Record{}, err }
    if len(state.SortedMembers(members)) == 0 { return state.Record{}, ErrNoMembers }
    if name == "" { name = uuid.NewString() }
    rec, err := n.rc.Create(ctx, name, members, initial)
    return rec, n.registryErr(err)
}

// Reconfigure moves name to members in a new epoch.
func (n *Node) Reconfigure(ctx context.Context, name string, members []string) (uint64, error) {
    if err := n.ready(); err != nil { return 0, err }
    if len(state.SortedMembers(members)) == 0 { return 0, ErrNoMembers }
    epoch, err := n.rc.Reconfigure(ctx, name, members)
    return epoch, n.registryErr(err)
}

func (n *Node) registryErr(err error) error {
    if errors.Is(err, state.ErrNotLeader) { return fmt.Errorf("%w: %v", ErrNotLeader, err) }
    return err
}

// Registry returns the registry the node coordinates through.
func (n *Node) Registry() state.Registry { return n.opts.Registry }

func (n *Node) ID() string { return n.opts.ID }

func (n *Node) onCommit(name string, e packet.Entry) {
    n.eb.publish(Event{Type: EventCommitted, At: time.Now(), Name: name, Slot: e.Slot, RequestID: e.RequestID})
}

func (n *Node) onLeader(name string, epoch uint64, leader string) {
    n.eb.publish(Event{Type: EventLeaderChanged, At: time.Now(), Name: name, Epoch: epoch, Leader: leader})
}

func (n *Node) onEpoch(ev reconfiguration.Event) {
    t := EventEpochActivated
    if ev.Kind == reconfiguration.EventEpochAbandoned { t = EventEpochAbandoned }
    n.eb.publish(Event{Type: t, At: time.Now(), Name: ev.Name, Epoch: ev.Epoch, Members: ev.Members, Err: ev.Err})
}

func (n *Node) registryLeaderLoop(ctx context.Context, ln consensus.LeaderNotifier) {
    ch := ln.LeaderCh()
    for {
        select {
        case <-ctx.Done():
            return
        case li, ok := <-ch:
            if !ok { return }
            logutil.Infof(n.log, "registry leader: id=%s term=%d", li.ID, li.Term)
            liCopy := li
            n.eb.publish(Event{Type: EventRegistryLeader, At: time.Now(), Registry: &liCopy})
            if li.ID == n.opts.ID { n.reconcileVoters() }
        }
    }
}

// Stop shuts down the management server, fails pending requests and stops
// the transport, registry and membership.
func (n *Node) Stop(ctx context.Context) error {
    n.mu.Lock()
    if n.run.closed {
        n.mu.Unlock()
        return nil
    }
    n.run.closed = true
    started, cancel := n.run.started, n.cancel
    n.mu.Unlock()

    if started && n.opts.RPCServer != nil { _ = n.opts.RPCServer.Stop(ctx) }
    n.rc.Close()
    n.px.Close()
    n.sched.Close()
    if cancel != nil { cancel() }
    var errs []error
    if started {
        errs = append(errs, n.opts.Transport.Stop(ctx))
        if n.cons != nil { errs = append(errs, n.cons.Stop()) }
        if m := n.opts.Membership; m != nil {
            _ = m.Leave()
            errs = append(errs, m.Stop())
        }
    }
    n.wg.Wait()
    return errors.Join(errs...)
}

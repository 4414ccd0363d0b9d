// Package raftcons replicates the epoch registry over HashiCorp Raft. Every
// node applies the same transitions in the same order, so any node can answer
// which members serve a name in which epoch; writes go through the leader.
package raftcons

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net"
    "os"
    "path/filepath"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/go-hclog"
    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"
    "go.uber.org/zap"

    "github.com/billhu422/GNS/pkg/internal/logutil"
    c "github.com/billhu422/GNS/pkg/consensus"
    obsmetrics "github.com/billhu422/GNS/pkg/observability/metrics"
    base "github.com/billhu422/GNS/pkg/state"
    "github.com/billhu422/GNS/pkg/state/epochs"
)

var ErrNotStarted = errors.New("raftcons: not started")

// Node is one voter of the registry group. It implements state.Registry.
type Node struct {
    opts Options
    log  *zap.Logger
    st   *epochs.State

    mu    sync.RWMutex
    r     *raft.Raft
    lch   chan c.LeaderInfo
    done  chan struct{}
    obs   *raft.Observer
    wg    sync.WaitGroup
    addr  raft.ServerAddress
    trans raft.Transport
    lb    raft.LoopbackTransport
    bolt  *raftboltdb.BoltStore
}

func New(opts Options) (*Node, error) {
    if opts.NodeID == "" { return nil, fmt.Errorf("raftcons: empty NodeID") }
    if opts.Logger == nil { opts.Logger = zap.NewNop() }
    if opts.ApplyTimeout <= 0 { opts.ApplyTimeout = 5 * time.Second }
    return &Node{opts: opts, log: opts.Logger.Named("registry"), st: epochs.New(), lch: make(chan c.LeaderInfo, 16)}, nil
}

// output routes raft's own logging into zap at warn level and above.
func (n *Node) output() io.Writer {
    return zap.NewStdLog(n.log.Named("raft")).Writer()
}

func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.r != nil { return nil }

    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(n.opts.NodeID)
    cfg.Logger = hclog.New(&hclog.LoggerOptions{Name: "raft", Level: hclog.Warn, Output: n.output()})
    if n.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
        // Keep lease <= heartbeat to satisfy invariants
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
            cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
            if cfg.LeaderLeaseTimeout == 0 { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout }
        }
    }
    if n.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = n.opts.ElectionTimeout }
    if n.opts.CommitTimeout > 0 { cfg.CommitTimeout = n.opts.CommitTimeout }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
        addr   raft.ServerAddress
        trans  raft.Transport
        err    error
    )

    if n.opts.DataDir != "" {
        if n.opts.SnapshotsRetained == 0 { n.opts.SnapshotsRetained = 2 }
        if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil { return err }
        bstore, err := raftboltdb.NewBoltStore(filepath.Join(n.opts.DataDir, "raft.db"))
        if err != nil { return err }
        n.bolt = bstore
        logs, stable = bstore, bstore
        snaps, err = raft.NewFileSnapshotStore(n.opts.DataDir, n.opts.SnapshotsRetained, n.output())
        if err != nil { return err }
    } else {
        logs = raft.NewInmemStore()
        stable = raft.NewInmemStore()
        snaps = raft.NewInmemSnapshotStore()
    }

    if n.opts.BindAddr != "" {
        var adv net.Addr
        if n.opts.Advertise != "" {
            if adv, err = net.ResolveTCPAddr("tcp", n.opts.Advertise); err != nil { return err }
        }
        nt, err := raft.NewTCPTransport(n.opts.BindAddr, adv, 3, time.Second, n.output())
        if err != nil { return err }
        trans, addr = nt, nt.LocalAddr()
    } else {
        addr, trans = raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
    }

    r, err := raft.NewRaft(cfg, newEpochFSM(n.st), logs, stable, snaps, trans)
    if err != nil { return err }
    n.r, n.addr, n.trans = r, addr, trans
    if lb, ok := trans.(raft.LoopbackTransport); ok { n.lb = lb }
    n.done = make(chan struct{})

    obsCh := make(chan raft.Observation, 32)
    n.obs = raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    })
    r.RegisterObserver(n.obs)
    n.wg.Add(1)
    go n.watchLeader(r, obsCh, n.done)

    if n.opts.Bootstrap {
        cfgs := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}}}
        if err := r.BootstrapCluster(cfgs).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) { return err }
    }
    logutil.Infof(n.log, "registry node %s started at %s", n.opts.NodeID, addr)

    go func() {
        select {
        case <-ctx.Done():
            _ = n.Stop()
        case <-n.done:
        }
    }()
    return nil
}

// watchLeader forwards leader observations to LeaderCh and the metrics gauge.
func (n *Node) watchLeader(r *raft.Raft, obsCh <-chan raft.Observation, done <-chan struct{}) {
    defer n.wg.Done()
    emit := func() {
        addr, id := r.LeaderWithID()
        if id == "" { return }
        if string(id) == n.opts.NodeID {
            obsmetrics.RegistryIsLeader.Set(1)
        } else {
            obsmetrics.RegistryIsLeader.Set(0)
        }
        n.emitLeader(c.LeaderInfo{ID: string(id), Addr: string(addr), Term: n.Term()})
    }
    settle := time.NewTimer(50 * time.Millisecond)
    defer settle.Stop()
    for {
        select {
        case <-obsCh:
            emit()
        case <-settle.C:
            emit()
        case <-done:
            return
        }
    }
}

func (n *Node) engine() *raft.Raft {
    n.mu.RLock()
    defer n.mu.RUnlock()
    return n.r
}

// Apply submits cmd on the leader and returns the FSM's response.
func (n *Node) Apply(cmd c.Command, timeout time.Duration) (any, error) {
    r := n.engine()
    if r == nil { return nil, ErrNotStarted }
    if r.State() != raft.Leader { return nil, base.ErrNotLeader }
    data, err := json.Marshal(cmd)
    if err != nil { return nil, err }
    if timeout <= 0 { timeout = n.opts.ApplyTimeout }
    af := r.Apply(data, timeout)
    if err := af.Error(); err != nil {
        if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) { return nil, fmt.Errorf("%w: %v", base.ErrNotLeader, err) }
        return nil, err
    }
    return af.Response(), nil
}

func (n *Node) write(ctx context.Context, op string, p namePayload) (base.Record, error) {
    cmd, err := c.NewCommand(op, p)
    if err != nil { return base.Record{}, err }
    timeout := n.opts.ApplyTimeout
    if dl, ok := ctx.Deadline(); ok {
        if d := time.Until(dl); d < timeout { timeout = d }
    }
    if timeout <= 0 { return base.Record{}, context.DeadlineExceeded }
    v, err := n.Apply(cmd, timeout)
    if err != nil { return base.Record{}, err }
    res, ok := v.(applyResult)
    if !ok { return base.Record{}, fmt.Errorf("raftcons: unexpected response %T", v) }
    return res.rec, res.err
}

func (n *Node) Create(ctx context.Context, name string, members []string) (base.Record, error) {
    return n.write(ctx, c.OpCreateName, namePayload{Name: name, Members: members})
}

func (n *Node) Begin(ctx context.Context, name string, members []string) (base.Record, error) {
    return n.write(ctx, c.OpBeginEpoch, namePayload{Name: name, Members: members})
}

func (n *Node) Advance(ctx context.Context, name string, epoch uint64) (base.Record, error) {
    return n.write(ctx, c.OpAdvanceEpoch, namePayload{Name: name, Epoch: epoch})
}

func (n *Node) Complete(ctx context.Context, name string, epoch uint64) (base.Record, error) {
    return n.write(ctx, c.OpCompleteEpoch, namePayload{Name: name, Epoch: epoch})
}

func (n *Node) Abandon(ctx context.Context, name string, epoch uint64) (base.Record, error) {
    return n.write(ctx, c.OpAbandonEpoch, namePayload{Name: name, Epoch: epoch})
}

// Reads are served from the local replica of the state and may lag the leader.
func (n *Node) Active(name string) (base.Record, bool)  { return n.st.Active(name) }
func (n *Node) Pending(name string) (base.Record, bool) { return n.st.Pending(name) }
func (n *Node) Names() []string                          { return n.st.Names() }

func (n *Node) IsLeader() bool {
    r := n.engine()
    return r != nil && r.State() == raft.Leader
}

func (n *Node) Leader() (id string, addr string, ok bool) {
    r := n.engine()
    if r == nil { return "", "", false }
    a, sid := r.LeaderWithID()
    if sid == "" { return "", "", false }
    return string(sid), string(a), true
}

func (n *Node) Term() uint64 {
    r := n.engine()
    if r == nil { return 0 }
    if v := r.Stats()["current_term"]; v != "" {
        if u, err := strconv.ParseUint(v, 10, 64); err == nil { return u }
    }
    return 0
}

// Addr is the address other voters use to reach this node.
func (n *Node) Addr() string {
    n.mu.RLock()
    defer n.mu.RUnlock()
    return string(n.addr)
}

func (n *Node) Stop() error {
    n.mu.Lock()
    r := n.r
    if r == nil {
        n.mu.Unlock()
        return nil
    }
    n.r = nil
    r.DeregisterObserver(n.obs)
    close(n.done)
    bolt := n.bolt
    n.bolt = nil
    n.mu.Unlock()

    n.wg.Wait()
    err := r.Shutdown().Error()
    if nt, ok := n.trans.(*raft.NetworkTransport); ok { _ = nt.Close() }
    if bolt != nil { _ = bolt.Close() }
    obsmetrics.RegistryIsLeader.Set(0)
    return err
}

func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

func (n *Node) emitLeader(li c.LeaderInfo) {
    select {
    case n.lch <- li:
    default:
        // drop to avoid blocking; last-writer-wins semantics are ok for leadership
    }
}

// StateSnapshot returns the encoded registry state (for inspection).
func (n *Node) StateSnapshot() ([]byte, error) { return n.st.Snapshot() }

// AddVoter adds a voting server to the registry group if not already present.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
    r := n.engine()
    if r == nil { return ErrNotStarted }
    cfg := r.GetConfiguration()
    if err := cfg.Error(); err == nil {
        for _, srv := range cfg.Configuration().Servers {
            if string(srv.ID) != id { continue }
            if string(srv.Address) == addr { return nil }
            // Remove stale entry with different address before adding
            if err := r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil { return err }
            break
        }
    }
    return r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

// RemoveServer removes a server from the registry group if present.
func (n *Node) RemoveServer(id string, timeout time.Duration) error {
    r := n.engine()
    if r == nil { return ErrNotStarted }
    return r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}

var (
    _ c.Consensus      = (*Node)(nil)
    _ c.LeaderNotifier = (*Node)(nil)
    _ c.Reconfigurer   = (*Node)(nil)
    _ base.Registry    = (*Node)(nil)
)

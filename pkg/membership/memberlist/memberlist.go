// Package memberlist is the gossip directory: every node advertises its
// replica, admin and registry addresses as memberlist node meta.
package memberlist

import (
    "context"
    "encoding/json"
    "fmt"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"
    "go.uber.org/zap"

    "github.com/billhu422/GNS/pkg/internal/logutil"
    base "github.com/billhu422/GNS/pkg/membership"
    obsmetrics "github.com/billhu422/GNS/pkg/observability/metrics"
)

// Options configures the memberlist-based membership implementation.
type Options struct {
    NodeID string

    // Bind is the bind address in host:port form (e.g. ":7946" or "0.0.0.0:7946").
    Bind string

    // Advertise is the address (host:port) peers use to reach this node.
    // If empty, memberlist derives it from Bind.
    Advertise string

    // Meta is gossiped with the node; see the membership.Meta* keys.
    Meta map[string]string

    Logger *zap.Logger

    // Tuning parameters (optional). Zero means use defaults.
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
}

// Membership implements membership.Membership using HashiCorp memberlist.
type Membership struct {
    mu     sync.RWMutex
    opts   Options
    log    *zap.Logger
    ml     *memberlist.Memberlist
    evts   chan base.Event
    closed bool
    done   chan struct{}

    smu  sync.Mutex
    seen map[string]struct{}
}

func New(opts Options) (*Membership, error) {
    if opts.NodeID == "" { return nil, fmt.Errorf("memberlist: empty NodeID") }
    if opts.Bind == "" { return nil, fmt.Errorf("memberlist: empty Bind address") }
    if opts.Logger == nil { opts.Logger = zap.NewNop() }
    return &Membership{
        opts: opts,
        log:  opts.Logger.Named("gossip"),
        evts: make(chan base.Event, 64),
        done: make(chan struct{}),
        seen: make(map[string]struct{}),
    }, nil
}

func splitHostPort(addr string) (string, int, error) {
    host, ps, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, err }
    port, err := strconv.Atoi(ps)
    if err != nil || port < 0 || port > 65535 { return "", 0, fmt.Errorf("invalid port: %q", ps) }
    return host, port, nil
}

// Start creates and launches the underlying memberlist instance.
func (m *Membership) Start(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.ml != nil { return nil }
    if m.closed { return fmt.Errorf("memberlist: stopped") }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = m.opts.NodeID
    host, port, err := splitHostPort(m.opts.Bind)
    if err != nil { return fmt.Errorf("memberlist: invalid bind address %q: %w", m.opts.Bind, err) }
    cfg.BindAddr, cfg.BindPort = host, port
    if m.opts.Advertise != "" {
        ahost, aport, err := splitHostPort(m.opts.Advertise)
        if err != nil { return fmt.Errorf("memberlist: invalid advertise address %q: %w", m.opts.Advertise, err) }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
    }
    if m.opts.ProbeInterval > 0 { cfg.ProbeInterval = m.opts.ProbeInterval }
    if m.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = m.opts.ProbeTimeout }
    if m.opts.SuspicionMult > 0 { cfg.SuspicionMult = m.opts.SuspicionMult }
    cfg.LogOutput = nil
    cfg.Logger = zap.NewStdLog(m.log.Named("memberlist"))

    cfg.Events = &eventDelegate{emit: m.emit}
    meta, err := json.Marshal(m.opts.Meta)
    if err != nil { return err }
    cfg.Delegate = &nodeDelegate{meta: meta}

    ml, err := memberlist.Create(cfg)
    if err != nil { return err }
    m.ml = ml
    logutil.Infof(m.log, "gossip %s listening on %s", m.opts.NodeID, m.opts.Bind)

    go func() {
        select {
        case <-ctx.Done():
            _ = m.Stop()
        case <-m.done:
        }
    }()
    return nil
}

func (m *Membership) Join(seeds []string) error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return fmt.Errorf("memberlist: not started") }
    if len(seeds) == 0 { return nil }
    n, err := ml.Join(seeds)
    if err != nil && n == 0 { return err }
    return nil
}

func info(n *memberlist.Node) base.MemberInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    return base.MemberInfo{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

func (m *Membership) Local() base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return base.MemberInfo{} }
    return info(m.ml.LocalNode())
}

func (m *Membership) Members() []base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return nil }
    nodes := m.ml.Members()
    out := make([]base.MemberInfo, 0, len(nodes))
    for _, n := range nodes { out = append(out, info(n)) }
    return out
}

func (m *Membership) Events() <-chan base.Event { return m.evts }

// Leave broadcasts an intent to leave; best effort.
func (m *Membership) Leave() error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return nil }
    _ = ml.Leave(time.Second)
    return nil
}

// Stop shuts memberlist down outside the lock: its listeners may still be
// delivering events while they drain.
func (m *Membership) Stop() error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return nil
    }
    m.closed = true
    close(m.done)
    ml := m.ml
    m.ml = nil
    close(m.evts)
    m.mu.Unlock()

    if ml != nil { _ = ml.Shutdown() }
    obsmetrics.GossipMembers.Set(0)
    return nil
}

// HealthScore exposes memberlist's awareness score.
func (m *Membership) HealthScore() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return -1 }
    return m.ml.GetHealthScore()
}

// emit runs inside memberlist's node lock, so it must not call back into
// the memberlist instance.
func (m *Membership) emit(e base.Event) {
    m.smu.Lock()
    if e.Type == base.EventJoin {
        m.seen[e.Member.ID] = struct{}{}
    } else {
        delete(m.seen, e.Member.ID)
    }
    obsmetrics.GossipMembers.Set(float64(len(m.seen)))
    m.smu.Unlock()

    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.closed { return }
    select {
    case m.evts <- e:
    default:
        logutil.Warnf(m.log, "dropping %s event for %s: channel full", e.Type, e.Member.ID)
    }
}

// eventDelegate adapts memberlist events to base.Event.
type eventDelegate struct {
    emit func(e base.Event)
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
    if n == nil { return }
    d.emit(base.Event{Type: base.EventJoin, Member: info(n), At: time.Now()})
}

// NotifyLeave covers both an explicit leave and a failed node; memberlist
// does not tell them apart here.
func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
    if n == nil { return }
    d.emit(base.Event{Type: base.EventLeave, Member: info(n), At: time.Now()})
}

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
    if n == nil { return }
    d.emit(base.Event{Type: base.EventJoin, Member: info(n), At: time.Now()})
}

// nodeDelegate propagates the node's service addresses as meta.
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    if limit <= 0 { return nil }
    return d.meta[:limit]
}

func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}

var (
    _ base.Membership     = (*Membership)(nil)
    _ base.HealthReporter = (*Membership)(nil)
)

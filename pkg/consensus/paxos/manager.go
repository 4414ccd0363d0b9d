package paxos

import (
    "encoding/json"
    "errors"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/jonboulle/clockwork"
    "go.uber.org/zap"

    "github.com/billhu422/GNS/pkg/internal/logutil"
    obsmetrics "github.com/billhu422/GNS/pkg/observability/metrics"
    "github.com/billhu422/GNS/pkg/packet"
    "github.com/billhu422/GNS/pkg/protocoltask"
)

// Manager hosts the consensus instances of one node.
type Manager struct {
    cfg    Config
    log    *zap.Logger
    sched  *protocoltask.Scheduler
    dropLF *logutil.Filter

    mu        sync.RWMutex
    instances map[string]*instance
    // previous keeps the frozen instance of the last epoch so a failed
    // transition can resume it.
    previous map[string]*instance
    // floor is the lowest epoch still accepted per name.
    floor  map[string]uint64
    closed bool
}

func NewManager(cfg Config) (*Manager, error) {
    if err := cfg.Validate(); err != nil { return nil, err }
    cfg.withDefaults()
    return &Manager{
        cfg:       cfg,
        log:       cfg.Logger.Named("paxos"),
        sched:     cfg.Scheduler,
        dropLF:    logutil.NewFilter(10 * time.Second),
        instances: make(map[string]*instance),
        previous:  make(map[string]*instance),
        floor:     make(map[string]uint64),
    }, nil
}

func (m *Manager) clock() clockwork.Clock { return m.sched.Clock() }

// apply runs the effects of an instance step. Cancels go first so a task
// re-created under the same key is not rejected as a duplicate.
func (m *Manager) apply(fx effects) {
    for _, k := range fx.cancel { m.sched.Cancel(k) }
    for _, t := range fx.schedule {
        if err := m.sched.Schedule(t); err != nil && !errors.Is(err, protocoltask.ErrClosed) {
            logutil.Debugf(m.log, "schedule %s: %v", t.Key(), err)
        }
    }
    for _, msg := range fx.send {
        if err := m.cfg.Sender.Send(msg.To, msg.Packet); err != nil {
            obsmetrics.SendErrors.Inc()
            m.dropLF.Warnf(m.log, "send %s to %s: %v", msg.Packet.Type, msg.To, err)
        }
    }
    for _, f := range fx.notify { f() }
}

func (m *Manager) drop(p packet.Packet, reason string) {
    obsmetrics.PacketsDropped.WithLabelValues(reason).Inc()
    logutil.Debugf(m.log, "drop %s: %s", p, reason)
}

func (m *Manager) lookup(name string) (*instance, uint64) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return m.instances[name], m.floor[name]
}

// Handle routes one inbound consensus packet. Epoch control packets are not
// handled here.
func (m *Manager) Handle(p packet.Packet) {
    if p.Type.IsEpochControl() { return }
    in, floor := m.lookup(p.ServiceName)
    switch {
    case p.Epoch < floor:
        m.drop(p, "stale_epoch")
        return
    case in == nil:
        m.drop(p, "unknown_name")
        return
    case p.Epoch < in.epoch:
        m.drop(p, "stale_epoch")
        return
    case p.Epoch > in.epoch:
        m.drop(p, "future_epoch")
        return
    case !in.isMember(p.Sender):
        m.drop(p, "non_member")
        return
    }

    switch p.Type {
    case packet.TypeAcceptAck:
        m.sched.Deliver(proposalKey(in.name, in.epoch, p.Slot, p.Ballot), p)
    case packet.TypePromise, packet.TypePromiseReject:
        m.sched.Deliver(electionKey(in.name, in.epoch, p.Ballot), p)
    case packet.TypeSyncReply:
        if key := in.currentSyncKey(); key == "" || !m.sched.Deliver(key, p) {
            fx, _ := in.onSyncReply(p)
            m.apply(fx)
        }
    case packet.TypePropose:
        m.apply(in.onPropose(p))
    case packet.TypeAcceptReject:
        m.apply(in.onAcceptReject(p))
    case packet.TypeCommit:
        m.apply(in.onCommit(p))
    case packet.TypePromiseRequest:
        m.apply(in.onPromiseRequest(p))
    case packet.TypeSyncRequest:
        m.apply(in.onSyncRequest(p))
    case packet.TypeRequest:
        if p.RequestID == "" {
            m.drop(p, "malformed")
            return
        }
        fx, err := in.submit(p.RequestID, p.Value, p.Sender, nil)
        if err != nil { return }
        m.apply(fx)
    }
}

// Submit hands a request to the instance of name. cb fires once, when the
// request executes locally or fails.
func (m *Manager) Submit(name, requestID string, value json.RawMessage, cb Callback) error {
    if requestID == "" { return errors.New("paxos: empty request id") }
    in, _ := m.lookup(name)
    if in == nil { return fmt.Errorf("%w: %s", ErrUnknownName, name) }
    fx, err := in.submit(requestID, value, "", cb)
    if err != nil { return err }
    m.apply(fx)
    return nil
}

// Read returns the latest executed record of name. Frozen instances still
// serve reads.
func (m *Manager) Read(name string) (int64, json.RawMessage, error) {
    if !m.Hosts(name) { return -1, nil, fmt.Errorf("%w: %s", ErrUnknownName, name) }
    slot, v, ok := m.cfg.Store.ReadLatest(name)
    if !ok { return -1, nil, fmt.Errorf("%w: %s", ErrUnknownName, name) }
    return slot, v, nil
}

func (m *Manager) Hosts(name string) bool {
    in, _ := m.lookup(name)
    return in != nil
}

// Epoch returns the epoch this node currently serves for name. While a
// successor is only staged that is still the previous epoch.
func (m *Manager) Epoch(name string) (uint64, bool) {
    m.mu.RLock()
    in, prev := m.instances[name], m.previous[name]
    m.mu.RUnlock()
    if in == nil { return 0, false }
    if in.stagedState() != nil {
        if prev == nil { return 0, false }
        return prev.epoch, true
    }
    return in.epoch, true
}

// Leader returns the leader hint of name.
func (m *Manager) Leader(name string) (string, bool) {
    in, _ := m.lookup(name)
    if in == nil { return "", false }
    in.mu.Lock()
    defer in.mu.Unlock()
    return in.leader, in.leader != ""
}

func (m *Manager) Status() []InstanceStatus {
    m.mu.RLock()
    list := make([]*instance, 0, len(m.instances))
    for _, in := range m.instances { list = append(list, in) }
    m.mu.RUnlock()
    out := make([]InstanceStatus, 0, len(list))
    for _, in := range list { out = append(out, in.status()) }
    sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
    return out
}

// Close fails every pending request with ErrClosed. The scheduler is owned
// by the caller.
func (m *Manager) Close() {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return
    }
    m.closed = true
    var fx effects
    for _, in := range m.instances { fx.merge(in.close(ErrClosed)) }
    for _, in := range m.previous { fx.merge(in.close(ErrClosed)) }
    m.instances = make(map[string]*instance)
    m.previous = make(map[string]*instance)
    m.mu.Unlock()
    obsmetrics.Instances.Set(0)
    m.apply(effects{cancel: fx.cancel, notify: fx.notify})
}

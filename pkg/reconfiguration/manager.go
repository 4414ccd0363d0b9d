// Package reconfiguration moves a name from one replica set to the next. The
// Manager coordinates a transition: it stops the current epoch on a majority
// of its members, merges their state and starts the next epoch on a majority
// of the new members. The Replica executes those steps on every node.
package reconfiguration

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/billhu422/GNS/pkg/internal/logutil"
    obsmetrics "github.com/billhu422/GNS/pkg/observability/metrics"
    "github.com/billhu422/GNS/pkg/observability/tracing"
    "github.com/billhu422/GNS/pkg/packet"
    "github.com/billhu422/GNS/pkg/protocoltask"
    "github.com/billhu422/GNS/pkg/state"
)

var (
    ErrTransitionAbandoned  = errors.New("reconfiguration: transition abandoned")
    ErrTransitionInProgress = errors.New("reconfiguration: transition already in progress")
    ErrUnknownName          = errors.New("reconfiguration: unknown name")
    ErrClosed               = errors.New("reconfiguration: closed")
)

// EventKind classifies an Event.
type EventKind string

const (
    EventEpochActivated EventKind = "epoch_activated"
    EventEpochAbandoned EventKind = "epoch_abandoned"
)

// Event reports the outcome of a transition this node coordinated.
type Event struct {
    Kind    EventKind
    Name    string
    Epoch   uint64
    Members []string
    Err     error
}

// Config is the coordinator's per-node context.
type Config struct {
    Self      string
    Scheduler *protocoltask.Scheduler
    Registry  state.Registry
    Logger    *zap.Logger
    // RegistryTimeout bounds each registry write.
    RegistryTimeout time.Duration
    OnEvent         func(Event)
}

func (c *Config) Validate() error {
    if c.Self == "" { return errors.New("reconfiguration: Self is required") }
    if c.Scheduler == nil { return errors.New("reconfiguration: Scheduler is required") }
    if c.Registry == nil { return errors.New("reconfiguration: Registry is required") }
    return nil
}

type transition struct {
    name string
    from state.Record // zero when the name is being created
    to   state.Record
    done chan error
}

func (t *transition) creating() bool { return len(t.from.Members) == 0 }

// Manager coordinates transitions started on this node. At most one
// transition per name is in flight.
type Manager struct {
    cfg   Config
    log   *zap.Logger
    sched *protocoltask.Scheduler

    mu       sync.Mutex
    inflight map[string]*transition
    closed   bool
    wg       sync.WaitGroup
}

func NewManager(cfg Config) (*Manager, error) {
    if err := cfg.Validate(); err != nil { return nil, err }
    if cfg.Logger == nil { cfg.Logger = zap.NewNop() }
    if cfg.RegistryTimeout <= 0 { cfg.RegistryTimeout = 10 * time.Second }
    return &Manager{
        cfg:      cfg,
        log:      cfg.Logger.Named("reconfig"),
        sched:    cfg.Scheduler,
        inflight: make(map[string]*transition),
    }, nil
}

// Create registers name with members and runs the start phase of epoch 0
// with initial as the record.
func (m *Manager) Create(ctx context.Context, name string, members []string, initial json.RawMessage) (state.Record, error) {
    ctx, end := tracing.StartSpan(ctx, "reconfiguration.create", name)
    defer end()
    if len(initial) == 0 { initial = json.RawMessage(`{}`) }

    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return state.Record{}, ErrClosed
    }
    if _, busy := m.inflight[name]; busy {
        m.mu.Unlock()
        return state.Record{}, ErrTransitionInProgress
    }
    rec, err := m.cfg.Registry.Create(ctx, name, members)
    if err != nil {
        m.mu.Unlock()
        return state.Record{}, err
    }
    tr := &transition{name: name, to: rec, done: make(chan error, 1)}
    m.inflight[name] = tr
    m.mu.Unlock()

    logutil.Infof(m.log, "creating %s with members %v", name, rec.Members)
    m.startPhase(tr, &packet.TransferState{Slot: -1, Record: initial})
    if err := m.wait(ctx, tr); err != nil { return rec, err }
    rec.State = state.Active
    return rec, nil
}

// Reconfigure moves name to members in a new epoch and returns that epoch.
// Cancelling ctx stops the wait, not the transition.
func (m *Manager) Reconfigure(ctx context.Context, name string, members []string) (uint64, error) {
    ctx, end := tracing.StartSpan(ctx, "reconfiguration.reconfigure", name)
    defer end()

    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return 0, ErrClosed
    }
    if _, busy := m.inflight[name]; busy {
        m.mu.Unlock()
        return 0, ErrTransitionInProgress
    }
    from, ok := m.cfg.Registry.Active(name)
    if !ok {
        m.mu.Unlock()
        return 0, fmt.Errorf("%w: %s", ErrUnknownName, name)
    }
    to, err := m.cfg.Registry.Begin(ctx, name, members)
    if err != nil {
        m.mu.Unlock()
        if errors.Is(err, state.ErrTransitionInProgress) { return 0, fmt.Errorf("%w: %v", ErrTransitionInProgress, err) }
        return 0, err
    }
    tr := &transition{name: name, from: from, to: to, done: make(chan error, 1)}
    m.inflight[name] = tr
    m.mu.Unlock()

    logutil.Infof(m.log, "reconfiguring %s: epoch %d %v -> epoch %d %v", name, from.Epoch, from.Members, to.Epoch, to.Members)
    if err := m.sched.Schedule(newStopTask(m, tr)); err != nil { m.finish(tr, err) }
    return to.Epoch, m.wait(ctx, tr)
}

func (m *Manager) wait(ctx context.Context, tr *transition) error {
    select {
    case err := <-tr.done:
        return err
    case <-ctx.Done():
        return ctx.Err()
    }
}

// Pending reports whether a transition of name is coordinated here.
func (m *Manager) Pending(name string) bool {
    m.mu.Lock()
    defer m.mu.Unlock()
    _, ok := m.inflight[name]
    return ok
}

// Handle routes the acknowledgements of the epoch handshake to their tasks.
func (m *Manager) Handle(p packet.Packet) {
    var key string
    switch p.Type {
    case packet.TypeStopEpochAck:
        key = stopKey(p.ServiceName, p.Epoch)
    case packet.TypeAckStartEpoch:
        key = startKey(p.ServiceName, p.Epoch)
    case packet.TypeResumeEpochAck:
        key = resumeKey(p.ServiceName, p.Epoch)
    case packet.TypeDropEpochAck:
        key = dropKey(p.ServiceName, p.Epoch)
    default:
        return
    }
    if !m.sched.Deliver(key, p) {
        obsmetrics.PacketsDropped.WithLabelValues("no_transition").Inc()
    }
}

// stopped runs once a majority of the old members acknowledged STOP_EPOCH.
func (m *Manager) stopped(tr *transition, acks map[string]packet.TransferState) {
    ts := mergeTransfer(acks)
    logutil.Infof(m.log, "%s epoch %d stopped at slot %d with %d tail entries", tr.name, tr.from.Epoch, ts.Slot, len(ts.Tail))
    m.async(func() {
        ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RegistryTimeout)
        defer cancel()
        if _, err := m.cfg.Registry.Advance(ctx, tr.name, tr.to.Epoch); err != nil {
            m.abandon(tr, fmt.Errorf("advance: %w", err))
            return
        }
        m.startPhase(tr, ts)
    })
}

func (m *Manager) startPhase(tr *transition, ts *packet.TransferState) {
    if err := m.sched.Schedule(newStartTask(m, tr, ts)); err != nil { m.abandon(tr, err) }
}

// started runs once a majority of the new members acknowledged START_EPOCH.
// New members serve only after the registry made the epoch ACTIVE and
// RESUME_EPOCH for it reached them.
func (m *Manager) started(tr *transition) {
    m.async(func() {
        ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RegistryTimeout)
        defer cancel()
        if _, err := m.cfg.Registry.Complete(ctx, tr.name, tr.to.Epoch); err != nil {
            m.abandon(tr, fmt.Errorf("complete: %w", err))
            return
        }
        m.notice(resumeKey(tr.name, tr.to.Epoch), m.control(packet.TypeResumeEpoch, tr.name, tr.to.Epoch), packet.TypeResumeEpochAck, tr.to.Members)
        if !tr.creating() {
            var gone []string
            for _, id := range tr.from.Members {
                if !tr.to.HasMember(id) { gone = append(gone, id) }
            }
            m.notice(dropKey(tr.name, tr.from.Epoch), m.control(packet.TypeDropEpoch, tr.name, tr.from.Epoch), packet.TypeDropEpochAck, gone)
        }
        obsmetrics.EpochTransitions.WithLabelValues("activated").Inc()
        logutil.Infof(m.log, "%s epoch %d active with members %v", tr.name, tr.to.Epoch, tr.to.Members)
        m.emit(Event{Kind: EventEpochActivated, Name: tr.name, Epoch: tr.to.Epoch, Members: tr.to.Members})
        m.finish(tr, nil)
    })
}

// abandon gives up on a transition: the pending record is retired, old
// members resume the current epoch and new members drop what they started.
func (m *Manager) abandon(tr *transition, cause error) {
    ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RegistryTimeout)
    defer cancel()
    if _, err := m.cfg.Registry.Abandon(ctx, tr.name, tr.to.Epoch); err != nil {
        logutil.Warnf(m.log, "abandon %s epoch %d: %v", tr.name, tr.to.Epoch, err)
    }
    if tr.creating() {
        m.notice(dropKey(tr.name, tr.to.Epoch), m.control(packet.TypeDropEpoch, tr.name, tr.to.Epoch), packet.TypeDropEpochAck, tr.to.Members)
    } else {
        all := state.SortedMembers(append(append([]string(nil), tr.from.Members...), tr.to.Members...))
        m.notice(resumeKey(tr.name, tr.from.Epoch), m.control(packet.TypeResumeEpoch, tr.name, tr.from.Epoch), packet.TypeResumeEpochAck, all)
    }
    err := fmt.Errorf("%w: %s epoch %d: %v", ErrTransitionAbandoned, tr.name, tr.to.Epoch, cause)
    obsmetrics.EpochTransitions.WithLabelValues("abandoned").Inc()
    logutil.Warnf(m.log, "%v", err)
    m.emit(Event{Kind: EventEpochAbandoned, Name: tr.name, Epoch: tr.to.Epoch, Members: tr.to.Members, Err: err})
    m.finish(tr, err)
}

func (m *Manager) finish(tr *transition, err error) {
    m.mu.Lock()
    if m.inflight[tr.name] == tr { delete(m.inflight, tr.name) }
    m.mu.Unlock()
    select {
    case tr.done <- err:
    default:
    }
}

func (m *Manager) control(t packet.Type, name string, epoch uint64) packet.Packet {
    return packet.Packet{Type: t, ServiceName: name, Epoch: epoch, Sender: m.cfg.Self, Initiator: m.cfg.Self, Slot: -1}
}

// notice hands p to every id in to until each one acknowledged with ack. A
// newer notice under the same key replaces the older one.
func (m *Manager) notice(key string, p packet.Packet, ack packet.Type, to []string) {
    if len(to) == 0 { return }
    m.sched.Cancel(key)
    if err := m.sched.Schedule(newNoticeTask(m, key, p, ack, to)); err != nil {
        logutil.Warnf(m.log, "schedule %s: %v", key, err)
    }
}

func (m *Manager) emit(ev Event) {
    if m.cfg.OnEvent != nil { m.cfg.OnEvent(ev) }
}

func (m *Manager) async(f func()) {
    m.wg.Add(1)
    go func() {
        defer m.wg.Done()
        f()
    }()
}

// Close fails transitions still waiting and waits for registry calls in
// flight. Tasks are cancelled by the scheduler's owner.
func (m *Manager) Close() {
    m.mu.Lock()
    m.closed = true
    trs := make([]*transition, 0, len(m.inflight))
    for _, tr := range m.inflight { trs = append(trs, tr) }
    m.mu.Unlock()
    for _, tr := range trs {
        m.sched.Cancel(stopKey(tr.name, tr.from.Epoch))
        m.sched.Cancel(startKey(tr.name, tr.to.Epoch))
        m.finish(tr, ErrClosed)
    }
    m.wg.Wait()
}

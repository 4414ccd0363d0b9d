package paxos

import (
    "encoding/json"
    "errors"
    "fmt"
    "sort"
    "sync"

    "github.com/jonboulle/clockwork"
    "go.uber.org/zap"
    "golang.org/x/time/rate"

    "github.com/billhu422/GNS/pkg/internal/logutil"
    obsmetrics "github.com/billhu422/GNS/pkg/observability/metrics"
    "github.com/billhu422/GNS/pkg/packet"
    "github.com/billhu422/GNS/pkg/protocoltask"
    "github.com/billhu422/GNS/pkg/store"
)

// effects are the side effects of one locked step of an instance. The
// Manager applies them after the instance lock is released.
type effects struct {
    send     []packet.Message
    schedule []protocoltask.Task
    cancel   []string
    notify   []func()
}

func (fx *effects) merge(o effects) {
    fx.send = append(fx.send, o.send...)
    fx.schedule = append(fx.schedule, o.schedule...)
    fx.cancel = append(fx.cancel, o.cancel...)
    fx.notify = append(fx.notify, o.notify...)
}

type request struct {
    id     string
    value  json.RawMessage
    slot   int64
    fwdKey string
    fwdTo  string
}

// instance is the replicated log of one name within one epoch.
type instance struct {
    m       *Manager
    log     *zap.Logger
    name    string
    epoch   uint64
    members []string
    self    string
    limiter *rate.Limiter

    mu         sync.Mutex
    role       Role
    ballot     packet.Ballot
    promised   packet.Ballot
    leader     string
    frozen     bool
    closed     bool
    frozenSnap *packet.TransferState
    // staged is the carried state of an epoch started but not yet ACTIVE.
    staged *packet.TransferState

    accepted  map[int64]packet.Entry
    committed map[int64]packet.Entry
    execNext  int64
    low       int64
    nextSlot  int64

    proposals map[int64]string
    electKey  string
    syncKey   string
    syncTo    int64
    seq       uint64
    keys      map[string]struct{}
    retry     clockwork.Timer

    outstanding map[string]*request
    order       []string
    waiters     map[string][]Callback
    executed    *window
}

func newInstance(m *Manager, name string, epoch uint64, members []string, start int64) *instance {
    ms := append([]string(nil), members...)
    sort.Strings(ms)
    initial := packet.Ballot{Num: 0, Node: ms[0]}
    in := &instance{
        m:           m,
        log:         m.log.With(zap.String("name", name), zap.Uint64("epoch", epoch)),
        name:        name,
        epoch:       epoch,
        members:     ms,
        self:        m.cfg.Self,
        limiter:     rate.NewLimiter(rate.Every(m.cfg.ElectionInterval), 1),
        ballot:      initial,
        promised:    initial,
        accepted:    make(map[int64]packet.Entry),
        committed:   make(map[int64]packet.Entry),
        execNext:    start,
        low:         start,
        nextSlot:    start,
        proposals:   make(map[int64]string),
        syncTo:      -1,
        keys:        make(map[string]struct{}),
        outstanding: make(map[string]*request),
        waiters:     make(map[string][]Callback),
        executed:    newWindow(m.cfg.ExecutedWindow),
    }
    return in
}

func (in *instance) isMember(id string) bool {
    i := sort.SearchStrings(in.members, id)
    return i < len(in.members) && in.members[i] == id
}

func (in *instance) others() []string {
    out := make([]string, 0, len(in.members))
    for _, id := range in.members {
        if id != in.self { out = append(out, id) }
    }
    return out
}

func (in *instance) packet(t packet.Type) packet.Packet {
    return packet.Packet{Type: t, ServiceName: in.name, Epoch: in.epoch, Sender: in.self}
}

func (in *instance) reply(fx *effects, to string, p packet.Packet) {
    fx.send = append(fx.send, packet.Message{To: to, Packet: p})
}

func (in *instance) commitPacket(e packet.Entry) packet.Packet {
    p := in.packet(packet.TypeCommit)
    p.Ballot, p.Slot, p.Value, p.RequestID = e.Ballot, e.Slot, e.Value, e.RequestID
    return p
}

func (in *instance) track(fx *effects, key string, t protocoltask.Task) {
    in.keys[key] = struct{}{}
    fx.schedule = append(fx.schedule, t)
}

func (in *instance) untrack(fx *effects, key string) {
    if key == "" { return }
    if _, ok := in.keys[key]; !ok { return }
    delete(in.keys, key)
    fx.cancel = append(fx.cancel, key)
}

func (in *instance) nextSeq() uint64 {
    in.seq++
    return in.seq
}

// live reports whether key still belongs to a task this instance wants
// running. Tasks that lost a race with a cancel use it to retire themselves.
func (in *instance) live(key string) bool {
    in.mu.Lock()
    defer in.mu.Unlock()
    _, ok := in.keys[key]
    return ok && !in.closed
}

func (in *instance) currentSyncKey() string {
    in.mu.Lock()
    defer in.mu.Unlock()
    return in.syncKey
}

// ---- requests

func (in *instance) submit(id string, value json.RawMessage, origin string, cb Callback) (effects, error) {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    if in.closed { return fx, ErrClosed }
    if slot, ok := in.executed.has(id); ok {
        if cb != nil { fx.notify = append(fx.notify, func() { cb(Result{Slot: slot}) }) }
        if origin != "" && origin != in.self {
            if e, ok := in.committed[slot]; ok && e.RequestID == id { in.reply(&fx, origin, in.commitPacket(e)) }
        }
        return fx, nil
    }
    r := in.outstanding[id]
    if r == nil {
        r = &request{id: id, value: value, slot: -1}
        in.outstanding[id] = r
        in.order = append(in.order, id)
    }
    if cb != nil { in.waiters[id] = append(in.waiters[id], cb) }
    if in.frozen { return fx, nil }
    in.driveLocked(&fx, r)
    return fx, nil
}

func (in *instance) driveLocked(fx *effects, r *request) {
    switch in.role {
    case Leader:
        if r.slot < 0 { in.proposeLocked(fx, r) }
    case Follower:
        if in.leader != "" && in.leader != in.self {
            in.forwardLocked(fx, r)
        } else {
            in.startElectionLocked(fx)
        }
    }
}

// redriveLocked re-dispatches every outstanding request after a role or
// leader change.
func (in *instance) redriveLocked(fx *effects) {
    if in.frozen || in.closed { return }
    order := in.order[:0]
    for _, id := range in.order {
        r := in.outstanding[id]
        if r == nil { continue }
        order = append(order, id)
        in.driveLocked(fx, r)
    }
    in.order = order
}

func (in *instance) proposeLocked(fx *effects, r *request) {
    slot := in.nextSlot
    in.nextSlot++
    r.slot = slot
    in.untrack(fx, r.fwdKey)
    r.fwdKey, r.fwdTo = "", ""
    in.proposeEntryLocked(fx, packet.Entry{Slot: slot, Ballot: in.ballot, Value: r.value, RequestID: r.id})
}

func (in *instance) proposeEntryLocked(fx *effects, e packet.Entry) {
    key := proposalKey(in.name, in.epoch, e.Slot, e.Ballot)
    if old, ok := in.proposals[e.Slot]; ok {
        if old == key { return }
        in.untrack(fx, old)
    }
    in.proposals[e.Slot] = key
    in.track(fx, key, newProposalTask(in, key, e))
    obsmetrics.Proposals.Inc()
}

func (in *instance) forwardLocked(fx *effects, r *request) {
    if r.fwdKey != "" && r.fwdTo == in.leader { return }
    in.untrack(fx, r.fwdKey)
    key := forwardKey(in.name, in.epoch, r.id, in.nextSeq())
    r.fwdKey, r.fwdTo = key, in.leader
    in.track(fx, key, &forwardTask{in: in, key: key, to: in.leader, id: r.id, value: r.value})
}

func (in *instance) finishLocked(fx *effects, id string, res Result) {
    if r := in.outstanding[id]; r != nil {
        in.untrack(fx, r.fwdKey)
        delete(in.outstanding, id)
    }
    for _, cb := range in.waiters[id] {
        cb := cb
        fx.notify = append(fx.notify, func() { cb(res) })
    }
    delete(in.waiters, id)
}

func (in *instance) failLocked(fx *effects, id string, err error) {
    in.finishLocked(fx, id, Result{Slot: -1, Err: err})
}

// ---- leadership

func (in *instance) setLeaderLocked(fx *effects, id string) {
    if in.leader == id { return }
    in.leader = id
    if id == "" { return }
    if hook := in.m.cfg.OnLeader; hook != nil {
        name, epoch := in.name, in.epoch
        fx.notify = append(fx.notify, func() { hook(name, epoch, id) })
    }
}

// observeLocked adopts a ballot higher than any seen so far. A node that
// sees another node's higher ballot stops leading or campaigning.
func (in *instance) observeLocked(fx *effects, b packet.Ballot) {
    if !in.ballot.Less(b) { return }
    in.ballot = b
    if b.Node == in.self { return }
    if in.role != Follower { in.stepDownLocked(fx) }
    in.setLeaderLocked(fx, b.Node)
    in.redriveLocked(fx)
}

func (in *instance) stepDownLocked(fx *effects) {
    if in.role == Leader { obsmetrics.LeaderOf.Dec() }
    if in.role == Candidate { obsmetrics.Elections.WithLabelValues("lost").Inc() }
    in.role = Follower
    in.untrack(fx, in.electKey)
    in.electKey = ""
    for s, k := range in.proposals {
        in.untrack(fx, k)
        delete(in.proposals, s)
    }
    for _, r := range in.outstanding { r.slot = -1 }
}

func (in *instance) preemptedLocked(fx *effects, higher packet.Ballot) {
    in.stepDownLocked(fx)
    in.ballot = packet.MaxBallot(in.ballot, higher)
    leader := higher.Node
    if leader == in.self { leader = "" }
    in.setLeaderLocked(fx, leader)
    logutil.Infof(in.log, "preempted by ballot %s", higher)
    in.redriveLocked(fx)
}

func (in *instance) startElectionLocked(fx *effects) {
    if in.frozen || in.closed || in.role != Follower { return }
    if !in.limiter.AllowN(in.m.clock().Now(), 1) {
        in.armRetryLocked()
        return
    }
    b := packet.MaxBallot(in.ballot, in.promised).Next(in.self)
    in.ballot = b
    in.role = Candidate
    in.leader = ""
    key := electionKey(in.name, in.epoch, b)
    in.electKey = key
    in.track(fx, key, newElectionTask(in, key, b, in.execNext))
    obsmetrics.Elections.WithLabelValues("started").Inc()
    logutil.Debugf(in.log, "election started with ballot %s", b)
}

func (in *instance) armRetryLocked() {
    if in.retry != nil { return }
    in.retry = in.m.clock().AfterFunc(in.m.cfg.ElectionInterval, func() {
        in.mu.Lock()
        in.retry = nil
        var fx effects
        in.redriveLocked(&fx)
        in.mu.Unlock()
        in.m.apply(fx)
    })
}

func (in *instance) stopRetryLocked() {
    if in.retry != nil {
        in.retry.Stop()
        in.retry = nil
    }
}

// ---- commit and execution

func (in *instance) violation(slot int64, have, got packet.Entry) {
    logutil.Errorf(in.log, "agreement violation at slot %d: committed %s/%s, offered %s/%s",
        slot, have.RequestID, string(have.Value), got.RequestID, string(got.Value))
}

func (in *instance) commitLocked(fx *effects, e packet.Entry) {
    if c, ok := in.committed[e.Slot]; ok {
        if !sameValue(c, e) { in.violation(e.Slot, c, e) }
        return
    }
    if e.Slot < in.execNext { return }
    e.Committed = true
    in.committed[e.Slot] = e
    delete(in.accepted, e.Slot)
    if e.Slot >= in.nextSlot { in.nextSlot = e.Slot + 1 }
    in.executeLocked(fx)
    if e.Slot >= in.execNext { in.syncLocked(fx, e.Slot) }
}

// executeLocked applies committed entries strictly in slot order. A request
// id that already executed still consumes its slot but leaves the record
// untouched.
func (in *instance) executeLocked(fx *effects) {
    for {
        e, ok := in.committed[in.execNext]
        if !ok { break }
        slot := in.execNext
        value := e.Value
        dup := false
        if e.RequestID != "" {
            if _, seen := in.executed.has(e.RequestID); seen {
                dup = true
                value = nil
            }
        }
        res := Result{Slot: slot}
        if err := in.m.cfg.Store.Apply(in.name, slot, value); err != nil {
            if !errors.Is(err, store.ErrInvalidValue) {
                logutil.Errorf(in.log, "apply slot %d: %v", slot, err)
                break
            }
            logutil.Warnf(in.log, "slot %d carries a non-object value", slot)
            res.Err = err
        }
        in.execNext++
        delete(in.accepted, slot)
        obsmetrics.Commits.Inc()
        if e.RequestID != "" && !dup {
            in.executed.add(e.RequestID, slot)
            in.finishLocked(fx, e.RequestID, res)
        }
        if k, ok := in.proposals[slot]; ok {
            in.untrack(fx, k)
            delete(in.proposals, slot)
        }
        if hook := in.m.cfg.OnCommit; hook != nil {
            name, ent := in.name, e
            fx.notify = append(fx.notify, func() { hook(name, ent) })
        }
    }
    if in.nextSlot < in.execNext { in.nextSlot = in.execNext }
    if in.syncKey != "" && in.execNext > in.syncTo {
        in.untrack(fx, in.syncKey)
        in.syncKey = ""
    }
    in.pruneLocked()
}

func (in *instance) pruneLocked() {
    limit := in.execNext - int64(in.m.cfg.LogRetain)
    if limit <= in.low { return }
    for s := in.low; s < limit; s++ {
        delete(in.committed, s)
        delete(in.accepted, s)
    }
    in.low = limit
}

// entriesLocked returns committed entries, and accepted ones when asked, in
// [from, to]; to < 0 means unbounded.
func (in *instance) entriesLocked(from, to int64, withAccepted bool) []packet.Entry {
    var out []packet.Entry
    inRange := func(s int64) bool { return s >= from && (to < 0 || s <= to) }
    for s, e := range in.committed {
        if inRange(s) { out = append(out, e) }
    }
    if withAccepted {
        for s, e := range in.accepted {
            if _, ok := in.committed[s]; ok { continue }
            if inRange(s) { out = append(out, e) }
        }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
    return out
}

func (in *instance) snapshotLocked() *packet.TransferState {
    snap, err := in.m.cfg.Store.Snapshot(in.name)
    if err != nil { snap = store.Snapshot{Slot: in.execNext - 1, Record: json.RawMessage(`{}`)} }
    return &packet.TransferState{Slot: snap.Slot, Record: snap.Record, Executed: in.executed.list()}
}

// installLocked jumps the log forward to a transferred snapshot.
func (in *instance) installLocked(fx *effects, ts *packet.TransferState) {
    if ts == nil || ts.Slot < in.execNext { return }
    if err := in.m.cfg.Store.Install(in.name, store.Snapshot{Slot: ts.Slot, Record: ts.Record}); err != nil {
        logutil.Errorf(in.log, "install snapshot at %d: %v", ts.Slot, err)
        return
    }
    in.executed.load(ts.Executed, ts.Slot)
    for s := range in.committed {
        if s <= ts.Slot { delete(in.committed, s) }
    }
    for s := range in.accepted {
        if s <= ts.Slot { delete(in.accepted, s) }
    }
    in.execNext = ts.Slot + 1
    in.low = in.execNext
    for _, id := range ts.Executed {
        if _, ok := in.outstanding[id]; ok || len(in.waiters[id]) > 0 {
            in.finishLocked(fx, id, Result{Slot: ts.Slot})
        }
    }
    in.executeLocked(fx)
}

func (in *instance) syncLocked(fx *effects, upTo int64) {
    if upTo > in.syncTo { in.syncTo = upTo }
    if in.syncKey != "" || in.role == Leader || in.frozen { return }
    key := fmt.Sprintf("%s/%d", syncKey(in.name, in.epoch), in.nextSeq())
    in.syncKey = key
    in.track(fx, key, &syncTask{in: in, key: key})
    obsmetrics.CatchUps.Inc()
}

// ---- lifecycle

func (in *instance) freeze() (*packet.TransferState, effects) {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    if in.frozenSnap != nil { return in.frozenSnap, fx }
    in.frozen = true
    for k := range in.keys { fx.cancel = append(fx.cancel, k) }
    in.keys = make(map[string]struct{})
    in.proposals = make(map[int64]string)
    in.electKey, in.syncKey = "", ""
    for _, r := range in.outstanding {
        r.fwdKey, r.fwdTo = "", ""
        r.slot = -1
    }
    if in.role == Leader { obsmetrics.LeaderOf.Dec() }
    in.role = Follower
    in.stopRetryLocked()
    ts := in.snapshotLocked()
    ts.Tail = in.entriesLocked(in.execNext, -1, true)
    in.frozenSnap = ts
    return ts, fx
}

func (in *instance) thaw(reqs []*request, waiters map[string][]Callback) effects {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    in.frozen = false
    in.frozenSnap = nil
    in.adoptLocked(&fx, reqs, waiters)
    in.redriveLocked(&fx)
    return fx
}

// takeRequests hands the outstanding requests and their waiters to another
// instance of the same name.
func (in *instance) takeRequests() ([]*request, map[string][]Callback) {
    in.mu.Lock()
    defer in.mu.Unlock()
    var reqs []*request
    for _, id := range in.order {
        if r := in.outstanding[id]; r != nil {
            reqs = append(reqs, &request{id: r.id, value: r.value, slot: -1})
        }
    }
    waiters := in.waiters
    in.outstanding = make(map[string]*request)
    in.order = nil
    in.waiters = make(map[string][]Callback)
    return reqs, waiters
}

func (in *instance) adoptLocked(fx *effects, reqs []*request, waiters map[string][]Callback) {
    for id, cbs := range waiters { in.waiters[id] = append(in.waiters[id], cbs...) }
    for _, r := range reqs {
        if slot, ok := in.executed.has(r.id); ok {
            in.finishLocked(fx, r.id, Result{Slot: slot})
            continue
        }
        if _, ok := in.outstanding[r.id]; ok { continue }
        in.outstanding[r.id] = r
        in.order = append(in.order, r.id)
    }
}

// stage parks a started epoch until the registry makes it ACTIVE. Requests
// inherited from the previous epoch wait here, frozen.
func (in *instance) stage(ts *packet.TransferState, reqs []*request, waiters map[string][]Callback) effects {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    in.frozen = true
    in.staged = ts
    in.executed.load(ts.Executed, ts.Slot)
    in.adoptLocked(&fx, reqs, waiters)
    return fx
}

func (in *instance) stagedState() *packet.TransferState {
    in.mu.Lock()
    defer in.mu.Unlock()
    return in.staged
}

// activate starts serving a staged epoch: the first member leads, the
// carried tail is committed and, when drive is set, waiting requests are
// proposed. The caller installed the carried snapshot.
func (in *instance) activate(drive bool) effects {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    ts := in.staged
    if ts == nil || in.closed { return fx }
    in.staged = nil
    in.frozen = false
    if in.members[0] == in.self {
        in.role = Leader
        obsmetrics.LeaderOf.Inc()
    }
    in.setLeaderLocked(&fx, in.members[0])
    for _, e := range ts.Tail { in.commitLocked(&fx, e) }
    if drive { in.redriveLocked(&fx) }
    return fx
}

func (in *instance) close(err error) effects {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    if in.closed { return fx }
    in.closed = true
    for k := range in.keys { fx.cancel = append(fx.cancel, k) }
    in.keys = make(map[string]struct{})
    in.stopRetryLocked()
    if in.role == Leader { obsmetrics.LeaderOf.Dec() }
    in.role = Follower
    for id := range in.waiters { in.failLocked(&fx, id, err) }
    in.outstanding = make(map[string]*request)
    in.order = nil
    return fx
}

func (in *instance) status() InstanceStatus {
    in.mu.Lock()
    defer in.mu.Unlock()
    return InstanceStatus{
        Name:         in.name,
        Epoch:        in.epoch,
        Members:      append([]string(nil), in.members...),
        Role:         in.role.String(),
        Leader:       in.leader,
        Ballot:       in.ballot.String(),
        ExecutedSlot: in.execNext - 1,
        Frozen:       in.frozen,
        Staged:       in.staged != nil,
        Outstanding:  len(in.outstanding),
    }
}

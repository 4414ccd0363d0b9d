package paxos

import (
    "encoding/json"

    "github.com/billhu422/GNS/pkg/packet"
    "github.com/billhu422/GNS/pkg/protocoltask"
    "github.com/billhu422/GNS/pkg/quorum"
)

// proposalTask drives one slot at one ballot to a majority of ACCEPT_ACKs.
type proposalTask struct {
    in       *instance
    key      string
    entry    packet.Entry
    acks     *quorum.Collector[struct{}]
    attempts int
}

func newProposalTask(in *instance, key string, e packet.Entry) *proposalTask {
    return &proposalTask{in: in, key: key, entry: e, acks: quorum.New[struct{}](in.members, quorum.Majority())}
}

func (t *proposalTask) Key() string { return t.key }

func (t *proposalTask) Start() []packet.Message {
    p := t.in.packet(packet.TypePropose)
    p.Ballot, p.Slot, p.Value, p.RequestID = t.entry.Ballot, t.entry.Slot, t.entry.Value, t.entry.RequestID
    return packet.Fanout(t.in.members, p)
}

func (t *proposalTask) HandleEvent(ev packet.Packet) ([]packet.Message, bool) {
    if ev.Type != packet.TypeAcceptAck || ev.Slot != t.entry.Slot || ev.Ballot != t.entry.Ballot { return nil, false }
    t.acks.MarkResponded(ev.Sender)
    if !t.acks.IsComplete() { return nil, false }
    t.in.m.apply(t.in.chosen(t.key, t.entry))
    return nil, true
}

func (t *proposalTask) Restart() []packet.Message {
    if !t.in.live(t.key) {
        t.in.m.sched.Cancel(t.key)
        return nil
    }
    t.attempts++
    if t.attempts%t.in.m.cfg.StallAfter == 0 { t.in.m.apply(t.in.stalled(t.key)) }
    return t.Start()
}

func (t *proposalTask) Fix(msgs []packet.Message) []packet.Message { return t.acks.FilterResponded(msgs) }

func (t *proposalTask) Expired(protocoltask.ExpireReason) {
    t.in.m.apply(t.in.proposalExpired(t.key, t.entry))
}

// electionTask collects a majority of PROMISEs for ballot.
type electionTask struct {
    in       *instance
    key      string
    ballot   packet.Ballot
    fromSlot int64
    promises *quorum.Collector[packet.Packet]
}

func newElectionTask(in *instance, key string, b packet.Ballot, fromSlot int64) *electionTask {
    return &electionTask{
        in: in, key: key, ballot: b, fromSlot: fromSlot,
        promises: quorum.New[packet.Packet](in.members, quorum.Majority()),
    }
}

func (t *electionTask) Key() string { return t.key }

func (t *electionTask) Start() []packet.Message {
    p := t.in.packet(packet.TypePromiseRequest)
    p.Ballot = t.ballot
    p.FromSlot = t.fromSlot
    return packet.Fanout(t.in.members, p)
}

func (t *electionTask) HandleEvent(ev packet.Packet) ([]packet.Message, bool) {
    if ev.Ballot != t.ballot { return nil, false }
    switch ev.Type {
    case packet.TypePromise:
        if t.promises.TryAccept(ev.Sender, ev) { t.promises.MarkResponded(ev.Sender) }
        if !t.promises.IsComplete() { return nil, false }
        t.in.m.apply(t.in.becomeLeader(t.key, t.ballot, t.promises.Responses()))
        return nil, true
    case packet.TypePromiseReject:
        if ev.Higher == nil || !t.ballot.Less(*ev.Higher) { return nil, false }
        t.in.m.apply(t.in.preempted(t.ballot, *ev.Higher))
        return nil, true
    }
    return nil, false
}

func (t *electionTask) Restart() []packet.Message {
    if !t.in.live(t.key) {
        t.in.m.sched.Cancel(t.key)
        return nil
    }
    return t.Start()
}

func (t *electionTask) Fix(msgs []packet.Message) []packet.Message { return t.promises.FilterResponded(msgs) }

func (t *electionTask) Expired(protocoltask.ExpireReason) {
    t.in.m.apply(t.in.electionExpired(t.key))
}

// forwardTask hands a request to the leader until it executes locally; the
// instance cancels it on execution.
type forwardTask struct {
    in       *instance
    key      string
    to       string
    id       string
    value    json.RawMessage
    attempts int
}

func (t *forwardTask) Key() string { return t.key }

func (t *forwardTask) Start() []packet.Message {
    p := t.in.packet(packet.TypeRequest)
    p.RequestID, p.Value = t.id, t.value
    return []packet.Message{{To: t.to, Packet: p}}
}

func (t *forwardTask) HandleEvent(packet.Packet) ([]packet.Message, bool) { return nil, false }

func (t *forwardTask) Restart() []packet.Message {
    if !t.in.live(t.key) {
        t.in.m.sched.Cancel(t.key)
        return nil
    }
    t.attempts++
    if t.attempts%t.in.m.cfg.SuspectAfter == 0 { t.in.m.apply(t.in.suspect(t.to)) }
    return t.Start()
}

func (t *forwardTask) Expired(protocoltask.ExpireReason) {
    t.in.m.apply(t.in.forwardExpired(t.key, t.id))
}

// syncTask fetches committed entries to fill a gap below a commit. The first
// request goes to the nearest member, retries to everyone.
type syncTask struct {
    in  *instance
    key string
}

func (t *syncTask) Key() string { return t.key }

func (t *syncTask) Start() []packet.Message { return t.in.syncRequests(t.key, false) }

func (t *syncTask) Restart() []packet.Message {
    if !t.in.live(t.key) {
        t.in.m.sched.Cancel(t.key)
        return nil
    }
    return t.in.syncRequests(t.key, true)
}

func (t *syncTask) HandleEvent(ev packet.Packet) ([]packet.Message, bool) {
    if ev.Type != packet.TypeSyncReply { return nil, false }
    fx, filled := t.in.onSyncReply(ev)
    t.in.m.apply(fx)
    return nil, filled
}

func (t *syncTask) Expired(protocoltask.ExpireReason) { t.in.syncExpired(t.key) }

var (
    _ protocoltask.Thresholdable = (*proposalTask)(nil)
    _ protocoltask.Thresholdable = (*electionTask)(nil)
    _ protocoltask.Restartable   = (*forwardTask)(nil)
    _ protocoltask.Expirer       = (*syncTask)(nil)
)

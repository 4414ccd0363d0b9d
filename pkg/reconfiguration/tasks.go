package reconfiguration

import (
    "fmt"

    "github.com/billhu422/GNS/pkg/internal/logutil"
    "github.com/billhu422/GNS/pkg/packet"
    "github.com/billhu422/GNS/pkg/protocoltask"
    "github.com/billhu422/GNS/pkg/quorum"
)

func stopKey(name string, epoch uint64) string  { return fmt.Sprintf("reconfig/stop/%s/%d", name, epoch) }
func startKey(name string, epoch uint64) string { return fmt.Sprintf("reconfig/start/%s/%d", name, epoch) }
func resumeKey(name string, epoch uint64) string { return fmt.Sprintf("reconfig/resume/%s/%d", name, epoch) }
func dropKey(name string, epoch uint64) string   { return fmt.Sprintf("reconfig/drop/%s/%d", name, epoch) }

// stopTask asks the members of the current epoch to stop and collects the
// state each one froze.
type stopTask struct {
    m    *Manager
    tr   *transition
    acks *quorum.Collector[packet.TransferState]
}

func newStopTask(m *Manager, tr *transition) *stopTask {
    return &stopTask{m: m, tr: tr, acks: quorum.New[packet.TransferState](tr.from.Members, quorum.Majority())}
}

func (t *stopTask) Key() string { return stopKey(t.tr.name, t.tr.from.Epoch) }

func (t *stopTask) Start() []packet.Message {
    p := packet.Packet{
        Type: packet.TypeStopEpoch, ServiceName: t.tr.name, Epoch: t.tr.from.Epoch,
        Sender: t.m.cfg.Self, Initiator: t.m.cfg.Self, Slot: -1,
    }
    return packet.Fanout(t.tr.from.Members, p)
}

func (t *stopTask) HandleEvent(ev packet.Packet) ([]packet.Message, bool) {
    if ev.Type != packet.TypeStopEpochAck || ev.Epoch != t.tr.from.Epoch || ev.State == nil { return nil, false }
    if !t.acks.MarkResponded(ev.Sender) { return nil, false }
    t.acks.TryAccept(ev.Sender, *ev.State)
    if !t.acks.IsComplete() { return nil, false }
    t.m.stopped(t.tr, t.acks.Responses())
    return nil, true
}

func (t *stopTask) Fix(msgs []packet.Message) []packet.Message { return t.acks.FilterResponded(msgs) }

func (t *stopTask) Expired(reason protocoltask.ExpireReason) {
    t.m.async(func() { t.m.abandon(t.tr, fmt.Errorf("stop %s", reason)) })
}

// startTask hands the merged state to the members of the next epoch.
type startTask struct {
    m    *Manager
    tr   *transition
    ts   *packet.TransferState
    acks *quorum.Collector[struct{}]
}

func newStartTask(m *Manager, tr *transition, ts *packet.TransferState) *startTask {
    return &startTask{m: m, tr: tr, ts: ts, acks: quorum.New[struct{}](tr.to.Members, quorum.Majority())}
}

func (t *startTask) Key() string { return startKey(t.tr.name, t.tr.to.Epoch) }

func (t *startTask) Start() []packet.Message {
    p := packet.Packet{
        Type: packet.TypeStartEpoch, ServiceName: t.tr.name, Epoch: t.tr.to.Epoch,
        Sender: t.m.cfg.Self, Initiator: t.m.cfg.Self, Slot: -1,
        Members: t.tr.to.Members, State: t.ts,
    }
    return packet.Fanout(t.tr.to.Members, p)
}

func (t *startTask) HandleEvent(ev packet.Packet) ([]packet.Message, bool) {
    if ev.Type != packet.TypeAckStartEpoch || ev.Epoch != t.tr.to.Epoch { return nil, false }
    t.acks.MarkResponded(ev.Sender)
    if !t.acks.IsComplete() { return nil, false }
    t.m.started(t.tr)
    return nil, true
}

func (t *startTask) Fix(msgs []packet.Message) []packet.Message { return t.acks.FilterResponded(msgs) }

func (t *startTask) Expired(reason protocoltask.ExpireReason) {
    t.m.async(func() { t.m.abandon(t.tr, fmt.Errorf("start %s", reason)) })
}

// noticeTask repeats RESUME_EPOCH or DROP_EPOCH until every target
// acknowledged it. It outlives the transition that sent it.
type noticeTask struct {
    m    *Manager
    key  string
    p    packet.Packet
    ack  packet.Type
    to   []string
    acks *quorum.Collector[struct{}]
}

func newNoticeTask(m *Manager, key string, p packet.Packet, ack packet.Type, to []string) *noticeTask {
    return &noticeTask{m: m, key: key, p: p, ack: ack, to: to, acks: quorum.New[struct{}](to, quorum.All())}
}

func (t *noticeTask) Key() string { return t.key }

func (t *noticeTask) Start() []packet.Message { return packet.Fanout(t.to, t.p) }

func (t *noticeTask) HandleEvent(ev packet.Packet) ([]packet.Message, bool) {
    if ev.Type != t.ack || ev.Epoch != t.p.Epoch { return nil, false }
    t.acks.MarkResponded(ev.Sender)
    return nil, t.acks.IsComplete()
}

func (t *noticeTask) Fix(msgs []packet.Message) []packet.Message { return t.acks.FilterResponded(msgs) }

func (t *noticeTask) Expired(reason protocoltask.ExpireReason) {
    logutil.Warnf(t.m.log, "%s for %s epoch %d never acknowledged by %v: %s", t.p.Type, t.p.ServiceName, t.p.Epoch, t.acks.Pending(), reason)
}

var (
    _ protocoltask.Thresholdable = (*noticeTask)(nil)
    _ protocoltask.Expirer       = (*noticeTask)(nil)
    _ protocoltask.Thresholdable = (*stopTask)(nil)
    _ protocoltask.Expirer       = (*stopTask)(nil)
    _ protocoltask.Thresholdable = (*startTask)(nil)
    _ protocoltask.Expirer       = (*startTask)(nil)
)

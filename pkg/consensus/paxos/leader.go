package paxos

import (
    "sort"

    "github.com/billhu422/GNS/pkg/internal/logutil"
    obsmetrics "github.com/billhu422/GNS/pkg/observability/metrics"
    "github.com/billhu422/GNS/pkg/packet"
)

// Proposer side: outcomes reported by proposal, election and forwarding
// tasks.

func (in *instance) chosen(key string, e packet.Entry) effects {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    delete(in.keys, key)
    if in.proposals[e.Slot] == key { delete(in.proposals, e.Slot) }
    if in.closed || in.frozen { return fx }
    in.commitLocked(&fx, e)
    fx.send = append(fx.send, packet.Fanout(in.others(), in.commitPacket(e))...)
    return fx
}

// stalled runs when a proposal keeps going unanswered. The leader assumes it
// lost its majority and campaigns again with a higher ballot.
func (in *instance) stalled(key string) effects {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    if _, ok := in.keys[key]; !ok || in.closed || in.frozen || in.role != Leader { return fx }
    logutil.Warnf(in.log, "proposal %s stalled, re-electing", key)
    in.stepDownLocked(&fx)
    in.setLeaderLocked(&fx, "")
    in.startElectionLocked(&fx)
    return fx
}

func (in *instance) proposalExpired(key string, e packet.Entry) effects {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    delete(in.keys, key)
    if in.proposals[e.Slot] != key { return fx }
    delete(in.proposals, e.Slot)
    if r := in.outstanding[e.RequestID]; e.RequestID != "" && r != nil && r.slot == e.Slot {
        in.failLocked(&fx, r.id, ErrTimeout)
    }
    return fx
}

// suspect runs when forwarding to target keeps going unanswered.
func (in *instance) suspect(target string) effects {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    if in.closed || in.frozen || in.role != Follower || in.leader != target { return fx }
    logutil.Infof(in.log, "leader %s unresponsive", target)
    in.setLeaderLocked(&fx, "")
    in.startElectionLocked(&fx)
    return fx
}

func (in *instance) forwardExpired(key, id string) effects {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    delete(in.keys, key)
    if r := in.outstanding[id]; r != nil && r.fwdKey == key { in.failLocked(&fx, id, ErrTimeout) }
    return fx
}

func (in *instance) preempted(b, higher packet.Ballot) effects {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    if in.closed || in.frozen || in.role != Candidate || in.ballot != b || !b.Less(higher) { return fx }
    in.preemptedLocked(&fx, higher)
    return fx
}

func (in *instance) electionExpired(key string) effects {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    delete(in.keys, key)
    if in.electKey != key { return fx }
    in.electKey = ""
    if in.role == Candidate {
        in.role = Follower
        obsmetrics.Elections.WithLabelValues("expired").Inc()
    }
    for _, id := range in.order {
        if r := in.outstanding[id]; r != nil && r.fwdKey == "" && r.slot < 0 { in.failLocked(&fx, id, ErrTimeout) }
    }
    return fx
}

// becomeLeader completes an election won with ballot b. Every slot from the
// execution point up to the highest slot any promise reported is proposed
// again: the committed value if one was reported, otherwise the accepted
// value with the highest ballot, otherwise a no-op.
func (in *instance) becomeLeader(key string, b packet.Ballot, promises map[string]packet.Packet) effects {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    delete(in.keys, key)
    if in.electKey == key { in.electKey = "" }
    if in.closed || in.frozen || in.role != Candidate || in.ballot != b { return fx }

    var best *packet.TransferState
    for _, p := range promises {
        if p.State != nil && p.State.Slot >= in.execNext && (best == nil || p.State.Slot > best.Slot) { best = p.State }
    }
    if best != nil { in.installLocked(&fx, best) }

    merged := make(map[int64]packet.Entry)
    consider := func(e packet.Entry) {
        if e.Slot < in.execNext { return }
        cur, ok := merged[e.Slot]
        switch {
        case !ok:
            merged[e.Slot] = e
        case cur.Committed:
        case e.Committed || cur.Ballot.Less(e.Ballot):
            merged[e.Slot] = e
        }
    }
    for _, p := range promises {
        for _, e := range p.Entries { consider(e) }
    }
    for _, e := range in.accepted { consider(e) }

    slots := make([]int64, 0, len(merged))
    for s := range merged { slots = append(slots, s) }
    sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
    top := in.nextSlot - 1
    for _, s := range slots {
        if merged[s].Committed { in.commitLocked(&fx, merged[s]) }
        if s > top { top = s }
    }

    in.role = Leader
    obsmetrics.LeaderOf.Inc()
    obsmetrics.Elections.WithLabelValues("won").Inc()
    in.setLeaderLocked(&fx, in.self)
    logutil.Infof(in.log, "leader with ballot %s, recovering slots %d..%d", b, in.execNext, top)

    for _, r := range in.outstanding { r.slot = -1 }
    for s := in.execNext; s <= top; s++ {
        if _, ok := in.committed[s]; ok { continue }
        ne := packet.Entry{Slot: s, Ballot: b}
        if e, ok := merged[s]; ok { ne.Value, ne.RequestID = e.Value, e.RequestID }
        if r := in.outstanding[ne.RequestID]; ne.RequestID != "" && r != nil {
            r.slot = s
            in.untrack(&fx, r.fwdKey)
            r.fwdKey, r.fwdTo = "", ""
        }
        in.proposeEntryLocked(&fx, ne)
    }
    if in.nextSlot < top+1 { in.nextSlot = top + 1 }
    in.redriveLocked(&fx)
    return fx
}

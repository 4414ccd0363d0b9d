package paxos

import (
    "github.com/billhu422/GNS/pkg/packet"
)

// Handlers for packets addressed to this node as an acceptor or learner.

func (in *instance) onPropose(p packet.Packet) effects {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    if in.closed || in.frozen { return fx }
    if p.Ballot.Less(in.promised) {
        rej := in.packet(packet.TypeAcceptReject)
        rej.Ballot, rej.Slot = p.Ballot, p.Slot
        h := in.promised
        rej.Higher = &h
        in.reply(&fx, p.Sender, rej)
        return fx
    }
    in.promised = p.Ballot
    in.observeLocked(&fx, p.Ballot)

    e := packet.Entry{Slot: p.Slot, Ballot: p.Ballot, Value: p.Value, RequestID: p.RequestID}
    if c, ok := in.committed[p.Slot]; ok {
        if !sameValue(c, e) {
            in.violation(p.Slot, c, e)
            return fx
        }
    } else if p.Slot >= in.execNext {
        in.accepted[p.Slot] = e
    }
    if p.Slot >= in.nextSlot { in.nextSlot = p.Slot + 1 }

    ack := in.packet(packet.TypeAcceptAck)
    ack.Ballot, ack.Slot = p.Ballot, p.Slot
    in.reply(&fx, p.Sender, ack)
    return fx
}

func (in *instance) onAcceptReject(p packet.Packet) effects {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    if in.closed || in.frozen || p.Higher == nil { return fx }
    if in.role != Leader || p.Ballot != in.ballot || !in.ballot.Less(*p.Higher) { return fx }
    in.preemptedLocked(&fx, *p.Higher)
    return fx
}

func (in *instance) onCommit(p packet.Packet) effects {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    if in.closed || in.frozen { return fx }
    in.observeLocked(&fx, p.Ballot)
    in.commitLocked(&fx, packet.Entry{Slot: p.Slot, Ballot: p.Ballot, Value: p.Value, RequestID: p.RequestID})
    return fx
}

// onPromiseRequest promises b when b is at least the current promise. An
// equal ballot is a re-sent request from the same candidate.
func (in *instance) onPromiseRequest(p packet.Packet) effects {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    if in.closed || in.frozen { return fx }
    if p.Ballot.Less(in.promised) {
        rej := in.packet(packet.TypePromiseReject)
        rej.Ballot = p.Ballot
        h := in.promised
        rej.Higher = &h
        in.reply(&fx, p.Sender, rej)
        return fx
    }
    in.promised = p.Ballot
    in.observeLocked(&fx, p.Ballot)

    rep := in.packet(packet.TypePromise)
    rep.Ballot = p.Ballot
    rep.Slot = in.execNext - 1
    from := p.FromSlot
    if from < in.low {
        rep.State = in.snapshotLocked()
        from = in.execNext
    }
    rep.Entries = in.entriesLocked(from, -1, true)
    in.reply(&fx, p.Sender, rep)
    return fx
}

func (in *instance) onSyncRequest(p packet.Packet) effects {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    if in.closed || in.staged != nil { return fx }
    rep := in.packet(packet.TypeSyncReply)
    rep.Ballot = in.ballot
    rep.FromSlot = p.FromSlot
    rep.Slot = in.execNext - 1
    from, to := p.FromSlot, p.Slot
    if to < from { to = -1 }
    if from < in.low {
        rep.State = in.snapshotLocked()
        from = in.execNext
    }
    entries := in.entriesLocked(from, to, false)
    if len(entries) > in.m.cfg.MaxSyncEntries { entries = entries[:in.m.cfg.MaxSyncEntries] }
    rep.Entries = entries
    in.reply(&fx, p.Sender, rep)
    return fx
}

// onSyncReply installs what the reply carries and reports whether the gap
// that started the catch-up is closed.
func (in *instance) onSyncReply(p packet.Packet) (effects, bool) {
    in.mu.Lock()
    defer in.mu.Unlock()
    var fx effects
    if in.closed || in.frozen { return fx, true }
    if p.State != nil && p.State.Slot >= in.execNext { in.installLocked(&fx, p.State) }
    for _, e := range p.Entries {
        if e.Committed { in.commitLocked(&fx, e) }
    }
    return fx, in.syncKey == ""
}

func (in *instance) syncRequests(key string, all bool) []packet.Message {
    in.mu.Lock()
    defer in.mu.Unlock()
    if in.syncKey != key || in.closed { return nil }
    req := in.packet(packet.TypeSyncRequest)
    req.Ballot = in.ballot
    req.FromSlot = in.execNext
    req.Slot = in.syncTo
    var to []string
    if !all {
        peer := ""
        if in.leader != "" && in.leader != in.self { peer = in.leader }
        if px := in.m.cfg.Proximity; px != nil {
            if id, ok := px.Closest(in.members, []string{in.self}); ok { peer = id }
        }
        if peer != "" { to = []string{peer} }
    }
    if len(to) == 0 { to = in.others() }
    return packet.Fanout(to, req)
}

func (in *instance) syncExpired(key string) {
    in.mu.Lock()
    defer in.mu.Unlock()
    delete(in.keys, key)
    if in.syncKey == key { in.syncKey = "" }
}

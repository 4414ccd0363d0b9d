package reconfiguration

import (
    "sort"

    "github.com/billhu422/GNS/pkg/packet"
)

// mergeTransfer combines the states a majority of stopped members reported.
// The most advanced snapshot wins. Above it each slot takes a committed entry
// if any member has one, else the entry accepted at the highest ballot. Slots
// nobody reported below the highest reported one become no-ops, so nothing
// committed after a hole is lost.
func mergeTransfer(acks map[string]packet.TransferState) *packet.TransferState {
    ids := make([]string, 0, len(acks))
    for id := range acks { ids = append(ids, id) }
    sort.Strings(ids)

    var best *packet.TransferState
    for _, id := range ids {
        ts := acks[id]
        if best == nil || ts.Slot > best.Slot { best = &ts }
    }
    if best == nil { return &packet.TransferState{Slot: -1} }

    slots := make(map[int64]packet.Entry)
    top := best.Slot
    executed := make(map[string]struct{})
    for _, id := range ids {
        ts := acks[id]
        for _, rid := range ts.Executed { executed[rid] = struct{}{} }
        for _, e := range ts.Tail {
            if e.Slot <= best.Slot { continue }
            if e.Slot > top { top = e.Slot }
            cur, ok := slots[e.Slot]
            switch {
            case !ok:
                slots[e.Slot] = e
            case cur.Committed:
            case e.Committed || cur.Ballot.Less(e.Ballot):
                slots[e.Slot] = e
            }
        }
    }

    out := &packet.TransferState{Slot: best.Slot, Record: best.Record}
    for s := best.Slot + 1; s <= top; s++ {
        e, ok := slots[s]
        if !ok { e = packet.Entry{Slot: s} }
        out.Tail = append(out.Tail, e)
    }
    // Executed ids of the winning snapshot come first so its window order is
    // kept; ids only other members executed follow.
    seen := make(map[string]struct{}, len(executed))
    for _, rid := range best.Executed {
        if _, dup := seen[rid]; dup { continue }
        seen[rid] = struct{}{}
        out.Executed = append(out.Executed, rid)
    }
    extra := make([]string, 0)
    for rid := range executed {
        if _, ok := seen[rid]; !ok { extra = append(extra, rid) }
    }
    sort.Strings(extra)
    out.Executed = append(out.Executed, extra...)
    return out
}

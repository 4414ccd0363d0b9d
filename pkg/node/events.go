package node

import (
    "context"
    "sync"
    "time"

    "github.com/billhu422/GNS/pkg/consensus"
    "github.com/billhu422/GNS/pkg/membership"
)

type EventType string

const (
    EventCommitted      EventType = "committed"
    EventLeaderChanged  EventType = "leader_changed"
    EventEpochActivated EventType = "epoch_activated"
    EventEpochAbandoned EventType = "epoch_abandoned"
    // EventRegistryLeader reports a new leader of the epoch registry.
    EventRegistryLeader EventType = "registry_leader"
    EventMemberJoin     EventType = "member_join"
    EventMemberLeave    EventType = "member_leave"
    EventMemberFailed   EventType = "member_failed"
)

// Event describes a change on this node. Only relevant fields for an event
// type are populated.
type Event struct {
    Type      EventType
    At        time.Time
    Name      string
    Epoch     uint64
    Slot      int64
    RequestID string
    Leader    string
    Members   []string
    Err       error
    Registry  *consensus.LeaderInfo
    Member    *membership.MemberInfo
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow (best-effort delivery) to avoid back-pressuring internals.
func (n *Node) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    n.eb.add(ch)
    go func() {
        <-ctx.Done()
        n.eb.remove(ch)
        close(ch)
    }()
    return ch
}

type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if e.subs != nil { delete(e.subs, ch) }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
            // drop if receiver is slow
        }
    }
    e.mu.Unlock()
}

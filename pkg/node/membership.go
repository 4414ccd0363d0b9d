package node

import (
    "context"
    "time"

    "github.com/billhu422/GNS/pkg/consensus"
    "github.com/billhu422/GNS/pkg/internal/logutil"
    "github.com/billhu422/GNS/pkg/membership"
    obsmetrics "github.com/billhu422/GNS/pkg/observability/metrics"
)

const voterTimeout = 5 * time.Second

func (n *Node) membershipEventsLoop(ctx context.Context, m membership.Membership) {
    evch := m.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-evch:
            if !ok { return }
            mi := e.Member
            switch e.Type {
            case membership.EventJoin:
                n.addVoter(mi)
                n.eb.publish(Event{Type: EventMemberJoin, At: e.At, Member: &mi})
            case membership.EventLeave:
                // a graceful leave also gives up the registry vote
                n.removeVoter(mi.ID)
                n.eb.publish(Event{Type: EventMemberLeave, At: e.At, Member: &mi})
            case membership.EventFailed:
                n.eb.publish(Event{Type: EventMemberFailed, At: e.At, Member: &mi})
            }
        }
    }
}

// reconcileVoters adds every gossiped registry address as a voter. It runs
// when this node becomes the registry leader.
func (n *Node) reconcileVoters() {
    m := n.opts.Membership
    if m == nil { return }
    for _, mi := range m.Members() { n.addVoter(mi) }
}

func (n *Node) reconfigurer() (consensus.Reconfigurer, bool) {
    if n.cons == nil || !n.cons.IsLeader() { return nil, false }
    r, ok := n.cons.(consensus.Reconfigurer)
    return r, ok
}

func (n *Node) addVoter(mi membership.MemberInfo) {
    addr := mi.Meta[membership.MetaRegistryAddr]
    if addr == "" || mi.ID == n.opts.ID { return }
    r, ok := n.reconfigurer()
    if !ok { return }
    if err := r.AddVoter(mi.ID, addr, voterTimeout); err != nil {
        obsmetrics.JoinRequests.WithLabelValues("error").Inc()
        logutil.Warnf(n.log, "add registry voter %s at %s: %v", mi.ID, addr, err)
        return
    }
    obsmetrics.JoinRequests.WithLabelValues("gossip").Inc()
}

func (n *Node) removeVoter(id string) {
    if id == n.opts.ID { return }
    r, ok := n.reconfigurer()
    if !ok { return }
    if err := r.RemoveServer(id, voterTimeout); err != nil {
        logutil.Warnf(n.log, "remove registry voter %s: %v", id, err)
    }
}

// adminAddr returns the management address id gossips, if any.
func (n *Node) adminAddr(id string) string {
    m := n.opts.Membership
    if m == nil { return "" }
    for _, mi := range m.Members() {
        if mi.ID == id { return mi.Meta[membership.MetaAdminAddr] }
    }
    return ""
}

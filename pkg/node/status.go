package node

import (
    "context"
    "encoding/json"
    "fmt"

    "github.com/billhu422/GNS/pkg/consensus"
    "github.com/billhu422/GNS/pkg/consensus/paxos"
    "github.com/billhu422/GNS/pkg/membership"
)

// Status is a JSON-serializable snapshot of one node.
type Status struct {
    ID        string                 `json:"id"`
    Addr      string                 `json:"addr"`
    Healthy   bool                   `json:"healthy"`
    Instances []paxos.InstanceStatus `json:"instances"`
    // Names lists every name known to the registry.
    Names    []string                `json:"names"`
    Tasks    int                     `json:"tasks"`
    Registry *RegistryStatus         `json:"registry,omitempty"`
    Members  []membership.MemberInfo `json:"members,omitempty"`
    Warnings []string                `json:"warnings,omitempty"`
}

// RegistryStatus describes the replicated registry as seen from this node.
type RegistryStatus struct {
    IsLeader bool                 `json:"isLeader"`
    Term     uint64               `json:"term"`
    Leader   consensus.LeaderInfo `json:"leader"`
    // LeaderAdmin is the management address of the leader, when gossiped.
    LeaderAdmin string `json:"leaderAdmin,omitempty"`
}

func (n *Node) Status() Status {
    s := Status{
        ID:        n.opts.ID,
        Addr:      n.opts.Transport.Addr(),
        Healthy:   n.ready() == nil,
        Instances: n.px.Status(),
        Names:     n.opts.Registry.Names(),
        Tasks:     n.sched.Len(),
    }
    if n.cons != nil {
        rs := &RegistryStatus{IsLeader: n.cons.IsLeader(), Term: n.cons.Term()}
        if id, addr, ok := n.cons.Leader(); ok {
            rs.Leader = consensus.LeaderInfo{ID: id, Addr: addr, Term: rs.Term}
            rs.LeaderAdmin = n.adminAddr(id)
            if rs.IsLeader && n.opts.RPCServer != nil { rs.LeaderAdmin = n.opts.RPCServer.Addr() }
        } else {
            s.Healthy = false
            s.Warnings = append(s.Warnings, "registry has no leader")
        }
        s.Registry = rs
    }
    if m := n.opts.Membership; m != nil {
        s.Members = m.Members()
        if h, ok := m.(membership.HealthReporter); ok {
            if score := h.HealthScore(); score > 0 {
                s.Warnings = append(s.Warnings, fmt.Sprintf("gossip health score %d", score))
            }
        }
    }
    for _, in := range s.Instances {
        if in.Leader == "" { s.Warnings = append(s.Warnings, fmt.Sprintf("%s epoch %d has no leader", in.Name, in.Epoch)) }
    }
    return s
}

func (n *Node) statusJSON(context.Context) ([]byte, error) { return json.Marshal(n.Status()) }

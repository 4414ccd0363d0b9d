// Package membership answers who replicates a name and where a node can be
// reached. Replica sets come from the epoch registry; addresses come from a
// Directory, either the static host file or gossip.
package membership

import (
    "context"
    "net"
    "strconv"
    "time"

    "github.com/billhu422/GNS/pkg/state"
)

// Node meta keys gossiped by every node.
const (
    MetaReplicaAddr  = "replica"
    MetaAdminAddr    = "admin"
    MetaRegistryAddr = "registry"
)

// MemberInfo describes a node as observed by the gossip layer. Meta carries
// the node's service addresses.
type MemberInfo struct {
    ID   string
    Addr string
    Meta map[string]string
}

type EventType string

const (
    // EventJoin indicates a member joined or became visible.
    EventJoin EventType = "join"
    // EventLeave indicates a member left the cluster.
    EventLeave EventType = "leave"
    // EventFailed indicates membership marked the node as failed/unreachable.
    EventFailed EventType = "failed"
)

// Event is the translated membership change notification.
type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// Membership is the abstraction over the gossip/failure-detection layer.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() MemberInfo
    Members() []MemberInfo
    Events() <-chan Event
    Leave() error
    Stop() error
}

// Directory locates nodes by id.
type Directory interface {
    Address(id string) (host string, port int, ok bool)
    Exists(id string) bool
}

// Gossip turns the replica address each node gossips into a Directory.
type Gossip struct {
    M Membership
}

func (g Gossip) lookup(id string) (MemberInfo, bool) {
    for _, mi := range g.M.Members() {
        if mi.ID == id { return mi, true }
    }
    return MemberInfo{}, false
}

func (g Gossip) Address(id string) (string, int, bool) {
    mi, ok := g.lookup(id)
    if !ok { return "", 0, false }
    host, ps, err := net.SplitHostPort(mi.Meta[MetaReplicaAddr])
    if err != nil { return "", 0, false }
    port, err := strconv.Atoi(ps)
    if err != nil { return "", 0, false }
    return host, port, true
}

func (g Gossip) Exists(id string) bool {
    _, ok := g.lookup(id)
    return ok
}

// Chain consults each Directory in order.
type Chain []Directory

func (c Chain) Address(id string) (string, int, bool) {
    for _, d := range c {
        if h, p, ok := d.Address(id); ok { return h, p, true }
    }
    return "", 0, false
}

func (c Chain) Exists(id string) bool {
    for _, d := range c {
        if d.Exists(id) { return true }
    }
    return false
}

type closest interface {
    Closest(ids, exclude []string) (string, bool)
}

// Provider joins the epoch registry with a Directory.
type Provider struct {
    reg state.Registry
    dir Directory
}

func NewProvider(reg state.Registry, dir Directory) *Provider { return &Provider{reg: reg, dir: dir} }

// MemberIDs returns the replica set of name in epoch, whether that epoch is
// active or pending.
func (p *Provider) MemberIDs(name string, epoch uint64) ([]string, bool) {
    if r, ok := p.reg.Active(name); ok && r.Epoch == epoch { return r.Members, true }
    if r, ok := p.reg.Pending(name); ok && r.Epoch == epoch { return r.Members, true }
    return nil, false
}

// ActiveMembers returns the current replica set of name.
func (p *Provider) ActiveMembers(name string) (uint64, []string, bool) {
    r, ok := p.reg.Active(name)
    if !ok { return 0, nil, false }
    return r.Epoch, r.Members, true
}

func (p *Provider) Address(id string) (string, int, bool) { return p.dir.Address(id) }
func (p *Provider) Exists(id string) bool                 { return p.dir.Exists(id) }

// ReplicaAddr returns id's replica endpoint in host:port form.
func (p *Provider) ReplicaAddr(id string) (string, bool) {
    host, port, ok := p.dir.Address(id)
    if !ok { return "", false }
    return net.JoinHostPort(host, strconv.Itoa(port)), true
}

// Closest delegates to the Directory when it knows latencies, and otherwise
// picks the first candidate.
func (p *Provider) Closest(ids, exclude []string) (string, bool) {
    if c, ok := p.dir.(closest); ok { return c.Closest(ids, exclude) }
    if ch, ok := p.dir.(Chain); ok {
        for _, d := range ch {
            if c, ok := d.(closest); ok {
                if id, ok := c.Closest(ids, exclude); ok { return id, true }
            }
        }
    }
    skip := make(map[string]struct{}, len(exclude))
    for _, id := range exclude { skip[id] = struct{}{} }
    for _, id := range ids {
        if _, ok := skip[id]; !ok { return id, true }
    }
    return "", false
}

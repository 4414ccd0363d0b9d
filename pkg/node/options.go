package node

import (
    "errors"
    "time"

    "github.com/jonboulle/clockwork"
    "go.uber.org/zap"

    "github.com/billhu422/GNS/pkg/consensus"
    "github.com/billhu422/GNS/pkg/discovery"
    "github.com/billhu422/GNS/pkg/membership"
    "github.com/billhu422/GNS/pkg/state"
    "github.com/billhu422/GNS/pkg/store"
    "github.com/billhu422/GNS/pkg/transport"
)

// Options carries the components of one replica node. Instances are
// typically produced by bootstrap.Build.
type Options struct {
    // ID is the unique identifier of this node.
    ID string
    // Transport carries replica packets. The node starts and stops it.
    Transport transport.Transport
    // Registry orders epoch transitions. When it also implements
    // consensus.Consensus (the raft registry), the node starts and stops it
    // and serves registry joins.
    Registry state.Registry
    // Store holds committed records; defaults to store.NewMemory.
    Store store.Store
    // Directory locates nodes; with ping latencies it also picks the
    // closest replica for forwarding. Optional.
    Directory membership.Directory
    // Membership is the gossip layer; optional. The node joins the seeds
    // Discovery returns, reports members in Status and adds gossiped
    // registry voters.
    Membership membership.Membership
    Discovery  discovery.Discovery
    // RPCServer serves the management API; optional.
    RPCServer transport.RPCServer

    Clock  clockwork.Clock
    Logger *zap.Logger

    // Scheduler limits; zero means the protocoltask defaults.
    RestartPeriod time.Duration
    MaxIdle       time.Duration
    MaxLifetime   time.Duration
    // ElectionInterval limits how often one name may start an election.
    ElectionInterval time.Duration
    // RegistryTimeout bounds each registry write. Default 10s.
    RegistryTimeout time.Duration
    // RequestTimeout bounds Submit when ctx has no deadline. Default 30s.
    RequestTimeout time.Duration
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if o.ID == "" { return errors.New("node: empty ID") }
    if o.Transport == nil { return errors.New("node: nil Transport") }
    if o.Registry == nil { return errors.New("node: nil Registry") }
    return nil
}

func (o *Options) withDefaults() {
    if o.Store == nil { o.Store = store.NewMemory() }
    if o.Clock == nil { o.Clock = clockwork.NewRealClock() }
    if o.Logger == nil { o.Logger = zap.NewNop() }
    if o.RegistryTimeout <= 0 { o.RegistryTimeout = 10 * time.Second }
    if o.RequestTimeout <= 0 { o.RequestTimeout = 30 * time.Second }
}

func (o Options) consensus() consensus.Consensus {
    c, _ := o.Registry.(consensus.Consensus)
    return c
}

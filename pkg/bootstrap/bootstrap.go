// Package bootstrap assembles a replica node from a flat Config: gossip
// membership, the raft registry, the gRPC replica transport and the HTTP
// management endpoint.
package bootstrap

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "net"
    "strconv"
    "time"

    "go.uber.org/zap"
    "golang.org/x/sync/errgroup"

    raftcons "github.com/billhu422/GNS/pkg/consensus/raft"
    "github.com/billhu422/GNS/pkg/discovery"
    dDNS "github.com/billhu422/GNS/pkg/discovery/dns"
    dFile "github.com/billhu422/GNS/pkg/discovery/file"
    dHosts "github.com/billhu422/GNS/pkg/discovery/hosts"
    dStatic "github.com/billhu422/GNS/pkg/discovery/static"
    "github.com/billhu422/GNS/pkg/internal/logutil"
    "github.com/billhu422/GNS/pkg/membership"
    ml "github.com/billhu422/GNS/pkg/membership/memberlist"
    "github.com/billhu422/GNS/pkg/node"
    "github.com/billhu422/GNS/pkg/nodeconfig"
    "github.com/billhu422/GNS/pkg/observability/tracing"
    tlsx "github.com/billhu422/GNS/pkg/security/tlsconfig"
    "github.com/billhu422/GNS/pkg/transport"
    gtransport "github.com/billhu422/GNS/pkg/transport/grpc"
    "github.com/billhu422/GNS/pkg/transport/httpjson"
)

// Config defines the inputs to assemble one node. Addresses left empty are
// derived from the host file entry of NodeID.
type Config struct {
    NodeID string
    // HostsFile lists every node with its IP and port block.
    HostsFile string

    // Bind addresses (host:port).
    ReplicaAddr  string
    AdminAddr    string
    GossipAddr   string
    RegistryAddr string
    // Advertise is the host other nodes dial when binds use a wildcard.
    Advertise string

    // Gossip seeds: static CSV, a file or env var, DNS names. The host
    // file's name servers are always added when HostsFile is set.
    SeedsCSV    string
    SeedsFile   string
    SeedsEnv    string
    DNSNames    string
    DNSPort     int
    DiscRefresh time.Duration

    // DataDir holds the registry's raft log and snapshots; empty keeps them
    // in memory.
    DataDir   string
    Bootstrap bool

    TLS tlsx.Options

    RestartPeriod    time.Duration
    ElectionInterval time.Duration

    // Logger (optional). If nil, logutil.New is used.
    Logger *zap.Logger
}

// addrs are the resolved bind addresses of one node.
type addrs struct {
    replica, admin, gossip, registry string
}

func (c Config) resolve(hosts *nodeconfig.Config) (addrs, error) {
    a := addrs{replica: c.ReplicaAddr, admin: c.AdminAddr, gossip: c.GossipAddr, registry: c.RegistryAddr}
    if hosts != nil {
        fill := func(dst *string, port func(string) int) {
            if *dst == "" { *dst, _ = hosts.Endpoint(c.NodeID, port) }
        }
        fill(&a.replica, hosts.NodePort)
        fill(&a.admin, hosts.AdminPort)
        fill(&a.gossip, hosts.GossipPort)
        fill(&a.registry, hosts.RegistryPort)
    }
    if a.replica == "" || a.admin == "" || a.gossip == "" || a.registry == "" {
        return a, fmt.Errorf("bootstrap: node %q needs a host file entry or explicit replica, admin, gossip and registry addresses", c.NodeID)
    }
    return a, nil
}

// advertise swaps a wildcard host in bind for c.Advertise.
func (c Config) advertise(bind string) string {
    host, port, err := net.SplitHostPort(bind)
    if err != nil || c.Advertise == "" { return bind }
    if host == "" || host == "0.0.0.0" || host == "::" { return net.JoinHostPort(c.Advertise, port) }
    return bind
}

func (c Config) discovery(hosts *nodeconfig.Config, log *zap.Logger) discovery.Discovery {
    m := discovery.Multi{dStatic.New(dStatic.Parse(c.SeedsCSV)...)}
    if c.SeedsFile != "" || c.SeedsEnv != "" {
        m = append(m, dFile.New(dFile.Options{Path: c.SeedsFile, Env: c.SeedsEnv, Refresh: c.DiscRefresh}))
    }
    if c.DNSNames != "" {
        m = append(m, dDNS.New(dDNS.Options{Names: dStatic.Parse(c.DNSNames), Port: c.DNSPort, Refresh: c.DiscRefresh, Logger: log}))
    }
    if hosts != nil { m = append(m, dHosts.New(hosts, c.NodeID)) }
    return m
}

// Build assembles a node from Config without starting it.
func Build(cfg Config) (*node.Node, error) {
    if cfg.NodeID == "" { return nil, errors.New("bootstrap: empty NodeID") }
    if cfg.Logger == nil { cfg.Logger = logutil.New("gns") }
    log := cfg.Logger

    var hosts *nodeconfig.Config
    if cfg.HostsFile != "" {
        h, err := nodeconfig.Load(nodeconfig.Options{Path: cfg.HostsFile})
        if err != nil { return nil, err }
        hosts = h
    }
    a, err := cfg.resolve(hosts)
    if err != nil { return nil, err }

    var srvTLS, cliTLS *tls.Config
    if cfg.TLS.Enable {
        if srvTLS, err = cfg.TLS.ServerHotReload(); err != nil { return nil, err }
        if cliTLS, err = cfg.TLS.ClientHotReload(); err != nil { return nil, err }
    }

    reg, err := raftcons.New(raftcons.Options{
        NodeID:    cfg.NodeID,
        Logger:    log,
        Bootstrap: cfg.Bootstrap,
        BindAddr:  a.registry,
        Advertise: cfg.advertise(a.registry),
        DataDir:   cfg.DataDir,
    })
    if err != nil { return nil, err }

    mem, err := ml.New(ml.Options{
        NodeID:    cfg.NodeID,
        Bind:      a.gossip,
        Advertise: cfg.advertise(a.gossip),
        Logger:    log,
        Meta: map[string]string{
            membership.MetaReplicaAddr:  cfg.advertise(a.replica),
            membership.MetaAdminAddr:    cfg.advertise(a.admin),
            membership.MetaRegistryAddr: cfg.advertise(a.registry),
        },
    })
    if err != nil { return nil, err }

    dir := membership.Chain{membership.Gossip{M: mem}}
    if hosts != nil { dir = append(dir, hosts) }
    tr, err := gtransport.New(gtransport.Options{
        Self:      cfg.NodeID,
        Bind:      a.replica,
        Advertise: cfg.advertise(a.replica),
        Resolver:  membership.NewProvider(reg, dir),
        ServerTLS: srvTLS,
        ClientTLS: cliTLS,
        Logger:    log,
    })
    if err != nil { return nil, err }

    mgmt := httpjson.NewServer(a.admin, log)
    if srvTLS != nil { mgmt.UseTLS(srvTLS) }

    return node.New(node.Options{
        ID:               cfg.NodeID,
        Transport:        tr,
        Registry:         reg,
        Directory:        dir,
        Membership:       mem,
        Discovery:        cfg.discovery(hosts, log),
        RPCServer:        mgmt,
        Logger:           log,
        RestartPeriod:    cfg.RestartPeriod,
        ElectionInterval: cfg.ElectionInterval,
    })
}

// Client returns a management client configured with the TLS options of
// cfg.
func Client(opts tlsx.Options, timeout time.Duration) (transport.RPCClient, error) {
    c := httpjson.NewClient(timeout)
    if opts.Enable {
        cfg, err := opts.Client()
        if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
        c.UseTLS(cfg)
    }
    return c, nil
}

// Run builds and starts a node, blocks until ctx is done, then stops it.
// With tracing enabled the exporter is flushed on the way out.
func Run(ctx context.Context, cfg Config, trace bool) error {
    shutdown, err := tracing.Setup(trace)
    if err != nil { return err }
    n, err := Build(cfg)
    if err != nil { return err }
    if err := n.Start(ctx); err != nil {
        _ = n.Stop(context.Background())
        return err
    }

    g, gctx := errgroup.WithContext(ctx)
    g.Go(func() error {
        <-gctx.Done()
        stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
        defer cancel()
        return n.Stop(stopCtx)
    })
    g.Go(func() error {
        <-gctx.Done()
        flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
        defer cancel()
        return shutdown(flushCtx)
    })
    return g.Wait()
}

// PortBlock describes the addresses a host file entry yields, for display.
func PortBlock(hosts *nodeconfig.Config, id string) map[string]string {
    out := make(map[string]string)
    for name, port := range map[string]func(string) int{
        "replica":  hosts.NodePort,
        "admin":    hosts.AdminPort,
        "gossip":   hosts.GossipPort,
        "registry": hosts.RegistryPort,
        "ping":     hosts.PingPort,
    } {
        if addr, ok := hosts.Endpoint(id, port); ok { out[name] = addr }
    }
    if len(out) > 0 { out["nameServer"] = strconv.FormatBool(hosts.IsNameServer(id)) }
    return out
}

// Package grpc carries replica packets over gRPC. Each node serves the
// gns.v1.Replica service; Send hands a packet to a per-address queue whose
// goroutine invokes Deliver on the peer over a pooled connection.
package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "net"
    "sync"
    "time"

    "go.uber.org/zap"
    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/billhu422/GNS/pkg/internal/logutil"
    obsmetrics "github.com/billhu422/GNS/pkg/observability/metrics"
    "github.com/billhu422/GNS/pkg/packet"
    "github.com/billhu422/GNS/pkg/transport"
)

// Options configures a Transport.
type Options struct {
    // Self is this node's id; packets addressed to it skip the network.
    Self string
    Bind string
    // Advertise overrides the address reported by Addr.
    Advertise string
    Resolver  transport.Resolver
    ServerTLS *tls.Config
    ClientTLS *tls.Config
    Logger    *zap.Logger
    // SendTimeout bounds one Deliver call. Default 3s.
    SendTimeout time.Duration
    // QueueSize is the per-peer outbound and the inbound queue length. Default 1024.
    QueueSize int
    // IdleTTL evicts unused connections. Default 30s.
    IdleTTL time.Duration
}

func (o *Options) Validate() error {
    if o.Self == "" { return errors.New("grpc transport: Self is required") }
    if o.Bind == "" { return errors.New("grpc transport: Bind is required") }
    if o.Resolver == nil { return errors.New("grpc transport: Resolver is required") }
    return nil
}

// Transport implements transport.Transport.
type Transport struct {
    opts Options
    log  *zap.Logger
    warn *logutil.Filter
    cm   *ConnManager

    ctx    context.Context
    cancel context.CancelFunc

    mu      sync.Mutex
    lis     net.Listener
    srv     *grpc.Server
    health  *health.Server
    handler transport.Handler
    inbox   chan packet.Packet
    peers   map[string]*peer
    started bool
    stopped bool
    wg      sync.WaitGroup
}

func New(opts Options) (*Transport, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Logger == nil { opts.Logger = zap.NewNop() }
    if opts.SendTimeout <= 0 { opts.SendTimeout = 3 * time.Second }
    if opts.QueueSize <= 0 { opts.QueueSize = 1024 }
    ctx, cancel := context.WithCancel(context.Background())
    return &Transport{
        opts:   opts,
        log:    opts.Logger.Named("grpc"),
        warn:   logutil.NewFilter(time.Second),
        cm:     NewConnManager(opts.IdleTTL, dialer(opts.ClientTLS)),
        ctx:    ctx,
        cancel: cancel,
        inbox:  make(chan packet.Packet, opts.QueueSize),
        peers:  make(map[string]*peer),
    }, nil
}

// Addr returns the advertised address, else the bound listener address once
// started, else the configured bind address.
func (t *Transport) Addr() string {
    if t.opts.Advertise != "" { return t.opts.Advertise }
    t.mu.Lock()
    defer t.mu.Unlock()
    if t.lis != nil { return t.lis.Addr().String() }
    return t.opts.Bind
}

func (t *Transport) Start(ctx context.Context, h transport.Handler) error {
    t.mu.Lock()
    defer t.mu.Unlock()
    if t.stopped { return transport.ErrNotStarted }
    if t.started { return nil }
    lis, err := net.Listen("tcp", t.opts.Bind)
    if err != nil { return err }
    var opts []grpc.ServerOption
    opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    if t.opts.ServerTLS != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(t.opts.ServerTLS))) }
    srv := grpc.NewServer(opts...)
    t.health = health.NewServer()
    healthpb.RegisterHealthServer(srv, t.health)
    srv.RegisterService(&_Replica_serviceDesc, &replicaImpl{t: t})
    t.health.SetServingStatus(_Replica_serviceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)

    t.lis, t.srv, t.handler, t.started = lis, srv, h, true
    t.wg.Add(3)
    go func() {
        defer t.wg.Done()
        if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
            logutil.Errorf(t.log, "serve %s: %v", lis.Addr(), err)
        }
    }()
    go func() {
        defer t.wg.Done()
        t.dispatch()
    }()
    go func() {
        defer t.wg.Done()
        select {
        case <-ctx.Done():
            go func() { _ = t.Stop(context.Background()) }()
        case <-t.ctx.Done():
        }
    }()
    logutil.Infof(t.log, "replica transport listening on %s", lis.Addr())
    return nil
}

func (t *Transport) dispatch() {
    for {
        select {
        case <-t.ctx.Done():
            return
        case p := <-t.inbox:
            t.handler(p)
        }
    }
}

func (t *Transport) enqueue(p packet.Packet) {
    select {
    case t.inbox <- p:
    default:
        obsmetrics.PacketsDropped.WithLabelValues("inbox_full").Inc()
    }
}

// Send queues p for to. A packet for this node goes straight to the inbound
// queue; the handler still runs on the dispatch goroutine.
func (t *Transport) Send(to string, p packet.Packet) error {
    t.mu.Lock()
    started := t.started
    t.mu.Unlock()
    if !started { return transport.ErrNotStarted }
    if to == t.opts.Self {
        t.enqueue(p)
        return nil
    }
    addr, ok := t.opts.Resolver.ReplicaAddr(to)
    if !ok { return transport.ErrUnknownPeer }
    b, err := packet.Encode(p)
    if err != nil { return err }
    pr := t.peerFor(addr)
    if pr == nil { return transport.ErrNotStarted }
    select {
    case pr.queue <- b:
        return nil
    default:
        obsmetrics.SendErrors.Inc()
        t.warn.Warnf(t.log, "outbound queue to %s (%s) full, dropping %s", to, addr, p.Type)
        return nil
    }
}

// Stop stops serving, abandons queued packets and closes pooled connections.
func (t *Transport) Stop(ctx context.Context) error {
    t.mu.Lock()
    if t.stopped {
        t.mu.Unlock()
        return nil
    }
    t.stopped = true
    srv, hs := t.srv, t.health
    t.mu.Unlock()

    t.cancel()
    if srv != nil {
        hs.Shutdown()
        ch := make(chan struct{})
        go func() { srv.GracefulStop(); close(ch) }()
        select {
        case <-ch:
        case <-time.After(2 * time.Second):
            srv.Stop()
            <-ch
        case <-ctx.Done():
            srv.Stop()
            <-ch
        }
    }
    t.wg.Wait()
    t.cm.Close()
    return nil
}

func checkHealth(ctx context.Context, cc *grpc.ClientConn) error {
    resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: _Replica_serviceDesc.ServiceName}, grpc.CallContentSubtype("proto"))
    if err != nil { return err }
    if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
        return errors.New("grpc transport: replica service not serving")
    }
    return nil
}

var _ transport.Transport = (*Transport)(nil)

package grpc

import (
    "context"
    "crypto/tls"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    obsmetrics "github.com/billhu422/GNS/pkg/observability/metrics"
)

// dialer returns a ConnManager dial func. Connections are lazy: the first
// Invoke on a target triggers the connect, with grpc's backoff on failure.
func dialer(tlsCfg *tls.Config) func(ctx context.Context, target string) (*grpc.ClientConn, error) {
    return func(_ context.Context, target string) (*grpc.ClientConn, error) {
        opts := []grpc.DialOption{
            grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
            grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
            grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        }
        if tlsCfg != nil {
            opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
        } else {
            opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
        }
        return grpc.NewClient(target, opts...)
    }
}

// peer drains the outbound queue of one address in order.
type peer struct {
    addr  string
    queue chan []byte
}

// peerFor returns nil once the transport is stopped.
func (t *Transport) peerFor(addr string) *peer {
    t.mu.Lock()
    defer t.mu.Unlock()
    if t.stopped { return nil }
    if p, ok := t.peers[addr]; ok { return p }
    p := &peer{addr: addr, queue: make(chan []byte, t.opts.QueueSize)}
    t.peers[addr] = p
    t.wg.Add(1)
    go t.drain(p)
    return p
}

func (t *Transport) drain(p *peer) {
    defer t.wg.Done()
    for {
        select {
        case <-t.ctx.Done():
            return
        case b := <-p.queue:
            if err := t.invoke(p.addr, b); err != nil {
                obsmetrics.SendErrors.Inc()
                t.warn.Warnf(t.log, "deliver to %s: %v", p.addr, err)
            }
        }
    }
}

func (t *Transport) invoke(addr string, b []byte) error {
    ctx, cancel := context.WithTimeout(t.ctx, t.opts.SendTimeout)
    defer cancel()
    cc, release, err := t.cm.Get(ctx, addr)
    if err != nil { return err }
    defer release()
    return cc.Invoke(ctx, deliverMethod, &frame{Data: b}, &empty{})
}

// Probe dials addr and runs one health check against it.
func Probe(ctx context.Context, addr string, tlsCfg *tls.Config) error {
    cc, err := dialer(tlsCfg)(ctx, addr)
    if err != nil { return err }
    defer cc.Close()
    return checkHealth(ctx, cc)
}

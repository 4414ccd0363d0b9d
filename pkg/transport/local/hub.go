// Package local is an in-process Transport: every node of a test or embedded
// deployment gets an Endpoint on a shared Hub. Packets go through the wire
// codec and are delivered asynchronously, one goroutine per endpoint.
package local

import (
    "context"
    "sync"

    obsmetrics "github.com/billhu422/GNS/pkg/observability/metrics"
    "github.com/billhu422/GNS/pkg/packet"
    "github.com/billhu422/GNS/pkg/transport"
)

const inboxSize = 4096

// Filter decides whether a packet travelling from -> to is delivered.
type Filter func(from, to string, p packet.Packet) bool

type link struct{ from, to string }

// Hub routes encoded packets between endpoints and injects faults.
type Hub struct {
    mu       sync.RWMutex
    nodes    map[string]*Endpoint
    blocked  map[link]struct{}
    isolated map[string]struct{}
    filter   Filter
}

func NewHub() *Hub {
    return &Hub{
        nodes:    make(map[string]*Endpoint),
        blocked:  make(map[link]struct{}),
        isolated: make(map[string]struct{}),
    }
}

// Endpoint returns the endpoint for id, creating it on first use.
func (h *Hub) Endpoint(id string) *Endpoint {
    h.mu.Lock()
    defer h.mu.Unlock()
    if e, ok := h.nodes[id]; ok { return e }
    e := &Endpoint{hub: h, id: id, inbox: make(chan []byte, inboxSize), done: make(chan struct{})}
    h.nodes[id] = e
    return e
}

// Block drops packets sent from -> to until Heal.
func (h *Hub) Block(from, to string) {
    h.mu.Lock()
    h.blocked[link{from, to}] = struct{}{}
    h.mu.Unlock()
}

// Isolate drops every packet to or from id until Heal.
func (h *Hub) Isolate(id string) {
    h.mu.Lock()
    h.isolated[id] = struct{}{}
    h.mu.Unlock()
}

// SetFilter installs f; nil removes it.
func (h *Hub) SetFilter(f Filter) {
    h.mu.Lock()
    h.filter = f
    h.mu.Unlock()
}

// Heal removes every block, isolation and filter.
func (h *Hub) Heal() {
    h.mu.Lock()
    h.blocked = make(map[link]struct{})
    h.isolated = make(map[string]struct{})
    h.filter = nil
    h.mu.Unlock()
}

func (h *Hub) route(from, to string, p packet.Packet) error {
    h.mu.RLock()
    dst, ok := h.nodes[to]
    _, cut := h.blocked[link{from, to}]
    _, isoFrom := h.isolated[from]
    _, isoTo := h.isolated[to]
    f := h.filter
    h.mu.RUnlock()
    if !ok { return transport.ErrUnknownPeer }
    if cut || isoFrom || isoTo { return nil }
    if f != nil && !f(from, to, p) { return nil }
    b, err := packet.Encode(p)
    if err != nil { return err }
    select {
    case dst.inbox <- b:
    default:
        obsmetrics.PacketsDropped.WithLabelValues("inbox_full").Inc()
    }
    return nil
}

// Endpoint is one node's attachment to a Hub.
type Endpoint struct {
    hub   *Hub
    id    string
    inbox chan []byte
    done  chan struct{}
    start sync.Once
    stop  sync.Once
    wg    sync.WaitGroup
}

func (e *Endpoint) Addr() string { return "local://" + e.id }

func (e *Endpoint) Start(ctx context.Context, h transport.Handler) error {
    e.start.Do(func() {
        e.wg.Add(1)
        go func() {
            defer e.wg.Done()
            for {
                select {
                case <-e.done:
                    return
                case <-ctx.Done():
                    return
                case b := <-e.inbox:
                    p, err := packet.Decode(b)
                    if err != nil {
                        obsmetrics.PacketsDropped.WithLabelValues("malformed").Inc()
                        continue
                    }
                    h(p)
                }
            }
        }()
    })
    return nil
}

func (e *Endpoint) Send(to string, p packet.Packet) error { return e.hub.route(e.id, to, p) }

// Inject queues raw bytes as if they arrived from the network.
func (e *Endpoint) Inject(b []byte) {
    select {
    case e.inbox <- b:
    default:
    }
}

func (e *Endpoint) Stop(ctx context.Context) error {
    e.stop.Do(func() { close(e.done) })
    e.wg.Wait()
    return nil
}

var _ transport.Transport = (*Endpoint)(nil)

package transport

import (
    "context"
    "errors"

    "github.com/billhu422/GNS/pkg/packet"
)

var (
    ErrUnknownPeer = errors.New("transport: unknown peer")
    ErrNotStarted  = errors.New("transport: not started")
)

// Handler receives inbound packets that passed packet.Decode. It is never
// invoked from inside Send.
type Handler func(p packet.Packet)

// Transport moves packets between replicas. Send is fire-and-forget: a nil
// error only means the packet was handed off, not that it arrived.
type Transport interface {
    // Addr returns the local bind/advertise address if applicable.
    Addr() string
    Start(ctx context.Context, h Handler) error
    Send(to string, p packet.Packet) error
    Stop(ctx context.Context) error
}

// Resolver maps a node id to the address its transport listens on.
type Resolver interface {
    ReplicaAddr(id string) (string, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(id string) (string, bool)

func (f ResolverFunc) ReplicaAddr(id string) (string, bool) { return f(id) }

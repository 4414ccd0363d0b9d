package raftcons

import (
    "time"

    "go.uber.org/zap"
)

// Options configure the raft-backed epoch registry.
type Options struct {
    NodeID string
    Logger *zap.Logger

    // Bootstrap forms a single-node cluster on Start when true.
    Bootstrap bool

    // Timeouts (optional). Zero means defaults.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration
    ApplyTimeout     time.Duration // client-side apply wait

    // If BindAddr is non-empty, a TCP transport is used bound to this address
    // (e.g., "127.0.0.1:0"). Otherwise, an in-memory transport is used.
    BindAddr string
    // Advertise overrides the address peers dial when BindAddr is a wildcard.
    Advertise string

    // DataDir selects on-disk stores when non-empty (bolt store for log/stable,
    // file snapshot store). When empty, in-memory stores are used.
    DataDir string

    SnapshotsRetained int
}

package raftcons

import (
    "context"
    "errors"
    "testing"
    "time"

    "github.com/hashicorp/raft"

    base "github.com/billhu422/GNS/pkg/state"
)

// This test wires three registry nodes using in-memory loopback transports
// and checks that transitions applied on the leader reach every node.
func TestRaft_ThreeNodeRegistry_Inmem(t *testing.T) {
    n1, _ := New(Options{NodeID: "n1", Bootstrap: true, ApplyTimeout: 2 * time.Second})
    n2, _ := New(Options{NodeID: "n2"})
    n3, _ := New(Options{NodeID: "n3"})

    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()

    for _, n := range []*Node{n1, n2, n3} {
        if err := n.Start(ctx); err != nil { t.Fatalf("start %s: %v", n.opts.NodeID, err) }
        defer n.Stop()
    }

    // Fully connect transports pairwise (loopback)
    connect := func(a, b *Node) {
        if a.lb == nil || b.lb == nil { t.Fatalf("loopback transport expected") }
        a.lb.Connect(b.addr, b.trans)
        b.lb.Connect(a.addr, a.trans)
    }
    connect(n1, n2)
    connect(n1, n3)
    connect(n2, n3)

    awaitLeader(t, n1)
    add := func(n *Node) {
        if err := n1.AddVoter(n.opts.NodeID, string(n.addr), 2*time.Second); err != nil {
            t.Fatalf("AddVoter %s: %v", n.opts.NodeID, err)
        }
    }
    add(n2)
    add(n3)
    // re-adding with the same address is a no-op
    add(n3)

    if _, err := n1.Create(ctx, "Y", []string{"a", "b", "c"}); err != nil { t.Fatalf("create: %v", err) }
    if _, err := n1.Complete(ctx, "Y", 0); err != nil { t.Fatalf("complete: %v", err) }

    awaitActive := func(n *Node, epoch uint64) {
        t.Helper()
        deadline := time.Now().Add(5 * time.Second)
        for time.Now().Before(deadline) {
            if r, ok := n.Active("Y"); ok && r.Epoch == epoch { return }
            time.Sleep(20 * time.Millisecond)
        }
        t.Fatalf("Y epoch %d not active on %s", epoch, n.opts.NodeID)
    }
    awaitActive(n2, 0)
    awaitActive(n3, 0)

    if _, err := n2.Begin(ctx, "Y", []string{"d"}); !errors.Is(err, base.ErrNotLeader) {
        t.Fatalf("follower write: %v", err)
    }
    if id, _, ok := n3.Leader(); !ok || id != "n1" { t.Fatalf("n3 sees leader %q", id) }

    if err := n1.RemoveServer("n3", 2*time.Second); err != nil { t.Fatalf("remove: %v", err) }
    cfg := n1.engine().GetConfiguration()
    if err := cfg.Error(); err != nil { t.Fatalf("configuration: %v", err) }
    for _, s := range cfg.Configuration().Servers {
        if s.ID == raft.ServerID("n3") { t.Fatalf("n3 still a voter") }
    }
}

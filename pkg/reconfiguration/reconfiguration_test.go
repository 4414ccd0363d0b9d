package reconfiguration

import (
    "context"
    "encoding/json"
    "fmt"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
    "go.uber.org/goleak"

    "github.com/billhu422/GNS/pkg/consensus/paxos"
    "github.com/billhu422/GNS/pkg/packet"
    "github.com/billhu422/GNS/pkg/protocoltask"
    "github.com/billhu422/GNS/pkg/state"
    "github.com/billhu422/GNS/pkg/state/epochs"
    "github.com/billhu422/GNS/pkg/store"
    "github.com/billhu422/GNS/pkg/transport/local"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

type node struct {
    id    string
    px    *paxos.Manager
    rc    *Manager
    store *store.Memory
}

type events struct {
    mu  sync.Mutex
    all []Event
}

func (e *events) add(ev Event) {
    e.mu.Lock()
    defer e.mu.Unlock()
    e.all = append(e.all, ev)
}

func (e *events) kinds() []EventKind {
    e.mu.Lock()
    defer e.mu.Unlock()
    out := make([]EventKind, 0, len(e.all))
    for _, ev := range e.all { out = append(out, ev.Kind) }
    return out
}

func newCluster(t *testing.T, maxIdle time.Duration, ids ...string) (*local.Hub, *epochs.Registry, map[string]*node, *events) {
    t.Helper()
    hub := local.NewHub()
    reg := epochs.NewRegistry()
    evs := &events{}
    nodes := make(map[string]*node, len(ids))
    for _, id := range ids {
        ep := hub.Endpoint(id)
        sched, err := protocoltask.New(protocoltask.Options{Sender: ep, RestartPeriod: 40 * time.Millisecond, MaxIdle: maxIdle})
        require.NoError(t, err)
        st := store.NewMemory()
        px, err := paxos.NewManager(paxos.Config{Self: id, Scheduler: sched, Sender: ep, Store: st, ElectionInterval: 20 * time.Millisecond})
        require.NoError(t, err)
        rc, err := NewManager(Config{Self: id, Scheduler: sched, Registry: reg, OnEvent: evs.add})
        require.NoError(t, err)
        rep, err := NewReplica(id, px, ep, reg, nil)
        require.NoError(t, err)
        require.NoError(t, ep.Start(context.Background(), func(p packet.Packet) {
            switch {
            case p.Type.IsEpochAck():
                rc.Handle(p)
            case p.Type.IsEpochControl():
                rep.Handle(p)
            default:
                px.Handle(p)
            }
        }))
        nodes[id] = &node{id: id, px: px, rc: rc, store: st}
        t.Cleanup(func() {
            rc.Close()
            px.Close()
            sched.Close()
            _ = ep.Stop(context.Background())
        })
    }
    return hub, reg, nodes, evs
}

func write(t *testing.T, n *node, name, id, value string) paxos.Result {
    t.Helper()
    ch := make(chan paxos.Result, 1)
    require.NoError(t, n.px.Submit(name, id, json.RawMessage(value), func(r paxos.Result) { ch <- r }))
    select {
    case r := <-ch:
        return r
    case <-time.After(10 * time.Second):
        t.Fatalf("%s did not complete on %s", id, n.id)
    }
    return paxos.Result{}
}

func waitValue(t *testing.T, n *node, name, want string) {
    t.Helper()
    require.Eventually(t, func() bool {
        _, v, err := n.px.Read(name)
        if err != nil { return false }
        var a, b any
        _ = json.Unmarshal(v, &a)
        _ = json.Unmarshal([]byte(want), &b)
        return fmt.Sprint(a) == fmt.Sprint(b)
    }, 10*time.Second, 10*time.Millisecond, "%s never read %s", n.id, want)
}

func reconfigure(t *testing.T, n *node, name string, members []string) uint64 {
    t.Helper()
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()
    epoch, err := n.rc.Reconfigure(ctx, name, members)
    require.NoError(t, err)
    return epoch
}

func TestEpochTransition(t *testing.T) {
    _, reg, nodes, evs := newCluster(t, 0, "A", "B", "C", "D", "E")
    old := []string{"A", "B", "C"}
    rec, err := nodes["A"].rc.Create(context.Background(), "Y", old, json.RawMessage(`{}`))
    require.NoError(t, err)
    require.Equal(t, uint64(0), rec.Epoch)
    require.Equal(t, state.Active, rec.State)

    for i := 1; i <= 4; i++ {
        require.NoError(t, write(t, nodes["B"], "Y", fmt.Sprintf("w%d", i), fmt.Sprintf(`{"k%d":%d}`, i, i)).Err)
        require.Equal(t, uint64(i), reconfigure(t, nodes["A"], "Y", old))
    }
    act, ok := reg.Active("Y")
    require.True(t, ok)
    require.Equal(t, uint64(4), act.Epoch)

    require.Equal(t, uint64(5), reconfigure(t, nodes["B"], "Y", []string{"C", "D", "E"}))
    act, _ = reg.Active("Y")
    require.Equal(t, []string{"C", "D", "E"}, act.Members)
    _, pending := reg.Pending("Y")
    require.False(t, pending)

    want := `{"k1":1,"k2":2,"k3":3,"k4":4}`
    for _, id := range []string{"C", "D", "E"} {
        waitValue(t, nodes[id], "Y", want)
        require.Eventually(t, func() bool {
            e, ok := nodes[id].px.Epoch("Y")
            return ok && e == 5
        }, 5*time.Second, 10*time.Millisecond, "%s never activated epoch 5", id)
    }
    for _, id := range []string{"A", "B"} {
        require.Eventually(t, func() bool { return !nodes[id].px.Hosts("Y") }, 5*time.Second, 10*time.Millisecond)
    }

    require.NoError(t, write(t, nodes["D"], "Y", "w5", `{"k5":5}`).Err)
    for _, id := range []string{"C", "D", "E"} { waitValue(t, nodes[id], "Y", `{"k1":1,"k2":2,"k3":3,"k4":4,"k5":5}`) }

    // a request executed in epoch 1 is still recognised after the move
    dup := write(t, nodes["E"], "Y", "w1", `{"k1":1}`)
    require.NoError(t, dup.Err)
    waitValue(t, nodes["C"], "Y", `{"k1":1,"k2":2,"k3":3,"k4":4,"k5":5}`)

    require.Len(t, evs.kinds(), 6)
    for _, k := range evs.kinds() { require.Equal(t, EventEpochActivated, k) }
}

func TestUnreachableMembersAbandonTransition(t *testing.T) {
    hub, reg, nodes, evs := newCluster(t, 300*time.Millisecond, "A", "B", "C", "D", "E")
    old := []string{"A", "B", "C"}
    _, err := nodes["A"].rc.Create(context.Background(), "Y", old, nil)
    require.NoError(t, err)
    require.NoError(t, write(t, nodes["A"], "Y", "w1", `{"a":1}`).Err)

    hub.Isolate("D")
    hub.Isolate("E")
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()
    _, err = nodes["A"].rc.Reconfigure(ctx, "Y", []string{"C", "D", "E"})
    require.ErrorIs(t, err, ErrTransitionAbandoned)
    require.False(t, nodes["A"].rc.Pending("Y"))

    act, ok := reg.Active("Y")
    require.True(t, ok)
    require.Equal(t, uint64(0), act.Epoch)
    _, pending := reg.Pending("Y")
    require.False(t, pending)
    require.Contains(t, evs.kinds(), EventEpochAbandoned)

    // the old members resume and keep serving epoch 0
    require.Eventually(t, func() bool {
        e, ok := nodes["C"].px.Epoch("Y")
        return ok && e == 0
    }, 5*time.Second, 10*time.Millisecond)
    require.NoError(t, write(t, nodes["B"], "Y", "w2", `{"b":2}`).Err)
    for _, id := range old { waitValue(t, nodes[id], "Y", `{"a":1,"b":2}`) }

    // the abandoned epoch number is not reused
    hub.Heal()
    require.Equal(t, uint64(2), reconfigure(t, nodes["B"], "Y", []string{"C", "D", "E"}))
    waitValue(t, nodes["D"], "Y", `{"a":1,"b":2}`)
}

func TestStagedEpochNeverServesBeforeActive(t *testing.T) {
    hub, reg, nodes, _ := newCluster(t, time.Second, "A", "B", "C", "D", "E")
    old := []string{"A", "B", "C"}
    _, err := nodes["A"].rc.Create(context.Background(), "Y", old, nil)
    require.NoError(t, err)
    require.NoError(t, write(t, nodes["A"], "Y", "w1", `{"a":1}`).Err)

    hub.SetFilter(func(_, _ string, p packet.Packet) bool { return p.Type != packet.TypeAckStartEpoch })
    done := make(chan error, 1)
    go func() {
        _, err := nodes["A"].rc.Reconfigure(context.Background(), "Y", []string{"C", "D", "E"})
        done <- err
    }()
    require.Eventually(t, func() bool {
        st := nodes["C"].px.Status()
        return len(st) == 1 && st[0].Epoch == 1 && st[0].Staged
    }, 5*time.Second, 5*time.Millisecond, "C never staged epoch 1")

    ch := make(chan paxos.Result, 1)
    require.NoError(t, nodes["C"].px.Submit("Y", "w2", json.RawMessage(`{"b":2}`), func(r paxos.Result) { ch <- r }))
    require.Never(t, func() bool { return len(ch) > 0 }, 300*time.Millisecond, 10*time.Millisecond,
        "nothing commits while the next epoch is STARTING")
    e, ok := nodes["C"].px.Epoch("Y")
    require.True(t, ok)
    require.Equal(t, uint64(0), e)
    _, _, err = nodes["D"].px.Read("Y")
    require.Error(t, err, "a new member serves nothing before activation")

    select {
    case err := <-done:
        require.ErrorIs(t, err, ErrTransitionAbandoned)
    case <-time.After(10 * time.Second):
        t.Fatal("transition never abandoned")
    }
    select {
    case r := <-ch:
        require.NoError(t, r.Err)
        require.Equal(t, int64(1), r.Slot)
    case <-time.After(10 * time.Second):
        t.Fatal("w2 never completed in epoch 0")
    }

    act, _ := reg.Active("Y")
    require.Equal(t, uint64(0), act.Epoch)
    for _, id := range old {
        waitValue(t, nodes[id], "Y", `{"a":1,"b":2}`)
        e, _ := nodes[id].px.Epoch("Y")
        require.Equal(t, uint64(0), e)
    }
    for _, id := range []string{"D", "E"} {
        require.Eventually(t, func() bool { return !nodes[id].px.Hosts("Y") }, 5*time.Second, 10*time.Millisecond)
    }
}

func TestLostResumeIsRetried(t *testing.T) {
    hub, reg, nodes, _ := newCluster(t, 300*time.Millisecond, "A", "B", "C", "D", "E")
    old := []string{"A", "B", "C"}
    _, err := nodes["A"].rc.Create(context.Background(), "Y", old, nil)
    require.NoError(t, err)
    require.NoError(t, write(t, nodes["A"], "Y", "w1", `{"a":1}`).Err)

    hub.Isolate("D")
    hub.Isolate("E")
    var mu sync.Mutex
    lost := map[string]bool{}
    hub.SetFilter(func(_, to string, p packet.Packet) bool {
        if p.Type != packet.TypeResumeEpoch { return true }
        mu.Lock()
        defer mu.Unlock()
        if lost[to] { return true }
        lost[to] = true
        return false
    })
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()
    _, err = nodes["A"].rc.Reconfigure(ctx, "Y", []string{"C", "D", "E"})
    require.ErrorIs(t, err, ErrTransitionAbandoned)
    act, _ := reg.Active("Y")
    require.Equal(t, uint64(0), act.Epoch)

    require.NoError(t, write(t, nodes["B"], "Y", "w2", `{"b":2}`).Err)
    for _, id := range old { waitValue(t, nodes[id], "Y", `{"a":1,"b":2}`) }
    for _, st := range nodes["B"].px.Status() { require.False(t, st.Frozen) }
    mu.Lock()
    defer mu.Unlock()
    for _, id := range old { require.True(t, lost[id], "first RESUME_EPOCH to %s was not dropped", id) }
}

func TestReconfigureErrors(t *testing.T) {
    _, reg, nodes, _ := newCluster(t, 0, "A", "B", "C")
    _, err := nodes["A"].rc.Reconfigure(context.Background(), "missing", []string{"A"})
    require.ErrorIs(t, err, ErrUnknownName)

    _, err = nodes["A"].rc.Create(context.Background(), "Y", []string{"A", "B", "C"}, nil)
    require.NoError(t, err)
    _, err = nodes["B"].rc.Create(context.Background(), "Y", []string{"A"}, nil)
    require.ErrorIs(t, err, state.ErrExists)

    // another coordinator holds the pending record
    _, err = reg.Begin(context.Background(), "Y", []string{"B", "C"})
    require.NoError(t, err)
    _, err = nodes["A"].rc.Reconfigure(context.Background(), "Y", []string{"A", "B"})
    require.ErrorIs(t, err, ErrTransitionInProgress)
}

func TestMergeTransfer(t *testing.T) {
    b1 := packet.Ballot{Num: 1, Node: "a"}
    b2 := packet.Ballot{Num: 2, Node: "b"}
    acks := map[string]packet.TransferState{
        "a": {Slot: 3, Record: json.RawMessage(`{"s":3}`), Executed: []string{"r1", "r2"}, Tail: []packet.Entry{
            {Slot: 4, Ballot: b1, RequestID: "x", Value: json.RawMessage(`{"x":1}`)},
            {Slot: 5, Ballot: b1, RequestID: "y", Value: json.RawMessage(`{"y":1}`)},
        }},
        "b": {Slot: 2, Record: json.RawMessage(`{"s":2}`), Executed: []string{"r1"}, Tail: []packet.Entry{
            {Slot: 3, Ballot: b2, RequestID: "old"},
            {Slot: 4, Ballot: b2, RequestID: "z", Value: json.RawMessage(`{"z":1}`)},
            {Slot: 5, Ballot: b1, RequestID: "c", Committed: true},
            {Slot: 7, Ballot: b2, RequestID: "gap"},
        }},
    }
    ts := mergeTransfer(acks)
    require.Equal(t, int64(3), ts.Slot)
    require.JSONEq(t, `{"s":3}`, string(ts.Record))
    require.Equal(t, []string{"r1", "r2"}, ts.Executed)
    require.Len(t, ts.Tail, 4)
    require.Equal(t, "z", ts.Tail[0].RequestID)
    require.Equal(t, "c", ts.Tail[1].RequestID)
    require.True(t, ts.Tail[2].IsNoop(), "unreported slot 6 is filled")
    require.Equal(t, int64(6), ts.Tail[2].Slot)
    require.Equal(t, "gap", ts.Tail[3].RequestID)

    // a committed entry above a hole survives
    ts = mergeTransfer(map[string]packet.TransferState{
        "a": {Slot: 0, Tail: []packet.Entry{{Slot: 2, Ballot: b1, RequestID: "w", Value: json.RawMessage(`{"w":1}`), Committed: true}}},
        "b": {Slot: 0},
    })
    require.Len(t, ts.Tail, 2)
    require.Equal(t, int64(1), ts.Tail[0].Slot)
    require.True(t, ts.Tail[0].IsNoop())
    require.Equal(t, int64(2), ts.Tail[1].Slot)
    require.True(t, ts.Tail[1].Committed)
    require.Equal(t, "w", ts.Tail[1].RequestID)

    empty := mergeTransfer(nil)
    require.Equal(t, int64(-1), empty.Slot)
}

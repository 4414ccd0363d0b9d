package node

import (
    "context"
    "encoding/json"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
    "go.uber.org/goleak"
    "golang.org/x/sync/errgroup"

    "github.com/billhu422/GNS/pkg/consensus/paxos"
    "github.com/billhu422/GNS/pkg/state/epochs"
    "github.com/billhu422/GNS/pkg/transport"
    "github.com/billhu422/GNS/pkg/transport/httpjson"
    "github.com/billhu422/GNS/pkg/transport/local"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

func startNodes(t *testing.T, ids ...string) (*local.Hub, map[string]*Node) {
    t.Helper()
    hub := local.NewHub()
    reg := epochs.NewRegistry()
    nodes := make(map[string]*Node, len(ids))
    for _, id := range ids {
        n, err := New(Options{
            ID:               id,
            Transport:        hub.Endpoint(id),
            Registry:         reg,
            RestartPeriod:    40 * time.Millisecond,
            ElectionInterval: 20 * time.Millisecond,
        })
        require.NoError(t, err)
        nodes[id] = n
    }
    var g errgroup.Group
    for _, n := range nodes {
        n := n
        g.Go(func() error { return n.Start(context.Background()) })
    }
    require.NoError(t, g.Wait())
    t.Cleanup(func() {
        var g errgroup.Group
        for _, n := range nodes {
            n := n
            g.Go(func() error { return n.Stop(context.Background()) })
        }
        require.NoError(t, g.Wait())
    })
    return hub, nodes
}

func ctxT(t *testing.T) context.Context {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    t.Cleanup(cancel)
    return ctx
}

func waitRecord(t *testing.T, n *Node, name, want string) {
    t.Helper()
    require.Eventually(t, func() bool {
        _, v, err := n.Read(name)
        if err != nil { return false }
        var a, b map[string]any
        _ = json.Unmarshal(v, &a)
        _ = json.Unmarshal([]byte(want), &b)
        return jsonString(a) == jsonString(b)
    }, 10*time.Second, 10*time.Millisecond, "%s never read %s", n.ID(), want)
}

func jsonString(v any) string {
    b, _ := json.Marshal(v)
    return string(b)
}

func TestCreateSubmitRead(t *testing.T) {
    _, nodes := startNodes(t, "A", "B", "C")
    subCtx, cancel := context.WithCancel(context.Background())
    defer cancel()
    events := nodes["B"].Subscribe(subCtx)

    rec, err := nodes["A"].Create(ctxT(t), "", []string{"A", "B", "C"}, json.RawMessage(`{"owner":"x"}`))
    require.NoError(t, err)
    require.NotEmpty(t, rec.Name, "a GUID is minted for an empty name")
    require.Equal(t, uint64(0), rec.Epoch)

    res, id, err := nodes["B"].Submit(ctxT(t), rec.Name, json.RawMessage(`{"ip":"10.0.0.1"}`))
    require.NoError(t, err)
    require.NotEmpty(t, id)
    require.GreaterOrEqual(t, res.Slot, int64(0))

    for _, n := range nodes { waitRecord(t, n, rec.Name, `{"owner":"x","ip":"10.0.0.1"}`) }

    again, err := nodes["C"].SubmitWithID(ctxT(t), rec.Name, id, json.RawMessage(`{"ip":"10.0.0.9"}`))
    require.NoError(t, err)
    require.Equal(t, res.Slot, again.Slot, "a repeated request id executes once")
    waitRecord(t, nodes["A"], rec.Name, `{"owner":"x","ip":"10.0.0.1"}`)

    seen := map[EventType]bool{}
    deadline := time.After(5 * time.Second)
    for !seen[EventCommitted] || !seen[EventLeaderChanged] {
        select {
        case ev := <-events:
            seen[ev.Type] = true
        case <-deadline:
            t.Fatalf("missing events, saw %v", seen)
        }
    }

    st := nodes["A"].Status()
    require.Equal(t, "A", st.ID)
    require.True(t, st.Healthy)
    require.Equal(t, []string{rec.Name}, st.Names)
    require.Len(t, st.Instances, 1)
}

func TestReconfigureMovesName(t *testing.T) {
    _, nodes := startNodes(t, "A", "B", "C", "D")
    _, err := nodes["A"].Create(ctxT(t), "Y", []string{"A", "B", "C"}, nil)
    require.NoError(t, err)
    _, _, err = nodes["A"].Submit(ctxT(t), "Y", json.RawMessage(`{"k":1}`))
    require.NoError(t, err)

    subCtx, cancel := context.WithCancel(context.Background())
    defer cancel()
    events := nodes["C"].Subscribe(subCtx)
    epoch, err := nodes["C"].Reconfigure(ctxT(t), "Y", []string{"B", "C", "D"})
    require.NoError(t, err)
    require.Equal(t, uint64(1), epoch)

    deadline := time.After(5 * time.Second)
    for activated := false; !activated; {
        select {
        case ev := <-events:
            if ev.Type != EventEpochActivated { continue }
            require.Equal(t, "Y", ev.Name)
            require.Equal(t, uint64(1), ev.Epoch)
            activated = true
        case <-deadline:
            t.Fatal("no epoch event")
        }
    }

    waitRecord(t, nodes["D"], "Y", `{"k":1}`)
    require.Eventually(t, func() bool {
        _, _, err := nodes["A"].Read("Y")
        return err != nil
    }, 10*time.Second, 10*time.Millisecond, "A still hosts Y")
    _, _, err = nodes["D"].Submit(ctxT(t), "Y", json.RawMessage(`{"k":2}`))
    require.NoError(t, err)
    waitRecord(t, nodes["B"], "Y", `{"k":2}`)
}

func TestManagementAPI(t *testing.T) {
    _, nodes := startNodes(t, "A", "B", "C")
    ts := httptest.NewServer(httpjson.Handler(nodes["A"].API()))
    defer ts.Close()
    addr := strings.TrimPrefix(ts.URL, "http://")
    c := httpjson.NewClient(10 * time.Second)
    defer c.Close()
    ctx := ctxT(t)

    cr, err := c.PostCreate(ctx, addr, transport.CreateRequest{Name: "Z", Members: []string{"A", "B", "C"}})
    require.NoError(t, err)
    require.Equal(t, "Z", cr.Name)

    sr, err := c.PostSubmit(ctx, addr, transport.SubmitRequest{Name: "Z", Value: json.RawMessage(`{"a":"b"}`)})
    require.NoError(t, err)
    require.NotEmpty(t, sr.RequestID)

    rr, err := c.GetRead(ctx, addr, "Z")
    require.NoError(t, err)
    require.JSONEq(t, `{"a":"b"}`, string(rr.Record))

    _, err = c.PostCreate(ctx, addr, transport.CreateRequest{Name: "Z", Members: []string{"A"}})
    var apiErr *httpjson.APIError
    require.ErrorAs(t, err, &apiErr)
    require.Contains(t, apiErr.Message, "already exists")

    _, err = c.PostReconfigure(ctx, addr, transport.ReconfigureRequest{Name: "nope", Members: []string{"A"}})
    require.ErrorAs(t, err, &apiErr)
    require.Contains(t, apiErr.Message, "unknown name")

    jr, err := c.PostJoin(ctx, addr, transport.JoinRequest{ID: "D", RaftAddr: "127.0.0.1:1"})
    require.Error(t, err)
    require.False(t, jr.Accepted)

    data, err := c.GetStatus(ctx, addr)
    require.NoError(t, err)
    var st Status
    require.NoError(t, json.Unmarshal(data, &st))
    require.Equal(t, []string{"Z"}, st.Names)
}

func TestLifecycleErrors(t *testing.T) {
    _, err := New(Options{})
    require.Error(t, err)

    hub := local.NewHub()
    n, err := New(Options{ID: "A", Transport: hub.Endpoint("A"), Registry: epochs.NewRegistry()})
    require.NoError(t, err)
    _, err = n.SubmitWithID(context.Background(), "Y", "r1", json.RawMessage(`{}`))
    require.ErrorIs(t, err, ErrNotStarted)

    require.NoError(t, n.Start(context.Background()))
    _, err = n.Create(context.Background(), "Y", nil, nil)
    require.ErrorIs(t, err, ErrNoMembers)
    _, err = n.SubmitWithID(context.Background(), "Y", "r1", json.RawMessage(`{}`))
    require.ErrorIs(t, err, paxos.ErrUnknownName)

    require.NoError(t, n.Stop(context.Background()))
    require.NoError(t, n.Stop(context.Background()))
    _, err = n.Reconfigure(context.Background(), "Y", []string{"A"})
    require.ErrorIs(t, err, ErrStopped)
    require.ErrorIs(t, n.Start(context.Background()), ErrStopped)
}

//go:build integration

package integration

import (
    "context"
    "encoding/json"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/billhu422/GNS/pkg/bootstrap"
    "github.com/billhu422/GNS/pkg/node"
    "github.com/billhu422/GNS/pkg/transport"
    "github.com/billhu422/GNS/pkg/transport/httpjson"
)

// Every node is a name server so the host file doubles as the gossip seed
// list. Port blocks: replica +0, admin +2, gossip +10, registry +11.
const hostFile = `
n1 yes 127.0.0.1 35000 1 0 0
n2 yes 127.0.0.1 36000 2 0 0
n3 yes 127.0.0.1 37000 3 0 0
`

func startNode(t *testing.T, ctx context.Context, hosts, id string, boot bool) *node.Node {
    t.Helper()
    n, err := bootstrap.Build(bootstrap.Config{NodeID: id, HostsFile: hosts, Bootstrap: boot, RestartPeriod: 200 * time.Millisecond})
    if err != nil { t.Fatalf("%s build: %v", id, err) }
    if err := n.Start(ctx); err != nil { t.Fatalf("%s start: %v", id, err) }
    t.Cleanup(func() { _ = n.Stop(context.Background()) })
    return n
}

func TestThreeReplicas_CreateSubmitReconfigure(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
    defer cancel()
    hosts := filepath.Join(t.TempDir(), "hosts.txt")
    if err := os.WriteFile(hosts, []byte(hostFile), 0o644); err != nil { t.Fatal(err) }

    n1 := startNode(t, ctx, hosts, "n1", true)
    startNode(t, ctx, hosts, "n2", false)
    startNode(t, ctx, hosts, "n3", false)

    cli := httpjson.NewClient(5 * time.Second)
    const admin1, admin3 = "127.0.0.1:35002", "127.0.0.1:37002"

    // Gossip joins turn n2 and n3 into registry voters; wait until every
    // node sees the same leader.
    deadline := time.Now().Add(20 * time.Second)
    for {
        var st node.Status
        data, err := cli.GetStatus(ctx, admin3)
        if err == nil && json.Unmarshal(data, &st) == nil && st.Registry != nil && st.Registry.Leader.ID == "n1" && len(st.Members) == 3 {
            break
        }
        if time.Now().After(deadline) { t.Fatalf("n3 never saw the registry: %+v err=%v", st, err) }
        time.Sleep(200 * time.Millisecond)
    }

    cr, err := cli.PostCreate(ctx, admin1, transport.CreateRequest{Name: "www.example.com", Members: []string{"n1", "n2", "n3"}})
    if err != nil { t.Fatalf("create: %v", err) }
    if cr.Epoch != 0 { t.Fatalf("create epoch: got %d", cr.Epoch) }

    if _, err := cli.PostSubmit(ctx, admin3, transport.SubmitRequest{Name: "www.example.com", Value: json.RawMessage(`{"A":"10.0.0.1"}`)}); err != nil {
        t.Fatalf("submit: %v", err)
    }

    // Registry writes only succeed on the raft leader.
    ep, err := cli.PostReconfigure(ctx, admin3, transport.ReconfigureRequest{Name: "www.example.com", Members: []string{"n2", "n3"}})
    if err == nil {
        t.Fatalf("reconfigure on a follower registry should fail, got epoch %d", ep.Epoch)
    }
    ep, err = cli.PostReconfigure(ctx, admin1, transport.ReconfigureRequest{Name: "www.example.com", Members: []string{"n2", "n3"}})
    if err != nil { t.Fatalf("reconfigure: %v", err) }
    if ep.Epoch != 1 { t.Fatalf("reconfigure epoch: got %d", ep.Epoch) }

    deadline = time.Now().Add(10 * time.Second)
    for {
        rr, err := cli.GetRead(ctx, admin3, "www.example.com")
        if err == nil && rr.Epoch == 1 && string(rr.Record) == `{"A":"10.0.0.1"}` { break }
        if time.Now().After(deadline) { t.Fatalf("n3 read: %+v err=%v", rr, err) }
        time.Sleep(100 * time.Millisecond)
    }
    if _, _, err := n1.Read("www.example.com"); err == nil {
        deadline = time.Now().Add(10 * time.Second)
        for err == nil && time.Now().Before(deadline) {
            time.Sleep(100 * time.Millisecond)
            _, _, err = n1.Read("www.example.com")
        }
        if err == nil { t.Fatal("n1 still hosts the name after leaving its replica set") }
    }
}

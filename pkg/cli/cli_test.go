package cli

import (
    "bytes"
    "context"
    "encoding/json"
    "net/http/httptest"
    "os"
    "path/filepath"
    "strings"
    "testing"

    "github.com/spf13/cobra"
    "github.com/stretchr/testify/require"

    "github.com/billhu422/GNS/pkg/transport"
    "github.com/billhu422/GNS/pkg/transport/httpjson"
)

type recorder struct {
    creates []transport.CreateRequest
    submits []transport.SubmitRequest
}

func (r *recorder) Status(context.Context) ([]byte, error) { return []byte(`{"id":"A","healthy":true}`), nil }

func (r *recorder) Create(_ context.Context, req transport.CreateRequest) (transport.CreateResponse, error) {
    r.creates = append(r.creates, req)
    if req.Name == "" { req.Name = "minted" }
    return transport.CreateResponse{Name: req.Name, Members: req.Members}, nil
}

func (r *recorder) Submit(_ context.Context, req transport.SubmitRequest) (transport.SubmitResponse, error) {
    r.submits = append(r.submits, req)
    return transport.SubmitResponse{Name: req.Name, RequestID: req.RequestID, Slot: 3}, nil
}

func (r *recorder) Read(_ context.Context, name string) (transport.ReadResponse, error) {
    return transport.ReadResponse{Name: name, Epoch: 1, Slot: 3, Record: json.RawMessage(`{"ip":"10.0.0.1"}`)}, nil
}

func (r *recorder) Reconfigure(_ context.Context, req transport.ReconfigureRequest) (transport.ReconfigureResponse, error) {
    return transport.ReconfigureResponse{Name: req.Name, Epoch: 2}, nil
}

func (r *recorder) Join(_ context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
    return transport.JoinResponse{Leader: "10.0.0.9:24402", Error: "not leader"}, nil
}

func run(t *testing.T, args ...string) (string, string, error) {
    t.Helper()
    root := &cobra.Command{Use: "gnsctl", SilenceUsage: true, SilenceErrors: true}
    AddAll(root)
    var out, errOut bytes.Buffer
    root.SetOut(&out)
    root.SetErr(&errOut)
    root.SetArgs(args)
    err := root.Execute()
    return out.String(), errOut.String(), err
}

func TestClientCommands(t *testing.T) {
    api := &recorder{}
    ts := httptest.NewServer(httpjson.Handler(api))
    defer ts.Close()
    addr := strings.TrimPrefix(ts.URL, "http://")

    out, _, err := run(t, "status", "--addr", addr)
    require.NoError(t, err)
    require.JSONEq(t, `{"id":"A","healthy":true}`, out)

    out, _, err = run(t, "create", "--addr", addr, "--members", "B, A", "--record", `{"ip":"1.2.3.4"}`)
    require.NoError(t, err)
    require.Contains(t, out, `"minted"`)
    require.Equal(t, []string{"A", "B"}, api.creates[0].Members)
    require.JSONEq(t, `{"ip":"1.2.3.4"}`, string(api.creates[0].Initial))

    _, _, err = run(t, "create", "Y", "--addr", addr)
    require.ErrorContains(t, err, "--members")
    _, _, err = run(t, "create", "Y", "--addr", addr, "--members", "A", "--record", "{")
    require.ErrorContains(t, err, "not valid JSON")

    out, _, err = run(t, "submit", "Y", `{"ip":"10.0.0.1"}`, "--addr", addr, "--request-id", "r-1")
    require.NoError(t, err)
    require.Equal(t, "r-1", api.submits[0].RequestID)
    var sr transport.SubmitResponse
    require.NoError(t, json.Unmarshal([]byte(out), &sr))
    require.Equal(t, int64(3), sr.Slot)

    out, _, err = run(t, "read", "Y", "--addr", addr)
    require.NoError(t, err)
    require.Contains(t, out, "10.0.0.1")

    out, _, err = run(t, "reconfigure", "Y", "--addr", addr, "--members", "C,D")
    require.NoError(t, err)
    require.Contains(t, out, `"epoch": 2`)

    _, errOut, err := run(t, "join", "--addr", addr, "--id", "D", "--registry-addr", "10.0.0.4:24411")
    require.NoError(t, err)
    require.Contains(t, errOut, "10.0.0.9:24402")
}

func TestHostsCommand(t *testing.T) {
    p := filepath.Join(t.TempDir(), "hosts.txt")
    require.NoError(t, os.WriteFile(p, []byte("a yes 127.0.0.1 31000 3 0 0\n"), 0o644))
    out, _, err := run(t, "hosts", "--hosts", p)
    require.NoError(t, err)
    var got map[string]map[string]string
    require.NoError(t, json.Unmarshal([]byte(out), &got))
    require.Equal(t, "127.0.0.1:31010", got["a"]["gossip"])

    _, _, err = run(t, "hosts", "--hosts", p, "zz")
    require.Error(t, err)
    _, _, err = run(t, "run")
    require.ErrorContains(t, err, "--id")
}

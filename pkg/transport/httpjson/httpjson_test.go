package httpjson

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "net/http/httptest"
    "strings"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/billhu422/GNS/pkg/transport"
)

type fakeAPI struct {
    submits []transport.SubmitRequest
}

func (f *fakeAPI) Status(context.Context) ([]byte, error) { return []byte(`{"id":"A"}`), nil }

func (f *fakeAPI) Create(_ context.Context, req transport.CreateRequest) (transport.CreateResponse, error) {
    if req.Name == "" { req.Name = "minted" }
    return transport.CreateResponse{Name: req.Name, Members: req.Members}, nil
}

func (f *fakeAPI) Submit(_ context.Context, req transport.SubmitRequest) (transport.SubmitResponse, error) {
    f.submits = append(f.submits, req)
    return transport.SubmitResponse{Name: req.Name, RequestID: req.RequestID, Slot: 7}, nil
}

func (f *fakeAPI) Read(_ context.Context, name string) (transport.ReadResponse, error) {
    if name != "Y" { return transport.ReadResponse{Name: name}, errors.New("paxos: name not hosted here") }
    return transport.ReadResponse{Name: name, Slot: 7, Record: json.RawMessage(`{"k":"v"}`)}, nil
}

func (f *fakeAPI) Reconfigure(_ context.Context, req transport.ReconfigureRequest) (transport.ReconfigureResponse, error) {
    return transport.ReconfigureResponse{Name: req.Name}, errors.New("reconfiguration: transition abandoned")
}

func (f *fakeAPI) Join(_ context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
    return transport.JoinResponse{Accepted: true, Leader: req.ID}, nil
}

func TestServerClientRoundTrip(t *testing.T) {
    api := &fakeAPI{}
    srv := NewServer("127.0.0.1:0", nil)
    require.NoError(t, srv.Start(context.Background(), api))
    defer func() { require.NoError(t, srv.Stop(context.Background())) }()
    addr := srv.Addr()
    c := NewClient(2 * time.Second)
    ctx := context.Background()

    st, err := c.GetStatus(ctx, addr)
    require.NoError(t, err)
    require.JSONEq(t, `{"id":"A"}`, string(st))

    cr, err := c.PostCreate(ctx, addr, transport.CreateRequest{Members: []string{"A", "B"}})
    require.NoError(t, err)
    require.Equal(t, "minted", cr.Name)

    sr, err := c.PostSubmit(ctx, addr, transport.SubmitRequest{Name: "Y", Value: json.RawMessage(`{"k":"v"}`)})
    require.NoError(t, err)
    require.Equal(t, int64(7), sr.Slot)
    require.NotEmpty(t, sr.RequestID)
    require.Equal(t, sr.RequestID, api.submits[0].RequestID)

    rr, err := c.GetRead(ctx, addr, "Y")
    require.NoError(t, err)
    require.JSONEq(t, `{"k":"v"}`, string(rr.Record))

    _, err = c.GetRead(ctx, addr, "nope")
    var apiErr *APIError
    require.ErrorAs(t, err, &apiErr)
    require.Equal(t, http.StatusNotFound, apiErr.Status)
    require.Contains(t, apiErr.Message, "not hosted")

    _, err = c.PostReconfigure(ctx, addr, transport.ReconfigureRequest{Name: "Y", Members: []string{"C"}})
    require.ErrorAs(t, err, &apiErr)
    require.Equal(t, "reconfiguration: transition abandoned", apiErr.Message)

    jr, err := c.PostJoin(ctx, addr, transport.JoinRequest{ID: "B", RaftAddr: "127.0.0.1:1"})
    require.NoError(t, err)
    require.True(t, jr.Accepted)

    resp, err := http.Get("http://" + addr + "/metrics")
    require.NoError(t, err)
    resp.Body.Close()
    require.Equal(t, http.StatusOK, resp.StatusCode)

    resp, err = http.Post("http://"+addr+"/submit", "application/json", strings.NewReader("{"))
    require.NoError(t, err)
    resp.Body.Close()
    require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClientRetriesUnavailable(t *testing.T) {
    var calls atomic.Int32
    ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if calls.Add(1) < 3 {
            w.WriteHeader(http.StatusServiceUnavailable)
            return
        }
        _, _ = w.Write([]byte(`{"ok":true}`))
    }))
    defer ts.Close()

    c := NewClient(time.Second)
    b, err := c.GetStatus(context.Background(), strings.TrimPrefix(ts.URL, "http://"))
    require.NoError(t, err)
    require.JSONEq(t, `{"ok":true}`, string(b))
    require.Equal(t, int32(3), calls.Load())

    calls.Store(-10)
    _, err = c.GetStatus(context.Background(), strings.TrimPrefix(ts.URL, "http://"))
    var apiErr *APIError
    require.ErrorAs(t, err, &apiErr)
    require.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
}

package node

import (
    "context"
    "encoding/json"
    "errors"

    "github.com/google/uuid"

    "github.com/billhu422/GNS/pkg/consensus"
    "github.com/billhu422/GNS/pkg/internal/logutil"
    obsmetrics "github.com/billhu422/GNS/pkg/observability/metrics"
    "github.com/billhu422/GNS/pkg/observability/tracing"
    "github.com/billhu422/GNS/pkg/transport"
)

// API returns the management API served by this node.
func (n *Node) API() transport.API { return mgmt{n} }

type mgmt struct{ n *Node }

func (m mgmt) Status(ctx context.Context) ([]byte, error) { return m.n.statusJSON(ctx) }

func (m mgmt) Create(ctx context.Context, req transport.CreateRequest) (transport.CreateResponse, error) {
    rec, err := m.n.Create(ctx, req.Name, req.Members, req.Initial)
    return transport.CreateResponse{Name: rec.Name, Epoch: rec.Epoch, Members: rec.Members}, err
}

func (m mgmt) Submit(ctx context.Context, req transport.SubmitRequest) (transport.SubmitResponse, error) {
    if req.RequestID == "" { req.RequestID = uuid.NewString() }
    res, err := m.n.SubmitWithID(ctx, req.Name, req.RequestID, req.Value)
    return transport.SubmitResponse{Name: req.Name, RequestID: req.RequestID, Slot: res.Slot}, err
}

func (m mgmt) Read(_ context.Context, name string) (transport.ReadResponse, error) {
    out := transport.ReadResponse{Name: name, Slot: -1}
    slot, v, err := m.n.Read(name)
    if err != nil { return out, err }
    out.Slot, out.Record = slot, v
    if e, ok := m.n.px.Epoch(name); ok { out.Epoch = e }
    return out, nil
}

func (m mgmt) Reconfigure(ctx context.Context, req transport.ReconfigureRequest) (transport.ReconfigureResponse, error) {
    epoch, err := m.n.Reconfigure(ctx, req.Name, req.Members)
    return transport.ReconfigureResponse{Name: req.Name, Epoch: epoch}, err
}

// Join adds req as a registry voter. Only the registry leader accepts; others
// answer with a hint to the leader's management address.
func (m mgmt) Join(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
    _, end := tracing.StartSpan(ctx, "node.join", "")
    defer end()
    n := m.n
    if n.cons == nil { return transport.JoinResponse{Error: ErrNoReconfigure.Error()}, ErrNoReconfigure }
    if !n.cons.IsLeader() {
        obsmetrics.JoinRequests.WithLabelValues("not_leader").Inc()
        var hint string
        if id, _, ok := n.cons.Leader(); ok { hint = n.adminAddr(id) }
        return transport.JoinResponse{Leader: hint, Error: "not leader"}, nil
    }
    r, ok := n.cons.(consensus.Reconfigurer)
    if !ok { return transport.JoinResponse{Error: ErrNoReconfigure.Error()}, ErrNoReconfigure }
    if req.ID == "" || req.RaftAddr == "" {
        obsmetrics.JoinRequests.WithLabelValues("rejected").Inc()
        return transport.JoinResponse{Error: "id and raftAddr are required"}, nil
    }
    if err := r.AddVoter(req.ID, req.RaftAddr, voterTimeout); err != nil {
        obsmetrics.JoinRequests.WithLabelValues("error").Inc()
        return transport.JoinResponse{Error: err.Error()}, err
    }
    obsmetrics.JoinRequests.WithLabelValues("accepted").Inc()
    logutil.Infof(n.log, "registry voter %s added at %s", req.ID, req.RaftAddr)
    return transport.JoinResponse{Accepted: true, Leader: n.opts.ID}, nil
}

// Join asks the registry leader to add this node as a voter. seed is any
// node's management address; the leader is resolved through its status.
func (n *Node) Join(ctx context.Context, rpc transport.RPCClient, seed, raftAddr string) error {
    target := seed
    if data, err := rpc.GetStatus(ctx, seed); err == nil {
        var st Status
        if json.Unmarshal(data, &st) == nil && st.Registry != nil && st.Registry.LeaderAdmin != "" {
            target = st.Registry.LeaderAdmin
        }
    }
    resp, err := rpc.PostJoin(ctx, target, transport.JoinRequest{ID: n.opts.ID, RaftAddr: raftAddr})
    if err != nil { return err }
    if !resp.Accepted {
        if resp.Error == "not leader" { return ErrNotLeader }
        if resp.Error != "" { return errors.New(resp.Error) }
        return errors.New("node: join rejected")
    }
    return nil
}

var _ transport.API = mgmt{}

package transport

import (
    "context"
    "encoding/json"
)

// CreateRequest registers a name. An empty Name asks the node to mint a GUID.
type CreateRequest struct {
    Name    string          `json:"name,omitempty"`
    Members []string        `json:"members"`
    Initial json.RawMessage `json:"initial,omitempty"`
}

type CreateResponse struct {
    Name    string   `json:"name"`
    Epoch   uint64   `json:"epoch"`
    Members []string `json:"members,omitempty"`
    Error   string   `json:"error,omitempty"`
}

// SubmitRequest proposes a JSON object of field updates for Name. RequestID
// is optional; resubmitting the same id never applies the value twice.
type SubmitRequest struct {
    Name      string          `json:"name"`
    Value     json.RawMessage `json:"value"`
    RequestID string          `json:"requestId,omitempty"`
}

type SubmitResponse struct {
    Name      string `json:"name"`
    RequestID string `json:"requestId"`
    Slot      int64  `json:"slot"`
    Error     string `json:"error,omitempty"`
}

type ReadResponse struct {
    Name   string          `json:"name"`
    Epoch  uint64          `json:"epoch"`
    Slot   int64           `json:"slot"`
    Record json.RawMessage `json:"record,omitempty"`
    Error  string          `json:"error,omitempty"`
}

type ReconfigureRequest struct {
    Name    string   `json:"name"`
    Members []string `json:"members"`
}

type ReconfigureResponse struct {
    Name  string `json:"name"`
    Epoch uint64 `json:"epoch"`
    Error string `json:"error,omitempty"`
}

// JoinRequest asks the registry leader to add a voter with the given raft
// address.
type JoinRequest struct {
    ID       string `json:"id"`
    RaftAddr string `json:"raftAddr"`
}

// JoinResponse indicates acceptance and optionally leader address or error.
type JoinResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

// API is what a management server exposes. Status returns JSON so the
// transport does not depend on node types.
type API interface {
    Status(ctx context.Context) ([]byte, error)
    Create(ctx context.Context, req CreateRequest) (CreateResponse, error)
    Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error)
    Read(ctx context.Context, name string) (ReadResponse, error)
    Reconfigure(ctx context.Context, req ReconfigureRequest) (ReconfigureResponse, error)
    Join(ctx context.Context, req JoinRequest) (JoinResponse, error)
}

// RPCServer exposes the management API.
type RPCServer interface {
    Start(ctx context.Context, api API) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient calls the management API of the node at addr.
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    PostCreate(ctx context.Context, addr string, req CreateRequest) (CreateResponse, error)
    PostSubmit(ctx context.Context, addr string, req SubmitRequest) (SubmitResponse, error)
    GetRead(ctx context.Context, addr, name string) (ReadResponse, error)
    PostReconfigure(ctx context.Context, addr string, req ReconfigureRequest) (ReconfigureResponse, error)
    PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
}

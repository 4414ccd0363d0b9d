package raftcons

import (
    "encoding/json"
    "fmt"
    "io"

    "github.com/hashicorp/raft"

    c "github.com/billhu422/GNS/pkg/consensus"
    base "github.com/billhu422/GNS/pkg/state"
    "github.com/billhu422/GNS/pkg/state/epochs"
)

// namePayload carries the name and, depending on the op, members or epoch.
type namePayload struct {
    Name    string   `json:"name"`
    Members []string `json:"members,omitempty"`
    Epoch   uint64   `json:"epoch,omitempty"`
}

// applyResult is what Apply hands back through the raft future.
type applyResult struct {
    rec base.Record
    err error
}

// epochFSM bridges raft Apply/Snapshot to the epoch state machine.
type epochFSM struct {
    st base.Epochs
}

func newEpochFSM(st base.Epochs) *epochFSM { return &epochFSM{st: st} }

func (f *epochFSM) Apply(l *raft.Log) interface{} {
    var cmd c.Command
    if err := json.Unmarshal(l.Data, &cmd); err != nil { return applyResult{err: err} }
    var p namePayload
    if err := json.Unmarshal(cmd.Payload, &p); err != nil { return applyResult{err: err} }
    var (
        rec base.Record
        err error
    )
    switch cmd.Op {
    case c.OpCreateName:
        rec, err = f.st.ApplyCreate(p.Name, p.Members)
    case c.OpBeginEpoch:
        rec, err = f.st.ApplyBegin(p.Name, p.Members)
    case c.OpAdvanceEpoch:
        rec, err = f.st.ApplyAdvance(p.Name, p.Epoch)
    case c.OpCompleteEpoch:
        rec, err = f.st.ApplyComplete(p.Name, p.Epoch)
    case c.OpAbandonEpoch:
        rec, err = f.st.ApplyAbandon(p.Name, p.Epoch)
    default:
        err = fmt.Errorf("raftcons: unknown op %q", cmd.Op)
    }
    return applyResult{rec: rec, err: err}
}

func (f *epochFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.st.Snapshot()
    if err != nil { return nil, err }
    return &snapshot{blob: blob}, nil
}

func (f *epochFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    return f.st.Restore(data)
}

type snapshot struct {
    blob []byte
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*epochFSM)(nil)
var _ base.Epochs = (*epochs.State)(nil)

package raftcons

import (
    "bytes"
    "encoding/json"
    "io"
    "testing"

    r "github.com/hashicorp/raft"

    c "github.com/billhu422/GNS/pkg/consensus"
    base "github.com/billhu422/GNS/pkg/state"
    "github.com/billhu422/GNS/pkg/state/epochs"
)

func apply(t *testing.T, fsm *epochFSM, op string, p namePayload) applyResult {
    t.Helper()
    cmd, err := c.NewCommand(op, p)
    if err != nil { t.Fatalf("command: %v", err) }
    data, _ := json.Marshal(cmd)
    res, ok := fsm.Apply(&r.Log{Data: data}).(applyResult)
    if !ok { t.Fatalf("unexpected apply response") }
    return res
}

func TestEpochFSM_Transitions(t *testing.T) {
    st := epochs.New()
    fsm := newEpochFSM(st)

    if res := apply(t, fsm, c.OpCreateName, namePayload{Name: "Y", Members: []string{"b", "a"}}); res.err != nil {
        t.Fatalf("create: %v", res.err)
    }
    if res := apply(t, fsm, c.OpCompleteEpoch, namePayload{Name: "Y"}); res.err != nil {
        t.Fatalf("complete 0: %v", res.err)
    }
    res := apply(t, fsm, c.OpBeginEpoch, namePayload{Name: "Y", Members: []string{"c"}})
    if res.err != nil || res.rec.Epoch != 1 || res.rec.State != base.Stopping {
        t.Fatalf("begin: %+v %v", res.rec, res.err)
    }
    if res := apply(t, fsm, c.OpAbandonEpoch, namePayload{Name: "Y", Epoch: 1}); res.err != nil || !res.rec.Abandoned {
        t.Fatalf("abandon: %+v %v", res.rec, res.err)
    }
    act, ok := st.Active("Y")
    if !ok || act.Epoch != 0 { t.Fatalf("active = %+v", act) }

    if res := apply(t, fsm, "Nope", namePayload{Name: "Y"}); res.err == nil {
        t.Fatalf("unknown op accepted")
    }
    if v := fsm.Apply(&r.Log{Data: []byte("{")}); v.(applyResult).err == nil {
        t.Fatalf("garbage accepted")
    }
}

type sink struct {
    bytes.Buffer
    cancelled bool
}

func (s *sink) ID() string    { return "test" }
func (s *sink) Cancel() error { s.cancelled = true; return nil }
func (s *sink) Close() error  { return nil }

func TestEpochFSM_SnapshotRestore(t *testing.T) {
    fsm := newEpochFSM(epochs.New())
    apply(t, fsm, c.OpCreateName, namePayload{Name: "Y", Members: []string{"a"}})

    snap, err := fsm.Snapshot()
    if err != nil { t.Fatalf("snapshot: %v", err) }
    var s sink
    if err := snap.Persist(&s); err != nil { t.Fatalf("persist: %v", err) }

    st := epochs.New()
    if err := newEpochFSM(st).Restore(io.NopCloser(bytes.NewReader(s.Bytes()))); err != nil {
        t.Fatalf("restore: %v", err)
    }
    if p, ok := st.Pending("Y"); !ok || p.State != base.Starting {
        t.Fatalf("pending after restore = %+v", p)
    }
}

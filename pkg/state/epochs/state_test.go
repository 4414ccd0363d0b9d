package epochs

import (
    "context"
    "testing"

    "github.com/stretchr/testify/require"

    base "github.com/billhu422/GNS/pkg/state"
)

func TestLifecycle(t *testing.T) {
    s := New()
    r, err := s.ApplyCreate("Y", []string{"C", "A", "B", "A"})
    require.NoError(t, err)
    require.Equal(t, []string{"A", "B", "C"}, r.Members)
    require.Equal(t, base.Starting, r.State)
    _, ok := s.Active("Y")
    require.False(t, ok)

    _, err = s.ApplyComplete("Y", 0)
    require.NoError(t, err)
    act, ok := s.Active("Y")
    require.True(t, ok)
    require.Equal(t, base.Active, act.State)

    next, err := s.ApplyBegin("Y", []string{"C", "D", "E"})
    require.NoError(t, err)
    require.Equal(t, uint64(1), next.Epoch)
    require.Equal(t, base.Stopping, next.State)
    _, err = s.ApplyBegin("Y", []string{"D"})
    require.ErrorIs(t, err, base.ErrTransitionInProgress)
    _, err = s.ApplyComplete("Y", 1)
    require.ErrorIs(t, err, base.ErrBadTransition)

    _, err = s.ApplyAdvance("Y", 1)
    require.NoError(t, err)
    retired, err := s.ApplyComplete("Y", 1)
    require.NoError(t, err)
    require.Equal(t, uint64(0), retired.Epoch)
    require.Equal(t, base.Retired, retired.State)

    act, _ = s.Active("Y")
    require.Equal(t, uint64(1), act.Epoch)
    require.True(t, act.HasMember("E"))
    _, ok = s.Pending("Y")
    require.False(t, ok)
}

func TestAbandonNeverReusesEpoch(t *testing.T) {
    s := New()
    _, _ = s.ApplyCreate("Y", []string{"A"})
    _, _ = s.ApplyComplete("Y", 0)

    p, err := s.ApplyBegin("Y", []string{"B"})
    require.NoError(t, err)
    ab, err := s.ApplyAbandon("Y", p.Epoch)
    require.NoError(t, err)
    require.True(t, ab.Abandoned)

    act, _ := s.Active("Y")
    require.Equal(t, uint64(0), act.Epoch)
    p2, err := s.ApplyBegin("Y", []string{"B"})
    require.NoError(t, err)
    require.Equal(t, uint64(2), p2.Epoch)

    _, _ = s.ApplyCreate("Z", []string{"A"})
    _, err = s.ApplyAbandon("Z", 0)
    require.NoError(t, err)
    require.Equal(t, []string{"Y"}, s.Names())
    z, err := s.ApplyCreate("Z", []string{"A"})
    require.NoError(t, err)
    require.Equal(t, uint64(1), z.Epoch)
}

func TestSnapshotRestore(t *testing.T) {
    s := New()
    _, _ = s.ApplyCreate("Y", []string{"A", "B"})
    _, _ = s.ApplyComplete("Y", 0)
    _, _ = s.ApplyBegin("Y", []string{"B", "C"})

    snap, err := s.Snapshot()
    require.NoError(t, err)
    s2 := New()
    require.NoError(t, s2.Restore(snap))
    snap2, err := s2.Snapshot()
    require.NoError(t, err)
    require.JSONEq(t, string(snap), string(snap2))

    p, ok := s2.Pending("Y")
    require.True(t, ok)
    require.Equal(t, uint64(1), p.Epoch)
    require.Error(t, s2.Restore([]byte(`{"version":9}`)))
}

func TestRegistryErrors(t *testing.T) {
    r := NewRegistry()
    ctx := context.Background()
    _, err := r.Begin(ctx, "nope", []string{"A"})
    require.ErrorIs(t, err, base.ErrNotFound)
    _, err = r.Create(ctx, "", []string{"A"})
    require.ErrorIs(t, err, base.ErrBadTransition)
    _, err = r.Create(ctx, "Y", []string{"A"})
    require.NoError(t, err)
    _, err = r.Create(ctx, "Y", []string{"A"})
    require.ErrorIs(t, err, base.ErrExists)
}

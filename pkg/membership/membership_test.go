package membership

import (
    "context"
    "strings"
    "testing"

    "github.com/stretchr/testify/require"

    "github.com/billhu422/GNS/pkg/nodeconfig"
    "github.com/billhu422/GNS/pkg/state/epochs"
)

type fakeGossip struct {
    Membership
    members []MemberInfo
}

func (f fakeGossip) Members() []MemberInfo { return f.members }

func TestProviderMemberIDs(t *testing.T) {
    reg := epochs.NewRegistry()
    ctx := context.Background()
    _, err := reg.Create(ctx, "Y", []string{"b", "a"})
    require.NoError(t, err)

    p := NewProvider(reg, Chain{})
    ids, ok := p.MemberIDs("Y", 0)
    require.True(t, ok, "pending epoch is visible")
    require.Equal(t, []string{"a", "b"}, ids)

    _, err = reg.Complete(ctx, "Y", 0)
    require.NoError(t, err)
    _, err = reg.Begin(ctx, "Y", []string{"c"})
    require.NoError(t, err)
    ids, ok = p.MemberIDs("Y", 1)
    require.True(t, ok)
    require.Equal(t, []string{"c"}, ids)
    _, ok = p.MemberIDs("Y", 7)
    require.False(t, ok)

    epoch, active, ok := p.ActiveMembers("Y")
    require.True(t, ok)
    require.Equal(t, uint64(0), epoch)
    require.Equal(t, []string{"a", "b"}, active)
}

func TestDirectoryChain(t *testing.T) {
    cfg, err := nodeconfig.Parse(strings.NewReader("a yes 10.0.0.1 3000 9 0 0\nb yes 10.0.0.2 3000 4 0 0\n"))
    require.NoError(t, err)
    g := Gossip{M: fakeGossip{members: []MemberInfo{
        {ID: "c", Meta: map[string]string{MetaReplicaAddr: "10.0.0.3:7000"}},
        {ID: "d", Meta: map[string]string{}},
    }}}
    p := NewProvider(epochs.NewRegistry(), Chain{cfg, g})

    host, port, ok := p.Address("a")
    require.True(t, ok)
    require.Equal(t, "10.0.0.1", host)
    require.Equal(t, 3000, port)

    addr, ok := p.ReplicaAddr("c")
    require.True(t, ok)
    require.Equal(t, "10.0.0.3:7000", addr)

    _, _, ok = p.Address("d")
    require.False(t, ok, "no replica meta")
    require.True(t, p.Exists("d"))
    require.False(t, p.Exists("z"))

    id, ok := p.Closest([]string{"a", "b", "c"}, nil)
    require.True(t, ok)
    require.Equal(t, "b", id)

    id, _ = NewProvider(epochs.NewRegistry(), g).Closest([]string{"c", "d"}, []string{"c"})
    require.Equal(t, "d", id)
}

package quorum

import (
    "fmt"
    "sync"
    "testing"

    "github.com/stretchr/testify/require"
    "go.uber.org/goleak"

    "github.com/billhu422/GNS/pkg/packet"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

func TestAllRuleScenario(t *testing.T) {
    c := New[string]([]string{"1", "2", "3"}, All())
    require.True(t, c.MarkResponded("2"))
    require.True(t, c.MarkResponded("1"))
    require.False(t, c.IsComplete())
    require.True(t, c.MarkResponded("3"))
    require.True(t, c.IsComplete())

    require.False(t, c.MarkResponded("1"))
    require.True(t, c.IsComplete())
    require.Equal(t, 3, c.Count())
    require.Empty(t, c.Pending())
}

func TestAllRuleNeedsExactlyN(t *testing.T) {
    ids := []string{"a", "b", "c", "d", "e"}
    c := New[int](ids, All())
    for i, id := range ids {
        require.False(t, c.IsComplete(), "complete after %d responses", i)
        c.MarkResponded(id)
        c.MarkResponded(id)
    }
    require.True(t, c.IsComplete())
}

func TestMajorityRule(t *testing.T) {
    c := New[int]([]string{"a", "b", "c", "d", "e"}, Majority())
    c.MarkResponded("a")
    c.MarkResponded("b")
    require.False(t, c.IsComplete())
    c.MarkResponded("b")
    require.False(t, c.IsComplete())
    c.MarkResponded("e")
    require.True(t, c.IsComplete())
    require.Equal(t, []string{"c", "d"}, c.Pending())
    require.True(t, c.Responded("e"))
    require.False(t, c.Responded("c"))
}

func TestFilterRespondedKeepsPendingTargets(t *testing.T) {
    c := New[struct{}]([]string{"a", "b", "c"}, Majority())
    c.MarkResponded("b")
    c.MarkResponded("zz")
    msgs := packet.Fanout([]string{"a", "b", "c", "zz"}, packet.Packet{Type: packet.TypePropose})
    got := c.FilterResponded(msgs)
    to := make([]string, 0, len(got))
    for _, m := range got { to = append(to, m.To) }
    require.Equal(t, []string{"a", "c", "zz"}, to, "only members that answered are dropped")
    require.Empty(t, c.FilterResponded(nil))
}

func TestAtLeastClampedToSize(t *testing.T) {
    c := New[int]([]string{"a", "b"}, AtLeast(5))
    c.MarkResponded("a")
    require.False(t, c.IsComplete())
    c.MarkResponded("b")
    require.True(t, c.IsComplete())
}

func TestOutsiderDoesNotCount(t *testing.T) {
    c := New[int]([]string{"a", "b", "c"}, Majority())
    require.False(t, c.MarkResponded("zz"))
    c.MarkResponded("a")
    require.False(t, c.IsComplete())
}

func TestTryAcceptFirstWriterWins(t *testing.T) {
    c := New[string]([]string{"a"}, All())
    require.True(t, c.TryAccept("k", "first"))
    require.False(t, c.TryAccept("k", "second"))
    require.Equal(t, map[string]string{"k": "first"}, c.Responses())

    got := c.Responses()
    got["k"] = "mutated"
    require.Equal(t, "first", c.Responses()["k"])
}

func TestConcurrentResponses(t *testing.T) {
    ids := make([]string, 64)
    for i := range ids { ids[i] = fmt.Sprintf("n%d", i) }
    c := New[int](ids, All())

    var wg sync.WaitGroup
    var accepted sync.Map
    for w := 0; w < 8; w++ {
        wg.Add(1)
        go func(w int) {
            defer wg.Done()
            for i, id := range ids {
                c.MarkResponded(id)
                if c.TryAccept(id, w) { accepted.Store(i, w) }
            }
        }(w)
    }
    wg.Wait()

    require.True(t, c.IsComplete())
    require.Equal(t, len(ids), c.Count())
    require.Len(t, c.Responses(), len(ids))
}

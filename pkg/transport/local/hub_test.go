package local

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
    "go.uber.org/goleak"

    "github.com/billhu422/GNS/pkg/packet"
    "github.com/billhu422/GNS/pkg/transport"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

func pkt(from string) packet.Packet {
    return packet.Packet{Type: packet.TypeCommit, ServiceName: "X", Sender: from, Slot: 3}
}

func collect(t *testing.T, e *Endpoint) <-chan packet.Packet {
    ch := make(chan packet.Packet, 16)
    require.NoError(t, e.Start(context.Background(), func(p packet.Packet) { ch <- p }))
    t.Cleanup(func() { _ = e.Stop(context.Background()) })
    return ch
}

func TestDeliverThroughCodec(t *testing.T) {
    hub := NewHub()
    a, b := hub.Endpoint("a"), hub.Endpoint("b")
    collect(t, a)
    got := collect(t, b)

    require.NoError(t, a.Send("b", pkt("a")))
    select {
    case p := <-got:
        require.Equal(t, packet.TypeCommit, p.Type)
        require.Equal(t, "a", p.Sender)
        require.Equal(t, int64(3), p.Slot)
    case <-time.After(time.Second):
        t.Fatal("packet not delivered")
    }
    require.ErrorIs(t, a.Send("zz", pkt("a")), transport.ErrUnknownPeer)
    require.Equal(t, "local://a", a.Addr())
}

func TestFaultInjection(t *testing.T) {
    hub := NewHub()
    a, b := hub.Endpoint("a"), hub.Endpoint("b")
    collect(t, a)
    got := collect(t, b)

    hub.Block("a", "b")
    require.NoError(t, a.Send("b", pkt("a")))
    hub.Heal()
    hub.Isolate("b")
    require.NoError(t, a.Send("b", pkt("a")))
    hub.Heal()
    hub.SetFilter(func(from, to string, p packet.Packet) bool { return p.Slot != 3 })
    require.NoError(t, a.Send("b", pkt("a")))
    select {
    case p := <-got:
        t.Fatalf("unexpected delivery %s", p)
    case <-time.After(50 * time.Millisecond):
    }

    hub.Heal()
    require.NoError(t, a.Send("b", pkt("a")))
    select {
    case <-got:
    case <-time.After(time.Second):
        t.Fatal("packet not delivered after heal")
    }
}

func TestMalformedInputDropped(t *testing.T) {
    hub := NewHub()
    b := hub.Endpoint("b")
    got := collect(t, b)
    b.Inject([]byte(`{"packetType":"NOPE","serviceName":"X","senderId":"a"}`))
    b.Inject([]byte(`not json`))
    b.Inject([]byte(`{"packetType":"COMMIT","serviceName":"X","senderId":"a","slot":1}`))
    select {
    case p := <-got:
        require.Equal(t, int64(1), p.Slot)
    case <-time.After(time.Second):
        t.Fatal("valid packet not delivered")
    }
}

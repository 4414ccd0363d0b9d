package bootstrap

import (
    "context"
    "os"
    "path/filepath"
    "testing"

    "github.com/stretchr/testify/require"
    "go.uber.org/zap"

    "github.com/billhu422/GNS/pkg/nodeconfig"
)

const hostFile = `
a yes 127.0.0.1 31000 3 0 0
b yes 127.0.0.2 32000 5 0 0
c no  127.0.0.3 - 1 0 0
`

func writeHosts(t *testing.T) string {
    t.Helper()
    p := filepath.Join(t.TempDir(), "hosts.txt")
    require.NoError(t, os.WriteFile(p, []byte(hostFile), 0o644))
    return p
}

func TestResolveFromHostFile(t *testing.T) {
    hosts, err := nodeconfig.Load(nodeconfig.Options{Path: writeHosts(t)})
    require.NoError(t, err)

    a, err := Config{NodeID: "a", AdminAddr: "0.0.0.0:9000"}.resolve(hosts)
    require.NoError(t, err)
    require.Equal(t, "127.0.0.1:31000", a.replica)
    require.Equal(t, "0.0.0.0:9000", a.admin, "explicit addresses win")
    require.Equal(t, "127.0.0.1:31010", a.gossip)
    require.Equal(t, "127.0.0.1:31011", a.registry)

    _, err = Config{NodeID: "zz"}.resolve(hosts)
    require.Error(t, err)
    _, err = Config{NodeID: "a"}.resolve(nil)
    require.Error(t, err)

    block := PortBlock(hosts, "c")
    require.Equal(t, "false", block["nameServer"])
    require.Equal(t, "127.0.0.3:24404", block["replica"])
}

func TestAdvertise(t *testing.T) {
    c := Config{Advertise: "10.1.1.1"}
    require.Equal(t, "10.1.1.1:80", c.advertise(":80"))
    require.Equal(t, "10.1.1.1:80", c.advertise("0.0.0.0:80"))
    require.Equal(t, "127.0.0.1:80", c.advertise("127.0.0.1:80"))
    require.Equal(t, "0.0.0.0:80", Config{}.advertise("0.0.0.0:80"))
}

func TestDiscoveryMergesSources(t *testing.T) {
    hosts, err := nodeconfig.Load(nodeconfig.Options{Path: writeHosts(t)})
    require.NoError(t, err)
    t.Setenv("GNS_TEST_SEEDS", "9.9.9.9:1")
    d := Config{NodeID: "a", SeedsCSV: "1.1.1.1:7946, 127.0.0.2:32010", SeedsEnv: "GNS_TEST_SEEDS"}.discovery(hosts, zap.NewNop())
    require.Equal(t, []string{"1.1.1.1:7946", "127.0.0.2:32010", "9.9.9.9:1"}, d.Seeds(context.Background()))
}

func TestBuildWithoutStarting(t *testing.T) {
    _, err := Build(Config{})
    require.Error(t, err)

    n, err := Build(Config{NodeID: "b", HostsFile: writeHosts(t), Logger: zap.NewNop()})
    require.NoError(t, err)
    require.Equal(t, "b", n.ID())
    require.Equal(t, "127.0.0.2:32000", n.Status().Addr)
    require.NoError(t, n.Stop(context.Background()))
}

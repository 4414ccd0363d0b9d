// Package nodeconfig reads the host file that lists every node with its
// address, port block and measured latency. Each line has the form
//
//	HostID IsNS IPAddress StartingPort PingLatency Latitude Longitude
//
// where IsNS is yes/no (or true/false) and StartingPort may be "-" or
// "default" to select DefaultStartingPort.
package nodeconfig

import (
    "bufio"
    "errors"
    "fmt"
    "io"
    "math"
    "net"
    "os"
    "sort"
    "strconv"
    "strings"
    "sync"
    "time"
)

// DefaultStartingPort is used for lines whose StartingPort is "-" or "default".
const DefaultStartingPort = 24400

// Port offsets from a node's starting port.
const (
    OffsetNSTCP = iota
    OffsetNSUDP
    OffsetNSAdmin
    OffsetNSPing
    OffsetLNSTCP
    OffsetLNSUDP
    OffsetLNSAdmin
    OffsetLNSAdminResponse
    OffsetLNSAdminDump
    OffsetLNSPing
    OffsetGossip
    OffsetRegistry
)

var ErrFormat = errors.New("nodeconfig: malformed host line")

// Host is one line of the host file.
type Host struct {
    ID           string  `json:"id"`
    NameServer   bool    `json:"nameServer"`
    IP           string  `json:"ip"`
    StartingPort int     `json:"startingPort"`
    PingLatency  int64   `json:"pingLatency"`
    Latitude     float64 `json:"latitude"`
    Longitude    float64 `json:"longitude"`
}

// Options configures a Config loaded from disk.
type Options struct {
    Path string
    // Refresh bounds how long a cached parse is trusted without a stat; if
    // zero, defaults to 5s.
    Refresh time.Duration
}

// Config is the parsed host file. When loaded from a path it re-reads the
// file whenever its mtime changes.
type Config struct {
    opts Options

    mu      sync.RWMutex
    hosts   map[string]*Host
    mtime   time.Time
    checked time.Time
}

// Parse reads a host file from r.
func Parse(r io.Reader) (*Config, error) {
    hosts, err := parse(r)
    if err != nil { return nil, err }
    return &Config{hosts: hosts}, nil
}

// Load parses path and keeps it for reloads.
func Load(opts Options) (*Config, error) {
    if opts.Path == "" { return nil, errors.New("nodeconfig: empty path") }
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    c := &Config{opts: opts}
    if err := c.reload(true); err != nil { return nil, err }
    return c, nil
}

func parse(r io.Reader) (map[string]*Host, error) {
    hosts := make(map[string]*Host)
    s := bufio.NewScanner(r)
    line := 0
    for s.Scan() {
        line++
        text := strings.TrimSpace(s.Text())
        if text == "" || strings.HasPrefix(text, "#") { continue }
        h, err := parseLine(text)
        if err != nil { return nil, fmt.Errorf("line %d: %w", line, err) }
        hosts[h.ID] = h
    }
    if err := s.Err(); err != nil { return nil, err }
    return hosts, nil
}

func parseLine(text string) (*Host, error) {
    f := strings.Fields(text)
    if len(f) != 7 { return nil, fmt.Errorf("%w: want 7 fields, got %d", ErrFormat, len(f)) }
    h := &Host{ID: f[0], IP: f[2]}
    switch strings.ToLower(f[1]) {
    case "yes", "true", "x":
        h.NameServer = true
    case "no", "false":
    default:
        return nil, fmt.Errorf("%w: IsNS %q", ErrFormat, f[1])
    }
    if strings.HasPrefix(f[3], "-") || strings.HasPrefix(f[3], "default") {
        h.StartingPort = DefaultStartingPort
    } else {
        p, err := strconv.Atoi(f[3])
        if err != nil || p <= 0 || p > math.MaxUint16 { return nil, fmt.Errorf("%w: starting port %q", ErrFormat, f[3]) }
        h.StartingPort = p
    }
    var err error
    if h.PingLatency, err = strconv.ParseInt(f[4], 10, 64); err != nil { return nil, fmt.Errorf("%w: latency %q", ErrFormat, f[4]) }
    if h.Latitude, err = strconv.ParseFloat(f[5], 64); err != nil { return nil, fmt.Errorf("%w: latitude %q", ErrFormat, f[5]) }
    if h.Longitude, err = strconv.ParseFloat(f[6], 64); err != nil { return nil, fmt.Errorf("%w: longitude %q", ErrFormat, f[6]) }
    return h, nil
}

// reload re-parses the file if it changed. A file that fails to parse keeps
// the previous hosts.
func (c *Config) reload(force bool) error {
    if c.opts.Path == "" { return nil }
    now := time.Now()
    c.mu.RLock()
    fresh := !force && now.Sub(c.checked) < c.opts.Refresh
    c.mu.RUnlock()
    if fresh { return nil }

    st, err := os.Stat(c.opts.Path)
    if err != nil { return err }
    c.mu.Lock()
    c.checked = now
    if !force && !st.ModTime().After(c.mtime) {
        c.mu.Unlock()
        return nil
    }
    c.mu.Unlock()

    f, err := os.Open(c.opts.Path)
    if err != nil { return err }
    defer f.Close()
    hosts, err := parse(f)
    if err != nil { return err }
    c.mu.Lock(); defer c.mu.Unlock()
    c.hosts, c.mtime = hosts, st.ModTime()
    return nil
}

func (c *Config) host(id string) *Host {
    _ = c.reload(false)
    c.mu.RLock(); defer c.mu.RUnlock()
    return c.hosts[id]
}

func (c *Config) port(id string, offset int) int {
    h := c.host(id)
    if h == nil { return -1 }
    return h.StartingPort + offset
}

// Host returns a copy of the line for id.
func (c *Config) Host(id string) (Host, bool) {
    h := c.host(id)
    if h == nil { return Host{}, false }
    return *h, true
}

func (c *Config) Exists(id string) bool { return c.host(id) != nil }

func (c *Config) IsNameServer(id string) bool {
    h := c.host(id)
    return h != nil && h.NameServer
}

// NodeIDs returns every host id, sorted.
func (c *Config) NodeIDs() []string { return c.ids(false) }

// NameServerIDs returns the ids marked as name servers, sorted.
func (c *Config) NameServerIDs() []string { return c.ids(true) }

func (c *Config) ids(nsOnly bool) []string {
    _ = c.reload(false)
    c.mu.RLock(); defer c.mu.RUnlock()
    out := make([]string, 0, len(c.hosts))
    for id, h := range c.hosts {
        if nsOnly && !h.NameServer { continue }
        out = append(out, id)
    }
    sort.Strings(out)
    return out
}

func (c *Config) NSTCPPort(id string) int            { return c.port(id, OffsetNSTCP) }
func (c *Config) NSUDPPort(id string) int            { return c.port(id, OffsetNSUDP) }
func (c *Config) NSAdminPort(id string) int          { return c.port(id, OffsetNSAdmin) }
func (c *Config) NSPingPort(id string) int           { return c.port(id, OffsetNSPing) }
func (c *Config) LNSTCPPort(id string) int           { return c.port(id, OffsetLNSTCP) }
func (c *Config) LNSUDPPort(id string) int           { return c.port(id, OffsetLNSUDP) }
func (c *Config) LNSAdminPort(id string) int         { return c.port(id, OffsetLNSAdmin) }
func (c *Config) LNSAdminResponsePort(id string) int { return c.port(id, OffsetLNSAdminResponse) }
func (c *Config) LNSAdminDumpPort(id string) int     { return c.port(id, OffsetLNSAdminDump) }
func (c *Config) LNSPingPort(id string) int          { return c.port(id, OffsetLNSPing) }

// PingPort is the NS ping port of a name server and the LNS ping port of
// any other node.
func (c *Config) PingPort(id string) int {
    if c.IsNameServer(id) { return c.NSPingPort(id) }
    return c.LNSPingPort(id)
}

// AdminPort is the management port of id.
func (c *Config) AdminPort(id string) int {
    if c.IsNameServer(id) { return c.NSAdminPort(id) }
    return c.LNSAdminPort(id)
}

func (c *Config) GossipPort(id string) int   { return c.port(id, OffsetGossip) }
func (c *Config) RegistryPort(id string) int { return c.port(id, OffsetRegistry) }

// Endpoint joins id's IP with port, or returns false when id is unknown.
func (c *Config) Endpoint(id string, port func(string) int) (string, bool) {
    h := c.host(id)
    if h == nil { return "", false }
    return net.JoinHostPort(h.IP, strconv.Itoa(port(id))), true
}

// NodePort is the TCP port replicas use to reach id.
func (c *Config) NodePort(id string) int {
    if c.IsNameServer(id) { return c.NSTCPPort(id) }
    return c.LNSTCPPort(id)
}

// Address returns the host and replica port of id.
func (c *Config) Address(id string) (string, int, bool) {
    h := c.host(id)
    if h == nil { return "", 0, false }
    return h.IP, c.NodePort(id), true
}

// ReplicaAddr returns id's replica endpoint in host:port form.
func (c *Config) ReplicaAddr(id string) (string, bool) {
    host, port, ok := c.Address(id)
    if !ok { return "", false }
    return net.JoinHostPort(host, strconv.Itoa(port)), true
}

// PingLatency is the last measured latency to id in milliseconds, -1 when
// unknown.
func (c *Config) PingLatency(id string) int64 {
    h := c.host(id)
    if h == nil { return -1 }
    c.mu.RLock(); defer c.mu.RUnlock()
    return h.PingLatency
}

func (c *Config) UpdatePingLatency(id string, d time.Duration) {
    c.mu.Lock(); defer c.mu.Unlock()
    if h := c.hosts[id]; h != nil { h.PingLatency = d.Milliseconds() }
}

// Closest returns the member of ids with the lowest non-negative latency,
// skipping exclude.
func (c *Config) Closest(ids, exclude []string) (string, bool) {
    skip := make(map[string]struct{}, len(exclude))
    for _, id := range exclude { skip[id] = struct{}{} }
    best, lowest := "", int64(math.MaxInt64)
    for _, id := range ids {
        if _, ok := skip[id]; ok { continue }
        if l := c.PingLatency(id); l >= 0 && l < lowest { best, lowest = id, l }
    }
    return best, best != ""
}

// Package dns resolves gossip seeds from SRV records or A/AAAA names.
package dns

import (
    "context"
    "net"
    "strconv"
    "strings"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/billhu422/GNS/pkg/discovery"
    "github.com/billhu422/GNS/pkg/internal/logutil"
)

// Options configures DNS-based discovery.
type Options struct {
    // Names are SRV records or hostnames to resolve.
    // Examples: "_gns-gossip._tcp.example.com" (SRV) or "ns1.example.com" (A/AAAA).
    Names []string

    // Port used when resolving A/AAAA records (no port info in DNS answer).
    Port int

    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration

    // Timeout bounds one resolution round; if zero, defaults to 2s.
    Timeout time.Duration

    // Resolver optionally overrides the DNS resolver used.
    Resolver *net.Resolver

    Logger *zap.Logger
}

type impl struct {
    opts  Options
    warn  *logutil.Filter
    mu    sync.Mutex
    last  time.Time
    cache []string
}

// New returns a DNS-backed discovery that resolves SRV and A/AAAA names
// and caches results for the Refresh duration.
func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Timeout <= 0 { opts.Timeout = 2 * time.Second }
    if opts.Port == 0 { opts.Port = 7946 }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    if opts.Logger == nil { opts.Logger = zap.NewNop() }
    return &impl{opts: opts, warn: logutil.NewFilter(30 * time.Second)}
}

func (d *impl) Seeds(ctx context.Context) []string {
    d.mu.Lock()
    defer d.mu.Unlock()
    if time.Since(d.last) < d.opts.Refresh && len(d.cache) > 0 {
        return append([]string(nil), d.cache...)
    }
    ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
    defer cancel()
    d.cache, d.last = d.resolveAll(ctx), time.Now()
    return append([]string(nil), d.cache...)
}

func (d *impl) resolveAll(ctx context.Context) []string {
    var out []string
    for _, name := range d.opts.Names {
        name = strings.TrimSpace(name)
        switch {
        case name == "":
        case strings.Contains(name, ":") && !strings.HasPrefix(name, "_"):
            out = append(out, name)
        case strings.HasPrefix(name, "_") && strings.Contains(name, "._"):
            if recs := d.lookupSRV(ctx, name); len(recs) > 0 {
                out = append(out, recs...)
                continue
            }
            fallthrough
        default:
            out = append(out, d.lookupHost(ctx, name, d.opts.Port)...)
        }
    }
    return discovery.Normalize(out)
}

func (d *impl) lookupSRV(ctx context.Context, fqdn string) []string {
    svc, proto, domain := parseSRVName(fqdn)
    if svc == "" || proto == "" || domain == "" { return nil }
    _, addrs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil {
        d.warn.Warnf(d.opts.Logger, "srv lookup %s: %v", fqdn, err)
        return nil
    }
    out := make([]string, 0, len(addrs))
    for _, a := range addrs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
    }
    return out
}

func (d *impl) lookupHost(ctx context.Context, host string, port int) []string {
    ips, err := d.opts.Resolver.LookupHost(ctx, host)
    if err != nil {
        d.warn.Warnf(d.opts.Logger, "host lookup %s: %v", host, err)
        return nil
    }
    out := make([]string, 0, len(ips))
    for _, ip := range ips { out = append(out, net.JoinHostPort(ip, strconv.Itoa(port))) }
    return out
}

// parseSRVName splits _service._proto.name.
func parseSRVName(fqdn string) (service, proto, name string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 { return "", "", "" }
    return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}

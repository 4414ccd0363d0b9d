// Package file reads gossip seeds from a file, a glob of files or an
// environment variable.
package file

import (
    "bufio"
    "context"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"

    "github.com/billhu422/GNS/pkg/discovery"
)

// Options configures file/ENV-based discovery.
type Options struct {
    // Path to a file containing one seed per line or comma-separated list.
    Path string
    // Env overrides file when non-empty.
    Env string
    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration
}

type impl struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &impl{opts: opts}
}

func (i *impl) Seeds(context.Context) []string {
    i.mu.Lock()
    defer i.mu.Unlock()
    if i.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(i.opts.Env)); v != "" { return discovery.Split(v) }
    }
    if i.opts.Path == "" { return nil }
    now := time.Now()
    if st, err := os.Stat(i.opts.Path); err == nil {
        if st.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
            i.cache, i.last, i.mtime = loadFile(i.opts.Path), now, st.ModTime()
        }
        return append([]string(nil), i.cache...)
    }
    if matches, _ := filepath.Glob(i.opts.Path); len(matches) > 0 {
        var all []string
        for _, m := range matches { all = append(all, loadFile(m)...) }
        i.cache, i.last = discovery.Normalize(all), now
    }
    return append([]string(nil), i.cache...)
}

func loadFile(path string) []string {
    f, err := os.Open(path)
    if err != nil { return nil }
    defer f.Close()
    var seeds []string
    s := bufio.NewScanner(f)
    for s.Scan() {
        line := strings.TrimSpace(s.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        seeds = append(seeds, strings.Split(line, ",")...)
    }
    if s.Err() != nil { return nil }
    return discovery.Normalize(seeds)
}

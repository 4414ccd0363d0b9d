// Package discovery supplies the gossip seeds a node joins on start.
package discovery

import (
    "context"
    "sort"
    "strings"
)

// Discovery returns host:port gossip seeds. Implementations cache their
// answers and may return an empty list.
type Discovery interface {
    Seeds(ctx context.Context) []string
}

// Multi queries every source and merges the answers.
type Multi []Discovery

func (m Multi) Seeds(ctx context.Context) []string {
    var all []string
    for _, d := range m {
        if d != nil { all = append(all, d.Seeds(ctx)...) }
    }
    return Normalize(all)
}

// Normalize trims, drops empties and duplicates, and sorts seeds.
func Normalize(seeds []string) []string {
    set := make(map[string]struct{}, len(seeds))
    out := make([]string, 0, len(seeds))
    for _, s := range seeds {
        s = strings.TrimSpace(s)
        if s == "" { continue }
        if _, dup := set[s]; dup { continue }
        set[s] = struct{}{}
        out = append(out, s)
    }
    sort.Strings(out)
    return out
}

// Split parses a comma-separated seed list.
func Split(csv string) []string {
    if csv == "" { return nil }
    return Normalize(strings.Split(csv, ","))
}

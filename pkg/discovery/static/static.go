package static

import (
    "context"

    "github.com/billhu422/GNS/pkg/discovery"
)

type staticSeeds struct {
    seeds []string
}

func (s *staticSeeds) Seeds(context.Context) []string { return append([]string(nil), s.seeds...) }

// New returns a Discovery that always returns the given seeds.
func New(seeds ...string) discovery.Discovery {
    return &staticSeeds{seeds: discovery.Normalize(seeds)}
}

// Parse converts a comma-separated list into seeds.
func Parse(csv string) []string { return discovery.Split(csv) }

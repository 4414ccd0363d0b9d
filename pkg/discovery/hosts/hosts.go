// Package hosts derives gossip seeds from the node host file: every name
// server's IP at its gossip port.
package hosts

import (
    "context"

    "github.com/billhu422/GNS/pkg/discovery"
    "github.com/billhu422/GNS/pkg/nodeconfig"
)

type hostSeeds struct {
    cfg  *nodeconfig.Config
    self string
}

// New returns seeds for every name server in cfg except self. The host file
// is re-read on change, so the answer follows edits.
func New(cfg *nodeconfig.Config, self string) discovery.Discovery {
    return &hostSeeds{cfg: cfg, self: self}
}

func (h *hostSeeds) Seeds(context.Context) []string {
    var out []string
    for _, id := range h.cfg.NameServerIDs() {
        if id == h.self { continue }
        if addr, ok := h.cfg.Endpoint(id, h.cfg.GossipPort); ok { out = append(out, addr) }
    }
    return discovery.Normalize(out)
}

// Package quorum aggregates responses from a fixed set of members until a
// completion rule is met. Collectors are safe for concurrent use.
package quorum

import (
    "sort"
    "sync"

    "github.com/billhu422/GNS/pkg/packet"
)

// Rule decides completion from the number of members that responded out of
// the target size.
type Rule struct {
    all bool
    min int
}

// All completes once every target member responded.
func All() Rule { return Rule{all: true} }

// AtLeast completes once n members responded.
func AtLeast(n int) Rule { return Rule{min: n} }

// Majority completes once a strict majority of the target responded.
func Majority() Rule { return Rule{min: -1} }

func (r Rule) need(size int) int {
    switch {
    case r.all:
        return size
    case r.min < 0:
        return size/2 + 1
    case r.min > size:
        return size
    }
    return r.min
}

// Collector tracks which target members have not answered yet and keeps the
// first response recorded under each key.
type Collector[V any] struct {
    mu        sync.Mutex
    size      int
    need      int
    pending   map[string]struct{}
    responded map[string]struct{}
    responses map[string]V
    done      bool
}

// New builds a collector over members. Duplicate ids count once.
func New[V any](members []string, rule Rule) *Collector[V] {
    c := &Collector[V]{
        pending:   make(map[string]struct{}, len(members)),
        responded: make(map[string]struct{}, len(members)),
        responses: make(map[string]V),
    }
    for _, id := range members { c.pending[id] = struct{}{} }
    c.size = len(c.pending)
    c.need = rule.need(c.size)
    c.done = c.need <= 0
    return c
}

// MarkResponded removes id from the pending set. It reports whether this call
// changed anything; repeats and ids outside the target are no-ops.
func (c *Collector[V]) MarkResponded(id string) bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    if _, ok := c.pending[id]; !ok { return false }
    delete(c.pending, id)
    c.responded[id] = struct{}{}
    if len(c.responded) >= c.need { c.done = true }
    return true
}

// TryAccept records v under key unless key was seen before.
func (c *Collector[V]) TryAccept(key string, v V) bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    if _, ok := c.responses[key]; ok { return false }
    c.responses[key] = v
    return true
}

// IsComplete reports whether the rule is satisfied. Once true it stays true.
func (c *Collector[V]) IsComplete() bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.done
}

func (c *Collector[V]) Responded(id string) bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    _, ok := c.responded[id]
    return ok
}

// FilterResponded drops messages addressed to members that already
// responded. It filters msgs in place.
func (c *Collector[V]) FilterResponded(msgs []packet.Message) []packet.Message {
    c.mu.Lock()
    defer c.mu.Unlock()
    out := msgs[:0]
    for _, m := range msgs {
        if _, ok := c.responded[m.To]; !ok { out = append(out, m) }
    }
    return out
}

// Pending returns the members that have not responded, sorted.
func (c *Collector[V]) Pending() []string {
    c.mu.Lock()
    defer c.mu.Unlock()
    out := make([]string, 0, len(c.pending))
    for id := range c.pending { out = append(out, id) }
    sort.Strings(out)
    return out
}

// Responses returns a copy of the accepted responses.
func (c *Collector[V]) Responses() map[string]V {
    c.mu.Lock()
    defer c.mu.Unlock()
    out := make(map[string]V, len(c.responses))
    for k, v := range c.responses { out[k] = v }
    return out
}

// Count is the number of distinct members that responded.
func (c *Collector[V]) Count() int {
    c.mu.Lock()
    defer c.mu.Unlock()
    return len(c.responded)
}

// Size is the number of distinct target members.
func (c *Collector[V]) Size() int { return c.size }

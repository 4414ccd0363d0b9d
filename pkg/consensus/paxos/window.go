package paxos

// window remembers the slots at which the most recent request ids executed,
// evicting the oldest once full.
type window struct {
    max   int
    slots map[string]int64
    order []string
}

func newWindow(max int) *window {
    return &window{max: max, slots: make(map[string]int64)}
}

func (w *window) add(id string, slot int64) {
    if _, ok := w.slots[id]; ok { return }
    w.slots[id] = slot
    w.order = append(w.order, id)
    for len(w.order) > w.max {
        delete(w.slots, w.order[0])
        w.order = w.order[1:]
    }
}

func (w *window) has(id string) (int64, bool) {
    s, ok := w.slots[id]
    return s, ok
}

// list returns ids oldest first.
func (w *window) list() []string { return append([]string(nil), w.order...) }

// load adds ids carried in a transfer snapshot. Their slots are unknown here,
// so they are recorded at slot.
func (w *window) load(ids []string, slot int64) {
    for _, id := range ids { w.add(id, slot) }
}

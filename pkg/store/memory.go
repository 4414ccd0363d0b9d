package store

import (
    "bytes"
    "encoding/json"
    "fmt"
    "sort"
    "sync"
)

type record struct {
    slot   int64
    fields map[string]json.RawMessage
}

// Memory is an in-process Store keyed by name.
type Memory struct {
    mu      sync.RWMutex
    records map[string]*record
}

func NewMemory() *Memory { return &Memory{records: make(map[string]*record)} }

func (m *Memory) Apply(name string, slot int64, value json.RawMessage) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    rec := m.records[name]
    if rec == nil {
        rec = &record{slot: -1, fields: make(map[string]json.RawMessage)}
        m.records[name] = rec
    }
    if slot <= rec.slot { return nil }
    if slot != rec.slot+1 {
        return fmt.Errorf("%w: %s at %d, last %d", ErrSlotGap, name, slot, rec.slot)
    }
    rec.slot = slot
    if len(value) == 0 { return nil }
    upd, err := decodeObject(value)
    if err != nil { return err }
    for k, v := range upd {
        if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
            delete(rec.fields, k)
            continue
        }
        rec.fields[k] = append(json.RawMessage(nil), v...)
    }
    return nil
}

func (m *Memory) ReadLatest(name string) (int64, json.RawMessage, bool) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    rec := m.records[name]
    if rec == nil { return -1, nil, false }
    b, _ := json.Marshal(rec.fields)
    return rec.slot, b, true
}

func (m *Memory) Snapshot(name string) (Snapshot, error) {
    slot, b, ok := m.ReadLatest(name)
    if !ok { return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, name) }
    return Snapshot{Slot: slot, Record: b}, nil
}

func (m *Memory) Install(name string, snap Snapshot) error {
    fields := make(map[string]json.RawMessage)
    if len(snap.Record) > 0 {
        upd, err := decodeObject(snap.Record)
        if err != nil { return err }
        fields = upd
    }
    m.mu.Lock()
    m.records[name] = &record{slot: snap.Slot, fields: fields}
    m.mu.Unlock()
    return nil
}

func (m *Memory) Delete(name string) error {
    m.mu.Lock()
    delete(m.records, name)
    m.mu.Unlock()
    return nil
}

func (m *Memory) Names() []string {
    m.mu.RLock()
    out := make([]string, 0, len(m.records))
    for k := range m.records { out = append(out, k) }
    m.mu.RUnlock()
    sort.Strings(out)
    return out
}

func decodeObject(b json.RawMessage) (map[string]json.RawMessage, error) {
    var obj map[string]json.RawMessage
    if err := json.Unmarshal(b, &obj); err != nil || obj == nil {
        return nil, fmt.Errorf("%w: %s", ErrInvalidValue, string(b))
    }
    return obj, nil
}

var _ Store = (*Memory)(nil)

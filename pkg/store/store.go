// Package store holds the committed record of every name a node replicates.
// Records are JSON objects; committed values are JSON objects of field
// updates where a null field removes the field.
package store

import (
    "encoding/json"
    "errors"
)

var (
    ErrNotFound     = errors.New("store: name not found")
    ErrInvalidValue = errors.New("store: value is not a JSON object")
    ErrSlotGap      = errors.New("store: slot does not follow last applied slot")
)

// Snapshot is the committed state of one name up to Slot.
type Snapshot struct {
    Slot   int64           `json:"slot"`
    Record json.RawMessage `json:"record"`
}

// Store is the State Store consumed by the consensus core. It is mutated only
// through Apply and Install.
type Store interface {
    // Apply executes the value committed at slot. Slots at or below the last
    // applied slot are no-ops, so re-application never changes state. A nil
    // value only advances the slot.
    Apply(name string, slot int64, value json.RawMessage) error
    // ReadLatest returns the last applied slot and the full record.
    ReadLatest(name string) (slot int64, value json.RawMessage, ok bool)
    Snapshot(name string) (Snapshot, error)
    // Install replaces the record of name with a transferred snapshot.
    Install(name string, snap Snapshot) error
    Delete(name string) error
    Names() []string
}

package store

import (
    "encoding/json"
    "testing"

    "github.com/stretchr/testify/require"
)

func TestApplyMergesFieldUpdates(t *testing.T) {
    m := NewMemory()
    require.NoError(t, m.Apply("X", 0, json.RawMessage(`{"A":["1.2.3.4"],"ttl":30}`)))
    require.NoError(t, m.Apply("X", 1, json.RawMessage(`{"ttl":null,"B":"x"}`)))

    slot, v, ok := m.ReadLatest("X")
    require.True(t, ok)
    require.Equal(t, int64(1), slot)
    require.JSONEq(t, `{"A":["1.2.3.4"],"B":"x"}`, string(v))
}

func TestApplyIsIdempotent(t *testing.T) {
    m := NewMemory()
    v := json.RawMessage(`{"n":1}`)
    require.NoError(t, m.Apply("X", 0, v))
    before, _ := m.Snapshot("X")

    require.NoError(t, m.Apply("X", 0, v))
    require.NoError(t, m.Apply("X", 0, json.RawMessage(`{"n":2}`)))
    after, _ := m.Snapshot("X")
    require.Equal(t, before, after)
}

func TestApplyRejectsGap(t *testing.T) {
    m := NewMemory()
    require.ErrorIs(t, m.Apply("X", 2, json.RawMessage(`{}`)), ErrSlotGap)
    _, _, ok := m.ReadLatest("X")
    require.True(t, ok)
}

func TestNoopAndInvalidValuesStillAdvanceSlot(t *testing.T) {
    m := NewMemory()
    require.NoError(t, m.Apply("X", 0, nil))
    require.ErrorIs(t, m.Apply("X", 1, json.RawMessage(`[1,2]`)), ErrInvalidValue)
    slot, v, _ := m.ReadLatest("X")
    require.Equal(t, int64(1), slot)
    require.JSONEq(t, `{}`, string(v))
}

func TestInstallReplacesRecord(t *testing.T) {
    m := NewMemory()
    require.NoError(t, m.Apply("X", 0, json.RawMessage(`{"old":true}`)))
    require.NoError(t, m.Install("X", Snapshot{Slot: 7, Record: json.RawMessage(`{"new":true}`)}))

    snap, err := m.Snapshot("X")
    require.NoError(t, err)
    require.Equal(t, int64(7), snap.Slot)
    require.JSONEq(t, `{"new":true}`, string(snap.Record))

    require.NoError(t, m.Apply("X", 8, json.RawMessage(`{"n":8}`)))
    require.Equal(t, []string{"X"}, m.Names())
    require.NoError(t, m.Delete("X"))
    _, err = m.Snapshot("X")
    require.ErrorIs(t, err, ErrNotFound)
}

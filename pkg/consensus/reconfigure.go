package consensus

import "time"

// Reconfigurer optionally allows changing the voters of the engine itself,
// as opposed to the replica set of a name.
type Reconfigurer interface {
    AddVoter(id, addr string, timeout time.Duration) error
    RemoveServer(id string, timeout time.Duration) error
}

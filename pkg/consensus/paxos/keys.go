package paxos

import (
    "fmt"

    "github.com/billhu422/GNS/pkg/packet"
)

// Task keys embed name and epoch so tasks of a stopped epoch can never
// receive traffic of its successor.

func proposalKey(name string, epoch uint64, slot int64, b packet.Ballot) string {
    return fmt.Sprintf("paxos/%s/%d/propose/%d/%s", name, epoch, slot, b)
}

func electionKey(name string, epoch uint64, b packet.Ballot) string {
    return fmt.Sprintf("paxos/%s/%d/elect/%s", name, epoch, b)
}

// forwardKey is unique per hand-off so a request re-forwarded to a new
// leader never collides with the task it replaces.
func forwardKey(name string, epoch uint64, requestID string, seq uint64) string {
    return fmt.Sprintf("paxos/%s/%d/forward/%s/%d", name, epoch, requestID, seq)
}

func syncKey(name string, epoch uint64) string {
    return fmt.Sprintf("paxos/%s/%d/sync", name, epoch)
}

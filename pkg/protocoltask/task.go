// Package protocoltask runs keyed protocol exchanges with retry on timeout,
// idle and lifetime limits, and threshold-aware re-issue of messages.
//
// A Task only produces messages and reacts to events; the Scheduler owns its
// timers, sends what it returns and retires it.
package protocoltask

import (
    "errors"
    "time"

    "github.com/billhu422/GNS/pkg/packet"
)

const (
    // DefaultMaxIdle retires a task that received no event for this long.
    DefaultMaxIdle = 5 * time.Minute
    // DefaultMaxLifetime retires a task this old regardless of activity.
    DefaultMaxLifetime = 30 * time.Minute
    // DefaultRestartPeriod is how often an unfinished task re-issues its messages.
    DefaultRestartPeriod = 2 * time.Second
)

var (
    ErrDuplicateTask = errors.New("protocoltask: task key already scheduled")
    ErrClosed        = errors.New("protocoltask: scheduler closed")
    ErrNoSender      = errors.New("protocoltask: nil sender")
)

// Task is the minimum every protocol exchange implements.
type Task interface {
    Key() string
    // Start returns the messages that open the exchange.
    Start() []packet.Message
    // HandleEvent consumes a correlated packet. done retires the task.
    HandleEvent(ev packet.Packet) (out []packet.Message, done bool)
}

// Restartable tasks re-issue something other than Start on timeout.
type Restartable interface {
    Restart() []packet.Message
}

// Thresholdable tasks complete on a subset of responders. Fix filters
// re-issued messages so members that already answered are not asked again.
type Thresholdable interface {
    Fix(msgs []packet.Message) []packet.Message
}

// ExpireReason says why the scheduler gave up on a task.
type ExpireReason string

const (
    ExpireIdle     ExpireReason = "idle"
    ExpireLifetime ExpireReason = "lifetime"
)

// Expirer tasks are told when they are retired by a limit rather than by
// completion or cancellation.
type Expirer interface {
    Expired(reason ExpireReason)
}

// Sender hands a packet to the network. It must not deliver synchronously
// back into the scheduler.
type Sender interface {
    Send(to string, p packet.Packet) error
}

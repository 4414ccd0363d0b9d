package node

import "errors"

var (
    ErrNotLeader     = errors.New("node: registry write on a non-leader")
    ErrNotStarted    = errors.New("node: not started")
    ErrStopped       = errors.New("node: stopped")
    ErrNoMembers     = errors.New("node: empty member set")
    ErrNoReconfigure = errors.New("node: registry cannot change its voters")
)

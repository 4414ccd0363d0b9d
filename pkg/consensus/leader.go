package consensus

// LeaderInfo describes the current known leader.
type LeaderInfo struct {
    ID   string `json:"id"`
    Addr string `json:"addr"`
    Term uint64 `json:"term"`
}

// LeaderNotifier is implemented by engines that publish leadership changes.
// Updates are coalesced; a slow reader sees only recent ones.
type LeaderNotifier interface {
    LeaderCh() <-chan LeaderInfo
}

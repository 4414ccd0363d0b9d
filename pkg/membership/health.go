package membership

// HealthReporter is implemented by gossip layers that track their own
// health. Higher scores indicate degraded health; -1 means not started.
type HealthReporter interface {
    HealthScore() int
}

package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

const namespace = "gns"

var (
    once sync.Once

    // Task scheduler
    TasksActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "tasks",
        Name:      "active",
        Help:      "Number of protocol tasks currently registered with a scheduler",
    })
    TasksScheduled = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "tasks",
        Name:      "scheduled_total",
        Help:      "Total number of protocol tasks scheduled",
    })
    TaskRestarts = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "tasks",
        Name:      "restarts_total",
        Help:      "Total number of task restarts (message re-issue on timeout)",
    })
    TasksExpired = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "tasks",
        Name:      "expired_total",
        Help:      "Tasks retired by the idle or lifetime limit",
    }, []string{"reason"})

    // Consensus
    Proposals = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "paxos",
        Name:      "proposals_total",
        Help:      "Slots proposed by this node while leader",
    })
    Commits = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "paxos",
        Name:      "commits_total",
        Help:      "Log entries executed against the state store",
    })
    Elections = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "paxos",
        Name:      "elections_total",
        Help:      "Leader elections started by this node by outcome",
    }, []string{"result"})
    CatchUps = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "paxos",
        Name:      "catchups_total",
        Help:      "Gaps detected that required fetching committed entries",
    })
    Instances = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "paxos",
        Name:      "instances",
        Help:      "Consensus instances hosted by this node",
    })
    LeaderOf = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "paxos",
        Name:      "leader_of",
        Help:      "Number of names this node currently leads",
    })

    // Reconfiguration
    EpochTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "epoch",
        Name:      "transitions_total",
        Help:      "Epoch transitions driven by this node by outcome",
    }, []string{"result"})

    // Transport
    PacketsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "packets_dropped_total",
        Help:      "Inbound packets dropped without side effects",
    }, []string{"reason"})
    SendErrors = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "send_errors_total",
        Help:      "Outbound packets the transport failed to hand off",
    })

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })

    // Registry (raft)
    RegistryIsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "registry",
        Name:      "is_leader",
        Help:      "1 if this node leads the epoch registry group, else 0",
    })
    JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "registry",
        Name:      "join_requests_total",
        Help:      "Registry voter join requests handled by this node",
    }, []string{"result"})
    GossipMembers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "gossip_members",
        Help:      "Current number of nodes known through gossip",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(TasksActive, TasksScheduled, TaskRestarts, TasksExpired)
        prometheus.MustRegister(Proposals, Commits, Elections, CatchUps, Instances, LeaderOf)
        prometheus.MustRegister(EpochTransitions)
        prometheus.MustRegister(PacketsDropped, SendErrors)
        prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
        prometheus.MustRegister(RegistryIsLeader, JoinRequests, GossipMembers)
    })
}

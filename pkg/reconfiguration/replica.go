package reconfiguration

import (
    "errors"
    "time"

    "go.uber.org/zap"

    "github.com/billhu422/GNS/pkg/internal/logutil"
    obsmetrics "github.com/billhu422/GNS/pkg/observability/metrics"
    "github.com/billhu422/GNS/pkg/packet"
    "github.com/billhu422/GNS/pkg/protocoltask"
    "github.com/billhu422/GNS/pkg/state"
)

// Host is the consensus side of an epoch boundary on one node.
type Host interface {
    StopEpoch(name string, epoch uint64) (*packet.TransferState, error)
    StartEpoch(name string, epoch uint64, members []string, ts *packet.TransferState) error
    DropEpoch(name string, epoch uint64)
    ResumeEpoch(name string, epoch uint64)
}

// Replica executes the epoch handshake on a member and answers the
// coordinator.
type Replica struct {
    self     string
    host     Host
    sender   protocoltask.Sender
    registry state.Registry
    log      *zap.Logger
    lf       *logutil.Filter
}

func NewReplica(self string, host Host, sender protocoltask.Sender, registry state.Registry, log *zap.Logger) (*Replica, error) {
    if self == "" || host == nil || sender == nil || registry == nil {
        return nil, errors.New("reconfiguration: replica needs self, host, sender and registry")
    }
    if log == nil { log = zap.NewNop() }
    return &Replica{
        self: self, host: host, sender: sender, registry: registry,
        log: log.Named("epoch"), lf: logutil.NewFilter(time.Minute),
    }, nil
}

// Handle processes STOP_EPOCH, START_EPOCH, DROP_EPOCH and RESUME_EPOCH and
// acknowledges each to the coordinator. Other packets are ignored.
func (r *Replica) Handle(p packet.Packet) {
    to := p.Initiator
    if to == "" { to = p.Sender }
    switch p.Type {
    case packet.TypeStopEpoch:
        ts, err := r.host.StopEpoch(p.ServiceName, p.Epoch)
        if err != nil {
            r.lf.Warnf(r.log, "stop %s epoch %d: %v", p.ServiceName, p.Epoch, err)
            return
        }
        r.reply(to, packet.Packet{Type: packet.TypeStopEpochAck, ServiceName: p.ServiceName, Epoch: p.Epoch, Sender: r.self, Slot: -1, State: ts})
    case packet.TypeStartEpoch:
        if err := r.host.StartEpoch(p.ServiceName, p.Epoch, p.Members, p.State); err != nil {
            r.lf.Warnf(r.log, "start %s epoch %d: %v", p.ServiceName, p.Epoch, err)
            return
        }
        r.reply(to, packet.Packet{Type: packet.TypeAckStartEpoch, ServiceName: p.ServiceName, Epoch: p.Epoch, Sender: r.self, Slot: -1})
    case packet.TypeDropEpoch:
        // the registry must have moved past epoch, or abandoned it
        if act, ok := r.registry.Active(p.ServiceName); ok && act.Epoch == p.Epoch && act.HasMember(r.self) {
            obsmetrics.PacketsDropped.WithLabelValues("drop_active_epoch").Inc()
            return
        }
        r.host.DropEpoch(p.ServiceName, p.Epoch)
        r.reply(to, packet.Packet{Type: packet.TypeDropEpochAck, ServiceName: p.ServiceName, Epoch: p.Epoch, Sender: r.self, Slot: -1})
    case packet.TypeResumeEpoch:
        // unacknowledged until this node's registry agrees epoch is ACTIVE
        // with no transition under way
        act, ok := r.registry.Active(p.ServiceName)
        if !ok || act.Epoch != p.Epoch {
            obsmetrics.PacketsDropped.WithLabelValues("resume_not_active").Inc()
            return
        }
        if _, busy := r.registry.Pending(p.ServiceName); busy {
            obsmetrics.PacketsDropped.WithLabelValues("resume_in_transition").Inc()
            return
        }
        r.host.ResumeEpoch(p.ServiceName, p.Epoch)
        r.reply(to, packet.Packet{Type: packet.TypeResumeEpochAck, ServiceName: p.ServiceName, Epoch: p.Epoch, Sender: r.self, Slot: -1})
    }
}

func (r *Replica) reply(to string, p packet.Packet) {
    if err := r.sender.Send(to, p); err != nil {
        obsmetrics.SendErrors.Inc()
        r.lf.Warnf(r.log, "reply %s to %s: %v", p.Type, to, err)
    }
}

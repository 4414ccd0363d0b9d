package protocoltask

import (
    "sync"
    "time"

    "github.com/jonboulle/clockwork"
    "go.uber.org/zap"

    "github.com/billhu422/GNS/pkg/internal/logutil"
    obsmetrics "github.com/billhu422/GNS/pkg/observability/metrics"
    "github.com/billhu422/GNS/pkg/packet"
)

// Options configure a Scheduler. Zero durations take the package defaults.
type Options struct {
    Sender        Sender
    Clock         clockwork.Clock
    Logger        *zap.Logger
    RestartPeriod time.Duration
    MaxIdle       time.Duration
    MaxLifetime   time.Duration
}

func (o *Options) withDefaults() {
    if o.Clock == nil { o.Clock = clockwork.NewRealClock() }
    if o.RestartPeriod <= 0 { o.RestartPeriod = DefaultRestartPeriod }
    if o.MaxIdle <= 0 { o.MaxIdle = DefaultMaxIdle }
    if o.MaxLifetime <= 0 { o.MaxLifetime = DefaultMaxLifetime }
}

// envelope carries the scheduler's bookkeeping for one task. mu serializes
// calls into the task; tmu guards the timer so Cancel can run from inside
// the task's own callbacks.
type envelope struct {
    mu         sync.Mutex
    task       Task
    started    time.Time
    lastActive time.Time
    restarts   int

    tmu     sync.Mutex
    timer   clockwork.Timer
    retired bool
}

func (e *envelope) isRetired() bool {
    e.tmu.Lock()
    defer e.tmu.Unlock()
    return e.retired
}

// stop retires the envelope and revokes its timer. It reports whether this
// call did the retiring.
func (e *envelope) stop() bool {
    e.tmu.Lock()
    defer e.tmu.Unlock()
    if e.retired { return false }
    e.retired = true
    if e.timer != nil { e.timer.Stop() }
    return true
}

func (e *envelope) arm(clock clockwork.Clock, d time.Duration, f func()) {
    e.tmu.Lock()
    defer e.tmu.Unlock()
    if e.retired { return }
    e.timer = clock.AfterFunc(d, f)
}

// Scheduler owns tasks by key. All methods are safe for concurrent use.
type Scheduler struct {
    opts   Options
    log    *zap.Logger
    sendLF *logutil.Filter

    mu     sync.Mutex
    tasks  map[string]*envelope
    closed bool
}

func New(opts Options) (*Scheduler, error) {
    if opts.Sender == nil { return nil, ErrNoSender }
    opts.withDefaults()
    return &Scheduler{
        opts:   opts,
        log:    opts.Logger,
        sendLF: logutil.NewFilter(time.Minute),
        tasks:  make(map[string]*envelope),
    }, nil
}

// Clock returns the scheduler's timer facility.
func (s *Scheduler) Clock() clockwork.Clock { return s.opts.Clock }

// Schedule registers t, sends what Start returns and arms the restart timer.
func (s *Scheduler) Schedule(t Task) error {
    key := t.Key()
    now := s.opts.Clock.Now()
    env := &envelope{task: t, started: now, lastActive: now}

    env.mu.Lock()
    s.mu.Lock()
    if s.closed {
        s.mu.Unlock()
        env.mu.Unlock()
        return ErrClosed
    }
    if _, dup := s.tasks[key]; dup {
        s.mu.Unlock()
        env.mu.Unlock()
        return ErrDuplicateTask
    }
    s.tasks[key] = env
    obsmetrics.TasksActive.Set(float64(len(s.tasks)))
    s.mu.Unlock()
    obsmetrics.TasksScheduled.Inc()

    out := t.Start()
    env.arm(s.opts.Clock, s.opts.RestartPeriod, func() { s.tick(key, env) })
    env.mu.Unlock()
    s.send(out)
    return nil
}

// Deliver routes ev to the task registered under key. It returns false when
// no live task matches, in which case ev had no effect.
func (s *Scheduler) Deliver(key string, ev packet.Packet) bool {
    s.mu.Lock()
    env := s.tasks[key]
    s.mu.Unlock()
    if env == nil { return false }

    env.mu.Lock()
    if env.isRetired() {
        env.mu.Unlock()
        return false
    }
    env.lastActive = s.opts.Clock.Now()
    out, done := env.task.HandleEvent(ev)
    env.mu.Unlock()

    if done { s.retire(key, env) }
    s.send(out)
    return true
}

// Cancel retires the task under key without further sends or deliveries.
func (s *Scheduler) Cancel(key string) bool {
    s.mu.Lock()
    env := s.tasks[key]
    if env != nil {
        delete(s.tasks, key)
        obsmetrics.TasksActive.Set(float64(len(s.tasks)))
    }
    s.mu.Unlock()
    if env == nil { return false }
    return env.stop()
}

// Has reports whether a task is registered under key.
func (s *Scheduler) Has(key string) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    _, ok := s.tasks[key]
    return ok
}

// Len is the number of active tasks.
func (s *Scheduler) Len() int {
    s.mu.Lock()
    defer s.mu.Unlock()
    return len(s.tasks)
}

// Close cancels every task and rejects further scheduling.
func (s *Scheduler) Close() {
    s.mu.Lock()
    envs := make([]*envelope, 0, len(s.tasks))
    for k, env := range s.tasks {
        envs = append(envs, env)
        delete(s.tasks, k)
    }
    s.closed = true
    obsmetrics.TasksActive.Set(0)
    s.mu.Unlock()
    for _, env := range envs { env.stop() }
}

func (s *Scheduler) retire(key string, env *envelope) bool {
    s.mu.Lock()
    if cur, ok := s.tasks[key]; ok && cur == env {
        delete(s.tasks, key)
        obsmetrics.TasksActive.Set(float64(len(s.tasks)))
    }
    s.mu.Unlock()
    return env.stop()
}

// tick is the per-task timer callback: expire the task or re-issue its
// messages and re-arm.
func (s *Scheduler) tick(key string, env *envelope) {
    env.mu.Lock()
    if env.isRetired() {
        env.mu.Unlock()
        return
    }
    now := s.opts.Clock.Now()
    var reason ExpireReason
    switch {
    case now.Sub(env.started) > s.opts.MaxLifetime:
        reason = ExpireLifetime
    case now.Sub(env.lastActive) > s.opts.MaxIdle:
        reason = ExpireIdle
    }
    if reason != "" {
        env.mu.Unlock()
        if s.retire(key, env) {
            obsmetrics.TasksExpired.WithLabelValues(string(reason)).Inc()
            logutil.Debugf(s.log, "task %s expired (%s)", key, reason)
            if ex, ok := env.task.(Expirer); ok { ex.Expired(reason) }
        }
        return
    }

    env.restarts++
    obsmetrics.TaskRestarts.Inc()
    var out []packet.Message
    if r, ok := env.task.(Restartable); ok {
        out = r.Restart()
    } else {
        out = env.task.Start()
    }
    if th, ok := env.task.(Thresholdable); ok { out = th.Fix(out) }
    env.arm(s.opts.Clock, s.opts.RestartPeriod, func() { s.tick(key, env) })
    retired := env.isRetired()
    env.mu.Unlock()
    if !retired { s.send(out) }
}

func (s *Scheduler) send(msgs []packet.Message) {
    for _, m := range msgs {
        if err := s.opts.Sender.Send(m.To, m.Packet); err != nil {
            obsmetrics.SendErrors.Inc()
            s.sendLF.Warnf(s.log, "send %s to %s: %v", m.Packet.Type, m.To, err)
        }
    }
}

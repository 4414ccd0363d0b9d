package logutil

import (
    "os"
    "sync/atomic"
    "time"

    "go.uber.org/zap"
    "golang.org/x/time/rate"
)

var jsonMode atomic.Bool

func init() {
    if os.Getenv("GNS_LOG_JSON") == "1" || os.Getenv("GNS_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
}

func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// New builds a process logger named name. JSON encoding is used when enabled
// through SetJSON or GNS_LOG_JSON=1, console encoding otherwise.
func New(name string) *zap.Logger {
    var cfg zap.Config
    if jsonMode.Load() {
        cfg = zap.NewProductionConfig()
    } else {
        cfg = zap.NewDevelopmentConfig()
        cfg.DisableStacktrace = true
    }
    l, err := cfg.Build()
    if err != nil { return zap.NewNop() }
    if name == "" { return l }
    return l.Named(name)
}

func Debugf(l *zap.Logger, f string, args ...any) { sugar(l).Debugf(f, args...) }
func Infof(l *zap.Logger, f string, args ...any)  { sugar(l).Infof(f, args...) }
func Warnf(l *zap.Logger, f string, args ...any)  { sugar(l).Warnf(f, args...) }
func Errorf(l *zap.Logger, f string, args ...any) { sugar(l).Errorf(f, args...) }

func sugar(l *zap.Logger) *zap.SugaredLogger {
    if l == nil { l = zap.L() }
    return l.WithOptions(zap.AddCallerSkip(1)).Sugar()
}

// Filter drops log lines that exceed a rate, for paths that can fire once per
// packet (send failures, stale traffic).
type Filter struct {
    lim *rate.Limiter
}

// NewFilter allows one line per period with no burst.
func NewFilter(period time.Duration) *Filter {
    return &Filter{lim: rate.NewLimiter(rate.Every(period), 1)}
}

func (f *Filter) Warnf(l *zap.Logger, format string, args ...any) {
    if f == nil || f.lim.Allow() { sugar(l).Warnf(format, args...) }
}

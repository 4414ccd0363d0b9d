// Package httpjson is the management API over HTTP/JSON: status, health,
// metrics and the name operations (create, submit, read, reconfigure) plus
// registry joins.
package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"

    "github.com/billhu422/GNS/pkg/internal/logutil"
    "github.com/billhu422/GNS/pkg/observability/tracing"
    "github.com/billhu422/GNS/pkg/transport"
)

// Server is the management HTTP server of one node.
type Server struct {
    bind   string
    logger *zap.Logger
    tlsCfg *tls.Config

    mu  sync.Mutex
    srv *http.Server
    lis net.Listener
    wg  sync.WaitGroup
}

// NewServer binds to the given TCP address (e.g., ":24403").
func NewServer(bind string, logger *zap.Logger) *Server {
    if logger == nil { logger = zap.NewNop() }
    return &Server{bind: bind, logger: logger.Named("http")}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler returns the mux serving api.
func Handler(api transport.API) http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.status", "")
        defer end()
        data, err := api.Status(ctx)
        if err != nil { http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("/metrics", promhttp.Handler())
    mux.HandleFunc("/names", post("http.create", api.Create, func(resp *transport.CreateResponse, err error) { resp.Error = err.Error() }))
    mux.HandleFunc("/submit", post("http.submit", api.Submit, func(resp *transport.SubmitResponse, err error) { resp.Error = err.Error() }))
    mux.HandleFunc("/reconfigure", post("http.reconfigure", api.Reconfigure, func(resp *transport.ReconfigureResponse, err error) { resp.Error = err.Error() }))
    mux.HandleFunc("/join", post("http.join", api.Join, func(resp *transport.JoinResponse, err error) { resp.Error = err.Error() }))
    mux.HandleFunc("/read", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        name := r.URL.Query().Get("name")
        if name == "" { http.Error(w, "bad request: missing name", http.StatusBadRequest); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.read", name)
        defer end()
        resp, err := api.Read(ctx, name)
        if err != nil {
            resp.Error = err.Error()
            writeJSON(w, http.StatusNotFound, resp)
            return
        }
        writeJSON(w, http.StatusOK, resp)
    })
    return mux
}

// post decodes a Req body, calls fn and encodes its response. On error the
// response still goes out, with the message set by setErr.
func post[Req, Resp any](span string, fn func(context.Context, Req) (Resp, error), setErr func(*Resp, error)) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        var req Req
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), span, "")
        defer end()
        resp, err := fn(ctx, req)
        if err != nil {
            setErr(&resp, err)
            writeJSON(w, http.StatusInternalServerError, resp)
            return
        }
        writeJSON(w, http.StatusOK, resp)
    }
}

func writeJSON(w http.ResponseWriter, code int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    _ = json.NewEncoder(w).Encode(v)
}

// Start serves api until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context, api transport.API) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil { ln = tls.NewListener(ln, s.tlsCfg) }
    srv := &http.Server{Handler: Handler(api), ReadHeaderTimeout: 5 * time.Second}

    s.mu.Lock()
    s.srv, s.lis = srv, ln
    s.mu.Unlock()

    done := s.closed(srv)
    s.wg.Add(2)
    go func() {
        defer s.wg.Done()
        select {
        case <-ctx.Done():
            _ = s.shutdown(context.Background(), srv)
        case <-done:
        }
    }()
    go func() {
        defer s.wg.Done()
        if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
            logutil.Errorf(s.logger, "server error: %v", err)
        }
    }()
    logutil.Infof(s.logger, "management API listening on %s", ln.Addr())
    return nil
}

// closed returns a channel closed once srv shut down.
func (s *Server) closed(srv *http.Server) <-chan struct{} {
    ch := make(chan struct{})
    var once sync.Once
    srv.RegisterOnShutdown(func() { once.Do(func() { close(ch) }) })
    return ch
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    var err error
    if srv != nil { err = s.shutdown(ctx, srv) }
    s.wg.Wait()
    return err
}

func (s *Server) shutdown(ctx context.Context, srv *http.Server) error {
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}

var _ transport.RPCServer = (*Server)(nil)

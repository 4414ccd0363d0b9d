// Package tlsconfig builds the TLS configs shared by the replica transport
// and the management API.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

const defaultReload = 10 * time.Second

// Options defines mTLS configuration inputs.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
    // Reload is how long a certificate loaded by the hot-reload configs is
    // reused before being read again. Default 10s.
    Reload time.Duration
}

func loadPool(file string) (*x509.CertPool, error) {
    ca, err := os.ReadFile(file)
    if err != nil { return nil, err }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(ca) { return nil, fmt.Errorf("tls: no certificates in %s", file) }
    return pool, nil
}

// Server returns a tls.Config for servers if enabled, otherwise nil.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" {
        return nil, errors.New("tls: server cert/key required when TLS enabled")
    }
    cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
    if err != nil { return nil, err }
    cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
    if err := o.requireClients(cfg); err != nil { return nil, err }
    return cfg, nil
}

func (o Options) requireClients(cfg *tls.Config) error {
    if o.CAFile == "" { return nil }
    pool, err := loadPool(o.CAFile)
    if err != nil { return err }
    cfg.ClientCAs = pool
    cfg.ClientAuth = tls.RequireAndVerifyClientCert
    return nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
    cfg, err := o.clientBase()
    if cfg == nil || err != nil { return nil, err }
    if o.CertFile != "" && o.KeyFile != "" {
        cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
        if err != nil { return nil, err }
        cfg.Certificates = []tls.Certificate{cert}
    }
    return cfg, nil
}

func (o Options) clientBase() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify, MinVersion: tls.VersionTLS12} //nolint:gosec
    if o.ServerName != "" { cfg.ServerName = o.ServerName }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    return cfg, nil
}

// reloader caches a key pair and reads it again once it is older than ttl,
// so rotated certificates are picked up without a restart.
type reloader struct {
    cert, key string
    ttl       time.Duration

    mu       sync.RWMutex
    cached   *tls.Certificate
    lastLoad time.Time
}

func (r *reloader) load() (*tls.Certificate, error) {
    r.mu.RLock()
    if r.cached != nil && time.Since(r.lastLoad) < r.ttl {
        c := r.cached
        r.mu.RUnlock()
        return c, nil
    }
    r.mu.RUnlock()
    cert, err := tls.LoadX509KeyPair(r.cert, r.key)
    if err != nil { return nil, err }
    r.mu.Lock()
    r.cached, r.lastLoad = &cert, time.Now()
    r.mu.Unlock()
    return &cert, nil
}

func (o Options) reloader() *reloader {
    ttl := o.Reload
    if ttl <= 0 { ttl = defaultReload }
    return &reloader{cert: o.CertFile, key: o.KeyFile, ttl: ttl}
}

// ServerHotReload returns a server tls.Config that loads its certificate on
// handshake. The CA pool is loaded once.
func (o Options) ServerHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" {
        return nil, errors.New("tls: server cert/key required when TLS enabled")
    }
    r := o.reloader()
    if _, err := r.load(); err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    if err := o.requireClients(cfg); err != nil { return nil, err }
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return r.load() }
    return cfg, nil
}

// ClientHotReload returns a client tls.Config that loads its client
// certificate on demand. CA roots are loaded once.
func (o Options) ClientHotReload() (*tls.Config, error) {
    cfg, err := o.clientBase()
    if cfg == nil || err != nil { return nil, err }
    if o.CertFile == "" || o.KeyFile == "" { return cfg, nil }
    r := o.reloader()
    cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return r.load() }
    return cfg, nil
}

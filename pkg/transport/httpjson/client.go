package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "time"

    "github.com/google/uuid"

    "github.com/billhu422/GNS/pkg/transport"
)

const attempts = 3

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and retries with backoff when the node is unreachable.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

// Close drops idle keep-alive connections.
func (c *Client) Close() { c.transport.CloseIdleConnections() }

// APIError is an error reported by the remote node, as opposed to a failure
// to reach it.
type APIError struct {
    Status  int
    Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("status %d: %s", e.Status, e.Message) }

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// do sends the request built by mk, retrying transport errors and 5xx
// gateway codes. Any other status is final.
func (c *Client) do(ctx context.Context, mk func() (*http.Request, error)) ([]byte, error) {
    var lastErr error
    for attempt := 0; attempt < attempts; attempt++ {
        req, err := mk()
        if err != nil { return nil, err }
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            b, rerr := io.ReadAll(resp.Body)
            _ = resp.Body.Close()
            switch {
            case rerr != nil:
                lastErr = rerr
            case resp.StatusCode == http.StatusOK:
                return b, nil
            case resp.StatusCode == http.StatusBadGateway, resp.StatusCode == http.StatusServiceUnavailable, resp.StatusCode == http.StatusGatewayTimeout:
                lastErr = &APIError{Status: resp.StatusCode, Message: string(b)}
            default:
                return b, &APIError{Status: resp.StatusCode, Message: string(bytes.TrimSpace(b))}
            }
        }
        if attempt == attempts-1 { break }
        select {
        case <-ctx.Done():
            return nil, ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return nil, lastErr
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
    return c.do(ctx, func() (*http.Request, error) { return http.NewRequestWithContext(ctx, http.MethodGet, u, nil) })
}

// postJSON posts in and decodes the reply into out. A remote error carried in
// the body's error field replaces the bare status error.
func postJSON[Resp any](ctx context.Context, c *Client, u string, in any, errOf func(Resp) string) (Resp, error) {
    var out Resp
    body, err := json.Marshal(in)
    if err != nil { return out, err }
    b, err := c.do(ctx, func() (*http.Request, error) {
        req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
        if err != nil { return nil, err }
        req.Header.Set("Content-Type", "application/json")
        return req, nil
    })
    return decode(b, err, &out, errOf)
}

func decode[Resp any](b []byte, err error, out *Resp, errOf func(Resp) string) (Resp, error) {
    if len(b) > 0 { _ = json.Unmarshal(b, out) }
    var apiErr *APIError
    if errors.As(err, &apiErr) {
        if msg := errOf(*out); msg != "" { apiErr.Message = msg }
        return *out, apiErr
    }
    return *out, err
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    return c.get(ctx, c.url(addr, "/status"))
}

func (c *Client) PostCreate(ctx context.Context, addr string, req transport.CreateRequest) (transport.CreateResponse, error) {
    return postJSON(ctx, c, c.url(addr, "/names"), req, func(r transport.CreateResponse) string { return r.Error })
}

// PostSubmit assigns a request id when req has none so retries stay
// idempotent.
func (c *Client) PostSubmit(ctx context.Context, addr string, req transport.SubmitRequest) (transport.SubmitResponse, error) {
    if req.RequestID == "" { req.RequestID = uuid.NewString() }
    return postJSON(ctx, c, c.url(addr, "/submit"), req, func(r transport.SubmitResponse) string { return r.Error })
}

func (c *Client) GetRead(ctx context.Context, addr, name string) (transport.ReadResponse, error) {
    var out transport.ReadResponse
    b, err := c.get(ctx, c.url(addr, "/read?name="+url.QueryEscape(name)))
    return decode(b, err, &out, func(r transport.ReadResponse) string { return r.Error })
}

func (c *Client) PostReconfigure(ctx context.Context, addr string, req transport.ReconfigureRequest) (transport.ReconfigureResponse, error) {
    return postJSON(ctx, c, c.url(addr, "/reconfigure"), req, func(r transport.ReconfigureResponse) string { return r.Error })
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    return postJSON(ctx, c, c.url(addr, "/join"), req, func(r transport.JoinResponse) string { return r.Error })
}

var _ transport.RPCClient = (*Client)(nil)

package wafproxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxUpstreamBody bounds how much of an upstream response is buffered.
const maxUpstreamBody = 64 << 20

// Hop-by-hop headers, never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Upstream is where a domain's traffic goes and how the Host header is set.
type Upstream struct {
	URL          *url.URL
	VerifySSL    bool
	PreserveHost bool
	HostOverride string
}

// ParseUpstream parses an http or https upstream URL.
func ParseUpstream(raw string, verifySSL, preserveHost bool, hostOverride string) (*Upstream, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse upstream %q: %w", raw, err)
	}
	if _, err := PoolKeyFor(u, verifySSL); err != nil {
		return nil, err
	}
	return &Upstream{URL: u, VerifySSL: verifySSL, PreserveHost: preserveHost, HostOverride: hostOverride}, nil
}

// ProxyResponse is the upstream reply, or a synthetic 502 when Err is set.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

// WriteResponse copies the response to w.
func (pr *ProxyResponse) WriteResponse(w http.ResponseWriter) error {
	for k, vv := range pr.Header {
		w.Header()[k] = append([]string(nil), vv...)
	}
	w.WriteHeader(pr.StatusCode)
	_, err := w.Write(pr.Body)
	return err
}

// ProxyClient forwards permitted requests upstream over pooled or ad-hoc
// HTTP/1.1 connections.
type ProxyClient struct {
	pools       *PoolManager
	dial        dialFunc
	readTimeout time.Duration
	metrics     *Metrics
	logger      *zap.Logger
}

// NewProxyClient creates a client. A nil pool manager means every request
// uses a fresh connection.
func NewProxyClient(pools *PoolManager, logger *zap.Logger, metrics *Metrics) *ProxyClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := DefaultPoolConfig()
	if pools != nil {
		cfg = pools.Config()
	}
	return &ProxyClient{
		pools:       pools,
		dial:        newDialer(cfg.ConnectTimeout),
		readTimeout: cfg.ReadTimeout,
		metrics:     metrics,
		logger:      logger,
	}
}

// Forward sends r with body to the upstream and returns its status, headers
// and body. Transport failures come back as a 502 with a JSON body; the
// connection is always returned to its pool or closed.
func (c *ProxyClient) Forward(ctx context.Context, r *http.Request, body []byte, up *Upstream) *ProxyResponse {
	if up == nil || up.URL == nil {
		return c.gatewayError(r, errors.New("no upstream configured"))
	}
	key, err := PoolKeyFor(up.URL, up.VerifySSL)
	if err != nil {
		return c.gatewayError(r, err)
	}

	conn, err := c.acquire(ctx, key)
	if err != nil {
		return c.gatewayError(r, err)
	}
	resp, err := c.exchange(ctx, conn, r, body, up)
	if err != nil && conn.reused && ctx.Err() == nil && retryable(r.Method, err) {
		// The upstream closed an idle keep-alive connection before answering.
		c.logger.Debug("Reused upstream connection failed, retrying on a new one",
			zap.String("upstream", key.String()), zap.Error(err))
		if conn, err = c.dialAdhoc(ctx, key); err != nil {
			return c.gatewayError(r, err)
		}
		resp, err = c.exchange(ctx, conn, r, body, up)
	}
	if err != nil {
		return c.gatewayError(r, err)
	}
	return resp
}

func (c *ProxyClient) acquire(ctx context.Context, key PoolKey) (*PooledConn, error) {
	if c.pools == nil {
		return c.dialAdhoc(ctx, key)
	}
	pool, err := c.pools.GetPool(key)
	if err != nil {
		return c.dialAdhoc(ctx, key)
	}
	conn, err := pool.Acquire(ctx)
	switch {
	case err == nil:
		return conn, nil
	case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrPoolClosed):
		return c.dialAdhoc(ctx, key)
	default:
		return nil, err
	}
}

func (c *ProxyClient) dialAdhoc(ctx context.Context, key PoolKey) (*PooledConn, error) {
	raw, err := c.dial(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", key.Addr(), err)
	}
	now := time.Now()
	return &PooledConn{Conn: raw, br: bufio.NewReader(raw), key: key, createdAt: now, lastUsed: now}, nil
}

// exchange runs one request/response on conn and always hands conn back.
func (c *ProxyClient) exchange(ctx context.Context, conn *PooledConn, r *http.Request, body []byte, up *Upstream) (_ *ProxyResponse, err error) {
	keep := false
	defer func() {
		switch {
		case conn.pool == nil:
			conn.Conn.Close()
		case keep && err == nil:
			conn.pool.Release(conn)
		default:
			conn.pool.Discard(conn)
		}
	}()

	deadline := time.Now().Add(c.readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	out := outboundRequest(ctx, r, body, up)
	if err := out.Write(conn); err != nil {
		return nil, &noResponseError{err: fmt.Errorf("write request: %w", err)}
	}
	if _, err := conn.br.Peek(1); err != nil {
		return nil, &noResponseError{err: fmt.Errorf("read response: %w", err)}
	}
	resp, err := http.ReadResponse(conn.br, out)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if len(data) > maxUpstreamBody {
		return nil, fmt.Errorf("upstream response body exceeds %d bytes", maxUpstreamBody)
	}
	keep = !resp.Close
	if keep {
		_ = conn.SetDeadline(time.Time{})
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)
	return &ProxyResponse{StatusCode: resp.StatusCode, Header: header, Body: data}, nil
}

// outboundRequest copies r for the upstream: every header except Host and
// hop-by-hop ones, Host set per the upstream policy, and X-Forwarded-*.
func outboundRequest(ctx context.Context, r *http.Request, body []byte, up *Upstream) *http.Request {
	target := *up.URL
	target.Path = singleJoiningSlash(up.URL.Path, r.URL.Path)
	target.RawPath = ""
	if up.URL.RawQuery != "" && r.URL.RawQuery != "" {
		target.RawQuery = up.URL.RawQuery + "&" + r.URL.RawQuery
	} else {
		target.RawQuery = up.URL.RawQuery + r.URL.RawQuery
	}

	out := &http.Request{
		Method:     r.Method,
		URL:        &target,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     r.Header.Clone(),
		Host:       upstreamHost(r, up),
	}
	if out.Header == nil {
		out.Header = http.Header{}
	}
	for _, h := range strings.Split(r.Header.Get("Connection"), ",") {
		if h = strings.TrimSpace(h); h != "" {
			out.Header.Del(h)
		}
	}
	removeHopHeaders(out.Header)
	out.Header.Del("Host")
	if _, ok := out.Header["User-Agent"]; !ok {
		// Keep net/http from adding its own User-Agent.
		out.Header["User-Agent"] = []string{""}
	}

	if ip := extractIP(r.RemoteAddr); ip != "" {
		if prior := r.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			out.Header.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+ip)
		} else {
			out.Header.Set("X-Forwarded-For", ip)
		}
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
	out.Header.Set("X-Forwarded-Host", r.Host)

	out.ContentLength = int64(len(body))
	if len(body) > 0 {
		out.Body = io.NopCloser(bytes.NewReader(body))
	}
	return out.WithContext(ctx)
}

func upstreamHost(r *http.Request, up *Upstream) string {
	switch {
	case up.HostOverride != "":
		return up.HostOverride
	case up.PreserveHost && r.Host != "":
		return r.Host
	default:
		return up.URL.Host
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && b != "":
		return a + "/" + b
	}
	return a + b
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// gatewayError converts a transport failure into a 502.
func (c *ProxyClient) gatewayError(r *http.Request, err error) *ProxyResponse {
	c.metrics.incUpstreamErrors()
	c.logger.Error("Upstream request failed",
		zap.String("method", r.Method),
		zap.String("host", r.Host),
		zap.String("path", r.URL.Path),
		zap.Bool("timeout", isTimeout(err)),
		zap.Error(err))

	body, _ := json.Marshal(map[string]string{
		"error":   "Bad Gateway",
		"message": "upstream unavailable: " + err.Error(),
	})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &ProxyResponse{StatusCode: http.StatusBadGateway, Header: h, Body: body, Err: err}
}

// noResponseError marks an exchange that failed before any response byte
// arrived.
type noResponseError struct{ err error }

func (e *noResponseError) Error() string { return e.err.Error() }
func (e *noResponseError) Unwrap() error { return e.err }

// retryable reports whether a failed exchange on a reused connection may be
// sent again: the upstream sent nothing back, it did not time out, and the
// method is idempotent.
func retryable(method string, err error) bool {
	var nr *noResponseError
	if !errors.As(err, &nr) || isTimeout(err) {
		return false
	}
	switch method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Package upstream implements the upstream pool: one keep-alive HTTP
// client per declared downstream service, each call guarded by a
// pkg/circuitbreaker.Breaker.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/cartofabric/fabric/internal/apperr"
	"github.com/cartofabric/fabric/pkg/circuitbreaker"
)

// Names are the declared upstream services.
const (
	Gateway      = "gateway"
	Identity     = "identity"
	Health       = "health"
	Metrics      = "metrics"
	Assistant    = "assistant"
	Notification = "notification"
)

// warmUpPaths are probed in order; warm-up stops at the first non-5xx.
var warmUpPaths = []string{"/health", "/healthz", "/api/health", "/"}

// Request describes an outbound call through the pool.
type Request struct {
	Method  string
	Path    string
	Params  url.Values
	Body    []byte
	Headers http.Header
	Timeout time.Duration
}

// Response is the normalized result of a successful round trip.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

type registered struct {
	baseURL string
	client  *http.Client
}

// Pool holds one *http.Client per upstream name plus the circuit breaker
// registry guarding all of them.
type Pool struct {
	logger   *slog.Logger
	breakers *circuitbreaker.Registry

	mu       sync.RWMutex
	upstreams map[string]*registered
}

// NewPool builds an empty pool. Call Register then InitializeAll.
func NewPool(logger *slog.Logger, breakers *circuitbreaker.Registry) *Pool {
	return &Pool{
		logger:    logger,
		breakers:  breakers,
		upstreams: make(map[string]*registered),
	}
}

// Register records a declared upstream and its base URL.
func (p *Pool) Register(name, baseURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upstreams[name] = &registered{baseURL: baseURL}
}

// InitializeAll constructs a tuned http.Client for every registered
// upstream: connect 5s, read 30s, write 10s, pool-acquire 5s, max
// keep-alive 20, max total 100, keep-alive 30s; HTTP/2 when supported.
func (p *Pool) InitializeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, r := range p.upstreams {
		transport := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       30 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		if err := http2.ConfigureTransport(transport); err != nil {
			p.logger.Warn("http2 not available for upstream, continuing over HTTP/1.1", "upstream", name, "error", err)
		}

		r.client = &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second, // overall read deadline; write/pool-acquire are transport-level
		}
	}
	return nil
}

// WarmUpAll issues a best-effort GET against each warm-up path for every
// upstream, stopping at the first non-5xx response. Failures are logged,
// never fatal.
func (p *Pool) WarmUpAll(ctx context.Context) {
	p.mu.RLock()
	names := make([]string, 0, len(p.upstreams))
	for name := range p.upstreams {
		names = append(names, name)
	}
	p.mu.RUnlock()

	for _, name := range names {
		p.warmUpOne(ctx, name)
	}
}

func (p *Pool) warmUpOne(ctx context.Context, name string) {
	p.mu.RLock()
	r, ok := p.upstreams[name]
	p.mu.RUnlock()
	if !ok || r.client == nil {
		return
	}

	for _, path := range warmUpPaths {
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, r.baseURL+path, nil)
		if err != nil {
			cancel()
			continue
		}
		resp, err := r.client.Do(req)
		cancel()
		if err != nil {
			p.logger.Warn("warm-up request failed", "upstream", name, "path", path, "error", err)
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode < 500 {
			return
		}
		p.logger.Warn("warm-up path returned 5xx", "upstream", name, "path", path, "status", resp.StatusCode)
	}
	p.logger.Warn("warm-up exhausted all paths without success", "upstream", name)
}

// Request routes a call through the named upstream's circuit breaker.
// connect_error/timeout outcomes record a circuit failure; any other
// non-2xx response is an upstream application error and does not affect
// the circuit.
func (p *Pool) Request(ctx context.Context, name string, r Request) (*Response, error) {
	p.mu.RLock()
	up, ok := p.upstreams[name]
	p.mu.RUnlock()
	if !ok || up.client == nil {
		return nil, apperr.New(apperr.Misconfiguration, fmt.Sprintf("upstream %q not registered", name))
	}

	breaker := p.breakers.Get(name)
	if err := breaker.Allow(); err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "circuit open for upstream "+name, err)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := up.baseURL + r.Path
	if len(r.Params) > 0 {
		target += "?" + r.Params.Encode()
	}

	var bodyReader io.Reader
	if r.Body != nil {
		bodyReader = bytes.NewReader(r.Body)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, r.Method, target, bodyReader)
	if err != nil {
		return nil, apperr.Wrap(apperr.Misconfiguration, "building upstream request", err)
	}
	if r.Headers != nil {
		httpReq.Header = r.Headers.Clone()
	}

	resp, err := up.client.Do(httpReq)
	if err != nil {
		breaker.RecordFailure()
		kind := apperr.UpstreamUnavailable
		if reqCtx.Err() == context.DeadlineExceeded {
			kind = apperr.UpstreamTimeout
		}
		return nil, apperr.Wrap(kind, "calling upstream "+name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		breaker.RecordFailure()
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "reading upstream response", err)
	}

	breaker.RecordSuccess()
	return &Response{StatusCode: resp.StatusCode, Body: data, Headers: resp.Header.Clone()}, nil
}

// CloseAll gracefully closes idle connections for every upstream.
func (p *Pool) CloseAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, r := range p.upstreams {
		if r.client != nil {
			r.client.CloseIdleConnections()
		}
	}
}

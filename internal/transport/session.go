// Package transport issues HTTP requests and exposes their responses as
// incrementally readable byte streams.
package transport

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ossx/ossx/internal/logging"
	"github.com/ossx/ossx/internal/observability"
)

// ChunkSize is the default transport read size.
const ChunkSize = 8 * 1024

// UserAgent is sent when the caller does not set one.
const UserAgent = "ossx-go/1.0"

// Doer executes a single HTTP exchange. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DoerFunc adapts a function to Doer.
type DoerFunc func(req *http.Request) (*http.Response, error)

// Do calls f(req).
func (f DoerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Session dispatches requests over one connection-pooled client. It is safe
// for concurrent use; every PendingResponse it returns is owned by one caller.
type Session struct {
	doer      Doer
	timeout   time.Duration
	chunkSize int
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithDoer replaces the pooled http.Client, e.g. with a test double.
func WithDoer(d Doer) SessionOption {
	return func(s *Session) { s.doer = d }
}

// WithRequestTimeout bounds each exchange, body included.
func WithRequestTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.timeout = d }
}

// WithChunkSize sets the transport read size.
func WithChunkSize(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) SessionOption {
	return func(s *Session) { s.logger = logging.OrNop(l) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// NewSession creates a session whose pool holds at most poolSize connections
// per host.
func NewSession(poolSize int, connectTimeout time.Duration, opts ...SessionOption) *Session {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          poolSize,
		MaxIdleConnsPerHost:   poolSize,
		MaxConnsPerHost:       poolSize,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}

	s := &Session{
		doer:      &http.Client{Transport: tr},
		chunkSize: ChunkSize,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Do returns a PendingResponse for req. No I/O happens until the response is
// awaited or read.
func (s *Session) Do(req *http.Request) *PendingResponse {
	return newPendingResponse(s, req)
}

// Request describes one outgoing call before signing.
type Request struct {
	Method        string
	URL           string
	Header        http.Header
	Body          io.Reader
	ContentLength int64 // -1 when unknown
	AppName       string
}

// Build converts r into an *http.Request with the client's default headers.
// The returned request carries a background context; the session attaches the
// caller's context when it is awaited.
func (r *Request) Build() (*http.Request, error) {
	req, err := http.NewRequest(r.Method, r.URL, r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if r.Body != nil {
		req.ContentLength = r.ContentLength
		if r.ContentLength == 0 {
			req.Body = http.NoBody
		}
	}

	// Transparent compression would change the bytes the CRC is computed over.
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	if req.Header.Get("User-Agent") == "" {
		ua := UserAgent
		if r.AppName != "" {
			ua += "/" + r.AppName
		}
		req.Header.Set("User-Agent", ua)
	}
	return req, nil
}

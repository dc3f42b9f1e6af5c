// Package client implements object operations against one bucket.
package client

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ossx/ossx/internal/auth"
	"github.com/ossx/ossx/internal/config"
	errs "github.com/ossx/ossx/internal/errors"
	"github.com/ossx/ossx/internal/logging"
	"github.com/ossx/ossx/internal/observability"
	"github.com/ossx/ossx/internal/transport"
)

// Bucket issues object operations against a single bucket. It is safe for
// concurrent use; every result it returns belongs to the caller.
type Bucket struct {
	name      string
	endpoint  *url.URL
	pathStyle bool
	appName   string
	signer    auth.Signer
	session   *transport.Session

	enableCRC         bool
	framesPerProgress int
	maxRetries        int
	retryBase         time.Duration

	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures a Bucket.
type Option func(*Bucket)

// WithSession shares a transport session between buckets.
func WithSession(s *transport.Session) Option {
	return func(b *Bucket) { b.session = s }
}

// WithLogger sets the bucket logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bucket) { b.logger = logging.OrNop(l) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bucket) { b.metrics = m }
}

// WithRetryBase sets the first retry backoff; later ones double.
func WithRetryBase(d time.Duration) Option {
	return func(b *Bucket) { b.retryBase = d }
}

// NewBucket creates a handle for bucket name. cfg supplies the endpoint,
// addressing style, transfer and retry settings.
func NewBucket(cfg *config.Config, name string, signer auth.Signer, opts ...Option) (*Bucket, error) {
	if name == "" {
		return nil, errs.NewClientError(errs.CodeInvalidArgument, "bucket name must not be empty")
	}
	endpoint, err := cfg.EndpointURL()
	if err != nil {
		return nil, errs.Wrap(errs.ErrCategoryClient, errs.CodeInvalidArgument, "invalid endpoint", err)
	}
	if signer == nil {
		signer = auth.Anonymous{}
	}

	b := &Bucket{
		name:              name,
		endpoint:          endpoint,
		pathStyle:         cfg.PathStyle,
		appName:           cfg.AppName,
		signer:            signer,
		enableCRC:         cfg.Transfer.EnableCRC,
		framesPerProgress: cfg.Transfer.FramesPerProgress,
		maxRetries:        cfg.HTTP.MaxRetries,
		retryBase:         100 * time.Millisecond,
		logger:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.session == nil {
		b.session = transport.NewSession(cfg.HTTP.PoolSize, cfg.HTTP.ConnectTimeout,
			transport.WithRequestTimeout(cfg.HTTP.RequestTimeout),
			transport.WithChunkSize(cfg.Transfer.ChunkSize),
			transport.WithLogger(b.logger),
			transport.WithMetrics(b.metrics))
	}
	b.logger = b.logger.With(zap.String("bucket", name))
	return b, nil
}

// Open builds the signer described by cfg and returns a handle for
// cfg.Bucket.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Bucket, error) {
	signer, err := auth.New(ctx, cfg.Credentials)
	if err != nil {
		return nil, errs.Wrap(errs.ErrCategoryClient, errs.CodeInvalidArgument, "failed to create signer", err)
	}
	return NewBucket(cfg, cfg.Bucket, signer, opts...)
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// call describes one request before it is built and signed.
type call struct {
	method        string
	key           string
	query         url.Values
	header        http.Header
	body          io.Reader
	contentLength int64
}

// send builds, signs and dispatches c. No I/O happens until the returned
// response is awaited.
func (b *Bucket) send(ctx context.Context, c call) (*transport.PendingResponse, error) {
	req, err := (&transport.Request{
		Method:        c.method,
		URL:           b.objectURL(c.key, c.query),
		Header:        c.header,
		Body:          c.body,
		ContentLength: c.contentLength,
		AppName:       b.appName,
	}).Build()
	if err != nil {
		return nil, errs.Wrap(errs.ErrCategoryClient, errs.CodeInvalidArgument, "failed to build request", err)
	}
	if err := b.signer.Sign(ctx, req, b.name, c.key); err != nil {
		return nil, errs.Wrap(errs.ErrCategoryClient, errs.CodeInvalidArgument, "failed to sign request", err)
	}
	return b.session.Do(req), nil
}

// objectURL addresses key in the bucket, virtual-host style unless path
// style is configured. An empty key addresses the bucket itself.
func (b *Bucket) objectURL(key string, query url.Values) string {
	u := *b.endpoint
	var p string
	if b.pathStyle {
		p = "/" + b.name + "/" + key
	} else {
		u.Host = b.name + "." + u.Host
		p = "/" + key
	}
	u.Path = p
	u.RawPath = escapeKeyPath(p)
	u.RawQuery = encodeQuery(query)
	return u.String()
}

func escapeKeyPath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// encodeQuery renders sub-resources without a value as a bare key, e.g.
// "acl" rather than "acl=".
func encodeQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			if v != "" {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
	}
	return b.String()
}

func requireKey(key string) error {
	if key == "" {
		return errs.NewClientError(errs.CodeInvalidArgument, "object key must not be empty")
	}
	return nil
}

// contentType guesses the MIME type from the key's extension.
func contentType(key string) string {
	if t := mime.TypeByExtension(path.Ext(key)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func mergeHeader(dst, src http.Header) http.Header {
	if dst == nil {
		dst = http.Header{}
	}
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	return dst
}

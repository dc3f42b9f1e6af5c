package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	errs "github.com/ossx/ossx/internal/errors"
)

const (
	// HeaderRequestID carries the server-assigned request id.
	HeaderRequestID = "x-oss-request-id"
	// HeaderErr carries a base64 error document for bodiless error responses.
	HeaderErr = "x-oss-err"

	errorBodyLimit = 4096
)

// PendingResponse is one in-flight HTTP exchange. Status, Header and
// RequestID are populated by the first successful Await. The body is consumed
// through ReadN, ReadAll or NextChunk; transport chunk boundaries never cause
// a short ReadN unless the body is exhausted.
//
// A PendingResponse is owned by exactly one caller, which must Close it.
type PendingResponse struct {
	Status    int
	Header    http.Header
	RequestID string
	// TraceID is a client-side id that ties log lines of one exchange together.
	TraceID string

	session *Session
	req     *http.Request

	awaitMu  sync.Mutex
	awaited  bool
	awaitErr error

	resp   *http.Response
	body   io.ReadCloser
	cancel context.CancelFunc

	buf       []byte
	exhausted bool
	finished  bool
	closed    bool
}

func newPendingResponse(s *Session, req *http.Request) *PendingResponse {
	return &PendingResponse{
		session: s,
		req:     req,
		TraceID: uuid.NewString(),
	}
}

// Await performs the exchange if it has not happened yet and returns p once
// headers have arrived. A non-2xx status yields a *errors.ServerError. Calling
// Await again returns the same outcome without further I/O.
//
// ctx bounds the whole exchange, including later body reads.
func (p *PendingResponse) Await(ctx context.Context) (*PendingResponse, error) {
	p.awaitMu.Lock()
	defer p.awaitMu.Unlock()

	if p.awaited {
		return p, p.awaitErr
	}
	p.awaited = true
	p.awaitErr = p.send(ctx)
	return p, p.awaitErr
}

func (p *PendingResponse) send(ctx context.Context) error {
	s := p.session
	log := s.logger.With(zap.String("trace_id", p.TraceID))

	if s.timeout > 0 {
		ctx, p.cancel = context.WithTimeout(ctx, s.timeout)
	} else {
		ctx, p.cancel = context.WithCancel(ctx)
	}

	log.Debug("send request",
		zap.String("method", p.req.Method),
		zap.String("url", p.req.URL.Redacted()),
		zap.Int64("content_length", p.req.ContentLength))

	resp, err := s.doer.Do(p.req.WithContext(ctx))
	if err != nil {
		s.metrics.ObserveRequest(p.req.Method, 0)
		p.cancel()
		p.finished = true
		p.closed = true
		return classifyTransportError(errs.CodeConnection, "request failed", err)
	}

	p.resp = resp
	p.body = resp.Body
	p.Status = resp.StatusCode
	p.Header = resp.Header
	p.RequestID = resp.Header.Get(HeaderRequestID)
	runtime.SetFinalizer(p, (*PendingResponse).reap)
	s.metrics.ObserveRequest(p.req.Method, p.Status)

	if p.Status/100 != 2 {
		e := p.makeServerError(ctx)
		log.Info("server error",
			zap.String("request_id", p.RequestID),
			zap.Int("status", e.Status),
			zap.String("code", e.Code),
			zap.String("message", e.Message))
		_ = p.Close()
		return e
	}

	// An empty body is drained right away so the connection returns to the
	// pool even if the caller never reads.
	if resp.ContentLength == 0 {
		if _, err := p.readAll(ctx); err != nil {
			return err
		}
	}

	log.Debug("response headers",
		zap.String("request_id", p.RequestID),
		zap.Int("status", p.Status),
		zap.Int64("content_length", resp.ContentLength))
	return nil
}

// makeServerError reads at most errorBodyLimit bytes of the error document.
func (p *PendingResponse) makeServerError(ctx context.Context) *errs.ServerError {
	body, _ := p.readN(ctx, errorBodyLimit)
	if len(body) == 0 {
		if h := p.Header.Get(HeaderErr); h != "" {
			if decoded, err := base64.StdEncoding.DecodeString(h); err == nil {
				return errs.NewServerError(p.Status, p.Header, decoded)
			}
		}
	}
	return errs.NewServerError(p.Status, p.Header, body)
}

// ContentLength returns the declared body length, or -1 when unknown.
func (p *PendingResponse) ContentLength() int64 {
	if p.resp == nil {
		return -1
	}
	return p.resp.ContentLength
}

// Finished reports whether the body has been fully consumed.
func (p *PendingResponse) Finished() bool {
	return p.finished
}

// ReadN returns exactly n bytes, fewer only when the body ends first. n < 0
// returns everything that remains. Once the body is finished ReadN returns an
// empty slice without touching the transport. A failed exchange keeps
// returning the error Await reported.
func (p *PendingResponse) ReadN(ctx context.Context, n int) ([]byte, error) {
	if _, err := p.Await(ctx); err != nil {
		return nil, err
	}
	if p.finished {
		return []byte{}, nil
	}
	if n < 0 {
		return p.readAll(ctx)
	}
	return p.readN(ctx, n)
}

// ReadAll returns the remaining body.
func (p *PendingResponse) ReadAll(ctx context.Context) ([]byte, error) {
	return p.ReadN(ctx, -1)
}

// NextChunk returns the next piece of the body as delivered by the transport,
// after any bytes already buffered by ReadN. It returns io.EOF at the end.
func (p *PendingResponse) NextChunk(ctx context.Context) ([]byte, error) {
	if _, err := p.Await(ctx); err != nil {
		return nil, err
	}
	if p.finished {
		return nil, io.EOF
	}
	if len(p.buf) > 0 {
		out := p.buf
		p.buf = nil
		if p.exhausted {
			p.finished = true
		}
		return out, nil
	}
	for !p.exhausted {
		chunk, err := p.pull(ctx)
		if err != nil {
			return nil, err
		}
		if len(chunk) > 0 {
			return chunk, nil
		}
	}
	p.finished = true
	return nil, io.EOF
}

func (p *PendingResponse) readN(ctx context.Context, n int) ([]byte, error) {
	if len(p.buf) < n {
		for len(p.buf) <= n && !p.exhausted {
			chunk, err := p.pull(ctx)
			if err != nil {
				return nil, err
			}
			p.buf = append(p.buf, chunk...)
		}
	}

	take := n
	if take > len(p.buf) {
		take = len(p.buf)
	}
	out := make([]byte, take)
	copy(out, p.buf)
	p.buf = p.buf[take:]
	if len(p.buf) == 0 {
		p.buf = nil
		if p.exhausted {
			p.finished = true
		}
	}
	return out, nil
}

func (p *PendingResponse) readAll(ctx context.Context) ([]byte, error) {
	out := p.buf
	p.buf = nil
	for !p.exhausted {
		chunk, err := p.pull(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	p.finished = true
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// pull reads one transport chunk. It returns an empty chunk and marks the
// body exhausted at end of stream.
func (p *PendingResponse) pull(ctx context.Context) ([]byte, error) {
	if p.body == nil || p.closed {
		p.exhausted = true
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, classifyTransportError(errs.CodeBodyRead, "body read aborted", err)
	}

	// Closing the body is the only way to interrupt a blocked Read.
	stop := context.AfterFunc(ctx, func() { _ = p.body.Close() })
	defer stop()

	buf := make([]byte, p.session.chunkSize)
	for {
		n, err := p.body.Read(buf)
		if n > 0 {
			p.session.metrics.AddReceived(n)
			if err == io.EOF {
				p.markExhausted()
			}
			return buf[:n], nil
		}
		if err == io.EOF {
			p.markExhausted()
			return nil, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return nil, classifyTransportError(errs.CodeBodyRead, "body read failed", err).WithRequestID(p.RequestID)
		}
	}
}

func (p *PendingResponse) markExhausted() {
	p.exhausted = true
	// Reading to EOF and closing hands the connection back to the pool.
	_ = p.closeBody()
}

func (p *PendingResponse) closeBody() error {
	if p.closed || p.body == nil {
		p.closed = true
		return nil
	}
	p.closed = true
	return p.body.Close()
}

// Close releases the connection. It is safe to call more than once and on a
// response that was never awaited.
func (p *PendingResponse) Close() error {
	err := p.closeBody()
	if p.cancel != nil {
		p.cancel()
	}
	runtime.SetFinalizer(p, nil)
	return err
}

// reap is the safety net for responses dropped without Close. It must not
// block the finalizer goroutine.
func (p *PendingResponse) reap() {
	if p.closed || p.body == nil {
		return
	}
	p.session.logger.Error("pending response garbage collected without Close; closing connection",
		zap.String("trace_id", p.TraceID),
		zap.String("request_id", p.RequestID))
	body, cancel := p.body, p.cancel
	go func() {
		_ = body.Close()
		if cancel != nil {
			cancel()
		}
	}()
}

// classifyTransportError maps transport failures onto TRANSPORT errors;
// timeouts always get their own code.
func classifyTransportError(code, message string, err error) *errs.OssError {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = errs.CodeTimeout
	case errors.As(err, &ne) && ne.Timeout():
		code = errs.CodeTimeout
	}
	return errs.NewTransportError(code, message, err)
}

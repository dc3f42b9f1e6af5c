package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ossx/ossx/internal/logging"
	"github.com/ossx/ossx/internal/observability"
	"github.com/ossx/ossx/internal/transport"
)

// DownloadOptions configures a Download.
type DownloadOptions struct {
	Progress ProgressFunc
	// Sink receives a copy of every delivered chunk.
	Sink io.Writer
	// EnableCRC verifies the body against the server CRC64 at end of stream.
	EnableCRC bool
	// Ranged marks a partial-content request; its body cannot match the
	// whole-object checksum.
	Ranged  bool
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Download streams a response body with progress and CRC accounting. The
// first read after the body ends compares the client CRC with the server's.
type Download struct {
	resp     *transport.PendingResponse
	a        *Adapter
	sink     io.Writer
	verify   bool
	verified bool
	err      error
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewDownload wraps an awaited response.
func NewDownload(resp *transport.PendingResponse, opts DownloadOptions) *Download {
	d := &Download{
		resp:    resp,
		sink:    opts.Sink,
		verify:  ShouldVerifyCRC(opts.EnableCRC, opts.Ranged, resp.Header),
		logger:  logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
	}
	aopts := []Option{WithTotal(resp.ContentLength())}
	if opts.Progress != nil {
		aopts = append(aopts, WithProgress(opts.Progress))
	}
	if opts.EnableCRC {
		aopts = append(aopts, WithCRC(0))
	}
	d.a = Wrap(resp, aopts...)
	return d
}

// ShouldVerifyCRC reports whether a download can be checked against the
// server CRC64: CRC must be on, the request must cover the whole object, the
// body must not be re-encoded in transit and the server must send the header.
func ShouldVerifyCRC(enabled, ranged bool, h http.Header) bool {
	if !enabled || ranged {
		return false
	}
	if strings.Contains(strings.ToLower(h.Get("Content-Encoding")), "gzip") {
		return false
	}
	_, ok := ServerCRC64(h)
	return ok
}

// ReadN returns up to n bytes; n < 0 reads the rest.
func (d *Download) ReadN(ctx context.Context, n int) ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	chunk, err := d.a.ReadN(ctx, n)
	if err != nil {
		d.err = err
		return nil, err
	}
	if len(chunk) > 0 && d.sink != nil {
		if _, err := d.sink.Write(chunk); err != nil {
			d.err = fmt.Errorf("failed to write download sink: %w", err)
			return nil, d.err
		}
	}
	if d.a.Done() {
		if err := d.check(); err != nil {
			d.err = err
			return nil, err
		}
	}
	return chunk, nil
}

// ReadAll returns the rest of the body.
func (d *Download) ReadAll(ctx context.Context) ([]byte, error) {
	return d.ReadN(ctx, -1)
}

// Next returns the next chunk, or io.EOF once the body has been verified.
func (d *Download) Next(ctx context.Context) ([]byte, error) {
	chunk, err := d.ReadN(ctx, ChunkSize)
	if err != nil {
		return nil, err
	}
	if len(chunk) == 0 {
		return nil, io.EOF
	}
	return chunk, nil
}

// Drain reads the body to the end, feeding the sink, and returns the number
// of bytes delivered.
func (d *Download) Drain(ctx context.Context) (int64, error) {
	for {
		chunk, err := d.ReadN(ctx, ChunkSize)
		if err != nil {
			return d.a.Offset(), err
		}
		if len(chunk) == 0 {
			return d.a.Offset(), nil
		}
	}
}

func (d *Download) check() error {
	if !d.verify || d.verified {
		return nil
	}
	d.verified = true
	server, _ := ServerCRC64(d.resp.Header)
	client, _ := d.a.CRC()
	if err := CheckCRC("get object", client, server, d.resp.RequestID); err != nil {
		d.logger.Warn("download checksum mismatch",
			zap.String("request_id", d.resp.RequestID),
			zap.Uint64("client_crc", client),
			zap.Uint64("server_crc", server))
		d.metrics.ObserveIntegrityError("get")
		return err
	}
	return nil
}

// Offset returns the bytes delivered so far.
func (d *Download) Offset() int64 { return d.a.Offset() }

// ClientCRC returns the CRC64 computed over the delivered bytes.
func (d *Download) ClientCRC() (uint64, bool) { return d.a.CRC() }

// ServerCRC returns the CRC64 reported by the server.
func (d *Download) ServerCRC() (uint64, bool) { return ServerCRC64(d.resp.Header) }

// Close releases the response.
func (d *Download) Close() error { return d.resp.Close() }

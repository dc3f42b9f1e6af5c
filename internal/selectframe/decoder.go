// Package selectframe decodes the framed binary stream returned by SELECT
// queries into the rows it carries and the trailer status that ends it.
package selectframe

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ossx/ossx/internal/adapter"
	errs "github.com/ossx/ossx/internal/errors"
	"github.com/ossx/ossx/internal/logging"
	"github.com/ossx/ossx/internal/observability"
)

// Frame types. The top header byte is a version and is not part of the type.
const (
	TypeData         uint32 = 0x800001
	TypeContinuation uint32 = 0x800004
	TypeEnd          uint32 = 0x800005
	TypeMetaEnd      uint32 = 0x800006
	TypeJSONMetaEnd  uint32 = 0x800007

	typeMask = 0x00ffffff
)

const (
	// HeaderOutputRaw is set by the server when the body is not framed.
	HeaderOutputRaw = "x-oss-select-output-raw"

	// DefaultFramesPerProgress is the number of frames between progress calls.
	DefaultFramesPerProgress = 10

	headerLen   = 12
	checksumLen = 4
	offsetLen   = 8
)

// TypeName returns the metric label of a frame type.
func TypeName(t uint32) string {
	switch t {
	case TypeData:
		return "data"
	case TypeContinuation:
		return "continuation"
	case TypeEnd:
		return "end"
	case TypeMetaEnd:
		return "meta_end"
	case TypeJSONMetaEnd:
		return "json_meta_end"
	default:
		return "unknown"
	}
}

// IsRawOutput reports whether a SELECT response body is unframed.
func IsRawOutput(h http.Header) bool {
	return strings.EqualFold(h.Get(HeaderOutputRaw), "true")
}

// Source is the byte stream a Decoder consumes. ReadN must return exactly n
// bytes unless the stream ends; NextChunk returns io.EOF at the end.
// *transport.PendingResponse satisfies it.
type Source interface {
	ReadN(ctx context.Context, n int) ([]byte, error)
	NextChunk(ctx context.Context) ([]byte, error)
}

// Options configures a Decoder.
type Options struct {
	// Progress receives (file offset, content length) every FramesPerProgress
	// frames and once more on the END frame.
	Progress          adapter.ProgressFunc
	ContentLength     int64
	EnableCRC         bool
	FramesPerProgress int
	// Raw forwards the body verbatim instead of decoding frames.
	Raw       bool
	RequestID string
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Decoder is a forward-only cursor over one SELECT response body. It is not
// safe for concurrent use.
type Decoder struct {
	src  Source
	opts Options
	log  *zap.Logger

	pending []byte

	finished    bool
	err         error
	fileOffset  uint64
	finalStatus int
	rows        uint64
	splits      uint32
	columns     uint32

	framesSinceProgress int
}

// NewDecoder returns a Decoder reading frames from src.
func NewDecoder(src Source, opts Options) *Decoder {
	if opts.FramesPerProgress <= 0 {
		opts.FramesPerProgress = DefaultFramesPerProgress
	}
	if opts.ContentLength == 0 {
		opts.ContentLength = -1
	}
	return &Decoder{
		src:  src,
		opts: opts,
		log:  logging.OrNop(opts.Logger).With(zap.String("request_id", opts.RequestID)),
	}
}

// Next returns the next non-empty block of result bytes, or io.EOF once the
// stream has terminated. A failure is returned again by every later call.
func (d *Decoder) Next(ctx context.Context) ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.opts.Raw {
		return d.nextRaw(ctx)
	}

	for !d.finished {
		if len(d.pending) > 0 {
			out := d.pending
			d.pending = nil
			return out, nil
		}
		if err := d.readFrame(ctx); err != nil {
			d.err = err
			return nil, err
		}
		d.framesSinceProgress++
		if d.framesSinceProgress >= d.opts.FramesPerProgress && d.opts.Progress != nil {
			d.opts.Progress(int64(d.fileOffset), d.opts.ContentLength)
			d.framesSinceProgress = 0
		}
	}
	return nil, io.EOF
}

func (d *Decoder) nextRaw(ctx context.Context) ([]byte, error) {
	if d.finished {
		return nil, io.EOF
	}
	chunk, err := d.src.NextChunk(ctx)
	if err == io.EOF || (err == nil && len(chunk) == 0) {
		d.finished = true
		return nil, io.EOF
	}
	if err != nil {
		d.err = err
		return nil, err
	}
	return chunk, nil
}

// ReadAll returns every remaining result byte.
func (d *Decoder) ReadAll(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		chunk, err := d.Next(ctx)
		if err == io.EOF {
			if out == nil {
				out = []byte{}
			}
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
}

// Finished reports whether a terminal frame has been consumed.
func (d *Decoder) Finished() bool { return d.finished }

// FileOffset returns the source offset reported by the last frame.
func (d *Decoder) FileOffset() int64 { return int64(d.fileOffset) }

// FinalStatus returns the status carried by the terminal frame, or 0.
func (d *Decoder) FinalStatus() int { return d.finalStatus }

// Rows returns the row count of a META_END or JSON_META_END frame.
func (d *Decoder) Rows() int64 { return int64(d.rows) }

// Splits returns the split count of a META_END or JSON_META_END frame.
func (d *Decoder) Splits() int64 { return int64(d.splits) }

// Columns returns the column count of a META_END frame.
func (d *Decoder) Columns() int64 { return int64(d.columns) }

// readExact reads n bytes; a short read is a truncated frame.
func (d *Decoder) readExact(ctx context.Context, n int, what string) ([]byte, error) {
	b, err := d.src.ReadN(ctx, n)
	if err != nil {
		return nil, err
	}
	if len(b) < n {
		return nil, errs.NewProtocolError(errs.CodeTruncatedFrame,
			fmt.Sprintf("truncated %s: want %d bytes, got %d", what, n, len(b)), d.opts.RequestID)
	}
	return b, nil
}

// readFrame runs one frame cycle.
func (d *Decoder) readFrame(ctx context.Context) error {
	hdr, err := d.readExact(ctx, headerLen, "frame header")
	if err != nil {
		return err
	}
	typ := binary.BigEndian.Uint32(hdr[0:4]) & typeMask
	length := int(binary.BigEndian.Uint32(hdr[4:8]))
	// hdr[8:12] is the header checksum; it is not verified.

	switch typ {
	case TypeData, TypeContinuation, TypeEnd, TypeMetaEnd, TypeJSONMetaEnd:
	default:
		d.log.Warn("unexpected select frame type", zap.Uint32("type", typ))
		return errs.NewProtocolError(errs.CodeUnexpectedFrame,
			fmt.Sprintf("unexpected frame type: %d", typ), d.opts.RequestID)
	}
	d.opts.Metrics.ObserveFrame(TypeName(typ))

	if length < offsetLen {
		return errs.NewProtocolError(errs.CodeTruncatedFrame,
			fmt.Sprintf("frame payload of %d bytes has no offset", length), d.opts.RequestID)
	}
	payload, err := d.readExact(ctx, length, "frame payload")
	if err != nil {
		return err
	}
	d.fileOffset = binary.BigEndian.Uint64(payload[0:offsetLen])

	switch typ {
	case TypeData:
		return d.onData(ctx, payload)
	case TypeContinuation:
		_, err := d.readExact(ctx, checksumLen, "frame checksum")
		return err
	case TypeEnd:
		return d.onEnd(ctx, payload)
	default:
		return d.onMetaEnd(ctx, typ, payload)
	}
}

func (d *Decoder) onData(ctx context.Context, payload []byte) error {
	sum, err := d.readExact(ctx, checksumLen, "frame checksum")
	if err != nil {
		return err
	}
	if d.opts.EnableCRC {
		want := binary.BigEndian.Uint32(sum)
		got := adapter.CRC32(payload)
		if got != want {
			d.log.Warn("select frame checksum mismatch",
				zap.Uint32("received", want), zap.Uint32("calculated", got))
			d.opts.Metrics.ObserveIntegrityError("select")
			return &errs.InconsistentError{
				Operation: "select frame",
				ClientCRC: uint64(got),
				ServerCRC: uint64(want),
				RequestID: d.opts.RequestID,
			}
		}
	}
	d.pending = payload[offsetLen:]
	return nil
}

// END payload: offset(8) scanned(8) status(4) error text.
func (d *Decoder) onEnd(ctx context.Context, payload []byte) error {
	if len(payload) < 20 {
		return errs.NewProtocolError(errs.CodeTruncatedFrame,
			fmt.Sprintf("end frame payload of %d bytes", len(payload)), d.opts.RequestID)
	}
	status := int(binary.BigEndian.Uint32(payload[16:20]))
	d.finalStatus = status
	if status/100 != 2 {
		code, msg := splitError(payload[20:])
		return &errs.SelectFailedError{Status: status, Code: code, Message: msg, RequestID: d.opts.RequestID}
	}

	if d.opts.Progress != nil {
		d.opts.Progress(int64(d.fileOffset), d.opts.ContentLength)
	}
	if _, err := d.readExact(ctx, checksumLen, "frame checksum"); err != nil {
		return err
	}
	d.finished = true
	return nil
}

// META_END payload: offset(8) scanned(8) status(4) splits(4) rows(8)
// columns(4) error text. JSON_META_END has no columns field.
func (d *Decoder) onMetaEnd(ctx context.Context, typ uint32, payload []byte) error {
	errStart := 36
	if typ == TypeJSONMetaEnd {
		errStart = 32
	}
	if len(payload) < errStart {
		return errs.NewProtocolError(errs.CodeTruncatedFrame,
			fmt.Sprintf("%s frame payload of %d bytes", TypeName(typ), len(payload)), d.opts.RequestID)
	}

	status := int(binary.BigEndian.Uint32(payload[16:20]))
	d.splits = binary.BigEndian.Uint32(payload[20:24])
	d.rows = binary.BigEndian.Uint64(payload[24:32])
	if typ == TypeMetaEnd {
		d.columns = binary.BigEndian.Uint32(payload[32:36])
	}
	d.finalStatus = status

	if _, err := d.readExact(ctx, checksumLen, "frame checksum"); err != nil {
		return err
	}
	d.finished = true

	if status/100 != 2 {
		code, msg := splitError(payload[errStart:])
		return &errs.SelectFailedError{Status: status, Code: code, Message: msg, RequestID: d.opts.RequestID}
	}
	return nil
}

// splitError splits "code.message" on the first dot. Text without a usable
// dot is all message.
func splitError(b []byte) (code, msg string) {
	idx := bytes.IndexByte(b, '.')
	if idx >= 0 && idx < len(b)-1 {
		return string(b[:idx]), string(b[idx+1:])
	}
	return "", string(b)
}

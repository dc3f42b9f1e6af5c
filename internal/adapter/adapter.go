package adapter

import (
	"context"
	"fmt"
	"io"

	errs "github.com/ossx/ossx/internal/errors"
)

// ProgressFunc receives the bytes delivered before the current read and the
// expected total, or -1 when the total is unknown.
type ProgressFunc func(consumed, total int64)

// Adapter decorates one Readable. Every ReadN reports progress before the
// chunk is counted, folds the chunk into the running CRC, runs it through the
// cipher and drops the leading discard bytes. The Adapter owns its input.
type Adapter struct {
	src      Readable
	offset   int64
	total    int64
	progress ProgressFunc
	hasCRC   bool
	crc      uint64
	cipher   Cipher
	discard  int64
	done     bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithProgress reports progress to fn.
func WithProgress(fn ProgressFunc) Option {
	return func(a *Adapter) { a.progress = fn }
}

// WithCRC enables CRC64 accumulation starting at init.
func WithCRC(init uint64) Option {
	return func(a *Adapter) {
		a.hasCRC = true
		a.crc = init
	}
}

// WithCipher transforms every chunk with c.
func WithCipher(c Cipher) Option {
	return func(a *Adapter) { a.cipher = c }
}

// WithDiscard swallows the first n bytes of the input.
func WithDiscard(n int64) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.discard = n
		}
	}
}

// WithTotal sets the total passed to the progress callback.
func WithTotal(n int64) Option {
	return func(a *Adapter) { a.total = n }
}

// Wrap builds an Adapter over src.
func Wrap(src Readable, opts ...Option) *Adapter {
	a := &Adapter{src: src, total: -1}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// MakeCRCAdapter resolves data and returns an adapter accumulating CRC64 from
// initCRC. Sized inputs and chunk iterators cannot discard.
func MakeCRCAdapter(data any, initCRC uint64, discard int64) (*Adapter, error) {
	src, err := New(data)
	if err != nil {
		return nil, err
	}
	if discard > 0 && src.Kind != KindStream {
		return nil, errs.NewClientError(errs.CodeInvalidArgument,
			fmt.Sprintf("%T input does not support discarding bytes", data))
	}
	return Wrap(src.Readable, WithCRC(initCRC), WithDiscard(discard), WithTotal(src.Size)), nil
}

// MakeProgressAdapter resolves data and returns an adapter reporting to cb.
// A negative size means the total is taken from the input when it is known.
func MakeProgressAdapter(data any, cb ProgressFunc, size int64) (*Adapter, error) {
	src, err := New(data)
	if err != nil {
		return nil, err
	}
	if size < 0 {
		size = src.Size
	}
	return Wrap(src.Readable, WithProgress(cb), WithTotal(size)), nil
}

// Offset returns the number of bytes delivered so far.
func (a *Adapter) Offset() int64 { return a.offset }

// Total returns the expected length, or -1.
func (a *Adapter) Total() int64 { return a.total }

// CRC returns the running CRC64. ok is false when CRC is not enabled on this
// adapter or on the adapter it wraps.
func (a *Adapter) CRC() (crc uint64, ok bool) {
	if a.hasCRC {
		return a.crc, true
	}
	if inner, isAdapter := a.src.(*Adapter); isAdapter {
		return inner.CRC()
	}
	return 0, false
}

// Done reports whether the input has ended.
func (a *Adapter) Done() bool { return a.done }

// ReadN returns up to n delivered bytes; n < 0 reads everything. An empty
// result marks the end. With a cipher, remaining discard bytes are requested
// on top of n; without one they are skipped in reads of at most n bytes.
func (a *Adapter) ReadN(ctx context.Context, n int) ([]byte, error) {
	if a.done || n == 0 {
		return []byte{}, nil
	}
	if n < 0 {
		return a.readAll(ctx)
	}
	for {
		want := n
		switch {
		case a.discard > 0 && a.cipher != nil:
			want = n + int(a.discard)
		case a.discard > 0:
			want = int(min(a.discard, int64(n)))
		}

		chunk, err := a.src.ReadN(ctx, want)
		if err != nil {
			return nil, err
		}
		if a.progress != nil {
			a.progress(a.offset, a.total)
		}
		if len(chunk) == 0 {
			a.done = true
			return []byte{}, nil
		}

		drop := int(min(a.discard, int64(len(chunk))))
		if a.hasCRC {
			a.crc = CRC64(a.crc, chunk[drop:])
		}
		if a.cipher != nil {
			// The whole chunk goes through the cipher to keep the keystream
			// aligned with the input offset.
			out := make([]byte, len(chunk))
			a.cipher.XORKeyStream(out, chunk)
			chunk = out
		}
		a.discard -= int64(drop)
		chunk = chunk[drop:]

		if len(chunk) == 0 {
			continue
		}
		a.offset += int64(len(chunk))
		return chunk, nil
	}
}

// ReadAll returns everything that remains.
func (a *Adapter) ReadAll(ctx context.Context) ([]byte, error) {
	return a.ReadN(ctx, -1)
}

// readAll reads chunk by chunk so progress sees every step, including the
// terminal empty read.
func (a *Adapter) readAll(ctx context.Context) ([]byte, error) {
	out := []byte{}
	for {
		chunk, err := a.ReadN(ctx, ChunkSize)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			return out, nil
		}
		out = append(out, chunk...)
	}
}

// Next returns the next chunk of at most ChunkSize bytes, or io.EOF.
func (a *Adapter) Next(ctx context.Context) ([]byte, error) {
	chunk, err := a.ReadN(ctx, ChunkSize)
	if err != nil {
		return nil, err
	}
	if len(chunk) == 0 {
		return nil, io.EOF
	}
	return chunk, nil
}

// Reader exposes the adapter as an io.Reader bound to ctx, for use as an
// HTTP request body.
func (a *Adapter) Reader(ctx context.Context) io.Reader {
	return &bridge{a: a, ctx: ctx}
}

type bridge struct {
	a   *Adapter
	ctx context.Context
	buf []byte
}

func (b *bridge) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(b.buf) == 0 {
		chunk, err := b.a.ReadN(b.ctx, len(p))
		if err != nil {
			return 0, err
		}
		if len(chunk) == 0 {
			return 0, io.EOF
		}
		b.buf = chunk
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

// Package adapter wraps upload and download byte streams with progress
// reporting, CRC accumulation, decryption and prefix discarding.
package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	errs "github.com/ossx/ossx/internal/errors"
)

// ChunkSize is the read size used when iterating an adapter.
const ChunkSize = 8 * 1024

// Readable is the one capability every adapter input is reduced to. ReadN
// returns up to n bytes, fewer only at end of stream; n < 0 reads everything
// that remains. An empty result means the stream has ended.
type Readable interface {
	ReadN(ctx context.Context, n int) ([]byte, error)
}

// ChunkIterator yields successive chunks. It signals the end with io.EOF or
// with an empty chunk.
type ChunkIterator func(ctx context.Context) ([]byte, error)

// Kind is the shape of an input as resolved by New.
type Kind int

const (
	// KindSized inputs know their length up front (bytes, strings, files).
	KindSized Kind = iota
	// KindStream inputs are read incrementally with unknown length.
	KindStream
	// KindIterator inputs yield chunks of arbitrary size.
	KindIterator
)

// Source is a resolved input: its Readable, its length (-1 when unknown) and
// the shape it was built from.
type Source struct {
	Readable
	Size int64
	Kind Kind
}

// New resolves data into a Source. Accepted inputs are []byte, string,
// *bytes.Reader, *strings.Reader, *os.File, Readable, ChunkIterator, [][]byte
// and any other io.Reader. Anything else is a CLIENT error.
func New(data any) (*Source, error) {
	switch v := data.(type) {
	case nil:
		return &Source{Readable: &bytesReadable{}, Size: 0, Kind: KindSized}, nil
	case []byte:
		return &Source{Readable: &bytesReadable{data: v}, Size: int64(len(v)), Kind: KindSized}, nil
	case string:
		return &Source{Readable: &bytesReadable{data: []byte(v)}, Size: int64(len(v)), Kind: KindSized}, nil
	case *bytes.Reader:
		return &Source{Readable: &readerReadable{r: v}, Size: int64(v.Len()), Kind: KindSized}, nil
	case *strings.Reader:
		return &Source{Readable: &readerReadable{r: v}, Size: int64(v.Len()), Kind: KindSized}, nil
	case *os.File:
		size, err := remaining(v)
		if err != nil {
			return nil, err
		}
		return &Source{Readable: &readerReadable{r: v}, Size: size, Kind: KindSized}, nil
	case *io.SectionReader:
		pos, err := v.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, err
		}
		return &Source{Readable: &readerReadable{r: v}, Size: v.Size() - pos, Kind: KindSized}, nil
	case *Adapter:
		return &Source{Readable: v, Size: v.total, Kind: KindStream}, nil
	case Readable:
		size := int64(-1)
		if cl, ok := v.(interface{ ContentLength() int64 }); ok {
			size = cl.ContentLength()
		}
		return &Source{Readable: v, Size: size, Kind: KindStream}, nil
	case ChunkIterator:
		return &Source{Readable: &iteratorReadable{next: v}, Size: -1, Kind: KindIterator}, nil
	case func(context.Context) ([]byte, error):
		return &Source{Readable: &iteratorReadable{next: v}, Size: -1, Kind: KindIterator}, nil
	case [][]byte:
		return &Source{Readable: &iteratorReadable{next: sliceIterator(v)}, Size: -1, Kind: KindIterator}, nil
	case io.Reader:
		return &Source{Readable: &readerReadable{r: v}, Size: -1, Kind: KindStream}, nil
	default:
		return nil, errs.NewClientError(errs.CodeUnsupportedInput,
			fmt.Sprintf("%T is not a byte slice, string, file, reader or chunk iterator", data))
	}
}

// remaining returns the bytes between the file's current position and its end.
func remaining(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", f.Name(), err)
	}
	if !info.Mode().IsRegular() {
		return -1, nil
	}
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return info.Size(), nil
	}
	return info.Size() - pos, nil
}

type bytesReadable struct {
	data []byte
	pos  int
}

func (b *bytesReadable) ReadN(_ context.Context, n int) ([]byte, error) {
	rest := b.data[b.pos:]
	if n < 0 || n > len(rest) {
		n = len(rest)
	}
	out := rest[:n:n]
	b.pos += n
	return out, nil
}

type readerReadable struct {
	r    io.Reader
	done bool
}

func (r *readerReadable) ReadN(ctx context.Context, n int) ([]byte, error) {
	if r.done {
		return []byte{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n < 0 {
		out, err := io.ReadAll(r.r)
		r.done = true
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
		return out, nil
	}
	buf := make([]byte, n)
	got, err := io.ReadFull(r.r, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		r.done = true
	default:
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return buf[:got], nil
}

// iteratorReadable regroups iterator chunks so ReadN sizes are honoured.
type iteratorReadable struct {
	next ChunkIterator
	buf  []byte
	done bool
}

func (it *iteratorReadable) ReadN(ctx context.Context, n int) ([]byte, error) {
	for !it.done && (n < 0 || len(it.buf) < n) {
		chunk, err := it.next(ctx)
		if err == io.EOF || (err == nil && len(chunk) == 0) {
			it.done = true
			break
		}
		if err != nil {
			return nil, err
		}
		it.buf = append(it.buf, chunk...)
	}

	if n < 0 || n > len(it.buf) {
		n = len(it.buf)
	}
	out := make([]byte, n)
	copy(out, it.buf)
	it.buf = it.buf[n:]
	return out, nil
}

func sliceIterator(chunks [][]byte) ChunkIterator {
	i := 0
	return func(context.Context) ([]byte, error) {
		for i < len(chunks) {
			c := chunks[i]
			i++
			if len(c) > 0 {
				return c, nil
			}
		}
		return nil, io.EOF
	}
}

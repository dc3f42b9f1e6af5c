package adapter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/ossx/ossx/internal/errors"
)

type call struct {
	consumed, total int64
}

func recorder(calls *[]call) ProgressFunc {
	return func(consumed, total int64) {
		*calls = append(*calls, call{consumed, total})
	}
}

func drain(t *testing.T, a *Adapter, n int) []byte {
	t.Helper()
	var out []byte
	for {
		chunk, err := a.ReadN(context.Background(), n)
		require.NoError(t, err)
		if len(chunk) == 0 {
			return out
		}
		out = append(out, chunk...)
	}
}

func TestNew_Kinds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Seek(4, io.SeekStart)
	require.NoError(t, err)

	tests := []struct {
		name string
		data any
		size int64
		kind Kind
	}{
		{"bytes", []byte("abc"), 3, KindSized},
		{"string", "abcd", 4, KindSized},
		{"bytes reader", bytes.NewReader([]byte("ab")), 2, KindSized},
		{"strings reader", strings.NewReader("a"), 1, KindSized},
		{"file at offset", f, 6, KindSized},
		{"section", io.NewSectionReader(strings.NewReader("0123456789"), 2, 5), 5, KindSized},
		{"plain reader", io.LimitReader(strings.NewReader("abc"), 2), -1, KindStream},
		{"chunks", [][]byte{[]byte("a"), []byte("b")}, -1, KindIterator},
		{"iterator", ChunkIterator(func(context.Context) ([]byte, error) { return nil, io.EOF }), -1, KindIterator},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := New(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.size, src.Size)
			assert.Equal(t, tt.kind, src.Kind)
		})
	}
}

func TestNew_Unsupported(t *testing.T) {
	_, err := New(42)
	require.Error(t, err)
	assert.Equal(t, errs.ErrCategoryClient, errs.GetCategory(err))
	assert.Equal(t, errs.CodeUnsupportedInput, errs.GetCode(err))
}

func TestIteratorReadable_Regroups(t *testing.T) {
	src, err := New([][]byte{[]byte("ab"), {}, []byte("cdef"), []byte("g")})
	require.NoError(t, err)
	ctx := context.Background()

	b, err := src.ReadN(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b))
	b, err = src.ReadN(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, "defg", string(b))
	b, err = src.ReadN(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestIteratorReadable_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	src, err := New(ChunkIterator(func(context.Context) ([]byte, error) { return nil, boom }))
	require.NoError(t, err)
	a := Wrap(src)
	_, err = a.ReadN(context.Background(), 4)
	assert.ErrorIs(t, err, boom)
}

func TestProgress_IncludesTerminalRead(t *testing.T) {
	var calls []call
	a, err := MakeProgressAdapter("hello world", recorder(&calls), -1)
	require.NoError(t, err)

	out := drain(t, a, 4)
	assert.Equal(t, "hello world", string(out))
	assert.Equal(t, []call{{0, 11}, {4, 11}, {8, 11}, {11, 11}}, calls)
	assert.EqualValues(t, 11, a.Offset())
}

func TestProgress_UnknownTotal(t *testing.T) {
	var calls []call
	a, err := MakeProgressAdapter(io.LimitReader(strings.NewReader("abcdef"), 6), recorder(&calls), -1)
	require.NoError(t, err)
	out, err := a.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(out))
	require.NotEmpty(t, calls)
	for _, c := range calls {
		assert.EqualValues(t, -1, c.total)
	}
	assert.EqualValues(t, 6, calls[len(calls)-1].consumed)
}

func TestCRCAdapter_MatchesDirectChecksum(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 3000)
	a, err := MakeCRCAdapter(data, 0, 0)
	require.NoError(t, err)
	out := drain(t, a, 777)
	assert.Equal(t, data, out)

	crc, ok := a.CRC()
	require.True(t, ok)
	assert.Equal(t, CRC64(0, data), crc)
}

func TestCRCAdapter_InitialValueContinues(t *testing.T) {
	first, second := []byte("first part "), []byte("second part")
	a, err := MakeCRCAdapter(second, CRC64(0, first), 0)
	require.NoError(t, err)
	drain(t, a, 5)
	crc, _ := a.CRC()
	assert.Equal(t, CRC64(0, append(append([]byte{}, first...), second...)), crc)
}

func TestCRCAdapter_DiscardRejectedForSizedAndIterators(t *testing.T) {
	_, err := MakeCRCAdapter([]byte("abc"), 0, 1)
	assert.Equal(t, errs.ErrCategoryClient, errs.GetCategory(err))

	_, err = MakeCRCAdapter([][]byte{[]byte("abc")}, 0, 1)
	assert.Equal(t, errs.ErrCategoryClient, errs.GetCategory(err))

	_, err = MakeCRCAdapter(io.MultiReader(strings.NewReader("abc")), 0, 1)
	assert.NoError(t, err)
}

func TestDiscard_DropsPrefix(t *testing.T) {
	a, err := MakeCRCAdapter(io.MultiReader(strings.NewReader("0123456789")), 0, 3)
	require.NoError(t, err)

	b, err := a.ReadN(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(b))
	rest := drain(t, a, 4)
	assert.Equal(t, "789", string(rest))

	crc, _ := a.CRC()
	assert.Equal(t, CRC64(0, []byte("3456789")), crc)
	assert.EqualValues(t, 7, a.Offset())
}

// sizeRecorder remembers the largest read requested from the wrapped source.
type sizeRecorder struct {
	Readable
	largest int
}

func (r *sizeRecorder) ReadN(ctx context.Context, n int) ([]byte, error) {
	r.largest = max(r.largest, n)
	return r.Readable.ReadN(ctx, n)
}

func TestDiscard_LargeSkipReadsInSteps(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 1000)
	src, err := New(io.MultiReader(bytes.NewReader(data)))
	require.NoError(t, err)
	rec := &sizeRecorder{Readable: src}
	a := Wrap(rec, WithCRC(0), WithDiscard(9995))

	b, err := a.ReadN(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "5678", string(b))
	assert.Equal(t, "9", string(drain(t, a, 4)))
	assert.LessOrEqual(t, rec.largest, 4)

	crc, _ := a.CRC()
	assert.Equal(t, CRC64(0, data[9995:]), crc)
}

func TestDiscard_WithCipherKeepsKeystreamAligned(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	iv := bytes.Repeat([]byte{1}, 16)
	plain := bytes.Repeat([]byte("abcdefghijklmnopqrstuvwxyz"), 10)

	enc, err := NewCTRCipher(key, iv, 0)
	require.NoError(t, err)
	sealed := make([]byte, len(plain))
	enc.XORKeyStream(sealed, plain)

	dec, err := NewCTRCipher(key, iv, 0)
	require.NoError(t, err)
	src, err := New(bytes.NewBuffer(sealed))
	require.NoError(t, err)
	a := Wrap(src, WithCipher(dec), WithDiscard(37))

	out := drain(t, a, 16)
	assert.Equal(t, plain[37:], out)
}

func TestCTRCipher_Offset(t *testing.T) {
	key := bytes.Repeat([]byte{3}, 16)
	iv := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff}
	plain := bytes.Repeat([]byte("x"), 100)

	full, err := NewCTRCipher(key, iv, 0)
	require.NoError(t, err)
	want := make([]byte, len(plain))
	full.XORKeyStream(want, plain)

	for _, off := range []int64{1, 15, 16, 17, 40} {
		c, err := NewCTRCipher(key, iv, off)
		require.NoError(t, err)
		got := make([]byte, len(plain)-int(off))
		c.XORKeyStream(got, plain[off:])
		assert.Equal(t, want[off:], got, "offset %d", off)
	}

	_, err = NewCTRCipher(key, iv[:8], 0)
	assert.Error(t, err)
	_, err = NewCTRCipher([]byte("short"), iv, 0)
	assert.Error(t, err)
}

func TestReaderBridge(t *testing.T) {
	a, err := MakeCRCAdapter("streamed through io.Reader", 0, 0)
	require.NoError(t, err)
	out, err := io.ReadAll(a.Reader(context.Background()))
	require.NoError(t, err)
	assert.Equal(t, "streamed through io.Reader", string(out))
	crc, _ := a.CRC()
	assert.Equal(t, CRC64(0, out), crc)
}

func TestNext(t *testing.T) {
	a := Wrap(&bytesReadable{data: bytes.Repeat([]byte("z"), ChunkSize+1)})
	ctx := context.Background()
	c, err := a.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, c, ChunkSize)
	c, err = a.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, c, 1)
	_, err = a.Next(ctx)
	assert.Equal(t, io.EOF, err)
	_, err = a.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestCheckCRC(t *testing.T) {
	assert.NoError(t, CheckCRC("put", 5, 5, "r"))

	err := CheckCRC("put", 5, 6, "r")
	var ie *errs.InconsistentError
	require.True(t, errors.As(err, &ie))
	assert.EqualValues(t, 5, ie.ClientCRC)
	assert.EqualValues(t, 6, ie.ServerCRC)
	assert.ErrorIs(t, err, errs.ErrInconsistent)
	assert.Contains(t, err.Error(), "client crc 5")
	assert.Contains(t, err.Error(), "server crc 6")
}

func TestCRC64_Combinable(t *testing.T) {
	a, b := []byte("hello "), []byte("world")
	assert.Equal(t, CRC64(0, []byte("hello world")), CRC64(CRC64(0, a), b))
	// CRC-64/XZ check value
	assert.Equal(t, uint64(0x995dc9bbdf1939fa), CRC64(0, []byte("123456789")))
}

func genChunks() gopter.Gen {
	return gen.SliceOf(gen.SliceOf(gen.UInt8()))
}

func TestProperty_ProgressMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("progress is non-decreasing and ends at total delivered", prop.ForAll(
		func(chunks [][]byte, readSize int) bool {
			var calls []call
			src, err := New(chunks)
			if err != nil {
				return false
			}
			a := Wrap(src, WithProgress(recorder(&calls)), WithCRC(0))
			var delivered int64
			for {
				c, err := a.ReadN(context.Background(), readSize)
				if err != nil {
					return false
				}
				if len(c) == 0 {
					break
				}
				delivered += int64(len(c))
			}
			if len(calls) == 0 {
				return false
			}
			for i := 1; i < len(calls); i++ {
				if calls[i].consumed < calls[i-1].consumed {
					return false
				}
			}
			return calls[len(calls)-1].consumed == delivered && a.Offset() == delivered
		},
		genChunks(),
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}

func TestProperty_DiscardCorrectness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("discarding D bytes equals reading the last L-D", prop.ForAll(
		func(data []byte, d int, readSize int) bool {
			if d > len(data) {
				d = len(data)
			}
			withDiscard, err := MakeCRCAdapter(io.MultiReader(bytes.NewReader(data)), 0, int64(d))
			if err != nil {
				return false
			}
			fresh, err := MakeCRCAdapter(data[d:], 0, 0)
			if err != nil {
				return false
			}

			var got []byte
			for {
				c, err := withDiscard.ReadN(context.Background(), readSize)
				if err != nil {
					return false
				}
				if len(c) == 0 {
					break
				}
				got = append(got, c...)
			}
			if _, err := fresh.ReadAll(context.Background()); err != nil {
				return false
			}
			c1, _ := withDiscard.CRC()
			c2, _ := fresh.CRC()
			return bytes.Equal(got, data[d:]) && c1 == c2
		},
		gen.SliceOf(gen.UInt8()),
		gen.IntRange(0, 64),
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}

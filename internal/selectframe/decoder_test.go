package selectframe

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/ossx/ossx/internal/errors"
)

// memSource serves a byte slice in chunks of at most chunk bytes.
type memSource struct {
	data  []byte
	chunk int
	calls int
}

func (m *memSource) ReadN(_ context.Context, n int) ([]byte, error) {
	m.calls++
	if n < 0 || n > len(m.data) {
		n = len(m.data)
	}
	out := m.data[:n]
	m.data = m.data[n:]
	return out, nil
}

func (m *memSource) NextChunk(_ context.Context) ([]byte, error) {
	m.calls++
	if len(m.data) == 0 {
		return nil, io.EOF
	}
	n := m.chunk
	if n <= 0 || n > len(m.data) {
		n = len(m.data)
	}
	out := m.data[:n]
	m.data = m.data[n:]
	return out, nil
}

func stream(parts ...string) []byte {
	var e Encoder
	var out []byte
	for _, p := range parts {
		out = e.Data(out, []byte(p))
	}
	return e.End(out, 200, "")
}

func TestDecoder_RoundTrip(t *testing.T) {
	src := &memSource{data: stream("a,b\n", "", "c,d\n", "e,f\n")}
	d := NewDecoder(src, Options{EnableCRC: true})

	ctx := context.Background()
	var got []string
	for {
		chunk, err := d.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(chunk))
	}
	assert.Equal(t, []string{"a,b\n", "c,d\n", "e,f\n"}, got)
	assert.True(t, d.Finished())
	assert.Equal(t, 200, d.FinalStatus())
	assert.EqualValues(t, 12, d.FileOffset())
}

func TestDecoder_FinishedDoesNotReadAgain(t *testing.T) {
	src := &memSource{data: stream("x")}
	d := NewDecoder(src, Options{})
	out, err := d.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", string(out))

	calls := src.calls
	for i := 0; i < 3; i++ {
		_, err := d.Next(context.Background())
		assert.Equal(t, io.EOF, err)
	}
	out, err = d.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, calls, src.calls)
}

func TestDecoder_CRCMismatch(t *testing.T) {
	var e Encoder
	data := e.Data(nil, []byte("good"))
	bad := e.Data(nil, []byte("evil"))
	bad[len(bad)-1] ^= 0xff
	data = append(data, bad...)
	data = e.End(data, 200, "")

	d := NewDecoder(&memSource{data: data}, Options{EnableCRC: true, RequestID: "rid"})
	ctx := context.Background()

	first, err := d.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "good", string(first))

	chunk, err := d.Next(ctx)
	require.Error(t, err)
	assert.Nil(t, chunk)

	var ie *errs.InconsistentError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "rid", ie.RequestID)
	assert.NotEqual(t, ie.ClientCRC, ie.ServerCRC)
	assert.Contains(t, err.Error(), "client crc")
	assert.Contains(t, err.Error(), "server crc")

	_, again := d.Next(ctx)
	assert.Same(t, ie, again)
}

func TestDecoder_CRCDisabledIgnoresChecksum(t *testing.T) {
	var e Encoder
	data := e.Data(nil, []byte("payload"))
	data[len(data)-1] ^= 0xff
	data = e.End(data, 200, "")

	out, err := NewDecoder(&memSource{data: data}, Options{}).ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "payload", string(out))
}

func TestDecoder_EndFrameFailure(t *testing.T) {
	var e Encoder
	data := e.Data(nil, []byte("row1\n"))
	data = e.End(data, 400, "SomeError.Some message")

	d := NewDecoder(&memSource{data: data}, Options{EnableCRC: true, RequestID: "rid"})
	ctx := context.Background()

	first, err := d.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "row1\n", string(first))

	_, err = d.Next(ctx)
	var sf *errs.SelectFailedError
	require.True(t, errors.As(err, &sf))
	assert.Equal(t, 400, sf.Status)
	assert.Equal(t, "SomeError", sf.Code)
	assert.Equal(t, "Some message", sf.Message)
	assert.Equal(t, "rid", sf.RequestID)
	assert.ErrorIs(t, err, errs.ErrSelectFailed)
	assert.Equal(t, errs.ErrCategoryQuery, errs.GetCategory(err))
}

func TestSplitError(t *testing.T) {
	tests := []struct {
		in, code, msg string
	}{
		{"SomeError.Some message", "SomeError", "Some message"},
		{"NoDot", "", "NoDot"},
		{"Trailing.", "", "Trailing."},
		{"a.b.c", "a", "b.c"},
		{"", "", ""},
	}
	for _, tt := range tests {
		code, msg := splitError([]byte(tt.in))
		assert.Equal(t, tt.code, code, tt.in)
		assert.Equal(t, tt.msg, msg, tt.in)
	}
}

func TestDecoder_MetaEnd(t *testing.T) {
	var e Encoder
	data := e.Continuation(nil)
	data = e.MetaEnd(data, 200, 3, 1000, 7, "")

	d := NewDecoder(&memSource{data: data, chunk: 5}, Options{})
	out, err := d.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.True(t, d.Finished())
	assert.EqualValues(t, 3, d.Splits())
	assert.EqualValues(t, 1000, d.Rows())
	assert.EqualValues(t, 7, d.Columns())
}

func TestDecoder_JSONMetaEnd(t *testing.T) {
	var e Encoder
	data := e.JSONMetaEnd(nil, 200, 2, 50, "")
	d := NewDecoder(&memSource{data: data}, Options{})
	_, err := d.ReadAll(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, d.Splits())
	assert.EqualValues(t, 50, d.Rows())
	assert.EqualValues(t, 0, d.Columns())
}

func TestDecoder_MetaEndFailure(t *testing.T) {
	var e Encoder
	data := e.JSONMetaEnd(nil, 500, 0, 0, "InternalError.json parse failed")
	d := NewDecoder(&memSource{data: data}, Options{RequestID: "meta-rid"})
	_, err := d.ReadAll(context.Background())
	var sf *errs.SelectFailedError
	require.True(t, errors.As(err, &sf))
	assert.Equal(t, "InternalError", sf.Code)
	assert.Equal(t, "json parse failed", sf.Message)
	assert.Equal(t, "meta-rid", sf.RequestID)
	assert.Contains(t, err.Error(), "meta-rid")
	assert.True(t, d.Finished())
}

func TestDecoder_UnknownFrameType(t *testing.T) {
	data := AppendFrame(nil, 0x800009, make([]byte, 8), 0)
	d := NewDecoder(&memSource{data: data}, Options{RequestID: "rid"})
	_, err := d.Next(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.ErrCategoryProtocol, errs.GetCategory(err))
	assert.Equal(t, errs.CodeUnexpectedFrame, errs.GetCode(err))

	var oe *errs.OssError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "rid", oe.RequestID)
}

func TestDecoder_Truncated(t *testing.T) {
	full := stream("abcdef")
	tests := []struct {
		name string
		cut  int
	}{
		{"empty body", 0},
		{"partial header", 5},
		{"partial payload", headerLen + 10},
		{"missing end frame", len(full) - (headerLen + 20 + checksumLen)},
		{"missing end checksum", len(full) - 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(&memSource{data: full[:tt.cut]}, Options{})
			_, err := d.ReadAll(context.Background())
			require.Error(t, err)
			assert.Equal(t, errs.CodeTruncatedFrame, errs.GetCode(err))
			assert.False(t, d.Finished())
		})
	}
}

func TestDecoder_VersionByteIgnored(t *testing.T) {
	data := stream("v")
	data[0] = 0x7f
	out, err := NewDecoder(&memSource{data: data}, Options{EnableCRC: true}).ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v", string(out))
}

func TestDecoder_ProgressCadence(t *testing.T) {
	var e Encoder
	var data []byte
	for i := 0; i < 25; i++ {
		data = e.Data(data, []byte{'r'})
	}
	data = e.End(data, 200, "")

	var offsets []int64
	d := NewDecoder(&memSource{data: data}, Options{
		FramesPerProgress: 10,
		ContentLength:     1000,
		Progress: func(consumed, total int64) {
			assert.EqualValues(t, 1000, total)
			offsets = append(offsets, consumed)
		},
	})
	out, err := d.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, out, 25)
	// after frames 10 and 20, then forced by END
	assert.Equal(t, []int64{10, 20, 25}, offsets)
}

func TestDecoder_RawPassthrough(t *testing.T) {
	src := &memSource{data: []byte("plain,csv\nrows\n"), chunk: 4}
	d := NewDecoder(src, Options{Raw: true})
	ctx := context.Background()

	var chunks []string
	for {
		c, err := d.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, string(c))
	}
	assert.Equal(t, []string{"plai", "n,cs", "v\nro", "ws\n"}, chunks)
	assert.True(t, d.Finished())
}

func TestIsRawOutput(t *testing.T) {
	h := http.Header{}
	assert.False(t, IsRawOutput(h))
	h.Set(HeaderOutputRaw, "true")
	assert.True(t, IsRawOutput(h))
}

func TestAppendFrame_Layout(t *testing.T) {
	frame := AppendFrame(nil, TypeData, []byte("0123456789"), 0xdeadbeef)
	require.Len(t, frame, headerLen+10+checksumLen)
	assert.Equal(t, byte(frameVersion), frame[0])
	assert.Equal(t, TypeData, binary.BigEndian.Uint32(frame[0:4])&typeMask)
	assert.EqualValues(t, 10, binary.BigEndian.Uint32(frame[4:8]))
	assert.Equal(t, uint32(0xdeadbeef), binary.BigEndian.Uint32(frame[len(frame)-4:]))
}

// TestProperty_FrameRoundTrip encodes arbitrary rows into DATA frames followed
// by a successful END and checks that decoding over arbitrary chunking
// returns the rows concatenated.
func TestProperty_FrameRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(rows)) == concat(rows)", prop.ForAll(
		func(rows [][]byte, chunk int) bool {
			var e Encoder
			var data, want []byte
			for _, r := range rows {
				data = e.Data(data, r)
				want = append(want, r...)
			}
			data = e.End(data, 200, "")

			d := NewDecoder(&memSource{data: data, chunk: chunk}, Options{EnableCRC: true})
			got, err := d.ReadAll(context.Background())
			return err == nil && d.Finished() && bytes.Equal(want, got)
		},
		gen.SliceOf(gen.SliceOf(gen.UInt8())),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}

package adapter

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/ossx/ossx/internal/errors"
	"github.com/ossx/ossx/internal/observability"
	"github.com/ossx/ossx/internal/transport"
)

func serve(t *testing.T, body []byte, header map[string]string) *transport.PendingResponse {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range header {
			w.Header().Set(k, v)
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	req, err := (&transport.Request{Method: http.MethodGet, URL: srv.URL}).Build()
	require.NoError(t, err)
	resp, err := transport.NewSession(1, time.Second).Do(req).Await(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Close() })
	return resp
}

func TestDownload_VerifiesCRC(t *testing.T) {
	body := bytes.Repeat([]byte("object-bytes "), 2000)
	resp := serve(t, body, map[string]string{HeaderCRC64: FormatCRC64(CRC64(0, body))})

	var sink bytes.Buffer
	var calls []call
	d := NewDownload(resp, DownloadOptions{EnableCRC: true, Sink: &sink, Progress: recorder(&calls)})
	n, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, len(body), n)
	assert.Equal(t, body, sink.Bytes())

	client, ok := d.ClientCRC()
	require.True(t, ok)
	server, ok := d.ServerCRC()
	require.True(t, ok)
	assert.Equal(t, server, client)
	assert.EqualValues(t, len(body), calls[len(calls)-1].consumed)
}

func TestDownload_MismatchSurfacesAtEnd(t *testing.T) {
	body := []byte("corrupted in flight")
	resp := serve(t, body, map[string]string{HeaderCRC64: "12345", "x-oss-request-id": "rid"})

	reg := prometheus.NewRegistry()
	m, err := observability.NewMetrics("test", reg)
	require.NoError(t, err)

	d := NewDownload(resp, DownloadOptions{EnableCRC: true, Metrics: m})
	_, err = d.ReadAll(context.Background())
	require.Error(t, err)

	var ie *errs.InconsistentError
	require.True(t, errors.As(err, &ie))
	assert.EqualValues(t, 12345, ie.ServerCRC)
	assert.Equal(t, CRC64(0, body), ie.ClientCRC)
	assert.Equal(t, "rid", ie.RequestID)
	count, err := testutil.GatherAndCount(reg, "test_client_integrity_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// sticky
	_, err2 := d.ReadN(context.Background(), 1)
	assert.Same(t, ie, err2)
}

func TestDownload_SkipsVerification(t *testing.T) {
	body := []byte("whatever")
	tests := []struct {
		name   string
		header map[string]string
		opts   DownloadOptions
	}{
		{"crc disabled", map[string]string{HeaderCRC64: "1"}, DownloadOptions{}},
		{"ranged", map[string]string{HeaderCRC64: "1"}, DownloadOptions{EnableCRC: true, Ranged: true}},
		{"gzip", map[string]string{HeaderCRC64: "1", "Content-Encoding": "gzip"}, DownloadOptions{EnableCRC: true}},
		{"no server crc", nil, DownloadOptions{EnableCRC: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := serve(t, body, tt.header)
			d := NewDownload(resp, tt.opts)
			out, err := d.ReadAll(context.Background())
			require.NoError(t, err)
			assert.Equal(t, body, out)
		})
	}
}

func TestShouldVerifyCRC(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderCRC64, "42")
	assert.True(t, ShouldVerifyCRC(true, false, h))
	assert.False(t, ShouldVerifyCRC(false, false, h))
	assert.False(t, ShouldVerifyCRC(true, true, h))
	h.Set("Content-Encoding", "GZIP")
	assert.False(t, ShouldVerifyCRC(true, false, h))
}

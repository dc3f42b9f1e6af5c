package client

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/ossx/ossx/internal/adapter"
	errs "github.com/ossx/ossx/internal/errors"
	"github.com/ossx/ossx/internal/result"
)

// Canned object ACLs.
const (
	ACLDefault         = "default"
	ACLPrivate         = "private"
	ACLPublicRead      = "public-read"
	ACLPublicReadWrite = "public-read-write"
)

const (
	headerObjectACL    = "x-oss-object-acl"
	headerCopySource   = "x-oss-copy-source"
	maxBatchDeleteKeys = 1000
)

// PutOptions configures an upload.
type PutOptions struct {
	// Header carries Content-Type, x-oss-meta-* and other request headers.
	Header   http.Header
	Progress adapter.ProgressFunc
}

// AppendOptions configures an append.
type AppendOptions struct {
	Header   http.Header
	Progress adapter.ProgressFunc
	// InitCRC is the CRC64 of the object before this append. The result is
	// only checked against the server when it is set.
	InitCRC *uint64
}

// Range selects bytes [Start, End] of an object. A negative End reads to
// the end of the object.
type Range struct {
	Start int64
	End   int64
}

func (r Range) header() string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// GetOptions configures a download.
type GetOptions struct {
	Header   http.Header
	Range    *Range
	Progress adapter.ProgressFunc

	sink io.Writer
}

// PutObject uploads data as key. data is anything adapter.New accepts.
func (b *Bucket) PutObject(ctx context.Context, key string, data any, opts *PutOptions) (*result.PutObjectResult, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &PutOptions{}
	}

	a, size, err := b.uploadAdapter(data, opts.Progress, 0, b.enableCRC)
	if err != nil {
		return nil, err
	}
	header := mergeHeader(nil, opts.Header)
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", contentType(key))
	}

	p, err := b.send(ctx, call{
		method:        http.MethodPut,
		key:           key,
		header:        header,
		body:          a.Reader(ctx),
		contentLength: size,
	})
	if err != nil {
		return nil, err
	}
	res, err := result.AwaitAndParse(ctx, p, result.Discard[result.PutObjectResult], result.NewPutObjectResult)
	if err != nil {
		return nil, err
	}
	b.metrics.AddSent(int(a.Offset()))
	if b.enableCRC {
		if err := b.checkUploadCRC("put object", a, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// PutObjectFromFile uploads the contents of filename as key.
func (b *Bucket) PutObjectFromFile(ctx context.Context, key, filename string, opts *PutOptions) (*result.PutObjectResult, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errs.Wrap(errs.ErrCategoryClient, errs.CodeInvalidArgument, "failed to open file", err)
	}
	defer f.Close()
	return b.PutObject(ctx, key, f, opts)
}

// AppendObject appends data to an appendable object at position, creating
// it when position is 0.
func (b *Bucket) AppendObject(ctx context.Context, key string, position int64, data any, opts *AppendOptions) (*result.AppendObjectResult, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &AppendOptions{}
	}

	verify := b.enableCRC && opts.InitCRC != nil
	var init uint64
	if verify {
		init = *opts.InitCRC
	}
	a, size, err := b.uploadAdapter(data, opts.Progress, init, verify)
	if err != nil {
		return nil, err
	}
	header := mergeHeader(nil, opts.Header)
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", contentType(key))
	}

	p, err := b.send(ctx, call{
		method:        http.MethodPost,
		key:           key,
		query:         url.Values{"append": {""}, "position": {strconv.FormatInt(position, 10)}},
		header:        header,
		body:          a.Reader(ctx),
		contentLength: size,
	})
	if err != nil {
		return nil, err
	}
	res, err := result.AwaitAndParse(ctx, p, result.Discard[result.AppendObjectResult], result.NewAppendObjectResult)
	if err != nil {
		return nil, err
	}
	b.metrics.AddSent(int(a.Offset()))
	if verify {
		if err := b.checkUploadCRC("append object", a, &res.PutObjectResult); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (b *Bucket) uploadAdapter(data any, progress adapter.ProgressFunc, initCRC uint64, crc bool) (*adapter.Adapter, int64, error) {
	src, err := adapter.New(data)
	if err != nil {
		return nil, 0, err
	}
	opts := []adapter.Option{adapter.WithTotal(src.Size)}
	if progress != nil {
		opts = append(opts, adapter.WithProgress(progress))
	}
	if crc {
		opts = append(opts, adapter.WithCRC(initCRC))
	}
	return adapter.Wrap(src.Readable, opts...), src.Size, nil
}

// checkUploadCRC compares the CRC of the bytes sent with the server's.
func (b *Bucket) checkUploadCRC(op string, a *adapter.Adapter, res *result.PutObjectResult) error {
	if !res.HasCRC {
		return nil
	}
	client, _ := a.CRC()
	if err := adapter.CheckCRC(op, client, res.ServerCRC, res.RequestID); err != nil {
		b.logger.Warn("upload checksum mismatch",
			zap.String("operation", op),
			zap.String("request_id", res.RequestID),
			zap.Uint64("client_crc", client),
			zap.Uint64("server_crc", res.ServerCRC))
		b.metrics.ObserveIntegrityError("put")
		return err
	}
	return nil
}

// GetObjectResult is a streaming object body. It must be closed.
type GetObjectResult struct {
	result.HeadObjectResult
	ContentRange string

	body *adapter.Download
}

// ReadN returns up to n bytes of the body; n < 0 reads the rest. The read
// that reaches the end verifies the CRC when applicable.
func (r *GetObjectResult) ReadN(ctx context.Context, n int) ([]byte, error) {
	return r.body.ReadN(ctx, n)
}

// ReadAll returns the rest of the body.
func (r *GetObjectResult) ReadAll(ctx context.Context) ([]byte, error) {
	return r.body.ReadAll(ctx)
}

// Next returns the next chunk of the body, or io.EOF.
func (r *GetObjectResult) Next(ctx context.Context) ([]byte, error) {
	return r.body.Next(ctx)
}

// Reader exposes the body as an io.Reader bound to ctx.
func (r *GetObjectResult) Reader(ctx context.Context) io.Reader {
	return readerFunc(func(p []byte) (int, error) {
		if len(p) == 0 {
			return 0, nil
		}
		chunk, err := r.body.ReadN(ctx, len(p))
		if err != nil {
			return 0, err
		}
		if len(chunk) == 0 {
			return 0, io.EOF
		}
		return copy(p, chunk), nil
	})
}

// Offset returns the number of body bytes delivered.
func (r *GetObjectResult) Offset() int64 { return r.body.Offset() }

// ClientCRC returns the CRC64 of the delivered bytes.
func (r *GetObjectResult) ClientCRC() (uint64, bool) { return r.body.ClientCRC() }

// Close releases the connection.
func (r *GetObjectResult) Close() error { return r.body.Close() }

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// GetObject opens key for streaming. Headers are available on return; the
// body is read through the result.
func (b *Bucket) GetObject(ctx context.Context, key string, opts *GetOptions) (*GetObjectResult, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &GetOptions{}
	}

	header := mergeHeader(nil, opts.Header)
	if opts.Range != nil {
		header.Set("Range", opts.Range.header())
	}
	p, err := b.send(ctx, call{method: http.MethodGet, key: key, header: header})
	if err != nil {
		return nil, err
	}
	if _, err := p.Await(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}

	d := adapter.NewDownload(p, adapter.DownloadOptions{
		Progress:  opts.Progress,
		Sink:      opts.sink,
		EnableCRC: b.enableCRC,
		Ranged:    opts.Range != nil,
		Logger:    b.logger,
		Metrics:   b.metrics,
	})
	return &GetObjectResult{
		HeadObjectResult: *result.NewHeadObjectResult(p),
		ContentRange:     p.Header.Get("Content-Range"),
		body:             d,
	}, nil
}

// GetObjectToFile downloads key into filename. The content is written to a
// temporary file renamed into place once complete and verified.
func (b *Bucket) GetObjectToFile(ctx context.Context, key, filename string, opts *GetOptions) (*result.HeadObjectResult, error) {
	tmp := filename + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, errs.Wrap(errs.ErrCategoryClient, errs.CodeInvalidArgument, "failed to create file", err)
	}

	o := GetOptions{}
	if opts != nil {
		o = *opts
	}
	o.sink = f

	res, err := b.getToSink(ctx, key, &o)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errs.NewInternalError("failed to close file", cerr)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, filename); err != nil {
		_ = os.Remove(tmp)
		return nil, errs.NewInternalError("failed to rename file", err)
	}
	return res, nil
}

func (b *Bucket) getToSink(ctx context.Context, key string, opts *GetOptions) (*result.HeadObjectResult, error) {
	res, err := b.GetObject(ctx, key, opts)
	if err != nil {
		return nil, err
	}
	defer res.Close()
	if _, err := res.body.Drain(ctx); err != nil {
		return nil, err
	}
	return &res.HeadObjectResult, nil
}

// HeadObject returns the object's metadata headers.
func (b *Bucket) HeadObject(ctx context.Context, key string, header http.Header) (*result.HeadObjectResult, error) {
	return b.head(ctx, key, nil, header)
}

// GetObjectMeta returns the basic metadata (size, ETag, modification time).
func (b *Bucket) GetObjectMeta(ctx context.Context, key string) (*result.HeadObjectResult, error) {
	return b.head(ctx, key, url.Values{"objectMeta": {""}}, nil)
}

func (b *Bucket) head(ctx context.Context, key string, query url.Values, header http.Header) (*result.HeadObjectResult, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	var res *result.HeadObjectResult
	err := b.retryWithBackoff(ctx, "head object", func() error {
		p, err := b.send(ctx, call{method: http.MethodHead, key: key, query: query, header: mergeHeader(nil, header)})
		if err != nil {
			return err
		}
		res, err = result.AwaitAndParse(ctx, p, result.Discard[result.HeadObjectResult], result.NewHeadObjectResult)
		return err
	})
	return res, err
}

// ObjectExists reports whether key exists. A missing bucket is an error.
func (b *Bucket) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := b.GetObjectMeta(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errs.ErrNoSuchKey), errors.Is(err, errs.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// CopyOptions configures a server-side copy.
type CopyOptions struct {
	// Header may set x-oss-metadata-directive: REPLACE with new metadata.
	Header http.Header
}

// CopyObject copies srcBucket/srcKey to dstKey in this bucket.
func (b *Bucket) CopyObject(ctx context.Context, srcBucket, srcKey, dstKey string, opts *CopyOptions) (*result.CopyObjectResult, error) {
	if srcBucket == "" {
		return nil, errs.NewClientError(errs.CodeInvalidArgument, "source bucket name must not be empty")
	}
	if err := requireKey(srcKey); err != nil {
		return nil, err
	}
	if err := requireKey(dstKey); err != nil {
		return nil, err
	}
	header := http.Header{}
	if opts != nil {
		header = mergeHeader(header, opts.Header)
	}
	header.Set(headerCopySource, escapeKeyPath("/"+srcBucket+"/"+srcKey))

	p, err := b.send(ctx, call{method: http.MethodPut, key: dstKey, header: header})
	if err != nil {
		return nil, err
	}
	return result.AwaitAndParse(ctx, p, result.ParseCopyObject, result.NewCopyObjectResult)
}

// DeleteObject removes key. Deleting a missing key succeeds.
func (b *Bucket) DeleteObject(ctx context.Context, key string) (*result.RequestResult, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	var res *result.RequestResult
	err := b.retryWithBackoff(ctx, "delete object", func() error {
		p, err := b.send(ctx, call{method: http.MethodDelete, key: key})
		if err != nil {
			return err
		}
		res, err = result.AwaitAndParse(ctx, p, result.Discard[result.RequestResult], result.NewRequestOnly)
		return err
	})
	return res, err
}

// RestoreObject starts restoring an archived object.
func (b *Bucket) RestoreObject(ctx context.Context, key string) (*result.RequestResult, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	p, err := b.send(ctx, call{method: http.MethodPost, key: key, query: url.Values{"restore": {""}}})
	if err != nil {
		return nil, err
	}
	return result.AwaitAndParse(ctx, p, result.Discard[result.RequestResult], result.NewRequestOnly)
}

// PutObjectACL sets the canned ACL of key.
func (b *Bucket) PutObjectACL(ctx context.Context, key, acl string) (*result.RequestResult, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	switch acl {
	case ACLDefault, ACLPrivate, ACLPublicRead, ACLPublicReadWrite:
	default:
		return nil, errs.NewClientError(errs.CodeInvalidArgument, fmt.Sprintf("invalid object acl %q", acl))
	}
	p, err := b.send(ctx, call{
		method: http.MethodPut,
		key:    key,
		query:  url.Values{"acl": {""}},
		header: http.Header{headerObjectACL: {acl}},
	})
	if err != nil {
		return nil, err
	}
	return result.AwaitAndParse(ctx, p, result.Discard[result.RequestResult], result.NewRequestOnly)
}

// GetObjectACL returns the canned ACL of key.
func (b *Bucket) GetObjectACL(ctx context.Context, key string) (*result.GetObjectACLResult, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	var res *result.GetObjectACLResult
	err := b.retryWithBackoff(ctx, "get object acl", func() error {
		p, err := b.send(ctx, call{method: http.MethodGet, key: key, query: url.Values{"acl": {""}}})
		if err != nil {
			return err
		}
		res, err = result.AwaitAndParse(ctx, p, result.ParseGetObjectACL, result.NewGetObjectACLResult)
		return err
	})
	return res, err
}

type deleteRequest struct {
	XMLName xml.Name       `xml:"Delete"`
	Quiet   bool           `xml:"Quiet"`
	Objects []deleteObject `xml:"Object"`
}

type deleteObject struct {
	Key string `xml:"Key"`
}

// BatchDeleteObjects removes up to 1000 keys in one request and returns the
// keys the server reports as deleted.
func (b *Bucket) BatchDeleteObjects(ctx context.Context, keys []string) (*result.BatchDeleteResult, error) {
	if len(keys) == 0 {
		return nil, errs.NewClientError(errs.CodeInvalidArgument, "keys must not be empty")
	}
	if len(keys) > maxBatchDeleteKeys {
		return nil, errs.NewClientError(errs.CodeInvalidArgument,
			fmt.Sprintf("at most %d keys per batch delete, got %d", maxBatchDeleteKeys, len(keys)))
	}

	doc := deleteRequest{}
	for _, k := range keys {
		if err := requireKey(k); err != nil {
			return nil, err
		}
		doc.Objects = append(doc.Objects, deleteObject{Key: k})
	}
	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, errs.NewInternalError("failed to encode delete request", err)
	}

	sum := md5.Sum(body)
	header := http.Header{}
	header.Set("Content-MD5", base64.StdEncoding.EncodeToString(sum[:]))
	header.Set("Content-Type", "application/xml")

	p, err := b.send(ctx, call{
		method:        http.MethodPost,
		query:         url.Values{"delete": {""}},
		header:        header,
		body:          bytes.NewReader(body),
		contentLength: int64(len(body)),
	})
	if err != nil {
		return nil, err
	}
	return result.AwaitAndParse(ctx, p, result.ParseBatchDelete, result.NewBatchDeleteResult)
}

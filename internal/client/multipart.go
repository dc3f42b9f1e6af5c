package client

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/ossx/ossx/internal/adapter"
	errs "github.com/ossx/ossx/internal/errors"
	"github.com/ossx/ossx/internal/result"
)

// Part identifies one uploaded part of a multipart upload.
type Part struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type completeRequest struct {
	XMLName xml.Name `xml:"CompleteMultipartUpload"`
	Parts   []Part   `xml:"Part"`
}

// InitMultipartUpload starts a multipart upload of key.
func (b *Bucket) InitMultipartUpload(ctx context.Context, key string, opts *PutOptions) (*result.InitMultipartUploadResult, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	header := http.Header{}
	if opts != nil {
		header = mergeHeader(header, opts.Header)
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", contentType(key))
	}

	p, err := b.send(ctx, call{method: http.MethodPost, key: key, query: url.Values{"uploads": {""}}, header: header})
	if err != nil {
		return nil, err
	}
	return result.AwaitAndParse(ctx, p, result.ParseInitMultipartUpload, result.NewInitMultipartUploadResult)
}

// UploadPart uploads part partNumber (1..10000) of an upload.
func (b *Bucket) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data any,
	progress adapter.ProgressFunc) (*result.PutObjectResult, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	if uploadID == "" {
		return nil, errs.NewClientError(errs.CodeInvalidArgument, "upload id must not be empty")
	}
	if partNumber < 1 || partNumber > 10000 {
		return nil, errs.NewClientError(errs.CodeInvalidArgument, fmt.Sprintf("part number %d out of range", partNumber))
	}

	a, size, err := b.uploadAdapter(data, progress, 0, b.enableCRC)
	if err != nil {
		return nil, err
	}
	p, err := b.send(ctx, call{
		method:        http.MethodPut,
		key:           key,
		query:         url.Values{"partNumber": {strconv.Itoa(partNumber)}, "uploadId": {uploadID}},
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
		if err := b.checkUploadCRC("upload part", a, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// CompleteMultipartUpload assembles the parts, ordered by part number.
func (b *Bucket) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) (*result.CompleteMultipartUploadResult, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	if uploadID == "" {
		return nil, errs.NewClientError(errs.CodeInvalidArgument, "upload id must not be empty")
	}

	sorted := append([]Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	body, err := xml.Marshal(completeRequest{Parts: sorted})
	if err != nil {
		return nil, errs.NewInternalError("failed to encode complete request", err)
	}

	p, err := b.send(ctx, call{
		method:        http.MethodPost,
		key:           key,
		query:         url.Values{"uploadId": {uploadID}},
		header:        http.Header{"Content-Type": {"application/xml"}},
		body:          bytes.NewReader(body),
		contentLength: int64(len(body)),
	})
	if err != nil {
		return nil, err
	}
	return result.AwaitAndParse(ctx, p, result.ParseCompleteMultipartUpload, result.NewCompleteMultipartUploadResult)
}

// AbortMultipartUpload cancels an upload and discards its parts.
func (b *Bucket) AbortMultipartUpload(ctx context.Context, key, uploadID string) (*result.RequestResult, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	if uploadID == "" {
		return nil, errs.NewClientError(errs.CodeInvalidArgument, "upload id must not be empty")
	}
	var res *result.RequestResult
	err := b.retryWithBackoff(ctx, "abort multipart upload", func() error {
		p, err := b.send(ctx, call{method: http.MethodDelete, key: key, query: url.Values{"uploadId": {uploadID}}})
		if err != nil {
			return err
		}
		res, err = result.AwaitAndParse(ctx, p, result.Discard[result.RequestResult], result.NewRequestOnly)
		return err
	})
	return res, err
}

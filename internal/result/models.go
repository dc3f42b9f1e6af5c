package result

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	errs "github.com/ossx/ossx/internal/errors"
	"github.com/ossx/ossx/internal/transport"
)

// Response headers read into typed results.
const (
	HeaderCRC64        = "x-oss-hash-crc64ecma"
	HeaderVersionID    = "x-oss-version-id"
	HeaderObjectType   = "x-oss-object-type"
	HeaderNextPosition = "x-oss-next-append-position"
	HeaderMetaPrefix   = "X-Oss-Meta-"
)

// PutObjectResult is returned by put, append and upload-part operations.
type PutObjectResult struct {
	RequestResult
	ETag      string
	VersionID string
	ServerCRC uint64
	HasCRC    bool
}

// NewPutObjectResult reads the put result headers.
func NewPutObjectResult(p *transport.PendingResponse) *PutObjectResult {
	r := &PutObjectResult{
		RequestResult: NewRequestResult(p),
		ETag:          trimETag(p.Header.Get("ETag")),
		VersionID:     p.Header.Get(HeaderVersionID),
	}
	r.ServerCRC, r.HasCRC = parseCRC(p.Header.Get(HeaderCRC64))
	return r
}

// AppendObjectResult adds the position the next append must use.
type AppendObjectResult struct {
	PutObjectResult
	NextPosition int64
}

// NewAppendObjectResult reads the append result headers.
func NewAppendObjectResult(p *transport.PendingResponse) *AppendObjectResult {
	r := &AppendObjectResult{PutObjectResult: *NewPutObjectResult(p)}
	r.NextPosition, _ = strconv.ParseInt(p.Header.Get(HeaderNextPosition), 10, 64)
	return r
}

// HeadObjectResult describes an object without its body.
type HeadObjectResult struct {
	RequestResult
	ContentLength int64
	ContentType   string
	ETag          string
	LastModified  time.Time
	ObjectType    string
	VersionID     string
	ServerCRC     uint64
	HasCRC        bool
	Meta          map[string]string
}

// NewHeadObjectResult reads object metadata from headers.
func NewHeadObjectResult(p *transport.PendingResponse) *HeadObjectResult {
	h := p.Header
	r := &HeadObjectResult{
		RequestResult: NewRequestResult(p),
		ContentLength: -1,
		ContentType:   h.Get("Content-Type"),
		ETag:          trimETag(h.Get("ETag")),
		ObjectType:    h.Get(HeaderObjectType),
		VersionID:     h.Get(HeaderVersionID),
		Meta:          make(map[string]string),
	}
	if v := h.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			r.ContentLength = n
		}
	}
	if t, err := time.Parse(time.RFC1123, h.Get("Last-Modified")); err == nil {
		r.LastModified = t
	}
	r.ServerCRC, r.HasCRC = parseCRC(h.Get(HeaderCRC64))
	for k, vs := range h {
		if len(vs) > 0 && strings.HasPrefix(k, HeaderMetaPrefix) {
			r.Meta[strings.ToLower(strings.TrimPrefix(k, HeaderMetaPrefix))] = vs[0]
		}
	}
	return r
}

// ObjectInfo is one entry of a listing.
type ObjectInfo struct {
	Key          string    `xml:"Key"`
	LastModified time.Time `xml:"LastModified"`
	ETag         string    `xml:"ETag"`
	Type         string    `xml:"Type"`
	Size         int64     `xml:"Size"`
	StorageClass string    `xml:"StorageClass"`
}

// ListObjectsV2Result is one page of a ListObjectsV2 call.
type ListObjectsV2Result struct {
	RequestResult
	Name                  string
	Prefix                string
	StartAfter            string
	Delimiter             string
	MaxKeys               int
	KeyCount              int
	IsTruncated           bool
	NextContinuationToken string
	Objects               []ObjectInfo
	Prefixes              []string
}

type listBucketV2XML struct {
	Name                  string       `xml:"Name"`
	Prefix                string       `xml:"Prefix"`
	StartAfter            string       `xml:"StartAfter"`
	Delimiter             string       `xml:"Delimiter"`
	MaxKeys               int          `xml:"MaxKeys"`
	KeyCount              int          `xml:"KeyCount"`
	EncodingType          string       `xml:"EncodingType"`
	IsTruncated           bool         `xml:"IsTruncated"`
	NextContinuationToken string       `xml:"NextContinuationToken"`
	Contents              []ObjectInfo `xml:"Contents"`
	CommonPrefixes        []struct {
		Prefix string `xml:"Prefix"`
	} `xml:"CommonPrefixes"`
}

// NewListObjectsV2Result builds an empty listing result.
func NewListObjectsV2Result(p *transport.PendingResponse) *ListObjectsV2Result {
	return &ListObjectsV2Result{RequestResult: NewRequestResult(p)}
}

// ParseListObjectsV2 decodes a ListBucketResult document. Keys and prefixes
// are URL-decoded when the server says it encoded them.
func ParseListObjectsV2(r *ListObjectsV2Result, body []byte) error {
	if isEmpty(body) {
		return nil
	}
	var doc listBucketV2XML
	if err := unmarshal(body, &doc, "ListBucketResult"); err != nil {
		return err
	}

	decode := func(s string) (string, error) { return s, nil }
	if doc.EncodingType == "url" {
		decode = url.QueryUnescape
	}

	var err error
	r.Name = doc.Name
	r.MaxKeys = doc.MaxKeys
	r.KeyCount = doc.KeyCount
	r.IsTruncated = doc.IsTruncated
	r.NextContinuationToken = doc.NextContinuationToken
	if r.Prefix, err = decode(doc.Prefix); err != nil {
		return parseError("ListBucketResult", err)
	}
	if r.StartAfter, err = decode(doc.StartAfter); err != nil {
		return parseError("ListBucketResult", err)
	}
	if r.Delimiter, err = decode(doc.Delimiter); err != nil {
		return parseError("ListBucketResult", err)
	}
	for _, o := range doc.Contents {
		if o.Key, err = decode(o.Key); err != nil {
			return parseError("ListBucketResult", err)
		}
		o.ETag = trimETag(o.ETag)
		r.Objects = append(r.Objects, o)
	}
	for _, p := range doc.CommonPrefixes {
		prefix, err := decode(p.Prefix)
		if err != nil {
			return parseError("ListBucketResult", err)
		}
		r.Prefixes = append(r.Prefixes, prefix)
	}
	return nil
}

// InitMultipartUploadResult carries the id of a new multipart upload.
type InitMultipartUploadResult struct {
	RequestResult
	Bucket   string
	Key      string
	UploadID string
}

// NewInitMultipartUploadResult builds an empty result.
func NewInitMultipartUploadResult(p *transport.PendingResponse) *InitMultipartUploadResult {
	return &InitMultipartUploadResult{RequestResult: NewRequestResult(p)}
}

// ParseInitMultipartUpload decodes an InitiateMultipartUploadResult document.
func ParseInitMultipartUpload(r *InitMultipartUploadResult, body []byte) error {
	if isEmpty(body) {
		return nil
	}
	var doc struct {
		Bucket   string `xml:"Bucket"`
		Key      string `xml:"Key"`
		UploadID string `xml:"UploadId"`
	}
	if err := unmarshal(body, &doc, "InitiateMultipartUploadResult"); err != nil {
		return err
	}
	r.Bucket, r.Key, r.UploadID = doc.Bucket, doc.Key, doc.UploadID
	return nil
}

// CompleteMultipartUploadResult describes the assembled object.
type CompleteMultipartUploadResult struct {
	PutObjectResult
	Bucket   string
	Key      string
	Location string
}

// NewCompleteMultipartUploadResult reads the result headers.
func NewCompleteMultipartUploadResult(p *transport.PendingResponse) *CompleteMultipartUploadResult {
	return &CompleteMultipartUploadResult{PutObjectResult: *NewPutObjectResult(p)}
}

// ParseCompleteMultipartUpload decodes a CompleteMultipartUploadResult
// document.
func ParseCompleteMultipartUpload(r *CompleteMultipartUploadResult, body []byte) error {
	if isEmpty(body) {
		return nil
	}
	var doc struct {
		Location string `xml:"Location"`
		Bucket   string `xml:"Bucket"`
		Key      string `xml:"Key"`
		ETag     string `xml:"ETag"`
	}
	if err := unmarshal(body, &doc, "CompleteMultipartUploadResult"); err != nil {
		return err
	}
	r.Location, r.Bucket, r.Key = doc.Location, doc.Bucket, doc.Key
	if doc.ETag != "" {
		r.ETag = trimETag(doc.ETag)
	}
	return nil
}

// CopyObjectResult describes the destination of a server-side copy.
type CopyObjectResult struct {
	RequestResult
	ETag         string
	LastModified time.Time
	VersionID    string
}

// NewCopyObjectResult builds a result from the copy response headers.
func NewCopyObjectResult(p *transport.PendingResponse) *CopyObjectResult {
	return &CopyObjectResult{
		RequestResult: NewRequestResult(p),
		VersionID:     p.Header.Get(HeaderVersionID),
	}
}

// ParseCopyObject decodes a CopyObjectResult document.
func ParseCopyObject(r *CopyObjectResult, body []byte) error {
	if isEmpty(body) {
		return nil
	}
	var doc struct {
		ETag         string    `xml:"ETag"`
		LastModified time.Time `xml:"LastModified"`
	}
	if err := unmarshal(body, &doc, "CopyObjectResult"); err != nil {
		return err
	}
	r.ETag, r.LastModified = trimETag(doc.ETag), doc.LastModified
	return nil
}

// GetObjectACLResult carries the canned ACL of an object.
type GetObjectACLResult struct {
	RequestResult
	Owner string
	ACL   string
}

// NewGetObjectACLResult builds an empty result.
func NewGetObjectACLResult(p *transport.PendingResponse) *GetObjectACLResult {
	return &GetObjectACLResult{RequestResult: NewRequestResult(p)}
}

// ParseGetObjectACL decodes an AccessControlPolicy document.
func ParseGetObjectACL(r *GetObjectACLResult, body []byte) error {
	if isEmpty(body) {
		return nil
	}
	var doc struct {
		Owner struct {
			ID string `xml:"ID"`
		} `xml:"Owner"`
		Grant string `xml:"AccessControlList>Grant"`
	}
	if err := unmarshal(body, &doc, "AccessControlPolicy"); err != nil {
		return err
	}
	r.Owner, r.ACL = doc.Owner.ID, doc.Grant
	return nil
}

// BatchDeleteResult lists the keys a multi-object delete removed.
type BatchDeleteResult struct {
	RequestResult
	DeletedKeys []string
}

// NewBatchDeleteResult builds an empty result.
func NewBatchDeleteResult(p *transport.PendingResponse) *BatchDeleteResult {
	return &BatchDeleteResult{RequestResult: NewRequestResult(p)}
}

// ParseBatchDelete decodes a DeleteResult document.
func ParseBatchDelete(r *BatchDeleteResult, body []byte) error {
	if isEmpty(body) {
		return nil
	}
	var doc struct {
		EncodingType string `xml:"EncodingType"`
		Deleted      []struct {
			Key string `xml:"Key"`
		} `xml:"Deleted"`
	}
	if err := unmarshal(body, &doc, "DeleteResult"); err != nil {
		return err
	}
	for _, d := range doc.Deleted {
		key := d.Key
		if doc.EncodingType == "url" {
			k, err := url.QueryUnescape(key)
			if err != nil {
				return parseError("DeleteResult", err)
			}
			key = k
		}
		r.DeletedKeys = append(r.DeletedKeys, key)
	}
	return nil
}

// NewRequestOnly builds a bare RequestResult for operations with no fields.
func NewRequestOnly(p *transport.PendingResponse) *RequestResult {
	r := NewRequestResult(p)
	return &r
}

func isEmpty(body []byte) bool {
	return len(bytes.TrimSpace(body)) == 0
}

func unmarshal(body []byte, v any, doc string) error {
	if err := xml.Unmarshal(body, v); err != nil {
		return parseError(doc, err)
	}
	return nil
}

func parseError(doc string, err error) error {
	return errs.Wrap(errs.ErrCategoryProtocol, errs.CodeMalformedBody,
		fmt.Sprintf("failed to parse %s", doc), err)
}

func trimETag(s string) string {
	return strings.Trim(s, `"`)
}

func parseCRC(v string) (uint64, bool) {
	if v == "" {
		return 0, false
	}
	crc, err := strconv.ParseUint(v, 10, 64)
	return crc, err == nil
}

// Package osstest provides an in-process object storage server speaking the
// subset of the OSS REST protocol the client uses. Buckets are addressed
// path-style: /<bucket>/<key>.
package osstest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ossx/ossx/internal/adapter"
	"github.com/ossx/ossx/internal/auth"
	"github.com/ossx/ossx/internal/selectframe"
)

const lastModifiedLayout = "2006-01-02T15:04:05.000Z"

type object struct {
	data        []byte
	contentType string
	meta        http.Header
	acl         string
	objectType  string
	modified    time.Time
}

type upload struct {
	bucket string
	key    string
	parts  map[int][]byte
}

type failure struct {
	status int
	code   string
}

// Request is one request as seen by the server.
type Request struct {
	Method string
	Bucket string
	Key    string
	Query  url.Values
	Header http.Header
}

// Server is a fake object store. It is safe for concurrent use.
type Server struct {
	*httptest.Server

	accessKeyID     string
	accessKeySecret string
	frameSize       int

	mu          sync.Mutex
	buckets     map[string]map[string]*object
	uploads     map[string]*upload
	failures    []failure
	requests    []Request
	selectError string
	corruptCRC  bool
}

// Option configures a Server.
type Option func(*Server)

// WithCredentials makes the server verify V1 signatures made with the pair.
func WithCredentials(accessKeyID, accessKeySecret string) Option {
	return func(s *Server) {
		s.accessKeyID = accessKeyID
		s.accessKeySecret = accessKeySecret
	}
}

// WithFrameSize sets the payload size of SELECT data frames.
func WithFrameSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.frameSize = n
		}
	}
}

// NewServer starts a server holding the named, empty buckets.
func NewServer(buckets []string, opts ...Option) *Server {
	s := &Server{
		frameSize: 64,
		buckets:   make(map[string]map[string]*object),
		uploads:   make(map[string]*upload),
	}
	for _, b := range buckets {
		s.buckets[b] = make(map[string]*object)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// PutObject stores data directly, bypassing HTTP.
func (s *Server) PutObject(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[bucket][key] = &object{
		data:        append([]byte(nil), data...),
		contentType: "application/octet-stream",
		meta:        http.Header{},
		acl:         "default",
		objectType:  "Normal",
		modified:    time.Now().UTC(),
	}
}

// Object returns a stored object's content.
func (s *Server) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// FailNext makes the next n requests fail with status and code.
func (s *Server) FailNext(n, status int, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, failure{status: status, code: code})
	}
}

// SetSelectError makes SELECT responses end with errText ("Code.Message").
func (s *Server) SetSelectError(errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectError = errText
}

// SetCorruptCRC makes every CRC64 response header wrong.
func (s *Server) SetCorruptCRC(corrupt bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corruptCRC = corrupt
}

// Requests returns the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	bucket, key := splitPath(r.URL.Path)
	reqID := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	w.Header().Set("x-oss-request-id", reqID)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "IncompleteBody", err.Error(), reqID)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, Request{
		Method: r.Method,
		Bucket: bucket,
		Key:    key,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
	})
	if len(s.failures) > 0 {
		f := s.failures[0]
		s.failures = s.failures[1:]
		writeError(w, r, f.status, f.code, "injected failure", reqID)
		return
	}
	if s.accessKeySecret != "" && !s.authorized(r, bucket, key) {
		writeError(w, r, http.StatusForbidden, "SignatureDoesNotMatch", "signature mismatch", reqID)
		return
	}

	objs, ok := s.buckets[bucket]
	if !ok {
		writeError(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist.", reqID)
		return
	}

	q := r.URL.Query()
	switch {
	case key == "" && r.Method == http.MethodGet:
		s.list(w, bucket, objs, q)
	case key == "" && r.Method == http.MethodPost && q.Has("delete"):
		s.batchDelete(w, r, objs, body)
	case key == "":
		writeError(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed", "unsupported bucket operation", reqID)
	case r.Method == http.MethodPost && q.Has("uploads"):
		s.initUpload(w, bucket, key)
	case r.Method == http.MethodPost && q.Has("uploadId"):
		s.completeUpload(w, r, objs, bucket, key, q.Get("uploadId"), body, reqID)
	case r.Method == http.MethodPut && q.Has("uploadId"):
		s.uploadPart(w, r, q, body, reqID)
	case r.Method == http.MethodDelete && q.Has("uploadId"):
		s.abortUpload(w, r, q.Get("uploadId"), reqID)
	case r.Method == http.MethodPut && q.Has("acl"):
		s.putACL(w, r, objs[key], reqID)
	case r.Method == http.MethodGet && q.Has("acl"):
		s.getACL(w, r, objs[key], reqID)
	case r.Method == http.MethodPost && q.Has("append"):
		s.appendObject(w, r, objs, key, q, body, reqID)
	case r.Method == http.MethodPost && q.Has("restore"):
		s.restore(w, r, objs[key], reqID)
	case r.Method == http.MethodPost && q.Get("x-oss-process") != "":
		s.selectObject(w, r, objs[key], q.Get("x-oss-process"), body, reqID)
	case r.Method == http.MethodPut && r.Header.Get("x-oss-copy-source") != "":
		s.copyObject(w, r, objs, key, reqID)
	case r.Method == http.MethodPut:
		s.putObject(w, r, objs, key, body, reqID)
	case r.Method == http.MethodGet, r.Method == http.MethodHead:
		s.getObject(w, r, objs[key], reqID)
	case r.Method == http.MethodDelete:
		delete(objs, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed", "unsupported object operation", reqID)
	}
}

func (s *Server) authorized(r *http.Request, bucket, key string) bool {
	got := r.Header.Get("Authorization")
	clone := r.Clone(context.Background())
	clone.Header.Del("Authorization")
	signer := auth.NewV1Signer(s.accessKeyID, s.accessKeySecret, "")
	if err := signer.Sign(context.Background(), clone, bucket, key); err != nil {
		return false
	}
	return clone.Header.Get("Authorization") == got
}

func (s *Server) crcHeader(data []byte) string {
	crc := adapter.CRC64(0, data)
	if s.corruptCRC {
		crc ^= 1
	}
	return adapter.FormatCRC64(crc)
}

func (s *Server) putObject(w http.ResponseWriter, r *http.Request, objs map[string]*object, key string, body []byte, reqID string) {
	existing := objs[key]
	if r.Header.Get("x-oss-forbid-overwrite") == "true" && existing != nil {
		writeError(w, r, http.StatusConflict, "FileAlreadyExists", "The object you specified already exists and can not be overwritten.", reqID)
		return
	}
	if match := r.Header.Get("If-Match"); match != "" && (existing == nil || strings.Trim(match, `"`) != strings.Trim(etag(existing.data), `"`)) {
		writeError(w, r, http.StatusPreconditionFailed, "PreconditionFailed", "At least one of the pre-conditions you specified did not hold.", reqID)
		return
	}
	objs[key] = &object{
		data:        body,
		contentType: r.Header.Get("Content-Type"),
		meta:        metaHeaders(r.Header),
		acl:         aclOrDefault(r.Header.Get("x-oss-object-acl")),
		objectType:  "Normal",
		modified:    time.Now().UTC(),
	}
	w.Header().Set("ETag", etag(body))
	w.Header().Set(adapter.HeaderCRC64, s.crcHeader(body))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) appendObject(w http.ResponseWriter, r *http.Request, objs map[string]*object,
	key string, q url.Values, body []byte, reqID string) {
	pos, err := strconv.ParseInt(q.Get("position"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidArgument", "invalid position", reqID)
		return
	}

	obj := objs[key]
	switch {
	case obj == nil && pos != 0:
		w.Header().Set("x-oss-next-append-position", "0")
		writeError(w, r, http.StatusConflict, "PositionNotEqualToLength", "position is not equal to file length", reqID)
		return
	case obj == nil:
		obj = &object{
			contentType: r.Header.Get("Content-Type"),
			meta:        metaHeaders(r.Header),
			acl:         "default",
			objectType:  "Appendable",
		}
		objs[key] = obj
	case obj.objectType != "Appendable":
		writeError(w, r, http.StatusConflict, "ObjectNotAppendable", "the object is not appendable", reqID)
		return
	case pos != int64(len(obj.data)):
		w.Header().Set("x-oss-next-append-position", strconv.Itoa(len(obj.data)))
		writeError(w, r, http.StatusConflict, "PositionNotEqualToLength", "position is not equal to file length", reqID)
		return
	}

	obj.data = append(obj.data, body...)
	obj.modified = time.Now().UTC()
	w.Header().Set("ETag", etag(obj.data))
	w.Header().Set("x-oss-next-append-position", strconv.Itoa(len(obj.data)))
	w.Header().Set(adapter.HeaderCRC64, s.crcHeader(obj.data))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getObject(w http.ResponseWriter, r *http.Request, obj *object, reqID string) {
	if obj == nil {
		writeError(w, r, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.", reqID)
		return
	}

	h := w.Header()
	h.Set("Content-Type", obj.contentType)
	h.Set("ETag", etag(obj.data))
	h.Set("Last-Modified", obj.modified.Format(http.TimeFormat))
	h.Set("x-oss-object-type", obj.objectType)
	h.Set(adapter.HeaderCRC64, s.crcHeader(obj.data))
	for k, vs := range obj.meta {
		h[k] = vs
	}

	data := obj.data
	status := http.StatusOK
	if rng := r.Header.Get("Range"); rng != "" {
		start, end, ok := parseRange(rng, int64(len(data)))
		if !ok {
			writeError(w, r, http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "The requested range cannot be satisfied.", reqID)
			return
		}
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		data = data[start : end+1]
		status = http.StatusPartialContent
	}

	h.Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
}

func (s *Server) copyObject(w http.ResponseWriter, r *http.Request, objs map[string]*object, key, reqID string) {
	src, err := url.PathUnescape(r.Header.Get("x-oss-copy-source"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidArgument", "invalid copy source", reqID)
		return
	}
	srcBucket, srcKey := splitPath(src)
	srcObjs, ok := s.buckets[srcBucket]
	if !ok {
		writeError(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist.", reqID)
		return
	}
	obj, ok := srcObjs[srcKey]
	if !ok {
		writeError(w, r, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.", reqID)
		return
	}

	cp := *obj
	cp.data = append([]byte(nil), obj.data...)
	cp.modified = time.Now().UTC()
	if strings.EqualFold(r.Header.Get("x-oss-metadata-directive"), "REPLACE") {
		cp.meta = metaHeaders(r.Header)
		cp.contentType = r.Header.Get("Content-Type")
	}
	objs[key] = &cp

	writeXML(w, http.StatusOK, struct {
		XMLName      xml.Name `xml:"CopyObjectResult"`
		ETag         string   `xml:"ETag"`
		LastModified string   `xml:"LastModified"`
	}{ETag: etag(cp.data), LastModified: cp.modified.Format(lastModifiedLayout)})
}

func (s *Server) putACL(w http.ResponseWriter, r *http.Request, obj *object, reqID string) {
	if obj == nil {
		writeError(w, r, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.", reqID)
		return
	}
	acl := r.Header.Get("x-oss-object-acl")
	switch acl {
	case "default", "private", "public-read", "public-read-write":
	default:
		writeError(w, r, http.StatusBadRequest, "InvalidArgument", "no such object access right", reqID)
		return
	}
	obj.acl = acl
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getACL(w http.ResponseWriter, r *http.Request, obj *object, reqID string) {
	if obj == nil {
		writeError(w, r, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.", reqID)
		return
	}
	type owner struct {
		ID          string `xml:"ID"`
		DisplayName string `xml:"DisplayName"`
	}
	writeXML(w, http.StatusOK, struct {
		XMLName xml.Name `xml:"AccessControlPolicy"`
		Owner   owner    `xml:"Owner"`
		Grant   string   `xml:"AccessControlList>Grant"`
	}{Owner: owner{ID: "osstest", DisplayName: "osstest"}, Grant: obj.acl})
}

func (s *Server) restore(w http.ResponseWriter, r *http.Request, obj *object, reqID string) {
	if obj == nil {
		writeError(w, r, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.", reqID)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) batchDelete(w http.ResponseWriter, r *http.Request, objs map[string]*object, body []byte) {
	var doc struct {
		Quiet   bool `xml:"Quiet"`
		Objects []struct {
			Key string `xml:"Key"`
		} `xml:"Object"`
	}
	if err := xml.Unmarshal(body, &doc); err != nil {
		writeError(w, r, http.StatusBadRequest, "MalformedXML", err.Error(), "")
		return
	}

	type deleted struct {
		Key string `xml:"Key"`
	}
	res := struct {
		XMLName xml.Name  `xml:"DeleteResult"`
		Deleted []deleted `xml:"Deleted"`
	}{}
	for _, o := range doc.Objects {
		delete(objs, o.Key)
		if !doc.Quiet {
			res.Deleted = append(res.Deleted, deleted{Key: o.Key})
		}
	}
	writeXML(w, http.StatusOK, res)
}

func (s *Server) initUpload(w http.ResponseWriter, bucket, key string) {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	s.uploads[id] = &upload{bucket: bucket, key: key, parts: make(map[int][]byte)}
	writeXML(w, http.StatusOK, struct {
		XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
		Bucket   string   `xml:"Bucket"`
		Key      string   `xml:"Key"`
		UploadID string   `xml:"UploadId"`
	}{Bucket: bucket, Key: key, UploadID: id})
}

func (s *Server) uploadPart(w http.ResponseWriter, r *http.Request, q url.Values, body []byte, reqID string) {
	up, ok := s.uploads[q.Get("uploadId")]
	if !ok {
		writeError(w, r, http.StatusNotFound, "NoSuchUpload", "The specified upload does not exist.", reqID)
		return
	}
	n, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || n < 1 || n > 10000 {
		writeError(w, r, http.StatusBadRequest, "InvalidArgument", "invalid part number", reqID)
		return
	}
	up.parts[n] = body
	w.Header().Set("ETag", etag(body))
	w.Header().Set(adapter.HeaderCRC64, s.crcHeader(body))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) completeUpload(w http.ResponseWriter, r *http.Request, objs map[string]*object,
	bucket, key, id string, body []byte, reqID string) {
	up, ok := s.uploads[id]
	if !ok {
		writeError(w, r, http.StatusNotFound, "NoSuchUpload", "The specified upload does not exist.", reqID)
		return
	}
	var doc struct {
		Parts []struct {
			PartNumber int    `xml:"PartNumber"`
			ETag       string `xml:"ETag"`
		} `xml:"Part"`
	}
	if err := xml.Unmarshal(body, &doc); err != nil {
		writeError(w, r, http.StatusBadRequest, "MalformedXML", err.Error(), reqID)
		return
	}

	var data []byte
	for _, p := range doc.Parts {
		part, ok := up.parts[p.PartNumber]
		if !ok || strings.Trim(p.ETag, `"`) != strings.Trim(etag(part), `"`) {
			writeError(w, r, http.StatusBadRequest, "InvalidPart", "one or more of the specified parts could not be found", reqID)
			return
		}
		data = append(data, part...)
	}
	delete(s.uploads, id)
	objs[key] = &object{
		data:        data,
		contentType: "application/octet-stream",
		meta:        http.Header{},
		acl:         "default",
		objectType:  "Multipart",
		modified:    time.Now().UTC(),
	}

	tag := etag(data)
	w.Header().Set(adapter.HeaderCRC64, s.crcHeader(data))
	writeXML(w, http.StatusOK, struct {
		XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
		Location string   `xml:"Location"`
		Bucket   string   `xml:"Bucket"`
		Key      string   `xml:"Key"`
		ETag     string   `xml:"ETag"`
	}{Location: "/" + bucket + "/" + key, Bucket: bucket, Key: key, ETag: tag})
}

func (s *Server) abortUpload(w http.ResponseWriter, r *http.Request, id, reqID string) {
	if _, ok := s.uploads[id]; !ok {
		writeError(w, r, http.StatusNotFound, "NoSuchUpload", "The specified upload does not exist.", reqID)
		return
	}
	delete(s.uploads, id)
	w.WriteHeader(http.StatusNoContent)
}

type listEntry struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Type         string `xml:"Type"`
	Size         int    `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

func (s *Server) list(w http.ResponseWriter, bucket string, objs map[string]*object, q url.Values) {
	prefix, delim := q.Get("prefix"), q.Get("delimiter")
	maxKeys := 100
	if v, err := strconv.Atoi(q.Get("max-keys")); err == nil && v > 0 {
		maxKeys = v
	}
	after := q.Get("start-after")
	if tok := q.Get("continuation-token"); tok != "" {
		after = tok
	}

	keys := make([]string, 0, len(objs))
	for k := range objs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res := struct {
		XMLName               xml.Name       `xml:"ListBucketResult"`
		Name                  string         `xml:"Name"`
		Prefix                string         `xml:"Prefix"`
		MaxKeys               int            `xml:"MaxKeys"`
		Delimiter             string         `xml:"Delimiter"`
		IsTruncated           bool           `xml:"IsTruncated"`
		NextContinuationToken string         `xml:"NextContinuationToken,omitempty"`
		KeyCount              int            `xml:"KeyCount"`
		Contents              []listEntry    `xml:"Contents"`
		CommonPrefixes        []commonPrefix `xml:"CommonPrefixes"`
	}{Name: bucket, Prefix: prefix, MaxKeys: maxKeys, Delimiter: delim}

	seen := make(map[string]bool)
	last := ""
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) || k <= after {
			continue
		}
		if after != "" && delim != "" && strings.HasSuffix(after, delim) && strings.HasPrefix(k, after) {
			continue
		}

		entry := k
		isPrefix := false
		if delim != "" {
			if i := strings.Index(k[len(prefix):], delim); i >= 0 {
				entry = k[:len(prefix)+i+len(delim)]
				isPrefix = true
			}
		}
		if seen[entry] {
			continue
		}
		if res.KeyCount == maxKeys {
			res.IsTruncated = true
			res.NextContinuationToken = last
			break
		}
		seen[entry] = true
		last = entry
		res.KeyCount++

		if isPrefix {
			res.CommonPrefixes = append(res.CommonPrefixes, commonPrefix{Prefix: entry})
			continue
		}
		obj := objs[k]
		res.Contents = append(res.Contents, listEntry{
			Key:          k,
			LastModified: obj.modified.Format(lastModifiedLayout),
			ETag:         etag(obj.data),
			Type:         obj.objectType,
			Size:         len(obj.data),
			StorageClass: "Standard",
		})
	}
	writeXML(w, http.StatusOK, res)
}

type csvFormat struct {
	FileHeaderInfo string `xml:"FileHeaderInfo"`
	Range          string `xml:"Range"`
}

type selectRequest struct {
	Expression string `xml:"Expression"`
	Input      struct {
		CSV  *csvFormat `xml:"CSV"`
		JSON *struct {
			Type  string `xml:"Type"`
			Range string `xml:"Range"`
		} `xml:"JSON"`
	} `xml:"InputSerialization"`
	Output struct {
		OutputRawData bool `xml:"OutputRawData"`
	} `xml:"OutputSerialization"`
}

// selectObject answers every query with the selected lines of the object,
// honouring the header line and line-range options.
func (s *Server) selectObject(w http.ResponseWriter, r *http.Request, obj *object, process string, body []byte, reqID string) {
	if obj == nil {
		writeError(w, r, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.", reqID)
		return
	}
	var req selectRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "MalformedXML", err.Error(), reqID)
		return
	}

	lines := strings.Split(strings.TrimSuffix(string(obj.data), "\n"), "\n")
	if len(obj.data) == 0 {
		lines = nil
	}
	rng := ""
	switch {
	case req.Input.CSV != nil:
		if hi := req.Input.CSV.FileHeaderInfo; (hi == "Use" || hi == "Ignore") && len(lines) > 0 {
			lines = lines[1:]
		}
		rng = req.Input.CSV.Range
	case req.Input.JSON != nil:
		rng = req.Input.JSON.Range
	}
	lines = applyLineRange(lines, rng)

	var enc selectframe.Encoder
	var out []byte
	switch process {
	case "csv/meta", "json/meta":
		status, errText := uint32(http.StatusOK), s.selectError
		if errText != "" {
			status = http.StatusBadRequest
		}
		splits := uint32(len(lines)/1000 + 1)
		if process == "csv/meta" {
			columns := uint32(0)
			if len(lines) > 0 {
				columns = uint32(strings.Count(lines[0], ",") + 1)
			}
			out = enc.MetaEnd(out, status, splits, uint64(len(lines)), columns, errText)
		} else {
			out = enc.JSONMetaEnd(out, status, splits, uint64(len(lines)), errText)
		}
	case "csv/select", "json/select":
		var result []byte
		for _, l := range lines {
			result = append(result, l...)
			result = append(result, '\n')
		}
		if req.Output.OutputRawData {
			w.Header().Set(selectframe.HeaderOutputRaw, "true")
			w.Header().Set("Content-Length", strconv.Itoa(len(result)))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(result)
			return
		}
		out = enc.Continuation(out)
		for len(result) > 0 {
			n := min(s.frameSize, len(result))
			out = enc.Data(out, result[:n])
			result = result[n:]
		}
		if s.selectError != "" {
			out = enc.End(out, http.StatusBadRequest, s.selectError)
		} else {
			out = enc.End(out, http.StatusOK, "")
		}
	default:
		writeError(w, r, http.StatusBadRequest, "InvalidArgument", "unsupported process "+process, reqID)
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(out)
}

func applyLineRange(lines []string, rng string) []string {
	spec, ok := strings.CutPrefix(rng, "line-range=")
	if !ok {
		return lines
	}
	a, b, _ := strings.Cut(spec, "-")
	start, err1 := strconv.Atoi(a)
	end, err2 := strconv.Atoi(b)
	if err1 != nil || err2 != nil || start > end || start >= len(lines) {
		return nil
	}
	end = min(end, len(lines)-1)
	return lines[start : end+1]
}

func parseRange(h string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(h, "bytes=")
	if !found {
		return 0, 0, false
	}
	a, b, _ := strings.Cut(spec, "-")
	start, err := strconv.ParseInt(a, 10, 64)
	if err != nil || start >= size {
		return 0, 0, false
	}
	end = size - 1
	if b != "" {
		e, err := strconv.ParseInt(b, 10, 64)
		if err != nil || e < start {
			return 0, 0, false
		}
		end = min(e, size-1)
	}
	return start, end, true
}

func splitPath(p string) (bucket, key string) {
	p = strings.TrimPrefix(p, "/")
	bucket, key, _ = strings.Cut(p, "/")
	return bucket, key
}

func metaHeaders(h http.Header) http.Header {
	meta := http.Header{}
	for k, vs := range h {
		if strings.HasPrefix(strings.ToLower(k), "x-oss-meta-") {
			meta[http.CanonicalHeaderKey(k)] = vs
		}
	}
	return meta
}

func aclOrDefault(acl string) string {
	if acl == "" {
		return "default"
	}
	return acl
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + strings.ToUpper(hex.EncodeToString(sum[:])) + `"`
}

func writeXML(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	_ = xml.NewEncoder(&buf).Encode(v)
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// writeError sends an OSS error document. HEAD responses cannot carry a
// body, so the document travels base64-encoded in x-oss-err instead.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message, reqID string) {
	doc := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Error>
  <Code>%s</Code>
  <Message>%s</Message>
  <RequestId>%s</RequestId>
  <HostId>osstest</HostId>
</Error>`, code, message, reqID)

	if r.Method == http.MethodHead {
		w.Header().Set("x-oss-err", base64.StdEncoding.EncodeToString([]byte(doc)))
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Length", strconv.Itoa(len(doc)))
	w.WriteHeader(status)
	_, _ = io.WriteString(w, doc)
}

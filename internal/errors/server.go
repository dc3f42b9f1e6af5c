package errors

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ServerError is a non-2xx HTTP response classified by (status, server code).
type ServerError struct {
	Status    int
	Header    http.Header
	Body      []byte
	Details   map[string]string
	Code      string
	Message   string
	RequestID string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("[%s:%s] status=%d message=%q (request id: %s)",
		ErrCategoryServer, e.Code, e.Status, e.Message, e.RequestID)
}

// Is matches a kind sentinel by status and server code.
func (e *ServerError) Is(target error) bool {
	t, ok := target.(*ServerError)
	if !ok {
		return false
	}
	return e.Status == t.Status && e.Code == t.Code
}

// Kind sentinels for errors.Is. Unknown (status, code) pairs match none of them.
var (
	ErrNotModified              = &ServerError{Status: 304, Code: ""}
	ErrInvalidArgument          = &ServerError{Status: 400, Code: "InvalidArgument"}
	ErrInvalidDigest            = &ServerError{Status: 400, Code: "InvalidDigest"}
	ErrInvalidObjectName        = &ServerError{Status: 400, Code: "InvalidObjectName"}
	ErrAccessDenied             = &ServerError{Status: 403, Code: "AccessDenied"}
	ErrNoSuchBucket             = &ServerError{Status: 404, Code: "NoSuchBucket"}
	ErrNoSuchKey                = &ServerError{Status: 404, Code: "NoSuchKey"}
	ErrNoSuchUpload             = &ServerError{Status: 404, Code: "NoSuchUpload"}
	ErrNotFound                 = &ServerError{Status: 404, Code: ""}
	ErrBucketNotEmpty           = &ServerError{Status: 409, Code: "BucketNotEmpty"}
	ErrObjectNotAppendable      = &ServerError{Status: 409, Code: "ObjectNotAppendable"}
	ErrPositionNotEqualToLength = &ServerError{Status: 409, Code: "PositionNotEqualToLength"}
	ErrFileAlreadyExists        = &ServerError{Status: 409, Code: "FileAlreadyExists"}
	ErrPreconditionFailed       = &ServerError{Status: 412, Code: "PreconditionFailed"}
	ErrInvalidRange             = &ServerError{Status: 416, Code: "InvalidRange"}
)

var knownKinds = []*ServerError{
	ErrNotModified, ErrInvalidArgument, ErrInvalidDigest, ErrInvalidObjectName,
	ErrAccessDenied, ErrNoSuchBucket, ErrNoSuchKey, ErrNoSuchUpload, ErrNotFound,
	ErrBucketNotEmpty, ErrObjectNotAppendable, ErrPositionNotEqualToLength,
	ErrFileAlreadyExists, ErrPreconditionFailed, ErrInvalidRange,
}

// Kind returns the recognised sentinel for e, or nil for a generic server error.
func (e *ServerError) Kind() *ServerError {
	for _, k := range knownKinds {
		if e.Is(k) {
			return k
		}
	}
	return nil
}

// NewServerError builds a ServerError from a raw response. body is the error
// document as returned by the server (possibly empty).
func NewServerError(status int, header http.Header, body []byte) *ServerError {
	details := ParseErrorBody(body)
	e := &ServerError{
		Status:    status,
		Header:    header,
		Body:      body,
		Details:   details,
		Code:      details["Code"],
		Message:   details["Message"],
		RequestID: details["RequestId"],
	}
	if e.RequestID == "" && header != nil {
		e.RequestID = header.Get("x-oss-request-id")
	}
	return e
}

// ParseErrorBody flattens the children of an <Error> document into a map.
// Bodies that are not XML yield an empty map.
func ParseErrorBody(body []byte) map[string]string {
	details := make(map[string]string)
	if len(bytes.TrimSpace(body)) == 0 {
		return details
	}

	dec := xml.NewDecoder(bytes.NewReader(body))
	depth := 0
	var name string
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return details
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				name = t.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if depth == 2 {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 2 {
				details[name] = strings.TrimSpace(text.String())
			}
			depth--
		}
	}
	return details
}

// InconsistentError reports a checksum mismatch between client and server.
type InconsistentError struct {
	Operation string
	ClientCRC uint64
	ServerCRC uint64
	RequestID string
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("[%s:%s] %s: client crc %d, server crc %d (request id: %s)",
		ErrCategoryIntegrity, CodeCRCMismatch, e.Operation, e.ClientCRC, e.ServerCRC, e.RequestID)
}

// Is matches any InconsistentError or the INTEGRITY/CRC_MISMATCH OssError.
func (e *InconsistentError) Is(target error) bool {
	switch t := target.(type) {
	case *InconsistentError:
		return true
	case *OssError:
		return t.Category == ErrCategoryIntegrity && t.Code == CodeCRCMismatch
	}
	return false
}

// SelectFailedError carries a query failure reported inside an END or
// META_END frame. Code and Message are preserved verbatim.
type SelectFailedError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *SelectFailedError) Error() string {
	return fmt.Sprintf("[%s:%s] status=%d code=%q message=%q (request id: %s)",
		ErrCategoryQuery, CodeSelectFailed, e.Status, e.Code, e.Message, e.RequestID)
}

// Is matches any SelectFailedError or the QUERY/SELECT_OPERATION_FAILED OssError.
func (e *SelectFailedError) Is(target error) bool {
	switch t := target.(type) {
	case *SelectFailedError:
		return true
	case *OssError:
		return t.Category == ErrCategoryQuery && t.Code == CodeSelectFailed
	}
	return false
}

// Sentinels for errors.Is against the typed errors above.
var (
	ErrInconsistent = New(ErrCategoryIntegrity, CodeCRCMismatch, "crc mismatch")
	ErrSelectFailed = New(ErrCategoryQuery, CodeSelectFailed, "select operation failed")
)

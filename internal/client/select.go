package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/ossx/ossx/internal/adapter"
	errs "github.com/ossx/ossx/internal/errors"
	"github.com/ossx/ossx/internal/result"
	"github.com/ossx/ossx/internal/selectframe"
	"github.com/ossx/ossx/internal/transport"
)

// SelectFormat is the input format of a SELECT query.
type SelectFormat string

const (
	FormatCSV  SelectFormat = "csv"
	FormatJSON SelectFormat = "json"
)

// JSON input types.
const (
	JSONDocument = "DOCUMENT"
	JSONLines    = "LINES"
)

// SelectOptions configures SelectObject. The zero value queries a CSV
// object without a header line.
type SelectOptions struct {
	Format SelectFormat
	// JSONType is DOCUMENT or LINES; required for JSON input.
	JSONType string

	// FileHeaderInfo is None, Ignore or Use (CSV only).
	FileHeaderInfo   string
	RecordDelimiter  string
	FieldDelimiter   string
	QuoteCharacter   string
	CommentCharacter string
	CompressionType  string

	// LineRange and SplitRange restrict the scan; at most one may be set.
	LineRange  *Range
	SplitRange *Range

	OutputRawData            bool
	OutputHeader             bool
	KeepAllColumns           bool
	SkipPartialDataRecord    bool
	MaxSkippedRecordsAllowed int

	Progress adapter.ProgressFunc
}

// SelectMetaOptions configures CreateSelectObjectMeta.
type SelectMetaOptions struct {
	Format            SelectFormat
	JSONType          string
	RecordDelimiter   string
	FieldDelimiter    string
	QuoteCharacter    string
	CompressionType   string
	OverwriteIfExists bool
	Progress          adapter.ProgressFunc
}

type csvInput struct {
	FileHeaderInfo   string `xml:"FileHeaderInfo,omitempty"`
	RecordDelimiter  string `xml:"RecordDelimiter,omitempty"`
	FieldDelimiter   string `xml:"FieldDelimiter,omitempty"`
	QuoteCharacter   string `xml:"QuoteCharacter,omitempty"`
	CommentCharacter string `xml:"CommentCharacter,omitempty"`
	Range            string `xml:"Range,omitempty"`
}

type jsonInput struct {
	Type  string `xml:"Type"`
	Range string `xml:"Range,omitempty"`
}

type inputSerialization struct {
	CompressionType string     `xml:"CompressionType,omitempty"`
	CSV             *csvInput  `xml:"CSV,omitempty"`
	JSON            *jsonInput `xml:"JSON,omitempty"`
}

type csvOutput struct {
	RecordDelimiter string `xml:"RecordDelimiter,omitempty"`
	FieldDelimiter  string `xml:"FieldDelimiter,omitempty"`
}

type jsonOutput struct {
	RecordDelimiter string `xml:"RecordDelimiter,omitempty"`
}

type outputSerialization struct {
	CSV              *csvOutput  `xml:"CSV,omitempty"`
	JSON             *jsonOutput `xml:"JSON,omitempty"`
	KeepAllColumns   bool        `xml:"KeepAllColumns,omitempty"`
	OutputRawData    bool        `xml:"OutputRawData"`
	EnablePayloadCrc bool        `xml:"EnablePayloadCrc"`
	OutputHeader     bool        `xml:"OutputHeader,omitempty"`
}

type selectOptionsXML struct {
	SkipPartialDataRecord    bool `xml:"SkipPartialDataRecord,omitempty"`
	MaxSkippedRecordsAllowed int  `xml:"MaxSkippedRecordsAllowed,omitempty"`
}

type selectRequest struct {
	XMLName    xml.Name            `xml:"SelectRequest"`
	Expression string              `xml:"Expression"`
	Input      inputSerialization  `xml:"InputSerialization"`
	Output     outputSerialization `xml:"OutputSerialization"`
	Options    *selectOptionsXML   `xml:"Options,omitempty"`
}

type metaRequest struct {
	XMLName           xml.Name
	Input             inputSerialization `xml:"InputSerialization"`
	OverwriteIfExists bool               `xml:"OverwriteIfExists"`
}

func b64(s string) string {
	if s == "" {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func checkFormat(format SelectFormat, jsonType string) (SelectFormat, error) {
	switch format {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		switch strings.ToUpper(jsonType) {
		case JSONDocument, JSONLines:
			return FormatJSON, nil
		default:
			return "", errs.NewClientError(errs.CodeInvalidArgument,
				fmt.Sprintf("json type must be DOCUMENT or LINES, got %q", jsonType))
		}
	default:
		return "", errs.NewClientError(errs.CodeInvalidArgument, fmt.Sprintf("unsupported select format %q", format))
	}
}

func rangeParam(kind string, r *Range) string {
	if r.End < 0 {
		return fmt.Sprintf("%s-range=%d-", kind, r.Start)
	}
	return fmt.Sprintf("%s-range=%d-%d", kind, r.Start, r.End)
}

// buildSelectRequest validates opts and renders the request document and
// the x-oss-process value.
func buildSelectRequest(sql string, opts *SelectOptions, payloadCRC bool) ([]byte, string, error) {
	if sql == "" {
		return nil, "", errs.NewClientError(errs.CodeInvalidArgument, "sql expression must not be empty")
	}
	if opts.LineRange != nil && opts.SplitRange != nil {
		return nil, "", errs.NewClientError(errs.CodeConflictingParam, "line range and split range cannot both be set")
	}
	format, err := checkFormat(opts.Format, opts.JSONType)
	if err != nil {
		return nil, "", err
	}

	rng := ""
	switch {
	case opts.LineRange != nil:
		rng = rangeParam("line", opts.LineRange)
	case opts.SplitRange != nil:
		rng = rangeParam("split", opts.SplitRange)
	}

	req := selectRequest{
		Expression: b64(sql),
		Input:      inputSerialization{CompressionType: opts.CompressionType},
		Output: outputSerialization{
			KeepAllColumns:   opts.KeepAllColumns,
			OutputRawData:    opts.OutputRawData,
			EnablePayloadCrc: payloadCRC,
			OutputHeader:     opts.OutputHeader,
		},
	}
	if opts.SkipPartialDataRecord || opts.MaxSkippedRecordsAllowed > 0 {
		req.Options = &selectOptionsXML{
			SkipPartialDataRecord:    opts.SkipPartialDataRecord,
			MaxSkippedRecordsAllowed: opts.MaxSkippedRecordsAllowed,
		}
	}

	if format == FormatCSV {
		req.Input.CSV = &csvInput{
			FileHeaderInfo:   opts.FileHeaderInfo,
			RecordDelimiter:  b64(opts.RecordDelimiter),
			FieldDelimiter:   b64(opts.FieldDelimiter),
			QuoteCharacter:   b64(opts.QuoteCharacter),
			CommentCharacter: b64(opts.CommentCharacter),
			Range:            rng,
		}
		req.Output.CSV = &csvOutput{
			RecordDelimiter: b64(opts.RecordDelimiter),
			FieldDelimiter:  b64(opts.FieldDelimiter),
		}
	} else {
		jsonType := strings.ToUpper(opts.JSONType)
		if jsonType == JSONDocument && rng != "" {
			return nil, "", errs.NewClientError(errs.CodeConflictingParam, "ranges require json type LINES")
		}
		req.Input.JSON = &jsonInput{Type: jsonType, Range: rng}
		req.Output.JSON = &jsonOutput{RecordDelimiter: b64(opts.RecordDelimiter)}
	}

	body, err := xml.Marshal(req)
	if err != nil {
		return nil, "", errs.NewInternalError("failed to encode select request", err)
	}
	return body, string(format) + "/select", nil
}

func buildMetaRequest(opts *SelectMetaOptions) ([]byte, string, error) {
	format, err := checkFormat(opts.Format, opts.JSONType)
	if err != nil {
		return nil, "", err
	}

	req := metaRequest{
		Input:             inputSerialization{CompressionType: opts.CompressionType},
		OverwriteIfExists: opts.OverwriteIfExists,
	}
	if format == FormatCSV {
		req.XMLName.Local = "CsvMetaRequest"
		req.Input.CSV = &csvInput{
			RecordDelimiter: b64(opts.RecordDelimiter),
			FieldDelimiter:  b64(opts.FieldDelimiter),
			QuoteCharacter:  b64(opts.QuoteCharacter),
		}
	} else {
		req.XMLName.Local = "JsonMetaRequest"
		req.Input.JSON = &jsonInput{Type: strings.ToUpper(opts.JSONType)}
	}

	body, err := xml.Marshal(req)
	if err != nil {
		return nil, "", errs.NewInternalError("failed to encode meta request", err)
	}
	return body, string(format) + "/meta", nil
}

// SelectObjectResult streams the records produced by a SELECT query. It
// must be closed.
type SelectObjectResult struct {
	result.RequestResult

	resp *transport.PendingResponse
	dec  *selectframe.Decoder
}

// Next returns the next block of result bytes, or io.EOF at the end.
func (r *SelectObjectResult) Next(ctx context.Context) ([]byte, error) {
	return r.dec.Next(ctx)
}

// ReadAll returns every remaining result byte.
func (r *SelectObjectResult) ReadAll(ctx context.Context) ([]byte, error) {
	return r.dec.ReadAll(ctx)
}

// Reader exposes the result as an io.Reader bound to ctx.
func (r *SelectObjectResult) Reader(ctx context.Context) io.Reader {
	var buf []byte
	return readerFunc(func(p []byte) (int, error) {
		if len(buf) == 0 {
			chunk, err := r.dec.Next(ctx)
			if err != nil {
				return 0, err
			}
			buf = chunk
		}
		n := copy(p, buf)
		buf = buf[n:]
		return n, nil
	})
}

// Rows returns the row count from a META_END frame.
func (r *SelectObjectResult) Rows() int64 { return r.dec.Rows() }

// Splits returns the split count from a META_END frame.
func (r *SelectObjectResult) Splits() int64 { return r.dec.Splits() }

// Columns returns the column count from a CSV META_END frame.
func (r *SelectObjectResult) Columns() int64 { return r.dec.Columns() }

// FinalStatus returns the status carried by the terminating frame.
func (r *SelectObjectResult) FinalStatus() int { return r.dec.FinalStatus() }

// Close releases the connection.
func (r *SelectObjectResult) Close() error { return r.resp.Close() }

// SelectObject runs sql against key and returns a streaming result.
func (b *Bucket) SelectObject(ctx context.Context, key, sql string, opts *SelectOptions) (*SelectObjectResult, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &SelectOptions{}
	}
	body, process, err := buildSelectRequest(sql, opts, b.enableCRC)
	if err != nil {
		return nil, err
	}
	return b.postSelect(ctx, key, process, body, opts.Progress)
}

func (b *Bucket) postSelect(ctx context.Context, key, process string, body []byte,
	progress adapter.ProgressFunc) (*SelectObjectResult, error) {
	p, err := b.send(ctx, call{
		method:        http.MethodPost,
		key:           key,
		query:         url.Values{"x-oss-process": {process}},
		header:        http.Header{"Content-Type": {"application/xml"}},
		body:          bytes.NewReader(body),
		contentLength: int64(len(body)),
	})
	if err != nil {
		return nil, err
	}
	if _, err := p.Await(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}

	dec := selectframe.NewDecoder(p, selectframe.Options{
		Progress:          progress,
		ContentLength:     p.ContentLength(),
		EnableCRC:         b.enableCRC,
		FramesPerProgress: b.framesPerProgress,
		Raw:               selectframe.IsRawOutput(p.Header),
		RequestID:         p.RequestID,
		Logger:            b.logger,
		Metrics:           b.metrics,
	})
	return &SelectObjectResult{
		RequestResult: result.NewRequestResult(p),
		resp:          p,
		dec:           dec,
	}, nil
}

// SelectObjectToFile runs sql against key and writes the result to
// filename.
func (b *Bucket) SelectObjectToFile(ctx context.Context, key, filename, sql string, opts *SelectOptions) (*result.RequestResult, error) {
	res, err := b.SelectObject(ctx, key, sql, opts)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	f, err := os.Create(filename)
	if err != nil {
		return nil, errs.Wrap(errs.ErrCategoryClient, errs.CodeInvalidArgument, "failed to create file", err)
	}
	_, err = io.Copy(f, res.Reader(ctx))
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errs.NewInternalError("failed to close file", cerr)
	}
	if err != nil {
		_ = os.Remove(filename)
		return nil, err
	}
	return &res.RequestResult, nil
}

// GetSelectObjectMetaResult describes a scanned CSV or JSON LINES object.
type GetSelectObjectMetaResult struct {
	result.RequestResult
	Rows        int64
	Splits      int64
	Columns     int64
	FinalStatus int
}

// CreateSelectObjectMeta scans key and returns its row, split and column
// counts. The server caches the meta for later split-range queries.
func (b *Bucket) CreateSelectObjectMeta(ctx context.Context, key string, opts *SelectMetaOptions) (*GetSelectObjectMetaResult, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &SelectMetaOptions{}
	}
	body, process, err := buildMetaRequest(opts)
	if err != nil {
		return nil, err
	}
	res, err := b.postSelect(ctx, key, process, body, opts.Progress)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	if _, err := res.ReadAll(ctx); err != nil {
		return nil, err
	}
	return &GetSelectObjectMetaResult{
		RequestResult: res.RequestResult,
		Rows:          res.Rows(),
		Splits:        res.Splits(),
		Columns:       res.Columns(),
		FinalStatus:   res.FinalStatus(),
	}, nil
}

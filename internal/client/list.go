package client

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/ossx/ossx/internal/result"
)

// ListOptions filters a ListObjectsV2 call.
type ListOptions struct {
	Prefix            string
	Delimiter         string
	StartAfter        string
	ContinuationToken string
	// MaxKeys is the page size; 0 leaves it to the server.
	MaxKeys int
}

// ListObjectsV2 returns one page of the bucket listing.
func (b *Bucket) ListObjectsV2(ctx context.Context, opts *ListOptions) (*result.ListObjectsV2Result, error) {
	if opts == nil {
		opts = &ListOptions{}
	}
	q := url.Values{"list-type": {"2"}}
	if opts.Prefix != "" {
		q.Set("prefix", opts.Prefix)
	}
	if opts.Delimiter != "" {
		q.Set("delimiter", opts.Delimiter)
	}
	if opts.StartAfter != "" {
		q.Set("start-after", opts.StartAfter)
	}
	if opts.ContinuationToken != "" {
		q.Set("continuation-token", opts.ContinuationToken)
	}
	if opts.MaxKeys > 0 {
		q.Set("max-keys", strconv.Itoa(opts.MaxKeys))
	}

	var res *result.ListObjectsV2Result
	err := b.retryWithBackoff(ctx, "list objects", func() error {
		p, err := b.send(ctx, call{method: http.MethodGet, query: q})
		if err != nil {
			return err
		}
		res, err = result.AwaitAndParse(ctx, p, result.ParseListObjectsV2, result.NewListObjectsV2Result)
		return err
	})
	return res, err
}

// ListEntry is an object or, with a delimiter, a common prefix.
type ListEntry struct {
	result.ObjectInfo
	IsPrefix bool
}

// ObjectIterator walks a listing page by page. Within a page objects and
// common prefixes are merged in key order.
type ObjectIterator struct {
	b       *Bucket
	opts    ListOptions
	entries []ListEntry
	done    bool
	err     error
}

// NewObjectIterator lists keys under prefix, maxKeys per request.
func (b *Bucket) NewObjectIterator(prefix, delimiter string, maxKeys int) *ObjectIterator {
	return &ObjectIterator{
		b:    b,
		opts: ListOptions{Prefix: prefix, Delimiter: delimiter, MaxKeys: maxKeys},
	}
}

// Next returns the next entry, or io.EOF after the last one.
func (it *ObjectIterator) Next(ctx context.Context) (ListEntry, error) {
	for len(it.entries) == 0 {
		if it.err != nil {
			return ListEntry{}, it.err
		}
		if it.done {
			return ListEntry{}, io.EOF
		}
		it.err = it.fetch(ctx)
	}
	e := it.entries[0]
	it.entries = it.entries[1:]
	return e, nil
}

func (it *ObjectIterator) fetch(ctx context.Context) error {
	res, err := it.b.ListObjectsV2(ctx, &it.opts)
	if err != nil {
		return err
	}
	for _, o := range res.Objects {
		it.entries = append(it.entries, ListEntry{ObjectInfo: o})
	}
	for _, p := range res.Prefixes {
		it.entries = append(it.entries, ListEntry{ObjectInfo: result.ObjectInfo{Key: p}, IsPrefix: true})
	}
	sort.Slice(it.entries, func(i, j int) bool { return it.entries[i].Key < it.entries[j].Key })

	it.opts.ContinuationToken = res.NextContinuationToken
	it.done = !res.IsTruncated
	return nil
}

// Package result turns awaited responses into typed operation results.
package result

import (
	"context"
	"net/http"

	"github.com/ossx/ossx/internal/transport"
)

// RequestResult is embedded by every typed result.
type RequestResult struct {
	Status    int
	Header    http.Header
	RequestID string
}

// NewRequestResult captures the status line of an awaited response.
func NewRequestResult(p *transport.PendingResponse) RequestResult {
	return RequestResult{
		Status:    p.Status,
		Header:    p.Header,
		RequestID: p.RequestID,
	}
}

// ParseFunc fills result from a complete response body. It must accept an
// empty body.
type ParseFunc[T any] func(result *T, body []byte) error

// AwaitAndParse awaits pending, reads the whole body, builds the result with
// newResult and hands the body to parse. Non-2xx responses fail in Await
// before parse runs. The response is closed on return.
func AwaitAndParse[T any](ctx context.Context, pending *transport.PendingResponse,
	parse ParseFunc[T], newResult func(*transport.PendingResponse) *T) (*T, error) {
	defer pending.Close()

	if _, err := pending.Await(ctx); err != nil {
		return nil, err
	}
	body, err := pending.ReadAll(ctx)
	if err != nil {
		return nil, err
	}

	res := newResult(pending)
	if parse != nil {
		if err := parse(res, body); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Discard is a ParseFunc for operations whose body carries nothing.
func Discard[T any](*T, []byte) error { return nil }

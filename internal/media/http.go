// Package media fetches blobs referenced by messages from the blob server.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"e2e_core/internal/model"
	"e2e_core/internal/processor"
)

// MaxBlobSize caps a single download.
const MaxBlobSize = 16 << 20

var (
	ErrNotFound = errors.New("blob not found")
	ErrTimeout  = errors.New("blob fetch timed out")
	ErrTooLarge = errors.New("blob too large")
)

type HTTPFetcher struct {
	base   string
	client *http.Client
}

var _ processor.MediaFetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher fetches from <base>/blob/<hex id>. A nil client uses http.DefaultClient.
func NewHTTPFetcher(base string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{base: strings.TrimRight(base, "/"), client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, id model.BlobID, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+"/blob/"+id.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, id)
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch blob %s: status %d", id, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBlobSize+1))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, id)
		}
		return nil, err
	}
	if len(data) > MaxBlobSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, id)
	}
	return data, nil
}

// Package fetch downloads source images over HTTP.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cwygoda/squeeze/internal/domain"
)

// ErrTooLarge is wrapped in a FetchError when a body exceeds the size limit.
var ErrTooLarge = errors.New("image exceeds size limit")

// Fetcher implements domain.ImageFetcher with a plain HTTP GET.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// New creates a Fetcher with the given client timeout and body size limit.
// A non-positive maxBytes disables the limit.
func New(timeout time.Duration, maxBytes int64) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// NewWithClient creates a Fetcher around an existing client.
func NewWithClient(client *http.Client, maxBytes int64) *Fetcher {
	return &Fetcher{client: client, maxBytes: maxBytes}
}

// Fetch retrieves the bytes behind locator.
func (f *Fetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	target := normalize(locator)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &domain.FetchError{Locator: target, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// Cancellation of our own context is not worth retrying.
		return nil, &domain.FetchError{Locator: target, Retryable: ctx.Err() == nil, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, &domain.FetchError{
			Locator:    target,
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &domain.FetchError{Locator: target, Retryable: ctx.Err() == nil, Err: err}
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, &domain.FetchError{
			Locator: target,
			Err:     fmt.Errorf("%w (%d bytes)", ErrTooLarge, f.maxBytes),
		}
	}
	return data, nil
}

func normalize(locator string) string {
	target := strings.TrimSpace(locator)
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}
	return target
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

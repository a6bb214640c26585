package fetcher

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/edgemesh/node/internal/resolver"
	"github.com/edgemesh/node/pkg/utils"
)

// HTTPOrigin retrieves content by treating ImmutablePointer as an HTTP(S)
// URL, the default OriginFetcher for pointers shaped like origin URIs.
type HTTPOrigin struct {
	client *http.Client
}

// NewHTTPOrigin builds an HTTPOrigin with a bounded request timeout.
func NewHTTPOrigin(timeout time.Duration) *HTTPOrigin {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPOrigin{client: &http.Client{Timeout: timeout}}
}

// FetchOrigin issues a GET against pointer and returns the full body.
func (h *HTTPOrigin) FetchOrigin(ctx context.Context, pointer resolver.ImmutablePointer) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, string(pointer), nil)
	if err != nil {
		return nil, utils.Wrap(err, "build origin request")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, utils.Wrap(err, "fetch from origin")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, utils.Wrap(errBadOriginStatus(resp.StatusCode), "fetch from origin")
	}
	return io.ReadAll(resp.Body)
}

type errBadOriginStatus int

func (e errBadOriginStatus) Error() string {
	return "origin responded with non-200 status"
}

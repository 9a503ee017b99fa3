package download

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatd/pkg/types"
)

// Catalog looks up candidate artifact filenames for a model family. A
// failing lookup is treated as "offline" by callers, which fall back to
// locally known artifacts.
type Catalog interface {
	Lookup(ctx context.Context, family types.Family) ([]string, error)
}

// catalogResponse is the remote payload shape.
type catalogResponse struct {
	Filenames []string `json:"filenames"`
}

// HTTPCatalog queries a remote registry over HTTP:
// GET {base}/v1/families/{family} -> {"filenames":[...]}.
type HTTPCatalog struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCatalog builds a catalog client for baseURL.
func NewHTTPCatalog(baseURL string) *HTTPCatalog {
	return &HTTPCatalog{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPCatalog) Lookup(ctx context.Context, family types.Family) ([]string, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("no catalog configured")
	}
	u := c.baseURL + "/v1/families/" + url.PathEscape(string(family))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog lookup: unexpected status %s", resp.Status)
	}
	var out catalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("catalog decode: %w", err)
	}
	return out.Filenames, nil
}

package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Poster implements httpPoster by POSTing JSON to baseURL+path and decoding
// the JSON response, grounded on internal/delivery/client.go's HTTPClient
// (same POST-JSON/decode-body shape), generalized from one fixed endpoint to
// a path parameter since the rendering service HTTPRenderer calls exposes
// more than one route.
type Poster struct {
	baseURL    string
	httpClient *http.Client
}

func NewPoster(baseURL string, timeout time.Duration) *Poster {
	return &Poster{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *Poster) PostJSON(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send render request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected render service status: %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode render response: %w", err)
	}
	return nil
}

var _ httpPoster = (*Poster)(nil)

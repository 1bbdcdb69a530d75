// Package delivery models the upstream notification-delivery SDK as a
// narrow interface, grounded on the teacher's provider.Provider/WebhookProvider
// split (same POST-JSON/decode-body shape), per the design note that source
// SDKs become narrow interfaces so real and fake implementations both
// satisfy them.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TriggerRequest is what the pipeline's Dispatch activity sends: a workflow
// key plus the request's recipients/payload/overrides (spec §6).
type TriggerRequest struct {
	WorkflowKey string         `json:"workflowKey"`
	To          []string       `json:"to"`
	Payload     map[string]any `json:"payload"`
	Overrides   map[string]any `json:"overrides,omitempty"`
}

// TriggerResponse carries the transaction id the SDK assigns, assumed
// idempotent by the downstream given a stable id (spec §6).
type TriggerResponse struct {
	TransactionID string `json:"transactionId"`
}

// Client abstracts calling the delivery SDK. The shipped implementation is
// an HTTP client; tests use a hand-written fake (fake.go), no mocking
// library, matching the teacher's Provider interface split.
type Client interface {
	Trigger(ctx context.Context, req TriggerRequest) (*TriggerResponse, error)
}

// HTTPClient posts to DELIVERY_SDK_URL and expects a 202 Accepted response
// with a JSON body containing transactionId — the same POST-JSON/decode-202
// shape as the teacher's WebhookProvider.Send.
type HTTPClient struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, secret string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *HTTPClient) Trigger(ctx context.Context, req TriggerRequest) (*TriggerResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal trigger request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create trigger request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send trigger request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("unexpected delivery SDK status: %d", resp.StatusCode)
	}

	var out TriggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode trigger response: %w", err)
	}
	return &out, nil
}

var _ Client = (*HTTPClient)(nil)

// Package ratesapi is the REST client for the external rate-application
// service that publishes price changes to the parking hardware and apps.
package ratesapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/lvlparking/pricelab/internal/domain"
)

// Client is the REST client for the rates API. It implements
// domain.PricingMechanism.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new rates API client.
//
// baseURL is the API root, e.g. "https://rates.internal.example.com/v1".
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type applyRequest struct {
	ExperimentID string               `json:"experiment_id"`
	ArmID        string               `json:"arm_id"`
	Proposal     domain.PriceProposal `json:"proposal"`
}

type applyResponse struct {
	ChangeRef string `json:"change_ref"`
}

// Apply publishes the proposal's rates. The service deduplicates on
// (experiment_id, arm_id), so retrying a timed-out call returns the original
// change ref rather than applying twice.
func (c *Client) Apply(ctx context.Context, experimentID, armID string, proposal domain.PriceProposal) (domain.ChangeRef, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/changes", applyRequest{
		ExperimentID: experimentID,
		ArmID:        armID,
		Proposal:     proposal,
	})
	if err != nil {
		return "", fmt.Errorf("ratesapi: apply arm %s: %w", armID, err)
	}

	var resp applyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("ratesapi: decode apply response: %w", err)
	}
	if resp.ChangeRef == "" {
		return "", fmt.Errorf("ratesapi: apply arm %s: empty change_ref", armID)
	}

	return domain.ChangeRef(resp.ChangeRef), nil
}

// Revert rolls back a previously applied change. Reverting an already
// reverted change is a no-op on the service side.
func (c *Client) Revert(ctx context.Context, ref domain.ChangeRef) error {
	path := fmt.Sprintf("/changes/%s", url.PathEscape(string(ref)))
	if _, err := c.doRequest(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("ratesapi: revert change %s: %w", ref, err)
	}
	return nil
}

// doRequest builds, sends, and reads an HTTP request against the rates API.
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// checkStatus maps non-2xx HTTP status codes to errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error
		}
		if msg != "" {
			return fmt.Errorf("status %d: %s", statusCode, msg)
		}
	}

	return fmt.Errorf("status %d: %s", statusCode, truncate(body, 200))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Compile-time interface check.
var _ domain.PricingMechanism = (*Client)(nil)

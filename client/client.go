// Package client provides a Go client for the credential manager's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hwtrust/credman/api"
	"github.com/hwtrust/credman/interfaces"
)

// Client talks to a credmand instance. It maps error responses back onto the
// sentinel errors of the interfaces package, so callers can use errors.Is the
// same way they would against a local CredentialManager.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the given base URL (e.g. "http://localhost:8080").
func New(baseURL string, timeout ...time.Duration) *Client {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

// AddCredential registers a new credential and returns its label.
func (c *Client) AddCredential(ctx context.Context, req api.AddCredentialRequest) (interfaces.Label, error) {
	var resp api.AddCredentialResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/api/v1/credentials", c.baseURL), req, &resp)
	if err != nil {
		return 0, err
	}
	return interfaces.Label(resp.Label), nil
}

// CheckCredential attempts authentication and returns the high-entropy secret
// on success.
func (c *Client) CheckCredential(ctx context.Context, label interfaces.Label, leSecret []byte) ([]byte, error) {
	url := fmt.Sprintf("%s/api/v1/credentials/%d/check", c.baseURL, label)
	var resp api.CheckCredentialResponse
	err := c.do(ctx, http.MethodPost, url, api.CheckCredentialRequest{LeSecret: leSecret}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.HeSecret, nil
}

// RemoveCredential deletes the credential stored under label.
func (c *Client) RemoveCredential(ctx context.Context, label interfaces.Label) error {
	url := fmt.Sprintf("%s/api/v1/credentials/%d", c.baseURL, label)
	return c.do(ctx, http.MethodDelete, url, nil, nil)
}

// Reset wipes all credential state on the server.
func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("%s/api/v1/reset", c.baseURL), nil, nil)
}

// Status returns the server's current state summary.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var resp api.StatusResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/api/v1/status", c.baseURL), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, url string, reqBody, respBody interface{}) error {
	var reader io.Reader
	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// decodeError turns a non-2xx response into an error that unwraps to the
// matching interfaces sentinel.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("request failed with code %d: %s", resp.StatusCode, string(body))
	}

	switch errResp.Code {
	case "invalid_secret":
		return fmt.Errorf("%s: %w", errResp.Error, interfaces.ErrInvalidSecret)
	case "too_many_attempts":
		if errResp.RetryAfterSeconds > 0 {
			return &interfaces.RateLimitedError{
				RetryAfter: time.Duration(errResp.RetryAfterSeconds) * time.Second,
			}
		}
		return fmt.Errorf("%s: %w", errResp.Error, interfaces.ErrTooManyAttempts)
	case "invalid_label":
		return fmt.Errorf("%s: %w", errResp.Error, interfaces.ErrInvalidLabel)
	case "chip_state_failed_to_clear":
		return fmt.Errorf("%s: %w", errResp.Error, interfaces.ErrChipStateFailedToClear)
	case "disk_state_failed_to_clear":
		return fmt.Errorf("%s: %w", errResp.Error, interfaces.ErrDiskStateFailedToClear)
	default:
		return fmt.Errorf("%s: %w", errResp.Error, interfaces.ErrInternal)
	}
}

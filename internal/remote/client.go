// Package remote implements the HTTP boundary to the fitpulse sync API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/fitpulse/fitsync/internal/config"
	"github.com/fitpulse/fitsync/internal/loggy"
	"github.com/fitpulse/fitsync/internal/store"
)

// ErrNotFound is returned when the server has no version of the entity
var ErrNotFound = errors.New("entity not found on server")

// API is the remote boundary the sync engine depends on.
type API interface {
	// Submit delivers a mutation payload and returns the server's resulting
	// checksum for the entity
	Submit(ctx context.Context, entityType store.EntityType, entityID string, payload json.RawMessage) (*SubmitResponse, error)

	// GetChecksum fetches the server's current checksum for an entity.
	// Returns ErrNotFound if the entity does not exist remotely.
	GetChecksum(ctx context.Context, entityType store.EntityType, entityID string) (*ChecksumResponse, error)
}

// APIError represents an error response from the API
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	ErrorCode  string `json:"error"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("API error %d: %s - %s", e.StatusCode, e.ErrorCode, e.Message)
}

// Retryable reports whether the failure is worth retrying. Server errors
// (5xx) and rate limiting are transient; other 4xx responses are rejections
// that no retry will fix.
func (e APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsRetryable classifies any submission error: API rejections follow
// APIError.Retryable, everything else (transport failures, timeouts) is
// considered a transient network error.
func IsRetryable(err error) bool {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// SubmitResponse is the server's acknowledgement of a delivered mutation.
type SubmitResponse struct {
	Success  bool   `json:"success"`
	Checksum string `json:"checksum"`
	Message  string `json:"message,omitempty"`
}

// ChecksumResponse carries the server's current version metadata for an entity.
type ChecksumResponse struct {
	Checksum string          `json:"checksum"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// endpoints maps entity types to their wire paths.
var endpoints = map[store.EntityType]string{
	store.EntityTypeActivity: "activities",
	store.EntityTypeTeam:     "teams",
	store.EntityTypeProfile:  "profiles",
}

// Client handles HTTP communication with the fitpulse server
type Client struct {
	baseURL    string
	token      string
	deviceName string
	maxRetries int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *loggy.Logger
}

// NewClient creates a new HTTP client for server communication
func NewClient(cfg config.ServerConfig, logger *loggy.Logger) *Client {
	// Custom transport for connection pooling
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}

	rps := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	if cfg.RequestsPerMinute <= 0 {
		rps = rate.Inf
	}
	burst := cfg.BurstLimit
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:    cfg.URL,
		token:      cfg.Token,
		deviceName: cfg.DeviceName,
		maxRetries: cfg.MaxRetries,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rps, burst),
		logger:     logger,
	}
}

// SetToken updates the authentication token
func (c *Client) SetToken(token string) {
	c.token = token
}

// Submit delivers a mutation payload to the server
func (c *Client) Submit(ctx context.Context, entityType store.EntityType, entityID string, payload json.RawMessage) (*SubmitResponse, error) {
	path, ok := endpoints[entityType]
	if !ok {
		return nil, fmt.Errorf("no endpoint for entity type %q", entityType)
	}

	url := fmt.Sprintf("%s/api/sync/%s/%s", c.baseURL, path, entityID)

	var resp SubmitResponse
	if err := c.sendRequest(ctx, http.MethodPut, url, payload, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// GetChecksum fetches the server's current checksum for an entity
func (c *Client) GetChecksum(ctx context.Context, entityType store.EntityType, entityID string) (*ChecksumResponse, error) {
	path, ok := endpoints[entityType]
	if !ok {
		return nil, fmt.Errorf("no endpoint for entity type %q", entityType)
	}

	url := fmt.Sprintf("%s/api/sync/%s/%s/checksum", c.baseURL, path, entityID)

	var resp ChecksumResponse
	err := c.sendRequest(ctx, http.MethodGet, url, nil, &resp)
	if err != nil {
		var apiErr APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &resp, nil
}

// VerifyToken verifies if the configured token is valid
func (c *Client) VerifyToken(ctx context.Context) (bool, error) {
	url := fmt.Sprintf("%s/api/auth/verify", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	c.addHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized:
		return false, nil
	}

	var apiErr APIError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		return false, fmt.Errorf("decoding error response: %w", err)
	}
	apiErr.StatusCode = resp.StatusCode

	return false, apiErr
}

func (c *Client) addHeaders(req *http.Request) {
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.token))
	req.Header.Add("Content-Type", "application/json")
	if c.deviceName != "" {
		req.Header.Add("X-Device-Name", c.deviceName)
	}
}

// sendRequest performs one API call with rate limiting and transient retry.
// Non-retryable API rejections are returned immediately; transport failures
// and 5xx responses retry with exponential backoff up to maxRetries.
func (c *Client) sendRequest(ctx context.Context, method, url string, body json.RawMessage, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	operation := func() error {
		err := c.doRequest(ctx, method, url, body, out)
		if err == nil {
			return nil
		}

		var apiErr APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)), ctx))
	if err != nil {
		var permErr *backoff.PermanentError
		if errors.As(err, &permErr) {
			return permErr.Unwrap()
		}
		return err
	}

	return nil
}

func (c *Client) doRequest(ctx context.Context, method, url string, body json.RawMessage, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.addHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			// If we can't decode the error, return a generic one
			apiErr = APIError{Message: resp.Status}
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}

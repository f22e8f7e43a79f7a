// Package rel calls the external relationship store's check API. The
// store answers a single question: does user have relation on object.
package rel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentplane/agentproxy/internal/observability"
)

// ErrCheckFailed indicates the check request could not complete.
var ErrCheckFailed = errors.New("relationship check failed")

// Checker answers relationship queries against the policy engine.
type Checker interface {
	// Check reports whether user has relation on object.
	Check(ctx context.Context, user, relation, object string) (bool, error)
}

// Config holds the policy engine connection parameters.
type Config struct {
	// URL is the base URL of the policy engine.
	URL string

	// StoreID selects the relationship store.
	StoreID string

	// ModelID pins the authorization model revision. Optional.
	ModelID string

	// Timeout bounds each check call.
	Timeout time.Duration
}

type checkRequest struct {
	TupleKey             tupleKey `json:"tuple_key"`
	AuthorizationModelID string   `json:"authorization_model_id,omitempty"`
}

type tupleKey struct {
	User     string `json:"user"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

type checkResponse struct {
	Allowed bool `json:"allowed"`
}

// client implements Checker over HTTP.
type client struct {
	config     Config
	httpClient *http.Client
	logger     observability.Logger
}

// ClientOption is a functional option for the client.
type ClientOption func(*client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) ClientOption {
	return func(c *client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a relationship check client.
func NewClient(config Config, opts ...ClientOption) (Checker, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("policy engine URL is required")
	}
	if config.StoreID == "" {
		return nil, fmt.Errorf("policy engine store ID is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	c := &client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Check reports whether user has relation on object.
func (c *client) Check(ctx context.Context, user, relation, object string) (bool, error) {
	body, err := json.Marshal(checkRequest{
		TupleKey: tupleKey{
			User:     user,
			Relation: relation,
			Object:   object,
		},
		AuthorizationModelID: c.config.ModelID,
	})
	if err != nil {
		return false, fmt.Errorf("%w: failed to marshal request: %w", ErrCheckFailed, err)
	}

	url := fmt.Sprintf("%s/stores/%s/check", c.config.URL, c.config.StoreID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("%w: failed to create request: %w", ErrCheckFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrCheckFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("%w: status %d: %s", ErrCheckFailed, resp.StatusCode, string(respBody))
	}

	var result checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("%w: failed to decode response: %w", ErrCheckFailed, err)
	}

	c.logger.Debug("relationship check",
		observability.String("user", user),
		observability.String("relation", relation),
		observability.String("object", object),
		observability.Bool("allowed", result.Allowed),
	)

	return result.Allowed, nil
}

var _ Checker = (*client)(nil)

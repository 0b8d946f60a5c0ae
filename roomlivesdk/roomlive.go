/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 RoomLive Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package roomlivesdk

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Client is the core HTTP client for the per-session signaling exchange.
// Each media connection negotiates by POSTing its SDP offer to a
// session-specific URL and reading the answer from the response body;
// publish sessions additionally issue DELETE against an unpublish URL to
// clear a stale slot. Retry policy lives with the owning connection
// session, so every call here is a single attempt.
type Client struct {
	httpClient *http.Client

	// Configuration for the client
	Config *Config

	logger zerolog.Logger
}

// Config holds the configuration for the core client
type Config struct {
	// Timeout for signaling HTTP requests
	Timeout time.Duration

	// Default headers to include in signaling requests
	DefaultHeaders map[string]string

	// Custom HTTP client to use instead of the default one.
	// If nil, a default client will be created with the specified Timeout.
	HTTPClient *http.Client

	// Logger for SDK operations. The zero value discards everything, so
	// the SDK stays silent unless the embedder opts in.
	Logger zerolog.Logger
}

// DefaultConfig returns a default configuration for the core client
func DefaultConfig() *Config {
	return &Config{
		Timeout:        30 * time.Second,
		DefaultHeaders: make(map[string]string),
		Logger:         zerolog.Nop(),
	}
}

// NewClient creates a new core client with the given configuration
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: config.Timeout,
		}
	}

	return &Client{
		httpClient: httpClient,
		Config:     config,
		logger:     config.Logger.With().Str("component", "core").Logger(),
	}
}

// GetHTTPClient returns the HTTP client used for signaling requests
func (c *Client) GetHTTPClient() *http.Client {
	return c.httpClient
}

// Logger returns the logger used by the SDK.
func (c *Client) Logger() zerolog.Logger {
	return c.Config.Logger
}

// SubmitOffer POSTs a raw SDP offer to the session's signaling URL and
// returns the remote answer SDP from the response body. Any non-2xx
// response is returned as a structured *APIError sub-type; the caller
// inspects it to distinguish the recoverable stale-publish rejection
// (502) from plain transient failures.
func (c *Client) SubmitOffer(ctx context.Context, sessionURL, sdp string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sessionURL, strings.NewReader(sdp))
	if err != nil {
		return "", fmt.Errorf("build offer request: %w", err)
	}
	req.Header.Set("Content-type", "application/sdp")
	for k, v := range c.Config.DefaultHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit offer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read answer body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug().Int("status", resp.StatusCode).Str("url", sessionURL).Msg("offer rejected")
		return "", NewAPIError(resp, body)
	}

	return string(body), nil
}

// DeletePublish issues a DELETE against a previously-learned unpublish URL.
// Servers that still hold a dangling publish slot require this explicit
// teardown before they accept a fresh offer. A non-2xx response is
// returned as an *APIError; callers treat completion (success or failure)
// as the gate for retrying the offer, not the outcome.
func (c *Client) DeletePublish(ctx context.Context, unpublishURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, unpublishURL, nil)
	if err != nil {
		return fmt.Errorf("build unpublish request: %w", err)
	}
	for k, v := range c.Config.DefaultHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete publish: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return NewAPIError(resp, body)
	}
	return nil
}

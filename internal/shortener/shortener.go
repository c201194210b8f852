// Package shortener is a client for adlinkfly-style URL shortener services.
// The API endpoint (key included in the query) comes from configuration; a
// nil client disables shortening.
package shortener

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/filebeam/filebeam/internal/logger"
)

const requestTimeout = 10 * time.Second

// Client shortens URLs through an external HTTP service.
type Client struct {
	apiURL     string
	httpClient *http.Client
	log        *logger.Logger
}

// New creates a shortener client for the given API URL. Returns nil when the
// URL is empty, which callers treat as shortening disabled.
func New(apiURL string, log *logger.Logger) *Client {
	if apiURL == "" {
		return nil
	}
	return &Client{
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log.WithComponent("shortener"),
	}
}

type shortenResponse struct {
	Status       string `json:"status"`
	ShortenedURL string `json:"shortenedUrl"`
	Message      string `json:"message"`
}

// Shorten returns the shortened form of longURL. On any service failure the
// original URL is returned with the error, so callers can fall back to the
// long link.
func (c *Client) Shorten(ctx context.Context, longURL string) (string, error) {
	endpoint, err := url.Parse(c.apiURL)
	if err != nil {
		return longURL, fmt.Errorf("shortener: bad api url: %w", err)
	}
	q := endpoint.Query()
	q.Set("url", longURL)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return longURL, fmt.Errorf("shortener: building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return longURL, fmt.Errorf("shortener: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return longURL, fmt.Errorf("shortener: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return longURL, fmt.Errorf("shortener: reading response: %w", err)
	}
	var parsed shortenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return longURL, fmt.Errorf("shortener: decoding response: %w", err)
	}
	if parsed.Status != "success" || parsed.ShortenedURL == "" {
		return longURL, fmt.Errorf("shortener: service error: %s", parsed.Message)
	}

	c.log.Debug("shortened url", "long_len", len(longURL), "short", parsed.ShortenedURL)
	return parsed.ShortenedURL, nil
}

package client

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/xraph/tally/backoff"
)

// Option configures a Client.
type Option func(*Client)

// WithCredential sets the device credential sent as a bearer token.
func WithCredential(credential string) Option {
	return func(c *Client) { c.setCredential(credential) }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRetry retries transport failures, 429 and 5xx responses up to
// maxRetries times, waiting strategy.Delay between attempts.
func WithRetry(maxRetries int, strategy backoff.Strategy) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.backoff = strategy
	}
}

// WithHeartbeatInterval sets how often Run sends heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) { c.heartbeatEvery = d }
}

// WithPollInterval sets how long Run waits after an empty pull.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollEvery = d }
}

// WithPullLimit sets how many documents Run claims per pull.
func WithPullLimit(n int) Option {
	return func(c *Client) { c.pullLimit = n }
}

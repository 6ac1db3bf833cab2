// Package client is a Go client for the tally connector protocol. A
// register bridge redeems a pairing code once, keeps the returned
// credential, then heartbeats, pulls queued fiscal documents, prints them
// on the register, and pushes the results back.
//
// Usage:
//
//	c := client.New("https://tally.example.com",
//	    client.WithRetry(5, backoff.NewExponential(time.Second, 30*time.Second)),
//	)
//	if _, err := c.Redeem(ctx, "ABCD-2345", "front register"); err != nil {
//	    return err
//	}
//	save(c.Credential())
//
//	err := c.Run(ctx, func(ctx context.Context, item api.QueueItem) fiscal.Report {
//	    return printOnRegister(ctx, item)
//	})
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/api"
	"github.com/xraph/tally/backoff"
	"github.com/xraph/tally/fiscal"
	"github.com/xraph/tally/id"
)

// Client talks to a tally server on behalf of one device.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	maxRetries int
	backoff    backoff.Strategy

	heartbeatEvery time.Duration
	pollEvery      time.Duration
	pullLimit      int

	mu         sync.RWMutex
	credential string
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &http.Client{Timeout: 30 * time.Second},
		logger:         slog.Default(),
		backoff:        backoff.NewExponential(time.Second, 30*time.Second),
		heartbeatEvery: 30 * time.Second,
		pollEvery:      5 * time.Second,
		pullLimit:      10,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Error is a non-2xx response from the server.
type Error struct {
	Status     int
	Code       string
	Message    string
	Fields     map[string]string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tally/client: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("tally/client: %d %s: %s", e.Status, e.Code, e.Message)
}

// Is maps response codes onto the tally sentinel errors.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case "unauthorized":
		return target == tally.ErrUnauthorized
	case "invalid_pairing_code":
		return target == tally.ErrInvalidPairingCode
	case "conflict":
		return target == tally.ErrConflictingResult
	case "not_found":
		return target == tally.ErrDocumentNotFound
	case "invalid_request", "validation_failed":
		return target == tally.ErrInvalidPayload
	}
	return false
}

// Credential returns the device credential in use.
func (c *Client) Credential() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credential
}

func (c *Client) setCredential(cred string) {
	c.mu.Lock()
	c.credential = cred
	c.mu.Unlock()
}

// Redeem exchanges a pairing code for a device credential and keeps it
// for later calls. The credential is only shown once; persist it.
func (c *Client) Redeem(ctx context.Context, code, deviceName string) (*fiscal.Device, error) {
	var resp api.RedeemResponse
	if err := c.do(ctx, http.MethodPost, "/v1/pairing-codes/redeem", api.RedeemRequest{Code: code, DeviceName: deviceName}, &resp); err != nil {
		return nil, err
	}
	c.setCredential(resp.Credential)
	c.logger.Info("device paired",
		slog.String("device_id", resp.Device.ID.String()),
		slog.String("store_id", resp.Device.StoreID),
	)
	return resp.Device, nil
}

// Heartbeat reports the device as alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/connector/heartbeat", nil, nil)
}

// Pull claims up to limit queued documents.
func (c *Client) Pull(ctx context.Context, limit int) ([]api.QueueItem, error) {
	var items []api.QueueItem
	if err := c.do(ctx, http.MethodPost, "/v1/connector/queue/pull", api.PullRequest{Limit: limit}, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Push reports the outcome for a claimed document. Pushing the same
// report again is safe.
func (c *Client) Push(ctx context.Context, docID id.DocumentID, r fiscal.Report) (*api.PushResponse, error) {
	var resp api.PushResponse
	if err := c.do(ctx, http.MethodPost, "/v1/connector/results", api.PushRequest{ReceiptID: docID.String(), Report: r}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do sends a request, retrying transport failures, 429 and 5xx.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("tally/client: encode request: %w", err)
		}
		body = b
	}

	for attempt := 1; ; attempt++ {
		err := c.once(ctx, method, path, body, out)
		if err == nil || attempt > c.maxRetries || !retryable(ctx, err) {
			return err
		}
		delay := c.backoff.Delay(attempt)
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.RetryAfter > delay {
			delay = apiErr.RetryAfter
		}
		c.logger.Warn("request failed, retrying",
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("tally/client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cred := c.Credential(); cred != "" {
		req.Header.Set("Authorization", "Bearer "+cred)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tally/client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tally/client: decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	e := &Error{Status: resp.StatusCode}
	var er api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&er); err == nil {
		e.Code, e.Message, e.Fields = er.Error, er.Message, er.Fields
	}
	if e.Code == "" {
		e.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
	}
	if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
		e.RetryAfter = time.Duration(s) * time.Second
	}
	return e
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	return true
}

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/api"
	"github.com/xraph/tally/fiscal"
)

// Fiscalizer prints one claimed document on the register and returns the
// outcome to report.
type Fiscalizer func(ctx context.Context, item api.QueueItem) fiscal.Report

// Poll pulls one batch, fiscalizes each document and pushes the results.
// It returns how many documents were claimed. A failed push is logged and
// joined into the returned error; the rest of the batch still runs.
func (c *Client) Poll(ctx context.Context, fiscalize Fiscalizer) (int, error) {
	items, err := c.Pull(ctx, c.pullLimit)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, item := range items {
		report := fiscalize(ctx, item)
		if _, err := c.Push(ctx, item.ID, report); err != nil {
			if errors.Is(err, tally.ErrUnauthorized) {
				return len(items), err
			}
			c.logger.Error("push result failed",
				slog.String("document_id", item.ID.String()),
				slog.String("order_id", item.OrderID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("push %s: %w", item.ID, err))
		}
	}
	return len(items), errors.Join(errs...)
}

// Run heartbeats and polls until ctx is done. Full batches are followed
// by an immediate pull; empty ones wait for the poll interval. Run stops
// with tally.ErrUnauthorized once the credential is rejected, and returns
// nil when ctx ends.
func (c *Client) Run(ctx context.Context, fiscalize Fiscalizer) error {
	if err := c.beat(ctx); err != nil {
		return err
	}
	hb := time.NewTicker(c.heartbeatEvery)
	defer hb.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := c.Poll(ctx, fiscalize)
		if errors.Is(err, tally.ErrUnauthorized) {
			return err
		}
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("poll failed", slog.String("error", err.Error()))
		}

		if err == nil && n >= c.pullLimit {
			select {
			case <-hb.C:
				if err := c.beat(ctx); err != nil {
					return err
				}
			default:
			}
			continue
		}

		wait := time.NewTimer(c.pollEvery)
		select {
		case <-ctx.Done():
			wait.Stop()
			return nil
		case <-hb.C:
			wait.Stop()
			if err := c.beat(ctx); err != nil {
				return err
			}
		case <-wait.C:
		}
	}
}

// beat sends a heartbeat. Only a rejected credential is returned.
func (c *Client) beat(ctx context.Context) error {
	err := c.Heartbeat(ctx)
	if errors.Is(err, tally.ErrUnauthorized) {
		return err
	}
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
	}
	return nil
}

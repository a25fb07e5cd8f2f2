// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package git

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/notehive/pkg/logger"
)

const (
	syncInitialRetryDelay = 2 * time.Second
	syncMaxRetryDelay     = 30 * time.Second
	syncMaxTries          = 3
)

// RunSyncLoop periodically pulls and pushes the vault until ctx is
// canceled, so remote edits show up even when no client mutates notes.
// Transient failures are retried with exponential backoff; a tick that
// still fails after the retries is logged and abandoned until the next
// one.
func (c *Coordinator) RunSyncLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.syncWithRetry(ctx); err != nil {
				logger.Warnf("Vault sync failed: %v", err)
			}
		}
	}
}

func (c *Coordinator) syncWithRetry(ctx context.Context) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = syncInitialRetryDelay
	expBackoff.MaxInterval = syncMaxRetryDelay

	_, err := backoff.Retry(ctx, func() (any, error) {
		return nil, c.Sync(ctx)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(syncMaxTries),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Debugf("Vault sync attempt failed, retrying in %s: %v", duration, err)
		}),
	)
	return err
}

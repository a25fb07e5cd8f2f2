// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package git

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stacklok/notehive/pkg/logger"
	"github.com/stacklok/notehive/pkg/telemetry"
)

const (
	// maxPendingDescriptions bounds the pending commit list. Further
	// schedules are dropped with a log line until the list drains.
	maxPendingDescriptions = 1000

	// DefaultDebounce is the normal delay between the last mutation and
	// the commit that captures it.
	DefaultDebounce = 10 * time.Second

	// DefaultRemote is the remote the coordinator pulls from and pushes to.
	DefaultRemote = "origin"

	// DefaultCommitPrefix starts the subject of batched commit messages.
	DefaultCommitPrefix = "vault"
)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Remote string
	Branch string
	Prefix string

	// Debounce is the delay between the last scheduled mutation and the
	// commit that captures it. Zero commits on the next scheduler pass
	// without waiting; negative values fall back to DefaultDebounce.
	Debounce time.Duration

	// Metrics is optional; nil runs the coordinator unmetered.
	Metrics *telemetry.Metrics
}

// Coordinator coalesces note mutation notifications into debounced
// commit+push sequences. At most one sequence runs at a time; tool
// handlers write to the vault directly and report what they did via
// Schedule. Only the coordinator invokes git.
type Coordinator struct {
	runner   *Runner
	remote   string
	branch   string
	prefix   string
	debounce time.Duration
	metrics  *telemetry.Metrics

	mu             sync.Mutex
	pending        []string
	firstPendingAt time.Time
	timer          *time.Timer
	running        bool
	idle           chan struct{}
	stopped        bool
	dropped        uint64
}

// NewCoordinator creates a Coordinator that commits through runner.
func NewCoordinator(runner *Runner, cfg CoordinatorConfig) *Coordinator {
	if cfg.Remote == "" {
		cfg.Remote = DefaultRemote
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultCommitPrefix
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = DefaultDebounce
	}

	idle := make(chan struct{})
	close(idle)
	return &Coordinator{
		runner:   runner,
		remote:   cfg.Remote,
		branch:   cfg.Branch,
		prefix:   cfg.Prefix,
		debounce: cfg.Debounce,
		metrics:  cfg.Metrics,
		idle:     idle,
	}
}

// Schedule records a human-readable mutation description and (re)arms
// the debounce timer. When the pending list is full the description is
// dropped; the mutation itself is already on disk and will be swept into
// the next commit by `git add .`, only its mention in the message is lost.
func (c *Coordinator) Schedule(description string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	if len(c.pending) >= maxPendingDescriptions {
		c.dropped++
		logger.Warnf("Pending commit list is full (%d entries); dropping description %q", len(c.pending), description)
		return
	}

	now := time.Now()
	c.pending = append(c.pending, description)
	if c.firstPendingAt.IsZero() {
		c.firstPendingAt = now
	}
	c.armTimerLocked(now)
}

// armTimerLocked schedules the next flush. The caller holds c.mu.
func (c *Coordinator) armTimerLocked(now time.Time) {
	delay := debounceDelay(c.debounce, now.Sub(c.firstPendingAt))
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, c.timerFired)
}

// debounceDelay returns the effective timer delay: the configured
// debounce, shortened so that a commit fires no later than three times
// the debounce after the first unflushed entry. A client scheduling in a
// tight loop therefore cannot postpone the commit indefinitely.
func debounceDelay(debounce, sinceFirst time.Duration) time.Duration {
	remaining := 3*debounce - sinceFirst
	if remaining < 0 {
		remaining = 0
	}
	if remaining < debounce {
		return remaining
	}
	return debounce
}

func (c *Coordinator) timerFired() {
	c.mu.Lock()
	c.timer = nil
	if c.running || c.stopped {
		// The active sequence observes the pending list again before it
		// returns; nothing to do here.
		c.mu.Unlock()
		return
	}
	c.running = true
	c.idle = make(chan struct{})
	c.mu.Unlock()

	c.drain(context.Background())
}

// drain runs commit sequences until the pending list is empty, then
// releases the writer slot. Descriptions scheduled while a batch is
// committing are picked up by the next iteration.
func (c *Coordinator) drain(ctx context.Context) {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 || c.stopped {
			c.running = false
			close(c.idle)
			c.mu.Unlock()
			return
		}
		batch := c.pending
		c.pending = nil
		c.firstPendingAt = time.Time{}
		c.mu.Unlock()

		if err := c.commitBatch(ctx, batch); err != nil {
			logger.Errorf("Commit sequence failed: %v", err)
		}
	}
}

// commitBatch stages, commits, and pushes one drained batch.
func (c *Coordinator) commitBatch(ctx context.Context, batch []string) error {
	if _, _, err := c.runner.Run(ctx, "add", "."); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}

	status, _, err := c.runner.Run(ctx, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("checking status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		logger.Debugf("Working tree clean, skipping commit for %d operations", len(batch))
		return nil
	}

	c.metrics.RecordCommitAttempted()
	if _, _, err := c.runner.Run(ctx, "commit", "-m", c.commitMessage(batch)); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	// Best effort. A diverged remote should not block the push attempt;
	// the push reports the real conflict if the rebase could not fix it.
	if _, _, err := c.runner.Run(ctx, "pull", "--rebase", c.remote, c.branch); err != nil {
		logger.Warnf("Rebase pull before push failed: %v", err)
	}

	if _, _, err := c.runner.Run(ctx, "push", c.remote, c.branch); err != nil {
		c.metrics.RecordPushFailed()
		return fmt.Errorf("pushing: %w", err)
	}

	c.metrics.RecordCommitSucceeded()
	logger.Infof("Committed and pushed %d operations", len(batch))
	return nil
}

func (c *Coordinator) commitMessage(batch []string) string {
	if len(batch) == 1 {
		return SanitizeCommitMessage(batch[0])
	}
	joined := fmt.Sprintf("%s: %d operations - %s", c.prefix, len(batch), strings.Join(batch, ", "))
	return SanitizeCommitMessage(joined)
}

// Flush cancels the debounce timer, waits for any in-flight sequence,
// and commits whatever is still pending. Called at shutdown so no
// mutation is left unpushed.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	for c.running {
		idle := c.idle
		c.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	if len(c.pending) == 0 || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.idle = make(chan struct{})
	c.mu.Unlock()

	c.drain(ctx)
	return nil
}

// Sync rebases onto the remote branch and pushes anything unpushed,
// sharing the single-writer slot with commit sequences. When a sequence
// is already running the call is a no-op, since every sequence ends with
// its own pull and push.
func (c *Coordinator) Sync(ctx context.Context) error {
	c.mu.Lock()
	if c.running || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.idle = make(chan struct{})
	c.mu.Unlock()

	err := c.syncOnce(ctx)

	// Picks up anything scheduled while the sync held the writer slot,
	// then releases it.
	c.drain(ctx)
	return err
}

func (c *Coordinator) syncOnce(ctx context.Context) error {
	if _, _, err := c.runner.Run(ctx, "pull", "--rebase", c.remote, c.branch); err != nil {
		return fmt.Errorf("pulling: %w", err)
	}
	if _, _, err := c.runner.Run(ctx, "push", c.remote, c.branch); err != nil {
		return fmt.Errorf("pushing: %w", err)
	}
	return nil
}

// stop cancels the timer and discards pending state without touching
// git. Tests use it to tear a coordinator down.
func (c *Coordinator) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = nil
	c.firstPendingAt = time.Time{}
}

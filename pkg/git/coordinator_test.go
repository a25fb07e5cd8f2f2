// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statusDirty makes the fake git report a dirty tree so commits proceed.
const statusDirty = `case "$1" in status) echo " M note.md";; esac`

// writeLoggingGit writes a fake git that appends each invocation to
// logPath and then runs extra.
func writeLoggingGit(t *testing.T, logPath, extra string) string {
	t.Helper()
	script := fmt.Sprintf("echo \"$*\" >> %q\n%s", logPath, extra)
	return writeFakeGit(t, script)
}

func readGitLog(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

// waitForGitLine polls the fake git log until a line containing substr
// appears, returning the full log.
func waitForGitLine(t *testing.T, path, substr string) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		lines := readGitLog(t, path)
		for _, line := range lines {
			if strings.Contains(line, substr) {
				return lines
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q in the fake git log", substr)
	return nil
}

func newTestCoordinator(t *testing.T, extra string, debounce time.Duration) (*Coordinator, string) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "git.log")
	bin := writeLoggingGit(t, logPath, extra)
	runner := NewRunner(t.TempDir(), nil, WithBinary(bin))
	c := NewCoordinator(runner, CoordinatorConfig{Branch: "main", Debounce: debounce})
	t.Cleanup(c.stop)
	return c, logPath
}

func TestScheduleCommitsAfterDebounce(t *testing.T) {
	t.Parallel()

	c, logPath := newTestCoordinator(t, statusDirty, 30*time.Millisecond)

	c.Schedule("Update todo.md")

	lines := waitForGitLine(t, logPath, "push")
	assert.Equal(t, []string{
		"add .",
		"status --porcelain",
		"commit -m Update todo.md",
		"pull --rebase origin main",
		"push origin main",
	}, lines)
}

func TestZeroDebounceCommitsImmediately(t *testing.T) {
	t.Parallel()

	c, logPath := newTestCoordinator(t, statusDirty, 0)

	c.Schedule("Update todo.md")

	lines := waitForGitLine(t, logPath, "push")
	assert.Contains(t, lines, "commit -m Update todo.md")
}

func TestScheduleBatchesIntoOneCommit(t *testing.T) {
	t.Parallel()

	c, logPath := newTestCoordinator(t, statusDirty, 30*time.Millisecond)

	c.Schedule("Update a.md")
	c.Schedule("Create b.md")
	c.Schedule("Delete c.md")

	lines := waitForGitLine(t, logPath, "push")

	var commits []string
	for _, line := range lines {
		if strings.HasPrefix(line, "commit") {
			commits = append(commits, line)
		}
	}
	require.Len(t, commits, 1, "rapid schedules must coalesce into a single commit")
	assert.Equal(t, "commit -m vault: 3 operations - Update a.md, Create b.md, Delete c.md", commits[0])
}

func TestCleanTreeSkipsCommit(t *testing.T) {
	t.Parallel()

	c, logPath := newTestCoordinator(t, "", 30*time.Millisecond)

	c.Schedule("Update a.md")

	waitForGitLine(t, logPath, "status --porcelain")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []string{"add .", "status --porcelain"}, readGitLog(t, logPath),
		"a clean tree must not be committed or pushed")
}

func TestFlushCommitsImmediately(t *testing.T) {
	t.Parallel()

	// Debounce far in the future; only Flush can trigger the sequence.
	c, logPath := newTestCoordinator(t, statusDirty, time.Hour)

	c.Schedule("Update slow.md")
	require.NoError(t, c.Flush(context.Background()))

	lines := readGitLog(t, logPath)
	assert.Contains(t, lines, "commit -m Update slow.md")
	assert.Contains(t, lines, "push origin main")

	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	assert.Zero(t, pending)
}

func TestFlushWithNothingPending(t *testing.T) {
	t.Parallel()

	c, logPath := newTestCoordinator(t, statusDirty, time.Hour)

	require.NoError(t, c.Flush(context.Background()))
	assert.Empty(t, readGitLog(t, logPath))
}

func TestScheduleDropsAtCapacity(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(t, statusDirty, time.Hour)

	for i := 0; i < maxPendingDescriptions; i++ {
		c.Schedule(fmt.Sprintf("Update note-%d.md", i))
	}
	c.Schedule("Update overflow.md")

	c.mu.Lock()
	pending := len(c.pending)
	dropped := c.dropped
	c.mu.Unlock()

	assert.Equal(t, maxPendingDescriptions, pending)
	assert.EqualValues(t, 1, dropped)
}

func TestDebounceDelay(t *testing.T) {
	t.Parallel()

	const d = 10 * time.Second
	tests := []struct {
		name       string
		sinceFirst time.Duration
		want       time.Duration
	}{
		{"first schedule", 0, d},
		{"well under the ceiling", 19 * time.Second, d},
		{"ceiling shortens the delay", 25 * time.Second, 5 * time.Second},
		{"at the ceiling", 30 * time.Second, 0},
		{"past the ceiling", 45 * time.Second, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, debounceDelay(d, tt.sinceFirst))
		})
	}
}

func TestAdaptiveCeilingFiresUnderLoad(t *testing.T) {
	t.Parallel()

	// With a pure trailing debounce, a schedule every 5ms would postpone
	// the commit past the end of this loop. The 3x ceiling must fire it
	// while schedules are still arriving.
	c, logPath := newTestCoordinator(t, statusDirty, 30*time.Millisecond)

	fired := false
	end := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(end) {
		c.Schedule("Update hot.md")
		if len(readGitLog(t, logPath)) > 0 {
			fired = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, fired, "commit must fire while schedules keep arriving")
}

func TestSyncPullsAndPushes(t *testing.T) {
	t.Parallel()

	c, logPath := newTestCoordinator(t, statusDirty, time.Hour)

	require.NoError(t, c.Sync(context.Background()))
	assert.Equal(t, []string{
		"pull --rebase origin main",
		"push origin main",
	}, readGitLog(t, logPath))
}

func TestSyncSkipsWhileSequenceRuns(t *testing.T) {
	t.Parallel()

	c, logPath := newTestCoordinator(t, statusDirty, time.Hour)

	c.mu.Lock()
	c.running = true
	c.idle = make(chan struct{})
	c.mu.Unlock()

	require.NoError(t, c.Sync(context.Background()))
	assert.Empty(t, readGitLog(t, logPath))

	c.mu.Lock()
	c.running = false
	close(c.idle)
	c.mu.Unlock()
}

func TestSyncDrainsPendingAfterwards(t *testing.T) {
	t.Parallel()

	c, logPath := newTestCoordinator(t, statusDirty, time.Hour)

	c.Schedule("Update queued.md")
	require.NoError(t, c.Sync(context.Background()))

	lines := readGitLog(t, logPath)
	assert.Contains(t, lines, "commit -m Update queued.md",
		"pending work must drain once the sync releases the writer slot")
}

func TestSyncReportsPullFailure(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(t, `case "$1" in pull) exit 9;; esac`, time.Hour)

	err := c.Sync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pulling")
}

func TestRunSyncLoop(t *testing.T) {
	t.Parallel()

	c, logPath := newTestCoordinator(t, statusDirty, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.RunSyncLoop(ctx, 20*time.Millisecond)
	}()

	waitForGitLine(t, logPath, "pull --rebase origin main")
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sync loop did not stop on context cancellation")
	}
}

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

// containerPrefix marks containers created by this service.
const containerPrefix = "coderunner-"

// SweepStale removes submission files in dir last modified more than
// olderThan ago. They only exist if a previous process died mid-execution.
func SweepStale(dir string, olderThan time.Duration) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, submissionPattern))
	if err != nil {
		return 0, fmt.Errorf("globbing %s: %w", dir, err)
	}

	cutoff := time.Now().Add(-olderThan)
	var removed int
	var errs []error
	for _, path := range matches {
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (r *Runner) cleanupContainer(ctx context.Context, container containerd.Container) error {
	if container == nil {
		return nil
	}

	id := container.ID()
	logger := log.With().Str("container_id", id).Logger()

	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cleanupCtx = r.client.WithNamespace(cleanupCtx)

	if task, err := container.Task(cleanupCtx, nil); err == nil {
		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", id, err)
	}

	logger.Debug().Msg("container cleaned up")
	return nil
}

// CleanupOrphaned removes containers left over from a previous run.
func (r *Runner) CleanupOrphaned(ctx context.Context) (int, error) {
	containers, err := r.client.Raw().Containers(r.client.WithNamespace(ctx))
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, c := range containers {
		if !strings.HasPrefix(c.ID(), containerPrefix) {
			continue
		}
		if err := r.cleanupContainer(ctx, c); err != nil {
			log.Error().Err(err).Str("container_id", c.ID()).Msg("failed to clean orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/MabezDev/wokwi-server/logger"
)

// debounceDelay absorbs the burst of write events a linker produces while
// the ELF is still being written.
const debounceDelay = 500 * time.Millisecond

// errRebuilt cancels a run because the firmware on disk changed.
var errRebuilt = errors.New("firmware rebuilt")

// RunWatch runs sessions in a loop, restarting against a fresh session
// whenever the ELF is rebuilt. It returns when ctx is canceled or a run
// fails for a reason other than a rebuild.
func RunWatch(ctx context.Context, cfg Config) error {
	cfg.defaults()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create firmware watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: build tools replace the ELF rather than
	// rewriting it in place, which would silently drop a file watch.
	dir := filepath.Dir(cfg.ELFPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	logger.Info("watch mode enabled", "path", cfg.ELFPath)

	for {
		runCtx, cancel := context.WithCancelCause(ctx)
		go func() {
			if waitForChange(runCtx, watcher, cfg.ELFPath) {
				cancel(errRebuilt)
			}
		}()

		err := Run(runCtx, cfg)
		rebuilt := errors.Is(context.Cause(runCtx), errRebuilt)
		cancel(nil)

		if ctx.Err() != nil {
			return nil
		}
		if rebuilt {
			logger.Info("firmware changed, restarting session")
			continue
		}
		if err != nil {
			return err
		}

		logger.Info("session ended, waiting for firmware changes")
		if !waitForChange(ctx, watcher, cfg.ELFPath) {
			return nil
		}
		logger.Info("firmware changed, starting new session")
	}
}

// waitForChange blocks until the watched ELF is written, created, or renamed,
// then waits out the debounce window. It returns false when ctx ends or the
// watcher closes first.
func waitForChange(ctx context.Context, watcher *fsnotify.Watcher, path string) bool {
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return false

		case ev, ok := <-watcher.Events:
			if !ok {
				return false
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			timer := time.NewTimer(debounceDelay)
			for {
				select {
				case <-ctx.Done():
					timer.Stop()
					return false
				case <-watcher.Events:
					// Still being written; keep waiting.
				case <-timer.C:
					return true
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return false
			}
			logger.Warn("firmware watcher error", "error", err)
		}
	}
}

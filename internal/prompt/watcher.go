package prompt

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatching begins hot-reloading the template directory. It is a
// no-op unless both a directory and watching are configured.
func (a *Assembler) StartWatching(ctx context.Context) error {
	if a.cfg.Dir == "" || !a.cfg.Watch {
		return nil
	}

	a.watchMu.Lock()
	if a.watcher != nil {
		a.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.watchMu.Unlock()
		return err
	}
	if err := watcher.Add(a.cfg.Dir); err != nil {
		_ = watcher.Close()
		a.watchMu.Unlock()
		return err
	}
	a.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.watchMu.Unlock()

	debounce := time.Duration(a.cfg.WatchDebounceMs) * time.Millisecond
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	a.watchWg.Add(1)
	go a.watchLoop(watchCtx, watcher, debounce)
	return nil
}

// Close stops the watcher if one is running.
func (a *Assembler) Close() error {
	a.watchMu.Lock()
	if a.watchCancel != nil {
		a.watchCancel()
		a.watchCancel = nil
	}
	watcher := a.watcher
	a.watcher = nil
	a.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	a.watchWg.Wait()
	return nil
}

func (a *Assembler) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, debounce time.Duration) {
	defer a.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if err := a.Reload(); err != nil {
				a.logger.Warn("template reload failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.logger.Warn("template watch error", "error", err)
		}
	}
}

package prompts

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates a loader's cache when prompt override files
// change, so operators can edit prompts without restarting the server.
type Watcher struct {
	watcher  *fsnotify.Watcher
	loader   *Loader
	debounce time.Duration

	mu      sync.Mutex
	pending bool
	timer   *time.Timer

	done chan struct{}
}

// NewWatcher starts watching the loader's override directories.
// Directories that do not exist yet are skipped.
func NewWatcher(loader *Loader) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsw,
		loader:   loader,
		debounce: 500 * time.Millisecond, // Editors fire several events per save
		done:     make(chan struct{}),
	}

	for _, dir := range loader.OverrideDirs() {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			log.Printf("prompts: watch %s: %v", dir, err)
		}
	}

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleInvalidate()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("prompts: watcher error: %v", err)
		}
	}
}

func (w *Watcher) scheduleInvalidate() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending {
		w.timer.Reset(w.debounce)
		return
	}
	w.pending = true
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.pending = false
		w.mu.Unlock()

		log.Printf("prompts: override change detected, reloading templates")
		w.loader.Invalidate()
	})
}

// Close stops the watcher
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

package watchdog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type WatchDogFactory struct {
	logger *zap.Logger
}

// Filter decides whether a created file is reported. nil reports everything.
type Filter func(string) bool

type WatchDog struct {
	watchCtx   context.Context
	notifyChan chan<- string
	filter     Filter
	logger     *zap.Logger

	watcher *fsnotify.Watcher
}

func NewWatchDogFactory(logger *zap.Logger) *WatchDogFactory {
	return &WatchDogFactory{
		logger: logger,
	}
}

// New starts watching for file creation events until watchCtx is done.
// notifyChan is closed by the watchdog once it stops.
func (w *WatchDogFactory) New(watchCtx context.Context, notifyChan chan<- string, filter Filter) (*WatchDog, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	watchDog := &WatchDog{
		watchCtx,
		notifyChan,
		filter,
		w.logger,
		watcher,
	}

	go watchDog.watch()

	return watchDog, nil
}

// AddDir adds an existing directory to the watch list.
func (w *WatchDog) AddDir(dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	if st, err := os.Stat(absDir); err != nil || !st.IsDir() {
		return fmt.Errorf("watch dir %s does not exist", absDir)
	}
	if err := w.watcher.Add(absDir); err != nil {
		return fmt.Errorf("watch %s: %w", absDir, err)
	}
	w.logger.Debug("added directory to watch list", zap.String("dir", absDir))
	return nil
}

func (w *WatchDog) watch() {
	defer w.watcher.Close()
	defer close(w.notifyChan)
	for {
		select {
		case <-w.watchCtx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", zap.Error(err))
		}
	}
}

func (w *WatchDog) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) {
		return
	}
	if w.filter != nil && !w.filter(event.Name) {
		w.logger.Debug("file ignored by filter", zap.String("file", event.Name))
		return
	}
	select {
	case w.notifyChan <- event.Name:
	case <-w.watchCtx.Done():
	}
}

// Collector gathers the paths a WatchDog reports on one directory.
type Collector struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	files []string
}

// Collect watches dir until Stop is called and records every created file
// accepted by filter.
func (w *WatchDogFactory) Collect(ctx context.Context, dir string, filter Filter) (*Collector, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	notify := make(chan string, 16)
	dog, err := w.New(watchCtx, notify, filter)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := dog.AddDir(dir); err != nil {
		cancel()
		for range notify {
		}
		return nil, err
	}

	c := &Collector{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for name := range notify {
			c.mu.Lock()
			c.files = append(c.files, name)
			c.mu.Unlock()
		}
	}()
	return c, nil
}

// Stop ends the watch and returns what was seen, in arrival order.
func (c *Collector) Stop() []string {
	c.cancel()
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.files...)
}

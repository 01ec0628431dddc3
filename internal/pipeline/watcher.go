package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexlipsync/internal/bus"
)

// DefaultDebounce absorbs the burst of events editors emit per save.
const DefaultDebounce = 300 * time.Millisecond

// Watcher regenerates a clip whenever the project or avatar file changes
type Watcher struct {
	gen      *Generator
	req      Request
	debounce time.Duration
	logger   zerolog.Logger

	watcher *fsnotify.Watcher
	files   map[string]bool // absolute paths that trigger a run

	mu       sync.Mutex
	onResult func(*Result, error)
}

// NewWatcher watches the inputs of req
func NewWatcher(gen *Generator, req Request, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		gen:      gen,
		req:      req,
		debounce: debounce,
		logger:   gen.log.With().Str("component", "watcher").Logger(),
		watcher:  fw,
		files:    make(map[string]bool),
	}

	dirs := map[string]bool{}
	for _, path := range []string{req.ProjectPath, req.AvatarPath} {
		if path == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			fw.Close()
			return nil, err
		}
		w.files[abs] = true

		// Watch the directory so editors that save by rename are seen
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		dirs[dir] = true
	}

	return w, nil
}

// OnResult sets the callback invoked after every run
func (w *Watcher) OnResult(cb func(*Result, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onResult = cb
}

// Run generates once, then again after every debounced change, until ctx
// is cancelled. Failed runs are reported and watching continues.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	w.run(ctx)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Input changed")
			w.gen.events.Publish(bus.Event{
				Type: bus.EventTypeSourceChanged,
				Data: map[string]any{"file": event.Name, "op": event.Op.String()},
			})
			timer.Reset(w.debounce)
		case <-timer.C:
			w.run(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return w.files[abs]
}

func (w *Watcher) run(ctx context.Context) {
	res, err := w.gen.Generate(ctx, w.req)
	if err != nil {
		w.logger.Error().Err(err).Msg("Regeneration failed")
	}

	w.mu.Lock()
	cb := w.onResult
	w.mu.Unlock()
	if cb != nil {
		cb(res, err)
	}
}

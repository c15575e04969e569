package indexer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watcher feeds filesystem events for the source trees through a debouncer
// into the pipeline queue. Directories created after start are watched and
// their existing files queued.
type watcher struct {
	ix        *Indexer
	fsw       *fsnotify.Watcher
	debouncer *Debouncer
	logger    zerolog.Logger
}

func (ix *Indexer) newWatcher(ctx context.Context) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		ix:     ix,
		fsw:    fsw,
		logger: ix.logger.With().Str("component", "watcher").Logger(),
	}
	w.debouncer = NewDebouncer(ix.cfg.Debounce, func(item WorkItem) {
		if err := ix.enqueue(ctx, ix.queue, item); err != nil && ctx.Err() == nil {
			w.logger.Warn().Err(err).Str("path", item.Path).Msg("failed to queue event")
		}
	})

	for _, src := range ix.sources {
		if err := w.addTree(src.Path); err != nil {
			w.logger.Warn().Err(err).Str("root", src.Path).Msg("cannot watch source root")
		}
	}
	return w, nil
}

// addTree watches root and every directory below it
func (w *watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Debug().Err(err).Str("dir", path).Msg("cannot watch directory")
		}
		return nil
	})
}

func (w *watcher) run(ctx context.Context) error {
	defer func() {
		w.debouncer.Stop()
		_ = w.fsw.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			// Overflow means events were lost; the periodic rescan recovers them
			w.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.addDir(ev.Name)
			return
		}
		w.touch(ev.Name, OpUpsert)
	case ev.Has(fsnotify.Write):
		w.touch(ev.Name, OpUpsert)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.touch(ev.Name, OpDelete)
	}
}

func (w *watcher) touch(path string, op Op) {
	if _, ok := w.ix.sourceFor(path); ok {
		w.debouncer.Add(path, op)
	}
}

// addDir watches a new directory tree and queues the files already in it,
// which may have been written before the watch was added
func (w *watcher) addDir(dir string) {
	if err := w.addTree(dir); err != nil {
		w.logger.Debug().Err(err).Str("dir", dir).Msg("cannot watch new directory")
		return
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.Type().IsRegular() {
			w.touch(path, OpUpsert)
		}
		return nil
	})
}

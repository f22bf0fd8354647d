package discovery

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher rescans a skills root whenever the tree changes, publishing
// fresh immutable Snapshots, so a long-running skill server can pick up
// new or removed skills without a restart and without ever mutating a
// live Snapshot in place.
type Watcher struct {
	scanner *Scanner
	logger  zerolog.Logger

	current atomic.Pointer[Snapshot]
}

// NewWatcher builds a Watcher that scans immediately and is ready to
// serve Current() before Run is ever called.
func NewWatcher(scanner *Scanner, logger zerolog.Logger) (*Watcher, error) {
	w := &Watcher{scanner: scanner, logger: logger}
	snap, err := scanner.Scan()
	if err != nil {
		return nil, err
	}
	w.current.Store(snap)
	return w, nil
}

// Current returns the most recently published Snapshot.
func (w *Watcher) Current() *Snapshot {
	return w.current.Load()
}

// Run watches the scanner's root for filesystem events, debounces bursts
// of them (editors and git checkouts touch many files per change), and
// rescans on settle. It blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := addRecursive(fsw, w.scanner.Root); err != nil {
		w.logger.Warn().Err(err).Str("root", w.scanner.Root).Msg("discovery watcher: initial watch failed")
	}

	const debounce = 300 * time.Millisecond
	var timer *time.Timer
	rescan := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(debounce, func() {
					select {
					case rescan <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("discovery watcher: fsnotify error")

		case <-rescan:
			snap, err := w.scanner.Scan()
			if err != nil {
				w.logger.Warn().Err(err).Msg("discovery watcher: rescan failed, keeping previous snapshot")
				continue
			}
			w.current.Store(snap)
			w.logger.Info().Int("topics", len(snap.Topics())).Msg("discovery watcher: rescanned")
		}
	}
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable subtrees rather than aborting the whole walk
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
}

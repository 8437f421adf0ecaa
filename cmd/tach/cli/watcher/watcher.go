// Package watcher reports batches of changed Python files under a project
// root, debounced so an editor save or a git checkout yields one batch.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tach-org/tach/cmd/tach/cli/paths"
)

// DefaultDebounce is the quiet period before pending changes are emitted.
const DefaultDebounce = 200 * time.Millisecond

// Excluder reports whether a root-relative path is ignored.
type Excluder interface {
	IsExcluded(rel string) bool
}

// Batch is a set of changed files, sorted, absolute.
type Batch []string

// Watcher monitors a directory tree for .py changes using fsnotify.
type Watcher struct {
	Root    string
	Batches <-chan Batch // Read-only external channel

	batches  chan Batch // Internal write channel
	stop     chan struct{}
	done     chan struct{}
	watcher  *fsnotify.Watcher
	exclude  Excluder
	debounce time.Duration
}

// New creates a watcher for root. debounce <= 0 selects DefaultDebounce.
func New(root string, exclude Excluder, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	ch := make(chan Batch, 4)
	return &Watcher{
		Root:     root,
		Batches:  ch,
		batches:  ch,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		watcher:  fw,
		exclude:  exclude,
		debounce: debounce,
	}, nil
}

// Start registers every non-excluded directory under Root and begins watching.
func (w *Watcher) Start() error {
	if err := w.addTree(w.Root); err != nil {
		_ = w.watcher.Close()
		return err
	}
	go w.loop()
	return nil
}

// Stop closes the watcher and then Batches. Changes not yet delivered are
// dropped, so Stop never waits on a reader.
func (w *Watcher) Stop() {
	close(w.stop)
	_ = w.watcher.Close()
	<-w.done
	close(w.batches)
}

func (w *Watcher) addTree(dir string) error {
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.Root && w.excluded(p) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	return nil
}

func (w *Watcher) excluded(p string) bool {
	return w.exclude != nil && w.exclude.IsExcluded(paths.ToRelativePath(p, w.Root))
}

func (w *Watcher) loop() {
	defer close(w.done)

	pending := make(map[string]struct{})
	var last time.Time
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := make(Batch, 0, len(pending))
		for p := range pending {
			batch = append(batch, p)
		}
		sort.Strings(batch)
		clear(pending)
		select {
		case w.batches <- batch:
		case <-w.stop:
		}
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				flush()
				return
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !w.excluded(event.Name) {
					// New package directory; files created with it are picked up by the walk.
					_ = w.addTree(event.Name)
					continue
				}
			}
			if !w.isSourceFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				pending[event.Name] = struct{}{}
				last = time.Now()
			}

		case <-ticker.C:
			if len(pending) > 0 && time.Since(last) >= w.debounce {
				flush()
			}

		case _, ok := <-w.watcher.Errors:
			if !ok {
				flush()
				return
			}
			// Watch errors are non-fatal.
		}
	}
}

func (w *Watcher) isSourceFile(name string) bool {
	base := filepath.Base(name)
	if !strings.HasSuffix(name, ".py") && base != paths.ProjectConfigFile && base != paths.ProjectLocalConfigFile {
		return false
	}
	return !w.excluded(name)
}

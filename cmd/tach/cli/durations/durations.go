// Package durations keeps the last measured duration of every test across runs
// and estimates the time a set of skipped files would have taken.
//
// Everything here is best-effort: read and write failures are logged at debug
// level and otherwise ignored.
package durations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/tach-org/tach/cmd/tach/cli/kvcache"
	"github.com/tach-org/tach/cmd/tach/cli/logging"
	"github.com/tach-org/tach/cmd/tach/cli/paths"
	"github.com/tach-org/tach/cmd/tach/cli/testrun"
)

// Key is the cache key the mapping is persisted under.
const Key = "tach/durations"

// Store is the subset of the cross-run cache the duration cache needs.
type Store interface {
	Get(key string, v any) kvcache.Result
	Set(key string, v any) error
}

// Entry is one cached measurement.
type Entry struct {
	NodeID  string
	Seconds float64
}

// Cache is the in-memory duration mapping for one run.
type Cache struct {
	store      Store
	root       string
	maxEntries int

	entries  map[string]float64
	measured map[string]struct{}
}

// Load reads the persisted mapping. A nil store, a missing key or a corrupt
// value all yield an empty cache.
func Load(ctx context.Context, store Store, root string, maxEntries int) *Cache {
	c := &Cache{
		store:      store,
		root:       root,
		maxEntries: maxEntries,
		entries:    make(map[string]float64),
		measured:   make(map[string]struct{}),
	}
	if store == nil {
		return c
	}

	var stored map[string]float64
	res := store.Get(Key, &stored)
	switch res.Status {
	case kvcache.Hit:
		for id, secs := range stored {
			c.entries[id] = secs
		}
	case kvcache.Failed:
		logging.Debug(ctx, "duration cache unreadable, starting empty", "error", res.Err)
	case kvcache.Miss:
	}
	return c
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Record upserts the duration of every call-phase report. Setup and teardown
// reports are ignored.
func (c *Cache) Record(reports []testrun.Report) {
	for _, r := range reports {
		if r.When != testrun.PhaseCall {
			continue
		}
		c.entries[r.NodeID] = r.Duration.Seconds()
		c.measured[r.NodeID] = struct{}{}
	}
}

// Save persists the full mapping in a single write. Errors are swallowed.
func (c *Cache) Save(ctx context.Context) {
	if c.store == nil {
		return
	}
	pruned := c.prune()
	if pruned > 0 {
		logging.Debug(ctx, "pruned duration cache", "removed", pruned, "kept", len(c.entries))
	}
	if err := c.store.Set(Key, c.entries); err != nil {
		logging.Debug(ctx, "failed to write duration cache", "error", err)
	}
}

// Estimate sums the cached durations of tests whose file is in targets.
// targets holds canonical absolute paths. The second result is false when
// there is nothing to estimate: no targets, an empty cache, or a zero total.
func (c *Cache) Estimate(targets map[string]struct{}) (float64, bool) {
	if len(targets) == 0 || len(c.entries) == 0 {
		return 0, false
	}

	resolved := make(map[string]string)
	var total float64
	for id, secs := range c.entries {
		file := testrun.FilePart(id)
		if file == "" {
			continue
		}
		abs, ok := resolved[file]
		if !ok {
			abs = paths.Canonical(c.root, file)
			resolved[file] = abs
		}
		if _, hit := targets[abs]; hit {
			total += secs
		}
	}
	if total == 0 {
		return 0, false
	}
	return total, true
}

// Slowest returns up to n entries ordered by duration, longest first.
// n <= 0 returns all of them.
func (c *Cache) Slowest(n int) []Entry {
	out := make([]Entry, 0, len(c.entries))
	for id, secs := range c.entries {
		out = append(out, Entry{NodeID: id, Seconds: secs})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seconds != out[j].Seconds {
			return out[i].Seconds > out[j].Seconds
		}
		return out[i].NodeID < out[j].NodeID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// FormatSaved renders an estimate as "~1.2s saved".
func FormatSaved(seconds float64) string {
	return fmt.Sprintf("~%.1fs saved", seconds)
}

// prune drops entries whose file is gone, then trims to maxEntries keeping
// this run's measurements first. Returns the number of entries removed.
func (c *Cache) prune() int {
	before := len(c.entries)

	exists := make(map[string]bool)
	for id := range c.entries {
		file := testrun.FilePart(id)
		if file == "" {
			delete(c.entries, id)
			continue
		}
		ok, seen := exists[file]
		if !seen {
			ok = fileExists(filepath.Join(c.root, filepath.FromSlash(file)))
			exists[file] = ok
		}
		if !ok {
			delete(c.entries, id)
		}
	}

	if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		ids := make([]string, 0, len(c.entries))
		for id := range c.entries {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			_, mi := c.measured[ids[i]]
			_, mj := c.measured[ids[j]]
			if mi != mj {
				return mi
			}
			return ids[i] < ids[j]
		})
		for _, id := range ids[c.maxEntries:] {
			delete(c.entries, id)
		}
	}

	return before - len(c.entries)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}

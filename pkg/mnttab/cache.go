// Package mnttab keeps the daemon's view of which datasets are mounted where.
//
// The cache is ordered by dataset name and is filled lazily from the host
// mount table the first time it is consulted. Only the mount orchestrator adds
// and removes entries; a lookup miss falls back to the host table so mounts
// made by other processes are still found.
package mnttab

import (
	"strings"
	"sync"

	"github.com/google/btree"
)

type item Entry

func (a item) Less(than btree.Item) bool {
	return a.Dataset < than.(item).Dataset
}

// Cache is the in-memory dataset -> mountpoint table.
//
// Thread safety:
// All methods are safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	tree   *btree.BTree
	host   HostTable
	loaded bool
}

// NewCache creates an empty cache backed by the given host table.
func NewCache(host HostTable) *Cache {
	return &Cache{
		tree: btree.New(2),
		host: host,
	}
}

// Find returns the mount entry for a dataset.
func (c *Cache) Find(dataset string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoaded(); err != nil {
		return Entry{}, false, err
	}

	if got := c.tree.Get(item{Dataset: dataset}); got != nil {
		return Entry(got.(item)), true, nil
	}

	// Miss: another process may have mounted it since we loaded.
	entries, err := c.host.Entries()
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.Dataset == dataset {
			c.tree.ReplaceOrInsert(item(e))
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Add records a successful mount.
func (c *Cache) Add(dataset, mountpoint, options string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.ensureLoaded()
	c.tree.ReplaceOrInsert(item{
		Dataset:    dataset,
		Mountpoint: mountpoint,
		FSType:     DefaultFSType,
		Options:    options,
	})
}

// Remove forgets a dataset after a successful unmount.
func (c *Cache) Remove(dataset string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tree.Delete(item{Dataset: dataset})
}

// Entries returns all cached entries in dataset name order.
func (c *Cache) Entries() ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoaded(); err != nil {
		return nil, err
	}

	out := make([]Entry, 0, c.tree.Len())
	c.tree.Ascend(func(i btree.Item) bool {
		out = append(out, Entry(i.(item)))
		return true
	})
	return out, nil
}

// Under returns the cached entries for root and every dataset beneath it.
func (c *Cache) Under(root string) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoaded(); err != nil {
		return nil, err
	}

	var out []Entry
	c.tree.AscendGreaterOrEqual(item{Dataset: root}, func(i btree.Item) bool {
		e := Entry(i.(item))
		if !strings.HasPrefix(e.Dataset, root) {
			return false
		}
		// "tank-x" sorts between "tank" and "tank/a"; skip, don't stop.
		if e.Dataset == root || e.Dataset[len(root)] == '/' {
			out = append(out, e)
		}
		return true
	})
	return out, nil
}

// Refresh discards the cache and reloads it from the host table.
func (c *Cache) Refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tree.Clear(false)
	c.loaded = false
	return c.ensureLoaded()
}

// Len returns the number of cached entries without loading.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Len()
}

func (c *Cache) ensureLoaded() error {
	if c.loaded {
		return nil
	}
	entries, err := c.host.Entries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		c.tree.ReplaceOrInsert(item(e))
	}
	c.loaded = true
	return nil
}

package storagecache

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cyclopcam/deteval/server/storage"
	"github.com/cyclopcam/logs"
	"golang.org/x/sync/singleflight"
)

// StorageCache keeps local copies of blob store files, so that repeated reads of the
// same file (eg rendering diff images for one run while the user flips through its
// images) don't each pay for a round trip to the blob store.
// When the cache exceeds maxBytes, the least recently used files are evicted.
type StorageCache struct {
	log      logs.Log
	upstream storage.Storage
	root     string
	maxBytes int64
	fetches  singleflight.Group // Concurrent misses on the same file share one download

	lock      sync.Mutex
	bytesUsed int64
	lru       *list.List // Front is most recently used. Values are *entry.
	entries   map[string]*list.Element
}

type entry struct {
	name string
	size int64
}

// NewStorageCache wipes root, and creates an empty cache there
func NewStorageCache(log logs.Log, upstream storage.Storage, root string, maxBytes int64) (*StorageCache, error) {
	os.RemoveAll(root)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &StorageCache{
		log:      log,
		upstream: upstream,
		root:     root,
		maxBytes: maxBytes,
		lru:      list.New(),
		entries:  map[string]*list.Element{},
	}, nil
}

// ReadFile returns the content of name, fetching it from upstream if we don't have it
func (c *StorageCache) ReadFile(name string) ([]byte, error) {
	if strings.Contains(name, "..") {
		return nil, fmt.Errorf("Invalid storage cache path '%v'", name)
	}
	if b, ok := c.readLocal(name); ok {
		return b, nil
	}
	v, err, _ := c.fetches.Do(name, func() (any, error) {
		return c.fetch(name)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Evict removes name from the cache, if it is present
func (c *StorageCache) Evict(name string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if el := c.entries[name]; el != nil {
		c.remove(el)
	}
}

func (c *StorageCache) BytesUsed() int64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.bytesUsed
}

func (c *StorageCache) localPath(name string) string {
	return filepath.Join(c.root, filepath.FromSlash(name))
}

func (c *StorageCache) readLocal(name string) ([]byte, bool) {
	c.lock.Lock()
	el := c.entries[name]
	if el != nil {
		c.lru.MoveToFront(el)
	}
	c.lock.Unlock()
	if el == nil {
		return nil, false
	}
	b, err := os.ReadFile(c.localPath(name))
	if err != nil {
		// Evicted after we looked it up
		return nil, false
	}
	return b, true
}

func (c *StorageCache) fetch(name string) ([]byte, error) {
	b, err := storage.ReadFile(c.upstream, name)
	if err != nil {
		return nil, err
	}
	local := c.localPath(name)
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(local, b, 0644); err != nil {
		os.Remove(local)
		return nil, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if el := c.entries[name]; el != nil {
		// Our local copy went missing. Forget the stale entry, but keep the file we just wrote.
		c.bytesUsed -= el.Value.(*entry).size
		c.lru.Remove(el)
	}
	c.entries[name] = c.lru.PushFront(&entry{name: name, size: int64(len(b))})
	c.bytesUsed += int64(len(b))

	// Never evict the file we just fetched, even if it alone exceeds the budget
	for c.bytesUsed > c.maxBytes && c.lru.Len() > 1 {
		oldest := c.lru.Back()
		c.log.Debugf("Evicting %v from storage cache", oldest.Value.(*entry).name)
		c.remove(oldest)
	}
	return b, nil
}

func (c *StorageCache) remove(el *list.Element) {
	e := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.entries, e.name)
	c.bytesUsed -= e.size
	os.Remove(c.localPath(e.name))
}

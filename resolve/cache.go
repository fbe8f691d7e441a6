package resolve

import (
	"github.com/coocood/freecache"
	"github.com/golang/snappy"

	"github.com/janelia-flyem/meshpull/meshpull"
)

// FragmentCache is an in-memory read-through cache of fetched payloads,
// snappy-compressed since mesh fragments and merge documents compress well.
// It only ever short-circuits a successful fetch; cache misses and cache
// errors fall through to the network.
type FragmentCache struct {
	cache *freecache.Cache
}

// NewFragmentCache allocates a cache of roughly the given number of
// megabytes.
func NewFragmentCache(megabytes int) *FragmentCache {
	return &FragmentCache{cache: freecache.NewCache(megabytes * 1 << 20)}
}

// Get returns the cached payload for the key if present.
func (fc *FragmentCache) Get(key string) ([]byte, bool) {
	compressed, err := fc.cache.Get([]byte(key))
	if err != nil {
		if err != freecache.ErrNotFound {
			meshpull.Errorf("unable to get cached fragment %q: %v\n", key, err)
		}
		return nil, false
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		meshpull.Errorf("unable to uncompress cached fragment %q: %v\n", key, err)
		fc.cache.Del([]byte(key))
		return nil, false
	}
	return data, true
}

// Put stores a payload under the key.  Values too large for the cache are
// silently skipped.
func (fc *FragmentCache) Put(key string, data []byte) {
	compressed := snappy.Encode(nil, data)
	if err := fc.cache.Set([]byte(key), compressed, 0); err != nil {
		meshpull.Debugf("unable to cache %d byte fragment %q: %v\n", len(data), key, err)
	}
}

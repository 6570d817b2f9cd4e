package hermes

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type dedupEntry struct {
	value      interface{}
	insertedAt time.Time
}

// Deduplicator memoizes handler results keyed by an extracted or derived
// key, so repeated deliveries of the same logical request within a TTL
// window run the handler at most once.
type Deduplicator struct {
	cache        *lru.Cache[string, dedupEntry]
	ttl          time.Duration
	keyExtractor func(interface{}) string
	disabled     bool
	mu           sync.Mutex
}

// NewDeduplicator constructs a cache holding up to size keys, each valid
// for ttl. A zero or negative size disables deduplication entirely: Check
// always reports a miss and Store is a no-op.
func NewDeduplicator(size int, ttl time.Duration, keyExtractor func(interface{}) string) (*Deduplicator, error) {
	if size <= 0 {
		return &Deduplicator{disabled: true}, nil
	}
	cache, err := lru.New[string, dedupEntry](size)
	if err != nil {
		return nil, err
	}
	return &Deduplicator{cache: cache, ttl: ttl, keyExtractor: keyExtractor}, nil
}

// Key derives the deduplication key for payload given its message
// properties: keyExtractor(payload) if configured, else
// properties.MessageID, else sha256(raw) hex-encoded.
func (d *Deduplicator) Key(raw []byte, payload interface{}, props MessageProperties) string {
	if d.keyExtractor != nil {
		if k := d.keyExtractor(payload); k != "" {
			return k
		}
	}
	if props.MessageID != "" {
		return props.MessageID
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Check reports whether key was seen within its TTL. On a hit it returns
// the memoized value and duplicate=true; on a miss (including a present but
// TTL-expired entry, which is evicted) it returns duplicate=false.
func (d *Deduplicator) Check(key string) (value interface{}, duplicate bool) {
	if d.disabled {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.cache.Get(key)
	if !ok {
		return nil, false
	}
	if d.ttl > 0 && time.Since(entry.insertedAt) > d.ttl {
		d.cache.Remove(key)
		return nil, false
	}
	return entry.value, true
}

// Store memoizes value under key. A no-op in disabled mode.
func (d *Deduplicator) Store(key string, value interface{}) {
	if d.disabled {
		return
	}
	d.mu.Lock()
	d.cache.Add(key, dedupEntry{value: value, insertedAt: time.Now()})
	d.mu.Unlock()
}

// Clear empties the cache, used when a server stops.
func (d *Deduplicator) Clear() {
	if d.disabled {
		return
	}
	d.mu.Lock()
	d.cache.Purge()
	d.mu.Unlock()
}

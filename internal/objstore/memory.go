package objstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBucket keeps objects in memory. It counts Get calls per key so tests
// can assert which files a read opened, and can inject failures.
type MemoryBucket struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	gets    map[string]int

	// FailPut, FailGet and FailDelete return an error for matching keys.
	// Hooks are called with the bucket unlocked.
	FailPut    func(key string) error
	FailGet    func(key string) error
	FailDelete func(key string) error
}

type memoryObject struct {
	data    []byte
	modTime time.Time
}

var _ Bucket = (*MemoryBucket)(nil)

// NewMemoryBucket creates an empty bucket.
func NewMemoryBucket() *MemoryBucket {
	return &MemoryBucket{
		objects: make(map[string]memoryObject),
		gets:    make(map[string]int),
	}
}

// Put stores a copy of data.
func (b *MemoryBucket) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if b.FailPut != nil {
		if err := b.FailPut(key); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects[key] = memoryObject{data: bytes.Clone(data), modTime: time.Now()}
	return nil
}

// Get returns a copy of the stored object.
func (b *MemoryBucket) Get(ctx context.Context, key string) ([]byte, error) {
	if b.FailGet != nil {
		if err := b.FailGet(key); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.gets[key]++
	obj, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return bytes.Clone(obj.data), nil
}

// Delete removes key.
func (b *MemoryBucket) Delete(ctx context.Context, key string) error {
	if b.FailDelete != nil {
		if err := b.FailDelete(key); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.objects, key)
	return nil
}

// List returns objects below prefix sorted by key.
func (b *MemoryBucket) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []ObjectInfo
	for key, obj := range b.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectInfo{Key: key, Size: int64(len(obj.data)), ModTime: obj.modTime})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// EnsurePrefix is a no-op.
func (b *MemoryBucket) EnsurePrefix(ctx context.Context, prefix string) error {
	return nil
}

// Gets returns how often key was read.
func (b *MemoryBucket) Gets(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.gets[key]
}

// TotalGets returns the number of Get calls across all keys.
func (b *MemoryBucket) TotalGets() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, c := range b.gets {
		n += c
	}
	return n
}

// ResetCounters clears the Get counters.
func (b *MemoryBucket) ResetCounters() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets = make(map[string]int)
}

// SetModTime backdates an object, for age-based cleanup tests.
func (b *MemoryBucket) SetModTime(key string, t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if obj, ok := b.objects[key]; ok {
		obj.modTime = t
		b.objects[key] = obj
	}
}

// Keys returns every stored key, sorted.
func (b *MemoryBucket) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

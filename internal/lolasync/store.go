package lolasync

import (
	"bytes"
	"encoding/gob"
	"log"
	"net/http"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout in leveldb:
//
//	p:<partition>                    partition registry marker
//	e:<partition>\x1f<fingerprint>   gob-encoded CacheEntry
//
// \x1f never appears in partition names or fingerprints.
const keySep = "\x1f"

// fingerprint identifies a request for cache purposes.
func fingerprint(method, url string) string {
	return method + " " + url
}

// CacheStore is a set of named cache partitions over a single leveldb DB,
// fronted by a shared LRU RAM tier. All mutations hit disk before returning.
type CacheStore struct {
	db  *leveldb.DB
	ram *ramTier

	mu sync.Mutex // serializes partition create/drop/rename
}

func OpenCacheStore(path string, ramMaxBytes int64) (*CacheStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	ram, err := newRAMTier(ramMaxBytes)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &CacheStore{db: db, ram: ram}, nil
}

func (s *CacheStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying leveldb handle. The action queue persists its
// single key in the same database.
func (s *CacheStore) DB() *leveldb.DB { return s.db }

// Open returns a handle to the named partition, creating it if absent.
func (s *CacheStore) Open(name string) (*Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put([]byte("p:"+name), []byte{}, nil); err != nil {
		return nil, err
	}
	return &Partition{store: s, name: name}, nil
}

// Names enumerates all existing partitions.
func (s *CacheStore) Names() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("p:")), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte("p:"))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Drop irreversibly removes a partition and every entry it holds.
func (s *CacheStore) Drop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete([]byte("p:" + name))

	prefix := []byte("e:" + name + keySep)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
		s.ram.Delete(string(it.Key()))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

// Rename atomically moves every entry of partition from under partition to
// and registers to. Used to commit a fully seeded staging partition.
func (s *CacheStore) Rename(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete([]byte("p:" + from))
	batch.Put([]byte("p:"+to), []byte{})

	fromPrefix := []byte("e:" + from + keySep)
	it := s.db.NewIterator(util.BytesPrefix(fromPrefix), nil)
	for it.Next() {
		fp := bytes.TrimPrefix(it.Key(), fromPrefix)
		batch.Put([]byte("e:"+to+keySep+string(fp)), append([]byte(nil), it.Value()...))
		batch.Delete(append([]byte(nil), it.Key()...))
		s.ram.Delete(string(it.Key()))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

// Match looks up a fingerprint across all partitions. When several
// partitions hold the fingerprint the most recently stored entry wins.
func (s *CacheStore) Match(fp string) (CacheEntry, bool) {
	names, err := s.Names()
	if err != nil {
		return CacheEntry{}, false
	}
	var best CacheEntry
	found := false
	for _, name := range names {
		ent, ok := (&Partition{store: s, name: name}).Match(fp)
		if !ok {
			continue
		}
		if !found || ent.StoredAt > best.StoredAt {
			best = ent
			found = true
		}
	}
	return best, found
}

// Partition is a handle to one named cache partition.
type Partition struct {
	store *CacheStore
	name  string
}

func (p *Partition) Name() string { return p.name }

func (p *Partition) key(fp string) string {
	return "e:" + p.name + keySep + fp
}

// Put stores an entry, overwriting any previous one for the fingerprint.
func (p *Partition) Put(fp string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	key := p.key(fp)
	if err := p.store.db.Put([]byte(key), b, nil); err != nil {
		return err
	}
	p.store.ram.Put(key, ent, int64(len(b)))
	return nil
}

// Match returns the stored entry for a fingerprint, if any.
func (p *Partition) Match(fp string) (CacheEntry, bool) {
	key := p.key(fp)
	if ent, ok := p.store.ram.Get(key); ok {
		return ent, true
	}
	b, err := p.store.db.Get([]byte(key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	p.store.ram.Put(key, ent, int64(len(b)))
	return ent, true
}

// Delete removes one entry.
func (p *Partition) Delete(fp string) error {
	key := p.key(fp)
	p.store.ram.Delete(key)
	return p.store.db.Delete([]byte(key), nil)
}

// Keys lists the fingerprints stored in this partition.
func (p *Partition) Keys() ([]string, error) {
	prefix := []byte("e:" + p.name + keySep)
	it := p.store.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// ---- RAM tier ----

// ramTier keeps hot entries in memory in front of leveldb. The LRU is
// entry-capped by the library; the byte budget is enforced on top by
// evicting oldest entries until under budget.
type ramTier struct {
	mu       sync.Mutex
	lru      *lru.Cache[string, CacheEntry]
	sizes    map[string]int64
	total    int64
	maxBytes int64
}

// ramTierMaxEntries caps the LRU independent of the byte budget.
const ramTierMaxEntries = 4096

func newRAMTier(maxBytes int64) (*ramTier, error) {
	t := &ramTier{sizes: map[string]int64{}, maxBytes: maxBytes}
	c, err := lru.NewWithEvict[string, CacheEntry](ramTierMaxEntries, func(key string, _ CacheEntry) {
		// Called with t.mu held: every Add/Remove happens under the lock.
		t.total -= t.sizes[key]
		delete(t.sizes, key)
	})
	if err != nil {
		return nil, err
	}
	t.lru = c
	return t, nil
}

func (t *ramTier) Get(key string) (CacheEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Get(key)
}

func (t *ramTier) Put(key string, ent CacheEntry, size int64) {
	if t.maxBytes > 0 && size > t.maxBytes {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.sizes[key]; ok {
		t.total -= old
	}
	t.sizes[key] = size
	t.total += size
	t.lru.Add(key, ent)
	for t.maxBytes > 0 && t.total > t.maxBytes {
		if _, _, ok := t.lru.RemoveOldest(); !ok {
			break
		}
	}
}

func (t *ramTier) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lru.Remove(key)
}

func (t *ramTier) TotalSize() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}

package lolasync

import (
	"net/http"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *CacheStore {
	t.Helper()
	store, err := OpenCacheStore(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testEntry(body string, storedAt int64) CacheEntry {
	return CacheEntry{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/plain"}},
		Body:     []byte(body),
		StoredAt: storedAt,
	}
}

func TestStorePutMatch(t *testing.T) {
	store := newTestStore(t)

	part, err := store.Open("lola-cache-static-v1")
	if err != nil {
		t.Fatalf("open partition: %v", err)
	}

	fp := fingerprint(http.MethodGet, "/icons/lola-192.png")
	if err := part.Put(fp, testEntry("icon", time.Now().Unix())); err != nil {
		t.Fatalf("put: %v", err)
	}

	ent, ok := part.Match(fp)
	if !ok {
		t.Fatal("entry should be found")
	}
	if string(ent.Body) != "icon" {
		t.Fatalf("expected body %q, got %q", "icon", ent.Body)
	}
	if ent.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("header lost: %v", ent.Header)
	}
}

func TestStorePutOverwrites(t *testing.T) {
	store := newTestStore(t)

	part, _ := store.Open("lola-cache-dynamic-v1")
	fp := fingerprint(http.MethodGet, "/rest/v1/pets")

	if err := part.Put(fp, testEntry("old", 1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := part.Put(fp, testEntry("new", 2)); err != nil {
		t.Fatalf("put: %v", err)
	}

	ent, ok := part.Match(fp)
	if !ok {
		t.Fatal("entry should be found")
	}
	if string(ent.Body) != "new" {
		t.Fatalf("expected overwritten body, got %q", ent.Body)
	}
}

func TestStoreMatchAcrossPartitionsMostRecentWins(t *testing.T) {
	store := newTestStore(t)

	older, _ := store.Open("lola-cache-static-v1")
	newer, _ := store.Open("lola-cache-dynamic-v1")
	fp := fingerprint(http.MethodGet, "/index.html")

	if err := older.Put(fp, testEntry("older", 10)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := newer.Put(fp, testEntry("newer", 20)); err != nil {
		t.Fatalf("put: %v", err)
	}

	ent, ok := store.Match(fp)
	if !ok {
		t.Fatal("entry should be found")
	}
	if string(ent.Body) != "newer" {
		t.Fatalf("expected most recent entry, got %q", ent.Body)
	}
}

func TestStoreMatchMissing(t *testing.T) {
	store := newTestStore(t)
	if _, ok := store.Match(fingerprint(http.MethodGet, "/nope")); ok {
		t.Fatal("match should miss on empty store")
	}
}

func TestStoreNamesAndDrop(t *testing.T) {
	store := newTestStore(t)

	for _, name := range []string{"lola-cache", "lola-cache-static-v1", "lola-cache-dynamic-v1"} {
		if _, err := store.Open(name); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}

	names, err := store.Names()
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("expected 3 partitions, got %v", names)
	}

	legacy, _ := store.Open("lola-cache")
	fp := fingerprint(http.MethodGet, "/old")
	if err := legacy.Put(fp, testEntry("legacy", 1)); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := store.Drop("lola-cache"); err != nil {
		t.Fatalf("drop: %v", err)
	}

	names, _ = store.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 partitions after drop, got %v", names)
	}
	if _, ok := store.Match(fp); ok {
		t.Fatal("dropped partition entries should be gone")
	}
}

func TestStoreOpenIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Open("lola-cache-static-v1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.Open("lola-cache-static-v1"); err != nil {
		t.Fatalf("reopen: %v", err)
	}

	names, _ := store.Names()
	if len(names) != 1 {
		t.Fatalf("expected 1 partition, got %v", names)
	}
}

func TestStoreRename(t *testing.T) {
	store := newTestStore(t)

	staging, _ := store.Open("lola-cache-static-v2.staging")
	fp := fingerprint(http.MethodGet, "/offline.html")
	if err := staging.Put(fp, testEntry("offline page", 1)); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := store.Rename("lola-cache-static-v2.staging", "lola-cache-static-v2"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	names, _ := store.Names()
	if len(names) != 1 || names[0] != "lola-cache-static-v2" {
		t.Fatalf("expected only renamed partition, got %v", names)
	}

	final, _ := store.Open("lola-cache-static-v2")
	ent, ok := final.Match(fp)
	if !ok || string(ent.Body) != "offline page" {
		t.Fatalf("entry should survive rename, got %v %q", ok, ent.Body)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenCacheStore(dir, 1<<20)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	part, _ := store.Open("lola-cache-static-v1")
	fp := fingerprint(http.MethodGet, "/")
	if err := part.Put(fp, testEntry("shell", 1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = OpenCacheStore(dir, 1<<20)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()

	ent, ok := store.Match(fp)
	if !ok || string(ent.Body) != "shell" {
		t.Fatalf("entry should survive reopen, got %v %q", ok, ent.Body)
	}
}

func TestRAMTierByteBudget(t *testing.T) {
	tier, err := newRAMTier(100)
	if err != nil {
		t.Fatalf("new tier: %v", err)
	}

	tier.Put("a", testEntry("a", 1), 60)
	tier.Put("b", testEntry("b", 2), 60)

	if total := tier.TotalSize(); total > 100 {
		t.Fatalf("tier over budget: %d", total)
	}
	if _, ok := tier.Get("a"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := tier.Get("b"); !ok {
		t.Fatal("newest entry should remain")
	}
}

func TestRAMTierRejectsOversized(t *testing.T) {
	tier, err := newRAMTier(100)
	if err != nil {
		t.Fatalf("new tier: %v", err)
	}
	tier.Put("huge", testEntry("huge", 1), 1000)
	if _, ok := tier.Get("huge"); ok {
		t.Fatal("oversized entry should not be admitted")
	}
	if tier.TotalSize() != 0 {
		t.Fatalf("expected empty tier, got %d", tier.TotalSize())
	}
}

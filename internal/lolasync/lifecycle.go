package lolasync

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"
)

// LifecycleState tracks a generation through install and activation.
type LifecycleState int32

const (
	StateInstalling LifecycleState = iota
	StateInstalled
	StateActivating
	StateActive
)

func (s LifecycleState) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	}
	return fmt.Sprintf("LifecycleState(%d)", int32(s))
}

// Lifecycle seeds the static shell on install and garbage-collects stale
// cache generations on activate. It never waits for old clients: the new
// generation takes over immediately and claims them via a broadcast.
type Lifecycle struct {
	cfg    *Config
	store  *CacheStore
	client *http.Client
	bus    *Broadcaster

	state atomic.Int32
}

func NewLifecycle(cfg *Config, store *CacheStore, client *http.Client, bus *Broadcaster) *Lifecycle {
	return &Lifecycle{cfg: cfg, store: store, client: client, bus: bus}
}

func (l *Lifecycle) State() LifecycleState {
	return LifecycleState(l.state.Load())
}

// Install fetches every shell manifest asset into a staging partition and
// commits it as the current static partition only when all of them stored.
// One failed asset fails the whole install; the previous static generation
// stays in service untouched.
func (l *Lifecycle) Install(ctx context.Context) error {
	l.state.Store(int32(StateInstalling))

	staticName := l.cfg.StaticCacheName()
	staging := staticName + ".staging"

	// A crash mid-install can leave a stale staging partition behind.
	if err := l.store.Drop(staging); err != nil {
		return fmt.Errorf("install: clear staging: %w", err)
	}
	part, err := l.store.Open(staging)
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}

	for _, path := range l.cfg.Shell.Manifest {
		ent, err := l.fetchShellAsset(ctx, path)
		if err != nil {
			_ = l.store.Drop(staging)
			return fmt.Errorf("install: %s: %w", path, err)
		}
		if err := part.Put(fingerprint(http.MethodGet, path), ent); err != nil {
			_ = l.store.Drop(staging)
			return fmt.Errorf("install: store %s: %w", path, err)
		}
	}

	// Commit. Replaces any static partition left by a same-version install.
	if err := l.store.Drop(staticName); err != nil {
		_ = l.store.Drop(staging)
		return fmt.Errorf("install: replace %s: %w", staticName, err)
	}
	if err := l.store.Rename(staging, staticName); err != nil {
		return fmt.Errorf("install: commit: %w", err)
	}

	l.state.Store(int32(StateInstalled))
	log.Printf("install: shell seeded, %d assets into %s", len(l.cfg.Shell.Manifest), staticName)
	return nil
}

// Activate drops every partition that is not the current static or dynamic
// generation, makes sure the dynamic partition exists, and claims attached
// clients so they are served by this generation from now on.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.state.Store(int32(StateActivating))

	keep := map[string]struct{}{
		l.cfg.StaticCacheName():  {},
		l.cfg.DynamicCacheName(): {},
	}
	names, err := l.store.Names()
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		if err := l.store.Drop(name); err != nil {
			return fmt.Errorf("activate: drop %s: %w", name, err)
		}
		log.Printf("activate: dropped stale cache %s", name)
	}

	if _, err := l.store.Open(l.cfg.DynamicCacheName()); err != nil {
		return fmt.Errorf("activate: %w", err)
	}

	l.bus.Publish(SyncMessage{Tag: l.cfg.Sync.Tag, Type: "claim"})
	l.state.Store(int32(StateActive))
	return nil
}

// RefreshShell re-fetches the manifest into the live static partition.
// Best-effort: a failed asset keeps its stored copy.
func (l *Lifecycle) RefreshShell(ctx context.Context) {
	part, err := l.store.Open(l.cfg.StaticCacheName())
	if err != nil {
		return
	}
	for _, path := range l.cfg.Shell.Manifest {
		ent, err := l.fetchShellAsset(ctx, path)
		if err != nil {
			continue
		}
		fp := fingerprint(http.MethodGet, path)
		if cur, ok := part.Match(fp); ok && cur.Hash32 == ent.Hash32 {
			continue
		}
		_ = part.Put(fp, ent)
	}
}

func (l *Lifecycle) fetchShellAsset(ctx context.Context, path string) (CacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.Server.Origin+path, nil)
	if err != nil {
		return CacheEntry{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := l.client.Do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CacheEntry{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

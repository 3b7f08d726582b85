package lolasync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Service wires the cache store, lifecycle, interceptor, action queue and
// reconciler together and runs their background loops.
type Service struct {
	cfg Config

	httpClient *http.Client

	store       *CacheStore
	lifecycle   *Lifecycle
	interceptor *Interceptor
	queue       *ActionQueue
	reconciler  *Reconciler
	bus         *Broadcaster
	stats       *statsCollector

	mux *http.ServeMux

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config) (*Service, error) {
	store, err := OpenCacheStore(cfg.Cache.DiskPath, cfg.Cache.ramMaxBytes)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		store:      store,
		bus:        NewBroadcaster(),
		stats:      newStatsCollector(),
		stopCh:     make(chan struct{}),
	}
	s.lifecycle = NewLifecycle(&s.cfg, store, s.httpClient, s.bus)
	s.interceptor = NewInterceptor(&s.cfg, store, s.httpClient, s.stats)
	s.queue = OpenActionQueue(store.DB())

	applier := &httpApplier{
		client: s.httpClient,
		url:    cfg.Backend.Origin + cfg.Backend.ActionsPath,
	}
	s.reconciler = NewReconciler(s.queue, applier, fileSessionResolver{path: cfg.Backend.TokenPath}, s.stats)

	if err := s.startGeneration(); err != nil {
		_ = store.Close()
		return nil, err
	}

	syncCh, syncCancel := s.bus.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.syncLoop(syncCh, syncCancel)
	}()

	if cfg.Logging.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}
	if cfg.Shell.rewarmDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.rewarmLoop(cfg.Shell.rewarmDur)
		}()
	}

	s.mux = http.NewServeMux()
	s.registerRoutes(s.mux)

	return s, nil
}

// startGeneration installs and activates the current cache generation. A
// failed install is fatal only when no previous static generation exists;
// otherwise the old generation stays in service, untouched, and this
// process serves from it until a restart installs successfully.
func (s *Service) startGeneration() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := s.lifecycle.Install(ctx); err != nil {
		names, nerr := s.store.Names()
		if nerr != nil || len(names) == 0 {
			return err
		}
		log.Printf("install failed, keeping previous generation: %v", err)
		return nil
	}
	return s.lifecycle.Activate(ctx)
}

func (s *Service) Close() {
	close(s.stopCh)
	s.bus.Close()
	s.wg.Wait()
	s.interceptor.Close()
	_ = s.store.Close()
}

func (s *Service) Handler() http.Handler {
	return s.mux
}

// Enqueue records a pet action and nudges the reconciler through the sync
// channel. The id is returned before any network work happens.
func (s *Service) Enqueue(kind ActionKind, payload json.RawMessage) (string, error) {
	id, err := s.queue.Enqueue(kind, payload)
	if err != nil {
		return "", err
	}
	s.stats.ObserveQueued()
	s.bus.Publish(SyncMessage{Tag: s.cfg.Sync.Tag, Type: "sync"})
	return id.String(), nil
}

// syncLoop reacts to sync and claim broadcasts by attempting a drain. The
// subscription is established in NewService, before the loop goroutine
// starts, so signals published right after construction are not lost.
func (s *Service) syncLoop(ch <-chan SyncMessage, cancel func()) {
	defer cancel()

	for {
		select {
		case <-s.stopCh:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Tag != s.cfg.Sync.Tag {
				continue
			}
			ctx, cancelDrain := context.WithTimeout(context.Background(), 2*time.Minute)
			if err := s.reconciler.Trigger(ctx); err != nil {
				log.Printf("sync: %v", err)
			}
			cancelDrain()
		}
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			log.Printf(
				"network=%d cached=%d offline=%d queued=%d drained=%d pending=%d RAM=%s Resp min/avg/max %s/%s/%s",
				ss.NetworkFetches,
				ss.CacheServed,
				ss.OfflineServed,
				ss.ActionsQueued,
				ss.ActionsDrained,
				s.queue.Len(),
				formatBytes(uint64(s.store.ram.TotalSize())),
				formatBytes(ss.MinRespBytes),
				formatBytes(ss.AvgRespBytes),
				formatBytes(ss.MaxRespBytes),
			)
		}
	}
}

func (s *Service) rewarmLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			s.lifecycle.RefreshShell(ctx)
			cancel()
		}
	}
}

// httpApplier POSTs a queued action to the backend. Any non-2xx answer
// counts as a failed apply so the action stays queued.
type httpApplier struct {
	client *http.Client
	url    string
}

func (a *httpApplier) Apply(ctx context.Context, act QueuedAction) error {
	b, err := json.Marshal(act)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend rejected action: status %d", resp.StatusCode)
	}
	return nil
}

// fileSessionResolver reads the session token the app keeps on disk. With
// no path configured there is nothing to resolve against, so the queue is
// drained under an anonymous session.
type fileSessionResolver struct {
	path string
}

func (r fileSessionResolver) Resolve(ctx context.Context) (string, error) {
	if r.path == "" {
		return "anonymous", nil
	}
	b, err := os.ReadFile(r.path)
	if err != nil {
		return "", ErrNoSession
	}
	tok := string(bytes.TrimSpace(b))
	if tok == "" {
		return "", ErrNoSession
	}
	return tok, nil
}

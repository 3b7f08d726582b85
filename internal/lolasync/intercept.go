package lolasync

import (
	"context"
	"hash/crc32"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Interceptor routes every intercepted request through the cache policy:
// non-GETs pass straight through, backend API traffic is network-first with
// dynamic caching, media is cache-first with background refresh, and
// everything else is network-first with an offline fallback.
type Interceptor struct {
	cfg    *Config
	store  *CacheStore
	client *http.Client
	stats  *statsCollector

	refreshGroup singleflight.Group
	refreshLog   *rateLimitedLogger
	bgSem        chan struct{}

	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopOne sync.Once
}

func NewInterceptor(cfg *Config, store *CacheStore, client *http.Client, stats *statsCollector) *Interceptor {
	return &Interceptor{
		cfg:        cfg,
		store:      store,
		client:     client,
		stats:      stats,
		refreshLog: newRateLimitedLogger(1 * time.Minute),
		bgSem:      make(chan struct{}, 32),
		stopCh:     make(chan struct{}),
	}
}

// Close waits for in-flight background refreshes to finish.
func (ic *Interceptor) Close() {
	ic.stopOne.Do(func() { close(ic.stopCh) })
	ic.wg.Wait()
}

func (ic *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Mutations are never transparently cached or replayed here; that is
	// the action queue's job.
	if r.Method != http.MethodGet {
		ic.proxyPass(w, r)
		return
	}
	if r.URL.IsAbs() && r.URL.Scheme != "http" && r.URL.Scheme != "https" {
		setCacheHeaders(w.Header(), "bypass")
		http.Error(w, "unsupported scheme", http.StatusBadGateway)
		return
	}
	if ic.isAPIRequest(r) {
		ic.networkFirst(w, r, ic.cfg.DynamicCacheName(), false)
		return
	}
	if ic.isMediaRequest(r) {
		ic.staleWhileRevalidate(w, r)
		return
	}
	ic.networkFirst(w, r, ic.cfg.DynamicCacheName(), true)
}

func (ic *Interceptor) isAPIRequest(r *http.Request) bool {
	host := r.Host
	if r.URL.IsAbs() {
		host = r.URL.Host
	}
	if host == ic.cfg.Backend.apiHost {
		return true
	}
	// Tolerate a missing/extra default port on either side.
	return stripPort(host) == stripPort(ic.cfg.Backend.apiHost)
}

func (ic *Interceptor) isMediaRequest(r *http.Request) bool {
	switch r.Header.Get("Sec-Fetch-Dest") {
	case "image", "audio", "video":
		return true
	}
	ext := strings.ToLower(path.Ext(r.URL.Path))
	_, ok := ic.cfg.Media.extSet[ext]
	return ok
}

// networkFirst tries the network, stores a copy of a successful response in
// the named partition, and falls back to cache on failure. With fallback
// enabled a failed navigation resolves to the offline document and anything
// else to a synthetic 503; without it the failure propagates as 502.
func (ic *Interceptor) networkFirst(w http.ResponseWriter, r *http.Request, partName string, offlineFallback bool) {
	fp := fingerprint(r.Method, r.URL.RequestURI())

	ent, cacheable, err := ic.fetch(r.Context(), ic.targetURL(r), r.Header)
	if err == nil {
		if cacheable {
			if part, perr := ic.store.Open(partName); perr == nil {
				// One copy to the cache, one to the caller.
				_ = part.Put(fp, ent)
			}
		}
		ic.writeEntry(w, ent, "network")
		return
	}

	if cached, ok := ic.store.Match(fp); ok {
		ic.writeEntry(w, cached, "offline-cache")
		return
	}

	if !offlineFallback {
		setCacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	if isNavigation(r) {
		offFP := fingerprint(http.MethodGet, ic.cfg.Shell.OfflinePath)
		if off, ok := ic.store.Match(offFP); ok {
			ic.stats.ObserveOffline()
			ic.writeEntry(w, off, "offline-doc")
			return
		}
	}

	ic.stats.ObserveOffline()
	setCacheHeaders(w.Header(), "offline")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, "Offline")
}

// staleWhileRevalidate serves the cached media entry immediately and kicks
// a background refresh; misses are fetched, cached, and returned.
func (ic *Interceptor) staleWhileRevalidate(w http.ResponseWriter, r *http.Request) {
	fp := fingerprint(r.Method, r.URL.RequestURI())

	if cached, ok := ic.store.Match(fp); ok {
		ic.writeEntry(w, cached, "stale")
		ic.refreshAsync(fp, ic.targetURL(r))
		return
	}

	ent, cacheable, err := ic.fetch(r.Context(), ic.targetURL(r), r.Header)
	if err != nil {
		setCacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if cacheable {
		if part, perr := ic.store.Open(ic.cfg.StaticCacheName()); perr == nil {
			_ = part.Put(fp, ent)
		}
	}
	ic.writeEntry(w, ent, "miss")
}

// refreshAsync refreshes one media entry in the background. Concurrent
// refreshes of the same fingerprint collapse into a single fetch; the
// semaphore bounds total background work. Errors never reach the caller,
// whose cached response is already on the wire.
func (ic *Interceptor) refreshAsync(fp, target string) {
	select {
	case ic.bgSem <- struct{}{}:
	default:
		return
	}
	select {
	case <-ic.stopCh:
		<-ic.bgSem
		return
	default:
	}

	ic.wg.Add(1)
	go func() {
		defer ic.wg.Done()
		defer func() { <-ic.bgSem }()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		_, _, _ = ic.refreshGroup.Do(fp, func() (any, error) {
			ic.refreshOnce(ctx, fp, target)
			return nil, nil
		})
	}()
}

func (ic *Interceptor) refreshOnce(ctx context.Context, fp, target string) {
	ent, cacheable, err := ic.fetch(ctx, target, nil)
	if err != nil {
		ic.refreshLog.Printf("background refresh failed for %s: %v", target, err)
		return
	}
	if !cacheable {
		return
	}
	part, err := ic.store.Open(ic.cfg.StaticCacheName())
	if err != nil {
		return
	}
	if cur, ok := part.Match(fp); ok && cur.Hash32 == ent.Hash32 {
		return
	}
	_ = part.Put(fp, ent)
}

// fetch performs one upstream GET and snapshots the response. cacheable is
// false for non-2xx responses and responses marked no-store/no-cache.
func (ic *Interceptor) fetch(ctx context.Context, target string, header http.Header) (CacheEntry, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return CacheEntry{}, false, err
	}
	if header != nil {
		copyHeaders(req.Header, header)
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := ic.client.Do(req)
	if err != nil {
		return CacheEntry{}, false, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, false, err
	}
	ic.stats.ObserveNetwork(len(body))

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ent, false, nil
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "no-cache") {
		return ent, false, nil
	}
	return ent, true, nil
}

// proxyPass forwards a request verbatim, bypassing every cache.
func (ic *Interceptor) proxyPass(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, ic.targetURL(r), r.Body)
	if err != nil {
		setCacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	copyHeaders(req.Header, r.Header)

	resp, err := ic.client.Do(req)
	if err != nil {
		setCacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), "bypass")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (ic *Interceptor) targetURL(r *http.Request) string {
	if ic.isAPIRequest(r) {
		return ic.cfg.Backend.Origin + r.URL.RequestURI()
	}
	return ic.cfg.Server.Origin + r.URL.RequestURI()
}

func (ic *Interceptor) writeEntry(w http.ResponseWriter, ent CacheEntry, verdict string) {
	switch verdict {
	case "stale", "offline-cache", "offline-doc":
		ic.stats.ObserveCacheServed(len(ent.Body))
	}
	writeEntry(w, ent, verdict)
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, verdict string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-lola-cache") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), verdict)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setCacheHeaders(h http.Header, verdict string) {
	if verdict != "" {
		h.Set("X-Lola-Cache", verdict)
	}
	// Custom headers are invisible to page scripts in a CORS context
	// unless exposed.
	ensureExposedHeader(h, "X-Lola-Cache")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

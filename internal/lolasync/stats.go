package lolasync

import (
	"math"
	"sync/atomic"
)

type statsCollector struct {
	networkFetches atomic.Uint64
	cacheServed    atomic.Uint64
	offlineServed  atomic.Uint64
	actionsQueued  atomic.Uint64
	actionsDrained atomic.Uint64

	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) ObserveNetwork(respBytes int) {
	s.networkFetches.Add(1)
	s.observeBytes(respBytes)
}

func (s *statsCollector) ObserveCacheServed(respBytes int) {
	s.cacheServed.Add(1)
	s.observeBytes(respBytes)
}

func (s *statsCollector) ObserveOffline() { s.offlineServed.Add(1) }
func (s *statsCollector) ObserveQueued()  { s.actionsQueued.Add(1) }
func (s *statsCollector) ObserveDrained() { s.actionsDrained.Add(1) }

func (s *statsCollector) observeBytes(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	NetworkFetches uint64
	CacheServed    uint64
	OfflineServed  uint64
	ActionsQueued  uint64
	ActionsDrained uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	network := s.networkFetches.Load()
	cached := s.cacheServed.Load()
	count := network + cached
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	maxv := s.maxRespBytes.Load()

	snap := statsSnapshot{
		NetworkFetches: network,
		CacheServed:    cached,
		OfflineServed:  s.offlineServed.Load(),
		ActionsQueued:  s.actionsQueued.Load(),
		ActionsDrained: s.actionsDrained.Load(),
		TotalRespBytes: total,
	}
	if count == 0 {
		return snap
	}
	if minv == math.MaxUint64 {
		minv = 0
	}
	snap.MinRespBytes = minv
	snap.MaxRespBytes = maxv
	snap.AvgRespBytes = total / count
	return snap
}

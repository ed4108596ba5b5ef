package cachemgr

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

type statsCollector struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	uncached  atomic.Uint64
	offline   atomic.Uint64
	respBytes atomic.Uint64
	minBytes  atomic.Uint64
	maxBytes  atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

// Observe records one intercepted response. Bypassed traffic is not counted.
func (s *statsCollector) Observe(o Outcome, respBytes int) {
	switch o {
	case OutcomeHit:
		s.hits.Add(1)
	case OutcomeMiss:
		s.misses.Add(1)
	case OutcomeUncached:
		s.uncached.Add(1)
	case OutcomeOffline:
		s.offline.Add(1)
	default:
		return
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.respBytes.Add(n)

	for {
		cur := s.minBytes.Load()
		if n >= cur || s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if n <= cur || s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type Stats struct {
	Hits, Misses, Uncached, Offline uint64
	MinRespBytes, MaxRespBytes      uint64
	AvgRespBytes                    uint64
}

func (s *statsCollector) Snapshot() Stats {
	out := Stats{
		Hits:     s.hits.Load(),
		Misses:   s.misses.Load(),
		Uncached: s.uncached.Load(),
		Offline:  s.offline.Load(),
	}
	count := out.Hits + out.Misses + out.Uncached + out.Offline
	if count == 0 {
		return out
	}
	out.MinRespBytes = s.minBytes.Load()
	if out.MinRespBytes == math.MaxUint64 {
		out.MinRespBytes = 0
	}
	out.MaxRespBytes = s.maxBytes.Load()
	out.AvgRespBytes = s.respBytes.Load() / count
	return out
}

// Stats returns the counters collected since the Manager was created.
func (m *Manager) Stats() Stats { return m.stats.Snapshot() }

// LogStats logs a stats line every interval until ctx is done.
func (m *Manager) LogStats(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ss := m.stats.Snapshot()
			gen := m.serving()
			m.log.Info("cache stats",
				slog.String("serving", gen),
				slog.Int("entries", m.store.EntryCount(gen)),
				slog.Uint64("hits", ss.Hits),
				slog.Uint64("misses", ss.Misses),
				slog.Uint64("uncached", ss.Uncached),
				slog.Uint64("offline", ss.Offline),
				slog.String("ram", humanize.IBytes(uint64(m.store.RAMSize()))),
				slog.String("disk", humanize.IBytes(uint64(m.store.DiskSize()))),
				slog.String("resp_min_avg_max", humanize.IBytes(ss.MinRespBytes)+"/"+
					humanize.IBytes(ss.AvgRespBytes)+"/"+humanize.IBytes(ss.MaxRespBytes)),
			)
		}
	}
}

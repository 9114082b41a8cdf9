package entitycache

import (
	"sync/atomic"
	"time"
)

// Statistics tracks cache activity. All counters are updated atomically.
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	updates   atomic.Int64
	seeded    atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
	size      atomic.Int64
	maxSize   atomic.Int64
	startTime time.Time
}

func newStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

func (s *Statistics) updateSize(n int) {
	size := int64(n)
	s.size.Store(size)
	for {
		current := s.maxSize.Load()
		if size <= current || s.maxSize.CompareAndSwap(current, size) {
			return
		}
	}
}

// Hits returns the number of reads that found an entry
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses returns the number of reads that found nothing
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// Updates returns the number of single-entry writes
func (s *Statistics) Updates() int64 { return s.updates.Load() }

// Seeded returns the number of entries written by bulk seeds
func (s *Statistics) Seeded() int64 { return s.seeded.Load() }

// Deletes returns the number of explicit deletes
func (s *Statistics) Deletes() int64 { return s.deletes.Load() }

// Evictions returns the number of entries dropped by Retain
func (s *Statistics) Evictions() int64 { return s.evictions.Load() }

// Size returns the current number of entries
func (s *Statistics) Size() int64 { return s.size.Load() }

// MaxSize returns the high-water mark of entries
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// HitRatio returns hits / (hits + misses), or 0 with no reads
func (s *Statistics) HitRatio() float64 {
	hits, misses := s.Hits(), s.Misses()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// Summary is a point-in-time copy of the statistics
type Summary struct {
	Hits      int64         `json:"hits"`
	Misses    int64         `json:"misses"`
	Updates   int64         `json:"updates"`
	Seeded    int64         `json:"seeded"`
	Deletes   int64         `json:"deletes"`
	Evictions int64         `json:"evictions"`
	Size      int64         `json:"size"`
	MaxSize   int64         `json:"max_size"`
	HitRatio  float64       `json:"hit_ratio"`
	Uptime    time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics
func (s *Statistics) Summary() Summary {
	return Summary{
		Hits:      s.Hits(),
		Misses:    s.Misses(),
		Updates:   s.Updates(),
		Seeded:    s.Seeded(),
		Deletes:   s.Deletes(),
		Evictions: s.Evictions(),
		Size:      s.Size(),
		MaxSize:   s.MaxSize(),
		HitRatio:  s.HitRatio(),
		Uptime:    time.Since(s.startTime),
	}
}

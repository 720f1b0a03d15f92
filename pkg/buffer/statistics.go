package buffer

import "sync/atomic"

// Statistics counts buffer operations. Safe for concurrent use.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	peeks     atomic.Int64
	overflows atomic.Int64
	drops     atomic.Int64
	size      atomic.Int64
	peak      atomic.Int64
}

func NewStatistics() *Statistics { return &Statistics{} }

func (s *Statistics) Write()    { s.writes.Add(1) }
func (s *Statistics) Read()     { s.reads.Add(1) }
func (s *Statistics) Peek()     { s.peeks.Add(1) }
func (s *Statistics) Overflow() { s.overflows.Add(1) }
func (s *Statistics) Drop()     { s.drops.Add(1) }

// UpdateSize stores the current length and keeps the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.size.Store(size)
	for peak := s.peak.Load(); size > peak; peak = s.peak.Load() {
		if s.peak.CompareAndSwap(peak, size) {
			return
		}
	}
}

func (s *Statistics) Writes() int64      { return s.writes.Load() }
func (s *Statistics) Reads() int64       { return s.reads.Load() }
func (s *Statistics) Peeks() int64       { return s.peeks.Load() }
func (s *Statistics) Overflows() int64   { return s.overflows.Load() }
func (s *Statistics) Drops() int64       { return s.drops.Load() }
func (s *Statistics) CurrentSize() int64 { return s.size.Load() }
func (s *Statistics) MaxSize() int64     { return s.peak.Load() }

// DropRate is the share of writes that cost an item, in [0, 1].
func (s *Statistics) DropRate() float64 {
	writes := s.Writes()
	if writes == 0 {
		return 0
	}
	return float64(s.Drops()) / float64(writes)
}

// Utilization is the current length over capacity.
func (s *Statistics) Utilization(capacity int64) float64 {
	if capacity == 0 {
		return 0
	}
	return float64(s.CurrentSize()) / float64(capacity)
}

// StatsSummary is a point-in-time copy of Statistics.
type StatsSummary struct {
	Writes      int64   `json:"writes"`
	Reads       int64   `json:"reads"`
	Overflows   int64   `json:"overflows"`
	Drops       int64   `json:"drops"`
	CurrentSize int64   `json:"current_size"`
	MaxSize     int64   `json:"max_size"`
	DropRate    float64 `json:"drop_rate"`
}

func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Writes:      s.Writes(),
		Reads:       s.Reads(),
		Overflows:   s.Overflows(),
		Drops:       s.Drops(),
		CurrentSize: s.CurrentSize(),
		MaxSize:     s.MaxSize(),
		DropRate:    s.DropRate(),
	}
}

package domain

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Run statuses reported at the end of a sync.
const (
	StatusComplete  = "complete"
	StatusPartial   = "partial"
	StatusCancelled = "cancelled"
	StatusUpToDate  = "up-to-date"
)

// RunStats aggregates counters for one sync run. It is safe for concurrent
// use by fetch workers and the result collector.
type RunStats struct {
	Fetched       atomic.Int64
	Rejected      atomic.Int64
	Written       atomic.Int64
	WriteFailed   atomic.Int64
	BatchesDone   atomic.Int64
	BatchesFailed atomic.Int64
	Retries       atomic.Int64

	mu       sync.Mutex
	failed   map[string]struct{}
	rejected map[string]int64
}

// AddRejections merges per-reason rejection counts.
func (s *RunStats) AddRejections(byReason map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejected == nil {
		s.rejected = make(map[string]int64)
	}
	for reason, n := range byReason {
		s.rejected[reason] += n
		s.Rejected.Add(n)
	}
}

// MarkFailed records tickers whose fetch or write failed.
func (s *RunStats) MarkFailed(tickers ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = make(map[string]struct{})
	}
	for _, t := range tickers {
		s.failed[t] = struct{}{}
	}
}

// FailedTickers returns the sorted list of failed tickers.
func (s *RunStats) FailedTickers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.failed))
	for t := range s.failed {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// RejectedByReason returns a copy of the per-reason rejection counts.
func (s *RunStats) RejectedByReason() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.rejected))
	for k, v := range s.rejected {
		out[k] = v
	}
	return out
}

// RunReport is the end-of-run summary.
type RunReport struct {
	AsOf          time.Time
	Status        string
	Tickers       int
	Gaps          int
	Batches       int
	Waves         int
	Fetched       int64
	Rejected      int64
	Written       int64
	WriteFailed   int64
	BatchesFailed int64
	Retries       int64
	RejectedBy    map[string]int64
	FailedTickers []string
	Elapsed       time.Duration
}

// Report snapshots the counters into a RunReport. Status is decided by the
// caller.
func (s *RunStats) Report() RunReport {
	return RunReport{
		Fetched:       s.Fetched.Load(),
		Rejected:      s.Rejected.Load(),
		Written:       s.Written.Load(),
		WriteFailed:   s.WriteFailed.Load(),
		BatchesFailed: s.BatchesFailed.Load(),
		Retries:       s.Retries.Load(),
		RejectedBy:    s.RejectedByReason(),
		FailedTickers: s.FailedTickers(),
	}
}

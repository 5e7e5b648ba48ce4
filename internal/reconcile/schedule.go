package reconcile

import (
	"time"

	"barsync/internal/domain"
)

// maxRunBreak is the widest calendar spacing between two missing dates that
// still belong to one contiguous run (a long weekend plus a holiday).
const maxRunBreak = 4 * 24 * time.Hour

// chunk is one ticker's slice of a gap, fetched with a single window.
type chunk struct {
	ticker string
	start  time.Time
	end    time.Time
	dates  []time.Time // nil for range chunks
}

// Schedule splits gaps into chunks bounded by maxChunkSize and buckets
// chunks with an identical window into FetchBatches of at most maxGroupSize
// tickers. Batches come out in the order their window was first seen; a full
// bucket is closed and a new one opened for the same window.
func Schedule(gaps []domain.Gap, maxGroupSize, maxChunkSize int) []domain.FetchBatch {
	if maxGroupSize <= 0 {
		maxGroupSize = 1
	}

	type window struct{ start, end int64 }
	open := make(map[window]int)
	var batches []domain.FetchBatch

	for _, g := range gaps {
		if g.Empty() {
			continue
		}
		for _, c := range splitGap(g, maxChunkSize) {
			w := window{c.start.Unix(), c.end.Unix()}
			idx, ok := open[w]
			if !ok || len(batches[idx].Tickers) >= maxGroupSize {
				batches = append(batches, domain.FetchBatch{
					Start: c.start,
					End:   c.end,
					Dates: make(map[string][]time.Time),
				})
				idx = len(batches) - 1
				open[w] = idx
			}
			b := &batches[idx]
			b.Tickers = append(b.Tickers, c.ticker)
			if c.dates != nil {
				b.Dates[c.ticker] = c.dates
			}
		}
	}
	return batches
}

// splitGap cuts a gap into chunks. Date-set gaps are cut into contiguous
// runs of at most maxChunkSize dates; range gaps into windows of at most
// maxChunkSize calendar days.
func splitGap(g domain.Gap, maxChunkSize int) []chunk {
	if g.Dates == nil {
		return splitRange(g, maxChunkSize)
	}

	var chunks []chunk
	var run []time.Time
	flush := func() {
		if len(run) > 0 {
			chunks = append(chunks, chunk{ticker: g.Ticker, start: run[0], end: run[len(run)-1], dates: run})
			run = nil
		}
	}
	for _, d := range g.Dates {
		if n := len(run); n > 0 {
			if d.Sub(run[n-1]) > maxRunBreak || (maxChunkSize > 0 && n >= maxChunkSize) {
				flush()
			}
		}
		run = append(run, d)
	}
	flush()
	return chunks
}

func splitRange(g domain.Gap, maxChunkSize int) []chunk {
	start, end := domain.Day(g.Start), domain.Day(g.End)
	if maxChunkSize <= 0 {
		return []chunk{{ticker: g.Ticker, start: start, end: end}}
	}

	var chunks []chunk
	for s := start; !s.After(end); {
		e := s.AddDate(0, 0, maxChunkSize-1)
		if e.After(end) {
			e = end
		}
		chunks = append(chunks, chunk{ticker: g.Ticker, start: s, end: e})
		s = e.AddDate(0, 0, 1)
	}
	return chunks
}

// Waves groups batches, in order, into waves of at most waveSize tickers. A
// batch larger than waveSize forms a wave of its own. waveSize <= 0 puts
// everything in one wave.
func Waves(batches []domain.FetchBatch, waveSize int) []domain.Wave {
	var waves []domain.Wave
	var cur domain.Wave
	n := 0
	for _, b := range batches {
		if waveSize > 0 && n > 0 && n+len(b.Tickers) > waveSize {
			waves = append(waves, cur)
			cur = domain.Wave{Index: len(waves)}
			n = 0
		}
		cur.Batches = append(cur.Batches, b)
		n += len(b.Tickers)
	}
	if len(cur.Batches) > 0 {
		waves = append(waves, cur)
	}
	return waves
}

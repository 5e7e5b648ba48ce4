package reconcile

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"barsync/internal/domain"
)

// Rejection reasons.
const (
	ReasonMissingField   = "missing_field"
	ReasonInvertedRange  = "inverted_range"
	ReasonNegativeClose  = "negative_close"
	ReasonNegativeVolume = "negative_volume"
	ReasonNonFinite      = "non_finite"
	ReasonBeforeEpoch    = "before_epoch"
)

// DefaultCloseHour anchors normalized timestamps at the US cash close.
const DefaultCloseHour = 16

var epoch = time.Unix(0, 0).UTC()

// RejectError describes why a raw row was dropped.
type RejectError struct {
	Reason string
	Field  string
	Date   time.Time
}

func (e *RejectError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("row %s rejected: %s (%s)", e.Date.Format(domain.DateLayout), e.Reason, e.Field)
	}
	return fmt.Sprintf("row %s rejected: %s", e.Date.Format(domain.DateLayout), e.Reason)
}

// Rejections counts dropped rows per reason.
type Rejections map[string]int64

// Total returns the number of dropped rows.
func (r Rejections) Total() int64 {
	var n int64
	for _, v := range r {
		n += v
	}
	return n
}

// Normalizer validates raw provider rows and turns them into Bars.
type Normalizer struct {
	CloseHour int
	log       *slog.Logger
}

// NewNormalizer creates a Normalizer anchoring timestamps at closeHour UTC.
func NewNormalizer(closeHour int, log *slog.Logger) *Normalizer {
	if log == nil {
		log = slog.Default()
	}
	return &Normalizer{CloseHour: closeHour, log: log.With("component", "normalizer")}
}

// ValidateRow checks a single row and converts it. The returned Bar has no
// Symbol set. Errors are always *RejectError.
func (n *Normalizer) ValidateRow(row domain.RawRow) (domain.Bar, error) {
	reject := func(reason, field string) (domain.Bar, error) {
		return domain.Bar{}, &RejectError{Reason: reason, Field: field, Date: row.Date}
	}

	switch {
	case row.Date.IsZero():
		return reject(ReasonMissingField, "date")
	case row.Open == nil:
		return reject(ReasonMissingField, "open")
	case row.High == nil:
		return reject(ReasonMissingField, "high")
	case row.Low == nil:
		return reject(ReasonMissingField, "low")
	case row.Close == nil:
		return reject(ReasonMissingField, "close")
	case row.Volume == nil:
		return reject(ReasonMissingField, "volume")
	}

	open, high, low, cl, vol := *row.Open, *row.High, *row.Low, *row.Close, *row.Volume
	switch {
	case low > high:
		return reject(ReasonInvertedRange, "")
	case cl < 0:
		return reject(ReasonNegativeClose, "")
	case vol < 0:
		return reject(ReasonNegativeVolume, "")
	}
	for _, v := range []float64{open, high, low, cl, vol} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return reject(ReasonNonFinite, "")
		}
	}
	if row.Date.Before(epoch) {
		return reject(ReasonBeforeEpoch, "")
	}

	b := domain.Bar{
		Timestamp: domain.Day(row.Date).Add(time.Duration(n.CloseHour) * time.Hour),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cl,
		Volume:    int64(vol),
	}
	if row.TradeCount != nil {
		b.TradeCount = *row.TradeCount
	}
	if row.VWAP != nil && !math.IsNaN(*row.VWAP) && !math.IsInf(*row.VWAP, 0) {
		b.VWAP = *row.VWAP
	}
	return b, nil
}

// Normalize validates every row for ticker. Rejected rows are logged and
// counted, never returned as errors. When a response repeats a date the last
// row wins. Bars are returned in ascending time order.
func (n *Normalizer) Normalize(rows []domain.RawRow, ticker string) ([]domain.Bar, Rejections) {
	key := domain.StorageKey(ticker)
	rejected := make(Rejections)
	byDay := make(map[time.Time]domain.Bar, len(rows))

	for _, row := range rows {
		b, err := n.ValidateRow(row)
		if err != nil {
			reason := ReasonMissingField
			if re, ok := err.(*RejectError); ok {
				reason = re.Reason
			}
			rejected[reason]++
			n.log.Warn("row rejected", "ticker", key, "reason", reason, "err", err)
			continue
		}
		b.Symbol = key
		byDay[b.Timestamp] = b
	}

	bars := make([]domain.Bar, 0, len(byDay))
	for _, b := range byDay {
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, rejected
}

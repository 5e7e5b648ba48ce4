package reconcile

import (
	"errors"
	"math"
	"testing"
	"time"

	"barsync/internal/domain"
	"barsync/internal/util"
)

func TestNormalizeRejects(t *testing.T) {
	n := NewNormalizer(DefaultCloseHour, util.Discard())
	d := day(2024, 1, 2)

	missingOpen := rawRow(d, 100)
	missingOpen.Open = nil
	inverted := rawRow(d.AddDate(0, 0, 1), 100)
	inverted.Low, inverted.High = f64(105), f64(100)
	negVolume := rawRow(d.AddDate(0, 0, 2), 100)
	negVolume.Volume = f64(-1)
	good := rawRow(d.AddDate(0, 0, 3), 100)

	bars, rejected := n.Normalize([]domain.RawRow{missingOpen, inverted, negVolume, good}, "ABC")

	if len(bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bars))
	}
	if rejected.Total() != 3 {
		t.Errorf("rejected %d rows, want 3", rejected.Total())
	}
	for _, reason := range []string{ReasonMissingField, ReasonInvertedRange, ReasonNegativeVolume} {
		if rejected[reason] != 1 {
			t.Errorf("rejected[%s] = %d, want 1", reason, rejected[reason])
		}
	}
}

func TestValidateRow(t *testing.T) {
	n := NewNormalizer(DefaultCloseHour, util.Discard())
	d := day(2024, 1, 2)

	cases := []struct {
		name   string
		mutate func(r *domain.RawRow)
		reason string
	}{
		{"valid", func(*domain.RawRow) {}, ""},
		{"no close", func(r *domain.RawRow) { r.Close = nil }, ReasonMissingField},
		{"no date", func(r *domain.RawRow) { r.Date = time.Time{} }, ReasonMissingField},
		{"low above high", func(r *domain.RawRow) { r.Low = f64(*r.High + 1) }, ReasonInvertedRange},
		{"negative close", func(r *domain.RawRow) { r.Close, r.Low = f64(-1), f64(-3) }, ReasonNegativeClose},
		{"negative volume", func(r *domain.RawRow) { r.Volume = f64(-5) }, ReasonNegativeVolume},
		{"nan open", func(r *domain.RawRow) { r.Open = f64(math.NaN()) }, ReasonNonFinite},
		{"inf high", func(r *domain.RawRow) { r.High = f64(math.Inf(1)) }, ReasonNonFinite},
		{"before epoch", func(r *domain.RawRow) { r.Date = time.Date(1969, 12, 31, 0, 0, 0, 0, time.UTC) }, ReasonBeforeEpoch},
		{"zero range", func(r *domain.RawRow) { r.Low, r.High = f64(100), f64(100) }, ""},
	}

	for _, c := range cases {
		row := rawRow(d, 100)
		c.mutate(&row)
		_, err := n.ValidateRow(row)
		if c.reason == "" {
			if err != nil {
				t.Errorf("%s: unexpected rejection %v", c.name, err)
			}
			continue
		}
		var re *RejectError
		if !errors.As(err, &re) {
			t.Errorf("%s: expected *RejectError, got %v", c.name, err)
			continue
		}
		if re.Reason != c.reason {
			t.Errorf("%s: reason = %s, want %s", c.name, re.Reason, c.reason)
		}
	}
}

func TestNormalizeAnchorsAndDedups(t *testing.T) {
	n := NewNormalizer(DefaultCloseHour, util.Discard())

	first := rawRow(day(2024, 1, 3), 100)
	revised := rawRow(day(2024, 1, 3), 101)
	revised.Date = day(2024, 1, 3).Add(9 * time.Hour)
	earlier := rawRow(day(2024, 1, 2), 99)
	earlier.Volume = f64(1234.9)
	earlier.VWAP = f64(98.5)

	bars, rejected := n.Normalize([]domain.RawRow{first, revised, earlier}, "^gspc")
	if len(rejected) != 0 {
		t.Fatalf("unexpected rejections %v", rejected)
	}
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2", len(bars))
	}

	if bars[0].Symbol != "GSPC" {
		t.Errorf("symbol = %q, want storage key GSPC", bars[0].Symbol)
	}
	if want := day(2024, 1, 2).Add(16 * time.Hour); !bars[0].Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", bars[0].Timestamp, want)
	}
	if bars[0].Volume != 1234 || bars[0].VWAP != 98.5 || bars[0].TradeCount != 0 {
		t.Errorf("unexpected volume/optional fields: %+v", bars[0])
	}
	if bars[1].Close != 101 {
		t.Errorf("duplicate date kept close %v, want last row (101)", bars[1].Close)
	}
}

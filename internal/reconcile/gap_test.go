package reconcile

import (
	"testing"
	"time"

	"barsync/internal/domain"
	"barsync/internal/util"
)

func TestDetectUpToDate(t *testing.T) {
	det := &GapDetector{Calendar: util.NewTradingCalendar(nil)}
	last := day(2024, 1, 5).Add(16 * time.Hour)

	for _, asOf := range []time.Time{day(2024, 1, 5), day(2024, 1, 4)} {
		if g := det.Detect("AAPL", domain.SyncState{Last: last}, asOf); !g.Empty() {
			t.Errorf("asOf %s: expected empty gap, got %+v", asOf.Format(domain.DateLayout), g)
		}
	}
}

func TestDetectLastTimestamp(t *testing.T) {
	det := &GapDetector{Calendar: util.NewTradingCalendar(nil)}
	// Stored through 2024-01-03; 2024-01-01 is a holiday.
	state := domain.SyncState{Last: day(2024, 1, 3).Add(16 * time.Hour)}

	g := det.Detect("AAPL", state, day(2024, 1, 5))
	if g.Empty() || g.Dates != nil {
		t.Fatalf("expected range gap, got %+v", g)
	}
	if !g.Start.Equal(day(2024, 1, 4)) || !g.End.Equal(day(2024, 1, 5)) {
		t.Errorf("gap = [%s, %s], want [2024-01-04, 2024-01-05]",
			g.Start.Format(domain.DateLayout), g.End.Format(domain.DateLayout))
	}
}

func TestDetectDateSetHolidayWeek(t *testing.T) {
	det := &GapDetector{Mode: GapModeDates, Calendar: util.NewTradingCalendar(nil)}
	state := domain.SyncState{Dates: []time.Time{day(2024, 1, 2), day(2024, 1, 3)}}

	g := det.Detect("AAPL", state, day(2024, 1, 5))
	want := []time.Time{day(2024, 1, 4), day(2024, 1, 5)}
	if len(g.Dates) != len(want) {
		t.Fatalf("gap dates = %v, want %v", g.Dates, want)
	}
	for i := range want {
		if !g.Dates[i].Equal(want[i]) {
			t.Errorf("gap date %d = %v, want %v", i, g.Dates[i], want[i])
		}
	}
}

func TestDetectDateSetFindsHoles(t *testing.T) {
	det := &GapDetector{Mode: GapModeDates, Calendar: util.NewTradingCalendar(nil)}
	state := domain.SyncState{Dates: []time.Time{
		day(2024, 1, 2), day(2024, 1, 4), day(2024, 1, 5), day(2024, 1, 8),
	}}

	g := det.Detect("AAPL", state, day(2024, 1, 8))
	if len(g.Dates) != 1 || !g.Dates[0].Equal(day(2024, 1, 3)) {
		t.Fatalf("gap dates = %v, want [2024-01-03]", g.Dates)
	}

	// Complete history: empty, non-nil date set.
	state.Dates = append(state.Dates, day(2024, 1, 3))
	if g := det.Detect("AAPL", state, day(2024, 1, 8)); !g.Empty() {
		t.Errorf("expected empty gap, got %+v", g)
	}
}

func TestDetectNoHistory(t *testing.T) {
	det := &GapDetector{Calendar: util.NewTradingCalendar(nil), Backstop: day(2024, 1, 1)}
	g := det.Detect("NEW", domain.SyncState{}, day(2024, 1, 10))
	if !g.Start.Equal(day(2024, 1, 2)) || !g.End.Equal(day(2024, 1, 10)) {
		t.Errorf("gap = [%v, %v], want [2024-01-02, 2024-01-10]", g.Start, g.End)
	}

	det.Mode = GapModeDates
	if g := det.Detect("NEW", domain.SyncState{Dates: []time.Time{}}, day(2024, 1, 10)); g.Empty() {
		t.Error("date-set mode with no history should fall back to the backstop range")
	}
}

func TestDetectNoSessionsInRange(t *testing.T) {
	det := &GapDetector{Calendar: util.NewTradingCalendar(nil)}
	// Last bar Thursday 2024-03-28; Good Friday and the weekend follow.
	state := domain.SyncState{Last: day(2024, 3, 28).Add(16 * time.Hour)}
	if g := det.Detect("AAPL", state, day(2024, 3, 31)); !g.Empty() {
		t.Errorf("expected empty gap over holiday weekend, got %+v", g)
	}
}

func TestDetectLookback(t *testing.T) {
	det := &GapDetector{Calendar: util.NewTradingCalendar(nil), LookbackDays: 1}
	state := domain.SyncState{Last: day(2024, 1, 4).Add(16 * time.Hour)}

	g := det.Detect("AAPL", state, day(2024, 1, 5))
	if !g.Start.Equal(day(2024, 1, 4)) {
		t.Errorf("lookback start = %v, want 2024-01-04", g.Start)
	}

	// No gap, no lookback.
	if g := det.Detect("AAPL", state, day(2024, 1, 4)); !g.Empty() {
		t.Errorf("lookback must not create a gap: %+v", g)
	}
}

func TestDetectWithoutCalendar(t *testing.T) {
	det := &GapDetector{}
	state := domain.SyncState{Last: day(2024, 1, 5).Add(16 * time.Hour)}
	g := det.Detect("AAPL", state, day(2024, 1, 8))
	if !g.Start.Equal(day(2024, 1, 8)) || !g.End.Equal(day(2024, 1, 8)) {
		t.Errorf("gap = [%v, %v], want Monday only", g.Start, g.End)
	}
}

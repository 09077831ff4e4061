package markethours

import (
	"testing"
	"time"
)

func TestIsMarketOpen(t *testing.T) {
	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"mid-session weekday", time.Date(2026, time.March, 4, 11, 0, 0, 0, KST), true},
		{"before open", time.Date(2026, time.March, 4, 8, 59, 0, 0, KST), false},
		{"at open", time.Date(2026, time.March, 4, 9, 0, 0, 0, KST), true},
		{"at close", time.Date(2026, time.March, 4, 15, 30, 0, 0, KST), false},
		{"saturday", time.Date(2026, time.March, 7, 11, 0, 0, 0, KST), false},
		{"sunday", time.Date(2026, time.March, 8, 11, 0, 0, 0, KST), false},
		{"seollal holiday", time.Date(2026, time.February, 17, 11, 0, 0, 0, KST), false},
		{"christmas", time.Date(2026, time.December, 25, 11, 0, 0, 0, KST), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsMarketOpen(tc.at); got != tc.want {
				t.Errorf("IsMarketOpen(%v) = %v, want %v", tc.at, got, tc.want)
			}
		})
	}
}

func TestIsMarketOpenConvertsZone(t *testing.T) {
	// 02:00 UTC on a weekday is 11:00 KST, mid-session.
	at := time.Date(2026, time.March, 4, 2, 0, 0, 0, time.UTC)
	if !IsMarketOpen(at) {
		t.Error("UTC input should be evaluated in KST")
	}
}

func TestNextOpenSkipsWeekend(t *testing.T) {
	// Friday after close → Monday 09:00.
	friday := time.Date(2026, time.March, 6, 16, 0, 0, 0, KST)
	next := NextOpen(friday)
	want := time.Date(2026, time.March, 9, 9, 0, 0, 0, KST)
	if !next.Equal(want) {
		t.Errorf("NextOpen = %v, want %v", next, want)
	}
}

func TestNextOpenSkipsHolidayRun(t *testing.T) {
	// Friday before the Seollal block (Feb 16–18) → following Thursday.
	at := time.Date(2026, time.February, 13, 16, 0, 0, 0, KST)
	next := NextOpen(at)
	want := time.Date(2026, time.February, 19, 9, 0, 0, 0, KST)
	if !next.Equal(want) {
		t.Errorf("NextOpen = %v, want %v", next, want)
	}
}

func TestNextOpenSameDayBeforeOpen(t *testing.T) {
	at := time.Date(2026, time.March, 4, 7, 0, 0, 0, KST)
	want := time.Date(2026, time.March, 4, 9, 0, 0, 0, KST)
	if next := NextOpen(at); !next.Equal(want) {
		t.Errorf("NextOpen = %v, want %v", next, want)
	}
}

func TestTimeUntilClose(t *testing.T) {
	at := time.Date(2026, time.March, 4, 15, 0, 0, 0, KST)
	if got := TimeUntilClose(at); got != 30*time.Minute {
		t.Errorf("TimeUntilClose = %v, want 30m", got)
	}
	after := time.Date(2026, time.March, 4, 16, 0, 0, 0, KST)
	if got := TimeUntilClose(after); got != 0 {
		t.Errorf("TimeUntilClose after close = %v, want 0", got)
	}
}

func TestStatusString(t *testing.T) {
	open := time.Date(2026, time.March, 4, 15, 0, 0, 0, KST)
	if got := StatusString(open); got != "open — closes in 30m" {
		t.Errorf("StatusString = %q", got)
	}
	closed := time.Date(2026, time.March, 7, 11, 0, 0, 0, KST)
	if got := StatusString(closed); got[:6] != "closed" {
		t.Errorf("StatusString = %q", got)
	}
}

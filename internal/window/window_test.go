package window

import (
	"math/rand"
	"testing"
	"time"
)

// Tue, Wed, Thu.
var midweek = NewWeekdays(1, 2, 3)

func at(loc *time.Location, day, h, m, s int) time.Time {
	return time.Date(2018, time.October, day, h, m, s, 0, loc)
}

func TestNextFire_SameDayWindow(t *testing.T) {
	t.Parallel()

	w := Window{
		Weekdays: midweek,
		Since:    TimeOfDay{Hour: 10, Minute: 30},
		Till:     TimeOfDay{Hour: 22},
		Interval: 10 * time.Second,
	}

	for _, loc := range []*time.Location{time.UTC, time.FixedZone("UTC+3", 3*3600)} {
		cases := []struct {
			name string
			prev time.Time
			want time.Time
		}{
			{"monday morning jumps to tuesday open", at(loc, 15, 7, 0, 0), at(loc, 16, 10, 30, 0)},
			{"before open on allowed day", at(loc, 16, 7, 0, 0), at(loc, 16, 10, 30, 0)},
			{"at open", at(loc, 16, 10, 30, 0), at(loc, 16, 10, 30, 10)},
			{"inside", at(loc, 16, 12, 0, 0), at(loc, 16, 12, 0, 10)},
			{"at close", at(loc, 16, 22, 0, 0), at(loc, 17, 10, 30, 0)},
			{"after close", at(loc, 16, 23, 0, 0), at(loc, 17, 10, 30, 0)},
			{"friday skips to next tuesday", at(loc, 19, 12, 0, 0), at(loc, 23, 10, 30, 0)},
		}
		for _, tc := range cases {
			got := NextFire(tc.prev, w, tc.prev)
			if !got.Equal(tc.want) {
				t.Fatalf("%s (%s): got %s want %s", tc.name, loc, got, tc.want)
			}
			if got.Location() != loc {
				t.Fatalf("%s: location changed to %s", tc.name, got.Location())
			}
		}
	}
}

func TestNextFire_WrappingWindow(t *testing.T) {
	t.Parallel()

	w := Window{
		Weekdays: midweek,
		Since:    TimeOfDay{Hour: 22},
		Till:     TimeOfDay{Hour: 10, Minute: 30},
		Interval: 10 * time.Second,
	}
	loc := time.UTC

	cases := []struct {
		name string
		prev time.Time
		want time.Time
	}{
		{"monday morning jumps to tuesday evening", at(loc, 15, 7, 0, 0), at(loc, 16, 22, 0, 0)},
		{"midday waits for evening", at(loc, 16, 12, 0, 0), at(loc, 16, 22, 0, 0)},
		{"at open", at(loc, 16, 22, 0, 0), at(loc, 16, 22, 0, 10)},
		{"late evening", at(loc, 16, 22, 30, 0), at(loc, 16, 22, 30, 10)},
		{"early morning", at(loc, 17, 9, 30, 0), at(loc, 17, 9, 30, 10)},
		{"at close", at(loc, 16, 10, 30, 0), at(loc, 16, 22, 0, 0)},
		{"after close", at(loc, 16, 11, 0, 0), at(loc, 16, 22, 0, 0)},
		{"friday skips to next tuesday", at(loc, 19, 12, 0, 0), at(loc, 23, 22, 0, 0)},
	}
	for _, tc := range cases {
		got := NextFire(tc.prev, w, tc.prev)
		if !got.Equal(tc.want) {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestNextFire_ZeroPrevUsesNow(t *testing.T) {
	t.Parallel()

	w := Window{Weekdays: AllWeekdays, Since: TimeOfDay{}, Till: TimeOfDay{23, 59, 59}, Interval: time.Minute}
	now := at(time.UTC, 16, 12, 0, 0)
	got := NextFire(time.Time{}, w, now)
	if want := now.Add(time.Minute); !got.Equal(want) {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestNextFire_Properties(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewSource(42))
	base := at(time.UTC, 15, 0, 0, 0)
	for i := 0; i < 2000; i++ {
		w := Window{
			Weekdays: Weekdays(r.Intn(127) + 1),
			Since:    TimeOfDay{Hour: r.Intn(24), Minute: r.Intn(60), Second: r.Intn(60)},
			Till:     TimeOfDay{Hour: r.Intn(24), Minute: r.Intn(60), Second: r.Intn(60)},
			Interval: time.Duration(r.Intn(7200)+1) * time.Second,
		}
		prev := base.Add(time.Duration(r.Int63n(int64(14 * 24 * time.Hour))))
		got := NextFire(prev, w, prev)

		if !got.After(prev) {
			t.Fatalf("%s: next %s not after prev %s", w, got, prev)
		}
		if !w.Weekdays.HasWeekday(got.Weekday()) {
			t.Fatalf("%s: next %s on disallowed day", w, got)
		}
		if !w.Contains(got) {
			t.Fatalf("%s: next %s outside window", w, got)
		}
		if got.Sub(prev) > 8*24*time.Hour {
			t.Fatalf("%s: next %s too far from prev %s", w, got, prev)
		}
	}
}

func TestContains_InclusiveBounds(t *testing.T) {
	t.Parallel()

	w := Window{Weekdays: midweek, Since: TimeOfDay{Hour: 10, Minute: 30}, Till: TimeOfDay{Hour: 22}, Interval: time.Second}
	cases := []struct {
		at   time.Time
		want bool
	}{
		{at(time.UTC, 16, 10, 30, 0), true},
		{at(time.UTC, 16, 22, 0, 0), true},
		{at(time.UTC, 16, 22, 0, 1), false},
		{at(time.UTC, 16, 10, 29, 59), false},
		{at(time.UTC, 15, 12, 0, 0), false},
	}
	for _, tc := range cases {
		if got := w.Contains(tc.at); got != tc.want {
			t.Fatalf("Contains(%s)=%v want %v", tc.at, got, tc.want)
		}
	}
}

func TestSchedule_Next(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC-5", -5*3600)
	s := Schedule{
		Window:   Window{Weekdays: midweek, Since: TimeOfDay{Hour: 10, Minute: 30}, Till: TimeOfDay{Hour: 22}, Interval: 10 * time.Second},
		Location: loc,
	}
	// 12:00 UTC on Monday is 07:00 in loc.
	got := s.Next(at(time.UTC, 15, 12, 0, 0))
	if want := at(loc, 16, 10, 30, 0); !got.Equal(want) {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"10:30", TimeOfDay{10, 30, 0}, false},
		{"23:59:59", TimeOfDay{23, 59, 59}, false},
		{" 7:05 ", TimeOfDay{7, 5, 0}, false},
		{"24:00", TimeOfDay{}, true},
		{"12:60", TimeOfDay{}, true},
		{"noon", TimeOfDay{}, true},
	}
	for _, tc := range cases {
		got, err := ParseTimeOfDay(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseTimeOfDay(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseTimeOfDay(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseTimeOfDay(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseWeekdays(t *testing.T) {
	t.Parallel()

	got, err := ParseWeekdays([]string{"mon", "WED", "Sun"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != NewWeekdays(0, 2, 6) {
		t.Fatalf("got %s", got)
	}
	if got.String() != "Mon,Wed,Sun" {
		t.Fatalf("String()=%q", got.String())
	}
	if _, err := ParseWeekdays([]string{"Funday"}); err == nil {
		t.Fatalf("expected error for unknown day")
	}
}

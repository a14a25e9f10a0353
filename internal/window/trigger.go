package window

import "time"

// NextFire returns the next instant a job bound to w may fire, given the
// previous fire time. A zero prev means the job is being scheduled for the
// first time and now is used instead.
//
// The result keeps prev's location, always lands on an allowed weekday and is
// strictly after prev.
func NextFire(prev time.Time, w Window, now time.Time) time.Time {
	if prev.IsZero() {
		prev = now
	}
	next := prev.Add(w.Interval)
	if w.Contains(next) {
		return next
	}

	loc := next.Location()
	y, m, d := next.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, loc)

	// Past today's closing time on a same-day window: today's window is done.
	// Wrapping windows must not do this, their evening part opens later today.
	if !w.Wraps() && clockOffset(next) > w.Till.Offset() {
		day = day.AddDate(0, 0, 1)
	}

	for i := 0; i < 7 && !w.Weekdays.HasWeekday(day.Weekday()); i++ {
		day = day.AddDate(0, 0, 1)
	}
	return w.Since.On(day)
}

// Schedule adapts a Window to cron.Schedule.
//
// cron calls Next with the time it woke up for the previous activation (or the
// registration time for the first one), which is the previous fire time the
// trigger arithmetic expects.
type Schedule struct {
	Window   Window
	Location *time.Location
}

func (s Schedule) Next(t time.Time) time.Time {
	if s.Location != nil {
		t = t.In(s.Location)
	}
	return NextFire(t, s.Window, t)
}

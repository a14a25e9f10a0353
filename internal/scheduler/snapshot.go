package scheduler

import (
	"sort"
	"time"
)

type Snapshot struct {
	Timezone  string           `json:"timezone"`
	Devices   []DeviceSnapshot `json:"devices"`
	Releasing int              `json:"releasing"`
}

type DeviceSnapshot struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Since   time.Time       `json:"since"`
	Entries []EntrySnapshot `json:"entries"`
}

type EntrySnapshot struct {
	Capture     int       `json:"capture"`
	Window      string    `json:"window"`
	Bound       bool      `json:"bound"`
	Next        time.Time `json:"next"`
	Prev        time.Time `json:"prev,omitempty"`
	Dropped     uint64    `json:"dropped"`
	LastOutcome string    `json:"last_outcome,omitempty"`
	LastRun     time.Time `json:"last_run,omitempty"`
}

// Snapshot reports active devices, their entries and drop counters.
func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	sets := make([]*jobSet, 0, len(s.active))
	for _, js := range s.active {
		sets = append(sets, js)
	}
	s.mu.RUnlock()

	snap := Snapshot{Timezone: s.opts.Location.String(), Devices: make([]DeviceSnapshot, 0, len(sets))}
	for _, js := range sets {
		ds := DeviceSnapshot{ID: js.dev.ID(), Model: js.dev.Model(), Since: js.since}
		for _, e := range js.entries {
			c := e.job.Capture()
			es := EntrySnapshot{
				Capture: c.Index,
				Window:  c.Window.String(),
				Bound:   c.Bound(),
				Dropped: e.job.Dropped(),
			}
			ce := s.cron.Entry(e.id)
			es.Next, es.Prev = ce.Next, ce.Prev
			if last := e.job.LastRun(); last != nil {
				es.LastOutcome = last.Outcome
				es.LastRun = last.Started
			}
			ds.Entries = append(ds.Entries, es)
		}
		snap.Devices = append(snap.Devices, ds)
	}
	sort.Slice(snap.Devices, func(i, j int) bool { return snap.Devices[i].ID < snap.Devices[j].ID })

	s.pending.Range(func(_, _ any) bool {
		snap.Releasing++
		return true
	})
	return snap
}

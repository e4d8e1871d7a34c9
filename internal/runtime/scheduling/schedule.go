package scheduling

import (
	"time"
)

// Schedule describes when a job runs.
type Schedule struct {
	// PeriodicJob jobs are rescheduled after every window.
	PeriodicJob bool `json:"periodicJob"`
	// ScheduleEvery is the distance between window starts.
	ScheduleEvery time.Duration `json:"scheduleEvery"`
	// WindowTimeRange is the window length. Zero uses ScheduleEvery.
	WindowTimeRange time.Duration `json:"windowTimeRange,omitempty"`
	// StartAt anchors the first window when no window ran yet.
	StartAt time.Time `json:"startAt"`
	// EndAt stops scheduling windows that would end after it.
	EndAt time.Time `json:"endAt"`
	// RunDelayUponDueTimeSeconds delays a window past its upper bound.
	RunDelayUponDueTimeSeconds *int `json:"runDelayUponDueTimeSeconds,omitempty"`
	// ForceSuppressWindowValidation marks produced windows as exempt from
	// downstream ordering checks, for backfills.
	ForceSuppressWindowValidation bool `json:"forceSuppressWindowValidation,omitempty"`
	Suspended                     bool `json:"suspended,omitempty"`
}

// Daily returns a periodic schedule of 24h windows.
func Daily() Schedule {
	return Schedule{PeriodicJob: true, ScheduleEvery: 24 * time.Hour}
}

// NextWindowAt returns the window following lastUpperBound. Without a
// previous window the first one starts at StartAt, or at the ScheduleEvery
// boundary preceding now. ok is false when the schedule is suspended,
// misconfigured or exhausted.
func (s Schedule) NextWindowAt(lastUpperBound, now time.Time) (from, to time.Time, ok bool) {
	if s.Suspended || s.ScheduleEvery <= 0 {
		return time.Time{}, time.Time{}, false
	}

	switch {
	case !lastUpperBound.IsZero():
		from = lastUpperBound
	case !s.StartAt.IsZero():
		from = s.StartAt
	default:
		from = now.Truncate(s.ScheduleEvery)
	}
	from = from.UTC()

	length := s.WindowTimeRange
	if length <= 0 {
		length = s.ScheduleEvery
	}
	to = from.Add(length)

	if !s.EndAt.IsZero() && to.After(s.EndAt) {
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

// RunDelay returns RunDelayUponDueTimeSeconds, zero when unset.
func (s Schedule) RunDelay() time.Duration {
	if s.RunDelayUponDueTimeSeconds == nil {
		return 0
	}
	return time.Duration(*s.RunDelayUponDueTimeSeconds) * time.Second
}

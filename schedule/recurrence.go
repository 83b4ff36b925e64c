// Package schedule decides when digests are due and runs the delivery loop.
package schedule

import (
	"time"

	"github.com/sthita19/kindle-clippings-app/pkg/clip"
)

// DefaultGuard suppresses a second delivery within this window after a
// successful send, protecting against tick overlap on the matching minute.
const DefaultGuard = 30 * time.Minute

// DigestDue reports whether a digest should go out for the given schedule at
// the instant now. Pure: the decision depends only on the arguments, and the
// schedule is never mutated. All wall-clock comparisons happen in loc.
//
// The loop runs at one-minute granularity; the send time must match the
// current minute exactly. A minute missed to jitter is skipped, not caught
// up later.
func DigestDue(sched clip.Schedule, now time.Time, loc *time.Location, guard time.Duration) bool {
	if sched.Paused {
		return false
	}

	local := now.In(loc)
	if local.Format("15:04") != sched.SendTime {
		return false
	}

	last := sched.LastSentAt
	if last != nil && now.Sub(*last) < guard {
		return false
	}

	switch sched.Frequency {
	case clip.Daily:
		return last == nil || beforeDay(last.In(loc), local)
	case clip.Weekly:
		if local.Weekday() != time.Monday {
			return false
		}
		return last == nil || beforeWeek(last.In(loc), local)
	case clip.Monthly:
		if local.Day() != 1 {
			return false
		}
		return last == nil || beforeMonth(last.In(loc), local)
	default:
		return false
	}
}

// beforeDay reports whether a's calendar date is strictly before b's.
func beforeDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay < by
	}
	if am != bm {
		return am < bm
	}
	return ad < bd
}

// beforeWeek compares (ISO year, ISO week) pairs so that week 52 of one year
// sorts before week 1 of the next.
func beforeWeek(a, b time.Time) bool {
	ay, aw := a.ISOWeek()
	by, bw := b.ISOWeek()
	if ay != by {
		return ay < by
	}
	return aw < bw
}

func beforeMonth(a, b time.Time) bool {
	ay, am, _ := a.Date()
	by, bm, _ := b.Date()
	if ay != by {
		return ay < by
	}
	return am < bm
}

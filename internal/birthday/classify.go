package birthday

import (
	"fmt"
	"time"
)

// Date is a year-agnostic calendar date. Feb 29 is allowed.
type Date struct {
	Month time.Month
	Day   int
}

func (d Date) String() string { return fmt.Sprintf("%02d-%02d", int(d.Month), d.Day) }

func (d Date) leapDay() bool { return d.Month == time.February && d.Day == 29 }

// in returns the date observed in year. Feb 29 moves to Mar 1 outside leap years.
func (d Date) in(year int) (time.Month, int) {
	if d.leapDay() && !isLeap(year) {
		return time.March, 1
	}
	return d.Month, d.Day
}

func isLeap(y int) bool { return y%4 == 0 && (y%100 != 0 || y%400 == 0) }

// Window returns the local start of the birthday in year and the start of the next day.
func Window(year int, d Date, loc *time.Location) (start, end time.Time) {
	m, day := d.in(year)
	start = time.Date(year, m, day, 0, 0, 0, 0, loc)
	end = time.Date(year, m, day+1, 0, 0, 0, 0, loc)
	return start, end
}

// Position places an instant relative to a birthday window.
type Position uint8

const (
	Before Position = iota
	During
	After
)

func (p Position) String() string {
	switch p {
	case Before:
		return "before"
	case During:
		return "during"
	case After:
		return "after"
	default:
		return "unknown"
	}
}

func position(t, start, end time.Time) Position {
	switch {
	case t.Before(start):
		return Before
	case t.Before(end):
		return During
	default:
		return After
	}
}

// Classify places at relative to the birthday in at's local year.
func Classify(at time.Time, d Date, loc *time.Location) Position {
	start, end := Window(at.In(loc).Year(), d, loc)
	return position(at, start, end)
}

// Action is the side effect a transition calls for.
type Action uint8

const (
	ActionNone Action = iota
	ActionStart
	ActionEnd
	ActionMissed
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionStart:
		return "start"
	case ActionEnd:
		return "end"
	case ActionMissed:
		return "missed"
	default:
		return "unknown"
	}
}

// Decide maps (now, watermark) positions to an action.
//
//	now     watermark  action
//	during  before     start
//	after   before     missed
//	after   during     end
//
// Every other pair needs nothing.
func Decide(birthday, watermark Position) Action {
	switch {
	case birthday == During && watermark == Before:
		return ActionStart
	case birthday == After && watermark == Before:
		return ActionMissed
	case birthday == After && watermark == During:
		return ActionEnd
	default:
		return ActionNone
	}
}

// Evaluate computes the action for a user at now given the stored watermark.
// A zero watermark means never processed.
//
// A watermark inside an earlier year's window means that occurrence still holds the role,
// so it ends even when the user went unprocessed for longer than a year.
func Evaluate(now, watermark time.Time, d Date, loc *time.Location) Action {
	year := now.In(loc).Year()
	start, end := Window(year, d, loc)
	bpos := position(now, start, end)
	wpos := watermarkPosition(watermark, start, end)

	if bpos != During && wpos == Before && heldFromEarlierYear(watermark, year, d, loc) {
		return ActionEnd
	}
	if bpos == Before {
		return ActionNone
	}
	return Decide(bpos, wpos)
}

func heldFromEarlierYear(wm time.Time, year int, d Date, loc *time.Location) bool {
	if wm.IsZero() {
		return false
	}
	wy := wm.In(loc).Year()
	if wy >= year {
		return false
	}
	ws, we := Window(wy, d, loc)
	return position(wm, ws, we) == During
}

func watermarkPosition(wm, start, end time.Time) Position {
	if wm.IsZero() {
		return Before
	}
	return position(wm, start, end)
}

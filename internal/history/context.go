package history

import "time"

// Local returns t on the listener's clock. A nil loc keeps t's own zone.
func Local(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		return t
	}
	return t.In(loc)
}

// SlotFor returns the time-of-day slot containing t (in t's location).
func SlotFor(t time.Time) TimeSlot {
	h := t.Hour()
	switch {
	case h < 5:
		return SlotNight
	case h < 8:
		return SlotEarlyMorning
	case h < 12:
		return SlotMorning
	case h < 17:
		return SlotAfternoon
	case h < 21:
		return SlotEvening
	default:
		return SlotLateEvening
	}
}

// hourRange maps [from, to) local hours to a context.
type hourRange struct {
	from, to int
	ctx      ActivityContext
}

var weekdayTable = []hourRange{
	{0, 5, ContextSleep},
	{5, 8, ContextWaking},
	{8, 12, ContextDeepWork},
	{12, 13, ContextGeneral},
	{13, 17, ContextDeepWork},
	{17, 19, ContextCommute},
	{19, 21, ContextRelaxing},
	{21, 24, ContextWindDown},
}

var weekendTable = []hourRange{
	{0, 5, ContextSleep},
	{5, 9, ContextWaking},
	{9, 12, ContextRelaxing},
	{12, 17, ContextGeneral},
	{17, 21, ContextSocial},
	{21, 24, ContextWindDown},
}

// ContextForTime infers an activity context from the clock alone, using a
// separate table for Saturday and Sunday.
func ContextForTime(t time.Time) ActivityContext {
	table := weekdayTable
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		table = weekendTable
	}
	h := t.Hour()
	for _, r := range table {
		if h >= r.from && h < r.to {
			return r.ctx
		}
	}
	return ContextGeneral
}

// ParseContext converts a stored string to an ActivityContext, mapping
// unknown values to ContextGeneral.
func ParseContext(s string) ActivityContext {
	switch c := ActivityContext(s); c {
	case ContextWorkout, ContextDeepWork, ContextCommute, ContextRelaxing,
		ContextWindDown, ContextSleep, ContextWaking, ContextSocial, ContextGeneral:
		return c
	}
	return ContextGeneral
}

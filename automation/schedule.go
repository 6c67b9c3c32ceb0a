package automation

import (
	"time"

	"courselit/models"
)

type scheduleKind int

const (
	relativeDelay scheduleKind = iota
	absoluteSendTime
)

// SendSchedule is the tagged reading of a step's DelayMillis field: an offset
// from enrollment for drip steps, an absolute wall-clock send time for a
// scheduled broadcast. Keeping the two shapes behind one type makes the
// distinction explicit instead of a convention scattered across callers.
type SendSchedule struct {
	kind   scheduleKind
	offset time.Duration
	at     time.Time
}

func RelativeDelay(offset time.Duration) SendSchedule {
	return SendSchedule{kind: relativeDelay, offset: offset}
}

func AbsoluteSendTime(at time.Time) SendSchedule {
	return SendSchedule{kind: absoluteSendTime, at: at}
}

// ScheduleFor interprets a step's delay for the given sequence type. A
// broadcast step with a non-zero delay carries an epoch-millis send time;
// everything else is an offset from enrollment.
func ScheduleFor(sequenceType string, email *models.SequenceEmail) SendSchedule {
	if sequenceType == models.SequenceTypeBroadcast && email.DelayMillis > 0 {
		return AbsoluteSendTime(time.UnixMilli(email.DelayMillis))
	}
	return RelativeDelay(time.Duration(email.DelayMillis) * time.Millisecond)
}

// Absolute reports whether the schedule is a fixed wall-clock send time.
func (s SendSchedule) Absolute() bool {
	return s.kind == absoluteSendTime
}

// FirstSendAt resolves when a user enrolled at now receives the step.
func (s SendSchedule) FirstSendAt(now time.Time) time.Time {
	if s.kind == absoluteSendTime {
		return s.at
	}
	return now.Add(s.offset)
}

// InPast reports whether an absolute send time has already passed. Relative
// schedules are never in the past.
func (s SendSchedule) InPast(now time.Time) bool {
	return s.kind == absoluteSendTime && s.at.Before(now)
}

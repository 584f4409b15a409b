package model

import "time"

// AlarmLevel is the severity of an alarm.
type AlarmLevel int

const (
	AlarmInfo AlarmLevel = iota
	AlarmWarning
	AlarmError
)

func (l AlarmLevel) String() string {
	switch l {
	case AlarmInfo:
		return "info"
	case AlarmWarning:
		return "warning"
	case AlarmError:
		return "error"
	default:
		return "unknown"
	}
}

// Alarm is an operator-facing notification raised on behalf of a module.
type Alarm struct {
	ID       string
	Module   string
	Level    AlarmLevel
	Message  string
	RaisedAt time.Time
}

package model

// ModuleState is the operating state reported by a module.
type ModuleState int

const (
	StateOff ModuleState = iota
	StateOffBusy
	StateRun
	StateRunBusy
	StateStandby
	StateStandbyBusy
	StateStop
	StateStopBusy
	StateError
	StateDisabled
	StateInitializing
)

var moduleStateNames = map[ModuleState]string{
	StateOff:          "off",
	StateOffBusy:      "off_busy",
	StateRun:          "run",
	StateRunBusy:      "run_busy",
	StateStandby:      "standby",
	StateStandbyBusy:  "standby_busy",
	StateStop:         "stop",
	StateStopBusy:     "stop_busy",
	StateError:        "error",
	StateDisabled:     "disabled",
	StateInitializing: "initializing",
}

// String returns the lower-case name used in logs, DTOs and the module FSM.
func (s ModuleState) String() string {
	if name, ok := moduleStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseModuleState is the inverse of String. ok is false for unknown names.
func ParseModuleState(name string) (ModuleState, bool) {
	for state, n := range moduleStateNames {
		if n == name {
			return state, true
		}
	}
	return 0, false
}

// IsRunStandbyOrInTransition reports whether a module is running, in standby,
// or switching between the two. The busy states of a run/standby switch count
// as eligible so forcing does not flicker off during a mode change.
func IsRunStandbyOrInTransition(state, old ModuleState) bool {
	switch {
	case state == StateRun, state == StateStandby:
		return true
	case old == StateStandby && state == StateRunBusy:
		return true
	case old == StateRun && state == StateStandbyBusy:
		return true
	}
	return false
}

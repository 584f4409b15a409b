package module

import (
	"github.com/looplab/fsm"

	"github.com/signalsfoundry/linerouter/model"
)

// FSM events. Start, Standby and Stop pass through the matching busy state so
// observers see the transition window.
const (
	EventInitialized = "initialized"
	EventStart       = "start"
	EventRunning     = "running"
	EventStandby     = "standby"
	EventStandingBy  = "standing_by"
	EventStop        = "stop"
	EventStopped     = "stopped"
	EventFail        = "fail"
	EventReset       = "reset"
	EventDisable     = "disable"
	EventEnable      = "enable"
)

var (
	stOff          = model.StateOff.String()
	stRun          = model.StateRun.String()
	stRunBusy      = model.StateRunBusy.String()
	stStandby      = model.StateStandby.String()
	stStandbyBusy  = model.StateStandbyBusy.String()
	stStop         = model.StateStop.String()
	stStopBusy     = model.StateStopBusy.String()
	stError        = model.StateError.String()
	stDisabled     = model.StateDisabled.String()
	stInitializing = model.StateInitializing.String()
	stOffBusy      = model.StateOffBusy.String()
)

func transitions() fsm.Events {
	return fsm.Events{
		{Name: EventInitialized, Src: []string{stInitializing}, Dst: stOff},

		{Name: EventStart, Src: []string{stOff, stStop, stStandby}, Dst: stRunBusy},
		{Name: EventRunning, Src: []string{stRunBusy}, Dst: stRun},

		{Name: EventStandby, Src: []string{stRun}, Dst: stStandbyBusy},
		{Name: EventStandingBy, Src: []string{stStandbyBusy}, Dst: stStandby},

		{Name: EventStop, Src: []string{stRun, stRunBusy, stStandby, stStandbyBusy}, Dst: stStopBusy},
		{Name: EventStopped, Src: []string{stStopBusy}, Dst: stStop},

		{Name: EventFail, Src: []string{
			stOff, stOffBusy, stRun, stRunBusy, stStandby, stStandbyBusy,
			stStop, stStopBusy, stInitializing,
		}, Dst: stError},
		{Name: EventReset, Src: []string{stError}, Dst: stOff},

		{Name: EventDisable, Src: []string{stOff, stStop}, Dst: stDisabled},
		{Name: EventEnable, Src: []string{stDisabled}, Dst: stOff},
	}
}

func parseState(name string) model.ModuleState {
	if s, ok := model.ParseModuleState(name); ok {
		return s
	}
	return model.StateError
}

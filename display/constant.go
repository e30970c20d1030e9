// SPDX-FileCopyrightText: 2018 - 2022 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package display

const (
	dbusServiceName = "org.nemomobile.mce"
	dbusPath        = "/org/nemomobile/mce"
	dbusInterface   = dbusServiceName

	compositorService   = "org.nemomobile.lipstick"
	compositorPath      = "/"
	compositorInterface = "org.nemomobile.compositor"
	compositorMethod    = compositorInterface + ".setUpdatesEnabled"

	// The display wakelock held whenever the display is powered or a
	// transition is in flight.
	displayWakelockName = "mce_display_on"

	displayStatusOn     = "on"
	displayStatusDimmed = "dimmed"
	displayStatusOff    = "off"

	// Indicator pattern shown while the compositor fails to
	// acknowledge an updates-enabled request.
	patternCompositorStalled = "PatternCompositorStalled"
)

// DisplayState is the externally observable display power state.
type DisplayState int32

const (
	StateUndefined DisplayState = iota
	StateOff
	StateLpmOff
	StateLpmOn
	StateDim
	StateOn
	StatePoweringUp
	StatePoweringDown
)

func (s DisplayState) String() string {
	switch s {
	case StateUndefined:
		return "undefined"
	case StateOff:
		return "off"
	case StateLpmOff:
		return "lpm-off"
	case StateLpmOn:
		return "lpm-on"
	case StateDim:
		return "dim"
	case StateOn:
		return "on"
	case StatePoweringUp:
		return "powering-up"
	case StatePoweringDown:
		return "powering-down"
	}
	return "invalid"
}

// needsPower tells whether the state keeps the display panel powered.
func (s DisplayState) needsPower() bool {
	switch s {
	case StateOn, StateDim, StateLpmOn:
		return true
	}
	return false
}

// stmPhase is the internal state machine phase. Never exposed outside
// this package; the public view is always a DisplayState.
type stmPhase int

const (
	phaseUnset stmPhase = iota
	phaseRendererInitStart
	phaseRendererWaitStart
	phaseEnterPowerOn
	phaseStayPowerOn
	phaseLeavePowerOn
	phaseRendererInitStop
	phaseRendererWaitStop
	phaseInitSuspend
	phaseWaitSuspend
	phaseEnterPowerOff
	phaseStayPowerOff
	phaseLeavePowerOff
	phaseInitResume
	phaseWaitResume
	phaseEnterLogicalOff
	phaseStayLogicalOff
	phaseLeaveLogicalOff
)

func (p stmPhase) String() string {
	names := map[stmPhase]string{
		phaseUnset:             "UNSET",
		phaseRendererInitStart: "RENDERER_INIT_START",
		phaseRendererWaitStart: "RENDERER_WAIT_START",
		phaseEnterPowerOn:      "ENTER_POWER_ON",
		phaseStayPowerOn:       "STAY_POWER_ON",
		phaseLeavePowerOn:      "LEAVE_POWER_ON",
		phaseRendererInitStop:  "RENDERER_INIT_STOP",
		phaseRendererWaitStop:  "RENDERER_WAIT_STOP",
		phaseInitSuspend:       "INIT_SUSPEND",
		phaseWaitSuspend:       "WAIT_SUSPEND",
		phaseEnterPowerOff:     "ENTER_POWER_OFF",
		phaseStayPowerOff:      "STAY_POWER_OFF",
		phaseLeavePowerOff:     "LEAVE_POWER_OFF",
		phaseInitResume:        "INIT_RESUME",
		phaseWaitResume:        "WAIT_RESUME",
		phaseEnterLogicalOff:   "ENTER_LOGICAL_OFF",
		phaseStayLogicalOff:    "STAY_LOGICAL_OFF",
		phaseLeaveLogicalOff:   "LEAVE_LOGICAL_OFF",
	}
	if s, ok := names[p]; ok {
		return s
	}
	return "INVALID"
}

// RendererState tracks the compositor's acknowledged drawing state.
type RendererState int

const (
	RendererUnknown RendererState = iota
	RendererEnabled
	RendererDisabled
	RendererError
)

func (s RendererState) String() string {
	switch s {
	case RendererUnknown:
		return "unknown"
	case RendererEnabled:
		return "enabled"
	case RendererDisabled:
		return "disabled"
	case RendererError:
		return "error"
	}
	return "invalid"
}

// SuspendLevel is how deep the autosuspend policy currently allows the
// system to go. The levels are ordered.
type SuspendLevel int

const (
	SuspendBlocked SuspendLevel = iota
	SuspendEarlyOnly
	SuspendLateAllowed
)

func (l SuspendLevel) String() string {
	switch l {
	case SuspendBlocked:
		return "blocked"
	case SuspendEarlyOnly:
		return "early-only"
	case SuspendLateAllowed:
		return "late-allowed"
	}
	return "invalid"
}

// SuspendPolicy is the configured autosuspend policy mode.
type SuspendPolicy int

const (
	SuspendPolicyDisabled SuspendPolicy = iota
	SuspendPolicyEnabled
	SuspendPolicyEarlyOnly
)

// InhibitMode is the timer based blanking inhibit policy.
type InhibitMode int

const (
	InhibitOff InhibitMode = iota
	InhibitStayOnWithCharger
	InhibitStayDimWithCharger
	InhibitStayOn
	InhibitStayDim
)

// BlankingPauseMode controls how blanking pause requests are honored.
type BlankingPauseMode int

const (
	BlankingPauseDisabled BlankingPauseMode = iota
	BlankingPauseKeepOn
	BlankingPauseAllowDim
)

// CallState is the subset of telephony state the display core cares
// about.
type CallState int

const (
	CallNone CallState = iota
	CallRinging
	CallActive
)

// timerKind identifies one of the display timers owned by the timer
// engine.
type timerKind int

const (
	timerNone timerKind = iota
	timerDim
	timerBlank
	timerLpmOn
	timerLpmOff
	timerPause
	timerAdaptive
)

func (k timerKind) String() string {
	switch k {
	case timerNone:
		return "none"
	case timerDim:
		return "dim"
	case timerBlank:
		return "blank"
	case timerLpmOn:
		return "lpm-on"
	case timerLpmOff:
		return "lpm-off"
	case timerPause:
		return "blanking-pause"
	case timerAdaptive:
		return "adaptive-dimming"
	}
	return "invalid"
}

// maxBlankingPauseClients bounds the set of simultaneous blanking
// pause requesters.
const maxBlankingPauseClients = 5

// SPDX-FileCopyrightText: 2018 - 2022 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package display

// suspendConditions is the full set of external signals the
// autosuspend evaluator looks at. It is rebuilt from scratch for every
// state machine step; nothing here is cached.
type suspendConditions struct {
	RendererState RendererState
	Policy        SuspendPolicy

	CallState       CallState
	AlarmVisible    bool
	ExceptionActive bool

	BootupDone      bool
	ShutdownStarted bool
	ActingDead      bool

	Quitting bool
}

// evaluateSuspend derives the permitted suspend depth from the
// conditions. Any early blocker forces SuspendBlocked; with early
// suspend possible but a late blocker present the result is
// SuspendEarlyOnly; otherwise full suspend is allowed.
func evaluateSuspend(c suspendConditions) SuspendLevel {
	blockEarly := false
	blockLate := false

	// Do not suspend while the ui side might still be drawing. An
	// error reply means the compositor state is uncertain, which
	// counts as "not disabled".
	if c.RendererState != RendererDisabled {
		blockEarly = true
	}

	// No more suspend once the daemon is quitting.
	if c.Quitting {
		blockEarly = true
	}

	// No late suspend outside the normal user state.
	if c.ActingDead {
		blockLate = true
	}

	// No late suspend during bootup or shutdown.
	if !c.BootupDone || c.ShutdownStarted {
		blockLate = true
	}

	// Calls and alarms need the cpu awake even with the display off.
	if c.CallState != CallNone || c.AlarmVisible || c.ExceptionActive {
		blockLate = true
	}

	switch c.Policy {
	case SuspendPolicyDisabled:
		blockEarly = true
	case SuspendPolicyEarlyOnly:
		blockLate = true
	}

	switch {
	case blockEarly:
		return SuspendBlocked
	case blockLate:
		return SuspendEarlyOnly
	default:
		return SuspendLateAllowed
	}
}

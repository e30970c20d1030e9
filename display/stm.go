// SPDX-FileCopyrightText: 2018 - 2022 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package display

import (
	"github.com/nemomobile/mce/fbdev"
)

// wakelockHolder is the kernel wakelock interface the state machine
// drives. Implemented by common/wakelock, stubbed in tests.
type wakelockHolder interface {
	Lock(name string)
	Unlock(name string)
	AllowSuspend()
	BlockSuspend()
}

// rendererControl is the state machine's view of the compositor ipc
// coordinator.
type rendererControl interface {
	// Available reports whether a compositor owns its bus name.
	Available() bool
	// State is the last acknowledged drawing state.
	State() RendererState
	// RequestState issues an asynchronous enable/disable request
	// and resets State to RendererUnknown until the reply arrives.
	RequestState(enabled bool)
	// SetStateDirect records a drawing state without ipc, for when
	// there is no compositor to ask.
	SetStateDirect(state RendererState)
}

// SensorHold pauses sensor use over suspend so that a suspended
// sensor stack cannot hold wakelocks of its own.
type SensorHold interface {
	Suspend()
	Resume()
}

type nullSensorHold struct{}

func (nullSensorHold) Suspend() {}
func (nullSensorHold) Resume()  {}

// nullFrameBuffer stands in when no frame buffer control path exists;
// suspend and resume then complete trivially.
type nullFrameBuffer struct {
	suspended bool
}

func (f *nullFrameBuffer) Tracked() bool    { return false }
func (f *nullFrameBuffer) Suspended() bool  { return f.suspended }
func (f *nullFrameBuffer) SetPower(on bool) { f.suspended = !on }

// displayStm runs the display power state machine. It is cooperatively
// scheduled: every entry point executes phases until a fixed point is
// reached and then returns, leaving the machine parked waiting for a
// renderer reply, a frame buffer event or a timer. Callers re-enter it
// through the Manager when such an event arrives.
//
// The target triple: curr is the settled state, next the state being
// transitioned to (curr != next exactly while a transition is in
// progress), wanted the most recent outstanding request. A new request
// overwrites wanted; it never queues.
type displayStm struct {
	curr   DisplayState
	next   DisplayState
	wanted DisplayState

	phase stmPhase

	wakelock     wakelockHolder
	wakelockHeld bool

	fb       fbdev.FrameBuffer
	renderer rendererControl
	sensors  SensorHold

	// policy is evaluated fresh on every step, never cached.
	policy func() SuspendLevel

	// enableRenderingNeeded is raised when the compositor (re)appears
	// on the bus and must be told the current drawing state again.
	enableRenderingNeeded bool
}

func newDisplayStm(wl wakelockHolder, fb fbdev.FrameBuffer, r rendererControl,
	sensors SensorHold, policy func() SuspendLevel) *displayStm {
	if fb == nil {
		fb = &nullFrameBuffer{}
	}
	if sensors == nil {
		sensors = nullSensorHold{}
	}
	return &displayStm{
		curr:     StateUndefined,
		next:     StateUndefined,
		wanted:   StateUndefined,
		phase:    phaseUnset,
		wakelock: wl,
		fb:       fb,
		renderer: r,
		sensors:  sensors,
		policy:   policy,
	}
}

// requestState records a new target display state. Latest wins: an
// unresolved earlier request is overwritten, never queued behind.
func (stm *displayStm) requestState(target DisplayState) {
	stm.wanted = target
	stm.rethink()
}

// compositorChanged tells the machine the compositor's bus presence
// changed; a (re)appeared compositor needs a fresh drawing-state
// acknowledgment.
func (stm *displayStm) compositorChanged() {
	stm.enableRenderingNeeded = true
	stm.rethink()
}

// currentState returns the settled display state.
func (stm *displayStm) currentState() DisplayState {
	return stm.curr
}

// publicState is the externally cached view: one of the eight
// DisplayState values, with the transient powering masks published
// while a transition's renderer/frame-buffer handshake is outstanding.
func (stm *displayStm) publicState() DisplayState {
	if stm.curr == stm.next {
		return stm.curr
	}
	switch stm.phase {
	case phaseRendererInitStart, phaseRendererWaitStart,
		phaseInitResume, phaseWaitResume:
		return StatePoweringUp
	case phaseRendererInitStop, phaseRendererWaitStop,
		phaseInitSuspend, phaseWaitSuspend:
		return StatePoweringDown
	}
	return stm.curr
}

// transitioning reports whether a target change is in flight.
func (stm *displayStm) transitioning() bool {
	return stm.curr != stm.next
}

// rethink executes phases until a full pass leaves the phase
// unchanged. It never blocks; phases that need an external event just
// leave the phase as-is.
func (stm *displayStm) rethink() {
	for {
		prev := stm.phase
		stm.step()
		if stm.phase == prev {
			break
		}
	}
}

func (stm *displayStm) trans(next stmPhase) {
	logger.Debugf("stm: %s -> %s", stm.phase, next)
	stm.phase = next
}

// absorbWanted moves a pending request into next. Requesting the
// already settled state is absorbed as a no-op.
func (stm *displayStm) absorbWanted() bool {
	if stm.wanted == StateUndefined {
		return false
	}
	if stm.wanted == stm.curr && stm.curr == stm.next {
		stm.wanted = StateUndefined
		return false
	}
	stm.next = stm.wanted
	stm.wanted = StateUndefined
	return true
}

func (stm *displayStm) acquireWakelock() {
	if !stm.wakelockHeld {
		stm.wakelockHeld = true
		stm.wakelock.Lock(displayWakelockName)
	}
}

func (stm *displayStm) releaseWakelock() {
	if stm.wakelockHeld {
		stm.wakelockHeld = false
		stm.wakelock.Unlock(displayWakelockName)
	}
}

// commit publishes next as the settled state.
func (stm *displayStm) commit() {
	if stm.curr != stm.next {
		logger.Infof("display state: %s -> %s", stm.curr, stm.next)
		stm.curr = stm.next
	}
}

func (stm *displayStm) step() {
	switch stm.phase {
	case phaseUnset:
		stm.acquireWakelock()
		if !stm.absorbWanted() {
			break
		}
		if stm.next.needsPower() {
			stm.trans(phaseRendererInitStart)
		} else {
			stm.trans(phaseRendererInitStop)
		}

	case phaseRendererInitStart:
		if !stm.renderer.Available() {
			// Nothing to acknowledge; rendering is considered
			// enabled the moment the panel has power.
			stm.renderer.SetStateDirect(RendererEnabled)
			stm.trans(phaseEnterPowerOn)
			break
		}
		stm.renderer.RequestState(true)
		stm.trans(phaseRendererWaitStart)

	case phaseRendererWaitStart:
		switch stm.renderer.State() {
		case RendererEnabled:
			stm.enableRenderingNeeded = false
			stm.trans(phaseEnterPowerOn)
		case RendererUnknown:
			// Parked; reply pending.
		default:
			// Compositor ipc is retried until it succeeds. A
			// stuck compositor is the renderer coordinator's
			// problem, not a reason to give up on the panel.
			stm.trans(phaseRendererInitStart)
		}

	case phaseEnterPowerOn:
		stm.commit()
		stm.trans(phaseStayPowerOn)

	case phaseStayPowerOn:
		if stm.enableRenderingNeeded && stm.renderer.Available() {
			stm.trans(phaseRendererInitStart)
			break
		}
		if stm.absorbWanted() {
			stm.trans(phaseLeavePowerOn)
		}

	case phaseLeavePowerOn:
		if stm.next.needsPower() {
			// Powered-to-powered moves (on/dim/lpm-on) need no
			// renderer or frame buffer handshake.
			stm.trans(phaseEnterPowerOn)
		} else {
			stm.trans(phaseRendererInitStop)
		}

	case phaseRendererInitStop:
		if !stm.renderer.Available() {
			// No compositor to silence. The renderer state is
			// left as-is, so the policy evaluator keeps early
			// suspend blocked until a compositor acknowledges.
			stm.trans(phaseInitSuspend)
			break
		}
		stm.renderer.RequestState(false)
		stm.trans(phaseRendererWaitStop)

	case phaseRendererWaitStop:
		switch stm.renderer.State() {
		case RendererDisabled:
			stm.enableRenderingNeeded = false
			stm.trans(phaseInitSuspend)
		case RendererUnknown:
			// Parked; reply pending.
		default:
			stm.trans(phaseRendererInitStop)
		}

	case phaseInitSuspend:
		if stm.policy() == SuspendBlocked {
			stm.trans(phaseEnterLogicalOff)
			break
		}
		stm.sensors.Suspend()
		stm.wakelock.AllowSuspend()
		if !stm.fb.Tracked() {
			stm.fb.SetPower(false)
		}
		stm.trans(phaseWaitSuspend)

	case phaseWaitSuspend:
		if !stm.fb.Suspended() {
			break
		}
		stm.trans(phaseEnterPowerOff)

	case phaseEnterPowerOff:
		stm.commit()
		stm.trans(phaseStayPowerOff)

	case phaseStayPowerOff:
		if stm.absorbWanted() {
			stm.trans(phaseLeavePowerOff)
			break
		}
		if stm.enableRenderingNeeded && stm.renderer.Available() {
			stm.trans(phaseRendererInitStop)
			break
		}
		// The only phase where suspend depth is renegotiated
		// without a display state change.
		switch stm.policy() {
		case SuspendBlocked:
			stm.trans(phaseStayLogicalOff)
		case SuspendEarlyOnly:
			stm.acquireWakelock()
		case SuspendLateAllowed:
			stm.releaseWakelock()
		}

	case phaseLeavePowerOff:
		stm.trans(phaseInitResume)

	case phaseInitResume:
		stm.acquireWakelock()
		stm.wakelock.BlockSuspend()
		stm.sensors.Resume()
		if !stm.fb.Tracked() {
			stm.fb.SetPower(true)
		}
		stm.trans(phaseWaitResume)

	case phaseWaitResume:
		if stm.fb.Suspended() {
			break
		}
		if stm.next.needsPower() {
			stm.trans(phaseRendererInitStart)
		} else {
			stm.trans(phaseEnterLogicalOff)
		}

	case phaseEnterLogicalOff:
		stm.commit()
		// With no suspend in sight there is nothing for the
		// wakelock to protect.
		stm.releaseWakelock()
		stm.trans(phaseStayLogicalOff)

	case phaseStayLogicalOff:
		if stm.absorbWanted() {
			stm.trans(phaseLeaveLogicalOff)
			break
		}
		if stm.enableRenderingNeeded && stm.renderer.Available() {
			stm.trans(phaseRendererInitStop)
			break
		}
		if stm.policy() != SuspendBlocked {
			stm.acquireWakelock()
			stm.trans(phaseInitSuspend)
		}

	case phaseLeaveLogicalOff:
		stm.acquireWakelock()
		switch {
		case stm.fb.Suspended():
			stm.trans(phaseInitResume)
		case stm.next.needsPower():
			stm.trans(phaseRendererInitStart)
		default:
			stm.trans(phaseEnterLogicalOff)
		}
	}
}

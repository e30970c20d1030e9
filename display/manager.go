// SPDX-FileCopyrightText: 2018 - 2022 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package display

import (
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/linuxdeepin/go-lib/dbusutil"
	"github.com/linuxdeepin/go-lib/log"

	"github.com/nemomobile/mce/common/config"
	"github.com/nemomobile/mce/fbdev"
)

var logger = log.NewLogger("mce/display")

// Manager ties the display state machine, the blanking timers and the
// renderer coordinator together and exposes them on the bus. All state
// machine entry points funnel through mu, which stands in for the
// single-threaded event loop the machine assumes.
type Manager struct {
	service *dbusutil.Service

	mu       sync.Mutex
	stm      *displayStm
	timers   *blankingTimers
	renderer *rendererCoordinator

	cfgMu sync.Mutex
	cfg   *config.Settings

	// Suspend policy and timer inputs, updated by the daemon from
	// their respective bus sources.
	callState        CallState
	alarmVisible     bool
	exceptionActive  bool
	chargerConnected bool
	tklockActive     bool
	deviceLockActive bool
	proximityCovered bool
	bootupDone       bool
	shutdownStarted  bool
	actingDead       bool
	quitting         bool

	lastStatus string

	signals *struct {
		DisplayStatusChanged struct {
			status string
		}
	}
}

func newManager(service *dbusutil.Service, cfg *config.Settings,
	wl wakelockHolder, fb fbdev.FrameBuffer, caller compositorCaller,
	killer processKiller, indicator ledIndicator, sensors SensorHold) *Manager {

	m := &Manager{
		service: service,
		cfg:     cfg,
	}
	m.renderer = newRendererCoordinator(caller, killer, indicator,
		m.settings, m.onRendererReply)
	m.stm = newDisplayStm(wl, fb, m.renderer, sensors, m.suspendLevel)
	m.timers = newBlankingTimers(m.settings, m.onTimerFired)
	return m
}

func (*Manager) GetInterfaceName() string {
	return dbusInterface
}

func (m *Manager) settings() *config.Settings {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	return m.cfg
}

// setSettings swaps in a reloaded configuration and re-evaluates
// timers and suspend policy against it.
func (m *Manager) setSettings(cfg *config.Settings) {
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stm.rethink()
	m.afterStep()
}

// suspendLevel feeds the state machine; called with m.mu held.
func (m *Manager) suspendLevel() SuspendLevel {
	return evaluateSuspend(suspendConditions{
		RendererState:   m.renderer.State(),
		Policy:          SuspendPolicy(m.settings().SuspendPolicy),
		CallState:       m.callState,
		AlarmVisible:    m.alarmVisible,
		ExceptionActive: m.exceptionActive,
		BootupDone:      m.bootupDone,
		ShutdownStarted: m.shutdownStarted,
		ActingDead:      m.actingDead,
		Quitting:        m.quitting,
	})
}

// afterStep runs once the state machine reached a fixed point: re-arm
// the blanking timers for the settled state and broadcast the public
// display status if it changed. Called with m.mu held.
func (m *Manager) afterStep() {
	cfg := m.settings()
	if m.stm.transitioning() {
		// State timers belong to a settled state; an in-flight
		// transition invalidates whatever was armed for the old one.
		m.timers.disarm()
	} else {
		m.timers.rearm(m.stm.currentState(), timerInputs{
			Charger:          m.chargerConnected,
			TklockActive:     m.tklockActive,
			DeviceLockActive: m.deviceLockActive,
			UseLpm:           m.lpmUsable(cfg),
			CallState:        m.callState,
			ExceptionActive:  m.exceptionActive,
		})

		status := displayStatus(m.stm.currentState())
		if status != m.lastStatus {
			m.lastStatus = status
			logger.Debug("display status:", status)
			if m.service != nil {
				err := m.service.Emit(m, "DisplayStatusChanged", status)
				if err != nil {
					logger.Warning(err)
				}
			}
		}
	}
}

// lpmUsable reports whether the low power mode ui may be shown: it
// only makes sense on a locked device, and a covered proximity sensor
// means the device is pocketed, where lighting pixels wastes power.
// Called with m.mu held.
func (m *Manager) lpmUsable(cfg *config.Settings) bool {
	return cfg.UseLowPowerMode && m.tklockActive &&
		!m.deviceLockActive && !m.proximityCovered
}

// displayStatus reduces a display state to the three-valued status the
// bus api promises.
func displayStatus(state DisplayState) string {
	switch state {
	case StateOn, StatePoweringUp:
		return displayStatusOn
	case StateDim:
		return displayStatusDimmed
	default:
		return displayStatusOff
	}
}

// request is the common entry for every display state request,
// whatever its source.
func (m *Manager) request(target DisplayState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stm.requestState(target)
	m.afterStep()
}

// onRendererReply re-enters the machine when the compositor answered.
func (m *Manager) onRendererReply() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stm.rethink()
	m.afterStep()
}

// onFbEvent re-enters the machine when the kernel reported a frame
// buffer sleep or wake transition.
func (m *Manager) onFbEvent(suspended bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stm.rethink()
	m.afterStep()
}

func (m *Manager) onTimerFired(kind timerKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger.Debugf("%s timer fired", kind)
	// A fire can race the start of a transition or a concurrent
	// re-arm; only act while settled, in the state the timer was
	// armed for.
	if m.stm.transitioning() {
		return
	}
	curr := m.stm.currentState()
	switch kind {
	case timerDim:
		if curr == StateOn {
			m.stm.requestState(StateDim)
			m.timers.openAdaptiveWindow()
		}
	case timerBlank:
		// Armed from on when the device lock says to skip dimming.
		if curr == StateOn || curr == StateDim || curr == StateLpmOff {
			m.stm.requestState(StateOff)
		}
	case timerLpmOn:
		if curr == StateDim {
			m.stm.requestState(StateLpmOn)
		}
	case timerLpmOff:
		if curr == StateLpmOn {
			m.stm.requestState(StateLpmOff)
		}
	case timerPause:
		// All pause clients lapsed; dim scheduling resumes below.
	}
	m.afterStep()
}

// onCompositorChanged tracks the compositor's bus name owner.
func (m *Manager) onCompositorChanged(hasOwner bool, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renderer.setOwner(hasOwner, pid)
	m.stm.compositorChanged()
	m.afterStep()
}

// onNameLost drops any blanking pause the vanished bus client held.
func (m *Manager) onNameLost(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timers.removePauseClient(name) {
		logger.Debugf("blanking pause client %s left the bus", name)
		m.afterStep()
	}
}

// NoteUserActivity reports user input: a dimmed or low power mode
// display turns back on, an on display gets its dim timer restarted.
func (m *Manager) NoteUserActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.timers.noteActivity()
	switch m.stm.currentState() {
	case StateDim, StateLpmOn, StateLpmOff:
		m.stm.requestState(StateOn)
	}
	m.afterStep()
}

// Policy input setters, driven by the daemon's bus trackers.

func (m *Manager) SetCallState(state CallState) {
	m.setInput(func() { m.callState = state })
}

func (m *Manager) SetAlarmVisible(visible bool) {
	m.setInput(func() { m.alarmVisible = visible })
}

func (m *Manager) SetExceptionActive(active bool) {
	m.setInput(func() { m.exceptionActive = active })
}

func (m *Manager) SetChargerConnected(connected bool) {
	m.setInput(func() { m.chargerConnected = connected })
}

func (m *Manager) SetTklockActive(active bool) {
	m.setInput(func() { m.tklockActive = active })
}

func (m *Manager) SetDeviceLockActive(active bool) {
	m.setInput(func() { m.deviceLockActive = active })
}

func (m *Manager) SetProximityCovered(covered bool) {
	m.setInput(func() { m.proximityCovered = covered })
}

func (m *Manager) SetBootupDone(done bool) {
	m.setInput(func() { m.bootupDone = done })
}

func (m *Manager) SetShutdownStarted(started bool) {
	m.setInput(func() { m.shutdownStarted = started })
}

func (m *Manager) SetActingDead(actingDead bool) {
	m.setInput(func() { m.actingDead = actingDead })
}

func (m *Manager) setInput(apply func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply()
	m.stm.rethink()
	m.afterStep()
}

// stop winds the display back on so the device is not left dark, then
// blocks further suspend and cancels all timers.
func (m *Manager) stop() {
	m.mu.Lock()
	m.quitting = true
	m.stm.requestState(StateOn)
	m.afterStep()
	m.mu.Unlock()

	m.timers.stop()
	m.renderer.stop()
}

// Bus methods.

// RequestDisplayOn turns the display on.
func (m *Manager) RequestDisplayOn() *dbus.Error {
	m.request(StateOn)
	return nil
}

// RequestDisplayDim dims the display.
func (m *Manager) RequestDisplayDim() *dbus.Error {
	m.request(StateDim)
	return nil
}

// RequestDisplayOff blanks the display.
func (m *Manager) RequestDisplayOff() *dbus.Error {
	m.request(StateOff)
	return nil
}

// RequestLowPowerMode moves the display to low power mode, or blanks
// it outright when the lpm ui may not be shown.
func (m *Manager) RequestLowPowerMode() *dbus.Error {
	m.mu.Lock()
	usable := m.lpmUsable(m.settings())
	m.mu.Unlock()

	if usable {
		m.request(StateLpmOn)
	} else {
		m.request(StateOff)
	}
	return nil
}

// GetDisplayStatus returns "on", "dimmed" or "off".
func (m *Manager) GetDisplayStatus() (status string, busErr *dbus.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return displayStatus(m.stm.publicState()), nil
}

// RequestBlankingPause registers the calling client's wish to keep
// the display from blanking. The pause lapses unless renewed within
// the blanking pause period. Requests made while the display is not
// on, or while the lockscreen is active, are ignored.
func (m *Manager) RequestBlankingPause(sender dbus.Sender) *dbus.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stm.currentState() != StateOn || m.tklockActive {
		logger.Debugf("blanking pause from %s ignored", string(sender))
		return nil
	}
	err := m.timers.addPauseClient(string(sender))
	if err != nil {
		logger.Warning(err)
		return dbusutil.ToError(err)
	}
	m.afterStep()
	return nil
}

// CancelBlankingPause withdraws the calling client's blanking pause.
func (m *Manager) CancelBlankingPause(sender dbus.Sender) *dbus.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timers.removePauseClient(string(sender)) {
		m.afterStep()
	}
	return nil
}

// SPDX-FileCopyrightText: 2018 - 2022 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package display

import (
	"errors"
	"sync"
	"time"

	"github.com/nemomobile/mce/common/config"
)

var errTooManyPauseClients = errors.New("too many blanking pause clients")

// timerInputs snapshots the policy inputs the timer table depends on.
// The manager recomputes them on every re-arm.
type timerInputs struct {
	Charger          bool
	TklockActive     bool
	DeviceLockActive bool
	UseLpm           bool
	CallState        CallState
	ExceptionActive  bool
}

// blankingTimers arms at most one state timer at a time, derived from
// the settled display state: on -> dim, dim -> blank (or lpm-on when
// low power mode is in use), lpm-on -> lpm-off, lpm-off -> blank.
// Expiry is reported through the fire callback; the callback runs on
// the timer goroutine and must re-enter the manager itself.
type blankingTimers struct {
	mu   sync.Mutex
	cfg  func() *config.Settings
	fire func(kind timerKind)

	// scale maps setting seconds to wall time; tests shrink it.
	scale time.Duration

	timer *time.Timer
	kind  timerKind
	gen   uint64

	adaptiveIndex int
	adaptiveTimer *time.Timer
	adaptiveGen   uint64

	pauseClients map[string]bool
	pauseTimer   *time.Timer
	pauseGen     uint64
}

func newBlankingTimers(cfg func() *config.Settings, fire func(timerKind)) *blankingTimers {
	return &blankingTimers{
		cfg:          cfg,
		fire:         fire,
		scale:        time.Second,
		kind:         timerNone,
		pauseClients: make(map[string]bool),
	}
}

// rearm cancels the current state timer and arms the one the table
// selects for state, if any.
func (t *blankingTimers) rearm(state DisplayState, in timerInputs) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.disarmLocked()

	cfg := t.cfg()
	kind, secs := t.selectLocked(state, in, cfg)
	if kind == timerNone {
		return
	}
	t.armLocked(kind, secs)
}

// selectLocked implements the timer table. It returns timerNone when
// the state, settings or an active blanking pause leave the display
// as-is.
func (t *blankingTimers) selectLocked(state DisplayState, in timerInputs,
	cfg *config.Settings) (timerKind, int) {

	pauseMode := BlankingPauseMode(cfg.BlankingPauseMode)
	inhibit := InhibitMode(cfg.InhibitMode)
	pause := len(t.pauseClients) > 0 && pauseMode != BlankingPauseDisabled

	switch state {
	case StateOn:
		if cfg.NeverBlank {
			return timerNone, 0
		}
		// Alarms and other exceptional ui keep the display lit until
		// they are dismissed; an established call does not.
		if in.ExceptionActive && in.CallState != CallActive {
			return timerNone, 0
		}
		if in.CallState == CallRinging {
			return timerNone, 0
		}
		switch inhibit {
		case InhibitStayOn:
			return timerNone, 0
		case InhibitStayOnWithCharger:
			if in.Charger {
				return timerNone, 0
			}
		}
		// A locked device showing the display serves no one; skip the
		// dim stage and blank directly.
		if in.DeviceLockActive {
			return timerBlank, cfg.BlankTimeout
		}
		if pause && pauseMode == BlankingPauseKeepOn {
			return timerNone, 0
		}
		return timerDim, t.dimSecondsLocked(cfg)

	case StateDim:
		if cfg.NeverBlank || pause {
			return timerNone, 0
		}
		switch inhibit {
		case InhibitStayOn, InhibitStayDim:
			return timerNone, 0
		case InhibitStayOnWithCharger, InhibitStayDimWithCharger:
			if in.Charger {
				return timerNone, 0
			}
		}
		secs := cfg.BlankTimeout
		if in.TklockActive {
			secs = cfg.BlankFromLockscreenTimeout
		}
		if in.UseLpm {
			return timerLpmOn, secs
		}
		return timerBlank, secs

	case StateLpmOn:
		return timerLpmOff, cfg.BlankFromLpmOnTimeout

	case StateLpmOff:
		return timerBlank, cfg.BlankFromLpmOffTimeout
	}
	return timerNone, 0
}

// dimSecondsLocked returns the dim delay, stepped up the possible
// timeout list by the adaptive index when adaptive dimming is on.
func (t *blankingTimers) dimSecondsLocked(cfg *config.Settings) int {
	if !cfg.AdaptiveDimming || t.adaptiveIndex == 0 {
		return cfg.DimTimeout
	}
	list := cfg.PossibleDimTimeouts
	idx := cfg.DimTimeoutIndex() + t.adaptiveIndex
	if idx >= len(list) {
		idx = len(list) - 1
	}
	return list[idx]
}

// dimSeconds is dimSecondsLocked under lock, for callers outside the
// rearm path.
func (t *blankingTimers) dimSeconds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dimSecondsLocked(t.cfg())
}

// scaleDur converts a configured wall-clock duration into timer time,
// honoring the test scale.
func (t *blankingTimers) scaleDur(d time.Duration) time.Duration {
	if t.scale == time.Second {
		return d
	}
	return time.Duration(int64(d) / int64(time.Second) * int64(t.scale))
}

func (t *blankingTimers) armLocked(kind timerKind, secs int) {
	t.kind = kind
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(time.Duration(secs)*t.scale, func() {
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		t.kind = timerNone
		t.timer = nil
		t.mu.Unlock()
		t.fire(kind)
	})
	logger.Debugf("armed %s timer: %ds", kind, secs)
}

func (t *blankingTimers) disarmLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.kind = timerNone
	t.gen++
}

// disarm cancels the pending state timer, if any. The pause and
// adaptive timers run on regardless of transitions.
func (t *blankingTimers) disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disarmLocked()
}

// armedKind reports which state timer is pending, for introspection.
func (t *blankingTimers) armedKind() timerKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kind
}

// openAdaptiveWindow starts the period during which user activity
// counts as "dimmed too early". Called when the display dims.
func (t *blankingTimers) openAdaptiveWindow() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cfg := t.cfg()
	if !cfg.AdaptiveDimming {
		return
	}
	if t.adaptiveTimer != nil {
		t.adaptiveTimer.Stop()
	}
	t.adaptiveGen++
	gen := t.adaptiveGen
	t.adaptiveTimer = time.AfterFunc(
		t.scaleDur(cfg.AdaptiveDimmingThreshold), func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if gen != t.adaptiveGen {
				return
			}
			t.adaptiveTimer = nil
			t.adaptiveIndex = 0
		})
}

// noteActivity bumps the adaptive index if the window is still open:
// the user undid the dimming fast enough that the next one should
// come later.
func (t *blankingTimers) noteActivity() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.adaptiveTimer == nil {
		return
	}
	cfg := t.cfg()
	max := len(cfg.PossibleDimTimeouts) - 1 - cfg.DimTimeoutIndex()
	if t.adaptiveIndex < max {
		t.adaptiveIndex++
		logger.Debugf("adaptive dimming index: %d", t.adaptiveIndex)
	}
}

// addPauseClient registers a blanking pause on behalf of a bus client.
// A repeated add renews the period. The cap guards against leaking
// clients keeping the display on forever.
func (t *blankingTimers) addPauseClient(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.pauseClients[name] && len(t.pauseClients) >= maxBlankingPauseClients {
		return errTooManyPauseClients
	}
	t.pauseClients[name] = true
	t.armPauseLocked()
	return nil
}

// removePauseClient drops one client; reports whether the client held
// a pause.
func (t *blankingTimers) removePauseClient(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.pauseClients[name] {
		return false
	}
	delete(t.pauseClients, name)
	if len(t.pauseClients) == 0 {
		t.stopPauseLocked()
	}
	return true
}

// pauseActive reports whether any client currently holds a blanking
// pause and the configured mode honors it.
func (t *blankingTimers) pauseActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pauseClients) > 0 &&
		BlankingPauseMode(t.cfg().BlankingPauseMode) != BlankingPauseDisabled
}

func (t *blankingTimers) armPauseLocked() {
	if t.pauseTimer != nil {
		t.pauseTimer.Stop()
	}
	t.pauseGen++
	gen := t.pauseGen
	period := t.scaleDur(t.cfg().BlankingPausePeriod)
	t.pauseTimer = time.AfterFunc(period, func() {
		t.mu.Lock()
		if gen != t.pauseGen {
			t.mu.Unlock()
			return
		}
		// Clients that stop renewing lose the pause as a group.
		t.pauseClients = make(map[string]bool)
		t.pauseTimer = nil
		t.mu.Unlock()
		t.fire(timerPause)
	})
}

func (t *blankingTimers) stopPauseLocked() {
	if t.pauseTimer != nil {
		t.pauseTimer.Stop()
		t.pauseTimer = nil
	}
	t.pauseGen++
}

// stop cancels everything; used on shutdown.
func (t *blankingTimers) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disarmLocked()
	t.stopPauseLocked()
	if t.adaptiveTimer != nil {
		t.adaptiveTimer.Stop()
		t.adaptiveTimer = nil
	}
	t.adaptiveGen++
	t.pauseClients = make(map[string]bool)
}

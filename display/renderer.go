// SPDX-FileCopyrightText: 2018 - 2022 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package display

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/linuxdeepin/go-lib/procfs"

	"github.com/nemomobile/mce/common/config"
)

const (
	// compositorCallTimeout caps one setUpdatesEnabled round trip.
	// Generous on purpose: a compositor still starting up may take a
	// long while to answer, and unresponsiveness is handled by the
	// escalation timers, not the call timeout.
	compositorCallTimeout = 5 * time.Minute

	// Compositor unresponsiveness escalation: the stalled indicator
	// repeats with a halving delay down to a floor, and after the
	// configured core delay the compositor is dumped and killed.
	alertDelayStart = 120 * time.Second
	alertDelayMin   = 15 * time.Second
	killDelay       = 25 * time.Second
	verifyDelay     = 5 * time.Second
)

// compositorCaller issues one asynchronous setUpdatesEnabled call.
// The reply callback runs on an arbitrary goroutine.
type compositorCaller interface {
	Call(enabled bool, reply func(err error))
}

// processKiller abstracts the signals sent to a stuck compositor.
type processKiller interface {
	Kill(pid int, sig syscall.Signal) error
	Exists(pid int) bool
	TracerPid(pid int) int
}

// ledIndicator drives the notification pattern used while the
// compositor is not answering.
type ledIndicator interface {
	Activate(pattern string)
	Deactivate(pattern string)
}

type nullIndicator struct{}

func (nullIndicator) Activate(pattern string)   {}
func (nullIndicator) Deactivate(pattern string) {}

// rendererCoordinator owns the ipc handshake with the compositor and
// the escalation that follows when it stops replying. The state
// machine only sees Available/State/RequestState; replies come back
// through the notify callback, which must re-enter the manager.
type rendererCoordinator struct {
	mu sync.Mutex

	caller    compositorCaller
	killer    processKiller
	indicator ledIndicator
	cfg       func() *config.Settings
	notify    func()

	available bool
	pid       int
	state     RendererState

	// gen invalidates replies from a superseded request or a vanished
	// compositor. escGen does the same for escalation steps, which
	// outlive individual requests: error replies and the retries they
	// trigger must not reset the clock on a hung compositor.
	gen    uint64
	escGen uint64

	escalating  bool
	alertDelay  time.Duration
	killDelay   time.Duration
	verifyDelay time.Duration
	alertTimer  *time.Timer
	coreTimer   *time.Timer
	killTimer   *time.Timer
	verifyTimer *time.Timer
}

func newRendererCoordinator(caller compositorCaller, killer processKiller,
	indicator ledIndicator, cfg func() *config.Settings, notify func()) *rendererCoordinator {
	if killer == nil {
		killer = realKiller{}
	}
	if indicator == nil {
		indicator = nullIndicator{}
	}
	return &rendererCoordinator{
		caller:      caller,
		killer:      killer,
		indicator:   indicator,
		cfg:         cfg,
		notify:      notify,
		state:       RendererUnknown,
		alertDelay:  alertDelayStart,
		killDelay:   killDelay,
		verifyDelay: verifyDelay,
	}
}

func (r *rendererCoordinator) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available
}

func (r *rendererCoordinator) State() RendererState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *rendererCoordinator) SetStateDirect(state RendererState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}

// setOwner records a compositor name owner change. Losing or swapping
// the owner aborts any escalation in flight against the old process
// and invalidates pending replies.
func (r *rendererCoordinator) setOwner(hasOwner bool, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen++
	if r.escalating {
		r.indicator.Deactivate(patternCompositorStalled)
	}
	r.cancelEscalationLocked()
	r.available = hasOwner
	r.pid = pid
	r.state = RendererUnknown
	if hasOwner {
		logger.Infof("compositor appeared, pid %d", pid)
	} else {
		logger.Info("compositor left the bus")
	}
}

// RequestState asks the compositor to enable or disable drawing. The
// acknowledged state resets to unknown until a reply arrives; a
// request issued while one is pending supersedes it.
func (r *rendererCoordinator) RequestState(enabled bool) {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.state = RendererUnknown
	r.startEscalationLocked()
	r.mu.Unlock()

	logger.Debugf("setUpdatesEnabled(%v)", enabled)
	r.caller.Call(enabled, func(err error) {
		r.handleReply(gen, enabled, err)
	})
}

func (r *rendererCoordinator) handleReply(gen uint64, enabled bool, err error) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	if err != nil {
		// Errors do not end the escalation: the call timeout shows up
		// here too, and a hung compositor answers every retry with it.
		logger.Warningf("setUpdatesEnabled(%v) failed: %v", enabled, err)
		r.state = RendererError
	} else {
		r.cancelEscalationLocked()
		r.alertDelay = alertDelayStart
		r.indicator.Deactivate(patternCompositorStalled)
		if enabled {
			r.state = RendererEnabled
		} else {
			r.state = RendererDisabled
		}
	}
	r.mu.Unlock()

	r.notify()
}

// startEscalationLocked arms the stalled-compositor indicator and, if
// killing is enabled, the core dump step. A running escalation is left
// alone, so retries against an unresponsive compositor keep the
// original deadlines.
func (r *rendererCoordinator) startEscalationLocked() {
	if r.escalating {
		return
	}
	r.escalating = true
	gen := r.escGen

	r.alertTimer = time.AfterFunc(r.alertDelay, func() { r.onAlert(gen) })

	coreDelay := r.cfg().CompositorCoreDelay
	if coreDelay > 0 && r.pid > 0 {
		r.coreTimer = time.AfterFunc(coreDelay, func() { r.onCore(gen) })
	}
}

func (r *rendererCoordinator) cancelEscalationLocked() {
	r.escGen++
	r.escalating = false
	for _, t := range []**time.Timer{&r.alertTimer, &r.coreTimer, &r.killTimer, &r.verifyTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

func (r *rendererCoordinator) onAlert(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.escGen {
		return
	}
	logger.Warningf("compositor not responding for %s", r.alertDelay)
	r.indicator.Activate(patternCompositorStalled)
	if r.alertDelay > alertDelayMin {
		r.alertDelay /= 2
		if r.alertDelay < alertDelayMin {
			r.alertDelay = alertDelayMin
		}
	}
	r.alertTimer = time.AfterFunc(r.alertDelay, func() { r.onAlert(gen) })
}

func (r *rendererCoordinator) onCore(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.escGen {
		return
	}
	if tracer := r.killer.TracerPid(r.pid); tracer > 0 {
		// A debugger holds the compositor; killing it would only
		// sabotage whoever is attached.
		logger.Infof("compositor pid %d traced by %d, not killing", r.pid, tracer)
		return
	}
	logger.Warningf("dumping core of stuck compositor, pid %d", r.pid)
	err := r.killer.Kill(r.pid, syscall.SIGQUIT)
	if err != nil {
		logger.Warning("failed to signal compositor:", err)
	}
	pid := r.pid
	r.killTimer = time.AfterFunc(r.killDelay, func() { r.onKill(gen, pid) })
}

func (r *rendererCoordinator) onKill(gen uint64, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.escGen {
		return
	}
	logger.Warningf("killing stuck compositor, pid %d", pid)
	err := r.killer.Kill(pid, syscall.SIGKILL)
	if err != nil {
		logger.Warning("failed to kill compositor:", err)
	}
	r.verifyTimer = time.AfterFunc(r.verifyDelay, func() { r.onVerify(gen, pid) })
}

func (r *rendererCoordinator) onVerify(gen uint64, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.escGen {
		return
	}
	if r.killer.Exists(pid) {
		logger.Errorf("compositor pid %d survived SIGKILL", pid)
	}
}

// stop cancels the escalation timers; used on shutdown. Pending
// replies still apply so that a final unblank can complete.
func (r *rendererCoordinator) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelEscalationLocked()
}

// realKiller signals real processes and inspects them through procfs.
type realKiller struct{}

func (realKiller) Kill(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

func (realKiller) Exists(pid int) bool {
	return procfs.Process(pid).Exist()
}

func (realKiller) TracerPid(pid int) int {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		tracer, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "TracerPid:")))
		if err != nil {
			return 0
		}
		return tracer
	}
	return 0
}

// dbusCompositor calls the compositor's setUpdatesEnabled method over
// the bus.
type dbusCompositor struct {
	obj dbus.BusObject
}

func newDbusCompositor(conn *dbus.Conn) *dbusCompositor {
	return &dbusCompositor{
		obj: conn.Object(compositorService, dbus.ObjectPath(compositorPath)),
	}
}

func (c *dbusCompositor) Call(enabled bool, reply func(err error)) {
	ctx, cancel := context.WithTimeout(context.Background(), compositorCallTimeout)
	ch := make(chan *dbus.Call, 1)
	c.obj.GoWithContext(ctx, compositorMethod, 0, ch, enabled)
	go func() {
		defer cancel()
		call := <-ch
		reply(call.Err)
	}()
}

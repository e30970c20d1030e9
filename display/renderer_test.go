// SPDX-FileCopyrightText: 2018 - 2022 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package display

import (
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemomobile/mce/common/config"
)

type fakeCall struct {
	enabled bool
	reply   func(error)
}

type fakeCaller struct {
	mu      sync.Mutex
	pending []fakeCall
}

func (c *fakeCaller) Call(enabled bool, reply func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, fakeCall{enabled: enabled, reply: reply})
}

// replyNext acknowledges the oldest outstanding call.
func (c *fakeCaller) replyNext(t *testing.T, err error) {
	t.Helper()
	c.mu.Lock()
	require.NotEmpty(t, c.pending)
	call := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()
	call.reply(err)
}

type fakeKiller struct {
	mu      sync.Mutex
	signals []syscall.Signal
	pids    []int
	tracer  int
	alive   bool
	ch      chan syscall.Signal
}

func newFakeKiller() *fakeKiller {
	return &fakeKiller{ch: make(chan syscall.Signal, 8)}
}

func (k *fakeKiller) Kill(pid int, sig syscall.Signal) error {
	k.mu.Lock()
	k.signals = append(k.signals, sig)
	k.pids = append(k.pids, pid)
	k.mu.Unlock()
	k.ch <- sig
	return nil
}

func (k *fakeKiller) Exists(pid int) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.alive
}

func (k *fakeKiller) TracerPid(pid int) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tracer
}

func (k *fakeKiller) wait(t *testing.T, sig syscall.Signal) {
	t.Helper()
	select {
	case got := <-k.ch:
		require.Equal(t, sig, got)
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for signal %v", sig)
	}
}

func (k *fakeKiller) signalCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.signals)
}

type fakeIndicator struct {
	mu          sync.Mutex
	activates   int
	deactivates int
}

func (i *fakeIndicator) Activate(pattern string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.activates++
}

func (i *fakeIndicator) Deactivate(pattern string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.deactivates++
}

type rendererFixture struct {
	r         *rendererCoordinator
	caller    *fakeCaller
	killer    *fakeKiller
	indicator *fakeIndicator
	cfg       *config.Settings

	mu       sync.Mutex
	notified int
}

func newRendererFixture() *rendererFixture {
	f := &rendererFixture{
		caller:    &fakeCaller{},
		killer:    newFakeKiller(),
		indicator: &fakeIndicator{},
		cfg:       config.Default(),
	}
	f.r = newRendererCoordinator(f.caller, f.killer, f.indicator,
		func() *config.Settings { return f.cfg },
		func() {
			f.mu.Lock()
			f.notified++
			f.mu.Unlock()
		})
	return f
}

func (f *rendererFixture) notifyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notified
}

func TestRendererReplySetsState(t *testing.T) {
	f := newRendererFixture()
	defer f.r.stop()

	f.r.RequestState(true)
	assert.Equal(t, RendererUnknown, f.r.State())

	f.caller.replyNext(t, nil)
	assert.Equal(t, RendererEnabled, f.r.State())
	assert.Equal(t, 1, f.notifyCount())

	f.r.RequestState(false)
	f.caller.replyNext(t, nil)
	assert.Equal(t, RendererDisabled, f.r.State())
	assert.Equal(t, 2, f.notifyCount())
}

func TestRendererErrorReply(t *testing.T) {
	f := newRendererFixture()
	defer f.r.stop()

	f.r.RequestState(true)
	f.caller.replyNext(t, errors.New("no reply"))

	assert.Equal(t, RendererError, f.r.State())
	assert.Equal(t, 1, f.notifyCount())
}

func TestRendererStaleReplyIgnored(t *testing.T) {
	f := newRendererFixture()
	defer f.r.stop()

	f.r.RequestState(true)
	f.r.RequestState(false)

	// The superseded enable reply must not overwrite the state the
	// later disable request is waiting on.
	f.caller.replyNext(t, nil)
	assert.Equal(t, RendererUnknown, f.r.State())
	assert.Zero(t, f.notifyCount())

	f.caller.replyNext(t, nil)
	assert.Equal(t, RendererDisabled, f.r.State())
	assert.Equal(t, 1, f.notifyCount())
}

func TestRendererOwnerChangeInvalidatesReply(t *testing.T) {
	f := newRendererFixture()
	defer f.r.stop()

	f.r.setOwner(true, 100)
	f.r.RequestState(true)
	f.r.setOwner(true, 200)

	f.caller.replyNext(t, nil)
	assert.Equal(t, RendererUnknown, f.r.State())
	assert.Zero(t, f.notifyCount())
}

func TestRendererKillChain(t *testing.T) {
	f := newRendererFixture()
	f.cfg.CompositorCoreDelay = 5 * time.Millisecond
	f.r.killDelay = 5 * time.Millisecond
	f.r.verifyDelay = 5 * time.Millisecond
	defer f.r.stop()

	f.r.setOwner(true, 4242)
	f.r.RequestState(true)

	// First a core dump request, then the kill.
	f.killer.wait(t, syscall.SIGQUIT)
	f.killer.wait(t, syscall.SIGKILL)
	f.killer.mu.Lock()
	assert.Equal(t, []int{4242, 4242}, f.killer.pids)
	f.killer.mu.Unlock()
}

func TestRendererKillChainDisabled(t *testing.T) {
	f := newRendererFixture()
	f.cfg.CompositorCoreDelay = 0
	defer f.r.stop()

	f.r.setOwner(true, 4242)
	f.r.RequestState(true)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.killer.signalCount())
}

func TestRendererDebuggerSuppressesKill(t *testing.T) {
	f := newRendererFixture()
	f.cfg.CompositorCoreDelay = 5 * time.Millisecond
	f.killer.tracer = 7
	defer f.r.stop()

	f.r.setOwner(true, 4242)
	f.r.RequestState(true)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.killer.signalCount())
}

func TestRendererReplyCancelsKillChain(t *testing.T) {
	f := newRendererFixture()
	f.cfg.CompositorCoreDelay = 50 * time.Millisecond
	defer f.r.stop()

	f.r.setOwner(true, 4242)
	f.r.RequestState(true)
	f.caller.replyNext(t, nil)

	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, f.killer.signalCount())
	f.indicator.mu.Lock()
	defer f.indicator.mu.Unlock()
	assert.Equal(t, 1, f.indicator.deactivates)
}

func TestRendererErrorRepliesKeepEscalation(t *testing.T) {
	f := newRendererFixture()
	f.cfg.CompositorCoreDelay = 40 * time.Millisecond
	defer f.r.stop()

	f.r.setOwner(true, 4242)
	f.r.RequestState(true)

	// A hung compositor answers every retry with the call timeout
	// error; the core dump deadline must survive those rounds instead
	// of restarting with each new request.
	for i := 0; i < 10; i++ {
		f.caller.replyNext(t, errors.New("call timed out"))
		f.r.RequestState(true)
		time.Sleep(10 * time.Millisecond)
	}

	f.killer.wait(t, syscall.SIGQUIT)
	assert.Equal(t, 1, f.killer.signalCount())
}

func TestRendererOwnerLossAbortsKillChain(t *testing.T) {
	f := newRendererFixture()
	f.cfg.CompositorCoreDelay = 20 * time.Millisecond
	defer f.r.stop()

	f.r.setOwner(true, 4242)
	f.r.RequestState(true)
	f.r.setOwner(false, 0)

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, f.killer.signalCount())
	assert.False(t, f.r.Available())
}

func TestRendererAlertDelayHalvesToFloor(t *testing.T) {
	f := newRendererFixture()
	defer f.r.stop()

	f.r.mu.Lock()
	gen := f.r.escGen
	f.r.mu.Unlock()

	delays := []time.Duration{
		60 * time.Second,
		30 * time.Second,
		15 * time.Second,
		15 * time.Second,
	}
	for _, want := range delays {
		f.r.onAlert(gen)
		f.r.mu.Lock()
		assert.Equal(t, want, f.r.alertDelay)
		f.r.mu.Unlock()
	}

	f.indicator.mu.Lock()
	assert.Equal(t, len(delays), f.indicator.activates)
	f.indicator.mu.Unlock()
}

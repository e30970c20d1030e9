// SPDX-FileCopyrightText: 2018 - 2022 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package fbdev tracks and controls the frame buffer power state.
//
// On kernels that expose the early suspend notification files the
// Monitor owns a worker goroutine that blocks on them and reports each
// wake/sleep transition over a channel; the frame buffer itself is
// then powered down by the kernel once wakelocks are released. On
// kernels without the notification files the Device fallback drives
// the frame buffer directly with the blanking ioctl and trusts its
// synchronous return value.
package fbdev

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/linuxdeepin/go-lib/log"
	dutils "github.com/linuxdeepin/go-lib/utils"
	"golang.org/x/sys/unix"
)

var logger = log.NewLogger("mce/fbdev")

const (
	defaultWakePath  = "/sys/power/wait_for_fb_wake"
	defaultSleepPath = "/sys/power/wait_for_fb_sleep"
	defaultDevice    = "/dev/fb0"

	// FBIOBLANK ioctl and the blank levels used with it, from
	// linux/fb.h.
	fbioBlank        = 0x4611
	fbBlankUnblank   = 0
	fbBlankPowerdown = 4

	stopGracePeriod = 500 * time.Millisecond
)

// ErrNotAvailable is returned by Start when the kernel does not
// provide the wait-for-wake/sleep notification files.
var ErrNotAvailable = errors.New("fbdev: suspend notification files not available")

// FrameBuffer is the view the display state machine has of the frame
// buffer: whether transitions are tracked asynchronously, whether it
// is currently suspended, and a direct power toggle that is a no-op on
// the tracked path.
type FrameBuffer interface {
	Tracked() bool
	Suspended() bool
	SetPower(on bool)
}

// Monitor implements FrameBuffer on top of the kernel notification
// files. A single worker alternates between blocking on the wake file
// and the sleep file; each completed wait is forwarded as one event.
// The worker never touches Monitor state itself.
type Monitor struct {
	WakePath  string
	SleepPath string

	notify func(suspended bool)

	mu        sync.Mutex
	suspended bool
	curr      *os.File
	stopped   bool

	events chan bool
	done   chan struct{}
}

func NewMonitor(notify func(suspended bool)) *Monitor {
	return &Monitor{
		WakePath:  defaultWakePath,
		SleepPath: defaultSleepPath,
		notify:    notify,
	}
}

// Start spawns the worker. It fails with ErrNotAvailable when the
// notification files are missing, in which case the caller should fall
// back to direct frame buffer control.
func (m *Monitor) Start() error {
	if !dutils.IsFileExist(m.WakePath) || !dutils.IsFileExist(m.SleepPath) {
		return ErrNotAvailable
	}
	m.events = make(chan bool, 4)
	m.done = make(chan struct{})
	go m.worker()
	go m.dispatch()
	return nil
}

// Stop asks the worker to quit and waits for it with a short grace
// period. A worker stuck in a kernel wait is abandoned; it holds no
// state anybody else reads.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	if m.curr != nil {
		_ = m.curr.Close()
	}
	m.mu.Unlock()

	select {
	case <-m.done:
	case <-time.After(stopGracePeriod):
		logger.Warning("frame buffer wait worker did not stop in time")
	}
}

func (m *Monitor) Tracked() bool { return true }

func (m *Monitor) Suspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended
}

// SetPower is a no-op: on the tracked path frame buffer power is
// driven by the kernel suspend machinery, not by mce.
func (m *Monitor) SetPower(on bool) {}

func (m *Monitor) worker() {
	defer close(m.events)
	for {
		// Power-up comes first: the display is undefined at
		// startup and the first observable transition is the
		// frame buffer waking.
		if !m.waitFor(m.WakePath) {
			return
		}
		m.events <- false
		if !m.waitFor(m.SleepPath) {
			return
		}
		m.events <- true
	}
}

// waitFor opens path and performs one blocking read on it. The return
// of the read is the kernel's transition notification. Returns false
// once the monitor is stopping or the wait file has become unusable.
func (m *Monitor) waitFor(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		logger.Warning(err)
		return false
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = f.Close()
		return false
	}
	m.curr = f
	m.mu.Unlock()

	var buf [32]byte
	_, err = f.Read(buf[:])

	m.mu.Lock()
	m.curr = nil
	stopped := m.stopped
	m.mu.Unlock()

	_ = f.Close()
	if stopped {
		return false
	}
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		logger.Warning(err)
		// A read error on a wait file means the kernel side is
		// gone; give up rather than spin.
		return false
	}
	return true
}

func (m *Monitor) dispatch() {
	defer close(m.done)
	for suspended := range m.events {
		m.mu.Lock()
		m.suspended = suspended
		m.mu.Unlock()
		if suspended {
			logger.Debug("frame buffer sleep")
		} else {
			logger.Debug("frame buffer wake")
		}
		if m.notify != nil {
			m.notify(suspended)
		}
	}
}

// Device implements FrameBuffer with the blocking FBIOBLANK ioctl on
// the frame buffer device node. There is no worker; the ioctl's
// synchronous return is taken as the suspend/resume acknowledgment.
type Device struct {
	Path string

	mu        sync.Mutex
	file      *os.File
	suspended bool
}

func NewDevice() *Device {
	return &Device{Path: defaultDevice}
}

// Open opens the frame buffer device node. Keeping the descriptor open
// also keeps the frame buffer from powering off when other users close
// theirs.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		return nil
	}
	f, err := os.OpenFile(d.Path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	d.file = f
	return nil
}

func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		_ = d.file.Close()
		d.file = nil
	}
}

func (d *Device) Tracked() bool { return false }

func (d *Device) Suspended() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suspended
}

// SetPower blanks or unblanks the frame buffer. On ioctl failure the
// power state is assumed unchanged.
func (d *Device) SetPower(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		logger.Warning("frame buffer device not open")
		return
	}
	value := fbBlankPowerdown
	if on {
		value = fbBlankUnblank
	}
	err := unix.IoctlSetInt(int(d.file.Fd()), fbioBlank, value)
	if err != nil {
		logger.Warningf("%s: ioctl(FBIOBLANK, %d): %v", d.Path, value, err)
		return
	}
	d.suspended = !on
}

// Setup picks the best available frame buffer control path: the
// notification file monitor when the kernel provides one, the ioctl
// device otherwise. The notify callback only fires on the monitor
// path. Returns nil when neither path is usable; display power is then
// assumed to follow the compositor.
func Setup(notify func(suspended bool)) FrameBuffer {
	mon := NewMonitor(notify)
	err := mon.Start()
	if err == nil {
		logger.Info("using suspend notification files for fb tracking")
		return mon
	}
	logger.Debug(err)

	dev := NewDevice()
	err = dev.Open()
	if err == nil {
		logger.Info("using ioctl for fb power control")
		return dev
	}
	logger.Warning("no fb power control available:", err)
	return nil
}

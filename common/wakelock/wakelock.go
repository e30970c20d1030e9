// SPDX-FileCopyrightText: 2018 - 2022 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wakelock

import (
	"fmt"
	"os"
	"sync"

	"github.com/linuxdeepin/go-lib/log"
	dutils "github.com/linuxdeepin/go-lib/utils"
)

var logger = log.NewLogger("mce/wakelock")

const (
	defaultLockPath   = "/sys/power/wake_lock"
	defaultUnlockPath = "/sys/power/wake_unlock"
	defaultStatePath  = "/sys/power/state"
)

// Wakelock writes to the kernel wakelock sysfs interface. All methods
// are no-ops when the interface is not present, so callers do not need
// to care whether the kernel has been built with wakelock support.
type Wakelock struct {
	LockPath   string
	UnlockPath string
	StatePath  string

	mu           sync.Mutex
	checked      bool
	enabled      bool
	shuttingDown bool
}

func New() *Wakelock {
	return &Wakelock{
		LockPath:   defaultLockPath,
		UnlockPath: defaultUnlockPath,
		StatePath:  defaultStatePath,
	}
}

func (w *Wakelock) available() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.checked {
		w.checked = true
		w.enabled = dutils.IsFileExist(w.LockPath)
		if !w.enabled {
			logger.Debug("wakelock sysfs interface not available")
		}
	}
	return w.enabled
}

// write replaces the attribute's contents. Truncation is a no-op on
// sysfs attributes but keeps writes to regular files well defined.
func (w *Wakelock) write(path, data string) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		logger.Warning(err)
		return
	}
	defer f.Close()
	_, err = f.WriteString(data)
	if err != nil {
		logger.Warningf("write %q to %s: %v", data, path, err)
	}
}

// Lock acquires the named wakelock without a timeout.
func (w *Wakelock) Lock(name string) {
	if !w.available() || w.isShuttingDown() {
		return
	}
	w.write(w.LockPath, name+"\n")
}

// LockTimed acquires the named wakelock that the kernel releases
// automatically after ns nanoseconds.
func (w *Wakelock) LockTimed(name string, ns int64) {
	if !w.available() || w.isShuttingDown() {
		return
	}
	w.write(w.LockPath, fmt.Sprintf("%s %d\n", name, ns))
}

// Unlock releases the named wakelock. The kernel side bookkeeping for
// the name remains; releasing a lock that is not held is harmless.
func (w *Wakelock) Unlock(name string) {
	if !w.available() {
		return
	}
	w.write(w.UnlockPath, name+"\n")
}

// AllowSuspend lets the kernel enter autosleep once the last wakelock
// is released.
func (w *Wakelock) AllowSuspend() {
	if !w.available() || w.isShuttingDown() {
		return
	}
	w.write(w.StatePath, "mem\n")
}

// BlockSuspend keeps the device from suspending regardless of
// wakelock state.
func (w *Wakelock) BlockSuspend() {
	if !w.available() {
		return
	}
	w.write(w.StatePath, "on\n")
}

// BlockSuspendUntilExit blocks suspend and latches the shutdown flag so
// that nothing re-enables autosleep while the daemon is on its exit
// path.
func (w *Wakelock) BlockSuspendUntilExit() {
	w.mu.Lock()
	w.shuttingDown = true
	w.mu.Unlock()
	w.BlockSuspend()
}

func (w *Wakelock) isShuttingDown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shuttingDown
}

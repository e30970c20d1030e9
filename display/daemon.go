// SPDX-FileCopyrightText: 2018 - 2022 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package display

import (
	ofdbus "github.com/linuxdeepin/go-dbus-factory/system/org.freedesktop.dbus"
	"github.com/linuxdeepin/go-lib/dbusutil"
	"github.com/linuxdeepin/go-lib/dbusutil/proxy"

	"github.com/nemomobile/mce/common/config"
	"github.com/nemomobile/mce/common/wakelock"
	"github.com/nemomobile/mce/fbdev"
)

// DefaultConfigPath is where the display settings keyfile lives on a
// device image.
const DefaultConfigPath = "/etc/mce/display.ini"

// Daemon is the composition root: it owns the bus service, the config
// watcher and the hardware interfaces, and wires them into a Manager.
type Daemon struct {
	service *dbusutil.Service
	manager *Manager

	wakelock   *wakelock.Wakelock
	fb         fbdev.FrameBuffer
	cfgWatcher *config.Watcher

	dbusDaemon ofdbus.DBus
	sigLoop    *dbusutil.SignalLoop

	configPath string
}

func NewDaemon(service *dbusutil.Service, configPath string) *Daemon {
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	return &Daemon{
		service:    service,
		configPath: configPath,
	}
}

func (d *Daemon) Start() error {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		logger.Warning("failed to load settings, using defaults:", err)
		cfg = config.Default()
	}

	d.wakelock = wakelock.New()

	// The frame buffer waiter needs the event sink before the manager
	// exists; forward through the daemon.
	d.fb = fbdev.Setup(func(suspended bool) {
		if m := d.manager; m != nil {
			m.onFbEvent(suspended)
		}
	})

	d.manager = newManager(d.service, cfg, d.wakelock, d.fb,
		newDbusCompositor(d.service.Conn()), nil, nil, nil)

	err = d.service.Export(dbusPath, d.manager)
	if err != nil {
		return err
	}
	err = d.service.RequestName(dbusServiceName)
	if err != nil {
		return err
	}

	d.sigLoop = dbusutil.NewSignalLoop(d.service.Conn(), 10)
	d.sigLoop.Start()
	d.dbusDaemon = ofdbus.NewDBus(d.service.Conn())
	d.dbusDaemon.InitSignalExt(d.sigLoop, true)
	_, err = d.dbusDaemon.ConnectNameOwnerChanged(d.handleNameOwnerChanged)
	if err != nil {
		logger.Warning(err)
	}

	// Pick up a compositor already on the bus.
	owner, err := d.dbusDaemon.GetNameOwner(0, compositorService)
	if err == nil && owner != "" {
		d.manager.onCompositorChanged(true, d.ownerPid(owner))
	}

	d.cfgWatcher, err = config.NewWatcher(d.configPath, d.manager.setSettings)
	if err != nil {
		logger.Warning("settings watcher unavailable:", err)
	}

	// Early boot is handled by the bootloader splash; by the time
	// this service starts the ui side owns the display.
	d.manager.SetBootupDone(true)

	d.manager.request(StateOn)
	return nil
}

func (d *Daemon) handleNameOwnerChanged(name, oldOwner, newOwner string) {
	if name == compositorService {
		hasOwner := newOwner != ""
		pid := 0
		if hasOwner {
			pid = d.ownerPid(newOwner)
		}
		d.manager.onCompositorChanged(hasOwner, pid)
		return
	}
	// A unique name disappearing may be a blanking pause client.
	if name == oldOwner && newOwner == "" {
		d.manager.onNameLost(name)
	}
}

func (d *Daemon) ownerPid(owner string) int {
	pid, err := d.service.GetConnPID(owner)
	if err != nil {
		logger.Warning("failed to get compositor pid:", err)
		return 0
	}
	return int(pid)
}

// Manager exposes the manager for in-process callers feeding policy
// inputs (call state, charger, lock state and the like).
func (d *Daemon) Manager() *Manager {
	return d.manager
}

func (d *Daemon) Stop() {
	if d.manager != nil {
		d.manager.stop()
	}
	if d.cfgWatcher != nil {
		_ = d.cfgWatcher.Close()
	}
	if d.dbusDaemon != nil {
		d.dbusDaemon.RemoveHandler(proxy.RemoveAllHandlers)
	}
	if d.sigLoop != nil {
		d.sigLoop.Stop()
	}
	switch fb := d.fb.(type) {
	case *fbdev.Monitor:
		fb.Stop()
	case *fbdev.Device:
		fb.Close()
	}
	if d.wakelock != nil {
		// The display is back on by now; keep the cpu awake through
		// process exit so a respawned instance starts from a sane
		// suspend state.
		d.wakelock.BlockSuspendUntilExit()
	}
}

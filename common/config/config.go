// SPDX-FileCopyrightText: 2018 - 2022 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads the display power settings from an ini style
// configuration file and reports changes to it. Out of range values
// are clamped to the nearest supported value instead of being treated
// as errors.
package config

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/linuxdeepin/go-lib/keyfile"
	"github.com/linuxdeepin/go-lib/log"
)

var logger = log.NewLogger("mce/config")

const (
	groupDisplay = "Display"

	keyDimTimeout             = "DimTimeout"
	keyDimTimeoutList         = "PossibleDimTimeouts"
	keyBlankTimeout           = "BlankTimeout"
	keyBlankFromLockscreen    = "BlankFromLockscreenTimeout"
	keyBlankFromLpmOn         = "BlankFromLpmOnTimeout"
	keyBlankFromLpmOff        = "BlankFromLpmOffTimeout"
	keyAdaptiveDimming        = "AdaptiveDimming"
	keyAdaptiveDimmingTrigger = "AdaptiveDimmingThreshold"
	keyNeverBlank             = "NeverBlank"
	keyInhibitMode            = "InhibitMode"
	keyBlankingPauseMode      = "BlankingPauseMode"
	keyUseLowPowerMode        = "UseLowPowerMode"
	keyBlankingPausePeriod    = "BlankingPausePeriod"
	keySuspendPolicy          = "AutosuspendPolicy"
	keyCompositorCoreDelay    = "CompositorCoreDumpDelay"
)

// Settings is a read-only snapshot of the display configuration. The
// enum-valued entries are kept as plain ints here; the display package
// owns the enum types and validates the values it consumes.
type Settings struct {
	DimTimeout          int   // [s]
	PossibleDimTimeouts []int // sorted, [s]

	BlankTimeout               int // [s]
	BlankFromLockscreenTimeout int // [s]
	BlankFromLpmOnTimeout      int // [s]
	BlankFromLpmOffTimeout     int // [s]

	AdaptiveDimming          bool
	AdaptiveDimmingThreshold time.Duration

	NeverBlank          bool
	InhibitMode         int
	BlankingPauseMode   int
	BlankingPausePeriod time.Duration
	UseLowPowerMode     bool

	SuspendPolicy       int
	CompositorCoreDelay time.Duration
}

// Default returns the built-in configuration used when no file is
// present or a key is missing.
func Default() *Settings {
	return &Settings{
		DimTimeout:                 30,
		PossibleDimTimeouts:        []int{15, 30, 60, 120, 600},
		BlankTimeout:               3,
		BlankFromLockscreenTimeout: 10,
		BlankFromLpmOnTimeout:      5,
		BlankFromLpmOffTimeout:     5,
		AdaptiveDimming:            true,
		AdaptiveDimmingThreshold:   10 * time.Second,
		NeverBlank:                 false,
		InhibitMode:                0,
		BlankingPauseMode:          1,
		BlankingPausePeriod:        60 * time.Second,
		UseLowPowerMode:            false,
		SuspendPolicy:              1,
		CompositorCoreDelay:        30 * time.Second,
	}
}

// Load reads the configuration file at path, filling in defaults for
// keys that are absent or malformed. A missing file yields the
// defaults and no error.
func Load(path string) (*Settings, error) {
	s := Default()
	kf := keyfile.NewKeyFile()
	err := kf.LoadFromFile(path)
	if err != nil {
		logger.Debugf("load %s: %v, using defaults", path, err)
		return s, nil
	}

	s.DimTimeout = getInt(kf, keyDimTimeout, s.DimTimeout)
	if list := getIntList(kf, keyDimTimeoutList); len(list) > 0 {
		sort.Ints(list)
		s.PossibleDimTimeouts = list
	}
	s.BlankTimeout = getInt(kf, keyBlankTimeout, s.BlankTimeout)
	s.BlankFromLockscreenTimeout = getInt(kf, keyBlankFromLockscreen, s.BlankFromLockscreenTimeout)
	s.BlankFromLpmOnTimeout = getInt(kf, keyBlankFromLpmOn, s.BlankFromLpmOnTimeout)
	s.BlankFromLpmOffTimeout = getInt(kf, keyBlankFromLpmOff, s.BlankFromLpmOffTimeout)
	s.AdaptiveDimming = getBool(kf, keyAdaptiveDimming, s.AdaptiveDimming)
	s.AdaptiveDimmingThreshold = getSeconds(kf, keyAdaptiveDimmingTrigger, s.AdaptiveDimmingThreshold)
	s.NeverBlank = getBool(kf, keyNeverBlank, s.NeverBlank)
	s.InhibitMode = clampInt(getInt(kf, keyInhibitMode, s.InhibitMode), 0, 4)
	s.BlankingPauseMode = clampInt(getInt(kf, keyBlankingPauseMode, s.BlankingPauseMode), 0, 2)
	s.BlankingPausePeriod = getSeconds(kf, keyBlankingPausePeriod, s.BlankingPausePeriod)
	s.UseLowPowerMode = getBool(kf, keyUseLowPowerMode, s.UseLowPowerMode)
	s.SuspendPolicy = clampInt(getInt(kf, keySuspendPolicy, s.SuspendPolicy), 0, 2)
	s.CompositorCoreDelay = getSeconds(kf, keyCompositorCoreDelay, s.CompositorCoreDelay)

	s.clampTimeouts()
	return s, nil
}

// DimTimeoutIndex returns the index of the configured dim timeout in
// the sorted timeout list. Values between entries resolve to the
// nearest smaller entry.
func (s *Settings) DimTimeoutIndex() int {
	idx := 0
	for i, v := range s.PossibleDimTimeouts {
		if v <= s.DimTimeout {
			idx = i
		}
	}
	return idx
}

func (s *Settings) clampTimeouts() {
	if len(s.PossibleDimTimeouts) == 0 {
		s.PossibleDimTimeouts = Default().PossibleDimTimeouts
	}
	min := s.PossibleDimTimeouts[0]
	max := s.PossibleDimTimeouts[len(s.PossibleDimTimeouts)-1]
	s.DimTimeout = clampInt(s.DimTimeout, min, max)
	if s.BlankTimeout < 1 {
		s.BlankTimeout = 1
	}
	if s.BlankFromLpmOnTimeout < 1 {
		s.BlankFromLpmOnTimeout = 1
	}
	if s.BlankFromLpmOffTimeout < 1 {
		s.BlankFromLpmOffTimeout = 1
	}
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getInt(kf *keyfile.KeyFile, key string, def int) int {
	v, err := kf.GetInt(groupDisplay, key)
	if err != nil {
		return def
	}
	return v
}

func getBool(kf *keyfile.KeyFile, key string, def bool) bool {
	v, err := kf.GetBool(groupDisplay, key)
	if err != nil {
		return def
	}
	return v
}

func getSeconds(kf *keyfile.KeyFile, key string, def time.Duration) time.Duration {
	v, err := kf.GetInt(groupDisplay, key)
	if err != nil || v < 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

func getIntList(kf *keyfile.KeyFile, key string) []int {
	str, err := kf.GetString(groupDisplay, key)
	if err != nil {
		return nil
	}
	var out []int
	for _, part := range strings.Split(str, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil || v <= 0 {
			logger.Warningf("ignoring bad timeout entry %q", part)
			continue
		}
		out = append(out, v)
	}
	return out
}

// Watcher reloads the configuration file whenever it changes and hands
// the new snapshot to the callback. Reload failures keep the previous
// snapshot.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewWatcher(path string, onChange func(*Settings)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory so that editor rename-over saves are seen.
	err = fw.Add(filepath.Dir(path))
	if err != nil {
		_ = fw.Close()
		return nil, err
	}
	w := &Watcher{
		path:    path,
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.run(onChange)
	return w, nil
}

func (w *Watcher) run(onChange func(*Settings)) {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			settings, err := Load(w.path)
			if err != nil {
				logger.Warning(err)
				continue
			}
			onChange(settings)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warning(err)
		}
	}
}

func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

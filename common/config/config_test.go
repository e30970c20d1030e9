// SPDX-FileCopyrightText: 2018 - 2022 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "display.conf")
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	s, err := Load("/nonexistent/display.conf")
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `[Display]
DimTimeout=60
PossibleDimTimeouts=15,30,60,120,600
BlankTimeout=10
AdaptiveDimming=false
NeverBlank=true
AutosuspendPolicy=2
CompositorCoreDumpDelay=45
`)
	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 60, s.DimTimeout)
	assert.Equal(t, []int{15, 30, 60, 120, 600}, s.PossibleDimTimeouts)
	assert.Equal(t, 10, s.BlankTimeout)
	assert.False(t, s.AdaptiveDimming)
	assert.True(t, s.NeverBlank)
	assert.Equal(t, 2, s.SuspendPolicy)
	assert.Equal(t, 45*time.Second, s.CompositorCoreDelay)
}

func TestLoadClampsBadValues(t *testing.T) {
	path := writeConfig(t, `[Display]
DimTimeout=10000
BlankTimeout=0
InhibitMode=99
AutosuspendPolicy=-3
PossibleDimTimeouts=30,abc,15
`)
	s, err := Load(path)
	require.NoError(t, err)
	// Clamped to the last entry of the (sorted, filtered) timeout list.
	assert.Equal(t, []int{15, 30}, s.PossibleDimTimeouts)
	assert.Equal(t, 30, s.DimTimeout)
	assert.Equal(t, 1, s.BlankTimeout)
	assert.Equal(t, 4, s.InhibitMode)
	assert.Equal(t, 0, s.SuspendPolicy)
}

func TestDimTimeoutIndex(t *testing.T) {
	s := Default()
	s.DimTimeout = 30
	assert.Equal(t, 1, s.DimTimeoutIndex())

	// Between entries resolves to the nearest smaller entry.
	s.DimTimeout = 100
	assert.Equal(t, 2, s.DimTimeoutIndex())

	s.DimTimeout = 15
	assert.Equal(t, 0, s.DimTimeoutIndex())
}

func TestWatcher(t *testing.T) {
	path := writeConfig(t, `[Display]
DimTimeout=30
`)
	ch := make(chan *Settings, 1)
	w, err := NewWatcher(path, func(s *Settings) {
		select {
		case ch <- s:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	err = os.WriteFile(path, []byte("[Display]\nDimTimeout=60\n"), 0644)
	require.NoError(t, err)

	select {
	case s := <-ch:
		assert.Equal(t, 60, s.DimTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification")
	}
}

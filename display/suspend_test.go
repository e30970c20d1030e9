// SPDX-FileCopyrightText: 2018 - 2022 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package display

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateSuspend(t *testing.T) {
	base := suspendConditions{
		RendererState: RendererDisabled,
		Policy:        SuspendPolicyEnabled,
		BootupDone:    true,
	}

	tests := []struct {
		name   string
		adjust func(*suspendConditions)
		want   SuspendLevel
	}{
		{
			name:   "idle device suspends fully",
			adjust: func(c *suspendConditions) {},
			want:   SuspendLateAllowed,
		},
		{
			name:   "renderer still enabled",
			adjust: func(c *suspendConditions) { c.RendererState = RendererEnabled },
			want:   SuspendBlocked,
		},
		{
			name:   "renderer state unknown",
			adjust: func(c *suspendConditions) { c.RendererState = RendererUnknown },
			want:   SuspendBlocked,
		},
		{
			name:   "renderer errored",
			adjust: func(c *suspendConditions) { c.RendererState = RendererError },
			want:   SuspendBlocked,
		},
		{
			name:   "policy disabled",
			adjust: func(c *suspendConditions) { c.Policy = SuspendPolicyDisabled },
			want:   SuspendBlocked,
		},
		{
			name:   "daemon quitting",
			adjust: func(c *suspendConditions) { c.Quitting = true },
			want:   SuspendBlocked,
		},
		{
			name:   "policy early only",
			adjust: func(c *suspendConditions) { c.Policy = SuspendPolicyEarlyOnly },
			want:   SuspendEarlyOnly,
		},
		{
			name:   "active call",
			adjust: func(c *suspendConditions) { c.CallState = CallActive },
			want:   SuspendEarlyOnly,
		},
		{
			name:   "ringing call",
			adjust: func(c *suspendConditions) { c.CallState = CallRinging },
			want:   SuspendEarlyOnly,
		},
		{
			name:   "alarm on screen",
			adjust: func(c *suspendConditions) { c.AlarmVisible = true },
			want:   SuspendEarlyOnly,
		},
		{
			name:   "exception active",
			adjust: func(c *suspendConditions) { c.ExceptionActive = true },
			want:   SuspendEarlyOnly,
		},
		{
			name:   "still booting",
			adjust: func(c *suspendConditions) { c.BootupDone = false },
			want:   SuspendEarlyOnly,
		},
		{
			name:   "shutdown started",
			adjust: func(c *suspendConditions) { c.ShutdownStarted = true },
			want:   SuspendEarlyOnly,
		},
		{
			name:   "acting dead",
			adjust: func(c *suspendConditions) { c.ActingDead = true },
			want:   SuspendEarlyOnly,
		},
		{
			name: "early blocker outranks late blocker",
			adjust: func(c *suspendConditions) {
				c.RendererState = RendererEnabled
				c.CallState = CallActive
			},
			want: SuspendBlocked,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.adjust(&c)
			assert.Equal(t, tc.want, evaluateSuspend(c))
		})
	}
}

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateParams(t *testing.T) {
	tests := []struct {
		name    string
		kind    CommandKind
		params  map[string]any
		wantErr bool
	}{
		{
			name:   "pull-file with required param",
			kind:   KindPullFile,
			params: map[string]any{"remote_path": "/sdcard/log.txt"},
		},
		{
			name:    "pull-file missing required param",
			kind:    KindPullFile,
			params:  map[string]any{},
			wantErr: true,
		},
		{
			name:    "unknown command kind",
			kind:    CommandKind("format-sdcard"),
			params:  nil,
			wantErr: true,
		},
		{
			name:    "unknown parameter rejected",
			kind:    KindPullFile,
			params:  map[string]any{"remote_path": "/x", "mode": "fast"},
			wantErr: true,
		},
		{
			name: "flash-partition full params",
			kind: KindFlashPartition,
			params: map[string]any{
				"partition":  "boot",
				"image_path": "/images/boot.img",
				"verify":     true,
			},
		},
		{
			name:    "flash-partition wrong type",
			kind:    KindFlashPartition,
			params:  map[string]any{"partition": "boot", "image_path": "/x", "verify": "yes"},
			wantErr: true,
		},
		{
			name:   "reboot mode in enum",
			kind:   KindReboot,
			params: map[string]any{"mode": "bootloader"},
		},
		{
			name:    "reboot mode out of enum",
			kind:    KindReboot,
			params:  map[string]any{"mode": "fastbootd"},
			wantErr: true,
		},
		{
			name:   "reboot without mode",
			kind:   KindReboot,
			params: nil,
		},
		{
			name:   "run-shell with json float timeout",
			kind:   KindRunShell,
			params: map[string]any{"command": "ls /", "timeout_seconds": float64(30)},
		},
		{
			name:    "run-shell fractional timeout",
			kind:    KindRunShell,
			params:  map[string]any{"command": "ls /", "timeout_seconds": 1.5},
			wantErr: true,
		},
		{
			name:   "wipe-data confirmed",
			kind:   KindWipeData,
			params: map[string]any{"confirm": true},
		},
		{
			name:    "wipe-data not confirmed",
			kind:    KindWipeData,
			params:  map[string]any{"confirm": false},
			wantErr: true,
		},
		{
			name:    "wipe-data missing confirmation",
			kind:    KindWipeData,
			params:  nil,
			wantErr: true,
		},
		{
			name:    "empty required string",
			kind:    KindReadProperty,
			params:  map[string]any{"name": ""},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParams(tt.kind, tt.params)

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidJobSpec)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestCommandKindDestructive(t *testing.T) {
	assert.True(t, KindFlashPartition.Destructive())
	assert.True(t, KindWipeData.Destructive())
	assert.False(t, KindReboot.Destructive())
	assert.False(t, KindRunShell.Destructive())
}

func TestExecStateTerminal(t *testing.T) {
	terminal := []ExecState{ExecDenied, ExecSucceeded, ExecFailed, ExecTimedOut, ExecCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), string(s))
	}

	live := []ExecState{ExecQueued, ExecPolicyPending, ExecApproved, ExecDispatched}
	for _, s := range live {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestSessionSupports(t *testing.T) {
	open := SessionSnapshot{DeviceID: "d1"}
	assert.True(t, open.Supports(KindWipeData), "empty capability set supports everything")

	limited := SessionSnapshot{
		DeviceID:     "d2",
		Capabilities: []CommandKind{KindRunShell, KindPullFile},
	}
	assert.True(t, limited.Supports(KindRunShell))
	assert.False(t, limited.Supports(KindFlashPartition))
}

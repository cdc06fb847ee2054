package netmode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve_TruthTable(t *testing.T) {
	tests := []struct {
		name      string
		mode      Mode
		online    bool
		hasCached bool
		expected  Decision
	}{
		{"online mode, online", ModeOnline, true, false, Proceed},
		{"online mode, offline", ModeOnline, false, false, WaitForOnline},
		{"online mode, offline with cache still waits", ModeOnline, false, true, WaitForOnline},
		{"offlineFirst, online", ModeOfflineFirst, true, false, Proceed},
		{"offlineFirst, offline with cache", ModeOfflineFirst, false, true, ServeCached},
		{"offlineFirst, offline without cache", ModeOfflineFirst, false, false, WaitForOnline},
		{"always, online", ModeAlways, true, false, Proceed},
		{"always, offline", ModeAlways, false, false, Proceed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Resolve(tt.mode, tt.online, tt.hasCached))
		})
	}
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "online", ModeOnline.String())
	assert.Equal(t, "offlineFirst", ModeOfflineFirst.String())
	assert.Equal(t, "always", ModeAlways.String())
	assert.Equal(t, "unknown", Mode(42).String())
}

func TestMode_ZeroValueIsOnline(t *testing.T) {
	var m Mode
	assert.Equal(t, ModeOnline, m)
}

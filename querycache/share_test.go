package querycache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShareValue(t *testing.T) {
	prev := map[string]int{"a": 1}

	tests := []struct {
		name        string
		previous    any
		hadPrevious bool
		next        any
		want        any
		wantKept    bool
	}{
		{
			name:     "no previous value passes next through",
			next:     "fresh",
			want:     "fresh",
			wantKept: false,
		},
		{
			name:        "deep-equal value keeps previous reference",
			previous:    prev,
			hadPrevious: true,
			next:        map[string]int{"a": 1},
			want:        prev,
			wantKept:    true,
		},
		{
			name:        "different value replaces previous",
			previous:    prev,
			hadPrevious: true,
			next:        map[string]int{"a": 2},
			want:        map[string]int{"a": 2},
			wantKept:    false,
		},
		{
			name:        "nil next against non-nil previous replaces",
			previous:    prev,
			hadPrevious: true,
			next:        nil,
			want:        nil,
			wantKept:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, kept := shareValue(deepEqual, tt.previous, tt.hadPrevious, tt.next)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantKept, kept)
		})
	}
}

package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	const uuidLen = 36
	tests := []struct {
		name    string
		prefix  string
		wantLen int
	}{
		{"valid", "tab", uuidLen + len("tab_")},
		{"no-prefix", "", uuidLen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := New(tt.prefix)
			require.NoError(err)
			if tt.prefix != "" {
				assert.True(strings.HasPrefix(got, tt.prefix+"_"))
			}
			assert.Len(got, tt.wantLen)

			other, err := New(tt.prefix)
			require.NoError(err)
			assert.NotEqual(got, other)
		})
	}
}

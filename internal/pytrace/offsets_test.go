package pytrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionFromPath(t *testing.T) {
	tests := []struct {
		path         string
		major, minor int
		ok           bool
	}{
		{"/usr/lib/x86_64-linux-gnu/libpython3.11.so.1.0", 3, 11, true},
		{"/usr/bin/python3.8", 3, 8, true},
		{"/opt/python3.12/bin/python3.12", 3, 12, true},
		{"/usr/bin/python3", 0, 0, false},
		{"/usr/lib/libc.so.6", 0, 0, false},
	}
	for _, tt := range tests {
		major, minor, ok := versionFromPath(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		if tt.ok {
			assert.Equal(t, tt.major, major, tt.path)
			assert.Equal(t, tt.minor, minor, tt.path)
		}
	}
}

func TestOffsetsFor(t *testing.T) {
	for _, minor := range []int{8, 9, 10, 11, 12} {
		off, err := offsetsFor(3, minor)
		require.NoError(t, err)
		assert.NotZero(t, off.threadsHead, "3.%d", minor)
		assert.NotZero(t, off.codeFilename, "3.%d", minor)
	}

	// 3.11 switched the thread state to the cframe indirection.
	off, err := offsetsFor(3, 11)
	require.NoError(t, err)
	assert.True(t, off.useCFrame)
	off, err = offsetsFor(3, 10)
	require.NoError(t, err)
	assert.False(t, off.useCFrame)

	_, err = offsetsFor(3, 7)
	assert.Error(t, err)
	_, err = offsetsFor(2, 7)
	assert.Error(t, err)
}

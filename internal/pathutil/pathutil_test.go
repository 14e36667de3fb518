package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, home, ExpandTilde("~"))
	assert.Equal(t, filepath.Join(home, "files/a.bin"), ExpandTilde("~/files/a.bin"))
	assert.Equal(t, "/var/tmp/a.bin", ExpandTilde("/var/tmp/a.bin"))
	assert.Equal(t, "rel/a.bin", ExpandTilde("rel/a.bin"))
	// "~user" forms are passed through untouched.
	assert.Equal(t, "~other/a.bin", ExpandTilde("~other/a.bin"))
}

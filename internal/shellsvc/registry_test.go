package shellsvc

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySpawnAndClose(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	reg := NewRegistry()
	s, err := reg.Spawn(SpawnOptions{Shell: "/bin/sh", Rows: 24, Cols: 80})
	require.NoError(t, err)
	assert.Contains(t, reg.IDs(), s.ID)

	_, err = s.Write([]byte("echo tunnel-ready\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, _ := s.Output.ReadSince(0)
		for _, e := range entries {
			if strings.Contains(e.Data, "tunnel-ready") {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, reg.Close(s.ID))
	_, err = reg.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistryCloseUnknownSession(t *testing.T) {
	reg := NewRegistry()
	assert.ErrorIs(t, reg.Close("nope"), ErrSessionNotFound)
}

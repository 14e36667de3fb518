package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterDisplacesPriorSession(t *testing.T) {
	reg := NewDeviceRegistry()
	a := &Session{Name: "dev1"}
	b := &Session{Name: "dev1"}

	displaced := reg.Register("dev1", a)
	assert.Nil(t, displaced)

	displaced = reg.Register("dev1", b)
	assert.Same(t, a, displaced)

	cur, ok := reg.Lookup("dev1")
	assert.True(t, ok)
	assert.Same(t, b, cur)
}

func TestRemoveOnlyDropsCurrentSession(t *testing.T) {
	reg := NewDeviceRegistry()
	a := &Session{Name: "dev1"}
	b := &Session{Name: "dev1"}

	reg.Register("dev1", a)
	reg.Register("dev1", b) // a is now displaced, not removed from the map

	reg.Remove("dev1", a) // stale: a is no longer the registered session
	_, ok := reg.Lookup("dev1")
	assert.True(t, ok, "Remove with a stale session must not evict the current one")

	reg.Remove("dev1", b)
	_, ok = reg.Lookup("dev1")
	assert.False(t, ok)
}

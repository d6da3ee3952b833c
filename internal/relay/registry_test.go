package relay

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R1ckyH/chatbridge/internal/config"
)

func testEntries() []config.ClientEntry {
	return []config.ClientEntry{
		{Name: "survival", Password: "hunter2", Type: "mc"},
		{Name: "creative", Password: "letmein", Type: "mc"},
		{Name: "qqbot", Password: "sekrit", Type: "cqhttp"},
	}
}

func TestAuthenticate(t *testing.T) {
	reg := NewRegistry(testEntries())

	rec, err := reg.Authenticate("survival", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "survival", rec.Name)

	_, err = reg.Authenticate("survival", "wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth))

	_, err = reg.Authenticate("nobody", "hunter2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth))
}

func TestBindSupersedesPriorConnection(t *testing.T) {
	reg := NewRegistry(testEntries())
	rec, _ := reg.Lookup("survival")

	a1, b1 := net.Pipe()
	defer a1.Close()
	defer b1.Close()
	prev, gen1 := rec.Bind(a1, "mc", 3)
	assert.Nil(t, prev)
	assert.True(t, rec.Online())

	a2, b2 := net.Pipe()
	defer a2.Close()
	defer b2.Close()
	prev, gen2 := rec.Bind(a2, "mc", 3)
	assert.Same(t, a1, prev, "binding must hand back the superseded connection")
	assert.Greater(t, gen2, gen1)
}

func TestReleaseOnlyByOwningGeneration(t *testing.T) {
	reg := NewRegistry(testEntries())
	rec, _ := reg.Lookup("survival")

	a1, _ := net.Pipe()
	defer a1.Close()
	_, gen1 := rec.Bind(a1, "mc", 3)

	// A reconnect replaces the binding before the old session tears down.
	a2, _ := net.Pipe()
	defer a2.Close()
	_, gen2 := rec.Bind(a2, "mc", 3)

	// The old connection's teardown must not mark the successor offline.
	assert.False(t, rec.Release(gen1))
	assert.True(t, rec.Online())

	assert.True(t, rec.Release(gen2))
	assert.False(t, rec.Online())

	// Releasing twice is a no-op.
	assert.False(t, rec.Release(gen2))
}

func TestOnlineNames(t *testing.T) {
	reg := NewRegistry(testEntries())
	assert.Empty(t, reg.OnlineNames())

	a, _ := net.Pipe()
	defer a.Close()
	rec, _ := reg.Lookup("qqbot")
	rec.Bind(a, "cqhttp", 3)

	assert.Equal(t, []string{"qqbot"}, reg.OnlineNames())
}

func TestSendToOfflineRecord(t *testing.T) {
	reg := NewRegistry(testEntries())
	rec, _ := reg.Lookup("survival")

	err := rec.Send(cryptorForTest(), pingEnvelope())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOffline))
}

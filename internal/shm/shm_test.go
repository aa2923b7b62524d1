package shm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLockCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forwarder.lock")
	l, err := NewLock(path)
	require.NoError(t, err)
	defer l.Close()

	require.FileExists(t, path)
}

func TestLockUnlockRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forwarder.lock")
	l, err := NewLock(path)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Lock())
	require.NoError(t, l.Unlock())
}

func TestSecondHandleBlocksWhileFirstHoldsLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forwarder.lock")
	a, err := NewLock(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewLock(path)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Lock())

	acquired := make(chan struct{})
	go func() {
		b.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second handle should not acquire the lock while the first holds it")
	default:
	}

	require.NoError(t, a.Unlock())
	<-acquired
	require.NoError(t, b.Unlock())
}

package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPIDFile(t *testing.T, alive map[int]bool) *PIDFile {
	t.Helper()
	p := New(filepath.Join(t.TempDir(), "run", "safetrackd.pid"))
	p.alive = func(pid int) bool { return alive[pid] }
	return p
}

func TestAcquireAndRelease(t *testing.T) {
	p := newTestPIDFile(t, nil)

	require.NoError(t, p.Acquire(false))
	data, err := os.ReadFile(p.Path())
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))

	require.NoError(t, p.Release())
	_, err = os.Stat(p.Path())
	assert.True(t, os.IsNotExist(err))

	// releasing twice is fine
	assert.NoError(t, p.Release())
}

func TestAcquireReplacesStaleFile(t *testing.T) {
	p := newTestPIDFile(t, map[int]bool{})
	require.NoError(t, os.MkdirAll(filepath.Dir(p.Path()), 0o755))
	require.NoError(t, os.WriteFile(p.Path(), []byte("424242\n"), 0o644))

	running, pid, err := p.CheckRunning()
	require.NoError(t, err)
	assert.False(t, running)
	assert.Equal(t, 424242, pid)

	require.NoError(t, p.Acquire(false))
	got, err := p.read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), got)
}

func TestAcquireRefusesLiveOwner(t *testing.T) {
	p := newTestPIDFile(t, map[int]bool{4242: true})
	require.NoError(t, os.MkdirAll(filepath.Dir(p.Path()), 0o755))
	require.NoError(t, os.WriteFile(p.Path(), []byte("4242"), 0o644))

	err := p.Acquire(false)
	assert.ErrorIs(t, err, ErrRunning)

	require.NoError(t, p.Acquire(true))
	got, err := p.read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), got)
}

func TestReleaseKeepsForeignFile(t *testing.T) {
	p := newTestPIDFile(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(p.Path()), 0o755))
	require.NoError(t, os.WriteFile(p.Path(), []byte("4242"), 0o644))

	assert.Error(t, p.Release())
	_, err := os.Stat(p.Path())
	assert.NoError(t, err)
}

func TestCheckRunningGarbage(t *testing.T) {
	p := newTestPIDFile(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(p.Path()), 0o755))
	require.NoError(t, os.WriteFile(p.Path(), []byte("not-a-pid"), 0o644))

	_, _, err := p.CheckRunning()
	assert.Error(t, err)
	assert.NoError(t, p.Acquire(true))
}

func TestProcessAliveSelf(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
}

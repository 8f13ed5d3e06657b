package concurrency

import (
	"testing"
	"time"

	"github.com/caetanosauer/zero-sub005/buffer"
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleaner_Force_All_Should_Write_Every_Dirty_Page(t *testing.T) {
	env := newTestEnv(t)
	pids := []pages.PageID{env.newLeaf(t), env.newLeaf(t), env.newLeaf(t)}
	lsn := env.write(t, pids[1], "flushed")
	require.Len(t, dirtyPages(env.pool), 3)

	require.NoError(t, env.cleaner.ForceAll())

	assert.Empty(t, dirtyPages(env.pool))
	assert.EqualValues(t, 3, env.vol.Writes())
	assert.GreaterOrEqual(t, env.lm.GetFlushedLSNOrZero(), lsn)
	for _, pid := range pids {
		img := env.vol.Image(pid)
		require.NotNil(t, img)
		assert.True(t, img.VerifyChecksum())
		assert.Equal(t, stamp(pid), []byte(img.Payload()[:8]))
	}
	assert.Equal(t, "flushed", string(env.vol.Image(pids[1]).Payload()[8:15]))
	assert.EqualValues(t, 3, env.cleaner.Stats()["cleaner.written"])
}

func TestCleaner_Should_Write_Dependency_Before_Dependent_Page(t *testing.T) {
	env := newTestEnv(t)
	a := env.newLeaf(t)
	b := env.newLeaf(t)
	require.Less(t, a, b)

	ha, err := env.pool.FixDirect(testVol, a, buffer.LatchEX, false, false)
	require.NoError(t, err)
	hb, err := env.pool.FixDirect(testVol, b, buffer.LatchEX, false, false)
	require.NoError(t, err)
	require.True(t, env.pool.RegisterWriteOrderDependency(ha, hb))
	ha.Release()
	hb.Release()

	all := func(buffer.DirtyPage) bool { return true }
	cleaned, left, err := env.cleaner.clean(all)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)
	assert.Equal(t, 1, left)
	assert.Nil(t, env.vol.Image(a))
	assert.NotNil(t, env.vol.Image(b))
	assert.EqualValues(t, 1, env.cleaner.Stats()["cleaner.dependency_wait"])

	cleaned, left, err = env.cleaner.clean(all)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)
	assert.Equal(t, 0, left)
	assert.NotNil(t, env.vol.Image(a))
}

func TestCleaner_Force_Until_LSN_Should_Leave_Newer_Pages_Dirty(t *testing.T) {
	env := newTestEnv(t)
	old := env.newLeaf(t)
	require.NoError(t, env.cleaner.ForceAll())

	lsn := env.write(t, old, "old")
	newer := env.newLeaf(t)

	require.NoError(t, env.cleaner.ForceUntilLSN(lsn))

	dirty := dirtyPages(env.pool)
	require.Len(t, dirty, 1)
	assert.Equal(t, newer, dirty[0].PID)
	assert.Equal(t, "old", string(env.vol.Image(old).Payload()[8:11]))
}

func TestCleaner_Background_Rounds_Should_Clean_Pool(t *testing.T) {
	env := newTestEnv(t)
	env.cleaner.Run()
	defer env.cleaner.Stop()

	assert.True(t, env.cleaner.WakeupAndWait(time.Second))

	for i := 0; i < 5; i++ {
		env.newLeaf(t)
	}
	env.pool.WakeupCleaner()

	assert.Eventually(t, func() bool {
		env.cleaner.Wakeup()
		return len(dirtyPages(env.pool)) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 5, env.vol.Writes())
	assert.Positive(t, env.cleaner.Stats()["cleaner.round"])
}

func TestCleaner_Should_Be_Used_By_Pool_On_Uninstall(t *testing.T) {
	env := newTestEnv(t)
	env.cleaner.Run()
	env.cleaner.Stop()

	pid := env.newLeaf(t)
	require.NoError(t, env.pool.ForceVolume(testVol))
	require.NotNil(t, env.vol.Image(pid))

	env.write(t, pid, "last")
	require.NoError(t, env.pool.UninstallVolume(testVol))
	assert.Equal(t, "last", string(env.vol.Image(pid).Payload()[8:12]))
}

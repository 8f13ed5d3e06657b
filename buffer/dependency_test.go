package buffer

import (
	"testing"

	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/caetanosauer/zero-sub005/disk/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixAndWrite(t *testing.T, pool *Pool, pid pages.PageID) *PageHandle {
	h, err := pool.FixDirect(testVol, pid, LatchEX, false, false)
	require.NoError(t, err)
	_, err = h.Apply(wal.NewPageWriteLogRecord(8, []byte("dep")))
	require.NoError(t, err)
	return h
}

func onlyPage(pid pages.PageID) func(DirtyPage) bool {
	return func(d DirtyPage) bool { return d.PID == pid }
}

func TestDependency_Should_Hold_Back_Page_Until_Dependency_Is_Written(t *testing.T) {
	env := newTestEnv(t, 16)
	leaves := env.buildTree(t, 2)
	a, b := leaves[0], leaves[1]

	ha := fixAndWrite(t, env.pool, a)
	hb := fixAndWrite(t, env.pool, b)
	require.True(t, env.pool.RegisterWriteOrderDependency(ha, hb))
	assert.False(t, env.pool.CheckWriteOrderDependency(ha.Idx()))
	assert.True(t, env.pool.CheckWriteOrderDependency(hb.Idx()))
	ha.Release()
	hb.Release()

	assert.Equal(t, 0, flushPool(t, env.pool, env.lm, onlyPage(a)))
	assert.Equal(t, 1, flushPool(t, env.pool, env.lm, onlyPage(b)))
	assert.Equal(t, 1, flushPool(t, env.pool, env.lm, onlyPage(a)))
	assert.EqualValues(t, 1, env.pool.Stats()["dependency.registered"])
}

func TestDependency_Should_Refuse_Cycles_And_Second_Edges(t *testing.T) {
	env := newTestEnv(t, 16)
	leaves := env.buildTree(t, 3)

	ha := fixAndWrite(t, env.pool, leaves[0])
	defer ha.Release()
	hb := fixAndWrite(t, env.pool, leaves[1])
	defer hb.Release()
	hc := fixAndWrite(t, env.pool, leaves[2])
	defer hc.Release()

	assert.False(t, env.pool.RegisterWriteOrderDependency(ha, ha))

	require.True(t, env.pool.RegisterWriteOrderDependency(ha, hb))
	require.True(t, env.pool.RegisterWriteOrderDependency(hb, hc))

	// c -> a would close a -> b -> c -> a
	assert.False(t, env.pool.RegisterWriteOrderDependency(hc, ha))

	// a already waits for b
	assert.False(t, env.pool.RegisterWriteOrderDependency(ha, hc))

	// the same edge again only raises its lsn
	assert.True(t, env.pool.RegisterWriteOrderDependency(ha, hb))
}

func TestDependency_Should_Be_Dropped_When_Dependency_Leaves_Pool(t *testing.T) {
	env := newTestEnv(t, 16, withoutSwizzling)
	leaves := env.buildTree(t, 2)
	a, b := leaves[0], leaves[1]

	ha := fixAndWrite(t, env.pool, a)
	hb := fixAndWrite(t, env.pool, b)
	require.True(t, env.pool.RegisterWriteOrderDependency(ha, hb))
	aIdx := ha.Idx()
	ha.Release()
	hb.Release()

	assert.Equal(t, 1, flushPool(t, env.pool, env.lm, onlyPage(b)))
	require.Equal(t, 1, env.pool.EvictBlocks(EvictComplete, 1))
	require.EqualValues(t, 0, env.frameOf(b))

	assert.True(t, env.pool.CheckWriteOrderDependency(aIdx))
	assert.EqualValues(t, 0, env.pool.getCB(aIdx).depIdx.Load())
}

func TestDependency_Snapshot_Should_Refuse_Page_That_Got_An_Edge_After_Check(t *testing.T) {
	env := newTestEnv(t, 16)
	leaves := env.buildTree(t, 2)
	a, b := leaves[0], leaves[1]

	ha := fixAndWrite(t, env.pool, a)
	ha.Release()
	dirty, _ := env.pool.GetRecLSNs(1, 16)
	require.Len(t, dirty, 1)
	require.True(t, env.pool.CheckWriteOrderDependency(dirty[0].Idx))

	// a writer updates a and makes it wait for b between the check and the copy
	ha = fixAndWrite(t, env.pool, a)
	hb := fixAndWrite(t, env.pool, b)
	require.True(t, env.pool.RegisterWriteOrderDependency(ha, hb))
	ha.Release()
	hb.Release()

	buf := pages.NewPage()
	_, ok := env.pool.SnapshotForWrite(dirty[0], buf)
	assert.False(t, ok)

	assert.Equal(t, 1, flushPool(t, env.pool, env.lm, onlyPage(b)))
	_, ok = env.pool.SnapshotForWrite(dirty[0], buf)
	assert.True(t, ok)
}

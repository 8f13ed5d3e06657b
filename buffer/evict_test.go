package buffer

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/caetanosauer/zero-sub005/disk/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// updateLeaf writes data into the payload of the child at slot of the root and returns the new lsn of the child.
func (e *testEnv) updateLeaf(t *testing.T, slot int, offset uint16, data []byte) pages.LSN {
	root, err := e.pool.FixRoot(testVol, e.store, LatchSH, false)
	require.NoError(t, err)
	defer root.Release()

	child, err := e.pool.FixNonRoot(root, slot, LatchEX, false, false)
	require.NoError(t, err)
	defer child.Release()

	lsn, err := child.Apply(wal.NewPageWriteLogRecord(offset, data))
	require.NoError(t, err)
	return lsn
}

func (e *testEnv) childEMLSN(t *testing.T, slot int) pages.LSN {
	root, err := e.pool.FixRoot(testVol, e.store, LatchSH, false)
	require.NoError(t, err)
	defer root.Release()
	return root.Page().ChildEMLSN(slot)
}

func TestEvict_Should_Update_Parent_EMLSN_When_Child_Leaves(t *testing.T) {
	env := newTestEnv(t, 16, withoutSwizzling)
	leaves := env.buildTree(t, 1)
	old := env.childEMLSN(t, 0)

	lsn := env.updateLeaf(t, 0, 8, []byte("newer"))
	require.Greater(t, lsn, old)
	require.Equal(t, 1, env.flush(t))

	require.Equal(t, 1, env.pool.EvictBlocks(EvictUrgent, 1))
	assert.EqualValues(t, 0, env.frameOf(leaves[0]))
	assert.Equal(t, lsn, env.childEMLSN(t, 0))
	assert.EqualValues(t, 1, env.pool.Stats()["emlsn.update"])

	// the parent is dirty with a logged update
	root, err := env.pool.FixRoot(testVol, env.store, LatchSH, false)
	require.NoError(t, err)
	assert.True(t, root.IsDirty())
	rec, err := env.lm.Fetch(root.Page().LSN())
	require.NoError(t, err)
	assert.Equal(t, wal.TypeUpdateEMLSN, rec.T)
	assert.Equal(t, leaves[0], rec.ChildPID)
	root.Release()
}

func TestEvict_Should_Not_Update_EMLSN_Of_Unchanged_Child(t *testing.T) {
	env := newTestEnv(t, 16, withoutSwizzling)
	env.buildTree(t, 2)

	require.Equal(t, 2, env.pool.EvictBlocks(EvictUrgent, 2))
	assert.EqualValues(t, 0, env.pool.Stats()["emlsn.update"])

	batch, _ := env.pool.GetRecLSNs(1, 16)
	assert.Empty(t, batch)
}

func TestEvict_Normal_Urgency_Should_Spare_Hot_Frames(t *testing.T) {
	env := newTestEnv(t, 16, withoutSwizzling)
	leaves := env.buildTree(t, 2)

	for i := 0; i < 100; i++ {
		root, err := env.pool.FixRoot(testVol, env.store, LatchSH, false)
		require.NoError(t, err)
		child, err := env.pool.FixNonRoot(root, 1, LatchSH, false, false)
		require.NoError(t, err)
		child.Release()
		root.Release()
	}

	env.pool.getCB(env.frameOf(leaves[0])).refCount.Store(0)
	assert.Equal(t, 1, env.pool.EvictBlocks(EvictNormal, 2))
	assert.EqualValues(t, 0, env.frameOf(leaves[0]))
	assert.NotZero(t, env.frameOf(leaves[1]))
}

// buildDeepTree makes the root the parent of an interior page with one leaf and writes every page to the volume.
func (e *testEnv) buildDeepTree(t *testing.T) (pages.PageID, pages.PageID) {
	leaf := e.newLeaf(t)
	e.flush(t)

	mid, err := e.vol.AllocatePage()
	require.NoError(t, err)
	h, err := e.pool.FixDirect(testVol, mid, LatchEX, false, true)
	require.NoError(t, err)
	format := wal.NewFormatPageLogRecord(2)
	format.Store = e.store
	_, err = h.Apply(format)
	require.NoError(t, err)
	_, err = h.Apply(wal.NewSetChildLogRecord(0, leaf, e.lsnOf(t, leaf)))
	require.NoError(t, err)
	h.Release()
	e.flush(t)

	root, err := e.pool.FixRoot(testVol, e.store, LatchEX, false)
	require.NoError(t, err)
	format = wal.NewFormatPageLogRecord(2)
	format.Store = e.store
	_, err = root.Apply(format)
	require.NoError(t, err)
	_, err = root.Apply(wal.NewSetChildLogRecord(0, mid, e.lsnOf(t, mid)))
	require.NoError(t, err)
	root.Release()
	e.flush(t)

	return mid, leaf
}

func TestEvict_Flat_Sweep_Should_Update_EMLSN_Through_Resident_Parent(t *testing.T) {
	env := newTestEnv(t, 16, withoutSwizzling)
	leaves := env.buildTree(t, 1)
	stale := env.vol.Image(leaves[0])
	require.NotNil(t, stale)

	lsn := env.updateLeaf(t, 0, 8, []byte("newer"))
	require.Equal(t, 1, env.flush(t))

	// the walker cannot visit the tree while a fixer holds the root, and the flat sweep must not bypass it
	root, err := env.pool.FixRoot(testVol, env.store, LatchEX, false)
	require.NoError(t, err)
	assert.Equal(t, 0, env.pool.EvictBlocks(EvictComplete, 1))
	assert.NotZero(t, env.frameOf(leaves[0]))
	root.Release()

	env.pool.evictMu.Lock()
	run := &evictionRun{urgency: EvictComplete, target: 1}
	env.pool.sweepFlat(run)
	env.pool.evictMu.Unlock()

	require.Equal(t, 1, run.evicted)
	assert.EqualValues(t, 0, env.frameOf(leaves[0]))
	assert.Equal(t, lsn, env.childEMLSN(t, 0))
	assert.EqualValues(t, 1, env.pool.Stats()["emlsn.update"])

	// the volume silently dropped the last write
	require.NoError(t, env.vol.WritePage(leaves[0], stale))

	root, err = env.pool.FixRoot(testVol, env.store, LatchSH, false)
	require.NoError(t, err)
	defer root.Release()
	child, err := env.pool.FixNonRoot(root, 0, LatchSH, false, false)
	require.NoError(t, err)
	defer child.Release()

	assert.Equal(t, lsn, child.Page().LSN())
	assert.Equal(t, []byte("newer"), child.Page().Payload()[8:13])
	assert.EqualValues(t, 1, env.pool.Stats()["spr"])
}

func TestEvict_Should_Keep_Interior_Page_While_Its_Children_Are_Resident(t *testing.T) {
	env := newTestEnv(t, 16, withoutSwizzling)
	mid, leaf := env.buildDeepTree(t)

	root, err := env.pool.FixRoot(testVol, env.store, LatchSH, false)
	require.NoError(t, err)
	hmid, err := env.pool.FixNonRoot(root, 0, LatchSH, false, false)
	require.NoError(t, err)
	hleaf, err := env.pool.FixNonRoot(hmid, 0, LatchSH, false, false)
	require.NoError(t, err)
	hmid.Release()
	root.Release()

	assert.Equal(t, 0, env.pool.EvictBlocks(EvictComplete, 2))
	assert.NotZero(t, env.frameOf(mid))
	assert.NotZero(t, env.frameOf(leaf))
	hleaf.Release()

	// the leaf goes first, then its parent
	assert.Equal(t, 2, env.pool.EvictBlocks(EvictUrgent, 2))
	assert.EqualValues(t, 0, env.frameOf(mid))
	assert.EqualValues(t, 0, env.frameOf(leaf))
	assert.Equal(t, 15, env.pool.FreeBlocks())
}

func TestEvict_Lost_Write_Should_Be_Recovered_From_Log(t *testing.T) {
	env := newTestEnv(t, 16, withoutSwizzling)
	leaves := env.buildTree(t, 1)
	stale := env.vol.Image(leaves[0])
	require.NotNil(t, stale)

	lsn := env.updateLeaf(t, 0, 8, []byte("lost"))
	require.Equal(t, 1, env.flush(t))
	require.Equal(t, 1, env.pool.EvictBlocks(EvictUrgent, 1))

	// the volume silently dropped the last write
	require.NoError(t, env.vol.WritePage(leaves[0], stale))

	root, err := env.pool.FixRoot(testVol, env.store, LatchSH, false)
	require.NoError(t, err)
	defer root.Release()

	child, err := env.pool.FixNonRoot(root, 0, LatchSH, false, false)
	require.NoError(t, err)
	defer child.Release()

	assert.Equal(t, lsn, child.Page().LSN())
	assert.Equal(t, []byte("lost"), child.Page().Payload()[8:12])
	assert.True(t, hasStamp(child.Page(), leaves[0]))
	assert.True(t, child.IsDirty())
	assert.EqualValues(t, 1, env.pool.Stats()["spr"])
}

func TestEvict_Corrupted_Page_Should_Be_Recovered_Every_Time_It_Is_Read(t *testing.T) {
	env := newTestEnv(t, 16, withoutSwizzling)
	leaves := env.buildTree(t, 1)
	emlsn := env.childEMLSN(t, 0)

	for i := 1; i <= 3; i++ {
		require.Equal(t, 1, env.pool.EvictBlocks(EvictUrgent, 1))
		env.vol.Corrupt(leaves[0])

		root, err := env.pool.FixRoot(testVol, env.store, LatchSH, false)
		require.NoError(t, err)
		child, err := env.pool.FixNonRoot(root, 0, LatchSH, false, false)
		require.NoError(t, err)

		assert.Equal(t, emlsn, child.Page().LSN())
		assert.True(t, hasStamp(child.Page(), leaves[0]))
		assert.Equal(t, env.store, child.Store())
		child.Release()
		root.Release()

		assert.EqualValues(t, i, env.pool.Stats()["spr"])
		require.Equal(t, 1, env.flush(t))
		assert.True(t, env.vol.Image(leaves[0]).VerifyChecksum())
	}

	assert.Equal(t, emlsn, env.childEMLSN(t, 0))
}

func TestEvict_Corrupted_Page_Should_Fail_Without_Recoverer(t *testing.T) {
	env := newTestEnv(t, 16, withoutSwizzling, func(o *Options) { o.Recoverer = nil })
	leaves := env.buildTree(t, 1)

	require.Equal(t, 1, env.pool.EvictBlocks(EvictUrgent, 1))
	env.vol.Corrupt(leaves[0])
	free := env.pool.FreeBlocks()

	root, err := env.pool.FixRoot(testVol, env.store, LatchSH, false)
	require.NoError(t, err)
	defer root.Release()

	_, err = env.pool.FixNonRoot(root, 0, LatchSH, false, false)
	assert.ErrorIs(t, err, ErrBadChecksum)
	assert.Equal(t, free, env.pool.FreeBlocks())
}

func TestEvict_Concurrent_Fixes_And_Evictions_Should_Keep_Pages_Intact(t *testing.T) {
	env := newTestEnv(t, 16, withoutSwizzling)
	leaves := env.buildTree(t, 20)

	stop := atomic.Bool{}
	evictorDone := make(chan struct{})
	go func() {
		defer close(evictorDone)
		for !stop.Load() {
			env.pool.EvictBlocks(EvictUrgent, 2)
		}
	}()

	wg := sync.WaitGroup{}
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 300; i++ {
				slot := r.Intn(len(leaves))
				mode := LatchSH
				if r.Intn(4) == 0 {
					mode = LatchEX
				}

				root, err := env.pool.FixRoot(testVol, env.store, LatchSH, false)
				if !assert.NoError(t, err) {
					return
				}
				child, err := env.pool.FixNonRoot(root, slot, mode, false, false)
				if !assert.NoError(t, err) {
					root.Release()
					return
				}

				assert.Equal(t, leaves[slot], child.PageID())
				assert.True(t, hasStamp(child.Page(), leaves[slot]))
				child.Release()
				root.Release()
			}
		}(int64(w))
	}
	wg.Wait()
	stop.Store(true)
	<-evictorDone

	used := 0
	for i := 1; i <= env.pool.Blocks(); i++ {
		cb := env.pool.getCB(uint32(i))
		if !cb.used.Load() {
			continue
		}
		used++
		_, pid := cb.identity()
		assert.Equal(t, uint32(i), env.frameOf(pid))
		if cb.isRoot.Load() {
			assert.EqualValues(t, 1, cb.pinCount.Load())
		} else {
			assert.EqualValues(t, 0, cb.pinCount.Load())
		}
	}
	assert.Equal(t, used, env.pool.hash.size())
	assert.Equal(t, env.pool.Blocks(), used+env.pool.FreeBlocks())
}

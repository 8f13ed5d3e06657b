package concurrency

import (
	"encoding/binary"
	"io"
	"log"
	"testing"

	"github.com/caetanosauer/zero-sub005/buffer"
	"github.com/caetanosauer/zero-sub005/disk"
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/caetanosauer/zero-sub005/disk/wal"
	"github.com/caetanosauer/zero-sub005/recovery"
	"github.com/stretchr/testify/require"
)

const testVol = pages.VolumeID(3)

var discard = log.New(io.Discard, "", 0)

type testEnv struct {
	pool    *buffer.Pool
	vol     *disk.MemVolume
	lm      *wal.MemLogManager
	cleaner *Cleaner
	store   pages.StoreID
}

func newPool(t *testing.T, lm *wal.MemLogManager, mode buffer.OperatingMode, policy buffer.AccessPolicy) *buffer.Pool {
	opts := buffer.DefaultOptions()
	opts.BlockCount = 32
	opts.LogManager = lm
	opts.Recoverer = recovery.NewRecoverer(lm, discard)
	opts.Policy = policy
	opts.Logger = discard

	pool, err := buffer.NewPool(opts)
	require.NoError(t, err)
	pool.SetMode(mode)
	t.Cleanup(func() { _ = pool.Destroy() })
	return pool
}

func newTestEnv(t *testing.T) *testEnv {
	lm, err := wal.NewMemLogManager(256)
	require.NoError(t, err)
	t.Cleanup(lm.Close)

	vol := disk.NewMemVolume(testVol)
	store, _, err := vol.CreateStore()
	require.NoError(t, err)

	pool := newPool(t, lm, buffer.ModeNormal, nil)
	require.NoError(t, pool.InstallVolume(vol))

	opts := DefaultCleanerOptions()
	opts.Logger = discard
	return &testEnv{pool: pool, vol: vol, lm: lm, cleaner: NewCleaner(pool, lm, opts), store: store}
}

func stamp(pid pages.PageID) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(pid)<<32|uint64(^uint32(pid)))
}

func (e *testEnv) newLeaf(t *testing.T) pages.PageID {
	pid, err := e.vol.AllocatePage()
	require.NoError(t, err)

	h, err := e.pool.FixDirect(testVol, pid, buffer.LatchEX, false, true)
	require.NoError(t, err)
	defer h.Release()

	format := wal.NewFormatPageLogRecord(1)
	format.Store = e.store
	_, err = h.Apply(format)
	require.NoError(t, err)
	_, err = h.Apply(wal.NewPageWriteLogRecord(0, stamp(pid)))
	require.NoError(t, err)
	return pid
}

func (e *testEnv) write(t *testing.T, pid pages.PageID, data string) pages.LSN {
	h, err := e.pool.FixDirect(testVol, pid, buffer.LatchEX, false, false)
	require.NoError(t, err)
	defer h.Release()

	lsn, err := h.Apply(wal.NewPageWriteLogRecord(8, []byte(data)))
	require.NoError(t, err)
	return lsn
}

// addChildren formats the root as an interior page on its first call and appends the leaves as its children.
func (e *testEnv) addChildren(t *testing.T, leaves ...pages.PageID) {
	root, err := e.pool.FixRoot(testVol, e.store, buffer.LatchEX, false)
	require.NoError(t, err)
	defer root.Release()

	if !root.Page().IsInterior() {
		format := wal.NewFormatPageLogRecord(2)
		format.Store = e.store
		_, err = root.Apply(format)
		require.NoError(t, err)
	}

	for _, pid := range leaves {
		child, err := e.pool.FixDirect(testVol, pid, buffer.LatchSH, false, false)
		require.NoError(t, err)
		lsn := child.Page().LSN()
		child.Release()

		_, err = root.Apply(wal.NewSetChildLogRecord(root.Page().ChildCount(), pid, lsn))
		require.NoError(t, err)
	}
}

func payload(t *testing.T, pool *buffer.Pool, pid pages.PageID, n int) string {
	h, err := pool.FixDirect(testVol, pid, buffer.LatchSH, false, false)
	require.NoError(t, err)
	defer h.Release()
	return string(h.Page().Payload()[8 : 8+n])
}

func dirtyPages(pool *buffer.Pool) []buffer.DirtyPage {
	res, _ := pool.GetRecLSNs(1, pool.Blocks())
	return res
}

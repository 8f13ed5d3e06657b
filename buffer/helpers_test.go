package buffer

import (
	"encoding/binary"
	"io"
	"log"
	"testing"

	"github.com/caetanosauer/zero-sub005/disk"
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/caetanosauer/zero-sub005/disk/wal"
	"github.com/caetanosauer/zero-sub005/recovery"
	"github.com/stretchr/testify/require"
)

const testVol = pages.VolumeID(1)

var discard = log.New(io.Discard, "", 0)

type testEnv struct {
	pool  *Pool
	vol   *disk.MemVolume
	lm    *wal.MemLogManager
	store pages.StoreID
	root  pages.PageID
}

func testOptions(lm *wal.MemLogManager, blocks int) Options {
	opts := DefaultOptions()
	opts.BlockCount = blocks
	opts.LogManager = lm
	opts.Recoverer = recovery.NewRecoverer(lm, discard)
	opts.Logger = discard
	return opts
}

func newTestEnv(t *testing.T, blocks int, configure ...func(*Options)) *testEnv {
	lm, err := wal.NewMemLogManager(1024)
	require.NoError(t, err)

	vol := disk.NewMemVolume(testVol)
	store, root, err := vol.CreateStore()
	require.NoError(t, err)

	opts := testOptions(lm, blocks)
	for _, c := range configure {
		c(&opts)
	}

	pool, err := NewPool(opts)
	require.NoError(t, err)
	require.NoError(t, pool.InstallVolume(vol))

	t.Cleanup(func() {
		_ = pool.Destroy()
		lm.Close()
	})

	return &testEnv{pool: pool, vol: vol, lm: lm, store: store, root: root}
}

// reopen simulates a restart: a new pool in given mode over the same volume and log.
func (e *testEnv) reopen(t *testing.T, mode OperatingMode, configure ...func(*Options)) (*Pool, error) {
	opts := testOptions(e.lm, 16)
	for _, c := range configure {
		c(&opts)
	}

	pool, err := NewPool(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Destroy() })

	pool.SetMode(mode)
	if err := pool.InstallVolume(e.vol); err != nil {
		return nil, err
	}
	return pool, nil
}

func stamp(pid pages.PageID) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b, uint32(pid))
	binary.LittleEndian.PutUint32(b[4:], ^uint32(pid))
	return b
}

func hasStamp(p pages.Page, pid pages.PageID) bool {
	s := stamp(pid)
	return string(p.Payload()[:len(s)]) == string(s)
}

// newLeaf allocates a page, formats it as a leaf and stamps its payload with its page id. The page is dirty.
func (e *testEnv) newLeaf(t *testing.T) pages.PageID {
	pid, err := e.vol.AllocatePage()
	require.NoError(t, err)

	h, err := e.pool.FixDirect(testVol, pid, LatchEX, false, true)
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

// buildTree turns the root into an interior page with n leaf children and writes every page to the volume.
func (e *testEnv) buildTree(t *testing.T, n int) []pages.PageID {
	leaves := make([]pages.PageID, n)
	for i := range leaves {
		leaves[i] = e.newLeaf(t)
		e.flush(t)
	}

	root, err := e.pool.FixRoot(testVol, e.store, LatchEX, false)
	require.NoError(t, err)
	format := wal.NewFormatPageLogRecord(2)
	format.Store = e.store
	_, err = root.Apply(format)
	require.NoError(t, err)

	for i, pid := range leaves {
		_, err = root.Apply(wal.NewSetChildLogRecord(i, pid, e.lsnOf(t, pid)))
		require.NoError(t, err)
	}
	root.Release()

	e.flush(t)
	return leaves
}

func (e *testEnv) lsnOf(t *testing.T, pid pages.PageID) pages.LSN {
	h, err := e.pool.FixDirect(testVol, pid, LatchSH, false, false)
	require.NoError(t, err)
	defer h.Release()
	return h.Page().LSN()
}

// flush writes every dirty page whose write order dependency allows it, like the page cleaner does.
func (e *testEnv) flush(t *testing.T) int {
	return flushPool(t, e.pool, e.lm, func(DirtyPage) bool { return true })
}

func flushPool(t *testing.T, pool *Pool, lm wal.LogManager, filter func(DirtyPage) bool) int {
	require.NoError(t, lm.Flush())

	written := 0
	buf := pages.NewPage()
	for start := uint32(1); start != 0; {
		var dirty []DirtyPage
		dirty, start = pool.GetRecLSNs(start, 16)
		for _, d := range dirty {
			if d.InDoubt || !filter(d) || !pool.CheckWriteOrderDependency(d.Idx) {
				continue
			}

			snap, ok := pool.SnapshotForWrite(d, buf)
			if !ok {
				continue
			}

			vol, err := pool.Volume(d.Vol)
			require.NoError(t, err)
			require.NoError(t, vol.WritePage(d.PID, buf))
			pool.MarkFlushed(snap)
			written++
		}
	}
	return written
}

func (e *testEnv) frameOf(pid pages.PageID) uint32 {
	return e.pool.hash.lookup(hashKey(testVol, pid))
}

// writeDiskPage writes a clean leaf image with lsn 0 directly to the volume, bypassing the pool.
func (e *testEnv) writeDiskPage(t *testing.T) pages.PageID {
	pid, err := e.vol.AllocatePage()
	require.NoError(t, err)

	p := pages.NewPage()
	p.Format(testVol, e.store, pid, 1)
	copy(p.Payload(), stamp(pid))
	p.UpdateChecksum()
	require.NoError(t, e.vol.WritePage(pid, p))
	return pid
}

func withoutSwizzling(o *Options) {
	o.Swizzling = false
}

package concurrency

import (
	"testing"

	"github.com/caetanosauer/zero-sub005/buffer"
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitLSNPolicy_Should_Only_Move_Forward(t *testing.T) {
	p := NewCommitLSNPolicy(10)
	p.SetCommitLSN(5)
	assert.Equal(t, pages.LSN(10), p.CommitLSN())

	p.SetCommitLSN(20)
	assert.Equal(t, pages.LSN(20), p.CommitLSN())

	assert.True(t, p.Allow(testVol, 1, 19, false))
	assert.False(t, p.Allow(testVol, 1, 20, false))
	assert.False(t, p.Allow(testVol, 1, 0, true))
}

func TestOnDemandPolicy_Should_Count_In_Doubt_Pages(t *testing.T) {
	p := &OnDemandPolicy{}
	assert.True(t, p.Allow(testVol, 1, 5, false))
	assert.True(t, p.Allow(testVol, 2, 0, true))
	assert.True(t, p.Allow(testVol, 3, 0, true))
	assert.EqualValues(t, 2, p.OnDemandLoads())
}

func TestCommitLSNPolicy_Should_Guard_Pages_During_Redo(t *testing.T) {
	env := newTestEnv(t)
	tree := crash(t, env)

	policy := NewCommitLSNPolicy(0)
	pool := env.restartPool(t, policy)
	r := NewRestart(pool, env.lm, discard)
	inDoubt, err := r.Analyze()
	require.NoError(t, err)
	pool.SetMode(buffer.ModeRedo)

	// a miss is not in doubt, the following hit is checked against commit lsn
	assert.Equal(t, "one", payload(t, pool, tree.leaves[0], 3))
	_, err = pool.FixDirect(testVol, tree.leaves[0], buffer.LatchSH, false, false)
	assert.ErrorIs(t, err, buffer.ErrAccessConflict)

	policy.SetCommitLSN(env.lm.CurrLSN() + 1)
	assert.Equal(t, "one", payload(t, pool, tree.leaves[0], 3))

	_, err = pool.FixDirect(testVol, tree.leaves[1], buffer.LatchSH, false, false)
	assert.ErrorIs(t, err, buffer.ErrAccessConflict)

	require.NoError(t, r.Redo(inDoubt))
	pool.SetMode(buffer.ModeNormal)
	assert.Equal(t, "two", payload(t, pool, tree.leaves[1], 3))
}

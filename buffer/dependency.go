package buffer

import "github.com/caetanosauer/zero-sub005/disk/pages"

// RegisterWriteOrderDependency records that page must not be written to its volume before dependency is durable up to
// its current lsn. A page has at most one such edge. It returns false, changing nothing, if page already has another
// active edge or if the new edge would close a cycle. Both pages are latched by the caller.
func (p *Pool) RegisterWriteOrderDependency(page, dependency *PageHandle) bool {
	if page.idx == dependency.idx {
		return false
	}

	pcb := p.getCB(page.idx)
	dcb := p.getCB(dependency.idx)
	dkey := dcb.key.Load()
	dlsn := dependency.page.LSN()

	p.depMu.Lock()
	defer p.depMu.Unlock()

	if p.dependencyActive(pcb) {
		if pcb.depIdx.Load() != dependency.idx || pcb.depKey.Load() != dkey {
			return false
		}
		if pages.LSN(pcb.depLSN.Load()) < dlsn {
			pcb.depLSN.Store(uint64(dlsn))
		}
		return true
	}

	// walk active edges from dependency, reaching page means a cycle
	for cur, steps := dependency.idx, 0; cur != 0 && steps <= p.blocks; steps++ {
		if cur == page.idx {
			return false
		}
		ccb := p.getCB(cur)
		if !p.dependencyActive(ccb) {
			break
		}
		cur = ccb.depIdx.Load()
	}

	pcb.depKey.Store(dkey)
	pcb.depLSN.Store(uint64(dlsn))
	pcb.depIdx.Store(dependency.idx)
	p.stats.Incr("dependency.registered")
	return true
}

// CheckWriteOrderDependency reports whether the frame may be written. An edge whose dependency became durable, or left
// the pool, is dropped on the way.
func (p *Pool) CheckWriteOrderDependency(idx uint32) bool {
	cb := p.getCB(idx)

	p.depMu.Lock()
	defer p.depMu.Unlock()

	if p.dependencyActive(cb) {
		return false
	}

	cb.depIdx.Store(0)
	cb.depKey.Store(0)
	cb.depLSN.Store(0)
	return true
}

// dependencyActive re-validates the edge of cb against the current state of the dependency frame. The edge is active
// while the frame still holds the dependency page and that page has unwritten updates at or before the edge lsn.
func (p *Pool) dependencyActive(cb *controlBlock) bool {
	didx := cb.depIdx.Load()
	if didx == 0 {
		return false
	}

	dcb := p.getCB(didx)
	if !dcb.used.Load() || dcb.key.Load() != cb.depKey.Load() {
		// evicted pages are clean
		return false
	}
	if dcb.inDoubt.Load() {
		return true
	}
	if !dcb.dirty.Load() {
		return false
	}

	rec := dcb.recLSN.Load()
	return rec == 0 || rec <= cb.depLSN.Load()
}

// Package page implements the logical page (C4): a page-sized unit of
// user memory whose residence alternates between a physical frame and a
// swap slot, and whose faults, eviction, and cloning are serialized by a
// per-page lock.
package page

import (
	"sync"

	"defs"
	"mem"
	"swap"
	"tlb"
)

const invalidPaddr = ^uintptr(0)

/// Page is one logical page. It satisfies mem.Owner, so the frame table
/// can call back into it (with its own lock released) to write the page
/// out during eviction.
type Page struct {
	mu          sync.Mutex
	transitWait *sync.Cond

	paddr     uintptr
	swapaddr  int
	inTransit bool

	frames *mem.Table
	sw     *swap.Store
}

func newPage(frames *mem.Table, sw *swap.Store) *Page {
	p := &Page{frames: frames, sw: sw, paddr: invalidPaddr}
	p.transitWait = sync.NewCond(&p.mu)
	return p
}

/// NewBlank reserves a swap slot, allocates and zeroes a frame for it, and
/// returns a page already in the Resident state.
func NewBlank(cpu int, frames *mem.Table, sw *swap.Store) (*Page, defs.Err) {
	if err := sw.Reserve(1); err != defs.None {
		return nil, err
	}
	p := newPage(frames, sw)
	paddr, err := frames.Alloc(cpu, p, true, false)
	if err != defs.None {
		sw.Unreserve(1)
		return nil, err
	}
	p.swapaddr = sw.Alloc()
	frames.Zero(paddr)
	frames.Unwire(paddr)
	p.paddr = paddr
	return p, defs.None
}

/// Resident reports whether the page currently occupies a frame. Intended
/// for region/address-space bookkeeping, not for fault handling (which
/// must go through acquire's retry loop instead).
func (p *Page) Resident() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paddr != invalidPaddr
}

/// Paddr returns the page's current physical address, or the invalid
/// sentinel if it is not resident. The caller is responsible for wiring
/// the frame (e.g. via the owning mem.Table) before touching its bytes;
/// exposed for callers above page that need direct byte access after a
/// successful Fault, such as test harnesses inspecting page contents.
func (p *Page) Paddr() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paddr
}

// acquire returns with p locked and, if p.paddr is valid, that frame
// wired. Wiring a frame may sleep and requires releasing p's lock, so the
// loop re-validates p.paddr against whatever it last wired; a wired frame
// cannot be evicted out from under the caller, which is what guarantees
// termination.
func (p *Page) acquire() {
	wired := invalidPaddr
	p.mu.Lock()
	for {
		paddr := p.paddr
		if paddr == wired {
			return
		}
		p.mu.Unlock()
		if wired != invalidPaddr {
			p.frames.Unwire(wired)
			wired = invalidPaddr
		}
		if paddr == invalidPaddr {
			p.mu.Lock()
			continue
		}
		p.frames.Wire(paddr)
		wired = paddr
		p.mu.Lock()
	}
}

// acquireStable is acquire plus the transit-wait retry fault() needs:
// returns with p locked, in_transit false, and any resident frame wired.
func (p *Page) acquireStable() {
	for {
		p.mu.Lock()
		for p.inTransit {
			p.transitWait.Wait()
		}
		p.mu.Unlock()

		p.acquire()
		if !p.inTransit {
			return
		}
		if p.paddr != invalidPaddr {
			p.frames.Unwire(p.paddr)
		}
		p.mu.Unlock()
	}
}

/// Fault serves a page fault of the given type at vaddr, materializing
/// the page from swap if necessary and installing a TLB mapping via
/// layer. cpu identifies the calling processor.
func (p *Page) Fault(cpu int, ft defs.FaultType, vaddr uintptr, layer *tlb.Layer) defs.Err {
	if !ft.Valid() {
		return defs.BadArgument
	}
	writable := ft.Writable()

	p.acquireStable()

	if p.paddr == invalidPaddr {
		// Entering Paging-in: mark in_transit before releasing the lock so
		// a concurrent Fault/Clone on this page sees in_transit and sleeps
		// on the transit channel (via acquireStable) instead of racing
		// this same swap-in.
		p.inTransit = true
		sa := p.swapaddr
		p.mu.Unlock()

		paddr, err := p.frames.Alloc(cpu, p, true, false)
		if err != defs.None {
			p.mu.Lock()
			p.inTransit = false
			p.transitWait.Broadcast()
			p.mu.Unlock()
			return err
		}
		p.sw.LockGiant()
		p.sw.Read(paddr, sa)
		p.sw.UnlockGiant()

		p.mu.Lock()
		if p.paddr != invalidPaddr {
			panic("page: paddr materialized concurrently during fault")
		}
		if p.swapaddr != sa {
			panic("page: swap slot changed during fault swap-in")
		}
		if !p.frames.IsWired(paddr) {
			panic("page: frame unwired during fault swap-in")
		}
		p.paddr = paddr
		p.inTransit = false
		p.transitWait.Broadcast()
	}

	paddr := p.paddr
	layer.Install(cpu, vaddr, paddr, writable)
	p.frames.Unwire(paddr)
	p.mu.Unlock()
	return defs.None
}

/// Evict implements mem.Owner: it writes the page's resident frame out to
/// its swap slot. Called by the frame table with its own lock released;
/// the frame stays wired throughout so it cannot be reallocated.
func (p *Page) Evict() {
	p.mu.Lock()
	if p.paddr == invalidPaddr {
		panic("page: Evict of a page with no resident frame")
	}
	if !p.frames.IsWired(p.paddr) {
		panic("page: Evict of an unwired frame")
	}
	if p.inTransit {
		panic("page: Evict of a page already in transit")
	}
	paddr := p.paddr
	sa := p.swapaddr
	p.inTransit = true
	p.mu.Unlock()

	p.sw.LockGiant()
	p.sw.Write(paddr, sa)
	p.sw.UnlockGiant()

	p.mu.Lock()
	if p.paddr != paddr || p.swapaddr != sa {
		panic("page: state changed during eviction writeback")
	}
	p.paddr = invalidPaddr
	p.inTransit = false
	p.transitWait.Broadcast()
	p.mu.Unlock()
}

/// Clone creates a fresh page holding a private copy of p's content. src
/// (p) is left untouched in the caller's address space; the new page is
/// independent from the first write.
func (p *Page) Clone(cpu int) (*Page, defs.Err) {
	if err := p.sw.Reserve(1); err != defs.None {
		return nil, err
	}
	newP := newPage(p.frames, p.sw)
	newPaddr, err := p.frames.Alloc(cpu, newP, true, false)
	if err != defs.None {
		p.sw.Unreserve(1)
		return nil, err
	}
	newP.swapaddr = p.sw.Alloc()
	newP.paddr = newPaddr

	p.acquireStable()
	if p.paddr == invalidPaddr {
		// See Fault: mark in_transit before releasing the lock so a
		// concurrent Fault/Clone on the same source page sleeps on the
		// transit channel instead of racing this swap-in.
		p.inTransit = true
		p.mu.Unlock()

		srcPaddr, err := p.frames.Alloc(cpu, p, true, false)
		if err != defs.None {
			p.mu.Lock()
			p.inTransit = false
			p.transitWait.Broadcast()
			p.mu.Unlock()
			p.frames.Free(cpu, newPaddr, false)
			p.sw.Free(newP.swapaddr)
			return nil, err
		}
		p.sw.LockGiant()
		p.sw.Read(srcPaddr, p.swapaddr)
		p.sw.UnlockGiant()

		p.mu.Lock()
		if p.paddr != invalidPaddr {
			panic("page: paddr materialized concurrently during clone")
		}
		p.paddr = srcPaddr
		p.inTransit = false
		p.transitWait.Broadcast()
	}

	p.frames.Clone(p.paddr, newP.paddr)

	p.frames.Unwire(p.paddr)
	p.frames.Unwire(newP.paddr)
	p.mu.Unlock()
	return newP, defs.None
}

/// Destroy releases the page's frame (if resident) and its swap slot.
/// The page must not be referenced again afterward.
func (p *Page) Destroy(cpu int) {
	p.acquire()
	if p.paddr != invalidPaddr {
		paddr := p.paddr
		p.paddr = invalidPaddr
		p.mu.Unlock()
		p.frames.Free(cpu, paddr, false)
	} else {
		p.mu.Unlock()
	}
	p.sw.Free(p.swapaddr)
}

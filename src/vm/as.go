package vm

import (
	"sync"

	"defs"
	"page"
	"region"
	"util"
)

/// AS is an address space (C6): an ordered set of non-overlapping regions
/// belonging to one user context, plus a heap end pointer tracked
/// separately so the heap can grow by bytes without materializing pages
/// one definition at a time.
//
// The mutex protects the regions slice and the heap end pointer. Fault
// releases it before calling the logical page's own Fault handler, which
// may sleep on swap I/O, a wire-wait, or a shootdown, so faults on
// resident pages do not queue behind one another. It stays held across
// page.NewBlank in Fault, across the region resize in HeapGrow, and across
// the page clones and destroys in Copy and Destroy, all of which can sleep
// the same way.
type AS struct {
	mu sync.Mutex
	k  *Kernel

	regions []*region.Region
	heap    *region.Region

	heapStart uintptr
	heapEnd   uintptr
}

/// NewAddressSpace creates an address space with an empty heap region at
/// heapStart. The heap region starts at zero pages; HeapGrow extends it as
/// sbrk-style requests arrive, and its pages materialize on first fault.
func NewAddressSpace(k *Kernel, heapStart uintptr) (*AS, defs.Err) {
	heap, err := region.Create(k.Swap, heapStart, 0, k.Cfg.PageSize)
	if err != defs.None {
		return nil, err
	}
	as := &AS{
		k:         k,
		regions:   []*region.Region{heap},
		heap:      heap,
		heapStart: heapStart,
		heapEnd:   heapStart,
	}
	return as, defs.None
}

func overlaps(base1 uintptr, npages1 int, base2 uintptr, npages2 int, pageSize int) bool {
	end1 := base1 + uintptr(npages1*pageSize)
	end2 := base2 + uintptr(npages2*pageSize)
	return base1 < end2 && base2 < end1
}

func (as *AS) overlapsAnyLocked(base uintptr, npages int) bool {
	for _, r := range as.regions {
		if overlaps(base, npages, r.Base, r.NumPages(), as.k.Cfg.PageSize) {
			return true
		}
	}
	return false
}

/// DefineRegion aligns vaddr down and size up to page granularity, verifies
/// the result does not overlap any existing region, and creates a new
/// region there. r/w/x are accepted for API symmetry with as_define_region
/// but nothing is enforced beyond honoring the TLB dirty bit for
/// writability.
func (as *AS) DefineRegion(cpu int, vaddr uintptr, size int, r, w, x bool) (uintptr, defs.Err) {
	pageSize := as.k.Cfg.PageSize
	base := util.Rounddown(vaddr, uintptr(pageSize))
	npages := util.Roundup(size, pageSize) / pageSize

	as.mu.Lock()
	defer as.mu.Unlock()
	if as.overlapsAnyLocked(base, npages) {
		return 0, defs.BadArgument
	}
	reg, err := region.Create(as.k.Swap, base, npages, pageSize)
	if err != defs.None {
		return 0, err
	}
	as.regions = append(as.regions, reg)
	return base, defs.None
}

/// DefineStack defines the fixed-size user stack region at the configured
/// base and returns its top (the address handed to the new thread as its
/// initial stack pointer).
func (as *AS) DefineStack(cpu int) (uintptr, defs.Err) {
	base := as.k.Cfg.UserStackBase
	size := as.k.Cfg.UserStackSize
	if _, err := as.DefineRegion(cpu, base, int(size), true, true, false); err != defs.None {
		return 0, err
	}
	return base + size, defs.None
}

func (as *AS) lookupLocked(vaddr uintptr) (*region.Region, int, bool) {
	pageSize := as.k.Cfg.PageSize
	for _, r := range as.regions {
		end := r.Base + uintptr(r.NumPages()*pageSize)
		if vaddr >= r.Base && vaddr < end {
			return r, int((vaddr - r.Base) / uintptr(pageSize)), true
		}
	}
	return nil, 0, false
}

func (as *AS) unmapFn(cpu int) region.UnmapFunc {
	return func(vaddr uintptr) { as.k.TLB.UnmapAddr(cpu, vaddr) }
}

/// Fault is as_fault: page-align fault_addr, find the responsible region by
/// linear scan, materialize a demand-zero page on first touch, and hand
/// off to the logical page's own fault handler.
func (as *AS) Fault(cpu int, ft defs.FaultType, faultAddr uintptr) defs.Err {
	vaddr := util.Rounddown(faultAddr, uintptr(as.k.Cfg.PageSize))

	as.mu.Lock()
	reg, i, ok := as.lookupLocked(vaddr)
	if !ok {
		as.mu.Unlock()
		return defs.BadAddress
	}
	p := reg.Pages[i]
	if p == nil {
		newP, err := page.NewBlank(cpu, as.k.Frames, as.k.Swap)
		if err != defs.None {
			as.mu.Unlock()
			return err
		}
		reg.MaterializeSlot(i, newP)
		p = newP
	}
	as.mu.Unlock()

	return p.Fault(cpu, ft, vaddr, as.k.TLB)
}

/// HeapGrow implements sbrk: if the new end is still within the heap
/// region's already-materialized range, the end pointer simply moves;
/// otherwise the region is resized (grown or shrunk) to match, capped at
/// ProcMaxHeapPages. Returns the end pointer's previous value.
func (as *AS) HeapGrow(cpu int, delta int) (uintptr, defs.Err) {
	as.mu.Lock()
	defer as.mu.Unlock()

	pageSize := as.k.Cfg.PageSize
	prevEnd := as.heapEnd
	var newEnd uintptr
	if delta >= 0 {
		newEnd = prevEnd + uintptr(delta)
	} else {
		shrink := uintptr(-delta)
		if shrink > prevEnd-as.heapStart {
			return 0, defs.BadArgument
		}
		newEnd = prevEnd - shrink
	}

	maxEnd := as.heapStart + uintptr(as.k.Cfg.ProcMaxHeapPages*pageSize)
	if newEnd > maxEnd {
		return 0, defs.OutOfMemory
	}

	needed := 0
	if newEnd > as.heapStart {
		needed = util.Roundup(int(newEnd-as.heapStart), pageSize) / pageSize
	}
	if needed != as.heap.NumPages() {
		if err := as.heap.Resize(cpu, needed, as.unmapFn(cpu)); err != defs.None {
			return 0, err
		}
	}
	as.heapEnd = newEnd
	return prevEnd, defs.None
}

/// Activate flushes cpu's local TLB; called on context switch and on
/// address-space activation.
func (as *AS) Activate(cpu int) {
	as.k.TLB.Clear(cpu)
}

/// Copy clones every region (including the heap) into a fresh address
/// space of the same shape. A clone failure partway through destroys the
/// partially-built copy before returning the error.
func (as *AS) Copy(cpu int) (*AS, defs.Err) {
	as.mu.Lock()
	defer as.mu.Unlock()

	newAS := &AS{k: as.k, heapStart: as.heapStart, heapEnd: as.heapEnd}
	for idx, r := range as.regions {
		nr, err := r.Clone(cpu)
		if err != defs.None {
			for _, done := range newAS.regions {
				done.Destroy(cpu, newAS.unmapFn(cpu))
			}
			return nil, err
		}
		newAS.regions = append(newAS.regions, nr)
		if r == as.heap {
			newAS.heap = newAS.regions[idx]
		}
	}
	return newAS, defs.None
}

/// Destroy releases every region (and with it, every outstanding swap
/// reservation and materialized page).
func (as *AS) Destroy(cpu int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, r := range as.regions {
		r.Destroy(cpu, as.unmapFn(cpu))
	}
	as.regions = nil
	as.heap = nil
}

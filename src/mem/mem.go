// Package mem implements the frame table (coremap): the single source of
// truth for every managed physical frame's allocation, wiring, and TLB
// reverse-mapping state, guarded by one non-sleeping spinlock (modeled here
// as a sync.Mutex, since this core runs hosted rather than freestanding).
package mem

import (
	"math/rand"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"defs"
	"hal"
)

/// Owner is the weak back-pointer a frame holds to the logical page
/// resident in it. It is consulted only under the frame-table lock and is
/// satisfied structurally by *page.Page, avoiding an import cycle between
/// the mem and page packages.
type Owner interface {
	/// Evict writes this owner's current contents out to its swap slot.
	/// Called with the frame-table lock released; the frame stays wired
	/// for the duration so it cannot be reallocated out from under the
	/// call.
	Evict()
}

/// TLBController is the frame table's narrow view onto the TLB layer (C3),
/// injected at bootstrap to avoid mem importing tlb (tlb already imports
/// mem for frame-field access).
type TLBController interface {
	/// InvalidateFrame invalidates, on cpu, any live TLB mapping pointing
	/// at the frame with index ix and clears its reverse pointer. Called
	/// with the frame-table lock held and cpu equal to the frame's own
	/// recorded cpu.
	InvalidateFrame(cpu, ix int)
	/// SendShootdown asks targetCPU to invalidate slot for frame ix via
	/// an inter-processor interrupt. Called with the frame-table lock
	/// held; does not block on completion.
	SendShootdown(targetCPU, slot, ix int)
}

type frame struct {
	owner      Owner
	tlbIx      int
	cpu        int
	kernel     bool
	alloc      bool
	wired      bool
	desired    bool
	referenced bool
	lastOfRun  bool
}

/// Table is the frame table (coremap) over all managed physical memory.
type Table struct {
	mu        sync.Mutex
	wireWait  *sync.Cond
	shootWait *sync.Cond

	ram      hal.RAM
	ctl      TLBController
	rng      *rand.Rand
	pageSize int
	base     uintptr
	frames   []frame

	total, kpages, upages, free int
}

/// Bootstrap queries ram for its extent, steals enough memory for the
/// frame table itself (so those pages never appear in the table), and
/// initializes every frame entry, mirroring coremap_bootstrap.
func Bootstrap(ram hal.RAM, pageSize int) *Table {
	first, last := ram.Bounds()
	nframes := int((last - first) / uintptr(pageSize))

	// Figure out how many pages the frame metadata itself would occupy
	// were it stored in managed memory, and steal that many pages from
	// the front of the range so they are never double-counted. The Go
	// runtime actually holds the []frame slice on its own heap, but the
	// steal call still shrinks the manageable range exactly as the
	// reference bootstrap does, keeping RAM accounting faithful.
	const frameEntrySize = 32 // conservative estimate of one frame entry's footprint
	tableBytes := nframes * frameEntrySize
	stealPages := (tableBytes + pageSize - 1) / pageSize
	if stealPages > 0 {
		ram.StealMem(stealPages)
	}
	managedFirst := first + uintptr(stealPages*pageSize)
	nframes = int((last - managedFirst) / uintptr(pageSize))
	if nframes < 0 {
		nframes = 0
	}

	t := &Table{
		ram:      ram,
		rng:      rand.New(rand.NewSource(1)),
		pageSize: pageSize,
		base:     managedFirst,
		frames:   make([]frame, nframes),
		total:    nframes,
		free:     nframes,
	}
	t.wireWait = sync.NewCond(&t.mu)
	t.shootWait = sync.NewCond(&t.mu)
	for i := range t.frames {
		t.frames[i].tlbIx = -1
	}
	return t
}

/// SetController wires the TLB layer in. Must be called once, before any
/// operation that can trigger eviction or free.
func (t *Table) SetController(c TLBController) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctl = c
}

/// NumFrames returns the number of frames this table manages.
func (t *Table) NumFrames() int { return len(t.frames) }

/// PageSize returns the configured page size in bytes.
func (t *Table) PageSize() int { return t.pageSize }

/// IndexForPaddr converts a physical address to a frame index.
func (t *Table) IndexForPaddr(paddr uintptr) int {
	return int((paddr - t.base) / uintptr(t.pageSize))
}

/// PaddrForIndex converts a frame index back to its physical address.
func (t *Table) PaddrForIndex(ix int) uintptr {
	return t.base + uintptr(ix*t.pageSize)
}

/// Lock acquires the frame-table spinlock. Exported so the TLB layer can
/// hold it across a compound hardware+reverse-pointer critical section,
/// keeping the (tlb_ix, cpu) reverse mapping coherent with the hardware.
func (t *Table) Lock() { t.mu.Lock() }

/// Unlock releases the frame-table spinlock.
func (t *Table) Unlock() { t.mu.Unlock() }

/// TLBIxLocked returns the live TLB slot/cpu recorded for frame ix. Caller
/// must hold the table lock.
func (t *Table) TLBIxLocked(ix int) (slot, cpu int) {
	f := &t.frames[ix]
	return f.tlbIx, f.cpu
}

/// SetTLBIxLocked records that frame ix's content is mapped at slot on
/// cpu. Caller must hold the table lock.
func (t *Table) SetTLBIxLocked(ix, slot, cpu int) {
	t.frames[ix].tlbIx = slot
	t.frames[ix].cpu = cpu
}

/// ClearTLBIxLocked clears frame ix's TLB reverse pointer. Caller must
/// hold the table lock.
func (t *Table) ClearTLBIxLocked(ix int) {
	t.frames[ix].tlbIx = -1
	t.frames[ix].cpu = 0
}

/// ShootdownWaitLocked sleeps on the shootdown wait channel, releasing and
/// reacquiring the table lock across the sleep. Caller must hold the lock.
func (t *Table) ShootdownWaitLocked() {
	t.shootWait.Wait()
}

/// ShootdownBroadcastLocked wakes every waiter on the shootdown channel.
/// Caller must hold the lock.
func (t *Table) ShootdownBroadcastLocked() {
	t.shootWait.Broadcast()
}

func (t *Table) isFreeLocked(ix int) bool {
	return !t.frames[ix].alloc
}

func (t *Table) isPageableLocked(ix int) bool {
	f := &t.frames[ix]
	return !f.wired && !f.kernel
}

func (t *Table) ensureIntegrityLocked() {
	if t.total != t.free+t.kpages+t.upages {
		panic("mem: frame table integrity violated: total != free+kpages+upages")
	}
}

func (t *Table) markAllocatedLocked(start, npages int, wired, isKernel bool) {
	for i := start; i < start+npages; i++ {
		f := &t.frames[i]
		if f.alloc || f.wired {
			panic("mem: markAllocatedLocked on already-allocated frame")
		}
		f.alloc = true
		f.wired = wired
		f.kernel = isKernel
		f.referenced = true
	}
	t.frames[start+npages-1].lastOfRun = true
	if isKernel {
		t.kpages += npages
	} else {
		t.upages += npages
	}
	t.free -= npages
	t.ensureIntegrityLocked()
}

/// Alloc allocates a single frame for owner (nil means a kernel page),
/// wiring it if wired is true. interrupt must be true when called from
/// interrupt context, which forbids triggering page replacement.
func (t *Table) Alloc(cpu int, owner Owner, wired, interrupt bool) (uintptr, defs.Err) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ix := -1
	if t.free > 0 {
		for i := len(t.frames) - 1; i >= 0; i-- {
			if t.isFreeLocked(i) {
				ix = i
				break
			}
		}
	}
	if ix < 0 {
		if interrupt {
			return 0, defs.OutOfMemory
		}
		ix = t.replaceLocked(cpu)
		if ix < 0 {
			return 0, defs.OutOfMemory
		}
	}

	isKernel := owner == nil
	t.markAllocatedLocked(ix, 1, wired, isKernel)
	t.frames[ix].owner = owner
	return t.PaddrForIndex(ix), defs.None
}

// replaceLocked triggers page replacement when free == 0, returning the
// index of the now-free frame, or -1 when every frame is wired or kernel
// (the caller reports OutOfMemory; swap reservation policy normally keeps
// this branch unreachable).
func (t *Table) replaceLocked(cpu int) int {
	if t.free != 0 {
		panic("mem: replaceLocked called while frames are free")
	}
	ix := t.findPageableLocked()
	if ix < 0 {
		return -1
	}
	t.evictLocked(cpu, ix)
	return ix
}

func (t *Table) findPageableWithoutMappingLocked() int {
	for i := range t.frames {
		if t.isPageableLocked(i) && t.frames[i].tlbIx == -1 {
			return i
		}
	}
	return -1
}

func (t *Table) findPageableLocked() int {
	if ix := t.findPageableWithoutMappingLocked(); ix >= 0 {
		return ix
	}
	n := len(t.frames)
	if n == 0 {
		return -1
	}
	start := t.rng.Intn(n)
	for i := start; i < n; i++ {
		if t.isPageableLocked(i) {
			return i
		}
	}
	for i := 0; i < start; i++ {
		if t.isPageableLocked(i) {
			return i
		}
	}
	return -1
}

// clearMappingLocked removes any live TLB mapping for frame ix: a local
// mapping is invalidated synchronously, a remote one via a shootdown IPI,
// sleeping on the shootdown channel until the target CPU clears the
// reverse pointer. The frame must be pinned (wired or kernel) so it cannot
// be reallocated across the sleep.
func (t *Table) clearMappingLocked(cpu, ix int) {
	f := &t.frames[ix]
	if f.tlbIx == -1 {
		return
	}
	if f.cpu == cpu {
		t.ctl.InvalidateFrame(cpu, ix)
		return
	}
	t.ctl.SendShootdown(f.cpu, f.tlbIx, ix)
	for f.tlbIx != -1 {
		t.ShootdownWaitLocked()
	}
}

func (t *Table) evictLocked(cpu, ix int) {
	f := &t.frames[ix]
	if !f.alloc || f.owner == nil || !t.isPageableLocked(ix) {
		panic("mem: evictLocked precondition violated")
	}
	f.wired = true

	t.clearMappingLocked(cpu, ix)
	if f.tlbIx != -1 || f.cpu != 0 {
		panic("mem: evictLocked failed to clear TLB reverse pointer")
	}

	owner := f.owner
	t.mu.Unlock()
	owner.Evict()
	t.mu.Lock()

	if !f.wired || f.owner != owner || !f.alloc {
		panic("mem: frame state changed underneath eviction")
	}
	f.wired = false
	f.owner = nil
	f.alloc = false
	t.free++
	t.upages--
	t.wireWait.Broadcast()
	t.ensureIntegrityLocked()
}

/// AllocKernelMulti allocates npages contiguous pageable frames for the
/// kernel, evicting occupants as needed. Fails if no qualifying window
/// exists, or (in interrupt context) if any frame in the chosen window is
/// currently allocated.
func (t *Table) AllocKernelMulti(cpu, npages int, interrupt bool) (uintptr, defs.Err) {
	t.mu.Lock()
	defer t.mu.Unlock()

	base := t.findOptimalRangeLocked(npages)
	if base < 0 {
		return 0, defs.OutOfMemory
	}
	for i := base; i < base+npages; i++ {
		if t.frames[i].alloc {
			if interrupt {
				return 0, defs.OutOfMemory
			}
			t.evictLocked(cpu, i)
		}
	}
	t.markAllocatedLocked(base, npages, false, true)
	return t.PaddrForIndex(base), defs.None
}

func (t *Table) findOptimalRangeLocked(npages int) int {
	bestBase, bestCount := -1, -1
	for i := 0; i+npages <= len(t.frames); i++ {
		c := t.rankRegionLocked(i, npages)
		if c > bestCount {
			bestBase, bestCount = i, c
		}
	}
	return bestBase
}

func (t *Table) rankRegionLocked(ix, size int) int {
	score := 0
	for i := ix; i < ix+size; i++ {
		if !t.isPageableLocked(i) {
			return -1
		}
		if t.isFreeLocked(i) {
			score++
		}
	}
	return score
}

/// Free releases the allocation starting at paddr, walking forward until
/// the frame marked last-of-run, clearing any live TLB mapping as it goes.
func (t *Table) Free(cpu int, paddr uintptr, isKernel bool) {
	ix := t.IndexForPaddr(paddr)
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := ix; i < len(t.frames); i++ {
		f := &t.frames[i]
		if !f.alloc {
			panic("mem: Free of unallocated frame")
		}
		if !f.wired && !isKernel {
			panic("mem: Free of pageable user frame without wiring it first")
		}
		t.clearMappingLocked(cpu, i)
		f.alloc = false
		if f.kernel {
			t.kpages--
		} else {
			t.upages--
		}
		f.owner = nil
		f.wired = false
		t.wireWait.Broadcast()
		t.free++
		t.ensureIntegrityLocked()

		last := f.lastOfRun
		f.lastOfRun = false
		if last {
			break
		}
	}
}

/// Wire blocks until the frame is unwired, then wires it.
func (t *Table) Wire(paddr uintptr) {
	ix := t.IndexForPaddr(paddr)
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.frames[ix].wired {
		t.wireWait.Wait()
	}
	t.frames[ix].wired = true
}

/// Unwire clears the wired bit and wakes anyone waiting to wire it.
func (t *Table) Unwire(paddr uintptr) {
	ix := t.IndexForPaddr(paddr)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.frames[ix].wired {
		panic("mem: Unwire of a frame that isn't wired")
	}
	t.frames[ix].wired = false
	t.wireWait.Broadcast()
}

/// IsWired reports whether paddr's frame is currently wired.
func (t *Table) IsWired(paddr uintptr) bool {
	ix := t.IndexForPaddr(paddr)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames[ix].wired
}

/// FrameBytes returns the backing byte slice for one frame's worth of
/// physical memory. Callers must hold the frame wired.
func (t *Table) FrameBytes(paddr uintptr) []byte {
	if !t.IsWired(paddr) {
		panic("mem: FrameBytes of a frame that isn't wired")
	}
	return t.ram.Bytes(paddr, t.pageSize)
}

/// Zero byte-zeroes one page's worth of memory at paddr.
func (t *Table) Zero(paddr uintptr) {
	b := t.FrameBytes(paddr)
	for i := range b {
		b[i] = 0
	}
}

/// Clone byte-copies src's contents into dst. Both must be wired.
func (t *Table) Clone(src, dst uintptr) {
	copy(t.FrameBytes(dst), t.FrameBytes(src))
}

/// Stats reports the current global counters.
func (t *Table) Stats() (total, kpages, upages, free int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total, t.kpages, t.upages, t.free
}

/// DumpStats renders a human-readable accounting line, formatting the
/// frame counts with golang.org/x/text/message so a large frame table does
/// not print as an unreadable wall of digits.
func (t *Table) DumpStats() string {
	total, kpages, upages, free := t.Stats()
	p := message.NewPrinter(language.English)
	return p.Sprintf("coremap: %d total, %d kernel, %d user, %d free", total, kpages, upages, free)
}

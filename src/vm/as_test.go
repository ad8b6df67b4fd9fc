package vm

import (
	"testing"

	"defs"
	"hal"
)

const testPageSize = 4096

func newKernel(t *testing.T, nframes int) *Kernel {
	t.Helper()
	ram := hal.NewSimRAM(nframes, testPageSize)
	ipi := hal.NewSimIPI()
	dev := hal.NewMemBlockDevice(int64(nframes) * testPageSize * 40)
	cfg := Config{
		PageSize:         testPageSize,
		NumTLB:           8,
		SwapMinFactor:    40,
		ProcMaxHeapPages: 4,
		UserStackBase:    0xA0000000,
		UserStackSize:    2 * testPageSize,
	}
	k, err := Bootstrap(ram, hal.NewSimTLB(cfg.NumTLB), ipi, dev, cfg)
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	return k
}

// TestFaultInZeroFilled: defining a region and faulting in its first page
// must yield a zero-filled page and the expected coremap accounting.
func TestFaultInZeroFilled(t *testing.T) {
	k := newKernel(t, 4)
	as, err := NewAddressSpace(k, 0x80000000)
	if err != defs.None {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	base, err := as.DefineRegion(0, 0x40000000, 3*testPageSize, true, true, false)
	if err != defs.None {
		t.Fatalf("DefineRegion failed: %v", err)
	}

	_, _, upagesBefore, freeBefore := k.Frames.Stats()

	if err := as.Fault(0, defs.Read, base); err != defs.None {
		t.Fatalf("Fault failed: %v", err)
	}
	if got := readByte(t, as, base); got != 0 {
		t.Fatalf("expected zero-filled first byte, got %x", got)
	}

	_, _, upagesAfter, freeAfter := k.Frames.Stats()
	if upagesAfter != upagesBefore+1 {
		t.Fatalf("expected upages to increase by 1: before=%d after=%d", upagesBefore, upagesAfter)
	}
	if freeAfter != freeBefore-1 {
		t.Fatalf("expected free to decrease by 1: before=%d after=%d", freeBefore, freeAfter)
	}
}

// TestOverlappingRegionRejected: two regions may not intersect.
func TestOverlappingRegionRejected(t *testing.T) {
	k := newKernel(t, 8)
	as, _ := NewAddressSpace(k, 0x80000000)
	if _, err := as.DefineRegion(0, 0x40000000, 2*testPageSize, true, true, false); err != defs.None {
		t.Fatalf("first DefineRegion failed: %v", err)
	}
	if _, err := as.DefineRegion(0, 0x40000000+testPageSize, testPageSize, true, true, false); err != defs.BadArgument {
		t.Fatalf("expected BadArgument for overlapping region, got %v", err)
	}
}

// TestFaultOutsideAnyRegion: a fault not covered by any region is a bad
// address, not a panic.
func TestFaultOutsideAnyRegion(t *testing.T) {
	k := newKernel(t, 4)
	as, _ := NewAddressSpace(k, 0x80000000)
	if err := as.Fault(0, defs.Read, 0x50000000); err != defs.BadAddress {
		t.Fatalf("expected BadAddress, got %v", err)
	}
}

// TestCloneIsIndependent: a copied address space sees the source's bytes
// but is isolated from later writes to it.
func TestCloneIsIndependent(t *testing.T) {
	k := newKernel(t, 8)
	as, _ := NewAddressSpace(k, 0x80000000)
	base, err := as.DefineRegion(0, 0x40000000, 2*testPageSize, true, true, false)
	if err != defs.None {
		t.Fatalf("DefineRegion failed: %v", err)
	}
	if err := as.Fault(0, defs.Write, base); err != defs.None {
		t.Fatalf("fault page 0 failed: %v", err)
	}
	if err := as.Fault(0, defs.Write, base+testPageSize); err != defs.None {
		t.Fatalf("fault page 1 failed: %v", err)
	}

	writeByte(t, as, base, 0xAA)
	writeByte(t, as, base+testPageSize, 0xBB)

	clone, err := as.Copy(0)
	if err != defs.None {
		t.Fatalf("Copy failed: %v", err)
	}

	if err := clone.Fault(0, defs.Read, base); err != defs.None {
		t.Fatalf("clone fault page 0 failed: %v", err)
	}
	if err := clone.Fault(0, defs.Read, base+testPageSize); err != defs.None {
		t.Fatalf("clone fault page 1 failed: %v", err)
	}
	if got := readByte(t, clone, base); got != 0xAA {
		t.Fatalf("clone page 0: got %x want 0xAA", got)
	}
	if got := readByte(t, clone, base+testPageSize); got != 0xBB {
		t.Fatalf("clone page 1: got %x want 0xBB", got)
	}

	writeByte(t, as, base, 0xCC)
	if got := readByte(t, clone, base); got != 0xAA {
		t.Fatalf("clone page 0 mutated by source write: got %x", got)
	}
}

func writeByte(t *testing.T, as *AS, vaddr uintptr, v byte) {
	t.Helper()
	reg, idx, ok := as.lookupLocked(vaddr)
	if !ok {
		t.Fatalf("writeByte: vaddr %x not covered by any region", vaddr)
	}
	paddr := reg.Pages[idx].Paddr()
	as.k.Frames.Wire(paddr)
	as.k.Frames.FrameBytes(paddr)[0] = v
	as.k.Frames.Unwire(paddr)
}

func readByte(t *testing.T, as *AS, vaddr uintptr) byte {
	t.Helper()
	reg, idx, ok := as.lookupLocked(vaddr)
	if !ok {
		t.Fatalf("readByte: vaddr %x not covered by any region", vaddr)
	}
	paddr := reg.Pages[idx].Paddr()
	as.k.Frames.Wire(paddr)
	v := as.k.Frames.FrameBytes(paddr)[0]
	as.k.Frames.Unwire(paddr)
	return v
}

// TestFaultTriggersEviction: with the frame table full of pageable user
// pages, faulting in one more page must evict exactly one victim, write it
// to its reserved swap slot, and leave the table's accounting at upages=3,
// free=0 (the kernel's own frame, held across the whole test, never
// participates).
func TestFaultTriggersEviction(t *testing.T) {
	// Five raw pages, one stolen at bootstrap for frame metadata: four
	// managed frames, one of which the kernel holds for the whole test.
	k := newKernel(t, 5)
	if _, err := k.AllocKpages(0, 1); err != defs.None {
		t.Fatalf("kernel reservation failed: %v", err)
	}

	as, _ := NewAddressSpace(k, 0x80000000)
	base, err := as.DefineRegion(0, 0x40000000, 4*testPageSize, true, true, false)
	if err != defs.None {
		t.Fatalf("DefineRegion failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		vaddr := base + uintptr(i*testPageSize)
		if err := as.Fault(0, defs.Write, vaddr); err != defs.None {
			t.Fatalf("fault %d failed: %v", i, err)
		}
		writeByte(t, as, vaddr, byte(0x10+i))
	}

	_, _, upagesBefore, freeBefore := k.Frames.Stats()
	if freeBefore != 0 {
		t.Fatalf("expected table to be exactly full before the evicting fault, free=%d", freeBefore)
	}

	fourth := base + 3*testPageSize
	if err := as.Fault(0, defs.Write, fourth); err != defs.None {
		t.Fatalf("evicting fault failed: %v", err)
	}
	writeByte(t, as, fourth, 0x99)

	_, _, upagesAfter, freeAfter := k.Frames.Stats()
	if upagesAfter != upagesBefore {
		t.Fatalf("expected upages unchanged across the evicting fault: before=%d after=%d", upagesBefore, upagesAfter)
	}
	if freeAfter != 0 {
		t.Fatalf("expected table still exactly full after the evicting fault, free=%d", freeAfter)
	}

	// The victim's content must round-trip through swap: refaulting any of
	// the first three pages must still read back what was written.
	for i := 0; i < 3; i++ {
		vaddr := base + uintptr(i*testPageSize)
		if err := as.Fault(0, defs.Read, vaddr); err != defs.None {
			t.Fatalf("refault %d failed: %v", i, err)
		}
		if got := readByte(t, as, vaddr); got != byte(0x10+i) {
			t.Fatalf("page %d: got %x want %x after round trip through eviction", i, got, 0x10+i)
		}
	}
	if got := readByte(t, as, fourth); got != 0x99 {
		t.Fatalf("fourth page: got %x want 0x99", got)
	}
}

// TestDefineStack checks that the stack region lands at the configured
// base with the configured size and that its pages fault in demand-zero.
func TestDefineStack(t *testing.T) {
	k := newKernel(t, 8)
	as, _ := NewAddressSpace(k, 0x80000000)
	top, err := as.DefineStack(0)
	if err != defs.None {
		t.Fatalf("DefineStack failed: %v", err)
	}
	if top != k.Cfg.UserStackBase+k.Cfg.UserStackSize {
		t.Fatalf("stack top: got %x want %x", top, k.Cfg.UserStackBase+k.Cfg.UserStackSize)
	}
	sp := top - uintptr(testPageSize)
	if err := as.Fault(0, defs.Write, sp); err != defs.None {
		t.Fatalf("stack fault failed: %v", err)
	}
	if got := readByte(t, as, sp); got != 0 {
		t.Fatalf("expected zero-filled stack page, got %x", got)
	}
}

// TestReadOnlyFaultConvertsToWritable exercises the READONLY path: after a
// read fault, a ReadOnly fault on the same page succeeds instead of failing
// and leaves a live TLB entry for it. The entry's writable bit is not
// inspected here.
func TestReadOnlyFaultConvertsToWritable(t *testing.T) {
	k := newKernel(t, 8)
	as, _ := NewAddressSpace(k, 0x80000000)
	base, err := as.DefineRegion(0, 0x40000000, testPageSize, true, true, false)
	if err != defs.None {
		t.Fatalf("DefineRegion failed: %v", err)
	}
	if err := as.Fault(0, defs.Read, base); err != defs.None {
		t.Fatalf("read fault failed: %v", err)
	}
	if err := as.Fault(0, defs.ReadOnly, base); err != defs.None {
		t.Fatalf("readonly fault failed: %v", err)
	}
	if _, ok := k.TLB.Probe(0, base); !ok {
		t.Fatal("expected a live TLB entry after the readonly refault")
	}
}

// TestHeapGrowAndShrink: sbrk-style growth returns the previous break,
// newly exposed heap reads zero, and shrinking back unmaps it.
func TestHeapGrowAndShrink(t *testing.T) {
	k := newKernel(t, 8)
	heapStart := uintptr(0x60000000)
	as, _ := NewAddressSpace(k, heapStart)

	prev, err := as.HeapGrow(0, 0x1000)
	if err != defs.None {
		t.Fatalf("first HeapGrow failed: %v", err)
	}
	if prev != heapStart {
		t.Fatalf("expected first HeapGrow to return heapStart, got %x", prev)
	}
	prev, err = as.HeapGrow(0, 0x1000)
	if err != defs.None {
		t.Fatalf("second HeapGrow failed: %v", err)
	}
	if prev != heapStart+0x1000 {
		t.Fatalf("expected second HeapGrow to return heapStart+0x1000, got %x", prev)
	}

	if err := as.Fault(0, defs.Read, heapStart+0x800); err != defs.None {
		t.Fatalf("heap fault failed: %v", err)
	}
	if got := readByte(t, as, heapStart+0x800); got != 0 {
		t.Fatalf("expected zero-filled heap byte, got %x", got)
	}

	if _, err := as.HeapGrow(0, -0x2000); err != defs.None {
		t.Fatalf("heap shrink failed: %v", err)
	}
	if err := as.Fault(0, defs.Read, heapStart); err != defs.BadAddress {
		t.Fatalf("expected BadAddress after shrinking heap to zero, got %v", err)
	}
}

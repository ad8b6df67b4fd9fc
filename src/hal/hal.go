// Package hal declares the platform primitives the virtual-memory core
// consumes but does not itself implement: RAM discovery, TLB instructions,
// inter-processor shootdown delivery, and raw block I/O. Real kernels wire
// these to assembly and device drivers; NewSimRAM, NewSimTLB, NewSimIPI and
// NewMemBlockDevice wire them to plain Go so the core can be built and
// tested hosted.
package hal

/// Shootdown is the payload an IPI handler receives on the target CPU,
/// naming the TLB slot and the frame-table index that triggered the
/// shootdown.
type Shootdown struct {
	TLBIx int
	CmeIx int
}

/// RAM reports the extent of physical memory and services the bootstrap
/// steal-allocator used before the frame table exists.
type RAM interface {
	/// Bounds returns the first and last physical addresses managed by
	/// the machine.
	Bounds() (first, last uintptr)
	/// StealMem carves npages contiguous pages out of the not-yet
	/// managed region and returns their base physical address. It may
	/// only be called before the frame table is bootstrapped.
	StealMem(npages int) uintptr
	/// RAMSize reports the total installed RAM in bytes.
	RAMSize() uintptr
	/// Bytes returns the backing slice for the n bytes starting at paddr,
	/// letting the frame table zero/clone/dmap pages without unsafe
	/// pointer arithmetic.
	Bytes(paddr uintptr, n int) []byte
}

/// TLBHardware is the hardware TLB instruction set: read/write/probe one
/// slot at a time, the way tlb_read/tlb_write/tlb_probe do in the
/// architecture layer this core sits above.
type TLBHardware interface {
	/// Read returns the entry at slot and whether it is valid.
	Read(slot int) (hi, lo uint64, valid bool)
	/// Write installs (hi, lo) at slot.
	Write(slot int, hi, lo uint64)
	/// Invalidate marks slot invalid.
	Invalidate(slot int)
	/// Probe returns the slot currently mapping vaddr, or ok=false.
	Probe(vaddr uintptr) (slot int, ok bool)
	/// NumSlots returns the fixed TLB size (NUM_TLB).
	NumSlots() int
}

/// IPISender delivers a TLB shootdown request to another CPU. The target
/// CPU is expected to eventually invoke the core's shootdown handler with
/// ts.
type IPISender interface {
	ShootdownIPI(cpu int, ts Shootdown)
}

/// BlockDevice is raw, page-granularity I/O against the swap backing
/// store: the filesystem/VFS surface this core treats as an external
/// collaborator.
type BlockDevice interface {
	ReadAt(p []byte, off int64) error
	WriteAt(p []byte, off int64) error
	Size() int64
}

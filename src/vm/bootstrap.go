// Package vm implements the address space (C6) and the externally exposed
// vm_fault/vm_map/vm_unmap/vm_tlbshootdown*/alloc_kpages/free_kpages API,
// wiring the frame table, swap store, and TLB layer into one kernel-wide
// context at bootstrap.
package vm

import (
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"defs"
	"hal"
	"mem"
	"swap"
	"tlb"
)

/// Config bundles the policy constants the core is parameterized on. It
/// is a plain struct, not parsed from flags or environment: there is no
/// process boundary across which to parse configuration, so whatever
/// embeds the core fills it in directly.
type Config struct {
	PageSize         int
	NumTLB           int
	SwapMinFactor    int
	ProcMaxHeapPages int
	UserStackBase    uintptr
	UserStackSize    uintptr
}

/// Kernel bundles the frame table, swap store, and TLB layer into a
/// single kernel-wide context, so tests can run multiple independent
/// instances concurrently instead of relying on package-level globals.
type Kernel struct {
	Frames *mem.Table
	Swap   *swap.Store
	TLB    *tlb.Layer
	Cfg    Config
}

/// Bootstrap wires ram, the boot CPU's TLB hardware, the IPI fabric, and
/// the swap device into one Kernel. Additional CPUs register their
/// hardware with AddCPU before they can fault or be targeted by a
/// shootdown. Panics (via swap.Bootstrap) if dev is smaller than
/// SwapMinFactor x RAM size.
func Bootstrap(ram hal.RAM, bootTLB hal.TLBHardware, ipi hal.IPISender, dev hal.BlockDevice, cfg Config) (*Kernel, error) {
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("vm: PageSize must be positive, got %d", cfg.PageSize)
	}
	if cfg.SwapMinFactor <= 0 {
		return nil, fmt.Errorf("vm: SwapMinFactor must be positive, got %d", cfg.SwapMinFactor)
	}

	frames := mem.Bootstrap(ram, cfg.PageSize)
	layer := tlb.New(frames, ipi, cfg.PageSize)
	layer.AddCPU(0, bootTLB)
	store := swap.Bootstrap(dev, frames, cfg.PageSize, ram.RAMSize(), cfg.SwapMinFactor)

	k := &Kernel{Frames: frames, Swap: store, TLB: layer, Cfg: cfg}
	fmt.Println(k.bootBanner())
	return k, nil
}

func (k *Kernel) bootBanner() string {
	p := message.NewPrinter(language.English)
	total, _, _, free := k.Frames.Stats()
	swTotal, swFree, _, _ := k.Swap.Stats()
	return p.Sprintf("vmcore: %d physical frames (%d free), %d swap slots (%d free)",
		total, free, swTotal, swFree)
}

/// AddCPU registers an additional CPU's TLB hardware. Must be called
/// before that CPU faults, maps, or is targeted by a shootdown.
func (k *Kernel) AddCPU(cpu int, hw hal.TLBHardware) {
	k.TLB.AddCPU(cpu, hw)
}

/// Fault is the vm_fault entry point: it resolves a page fault against as
/// at vaddr on behalf of cpu.
func (k *Kernel) Fault(cpu int, as *AS, ft defs.FaultType, vaddr uintptr) defs.Err {
	return as.Fault(cpu, ft, vaddr)
}

/// Map is the vm_map entry point: install a TLB mapping from vaddr to
/// paddr on cpu. The caller must already own paddr (e.g. via AllocKpages);
/// Map wires it for the duration of the install.
func (k *Kernel) Map(cpu int, vaddr, paddr uintptr, writable bool) {
	k.Frames.Wire(paddr)
	k.TLB.Install(cpu, vaddr, paddr, writable)
	k.Frames.Unwire(paddr)
}

/// Unmap is the vm_unmap entry point: invalidate vaddr's mapping on cpu,
/// if one exists.
func (k *Kernel) Unmap(cpu int, vaddr uintptr) {
	k.TLB.UnmapAddr(cpu, vaddr)
}

/// TLBShootdown is the vm_tlbshootdown entry point: the IPI handler
/// invoked on cpu when another CPU's eviction targets one of cpu's TLB
/// entries.
func (k *Kernel) TLBShootdown(cpu int, ts hal.Shootdown) {
	k.TLB.Shootdown(cpu, ts)
}

/// TLBShootdownAll is the vm_tlbshootdown_all entry point: clears cpu's
/// local TLB and wakes the shootdown channel, used on context switch.
func (k *Kernel) TLBShootdownAll(cpu int) {
	k.TLB.ShootdownAll(cpu)
}

/// AllocKpages is the kernel allocator surface (alloc_kpages) on top of
/// the frame table: npages contiguous pageable frames for kernel use.
func (k *Kernel) AllocKpages(cpu, npages int) (uintptr, defs.Err) {
	return k.AllocKpagesCtx(cpu, npages, false)
}

/// AllocKpagesCtx is AllocKpages with an explicit interrupt flag, so an
/// interrupt handler can request kernel pages without ever triggering
/// page replacement: interrupt-context allocation never evicts and fails
/// with OutOfMemory instead. A single page is routed to mem.Table.Alloc
/// rather than AllocKernelMulti, since the multi-page path picks the
/// lowest-indexed qualifying window while the single-page policy scans
/// top-down for the highest-indexed free frame.
func (k *Kernel) AllocKpagesCtx(cpu, npages int, interrupt bool) (uintptr, defs.Err) {
	if npages == 1 {
		return k.Frames.Alloc(cpu, nil, false, interrupt)
	}
	return k.Frames.AllocKernelMulti(cpu, npages, interrupt)
}

/// FreeKpages is free_kpages: release a kernel allocation made by
/// AllocKpages. The frame table walks forward from vaddr to the
/// last-of-run marker, so npages need not be supplied again.
func (k *Kernel) FreeKpages(cpu int, vaddr uintptr) {
	k.Frames.Free(cpu, vaddr, true)
}

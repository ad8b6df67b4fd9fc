// Package tlb implements the software-managed TLB layer (C3): per-CPU
// hardware TLB instructions, the frame table's reverse-pointer bookkeeping,
// and inter-processor shootdown delivery. Every operation executes under
// the frame table's single spinlock, so the (tlb_ix, cpu) reverse mapping
// is always updated atomically with the hardware entry itself.
package tlb

import (
	"math/rand"

	"hal"
	"mem"
)

const (
	validBit = uint64(1) << 0
	dirtyBit = uint64(1) << 1
)

/// Layer owns one simulated or real hal.TLBHardware per CPU plus the IPI
/// fabric used to deliver shootdowns, and wires itself into mem.Table as
/// its TLBController.
type Layer struct {
	table    *mem.Table
	ipi      hal.IPISender
	hw       map[int]hal.TLBHardware
	pageMask uintptr
	rng      *rand.Rand
}

/// New constructs a TLB layer over table, wiring itself in as table's
/// controller. ipi delivers shootdown IPIs between CPUs.
func New(table *mem.Table, ipi hal.IPISender, pageSize int) *Layer {
	l := &Layer{
		table:    table,
		ipi:      ipi,
		hw:       make(map[int]hal.TLBHardware),
		pageMask: ^uintptr(pageSize - 1),
		rng:      rand.New(rand.NewSource(2)),
	}
	table.SetController(l)
	return l
}

/// AddCPU registers the hardware TLB for cpu. Must be called before any
/// operation targets that cpu.
func (l *Layer) AddCPU(cpu int, hw hal.TLBHardware) {
	l.hw[cpu] = hw
}

func (l *Layer) hwFor(cpu int) hal.TLBHardware {
	hw, ok := l.hw[cpu]
	if !ok {
		panic("tlb: no hardware registered for cpu")
	}
	return hw
}

/// Probe reports the slot currently mapping vaddr on cpu, or ok=false.
func (l *Layer) Probe(cpu int, vaddr uintptr) (slot int, ok bool) {
	l.table.Lock()
	defer l.table.Unlock()
	return l.hwFor(cpu).Probe(vaddr & l.pageMask)
}

/// Invalidate writes an invalid entry at slot on cpu, clearing the frame
/// table's reverse pointer if the slot was live.
func (l *Layer) Invalidate(cpu, slot int) {
	l.table.Lock()
	defer l.table.Unlock()
	l.invalidateLocked(cpu, slot)
}

func (l *Layer) invalidateLocked(cpu, slot int) {
	hw := l.hwFor(cpu)
	_, _, valid := hw.Read(slot)
	hw.Invalidate(slot)
	if !valid {
		return
	}
	for ix := 0; ix < l.table.NumFrames(); ix++ {
		tlbIx, frameCPU := l.table.TLBIxLocked(ix)
		if tlbIx == slot && frameCPU == cpu {
			l.table.ClearTLBIxLocked(ix)
			break
		}
	}
}

/// Clear invalidates every slot on cpu.
func (l *Layer) Clear(cpu int) {
	l.table.Lock()
	defer l.table.Unlock()
	hw := l.hwFor(cpu)
	for slot := 0; slot < hw.NumSlots(); slot++ {
		l.invalidateLocked(cpu, slot)
	}
}

/// Evict picks a pseudo-random hardware slot on cpu and invalidates it,
/// distinct from frame-level eviction: this only frees up a TLB slot, not
/// a physical frame.
func (l *Layer) Evict(cpu int) int {
	l.table.Lock()
	defer l.table.Unlock()
	hw := l.hwFor(cpu)
	slot := l.rng.Intn(hw.NumSlots())
	l.invalidateLocked(cpu, slot)
	return slot
}

/// GetFreeSlot returns an invalid slot on cpu, evicting one if every slot
/// is currently valid.
func (l *Layer) GetFreeSlot(cpu int) int {
	l.table.Lock()
	defer l.table.Unlock()
	hw := l.hwFor(cpu)
	for slot := 0; slot < hw.NumSlots(); slot++ {
		if _, _, valid := hw.Read(slot); !valid {
			return slot
		}
	}
	slot := l.rng.Intn(hw.NumSlots())
	l.invalidateLocked(cpu, slot)
	return slot
}

/// Install maps vaddr to paddr on cpu, reusing an existing entry if one is
/// already installed, writable per the writable flag. The frame at paddr
/// must already be wired by the caller.
func (l *Layer) Install(cpu int, vaddr, paddr uintptr, writable bool) {
	l.table.Lock()
	defer l.table.Unlock()
	hw := l.hwFor(cpu)

	va := vaddr & l.pageMask
	slot, ok := hw.Probe(va)
	if ok {
		// The slot may map a different frame; clear that frame's reverse
		// pointer before reusing the slot.
		l.invalidateLocked(cpu, slot)
	} else {
		slot = l.getFreeSlotLocked(cpu)
	}
	lo := uint64(paddr&l.pageMask) | validBit
	if writable {
		lo |= dirtyBit
	}
	hw.Write(slot, uint64(va), lo)

	ix := l.table.IndexForPaddr(paddr)
	l.table.SetTLBIxLocked(ix, slot, cpu)
}

func (l *Layer) getFreeSlotLocked(cpu int) int {
	hw := l.hwFor(cpu)
	for slot := 0; slot < hw.NumSlots(); slot++ {
		if _, _, valid := hw.Read(slot); !valid {
			return slot
		}
	}
	slot := l.rng.Intn(hw.NumSlots())
	l.invalidateLocked(cpu, slot)
	return slot
}

/// Shootdown is the IPI handler invoked on the target cpu. It verifies the
/// frame at ts.CmeIx still points at this cpu and slot before invalidating,
/// since the mapping may have already changed by the time the interrupt
/// lands.
func (l *Layer) Shootdown(cpu int, ts hal.Shootdown) {
	l.table.Lock()
	defer l.table.Unlock()
	tlbIx, frameCPU := l.table.TLBIxLocked(ts.CmeIx)
	if tlbIx == ts.TLBIx && frameCPU == cpu {
		l.hwFor(cpu).Invalidate(ts.TLBIx)
		l.table.ClearTLBIxLocked(ts.CmeIx)
	}
	l.table.ShootdownBroadcastLocked()
}

/// ShootdownAll clears cpu's local TLB and wakes the shootdown channel; it
/// backs the vm_tlbshootdown_all entry point. Address-space activation
/// uses Clear instead.
func (l *Layer) ShootdownAll(cpu int) {
	l.table.Lock()
	defer l.table.Unlock()
	hw := l.hwFor(cpu)
	for slot := 0; slot < hw.NumSlots(); slot++ {
		l.invalidateLocked(cpu, slot)
	}
	l.table.ShootdownBroadcastLocked()
}

/// UnmapAddr invalidates vaddr's mapping on cpu if one is currently
/// installed, implementing the vm_unmap entry point. A no-op if vaddr is
/// not currently mapped on cpu.
func (l *Layer) UnmapAddr(cpu int, vaddr uintptr) {
	l.table.Lock()
	defer l.table.Unlock()
	hw := l.hwFor(cpu)
	slot, ok := hw.Probe(vaddr & l.pageMask)
	if !ok {
		return
	}
	l.invalidateLocked(cpu, slot)
}

// InvalidateFrame implements mem.TLBController. Called with the frame
// table's lock already held by the caller.
func (l *Layer) InvalidateFrame(cpu, ix int) {
	slot, frameCPU := l.table.TLBIxLocked(ix)
	if slot < 0 {
		return
	}
	if frameCPU != cpu {
		panic("tlb: InvalidateFrame cpu mismatch")
	}
	l.hwFor(cpu).Invalidate(slot)
	l.table.ClearTLBIxLocked(ix)
}

// SendShootdown implements mem.TLBController. Called with the frame
// table's lock already held by the caller; delivery is asynchronous.
func (l *Layer) SendShootdown(targetCPU, slot, ix int) {
	l.ipi.ShootdownIPI(targetCPU, hal.Shootdown{TLBIx: slot, CmeIx: ix})
}

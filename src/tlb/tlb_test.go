package tlb

import (
	"sync"
	"testing"
	"time"

	"defs"
	"hal"
	"mem"
)

type stubOwner struct {
	mu     sync.Mutex
	evicts int
}

func (o *stubOwner) Evict() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evicts++
}

func (o *stubOwner) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.evicts
}

func newHarness(npages int) (*mem.Table, *Layer, *hal.SimIPI) {
	ram := hal.NewSimRAM(npages, 4096)
	table := mem.Bootstrap(ram, 4096)
	ipi := hal.NewSimIPI()
	layer := New(table, ipi, 4096)
	return table, layer, ipi
}

func TestInstallAndProbe(t *testing.T) {
	table, layer, _ := newHarness(2)
	layer.AddCPU(0, hal.NewSimTLB(4))

	paddr, err := table.Alloc(0, nil, true, false)
	if err != defs.None {
		t.Fatalf("alloc failed: %v", err)
	}
	layer.Install(0, 0x4000, paddr, true)

	slot, ok := layer.Probe(0, 0x4000)
	if !ok {
		t.Fatal("expected probe hit after install")
	}
	ix := table.IndexForPaddr(paddr)
	gotSlot, gotCPU := lockedTLBIx(table, ix)
	if gotSlot != slot || gotCPU != 0 {
		t.Fatalf("reverse pointer mismatch: got (%d,%d) want (%d,0)", gotSlot, gotCPU, slot)
	}
}

func lockedTLBIx(table *mem.Table, ix int) (int, int) {
	table.Lock()
	defer table.Unlock()
	return table.TLBIxLocked(ix)
}

func TestInvalidateClearsReversePointer(t *testing.T) {
	table, layer, _ := newHarness(2)
	layer.AddCPU(0, hal.NewSimTLB(4))

	paddr, _ := table.Alloc(0, nil, true, false)
	layer.Install(0, 0x8000, paddr, false)
	ix := table.IndexForPaddr(paddr)

	slot, _ := lockedTLBIx(table, ix)
	layer.Invalidate(0, slot)

	gotSlot, _ := lockedTLBIx(table, ix)
	if gotSlot != -1 {
		t.Fatalf("expected reverse pointer cleared, got slot %d", gotSlot)
	}
}

func TestGetFreeSlotEvictsWhenFull(t *testing.T) {
	table, layer, _ := newHarness(2)
	layer.AddCPU(0, hal.NewSimTLB(1))

	paddr, _ := table.Alloc(0, nil, true, false)
	layer.Install(0, 0x1000, paddr, false)

	slot := layer.GetFreeSlot(0)
	if slot != 0 {
		t.Fatalf("expected the single slot to be reused, got %d", slot)
	}
	if _, ok := layer.Probe(0, 0x1000); ok {
		t.Fatal("expected the prior mapping to be invalidated")
	}
}

func TestShootdownAcrossCPUs(t *testing.T) {
	// Two raw pages, one stolen at bootstrap: exactly one managed frame,
	// so cpu1's allocation must force cpu0's mapping out.
	table, layer, ipi := newHarness(2)
	layer.AddCPU(0, hal.NewSimTLB(4))
	layer.AddCPU(1, hal.NewSimTLB(4))
	ipi.Register(0, layer.Shootdown)
	ipi.Register(1, layer.Shootdown)

	owner := &stubOwner{}
	paddr, err := table.Alloc(0, owner, false, false)
	if err != defs.None {
		t.Fatalf("alloc failed: %v", err)
	}
	layer.Install(0, 0x2000, paddr, true)

	done := make(chan struct{})
	var secondPaddr uintptr
	var secondErr defs.Err
	go func() {
		owner2 := &stubOwner{}
		secondPaddr, secondErr = table.Alloc(1, owner2, false, false)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shootdown-driven eviction to complete")
	}

	if secondErr != defs.None {
		t.Fatalf("second alloc failed: %v", secondErr)
	}
	if secondPaddr != paddr {
		t.Fatalf("expected single frame reused: got %d want %d", secondPaddr, paddr)
	}
	if owner.count() != 1 {
		t.Fatalf("expected original owner evicted exactly once, got %d", owner.count())
	}
	if _, ok := layer.Probe(0, 0x2000); ok {
		t.Fatal("expected cpu0's mapping to be invalidated by the shootdown")
	}
}

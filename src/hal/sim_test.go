package hal

import "testing"

func TestSimRAMSteal(t *testing.T) {
	r := NewSimRAM(16, 4096)
	a := r.StealMem(2)
	b := r.StealMem(1)
	if a != 0 {
		t.Fatalf("first steal should start at 0, got %d", a)
	}
	if b != 2*4096 {
		t.Fatalf("second steal should follow first, got %d", b)
	}
}

func TestSimRAMStealOverflowPanics(t *testing.T) {
	r := NewSimRAM(2, 4096)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on over-steal")
		}
	}()
	r.StealMem(3)
}

func TestSimTLBRoundtrip(t *testing.T) {
	tl := NewSimTLB(4)
	if _, ok := tl.Probe(0x1000); ok {
		t.Fatal("empty TLB should not probe valid")
	}
	tl.Write(1, 0x1000, 0xABC)
	slot, ok := tl.Probe(0x1000)
	if !ok || slot != 1 {
		t.Fatalf("probe after write: got (%d,%v)", slot, ok)
	}
	hi, lo, valid := tl.Read(1)
	if !valid || hi != 0x1000 || lo != 0xABC {
		t.Fatalf("read after write: got (%x,%x,%v)", hi, lo, valid)
	}
	tl.Invalidate(1)
	if _, _, valid := tl.Read(1); valid {
		t.Fatal("expected slot to be invalid after Invalidate")
	}
	if _, ok := tl.Probe(0x1000); ok {
		t.Fatal("expected probe to miss after Invalidate")
	}
}

func TestSimIPIDelivery(t *testing.T) {
	ipi := NewSimIPI()
	done := make(chan Shootdown, 1)
	ipi.Register(7, func(cpu int, ts Shootdown) {
		done <- ts
	})
	ipi.ShootdownIPI(7, Shootdown{TLBIx: 3, CmeIx: 9})
	got := <-done
	if got.TLBIx != 3 || got.CmeIx != 9 {
		t.Fatalf("unexpected shootdown payload: %+v", got)
	}
}

func TestMemBlockDeviceRoundtrip(t *testing.T) {
	d := NewMemBlockDevice(4096 * 4)
	want := make([]byte, 4096)
	for i := range want {
		want[i] = byte(i)
	}
	if err := d.WriteAt(want, 4096); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 4096)
	if err := d.ReadAt(got, 4096); err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %d want %d", i, got[i], want[i])
		}
	}
}

// Package swap implements the swap store (C2): a fixed-size bitmap of
// page-sized slots over a raw block device, plus the paging-giant lock
// that serializes swap I/O against eviction-triggered allocation.
package swap

import (
	"fmt"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"defs"
	"hal"
	"mem"
)

/// Store is the swap device: slot accounting guarded by a sleeping lock,
/// and the giant paging lock callers hold around each swap read or write.
type Store struct {
	mu     sync.Mutex
	giant  sync.Mutex
	dev    hal.BlockDevice
	frames *mem.Table

	pageSize int
	bitmap   []bool

	total, free, reserved, used int
}

/// Bootstrap opens the swap device's accounting over dev, sized at
/// pageSize-byte slots, and permanently reserves slot 0. It panics if dev
/// is smaller than minFactor times ramSize, mirroring SWAP_MIN_FACTOR.
func Bootstrap(dev hal.BlockDevice, frames *mem.Table, pageSize int, ramSize uintptr, minFactor int) *Store {
	if dev.Size() < int64(minFactor)*int64(ramSize) {
		panic(fmt.Sprintf("swap: device size %d below %dx RAM size %d", dev.Size(), minFactor, ramSize))
	}
	total := int(dev.Size() / int64(pageSize))
	s := &Store{
		dev:      dev,
		frames:   frames,
		pageSize: pageSize,
		bitmap:   make([]bool, total),
		total:    total,
	}
	s.bitmap[0] = true
	s.used = 1
	s.free = total - 1
	s.checkInvariant()
	return s
}

func (s *Store) checkInvariant() {
	if s.total != s.free+s.reserved+s.used {
		panic("swap: total != free+reserved+used")
	}
}

/// Stats reports the current slot accounting.
func (s *Store) Stats() (total, free, reserved, used int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, s.free, s.reserved, s.used
}

/// DumpStats renders a human-readable accounting line for the swap device,
/// formatting the slot counts the same way the coremap's dump does.
func (s *Store) DumpStats() string {
	total, free, reserved, used := s.Stats()
	p := message.NewPrinter(language.English)
	return p.Sprintf("swap: %d total, %d free, %d reserved, %d used", total, free, reserved, used)
}

/// Reserve grants n slots ahead of allocation, guaranteeing eviction never
/// fails for a page that reserved its home in advance.
func (s *Store) Reserve(n int) defs.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.free < n {
		return defs.OutOfSwap
	}
	s.free -= n
	s.reserved += n
	s.checkInvariant()
	return defs.None
}

/// Unreserve returns n previously reserved slots without consuming them.
func (s *Store) Unreserve(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserved < n {
		panic("swap: Unreserve of more than currently reserved")
	}
	s.reserved -= n
	s.free += n
	s.checkInvariant()
}

/// Alloc converts one reservation into an allocated slot and returns its
/// offset. Panics if no reserved slot can be found, which the reservation
/// discipline makes unreachable.
func (s *Store) Alloc() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserved == 0 {
		panic("swap: Alloc with no reservation outstanding")
	}
	for i, used := range s.bitmap {
		if !used {
			s.bitmap[i] = true
			s.reserved--
			s.used++
			s.checkInvariant()
			return i
		}
	}
	panic("swap: no free slot despite outstanding reservation")
}

/// Free releases a previously allocated slot.
func (s *Store) Free(offset int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bitmap[offset] {
		panic("swap: Free of an already-free slot")
	}
	s.bitmap[offset] = false
	s.used--
	s.free++
	s.checkInvariant()
}

/// LockGiant acquires the paging-giant lock. Callers hold it around each
/// individual Read or Write call, never across the frame-table lock.
func (s *Store) LockGiant() { s.giant.Lock() }

/// UnlockGiant releases the paging-giant lock.
func (s *Store) UnlockGiant() { s.giant.Unlock() }

/// Write issues a blocking write of the wired frame at paddr to slot
/// offset. The caller holds the frame wired and the giant lock, and does
/// not hold the frame-table lock.
func (s *Store) Write(paddr uintptr, offset int) {
	b := s.frames.FrameBytes(paddr)
	if err := s.dev.WriteAt(b, int64(offset)*int64(s.pageSize)); err != nil {
		panic(fmt.Errorf("swap: write to slot %d: %w: %v", offset, defs.IOFault, err))
	}
}

/// Read issues a blocking read of slot offset into the wired frame at
/// paddr, under the same calling convention as Write.
func (s *Store) Read(paddr uintptr, offset int) {
	b := s.frames.FrameBytes(paddr)
	if err := s.dev.ReadAt(b, int64(offset)*int64(s.pageSize)); err != nil {
		panic(fmt.Errorf("swap: read from slot %d: %w: %v", offset, defs.IOFault, err))
	}
}

// Package region implements the region (C5): a base virtual address plus
// a resizable sequence of logical-page slots, each either materialized
// (backed by a *page.Page) or nil ("not yet materialized; treat fault as
// demand-zero").
package region

import (
	"defs"
	"page"
	"swap"
)

/// UnmapFunc invalidates whatever TLB mappings point at vaddr, under the
/// frame-table lock. Region has no visibility into the TLB layer (C6 owns
/// that wiring), so Resize/Destroy take it as a callback, mirroring
/// vm_region_shrink's call into vm_unmap.
type UnmapFunc func(vaddr uintptr)

/// Region is one contiguous span of virtual address space belonging to an
/// address space, indexed into page-sized slots. A nil slot means the page
/// has never been faulted in; Region still holds a placeholder swap
/// reservation for it, which MaterializeSlot hands back once the page
/// exists. page.NewBlank reserves the page's own slot before that
/// hand-back, so materializing a slot can still fail with OutOfSwap when
/// the store has no unreserved slot left.
type Region struct {
	Base     uintptr
	Pages    []*page.Page
	pageSize int

	sw *swap.Store
}

/// Create reserves npages swap slots up front and returns an all-nil
/// region of that length at base. If the reservation cannot be granted,
/// nothing is allocated and the error is returned.
func Create(sw *swap.Store, base uintptr, npages, pageSize int) (*Region, defs.Err) {
	if err := sw.Reserve(npages); err != defs.None {
		return nil, err
	}
	return &Region{Base: base, Pages: make([]*page.Page, npages), pageSize: pageSize, sw: sw}, defs.None
}

/// NumPages returns the length of the region's slot vector.
func (r *Region) NumPages() int { return len(r.Pages) }

/// PageSize reports the machine page size this region was created with.
func (r *Region) PageSize() int { return r.pageSize }

/// MaterializeSlot stores p (freshly created via page.NewBlank by the
/// caller) at the previously-nil slot i, and hands the region's own
/// placeholder reservation for that slot back to the swap store — p's own
/// creation already reserved and allocated its own slot, so holding both
/// would double-count one slot of swap capacity per materialized page.
func (r *Region) MaterializeSlot(i int, p *page.Page) {
	if r.Pages[i] != nil {
		panic("region: MaterializeSlot on an already-materialized slot")
	}
	r.Pages[i] = p
	r.sw.Unreserve(1)
}

/// Resize grows or shrinks the region to npages. Shrinking unmaps and
/// destroys each dropped slot (or simply returns its placeholder
/// reservation if it was never materialized); growing reserves swap for
/// the new slots.
func (r *Region) Resize(cpu int, npages int, unmap UnmapFunc) defs.Err {
	if npages < len(r.Pages) {
		return r.shrink(cpu, npages, unmap)
	}
	return r.grow(npages)
}

func (r *Region) shrink(cpu int, npages int, unmap UnmapFunc) defs.Err {
	for i := len(r.Pages) - 1; i >= npages; i-- {
		p := r.Pages[i]
		if p == nil {
			r.sw.Unreserve(1)
			continue
		}
		unmap(r.Base + uintptr(i*r.pageSize))
		p.Destroy(cpu)
	}
	r.Pages = r.Pages[:npages]
	return defs.None
}

func (r *Region) grow(npages int) defs.Err {
	delta := npages - len(r.Pages)
	if delta == 0 {
		return defs.None
	}
	if err := r.sw.Reserve(delta); err != defs.None {
		return err
	}
	r.Pages = append(r.Pages, make([]*page.Page, delta)...)
	return defs.None
}

/// Clone creates a new region of the same base and length, reserving
/// placeholder swap for every slot up front (mirroring Create) and cloning
/// every materialized slot. A clone failure partway through gives back the
/// remaining placeholder reservations and destroys the slots already
/// cloned into the new region before returning the error.
func (r *Region) Clone(cpu int) (*Region, defs.Err) {
	n := len(r.Pages)
	if err := r.sw.Reserve(n); err != defs.None {
		return nil, err
	}
	newR := &Region{Base: r.Base, Pages: make([]*page.Page, n), pageSize: r.pageSize, sw: r.sw}
	cloned := 0
	for i, p := range r.Pages {
		if p == nil {
			continue
		}
		newP, err := p.Clone(cpu)
		if err != defs.None {
			// Every slot not successfully cloned (nil slots included)
			// still holds its placeholder; the cloned ones are destroyed,
			// which releases their own slots.
			r.sw.Unreserve(n - cloned)
			for j := 0; j < i; j++ {
				if newR.Pages[j] != nil {
					newR.Pages[j].Destroy(cpu)
				}
			}
			return nil, err
		}
		newR.Pages[i] = newP
		r.sw.Unreserve(1)
		cloned++
	}
	return newR, defs.None
}

/// Destroy releases every materialized page and every outstanding
/// placeholder reservation by resizing to zero.
func (r *Region) Destroy(cpu int, unmap UnmapFunc) {
	r.Resize(cpu, 0, unmap)
}

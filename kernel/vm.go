package kernel

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrNoMem means a physical page (or page-table page) could not be
	// allocated. The operation that hit it has already unwound.
	ErrNoMem = errors.New("out of memory")
	// ErrBadAddress means a user virtual address did not translate.
	ErrBadAddress = errors.New("bad address")
	// ErrTooLong means a user string had no NUL within the given bound.
	ErrTooLong = errors.New("string too long")
)

// pteRef is the location of one PTE inside a page-table page.
type pteRef struct {
	b []byte // 8 bytes of the table page, nil if the walk failed
}

func (r pteRef) ok() bool  { return r.b != nil }
func (r pteRef) get() Pte  { return Pte(binary.LittleEndian.Uint64(r.b)) }
func (r pteRef) set(v Pte) { binary.LittleEndian.PutUint64(r.b, uint64(v)) }

func (k *Kernel) pteAt(ptp uint64, idx uint64) pteRef {
	b := k.mach.page(ptp)
	return pteRef{b[idx*8 : idx*8+8]}
}

// walk returns the PTE in page table pt that corresponds to virtual
// address va. If alloc is true, create any required page-table pages.
//
// The Sv39 scheme has three levels of page-table pages. A page-table
// page contains 512 64-bit PTEs. A 64-bit virtual address is split into
// five fields:
//   39..63 -- must be zero.
//   30..38 -- 9 bits of level-2 index.
//   21..29 -- 9 bits of level-1 index.
//   12..20 -- 9 bits of level-0 index.
//    0..11 -- 12 bits of byte offset within the page.
func (k *Kernel) walk(c *CPU, pt Pagetable, va uint64, alloc bool) pteRef {
	if va >= MAXVA {
		kernelPanic("walk")
	}

	ptp := uint64(pt)
	for level := 2; level > 0; level-- {
		ref := k.pteAt(ptp, PX(level, va))
		if pte := ref.get(); pte&PTE_V != 0 {
			ptp = PTE2PA(pte)
		} else {
			if !alloc {
				return pteRef{}
			}
			np := k.kalloc(c)
			if np == 0 {
				return pteRef{}
			}
			k.mach.fill(np, 0)
			ref.set(PA2PTE(np) | PTE_V)
			ptp = np
		}
	}
	return k.pteAt(ptp, PX(0, va))
}

// walkaddr looks up a user virtual address and returns the physical
// address of its page, or 0 if not mapped or not a user page.
func (k *Kernel) walkaddr(pt Pagetable, va uint64) uint64 {
	if va >= MAXVA {
		return 0
	}
	ref := k.walk(nil, pt, va, false)
	if !ref.ok() {
		return 0
	}
	pte := ref.get()
	if pte&PTE_V == 0 || pte&PTE_U == 0 {
		return 0
	}
	return PTE2PA(pte)
}

// translate maps a user virtual address to a physical address for an
// access needing perm, mirroring the MMU's leaf check: valid, user
// accessible, and the permission bit set.
func (k *Kernel) translate(pt Pagetable, va uint64, perm Pte) (uint64, bool) {
	if va >= MAXVA {
		return 0, false
	}
	ref := k.walk(nil, pt, PGROUNDDOWN(va), false)
	if !ref.ok() {
		return 0, false
	}
	pte := ref.get()
	if pte&PTE_V == 0 || pte&PTE_U == 0 || pte&perm == 0 {
		return 0, false
	}
	return PTE2PA(pte) + va%PGSIZE, true
}

// mappages creates PTEs for virtual addresses starting at va that refer
// to physical addresses starting at pa. va and size MAY not be
// page-aligned. Returns ErrNoMem if walk couldn't allocate a needed
// page-table page. An already-present mapping is fatal: overwrites are
// never silent.
func (k *Kernel) mappages(c *CPU, pt Pagetable, va, size, pa uint64, perm Pte) error {
	if size == 0 {
		kernelPanic("mappages: size")
	}
	a := PGROUNDDOWN(va)
	last := PGROUNDDOWN(va + size - 1)
	for {
		ref := k.walk(c, pt, a, true)
		if !ref.ok() {
			return ErrNoMem
		}
		if ref.get()&PTE_V != 0 {
			kernelPanic("mappages: remap")
		}
		ref.set(PA2PTE(pa) | perm | PTE_V)
		if a == last {
			break
		}
		a += PGSIZE
		pa += PGSIZE
	}
	return nil
}

// uvmunmap removes npages of mappings starting from va. va must be
// page-aligned and the mappings must exist. Optionally free the
// physical memory.
func (k *Kernel) uvmunmap(c *CPU, pt Pagetable, va, npages uint64, doFree bool) {
	if va%PGSIZE != 0 {
		kernelPanic("uvmunmap: not aligned")
	}
	for a := va; a < va+npages*PGSIZE; a += PGSIZE {
		ref := k.walk(c, pt, a, false)
		if !ref.ok() {
			kernelPanic("uvmunmap: walk")
		}
		pte := ref.get()
		if pte&PTE_V == 0 {
			kernelPanic("uvmunmap: not mapped")
		}
		if PTEFLAGS(pte) == PTE_V {
			kernelPanic("uvmunmap: not a leaf")
		}
		if doFree {
			k.kfree(c, PTE2PA(pte))
		}
		ref.set(0)
	}
}

// uvmcreate creates an empty user page table.
// Returns 0 if out of memory.
func (k *Kernel) uvmcreate(c *CPU) Pagetable {
	pa := k.kalloc(c)
	if pa == 0 {
		return 0
	}
	k.mach.fill(pa, 0)
	return Pagetable(pa)
}

// uvmfirst loads the initcode into address 0 of pagetable,
// for the very first process. sz must be less than a page.
func (k *Kernel) uvmfirst(c *CPU, pt Pagetable, src []byte) {
	if uint64(len(src)) >= PGSIZE {
		kernelPanic("uvmfirst: more than a page")
	}
	pa := k.kalloc(c)
	if pa == 0 {
		kernelPanic("uvmfirst: kalloc")
	}
	k.mach.fill(pa, 0)
	if err := k.mappages(c, pt, 0, PGSIZE, pa, PTE_W|PTE_R|PTE_X|PTE_U); err != nil {
		kernelPanic("uvmfirst: mappages")
	}
	copy(k.mach.page(pa), src)
}

// uvmalloc grows a process's memory from oldsz to newsz, which need not
// be page aligned, allocating one physical page per added virtual page.
// On any failure mid-growth it frees everything added in this call, so
// the address space is left exactly as found. Returns the new size.
func (k *Kernel) uvmalloc(c *CPU, pt Pagetable, oldsz, newsz uint64, xperm Pte) (uint64, error) {
	if newsz < oldsz {
		return oldsz, nil
	}

	oldsz = PGROUNDUP(oldsz)
	for a := oldsz; a < newsz; a += PGSIZE {
		mem := k.kalloc(c)
		if mem == 0 {
			k.uvmdealloc(c, pt, a, oldsz)
			return oldsz, ErrNoMem
		}
		k.mach.fill(mem, 0)
		if err := k.mappages(c, pt, a, PGSIZE, mem, PTE_R|PTE_U|xperm); err != nil {
			k.kfree(c, mem)
			k.uvmdealloc(c, pt, a, oldsz)
			return oldsz, ErrNoMem
		}
	}
	return newsz, nil
}

// uvmdealloc shrinks a process's memory from oldsz to newsz, unmapping
// and freeing exactly the pages beyond the new size. oldsz and newsz
// need not be page-aligned. Returns the new size.
func (k *Kernel) uvmdealloc(c *CPU, pt Pagetable, oldsz, newsz uint64) uint64 {
	if newsz >= oldsz {
		return oldsz
	}
	if PGROUNDUP(newsz) < PGROUNDUP(oldsz) {
		npages := (PGROUNDUP(oldsz) - PGROUNDUP(newsz)) / PGSIZE
		k.uvmunmap(c, pt, PGROUNDUP(newsz), npages, true)
	}
	return newsz
}

// freewalk recursively frees page-table pages.
// All leaf mappings must already have been removed.
func (k *Kernel) freewalk(c *CPU, pt Pagetable) {
	// there are 2^9 = 512 PTEs in a page table.
	for i := uint64(0); i < 512; i++ {
		ref := k.pteAt(uint64(pt), i)
		pte := ref.get()
		if pte&PTE_V != 0 && pte&(PTE_R|PTE_W|PTE_X) == 0 {
			// this PTE points to a lower-level page table.
			k.freewalk(c, Pagetable(PTE2PA(pte)))
			ref.set(0)
		} else if pte&PTE_V != 0 {
			kernelPanic("freewalk: leaf")
		}
	}
	k.kfree(c, uint64(pt))
}

// uvmfree frees user memory pages, then free page-table pages.
func (k *Kernel) uvmfree(c *CPU, pt Pagetable, sz uint64) {
	if sz > 0 {
		k.uvmunmap(c, pt, 0, PGROUNDUP(sz)/PGSIZE, true)
	}
	k.freewalk(c, pt)
}

// uvmcopy copies a parent process's page table into a child's, for
// fork: both the table and the contents of every mapped page. Any
// failure mid-copy unwinds all pages copied so far before returning.
func (k *Kernel) uvmcopy(c *CPU, old, new Pagetable, sz uint64) error {
	for i := uint64(0); i < sz; i += PGSIZE {
		ref := k.walk(c, old, i, false)
		if !ref.ok() {
			kernelPanic("uvmcopy: pte should exist")
		}
		pte := ref.get()
		if pte&PTE_V == 0 {
			kernelPanic("uvmcopy: page not present")
		}
		pa := PTE2PA(pte)
		flags := PTEFLAGS(pte)

		mem := k.kalloc(c)
		if mem == 0 {
			k.uvmunmap(c, new, 0, i/PGSIZE, true)
			return ErrNoMem
		}
		copy(k.mach.page(mem), k.mach.page(pa))
		if err := k.mappages(c, new, i, PGSIZE, mem, flags); err != nil {
			k.kfree(c, mem)
			k.uvmunmap(c, new, 0, i/PGSIZE, true)
			return ErrNoMem
		}
	}
	return nil
}

// uvmclear marks a PTE invalid for user access; used by exec for the
// user stack guard page.
func (k *Kernel) uvmclear(c *CPU, pt Pagetable, va uint64) {
	ref := k.walk(c, pt, va, false)
	if !ref.ok() {
		kernelPanic("uvmclear")
	}
	ref.set(ref.get() &^ PTE_U)
}

// copyout copies src into user virtual address dstva in the given page
// table, one physical page segment at a time: backing frames need not
// be contiguous. A zero-length copy trivially succeeds; translation
// misses and read-only pages fail with ErrBadAddress.
func (k *Kernel) copyout(pt Pagetable, dstva uint64, src []byte) error {
	for len(src) > 0 {
		va0 := PGROUNDDOWN(dstva)
		if va0 >= MAXVA {
			return ErrBadAddress
		}
		ref := k.walk(nil, pt, va0, false)
		if !ref.ok() {
			return ErrBadAddress
		}
		pte := ref.get()
		if pte&PTE_V == 0 || pte&PTE_U == 0 || pte&PTE_W == 0 {
			return ErrBadAddress
		}
		pa0 := PTE2PA(pte)
		n := PGSIZE - (dstva - va0)
		if n > uint64(len(src)) {
			n = uint64(len(src))
		}
		copy(k.mach.bytes(pa0+(dstva-va0), int(n)), src[:n])
		src = src[n:]
		dstva = va0 + PGSIZE
	}
	return nil
}

// copyin copies len(dst) bytes from user virtual address srcva in the
// given page table into dst.
func (k *Kernel) copyin(pt Pagetable, dst []byte, srcva uint64) error {
	for len(dst) > 0 {
		va0 := PGROUNDDOWN(srcva)
		pa0 := k.walkaddr(pt, va0)
		if pa0 == 0 {
			return ErrBadAddress
		}
		n := PGSIZE - (srcva - va0)
		if n > uint64(len(dst)) {
			n = uint64(len(dst))
		}
		copy(dst[:n], k.mach.bytes(pa0+(srcva-va0), int(n)))
		dst = dst[n:]
		srcva = va0 + PGSIZE
	}
	return nil
}

// copyinstr copies a NUL-terminated string of at most max bytes from
// user virtual address srcva. ErrTooLong if no NUL was found in bounds.
func (k *Kernel) copyinstr(pt Pagetable, srcva uint64, max int) (string, error) {
	var out []byte
	for max > 0 {
		va0 := PGROUNDDOWN(srcva)
		pa0 := k.walkaddr(pt, va0)
		if pa0 == 0 {
			return "", ErrBadAddress
		}
		n := int(PGSIZE - (srcva - va0))
		if n > max {
			n = max
		}
		seg := k.mach.bytes(pa0+(srcva-va0), n)
		for i := 0; i < n; i++ {
			if seg[i] == 0 {
				return string(append(out, seg[:i]...)), nil
			}
		}
		out = append(out, seg...)
		max -= n
		srcva = va0 + PGSIZE
	}
	return "", ErrTooLong
}

// kvminit makes the kernel's direct-map page table. The trampoline page
// is the first page of the kernel image, mapped both in place and at
// the top of the virtual address space.
func (k *Kernel) kvminit(c *CPU) {
	k.kpgtbl = k.uvmcreate(c)
	if k.kpgtbl == 0 {
		kernelPanic("kvminit: kalloc")
	}
	k.trampoline = KERNBASE

	// uart registers
	k.kvmmap(c, UART0, UART0, PGSIZE, PTE_R|PTE_W)
	// virtio mmio disk interface
	k.kvmmap(c, VIRTIO0, VIRTIO0, PGSIZE, PTE_R|PTE_W)
	// PLIC
	k.kvmmap(c, PLIC, PLIC, 0x400000, PTE_R|PTE_W)
	// kernel image: text, including the trampoline page
	k.kvmmap(c, KERNBASE, KERNBASE, k.kernelEnd()-KERNBASE, PTE_R|PTE_X)
	// the rest of RAM
	k.kvmmap(c, k.kernelEnd(), k.kernelEnd(), k.mach.physTop-k.kernelEnd(), PTE_R|PTE_W)
	// the trampoline, at the highest virtual address in the kernel too
	k.kvmmap(c, TRAMPOLINE, k.trampoline, PGSIZE, PTE_R|PTE_X)
}

// kvmmap adds a mapping to the kernel page table; only used at boot.
func (k *Kernel) kvmmap(c *CPU, va, pa, sz uint64, perm Pte) {
	if err := k.mappages(c, k.kpgtbl, va, sz, pa, perm); err != nil {
		kernelPanic("kvmmap")
	}
}

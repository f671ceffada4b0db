package kernel

import "encoding/binary"

// Physical memory allocator, for user processes, kernel stacks and
// page-table pages. Allocates whole 4096-byte pages from a freelist
// whose links live inside the free pages themselves.

type kmem struct {
	lock     Spinlock
	freelist uint64 // PA of the first free page, or 0
	free     int    // number of free pages (diagnostics)
}

// kernelEnd is the first address after the reserved kernel image pages.
func (k *Kernel) kernelEnd() uint64 {
	return KERNBASE + nkernpages*PGSIZE
}

func (k *Kernel) kinit(c *CPU) {
	initlock(&k.kmem.lock, "kmem")
	k.freerange(c, k.kernelEnd(), k.mach.physTop)
	k.log.Debugf("kinit: %d pages free", k.kmem.free)
}

func (k *Kernel) freerange(c *CPU, paStart, paEnd uint64) {
	for pa := PGROUNDUP(paStart); pa+PGSIZE <= paEnd; pa += PGSIZE {
		k.kfree(c, pa)
	}
}

// kfree frees the page of physical memory at pa, which normally should
// have been returned by a call to kalloc. (The exception is when
// initializing the allocator; see kinit above.)
func (k *Kernel) kfree(c *CPU, pa uint64) {
	if pa%PGSIZE != 0 || pa < k.kernelEnd() || pa >= k.mach.physTop {
		kernelPanic("kfree")
	}

	// Fill with junk to catch dangling refs.
	k.mach.fill(pa, 1)

	k.kmem.lock.acquire(c)
	binary.LittleEndian.PutUint64(k.mach.page(pa), k.kmem.freelist)
	k.kmem.freelist = pa
	k.kmem.free++
	k.kmem.lock.release(c)
}

// kalloc allocates one 4096-byte page of physical memory.
// Returns 0 if the memory cannot be allocated; never blocks.
func (k *Kernel) kalloc(c *CPU) uint64 {
	k.kmem.lock.acquire(c)
	pa := k.kmem.freelist
	if pa != 0 {
		k.kmem.freelist = binary.LittleEndian.Uint64(k.mach.page(pa))
		k.kmem.free--
	}
	k.kmem.lock.release(c)

	if pa != 0 {
		k.mach.fill(pa, 5) // fill with junk
	}
	return pa
}

// freepages reports how many pages are on the freelist.
func (k *Kernel) freepages(c *CPU) int {
	k.kmem.lock.acquire(c)
	n := k.kmem.free
	k.kmem.lock.release(c)
	return n
}

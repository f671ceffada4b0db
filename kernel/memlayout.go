package kernel

// Physical memory layout of the simulated machine, matching qemu's
// -machine virt so the constants line up with the real hardware target.
//
// 0C000000 -- PLIC
// 10000000 -- uart0
// 10001000 -- virtio disk
// 80000000 -- kernel image (the trampoline page lives here)
// end      -- start of kernel page allocation area
// PHYSTOP  -- end of RAM used by the kernel

// qemu puts UART registers here in physical memory.
const (
	UART0     = uint64(0x10000000)
	UART0_IRQ = 10
)

// virtio mmio interface
const (
	VIRTIO0     = uint64(0x10001000)
	VIRTIO0_IRQ = 1
)

// core local interruptor (CLINT), which contains the timer.
const (
	CLINT       = uint64(0x2000000)
	CLINT_MTIME = CLINT + 0xBFF8
)

// qemu puts the platform-level interrupt controller (PLIC) here.
const PLIC = uint64(0x0c000000)

// RAM for the kernel and user pages runs from KERNBASE to PHYSTOP.
// PHYSTOP depends on the configured memory size; see Machine.
const KERNBASE = uint64(0x80000000)

// Pages reserved at the bottom of RAM for the "kernel image". The
// trampoline page is the first of them; the allocator never hands
// them out.
const nkernpages = 8

// map the trampoline page to the highest address,
// in both user and kernel space.
const TRAMPOLINE = MAXVA - PGSIZE

// User memory layout.
// Address zero first:
//   text and data
//   fixed-size stack
//   expandable heap
//   ...
//   TRAPFRAME (p.trapframe, used by the trampoline)
//   TRAMPOLINE (the same page as in the kernel)
const TRAPFRAME = TRAMPOLINE - PGSIZE

// map kernel stacks beneath the trampoline,
// each surrounded by invalid guard pages.
func KSTACK(i int) uint64 {
	return TRAMPOLINE - uint64(i+1)*2*PGSIZE
}

package kernel

import (
	"io"
	"sync/atomic"
	"time"
)

// Machine is the simulated hardware: a flat RAM arena addressed by the
// physical addresses in memlayout.go, a CLINT-style tick clock, and a
// PLIC pending mask for device interrupts. Devices run machine-side and
// only touch Machine state; everything kernel-side happens on a hart.
type Machine struct {
	ram     []byte // covers [KERNBASE, physTop)
	physTop uint64

	ticks   atomic.Uint64 // timer ticks since boot
	pending atomic.Uint32 // PLIC pending IRQ bitmask
	halted  atomic.Bool

	cons io.Writer // raw console output (user write syscall)

	stopClock chan struct{}
}

func newMachine(memMiB int, cons io.Writer) *Machine {
	size := uint64(memMiB) << 20
	return &Machine{
		ram:       make([]byte, size),
		physTop:   KERNBASE + size,
		cons:      cons,
		stopClock: make(chan struct{}),
	}
}

func (m *Machine) inRAM(pa uint64) bool {
	return pa >= KERNBASE && pa < m.physTop
}

// page returns the RAM backing the page containing pa.
func (m *Machine) page(pa uint64) []byte {
	return m.bytes(PGROUNDDOWN(pa), int(PGSIZE))
}

// bytes returns the RAM backing [pa, pa+n). The range must not leave RAM;
// callers translate and bounds-check first.
func (m *Machine) bytes(pa uint64, n int) []byte {
	if !m.inRAM(pa) || pa+uint64(n) > m.physTop {
		panic("machine: bad physical address")
	}
	off := pa - KERNBASE
	return m.ram[off : off+uint64(n)]
}

// fill overwrites a whole page with c.
func (m *Machine) fill(pa uint64, c byte) {
	b := m.page(pa)
	for i := range b {
		b[i] = c
	}
}

// startClock begins advancing the tick counter. Timer interrupts are
// observed by harts at instruction boundaries and in the scheduler's
// idle scan; nothing is delivered asynchronously.
func (m *Machine) startClock(interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.ticks.Add(1)
			case <-m.stopClock:
				return
			}
		}
	}()
}

func (m *Machine) halt() {
	if m.halted.CompareAndSwap(false, true) {
		close(m.stopClock)
	}
}

// plicRaise marks irq pending. Called from device threads.
func (m *Machine) plicRaise(irq int) {
	for {
		old := m.pending.Load()
		if m.pending.CompareAndSwap(old, old|1<<uint(irq)) {
			return
		}
	}
}

// plicClaim hands the lowest pending irq to the calling hart and clears
// it, or returns 0 if nothing is pending.
func (m *Machine) plicClaim() int {
	for {
		old := m.pending.Load()
		if old == 0 {
			return 0
		}
		irq := 0
		for old&(1<<uint(irq)) == 0 {
			irq++
		}
		if m.pending.CompareAndSwap(old, old&^(1<<uint(irq))) {
			return irq
		}
	}
}

// plicComplete tells the PLIC the hart is done with irq. The pending bit
// was cleared at claim time; the device may raise again afterwards.
func (m *Machine) plicComplete(irq int) {}

func (m *Machine) plicPending() bool { return m.pending.Load() != 0 }

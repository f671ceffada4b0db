package kernel

import (
	"runtime"
	"sync/atomic"
)

// Mutual exclusion spin lock.
type Spinlock struct {
	locked atomic.Uint32

	// For debugging:
	name string
	cpu  atomic.Pointer[CPU] // the hart holding the lock
}

func initlock(lk *Spinlock, name string) {
	lk.name = name
}

// acquire spins until the lock is held. Interrupts stay off on the
// calling hart until the matching release.
func (lk *Spinlock) acquire(c *CPU) {
	c.pushOff() // disable interrupts to avoid deadlock
	if lk.holding(c) {
		kernelPanic("acquire " + lk.name)
	}
	for !lk.locked.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
	lk.cpu.Store(c)
}

func (lk *Spinlock) release(c *CPU) {
	if !lk.holding(c) {
		kernelPanic("release " + lk.name)
	}
	lk.cpu.Store(nil)
	lk.locked.Store(0)
	c.popOff()
}

// holding reports whether this hart holds the lock.
// Interrupts must be off.
func (lk *Spinlock) holding(c *CPU) bool {
	return lk.locked.Load() == 1 && lk.cpu.Load() == c
}

// pushOff/popOff are like intrOff/intrOn except that they are matched:
// it takes two popOffs to undo two pushOffs. Also, if interrupts are
// initially off, then pushOff, popOff leaves them off.

func (c *CPU) pushOff() {
	old := c.ints
	c.ints = false
	if c.noff == 0 {
		c.intena = old
	}
	c.noff++
}

func (c *CPU) popOff() {
	if c.ints {
		kernelPanic("pop_off - interruptible")
	}
	if c.noff < 1 {
		kernelPanic("pop_off")
	}
	c.noff--
	if c.noff == 0 && c.intena {
		c.ints = true
	}
}

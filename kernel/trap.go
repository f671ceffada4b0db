package kernel

// Trap handling. Every user-mode trap funnels through usertrap with a
// RISC-V scause: an environment call, a fault, or an interrupt that
// arrived at an instruction boundary.

func (k *Kernel) trapinit(c *CPU) {
	initlock(&k.tickslock, "time")
}

// usertrap handles an interrupt, exception, or system call from user
// space.
func (k *Kernel) usertrap(p *Proc, scause, stval uint64) {
	which := 0

	switch {
	case scause == scauseEcallU:
		// system call
		if k.isKilled(p) {
			k.exitProc(p, -1)
		}

		// The saved pc points to the ecall instruction; return to the
		// one after it.
		p.tf.setEpc(p.tf.epc() + 4)

		// An interrupt will change sepc and friends on a real machine,
		// so only enable once the trapframe is done with.
		p.cpu.intrOn()

		k.syscall(p)
	default:
		which = k.devintr(p.cpu, scause)
		if which == 0 {
			k.log.WithFields(map[string]any{
				"pid":    p.pid,
				"name":   p.name,
				"scause": scause,
				"sepc":   p.tf.epc(),
				"stval":  stval,
			}).Warn("usertrap: unexpected trap, killing process")
			k.setKilled(p)
		}
	}

	if k.isKilled(p) {
		k.exitProc(p, -1)
	}

	// Give up the CPU if this is a timer interrupt.
	if which == 2 {
		k.yield(p)
	}
}

// usertrapret prepares the trapframe for the next return to user space.
func (k *Kernel) usertrapret(p *Proc) {
	c := p.cpu

	// Until back in user space, traps must not be taken here.
	c.intrOff()

	p.tf.setKernelSatp(MAKE_SATP(k.kpgtbl))
	p.tf.setKernelSp(p.kstack + PGSIZE)
	p.tf.setKernelHartid(uint64(c.id))
}

// devintr checks for an external or software interrupt and handles it.
// Returns 2 for a timer interrupt, 1 for another device, 0 if
// unrecognized.
func (k *Kernel) devintr(c *CPU, scause uint64) int {
	switch scause {
	case scauseExternIntr:
		// A supervisor external interrupt, via PLIC.
		irq := k.mach.plicClaim()
		switch irq {
		case VIRTIO0_IRQ:
			k.diskintr(c)
		case 0:
			// already claimed by another hart
		default:
			k.log.Warnf("unexpected interrupt irq=%d", irq)
		}
		if irq != 0 {
			k.mach.plicComplete(irq)
		}
		return 1
	case scauseTimerIntr:
		// Ticks are counted on hart 0 only, to avoid multi-counting.
		if c.id == 0 {
			k.clockintr(c)
		}
		return 2
	default:
		return 0
	}
}

func (k *Kernel) clockintr(c *CPU) {
	k.tickslock.acquire(c)
	k.ticks++
	k.wakeup(c, &k.ticks)
	k.tickslock.release(c)
}

// idleintr services pending interrupts from the scheduler loop, where
// harts sit when no process is runnable.
func (k *Kernel) idleintr(c *CPU) {
	if t := k.mach.ticks.Load(); t != c.lastTick {
		c.lastTick = t
		k.devintr(c, scauseTimerIntr)
	}
	if k.mach.plicPending() {
		k.devintr(c, scauseExternIntr)
	}
}

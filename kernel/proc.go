package kernel

import (
	"encoding/binary"
	"errors"
	"time"

	"rv6/uasm"
)

var (
	ErrNoChildren = errors.New("no children")
	ErrKilled     = errors.New("killed")
)

type procstate int

const (
	UNUSED procstate = iota
	USED
	SLEEPING
	RUNNABLE
	RUNNING
	ZOMBIE
)

func (s procstate) String() string {
	switch s {
	case UNUSED:
		return "unused"
	case USED:
		return "used"
	case SLEEPING:
		return "sleep"
	case RUNNABLE:
		return "runble"
	case RUNNING:
		return "run"
	case ZOMBIE:
		return "zombie"
	}
	return "???"
}

// CPU is the per-hart state. A hart's scheduler goroutine and whichever
// process goroutine it has switched to are never runnable at the same
// time, so these fields need no lock; they just follow the hart.
type CPU struct {
	id      int
	proc    *Proc   // the process running on this hart, or nil
	context Context // scheduler context; swtch here to enter scheduler
	noff    int     // depth of pushOff nesting
	intena  bool    // were interrupts enabled before pushOff?
	ints    bool    // are interrupts enabled?

	lastTick uint64 // last clock tick seen by the interpreter
}

func (c *CPU) intrOn()  { c.ints = true }
func (c *CPU) intrOff() { c.ints = false }

// Proc is a per-process state slot.
type Proc struct {
	lock Spinlock

	// p.lock must be held when using these:
	state  procstate
	chanv  any  // if non-nil, sleeping on chanv
	killed bool // if true, have been killed
	xstate int  // exit status, for parent's wait
	pid    int

	// waitLock must be held when using this:
	parent *Proc

	// these are private to the process, so p.lock need not be held:
	kstack    uint64     // bottom va of the kernel stack
	sz        uint64     // size of process memory in bytes
	pagetable Pagetable  // user page table
	tf        Trapframe  // trapframe page, mapped at TRAPFRAME
	tfpa      uint64     // physical address of the trapframe page
	context   Context    // swtch here to run the process
	cpu       *CPU       // the hart this process last ran on
	name      string     // process name (debugging)
	kfunc     func(*Proc) // if non-nil, a kernel thread's body
}

// procinit sets up the process table and the kernel stacks.
// Must run after kvminit.
func (k *Kernel) procinit(c *CPU) {
	initlock(&k.waitLock, "wait_lock")
	for i := range k.proc {
		p := &k.proc[i]
		initlock(&p.lock, "proc")
		p.state = UNUSED

		// Map this proc's kernel stack below TRAMPOLINE, with an
		// unmapped guard page under it.
		kstack := k.kalloc(c)
		if kstack == 0 {
			kernelPanic("procinit: kalloc")
		}
		k.kvmmap(c, KSTACK(i), kstack, PGSIZE, PTE_R|PTE_W)
		p.kstack = KSTACK(i)
	}
}

func (k *Kernel) allocpid() int {
	return int(k.nextPid.Add(1))
}

// allocproc looks in the process table for an UNUSED slot. If found,
// initializes the state required to run in the kernel and returns with
// p.lock held. If there are no free slots, or allocation fails, returns
// nil.
func (k *Kernel) allocproc(c *CPU) *Proc {
	var p *Proc
	for i := range k.proc {
		p = &k.proc[i]
		p.lock.acquire(c)
		if p.state == UNUSED {
			goto found
		}
		p.lock.release(c)
	}
	return nil

found:
	p.pid = k.allocpid()
	p.state = USED

	// Allocate a trapframe page.
	p.tfpa = k.kalloc(c)
	if p.tfpa == 0 {
		k.freeproc(c, p)
		p.lock.release(c)
		return nil
	}
	k.mach.fill(p.tfpa, 0)
	p.tf = Trapframe{k.mach.page(p.tfpa)}

	// An empty user page table, plus trampoline and trapframe pages.
	p.pagetable = k.procPagetable(c, p)
	if p.pagetable == 0 {
		k.freeproc(c, p)
		p.lock.release(c)
		return nil
	}

	// A new kernel thread, parked until the scheduler first picks the
	// process, which starts executing at forkret.
	p.context = newContext()
	ctx := p.context
	go func() {
		if !ctx.enter() {
			return
		}
		k.forkret(p)
	}()

	return p
}

// freeproc frees a proc structure and the data hanging from it,
// including user pages. p.lock must be held.
func (k *Kernel) freeproc(c *CPU, p *Proc) {
	if p.tfpa != 0 {
		k.kfree(c, p.tfpa)
	}
	p.tfpa = 0
	p.tf = Trapframe{}
	if p.pagetable != 0 {
		k.procFreePagetable(c, p.pagetable, p.sz)
	}
	p.pagetable = 0
	p.sz = 0
	p.pid = 0
	p.parent = nil
	p.name = ""
	p.chanv = nil
	p.killed = false
	p.xstate = 0
	p.kfunc = nil
	if p.context.resume != nil {
		p.context.retire()
		p.context = Context{}
	}
	p.state = UNUSED
}

// procPagetable creates a user page table for a given process, with no
// user memory, but with trampoline and trapframe pages.
func (k *Kernel) procPagetable(c *CPU, p *Proc) Pagetable {
	pt := k.uvmcreate(c)
	if pt == 0 {
		return 0
	}

	// The trampoline goes at the highest user virtual address; only the
	// supervisor uses it, so not PTE_U.
	if err := k.mappages(c, pt, TRAMPOLINE, PGSIZE, k.trampoline, PTE_R|PTE_X); err != nil {
		k.uvmfree(c, pt, 0)
		return 0
	}

	// The trapframe page, just below TRAMPOLINE.
	if err := k.mappages(c, pt, TRAPFRAME, PGSIZE, p.tfpa, PTE_R|PTE_W); err != nil {
		k.uvmunmap(c, pt, TRAMPOLINE, 1, false)
		k.uvmfree(c, pt, 0)
		return 0
	}

	return pt
}

// procFreePagetable frees a process's page table, and the physical
// memory it refers to.
func (k *Kernel) procFreePagetable(c *CPU, pt Pagetable, sz uint64) {
	k.uvmunmap(c, pt, TRAMPOLINE, 1, false)
	k.uvmunmap(c, pt, TRAPFRAME, 1, false)
	k.uvmfree(c, pt, sz)
}

// forkret is the first thing a new process runs, still holding the
// p.lock handed over by the scheduler.
func (k *Kernel) forkret(p *Proc) {
	p.lock.release(p.cpu)

	if p.kfunc != nil {
		p.kfunc(p)
		k.exitProc(p, 0)
	}
	k.usermode(p)
}

// usermode runs a process's user code, trapping back into the kernel
// for syscalls, faults, and interrupts. Never returns; exit leaves via
// sched.
func (k *Kernel) usermode(p *Proc) {
	for {
		k.usertrapret(p)
		scause, stval := k.runUser(p)
		k.usertrap(p, scause, stval)
	}
}

// initcode is the first user program: exec the configured init binary,
// exiting if that fails.
func initcode(path string) []byte {
	a := uasm.New()
	a.La(uasm.A0, "path")
	a.Li(uasm.A7, SYS_exec)
	a.Ecall()
	a.Li(uasm.A7, SYS_exit)
	a.Label("spin")
	a.Ecall()
	a.Jal(uasm.X0, "spin")
	a.Label("path")
	a.Ascii(path + "\x00")
	return a.MustAssemble()
}

// userinit sets up the first user process.
func (k *Kernel) userinit(c *CPU) {
	p := k.allocproc(c)
	if p == nil {
		kernelPanic("userinit")
	}
	k.initproc = p

	// One page holding initcode's instructions and data.
	k.uvmfirst(c, p.pagetable, initcode(k.cfg.Init))
	p.sz = PGSIZE

	p.tf.setEpc(0)           // user program counter
	p.tf.setReg(regSP, PGSIZE) // user stack pointer
	p.name = "initcode"
	p.state = RUNNABLE

	p.lock.release(c)
}

// growproc grows or shrinks user memory by n bytes.
func (k *Kernel) growproc(p *Proc, n int) error {
	c := p.cpu
	sz := p.sz
	if n > 0 {
		var err error
		sz, err = k.uvmalloc(c, p.pagetable, sz, sz+uint64(n), PTE_W)
		if err != nil {
			return err
		}
	} else if n < 0 {
		sz = k.uvmdealloc(c, p.pagetable, sz, sz-uint64(-n))
	}
	p.sz = sz
	return nil
}

// fork creates a new process, copying the parent. Sets up the child's
// kernel thread to return as if from the same syscall, with 0 in a0.
func (k *Kernel) fork(p *Proc) (int, error) {
	c := p.cpu
	np := k.allocproc(c)
	if np == nil {
		return 0, ErrNoMem
	}

	// Copy user memory from parent to child.
	if err := k.uvmcopy(c, p.pagetable, np.pagetable, p.sz); err != nil {
		k.freeproc(c, np)
		np.lock.release(c)
		return 0, err
	}
	np.sz = p.sz

	// Copy the saved user registers; fork returns 0 in the child.
	copy(np.tf.b, p.tf.b)
	np.tf.setReg(regA0, 0)

	np.name = p.name
	pid := np.pid

	np.lock.release(c)

	k.waitLock.acquire(c)
	np.parent = p
	k.waitLock.release(c)

	np.lock.acquire(c)
	np.state = RUNNABLE
	np.lock.release(c)

	return pid, nil
}

// reparent passes p's abandoned children to init.
// Caller must hold waitLock.
func (k *Kernel) reparent(c *CPU, p *Proc) {
	for i := range k.proc {
		pp := &k.proc[i]
		if pp.parent == p {
			pp.parent = k.initproc
			k.wakeup(c, k.initproc)
		}
	}
}

// exitProc terminates the current process; it stays a zombie until its
// parent calls wait. Does not return.
func (k *Kernel) exitProc(p *Proc, status int) {
	if p == k.initproc {
		kernelPanic("init exiting")
	}
	c := p.cpu

	k.waitLock.acquire(c)

	// Give any children to init.
	k.reparent(c, p)

	// Parent might be sleeping in wait.
	k.wakeup(c, p.parent)

	p.lock.acquire(c)
	p.xstate = status
	p.state = ZOMBIE

	k.waitLock.release(c)

	// Jump into the scheduler, never to return.
	k.sched(p)
	kernelPanic("zombie exit")
}

// wait blocks until a child of p exits, then returns its pid. If addr
// is non-zero the child's exit status is stored there as a 32-bit
// little-endian value.
func (k *Kernel) wait(p *Proc, addr uint64) (int, error) {
	c := p.cpu
	k.waitLock.acquire(c)

	for {
		// Scan the table looking for exited children.
		havekids := false
		for i := range k.proc {
			pp := &k.proc[i]
			if pp.parent != p {
				continue
			}
			// Make sure the child isn't still in exitProc or swtch.
			pp.lock.acquire(c)
			havekids = true
			if pp.state == ZOMBIE {
				pid := pp.pid
				if addr != 0 {
					var st [4]byte
					binary.LittleEndian.PutUint32(st[:], uint32(int32(pp.xstate)))
					if err := k.copyout(p.pagetable, addr, st[:]); err != nil {
						pp.lock.release(c)
						k.waitLock.release(c)
						return 0, err
					}
				}
				k.freeproc(c, pp)
				pp.lock.release(c)
				k.waitLock.release(c)
				return pid, nil
			}
			pp.lock.release(c)
		}

		// No point waiting if we don't have any children.
		if !havekids {
			k.waitLock.release(c)
			return 0, ErrNoChildren
		}
		if k.isKilled(p) {
			k.waitLock.release(c)
			return 0, ErrKilled
		}

		// Wait for a child to exit.
		k.sleep(p, p, &k.waitLock)
		c = p.cpu
	}
}

// sleep atomically releases lk and suspends p on chanv, then reacquires
// lk when awakened. The caller may resume on a different hart.
func (k *Kernel) sleep(p *Proc, chanv any, lk *Spinlock) {
	c := p.cpu

	// Must acquire p.lock in order to change p.state and then call
	// sched. Once we hold p.lock, we can be guaranteed that we won't
	// miss any wakeup (wakeup locks p.lock), so it's okay to release lk.
	if lk != &p.lock {
		p.lock.acquire(c)
		lk.release(c)
	}

	// Go to sleep.
	p.chanv = chanv
	p.state = SLEEPING

	k.sched(p)

	// Tidy up.
	p.chanv = nil

	// Reacquire original lock.
	c = p.cpu
	if lk != &p.lock {
		p.lock.release(c)
		lk.acquire(c)
	}
}

// wakeup makes every process sleeping on chanv RUNNABLE.
// Must be called without any p.lock.
func (k *Kernel) wakeup(c *CPU, chanv any) {
	for i := range k.proc {
		p := &k.proc[i]
		if p == c.proc {
			continue
		}
		p.lock.acquire(c)
		if p.state == SLEEPING && p.chanv == chanv {
			p.state = RUNNABLE
		}
		p.lock.release(c)
	}
}

// kill marks the process with the given pid as killed. The victim won't
// stop until it next leaves the kernel (see usertrap).
func (k *Kernel) kill(c *CPU, pid int) bool {
	for i := range k.proc {
		p := &k.proc[i]
		p.lock.acquire(c)
		if p.pid == pid {
			p.killed = true
			if p.state == SLEEPING {
				// Wake process from sleep.
				p.state = RUNNABLE
			}
			p.lock.release(c)
			return true
		}
		p.lock.release(c)
	}
	return false
}

func (k *Kernel) setKilled(p *Proc) {
	c := p.cpu
	p.lock.acquire(c)
	p.killed = true
	p.lock.release(c)
}

func (k *Kernel) isKilled(p *Proc) bool {
	c := p.cpu
	p.lock.acquire(c)
	kd := p.killed
	p.lock.release(c)
	return kd
}

// sched switches to the hart's scheduler. Must hold only p.lock and
// have changed p.state.
func (k *Kernel) sched(p *Proc) {
	c := p.cpu
	if !p.lock.holding(c) {
		kernelPanic("sched p->lock")
	}
	if c.noff != 1 {
		kernelPanic("sched locks")
	}
	if p.state == RUNNING {
		kernelPanic("sched running")
	}
	if c.ints {
		kernelPanic("sched interruptible")
	}

	intena := c.intena
	swtch(&p.context, &c.context)
	p.cpu.intena = intena
}

// yield gives up the CPU for one scheduling round.
func (k *Kernel) yield(p *Proc) {
	p.lock.acquire(p.cpu)
	p.state = RUNNABLE
	k.sched(p)
	p.lock.release(p.cpu)
}

// scheduler is the per-hart scheduler loop. Each hart calls this after
// setting itself up, and loops picking RUNNABLE processes in table
// order until the machine halts.
func (k *Kernel) scheduler(c *CPU) {
	for !k.mach.halted.Load() {
		// With every process parked, interrupts are handled here.
		c.intrOn()
		k.idleintr(c)

		ran := false
		for i := range k.proc {
			p := &k.proc[i]
			p.lock.acquire(c)
			if p.state == RUNNABLE {
				// Switch to the chosen process. It is the process's
				// job to release its lock and then reacquire it before
				// jumping back to us.
				p.state = RUNNING
				c.proc = p
				p.cpu = c
				swtch(&c.context, &p.context)

				// Process is done running for now.
				c.proc = nil
				ran = true
			}
			p.lock.release(c)
		}
		if !ran {
			time.Sleep(50 * time.Microsecond)
		}
	}
}

// spawnKernel creates a kernel-thread process running fn as a child of
// parent (which may be nil). When fn returns, the thread exits with
// status 0.
func (k *Kernel) spawnKernel(c *CPU, parent *Proc, name string, fn func(*Proc)) (int, error) {
	p := k.allocproc(c)
	if p == nil {
		return 0, ErrNoMem
	}
	p.name = name
	p.kfunc = fn
	pid := p.pid
	p.lock.release(c)

	k.waitLock.acquire(c)
	p.parent = parent
	k.waitLock.release(c)

	p.lock.acquire(c)
	p.state = RUNNABLE
	p.lock.release(c)

	return pid, nil
}

// procdump logs a process listing at debug level. Takes no locks, so
// it is usable from a wedged machine.
func (k *Kernel) procdump() {
	for i := range k.proc {
		p := &k.proc[i]
		if p.state == UNUSED {
			continue
		}
		k.log.Debugf("%d %s %s", p.pid, p.state, p.name)
	}
}

package kernel

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Kernel is one booted machine: the process table, the memory
// allocator, the kernel page table, and the devices, all above a
// simulated multi-hart RISC-V.
type Kernel struct {
	mach *Machine
	cfg  Config
	log  *logrus.Logger

	cpus [NCPU]CPU
	proc [NPROC]Proc

	nextPid  atomic.Int32
	initproc *Proc
	waitLock Spinlock

	kmem       kmem
	kpgtbl     Pagetable
	trampoline uint64 // PA of the trampoline page

	tickslock Spinlock
	ticks     uint64

	disk disk
	pr   console

	images map[string]Image
}

// New assembles a machine from cfg. The kernel has not booted yet; the
// caller registers user images and then calls Run.
func New(cfg Config) (*Kernel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(lvl)

	k := &Kernel{
		cfg:    cfg,
		log:    log,
		mach:   newMachine(cfg.MemoryMiB, os.Stdout),
		images: make(map[string]Image),
	}
	for i := range k.cpus {
		k.cpus[i].id = i
		k.cpus[i].context = newContext()
	}
	k.pr.out = k.mach.cons
	return k, nil
}

// SetConsole redirects user program output.
func (k *Kernel) SetConsole(w io.Writer) {
	k.mach.cons = w
	k.pr.out = w
}

// SetLogOutput redirects kernel log output.
func (k *Kernel) SetLogOutput(w io.Writer) {
	k.log.SetOutput(w)
}

// Run boots the kernel and drives it until shutdown. Hart 0 initializes
// everything; then each configured hart runs its scheduler loop.
func (k *Kernel) Run() error {
	c0 := &k.cpus[0]

	initlock(&k.pr.lock, "cons")
	k.kinit(c0)     // physical page allocator
	k.kvminit(c0)   // kernel page table
	k.procinit(c0)  // process table, kernel stacks
	k.trapinit(c0)  // trap vectors
	k.diskinit(c0)  // block device
	k.userinit(c0)  // first user process

	k.log.WithFields(map[string]any{
		"harts":  k.cfg.Harts,
		"memory": k.cfg.MemoryMiB,
		"free":   k.freepages(c0),
	}).Info("kernel boot")

	k.mach.startClock(time.Duration(k.cfg.TickIntervalUs) * time.Microsecond)

	var g errgroup.Group
	for i := 0; i < k.cfg.Harts; i++ {
		c := &k.cpus[i]
		g.Go(func() error {
			k.scheduler(c)
			return nil
		})
	}
	err := g.Wait()
	k.log.Info("machine halted")
	k.procdump()
	return err
}

package kernel

// A block device in the virtio mold: the kernel posts buffers to the
// device and sleeps; the device completes them machine-side and raises
// its PLIC line; the interrupt handler wakes the sleeper.

// buf is one block buffer in flight.
type buf struct {
	lock    Sleeplock // serializes users of this buffer
	disk    bool      // does the disk own the buffer?
	write   bool
	blockno uint32
	data    [BSIZE]byte
}

type disk struct {
	lock    Spinlock
	sectors [NSECT][BSIZE]byte
	reqs    chan *buf // kernel -> device
	done    chan *buf // device -> kernel, drained by diskintr
}

// diskinit starts the device thread. It never touches kernel locks or
// process state; its whole interface is the two channels and the PLIC
// line.
func (k *Kernel) diskinit(c *CPU) {
	initlock(&k.disk.lock, "virtio_disk")
	k.disk.reqs = make(chan *buf, NPROC)
	k.disk.done = make(chan *buf, NPROC)
	go func() {
		for b := range k.disk.reqs {
			if b.write {
				copy(k.disk.sectors[b.blockno][:], b.data[:])
			} else {
				copy(b.data[:], k.disk.sectors[b.blockno][:])
			}
			k.disk.done <- b
			k.mach.plicRaise(VIRTIO0_IRQ)
		}
	}()
}

// diskRW submits b and sleeps until the device completes it.
// Caller must hold b's sleep-lock.
func (k *Kernel) diskRW(p *Proc, b *buf, write bool) {
	if !k.holdingsleep(p, &b.lock) {
		kernelPanic("diskRW: buf not locked")
	}
	if int(b.blockno) >= NSECT {
		kernelPanic("diskRW: blockno")
	}

	c := p.cpu
	k.disk.lock.acquire(c)
	b.write = write
	b.disk = true
	k.disk.reqs <- b

	// Wait for diskintr to say the request has finished.
	for b.disk {
		k.sleep(p, b, &k.disk.lock)
		c = p.cpu
	}
	k.disk.lock.release(c)
}

// diskintr drains completed buffers and wakes their owners.
func (k *Kernel) diskintr(c *CPU) {
	k.disk.lock.acquire(c)
	for {
		select {
		case b := <-k.disk.done:
			b.disk = false
			k.wakeup(c, b)
		default:
			k.disk.lock.release(c)
			return
		}
	}
}

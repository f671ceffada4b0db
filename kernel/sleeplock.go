package kernel

// Sleeplock is a long-term lock for processes. Waiters give up the CPU
// via sleep instead of spinning, so a sleep-lock may be held across
// blocking operations like disk I/O.
type Sleeplock struct {
	locked bool     // is the lock held?
	lk     Spinlock // protects this sleep-lock
	name   string
	pid    int // holding process
}

func initsleeplock(lk *Sleeplock, name string) {
	initlock(&lk.lk, "sleep lock")
	lk.name = name
	lk.locked = false
	lk.pid = 0
}

func (k *Kernel) acquiresleep(p *Proc, lk *Sleeplock) {
	c := p.cpu
	lk.lk.acquire(c)
	for lk.locked {
		k.sleep(p, lk, &lk.lk)
		c = p.cpu
	}
	lk.locked = true
	lk.pid = p.pid
	lk.lk.release(c)
}

// releasesleep wakes every process waiting on the lock; all but the one
// that wins the reacquire go back to sleep.
func (k *Kernel) releasesleep(p *Proc, lk *Sleeplock) {
	c := p.cpu
	lk.lk.acquire(c)
	lk.locked = false
	lk.pid = 0
	k.wakeup(c, lk)
	lk.lk.release(c)
}

func (k *Kernel) holdingsleep(p *Proc, lk *Sleeplock) bool {
	c := p.cpu
	lk.lk.acquire(c)
	r := lk.locked && lk.pid == p.pid
	lk.lk.release(c)
	return r
}

package kernel

const errRet = ^uint64(0) // syscall failure, -1 to user code

func (k *Kernel) sysFork(p *Proc) uint64 {
	pid, err := k.fork(p)
	if err != nil {
		return errRet
	}
	return uint64(pid)
}

func (k *Kernel) sysExit(p *Proc) uint64 {
	k.exitProc(p, argint(p, 0))
	kernelPanic("sys_exit returned") // not reached
	return 0
}

func (k *Kernel) sysWait(p *Proc) uint64 {
	pid, err := k.wait(p, argaddr(p, 0))
	if err != nil {
		return errRet
	}
	return uint64(pid)
}

func (k *Kernel) sysKill(p *Proc) uint64 {
	if !k.kill(p.cpu, argint(p, 0)) {
		return errRet
	}
	return 0
}

func (k *Kernel) sysGetpid(p *Proc) uint64 {
	return uint64(p.pid)
}

func (k *Kernel) sysSbrk(p *Proc) uint64 {
	n := argint(p, 0)
	addr := p.sz
	if n < 0 && uint64(-n) > p.sz {
		return errRet
	}
	if err := k.growproc(p, n); err != nil {
		return errRet
	}
	return addr
}

func (k *Kernel) sysSleep(p *Proc) uint64 {
	n := uint64(argint(p, 0))
	c := p.cpu
	k.tickslock.acquire(c)
	ticks0 := k.ticks
	for k.ticks-ticks0 < n {
		if k.isKilled(p) {
			k.tickslock.release(p.cpu)
			return errRet
		}
		k.sleep(p, &k.ticks, &k.tickslock)
		c = p.cpu
	}
	k.tickslock.release(c)
	return 0
}

func (k *Kernel) sysUptime(p *Proc) uint64 {
	c := p.cpu
	k.tickslock.acquire(c)
	t := k.ticks
	k.tickslock.release(c)
	return t
}

// sysWrite supports only the console; fds 1 and 2.
func (k *Kernel) sysWrite(p *Proc) uint64 {
	fd := argint(p, 0)
	addr := argaddr(p, 1)
	n := argint(p, 2)
	if fd != 1 && fd != 2 {
		return errRet
	}
	// n comes straight from a user register; bound it by the process's
	// memory before sizing a kernel buffer with it.
	if n < 0 || uint64(n) > p.sz {
		return errRet
	}
	buf := make([]byte, n)
	if err := k.copyin(p.pagetable, buf, addr); err != nil {
		return errRet
	}
	k.pr.write(p.cpu, buf)
	return uint64(n)
}

func (k *Kernel) sysExec(p *Proc) uint64 {
	path, err := k.argstr(p, 0, 128)
	if err != nil {
		return errRet
	}
	if err := k.exec(p, path); err != nil {
		return errRet
	}
	return 0
}

// sysShutdown stops the machine; every hart's scheduler loop winds down
// once its current process yields.
func (k *Kernel) sysShutdown(p *Proc) uint64 {
	k.log.Infof("shutdown requested by pid %d", p.pid)
	k.mach.halt()
	return 0
}

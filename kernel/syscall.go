package kernel

import "encoding/binary"

// System call numbers.
const (
	SYS_fork     = 1
	SYS_exit     = 2
	SYS_wait     = 3
	SYS_kill     = 6
	SYS_exec     = 7
	SYS_getpid   = 11
	SYS_sbrk     = 12
	SYS_sleep    = 13
	SYS_uptime   = 14
	SYS_write    = 16
	SYS_shutdown = 22
)

// syscalls is filled in by init: the handlers trap back into syscall
// via usermode, so a composite literal here would be an initialization
// cycle.
var syscalls map[uint64]func(*Kernel, *Proc) uint64

func init() {
	syscalls = map[uint64]func(*Kernel, *Proc) uint64{
		SYS_fork:     (*Kernel).sysFork,
		SYS_exit:     (*Kernel).sysExit,
		SYS_wait:     (*Kernel).sysWait,
		SYS_kill:     (*Kernel).sysKill,
		SYS_exec:     (*Kernel).sysExec,
		SYS_getpid:   (*Kernel).sysGetpid,
		SYS_sbrk:     (*Kernel).sysSbrk,
		SYS_sleep:    (*Kernel).sysSleep,
		SYS_uptime:   (*Kernel).sysUptime,
		SYS_write:    (*Kernel).sysWrite,
		SYS_shutdown: (*Kernel).sysShutdown,
	}
}

// syscall dispatches the call named by a7 and leaves the result in a0.
func (k *Kernel) syscall(p *Proc) {
	num := p.tf.reg(regA7)
	fn, ok := syscalls[num]
	if !ok {
		k.log.Warnf("%d %s: unknown sys call %d", p.pid, p.name, num)
		p.tf.setReg(regA0, ^uint64(0))
		return
	}
	p.tf.setReg(regA0, fn(k, p))
}

// argraw fetches the n'th syscall argument register.
func argraw(p *Proc, n int) uint64 {
	return p.tf.reg(regA0 + n)
}

func argint(p *Proc, n int) int {
	return int(int64(argraw(p, n)))
}

// argaddr fetches the n'th argument as a user pointer. No check for
// legality: copyin/copyout do that.
func argaddr(p *Proc, n int) uint64 {
	return argraw(p, n)
}

// argstr fetches the n'th argument as a NUL-terminated user string,
// at most max bytes long.
func (k *Kernel) argstr(p *Proc, n int, max int) (string, error) {
	return k.fetchstr(p, argaddr(p, n), max)
}

// fetchaddr reads a uint64 at user virtual address addr.
func (k *Kernel) fetchaddr(p *Proc, addr uint64) (uint64, error) {
	if addr >= p.sz || addr+8 > p.sz {
		return 0, ErrBadAddress
	}
	var b [8]byte
	if err := k.copyin(p.pagetable, b[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// fetchstr reads a NUL-terminated string at user virtual address addr.
func (k *Kernel) fetchstr(p *Proc, addr uint64, max int) (string, error) {
	return k.copyinstr(p.pagetable, addr, max)
}

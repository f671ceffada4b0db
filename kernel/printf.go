package kernel

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// console carries raw user output (the write syscall). pr.lock keeps
// concurrent writers from interleaving bytes mid-line.
type console struct {
	lock Spinlock
	out  io.Writer
}

func (pr *console) write(c *CPU, b []byte) {
	pr.lock.acquire(c)
	pr.out.Write(b)
	pr.lock.release(c)
}

// kernelPanic is the single fatal-halt entry point for kernel invariant
// violations: double release, lock not held, double free, and friends.
// These mean kernel-internal corruption; continuing would risk silently
// corrupting user data, so the diagnostic is logged and we unwind.
func kernelPanic(msg string) {
	logrus.StandardLogger().Error("kernel panic: " + msg)
	panic("kernel panic: " + msg)
}

func kernelPanicf(format string, args ...interface{}) {
	kernelPanic(fmt.Sprintf(format, args...))
}

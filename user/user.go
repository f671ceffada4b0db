// Package user holds the user-space programs shipped with the kernel,
// assembled at startup and registered as exec images. There is no
// filesystem; this is the program library.
package user

import (
	"rv6/kernel"
	"rv6/uasm"
)

const helloMsg = "hello from user space\n"

// hello writes a greeting and exits 0.
func hello() kernel.Image {
	a := uasm.New()
	a.Li(uasm.A0, 1)
	a.La(uasm.A1, "msg")
	a.Li(uasm.A2, int32(len(helloMsg)))
	a.Li(uasm.A7, kernel.SYS_write)
	a.Ecall()
	a.Li(uasm.A0, 0)
	a.Li(uasm.A7, kernel.SYS_exit)
	a.Ecall()
	a.Label("msg")
	a.Ascii(helloMsg)
	return kernel.Image{Name: "hello", Entry: 0, Text: a.MustAssemble()}
}

const (
	initOk  = "init: child ok\n"
	initBad = "init: child failed\n"
)

// initProg forks a child that execs hello, waits for it, reports the
// outcome, and shuts the machine down.
func initProg() kernel.Image {
	a := uasm.New()

	a.Li(uasm.A7, kernel.SYS_fork)
	a.Ecall()
	a.Bne(uasm.A0, uasm.X0, "parent")

	// Child: exec hello, exit 1 if that fails.
	a.La(uasm.A0, "path")
	a.Li(uasm.A7, kernel.SYS_exec)
	a.Ecall()
	a.Li(uasm.A0, 1)
	a.Li(uasm.A7, kernel.SYS_exit)
	a.Ecall()

	// Parent: wait for the child's status on the stack.
	a.Label("parent")
	a.Addi(uasm.SP, uasm.SP, -16)
	a.Mv(uasm.A0, uasm.SP)
	a.Li(uasm.A7, kernel.SYS_wait)
	a.Ecall()
	a.Lw(uasm.T0, uasm.SP, 0)
	a.Bne(uasm.T0, uasm.X0, "bad")

	a.Li(uasm.A0, 1)
	a.La(uasm.A1, "ok_msg")
	a.Li(uasm.A2, int32(len(initOk)))
	a.Li(uasm.A7, kernel.SYS_write)
	a.Ecall()
	a.Jal(uasm.X0, "down")

	a.Label("bad")
	a.Li(uasm.A0, 1)
	a.La(uasm.A1, "bad_msg")
	a.Li(uasm.A2, int32(len(initBad)))
	a.Li(uasm.A7, kernel.SYS_write)
	a.Ecall()

	a.Label("down")
	a.Li(uasm.A7, kernel.SYS_shutdown)
	a.Label("spin")
	a.Ecall()
	a.Jal(uasm.X0, "spin")

	a.Label("path")
	a.Ascii("hello\x00")
	a.Label("ok_msg")
	a.Ascii(initOk)
	a.Label("bad_msg")
	a.Ascii(initBad)
	return kernel.Image{Name: "init", Entry: 0, Text: a.MustAssemble()}
}

// forktest forks ten children in sequence, waiting for each, and exits
// 0 if every wait succeeded.
func forktest() kernel.Image {
	a := uasm.New()

	a.Li(uasm.S1, 0)
	a.Label("loop")
	a.Li(uasm.A7, kernel.SYS_fork)
	a.Ecall()
	a.Beq(uasm.A0, uasm.X0, "child")
	a.Blt(uasm.A0, uasm.X0, "fail")

	a.Li(uasm.A0, 0)
	a.Li(uasm.A7, kernel.SYS_wait)
	a.Ecall()
	a.Blt(uasm.A0, uasm.X0, "fail")

	a.Addi(uasm.S1, uasm.S1, 1)
	a.Li(uasm.T0, 10)
	a.Blt(uasm.S1, uasm.T0, "loop")

	a.Li(uasm.A0, 0)
	a.Li(uasm.A7, kernel.SYS_exit)
	a.Ecall()

	a.Label("child")
	a.Li(uasm.A7, kernel.SYS_getpid)
	a.Ecall()
	a.Li(uasm.A0, 0)
	a.Li(uasm.A7, kernel.SYS_exit)
	a.Ecall()

	a.Label("fail")
	a.Li(uasm.A0, 1)
	a.Li(uasm.A7, kernel.SYS_exit)
	a.Ecall()
	return kernel.Image{Name: "forktest", Entry: 0, Text: a.MustAssemble()}
}

// Install registers every shipped program with the kernel.
func Install(k *kernel.Kernel) {
	k.RegisterImage(hello())
	k.RegisterImage(initProg())
	k.RegisterImage(forktest())
}

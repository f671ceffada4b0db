package kernel

import (
	"testing"

	"rv6/uasm"
)

// userProc builds a process around a one-page program, ready for
// runUser on the given hart.
func userProc(t *testing.T, k *Kernel, c *CPU, prog []byte) *Proc {
	t.Helper()
	p := k.allocproc(c)
	if p == nil {
		t.Fatal("allocproc failed")
	}
	k.uvmfirst(c, p.pagetable, prog)
	p.sz = PGSIZE
	p.tf.setEpc(0)
	p.tf.setReg(regSP, PGSIZE)
	p.lock.release(c)
	p.cpu = c
	return p
}

func dropProc(k *Kernel, c *CPU, p *Proc) {
	p.lock.acquire(c)
	k.freeproc(c, p)
	p.lock.release(c)
}

func TestInterpArithmeticToEcall(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)

	a := uasm.New()
	a.Li(uasm.A0, 2)
	a.Li(uasm.A1, 3)
	a.Add(uasm.A2, uasm.A0, uasm.A1)
	a.Sub(uasm.A3, uasm.A1, uasm.A0)
	a.Ecall()
	p := userProc(t, k, c, a.MustAssemble())
	defer dropProc(k, c, p)

	scause, _ := k.runUser(p)
	if scause != scauseEcallU {
		t.Fatalf("scause = %#x, want ecall", scause)
	}
	if got := p.tf.reg(regA2); got != 5 {
		t.Errorf("a2 = %d, want 5", got)
	}
	if got := p.tf.reg(regA3); got != 1 {
		t.Errorf("a3 = %d, want 1", got)
	}
	if got := p.tf.epc(); got != 16 {
		t.Errorf("epc = %d, want the ecall at 16", got)
	}
}

func TestInterpLoadStore(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)

	a := uasm.New()
	a.Li(uasm.T0, 0x200)
	a.Li(uasm.T1, 0x1234)
	a.Sd(uasm.T1, uasm.T0, 0)
	a.Ld(uasm.T2, uasm.T0, 0)
	a.Lbu(uasm.T3, uasm.T0, 1)
	a.Ecall()
	p := userProc(t, k, c, a.MustAssemble())
	defer dropProc(k, c, p)

	if scause, _ := k.runUser(p); scause != scauseEcallU {
		t.Fatalf("scause = %#x, want ecall", scause)
	}
	if got := p.tf.reg(uasm.T2); got != 0x1234 {
		t.Errorf("t2 = %#x, want 0x1234", got)
	}
	if got := p.tf.reg(uasm.T3); got != 0x12 {
		t.Errorf("t3 = %#x, want 0x12", got)
	}

	// The store really landed in the process's memory.
	var b [8]byte
	if err := k.copyin(p.pagetable, b[:], 0x200); err != nil {
		t.Fatalf("copyin: %v", err)
	}
	if b[0] != 0x34 || b[1] != 0x12 {
		t.Errorf("memory at 0x200 = % x, want little-endian 0x1234", b)
	}
}

func TestInterpBranchLoop(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)

	// Sum 1..10.
	a := uasm.New()
	a.Li(uasm.T0, 0)
	a.Li(uasm.T1, 1)
	a.Li(uasm.T2, 11)
	a.Label("loop")
	a.Add(uasm.T0, uasm.T0, uasm.T1)
	a.Addi(uasm.T1, uasm.T1, 1)
	a.Blt(uasm.T1, uasm.T2, "loop")
	a.Ecall()
	p := userProc(t, k, c, a.MustAssemble())
	defer dropProc(k, c, p)

	if scause, _ := k.runUser(p); scause != scauseEcallU {
		t.Fatalf("scause = %#x, want ecall", scause)
	}
	if got := p.tf.reg(uasm.T0); got != 55 {
		t.Errorf("t0 = %d, want 55", got)
	}
}

func TestInterpLoadFault(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)

	a := uasm.New()
	a.Li(uasm.T0, 0x30000)
	a.Ld(uasm.T1, uasm.T0, 0)
	a.Ecall()
	p := userProc(t, k, c, a.MustAssemble())
	defer dropProc(k, c, p)

	scause, stval := k.runUser(p)
	if scause != scauseLoadPageFault {
		t.Fatalf("scause = %#x, want load page fault", scause)
	}
	if stval != 0x30000 {
		t.Errorf("stval = %#x, want 0x30000", stval)
	}
}

func TestInterpStoreFault(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)

	a := uasm.New()
	a.Li(uasm.T0, 0x5000)
	a.Sd(uasm.X0, uasm.T0, 0)
	a.Ecall()
	p := userProc(t, k, c, a.MustAssemble())
	defer dropProc(k, c, p)

	scause, stval := k.runUser(p)
	if scause != scauseStorePageFault {
		t.Fatalf("scause = %#x, want store page fault", scause)
	}
	if stval != 0x5000 {
		t.Errorf("stval = %#x, want 0x5000", stval)
	}
}

func TestInterpIllegalInstruction(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)

	a := uasm.New()
	a.Word(0)
	p := userProc(t, k, c, a.MustAssemble())
	defer dropProc(k, c, p)

	if scause, _ := k.runUser(p); scause != scauseIllegalInstr {
		t.Fatalf("scause = %#x, want illegal instruction", scause)
	}
}

func TestInterpXZeroStaysZero(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)

	a := uasm.New()
	a.Addi(uasm.X0, uasm.X0, 5)
	a.Addi(uasm.T0, uasm.X0, 0)
	a.Ecall()
	p := userProc(t, k, c, a.MustAssemble())
	defer dropProc(k, c, p)

	if scause, _ := k.runUser(p); scause != scauseEcallU {
		t.Fatalf("scause = %#x, want ecall", scause)
	}
	if got := p.tf.reg(uasm.T0); got != 0 {
		t.Errorf("t0 = %d, want 0; x0 must stay hardwired", got)
	}
}

func TestInterpPreemptedByTick(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)

	a := uasm.New()
	a.Label("spin")
	a.Jal(uasm.X0, "spin")
	p := userProc(t, k, c, a.MustAssemble())
	defer dropProc(k, c, p)

	k.mach.ticks.Add(1)
	if scause, _ := k.runUser(p); scause != scauseTimerIntr {
		t.Fatalf("scause = %#x, want timer interrupt", scause)
	}
}

func TestInterpInterruptedByDevice(t *testing.T) {
	k := newTestKernel(t, testConfig())
	c := auxCPU(k, 0)

	a := uasm.New()
	a.Label("spin")
	a.Jal(uasm.X0, "spin")
	p := userProc(t, k, c, a.MustAssemble())
	defer dropProc(k, c, p)

	k.mach.plicRaise(VIRTIO0_IRQ)
	if scause, _ := k.runUser(p); scause != scauseExternIntr {
		t.Fatalf("scause = %#x, want external interrupt", scause)
	}
	k.mach.plicClaim() // leave the PLIC clean
}

package kernel

import "encoding/binary"

// Trapframe is the per-process page holding the saved user register
// snapshot plus the kernel-side values the trampoline needs on the next
// entry. The slots sit at the classic offsets, so the page mapped at
// TRAPFRAME really is the register file the interpreter runs on, and
// fork's trapframe copy is a plain page copy.
type Trapframe struct {
	b []byte // the trapframe page
}

const (
	tfKernelSatp   = 0  // kernel page table
	tfKernelSp     = 8  // top of process's kernel stack
	tfKernelTrap   = 16 // usertrap()
	tfEpc          = 24 // saved user program counter
	tfKernelHartid = 32 // saved kernel tp
)

// regOff maps an x-register index to its byte offset in the trapframe.
// x0 is hardwired to zero and has no slot.
var regOff = [32]int{
	0, 40, 48, 56, 64, // x0 (none), ra, sp, gp, tp
	72, 80, 88, // t0-t2
	96, 104, // s0, s1
	112, 120, 128, 136, 144, 152, 160, 168, // a0-a7
	176, 184, 192, 200, 208, 216, 224, 232, 240, 248, // s2-s11
	256, 264, 272, 280, // t3-t6
}

// Register indices used by the kernel.
const (
	regRA = 1
	regSP = 2
	regA0 = 10
	regA1 = 11
	regA2 = 12
	regA3 = 13
	regA4 = 14
	regA5 = 15
	regA7 = 17
)

func (tf Trapframe) reg(i int) uint64 {
	if i == 0 {
		return 0
	}
	return binary.LittleEndian.Uint64(tf.b[regOff[i]:])
}

func (tf Trapframe) setReg(i int, v uint64) {
	if i == 0 {
		return
	}
	binary.LittleEndian.PutUint64(tf.b[regOff[i]:], v)
}

func (tf Trapframe) epc() uint64     { return binary.LittleEndian.Uint64(tf.b[tfEpc:]) }
func (tf Trapframe) setEpc(v uint64) { binary.LittleEndian.PutUint64(tf.b[tfEpc:], v) }

func (tf Trapframe) setKernelSatp(v uint64) { binary.LittleEndian.PutUint64(tf.b[tfKernelSatp:], v) }
func (tf Trapframe) setKernelSp(v uint64)   { binary.LittleEndian.PutUint64(tf.b[tfKernelSp:], v) }
func (tf Trapframe) setKernelHartid(v uint64) {
	binary.LittleEndian.PutUint64(tf.b[tfKernelHartid:], v)
}

package kernel

import "encoding/binary"

// The user-mode half of a hart: an RV64I interpreter running over the
// process's page table. Control returns to the kernel exactly the way
// hardware would hand it over, as an scause/stval pair at an
// instruction boundary: ecall, a fault, or a pending interrupt.

func sext32(v uint64) uint64 { return uint64(int64(int32(uint32(v)))) }

// runUser executes p's user code on the current hart until a trap.
func (k *Kernel) runUser(p *Proc) (scause, stval uint64) {
	c := p.cpu
	pt := p.pagetable
	tf := p.tf

	var x [32]uint64
	for i := 1; i < 32; i++ {
		x[i] = tf.reg(i)
	}
	pc := tf.epc()

	save := func() {
		for i := 1; i < 32; i++ {
			tf.setReg(i, x[i])
		}
		tf.setEpc(pc)
	}

	load := func(va uint64, n int) (uint64, bool) {
		var v uint64
		for i := 0; i < n; i++ {
			pa, ok := k.translate(pt, va+uint64(i), PTE_R)
			if !ok {
				return 0, false
			}
			v |= uint64(k.mach.bytes(pa, 1)[0]) << (8 * uint(i))
		}
		return v, true
	}
	store := func(va uint64, n int, v uint64) bool {
		for i := 0; i < n; i++ {
			pa, ok := k.translate(pt, va+uint64(i), PTE_W)
			if !ok {
				return false
			}
			k.mach.bytes(pa, 1)[0] = byte(v >> (8 * uint(i)))
		}
		return true
	}

	for {
		// Interrupts arrive at instruction boundaries.
		if k.mach.halted.Load() {
			save()
			return scauseTimerIntr, 0
		}
		if k.mach.plicPending() {
			save()
			return scauseExternIntr, 0
		}
		if t := k.mach.ticks.Load(); t != c.lastTick {
			c.lastTick = t
			save()
			return scauseTimerIntr, 0
		}

		// Fetch.
		if pc%4 != 0 {
			save()
			return scauseInstrMisalign, pc
		}
		ipa, ok := k.translate(pt, pc, PTE_X)
		if !ok {
			save()
			return scauseInstrPageFault, pc
		}
		inst := binary.LittleEndian.Uint32(k.mach.bytes(ipa, 4))

		// Decode.
		op := inst & 0x7f
		rd := int(inst >> 7 & 0x1f)
		rs1 := int(inst >> 15 & 0x1f)
		rs2 := int(inst >> 20 & 0x1f)
		funct3 := inst >> 12 & 7
		funct7 := inst >> 25

		immI := uint64(int64(int32(inst)) >> 20)
		immS := uint64(int64(int32(inst&0xfe000000))>>20) | uint64(inst>>7&0x1f)
		immB := uint64(int64(int32(inst&0x80000000))>>19) |
			uint64(inst>>20&0x7e0) | uint64(inst>>7&0x1e) | uint64(inst<<4&0x800)
		immU := uint64(int64(int32(inst & 0xfffff000)))
		immJ := uint64(int64(int32(inst&0x80000000))>>11) |
			uint64(inst&0xff000) | uint64(inst>>9&0x800) | uint64(inst>>20&0x7fe)

		next := pc + 4
		a := x[rs1]
		b := x[rs2]

		switch op {
		case 0x37: // LUI
			x[rd] = immU
		case 0x17: // AUIPC
			x[rd] = pc + immU
		case 0x6f: // JAL
			x[rd] = next
			next = pc + immJ
		case 0x67: // JALR
			t := (a + immI) &^ 1
			x[rd] = next
			next = t
		case 0x63: // branches
			taken := false
			switch funct3 {
			case 0:
				taken = a == b // BEQ
			case 1:
				taken = a != b // BNE
			case 4:
				taken = int64(a) < int64(b) // BLT
			case 5:
				taken = int64(a) >= int64(b) // BGE
			case 6:
				taken = a < b // BLTU
			case 7:
				taken = a >= b // BGEU
			default:
				save()
				return scauseIllegalInstr, uint64(inst)
			}
			if taken {
				next = pc + immB
			}
		case 0x03: // loads
			va := a + immI
			var n int
			switch funct3 {
			case 0, 4:
				n = 1 // LB, LBU
			case 1, 5:
				n = 2 // LH, LHU
			case 2, 6:
				n = 4 // LW, LWU
			case 3:
				n = 8 // LD
			default:
				save()
				return scauseIllegalInstr, uint64(inst)
			}
			v, ok := load(va, n)
			if !ok {
				save()
				return scauseLoadPageFault, va
			}
			switch funct3 {
			case 0:
				v = uint64(int64(int8(v)))
			case 1:
				v = uint64(int64(int16(v)))
			case 2:
				v = sext32(v)
			}
			x[rd] = v
		case 0x23: // stores
			va := a + immS
			var n int
			switch funct3 {
			case 0:
				n = 1 // SB
			case 1:
				n = 2 // SH
			case 2:
				n = 4 // SW
			case 3:
				n = 8 // SD
			default:
				save()
				return scauseIllegalInstr, uint64(inst)
			}
			if !store(va, n, b) {
				save()
				return scauseStorePageFault, va
			}
		case 0x13: // op-imm
			switch funct3 {
			case 0:
				x[rd] = a + immI // ADDI
			case 2:
				if int64(a) < int64(immI) { // SLTI
					x[rd] = 1
				} else {
					x[rd] = 0
				}
			case 3:
				if a < immI { // SLTIU
					x[rd] = 1
				} else {
					x[rd] = 0
				}
			case 4:
				x[rd] = a ^ immI // XORI
			case 6:
				x[rd] = a | immI // ORI
			case 7:
				x[rd] = a & immI // ANDI
			case 1: // SLLI
				if inst>>26 != 0 {
					save()
					return scauseIllegalInstr, uint64(inst)
				}
				x[rd] = a << (inst >> 20 & 0x3f)
			case 5: // SRLI, SRAI
				sh := inst >> 20 & 0x3f
				switch inst >> 26 {
				case 0:
					x[rd] = a >> sh
				case 0x10:
					x[rd] = uint64(int64(a) >> sh)
				default:
					save()
					return scauseIllegalInstr, uint64(inst)
				}
			}
		case 0x33: // op
			switch funct7<<3 | funct3 {
			case 0<<3 | 0:
				x[rd] = a + b // ADD
			case 0x20<<3 | 0:
				x[rd] = a - b // SUB
			case 0<<3 | 1:
				x[rd] = a << (b & 0x3f) // SLL
			case 0<<3 | 2:
				if int64(a) < int64(b) { // SLT
					x[rd] = 1
				} else {
					x[rd] = 0
				}
			case 0<<3 | 3:
				if a < b { // SLTU
					x[rd] = 1
				} else {
					x[rd] = 0
				}
			case 0<<3 | 4:
				x[rd] = a ^ b // XOR
			case 0<<3 | 5:
				x[rd] = a >> (b & 0x3f) // SRL
			case 0x20<<3 | 5:
				x[rd] = uint64(int64(a) >> (b & 0x3f)) // SRA
			case 0<<3 | 6:
				x[rd] = a | b // OR
			case 0<<3 | 7:
				x[rd] = a & b // AND
			default:
				save()
				return scauseIllegalInstr, uint64(inst)
			}
		case 0x1b: // op-imm-32
			switch funct3 {
			case 0:
				x[rd] = sext32(a + immI) // ADDIW
			case 1: // SLLIW
				if funct7 != 0 {
					save()
					return scauseIllegalInstr, uint64(inst)
				}
				x[rd] = sext32(a << (inst >> 20 & 0x1f))
			case 5: // SRLIW, SRAIW
				sh := inst >> 20 & 0x1f
				switch funct7 {
				case 0:
					x[rd] = sext32(uint64(uint32(a) >> sh))
				case 0x20:
					x[rd] = uint64(int64(int32(uint32(a)) >> sh))
				default:
					save()
					return scauseIllegalInstr, uint64(inst)
				}
			default:
				save()
				return scauseIllegalInstr, uint64(inst)
			}
		case 0x3b: // op-32
			switch funct7<<3 | funct3 {
			case 0<<3 | 0:
				x[rd] = sext32(a + b) // ADDW
			case 0x20<<3 | 0:
				x[rd] = sext32(a - b) // SUBW
			case 0<<3 | 1:
				x[rd] = sext32(a << (b & 0x1f)) // SLLW
			case 0<<3 | 5:
				x[rd] = sext32(uint64(uint32(a) >> (b & 0x1f))) // SRLW
			case 0x20<<3 | 5:
				x[rd] = uint64(int64(int32(uint32(a)) >> (b & 0x1f))) // SRAW
			default:
				save()
				return scauseIllegalInstr, uint64(inst)
			}
		case 0x0f: // FENCE; nothing to order here
		case 0x73: // SYSTEM
			if inst == 0x73 { // ECALL
				save()
				return scauseEcallU, 0
			}
			save()
			return scauseIllegalInstr, uint64(inst)
		default:
			save()
			return scauseIllegalInstr, uint64(inst)
		}

		x[0] = 0
		pc = next
	}
}

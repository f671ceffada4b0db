// Package uasm is a small two-pass RV64I assembler. Programs are built
// instruction by instruction with labels for control flow and data, and
// assembled into a flat little-endian image loaded at address 0.
package uasm

import (
	"encoding/binary"
	"fmt"
)

// Integer registers, ABI names.
const (
	X0 = iota // zero
	RA
	SP
	GP
	TP
	T0
	T1
	T2
	S0
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3
	T4
	T5
	T6
)

type item struct {
	pc  uint64
	raw []byte                       // literal bytes, nil when fix is set
	n   int                          // byte length
	fix func(pc, target uint64) []byte // label-dependent encoding
	ref string                       // label the fixup resolves
}

// Assembler accumulates instructions and data; Assemble resolves labels
// and produces the image.
type Assembler struct {
	items  []item
	labels map[string]uint64
	pc     uint64
	errs   []error
}

func New() *Assembler {
	return &Assembler{labels: make(map[string]uint64)}
}

func (a *Assembler) emit(raw []byte) {
	a.items = append(a.items, item{pc: a.pc, raw: raw, n: len(raw)})
	a.pc += uint64(len(raw))
}

func (a *Assembler) word(w uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	a.emit(b[:])
}

func (a *Assembler) fixup(n int, ref string, fix func(pc, target uint64) []byte) {
	a.items = append(a.items, item{pc: a.pc, n: n, fix: fix, ref: ref})
	a.pc += uint64(n)
}

func (a *Assembler) errf(format string, args ...interface{}) {
	a.errs = append(a.errs, fmt.Errorf(format, args...))
}

// Label binds name to the current position.
func (a *Assembler) Label(name string) {
	if _, dup := a.labels[name]; dup {
		a.errf("duplicate label %q", name)
	}
	a.labels[name] = a.pc
}

func words(ws ...uint32) []byte {
	b := make([]byte, 4*len(ws))
	for i, w := range ws {
		binary.LittleEndian.PutUint32(b[4*i:], w)
	}
	return b
}

// Instruction encoders.

func encR(op, rd, f3, rs1, rs2, f7 uint32) uint32 {
	return op | rd<<7 | f3<<12 | rs1<<15 | rs2<<20 | f7<<25
}

func encI(op, rd, f3, rs1 uint32, imm int32) uint32 {
	return op | rd<<7 | f3<<12 | rs1<<15 | uint32(imm)<<20
}

func encS(op, f3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	return op | (u&0x1f)<<7 | f3<<12 | rs1<<15 | rs2<<20 | (u>>5&0x7f)<<25
}

func encB(op, f3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	return op | (u>>11&1)<<7 | (u>>1&0xf)<<8 | f3<<12 | rs1<<15 | rs2<<20 |
		(u>>5&0x3f)<<25 | (u>>12&1)<<31
}

func encU(op, rd uint32, imm int32) uint32 {
	return op | rd<<7 | uint32(imm)&0xfffff000
}

func encJ(op, rd uint32, imm int32) uint32 {
	u := uint32(imm)
	return op | rd<<7 | (u>>12&0xff)<<12 | (u>>11&1)<<20 | (u>>1&0x3ff)<<21 | (u>>20&1)<<31
}

// Computational and memory instructions.

func (a *Assembler) Addi(rd, rs1 int, imm int32)  { a.word(encI(0x13, uint32(rd), 0, uint32(rs1), imm)) }
func (a *Assembler) Xori(rd, rs1 int, imm int32)  { a.word(encI(0x13, uint32(rd), 4, uint32(rs1), imm)) }
func (a *Assembler) Ori(rd, rs1 int, imm int32)   { a.word(encI(0x13, uint32(rd), 6, uint32(rs1), imm)) }
func (a *Assembler) Andi(rd, rs1 int, imm int32)  { a.word(encI(0x13, uint32(rd), 7, uint32(rs1), imm)) }
func (a *Assembler) Slli(rd, rs1 int, sh uint32)  { a.word(encI(0x13, uint32(rd), 1, uint32(rs1), int32(sh&0x3f))) }
func (a *Assembler) Srli(rd, rs1 int, sh uint32)  { a.word(encI(0x13, uint32(rd), 5, uint32(rs1), int32(sh&0x3f))) }

func (a *Assembler) Add(rd, rs1, rs2 int) { a.word(encR(0x33, uint32(rd), 0, uint32(rs1), uint32(rs2), 0)) }
func (a *Assembler) Sub(rd, rs1, rs2 int) { a.word(encR(0x33, uint32(rd), 0, uint32(rs1), uint32(rs2), 0x20)) }
func (a *Assembler) And(rd, rs1, rs2 int) { a.word(encR(0x33, uint32(rd), 7, uint32(rs1), uint32(rs2), 0)) }
func (a *Assembler) Or(rd, rs1, rs2 int)  { a.word(encR(0x33, uint32(rd), 6, uint32(rs1), uint32(rs2), 0)) }
func (a *Assembler) Xor(rd, rs1, rs2 int) { a.word(encR(0x33, uint32(rd), 4, uint32(rs1), uint32(rs2), 0)) }

func (a *Assembler) Lb(rd, rs1 int, off int32)  { a.word(encI(0x03, uint32(rd), 0, uint32(rs1), off)) }
func (a *Assembler) Lbu(rd, rs1 int, off int32) { a.word(encI(0x03, uint32(rd), 4, uint32(rs1), off)) }
func (a *Assembler) Lw(rd, rs1 int, off int32)  { a.word(encI(0x03, uint32(rd), 2, uint32(rs1), off)) }
func (a *Assembler) Ld(rd, rs1 int, off int32)  { a.word(encI(0x03, uint32(rd), 3, uint32(rs1), off)) }
func (a *Assembler) Sb(rs2, rs1 int, off int32) { a.word(encS(0x23, 0, uint32(rs1), uint32(rs2), off)) }
func (a *Assembler) Sw(rs2, rs1 int, off int32) { a.word(encS(0x23, 2, uint32(rs1), uint32(rs2), off)) }
func (a *Assembler) Sd(rs2, rs1 int, off int32) { a.word(encS(0x23, 3, uint32(rs1), uint32(rs2), off)) }

func (a *Assembler) Lui(rd int, imm int32)   { a.word(encU(0x37, uint32(rd), imm)) }
func (a *Assembler) Auipc(rd int, imm int32) { a.word(encU(0x17, uint32(rd), imm)) }

func (a *Assembler) Jalr(rd, rs1 int, off int32) { a.word(encI(0x67, uint32(rd), 0, uint32(rs1), off)) }
func (a *Assembler) Ecall()                      { a.word(0x00000073) }

// Mv copies rs into rd.
func (a *Assembler) Mv(rd, rs int) { a.Addi(rd, rs, 0) }

// Li loads a 32-bit constant, in one instruction when it fits 12 bits.
func (a *Assembler) Li(rd int, imm int32) {
	if imm >= -2048 && imm < 2048 {
		a.Addi(rd, X0, imm)
		return
	}
	hi := (imm + 0x800) &^ 0xfff
	a.Lui(rd, hi)
	if lo := imm - hi; lo != 0 {
		a.word(encI(0x1b, uint32(rd), 0, uint32(rd), lo)) // addiw
	}
}

// Label-relative instructions.

// La loads the address of a label into rd, as auipc+addi.
func (a *Assembler) La(rd int, label string) {
	a.fixup(8, label, func(pc, target uint64) []byte {
		delta := int64(target) - int64(pc)
		hi := (delta + 0x800) &^ 0xfff
		return words(
			encU(0x17, uint32(rd), int32(hi)),
			encI(0x13, uint32(rd), 0, uint32(rd), int32(delta-hi)),
		)
	})
}

// Jal jumps to a label; rd receives the return address (X0 to discard).
func (a *Assembler) Jal(rd int, label string) {
	a.fixup(4, label, func(pc, target uint64) []byte {
		return words(encJ(0x6f, uint32(rd), int32(int64(target)-int64(pc))))
	})
}

func (a *Assembler) branch(f3 uint32, rs1, rs2 int, label string) {
	a.fixup(4, label, func(pc, target uint64) []byte {
		return words(encB(0x63, f3, uint32(rs1), uint32(rs2), int32(int64(target)-int64(pc))))
	})
}

func (a *Assembler) Beq(rs1, rs2 int, label string)  { a.branch(0, rs1, rs2, label) }
func (a *Assembler) Bne(rs1, rs2 int, label string)  { a.branch(1, rs1, rs2, label) }
func (a *Assembler) Blt(rs1, rs2 int, label string)  { a.branch(4, rs1, rs2, label) }
func (a *Assembler) Bge(rs1, rs2 int, label string)  { a.branch(5, rs1, rs2, label) }
func (a *Assembler) Bltu(rs1, rs2 int, label string) { a.branch(6, rs1, rs2, label) }
func (a *Assembler) Bgeu(rs1, rs2 int, label string) { a.branch(7, rs1, rs2, label) }

// Data directives.

func (a *Assembler) Word(w uint32)     { a.word(w) }
func (a *Assembler) Bytes(b []byte)    { a.emit(append([]byte(nil), b...)) }
func (a *Assembler) Ascii(s string)    { a.emit([]byte(s)) }
func (a *Assembler) Align(n uint64) {
	if pad := (n - a.pc%n) % n; pad > 0 {
		a.emit(make([]byte, pad))
	}
}

// Assemble resolves every label reference and returns the image.
func (a *Assembler) Assemble() ([]byte, error) {
	out := make([]byte, 0, a.pc)
	for _, it := range a.items {
		if it.fix == nil {
			out = append(out, it.raw...)
			continue
		}
		target, ok := a.labels[it.ref]
		if !ok {
			a.errs = append(a.errs, fmt.Errorf("undefined label %q", it.ref))
			out = append(out, make([]byte, it.n)...)
			continue
		}
		b := it.fix(it.pc, target)
		if len(b) != it.n {
			return nil, fmt.Errorf("label %q: fixup size mismatch", it.ref)
		}
		out = append(out, b...)
	}
	if len(a.errs) > 0 {
		return nil, a.errs[0]
	}
	return out, nil
}

// MustAssemble is Assemble for statically known-good programs.
func (a *Assembler) MustAssemble() []byte {
	b, err := a.Assemble()
	if err != nil {
		panic(err)
	}
	return b
}

package le

import (
	"encoding/binary"
	"fmt"
)

// Reg is a 32-bit general purpose register number as encoded in
// ModRM. The 16-bit forms reuse the same numbers under an operand
// size prefix.
type Reg byte

const (
	EAX Reg = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
)

// AbsRef marks a 32-bit absolute data address embedded in assembled
// code, relative to the start of the output. The loader relocates
// these, so every one needs a fixup record at its final position.
type AbsRef struct {
	Off    int
	Target uint32
}

// Label is a branch target within one Assembler's output.
type Label int

type branch struct {
	cc    byte // condition code, ccNone for plain jmp
	label Label
	wide  bool
}

const ccNone byte = 0xff

// Condition codes (the low nibble of the Jcc opcodes).
const (
	ccE  = 0x4
	ccNE = 0x5
	ccL  = 0xc
	ccGE = 0xd
	ccLE = 0xe
	ccG  = 0xf
)

type chunk struct {
	bytes  []byte
	abs    []int
	branch *branch // set on branch chunks; bytes is nil
}

// Assembler builds a flat 32-bit code blob. Instructions append to
// the current chunk; branches are kept symbolic and sized during
// Assemble, starting at rel8 and widening to rel32 until the layout
// settles.
type Assembler struct {
	chunks []chunk
	labels []int // label -> chunk index it precedes, -1 if unset
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler { return &Assembler{} }

// NewLabel allocates an unplaced label.
func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, -1)
	return Label(len(a.labels) - 1)
}

// Mark places a label at the current output position.
func (a *Assembler) Mark(l Label) {
	a.chunks = append(a.chunks, chunk{})
	a.labels[l] = len(a.chunks) - 1
}

func (a *Assembler) cur() *chunk {
	n := len(a.chunks)
	if n == 0 || a.chunks[n-1].branch != nil {
		a.chunks = append(a.chunks, chunk{})
		n++
	}
	return &a.chunks[n-1]
}

func (a *Assembler) emit(b ...byte) {
	c := a.cur()
	c.bytes = append(c.bytes, b...)
}

// emitAbs appends a 32-bit absolute data address and records its
// position for fixup synthesis.
func (a *Assembler) emitAbs(addr uint32) {
	c := a.cur()
	c.abs = append(c.abs, len(c.bytes))
	c.bytes = binary.LittleEndian.AppendUint32(c.bytes, addr)
}

func (a *Assembler) emit32(v uint32) {
	c := a.cur()
	c.bytes = binary.LittleEndian.AppendUint32(c.bytes, v)
}

func (a *Assembler) emit16(v uint16) {
	c := a.cur()
	c.bytes = binary.LittleEndian.AppendUint16(c.bytes, v)
}

func modrm(mod, reg, rm byte) byte { return mod<<6 | reg<<3 | rm }

// MovRegReg emits mov dst, src (89 /r form).
func (a *Assembler) MovRegReg(dst, src Reg) {
	a.emit(0x89, modrm(3, byte(src), byte(dst)))
}

// ShlEAX emits shl eax, n, using the short form for a 1-bit shift.
func (a *Assembler) ShlEAX(n byte) {
	if n == 1 {
		a.emit(0xd1, 0xe0)
		return
	}
	a.emit(0xc1, 0xe0, n)
}

// NegEAX emits neg eax.
func (a *Assembler) NegEAX() { a.emit(0xf7, 0xd8) }

// Cdq emits cdq.
func (a *Assembler) Cdq() { a.emit(0x99) }

// Ret emits a near return.
func (a *Assembler) Ret() { a.emit(0xc3) }

// Nop emits a one-byte nop.
func (a *Assembler) Nop() { a.emit(0x90) }

// Push emits push r32.
func (a *Assembler) Push(r Reg) { a.emit(0x50 + byte(r)) }

// Pop emits pop r32.
func (a *Assembler) Pop(r Reg) { a.emit(0x58 + byte(r)) }

// XorRegReg emits xor dst, src (31 /r form).
func (a *Assembler) XorRegReg(dst, src Reg) {
	a.emit(0x31, modrm(3, byte(src), byte(dst)))
}

// SubRegReg emits sub dst, src (2B /r form).
func (a *Assembler) SubRegReg(dst, src Reg) {
	a.emit(0x2b, modrm(3, byte(dst), byte(src)))
}

// MovEAXMem emits mov eax, [addr] using the moffs form.
func (a *Assembler) MovEAXMem(addr uint32) {
	a.emit(0xa1)
	a.emitAbs(addr)
}

// MovMemEAX emits mov [addr], eax using the moffs form.
func (a *Assembler) MovMemEAX(addr uint32) {
	a.emit(0xa3)
	a.emitAbs(addr)
}

// MovALMem emits mov al, [addr] using the moffs form.
func (a *Assembler) MovALMem(addr uint32) {
	a.emit(0xa0)
	a.emitAbs(addr)
}

// MovRegMem emits mov r32, [addr].
func (a *Assembler) MovRegMem(r Reg, addr uint32) {
	a.emit(0x8b, modrm(0, byte(r), 5))
	a.emitAbs(addr)
}

// MovMemReg emits mov [addr], r32.
func (a *Assembler) MovMemReg(addr uint32, r Reg) {
	a.emit(0x89, modrm(0, byte(r), 5))
	a.emitAbs(addr)
}

// AddMemEAX emits add [addr], eax.
func (a *Assembler) AddMemEAX(addr uint32) {
	a.emit(0x01, modrm(0, 0, 5))
	a.emitAbs(addr)
}

// SubMemEAX emits sub [addr], eax.
func (a *Assembler) SubMemEAX(addr uint32) {
	a.emit(0x29, modrm(0, 0, 5))
	a.emitAbs(addr)
}

// AddRegMem emits add r32, [addr].
func (a *Assembler) AddRegMem(r Reg, addr uint32) {
	a.emit(0x03, modrm(0, byte(r), 5))
	a.emitAbs(addr)
}

// CmpRegMem emits cmp r32, [addr].
func (a *Assembler) CmpRegMem(r Reg, addr uint32) {
	a.emit(0x3b, modrm(0, byte(r), 5))
	a.emitAbs(addr)
}

// CmpMem8Imm emits cmp byte [addr], imm8.
func (a *Assembler) CmpMem8Imm(addr uint32, imm byte) {
	a.emit(0x80, modrm(0, 7, 5))
	a.emitAbs(addr)
	a.emit(imm)
}

// TestMem8Imm emits test byte [addr], imm8.
func (a *Assembler) TestMem8Imm(addr uint32, imm byte) {
	a.emit(0xf6, modrm(0, 0, 5))
	a.emitAbs(addr)
	a.emit(imm)
}

// AndMem8Imm emits and byte [addr], imm8.
func (a *Assembler) AndMem8Imm(addr uint32, imm byte) {
	a.emit(0x80, modrm(0, 4, 5))
	a.emitAbs(addr)
	a.emit(imm)
}

// MovMem32Imm emits mov dword [addr], imm32.
func (a *Assembler) MovMem32Imm(addr uint32, imm uint32) {
	a.emit(0xc7, modrm(0, 0, 5))
	a.emitAbs(addr)
	a.emit32(imm)
}

// MovMem16Imm emits mov word [addr], imm16.
func (a *Assembler) MovMem16Imm(addr uint32, imm uint16) {
	a.emit(0x66, 0xc7, modrm(0, 0, 5))
	a.emitAbs(addr)
	a.emit16(imm)
}

// AddEAXImm emits add eax, imm32 (short accumulator form).
func (a *Assembler) AddEAXImm(imm uint32) {
	a.emit(0x05)
	a.emit32(imm)
}

// SubEAXImm emits sub eax, imm32 (short accumulator form).
func (a *Assembler) SubEAXImm(imm uint32) {
	a.emit(0x2d)
	a.emit32(imm)
}

// CmpALImm emits cmp al, imm8.
func (a *Assembler) CmpALImm(imm byte) { a.emit(0x3c, imm) }

// MovEAXImm emits mov eax, imm32.
func (a *Assembler) MovEAXImm(imm uint32) {
	a.emit(0xb8)
	a.emit32(imm)
}

// MovR16Imm emits mov r16, imm16.
func (a *Assembler) MovR16Imm(r Reg, imm uint16) {
	a.emit(0x66, 0xb8+byte(r))
	a.emit16(imm)
}

// Int emits int imm8.
func (a *Assembler) Int(vector byte) { a.emit(0xcd, vector) }

func (a *Assembler) jcc(cc byte, l Label) {
	a.chunks = append(a.chunks, chunk{branch: &branch{cc: cc, label: l}})
}

// Je, Jne, Jl, Jge, Jle, Jg emit conditional branches to a label.
func (a *Assembler) Je(l Label)  { a.jcc(ccE, l) }
func (a *Assembler) Jne(l Label) { a.jcc(ccNE, l) }
func (a *Assembler) Jl(l Label)  { a.jcc(ccL, l) }
func (a *Assembler) Jge(l Label) { a.jcc(ccGE, l) }
func (a *Assembler) Jle(l Label) { a.jcc(ccLE, l) }
func (a *Assembler) Jg(l Label)  { a.jcc(ccG, l) }

// Jmp emits an unconditional branch to a label.
func (a *Assembler) Jmp(l Label) { a.jcc(ccNone, l) }

func branchSize(b *branch) int {
	if !b.wide {
		return 2
	}
	if b.cc == ccNone {
		return 5
	}
	return 6
}

// Assemble lays out the code and returns the bytes plus the positions
// of all absolute data operands. Branches start at rel8 and widen
// until the layout is stable, so short hops stay short the way a
// human-written routine would have them.
func (a *Assembler) Assemble() ([]byte, []AbsRef, error) {
	for i, at := range a.labels {
		if at < 0 {
			return nil, nil, fmt.Errorf("label %d never placed", i)
		}
	}

	offsets := make([]int, len(a.chunks)+1)
	for {
		pos := 0
		for i := range a.chunks {
			offsets[i] = pos
			if b := a.chunks[i].branch; b != nil {
				pos += branchSize(b)
			} else {
				pos += len(a.chunks[i].bytes)
			}
		}
		offsets[len(a.chunks)] = pos

		changed := false
		for i := range a.chunks {
			b := a.chunks[i].branch
			if b == nil || b.wide {
				continue
			}
			rel := offsets[a.labels[b.label]] - (offsets[i] + branchSize(b))
			if rel < -128 || rel > 127 {
				b.wide = true
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	var out []byte
	var refs []AbsRef
	for i := range a.chunks {
		c := &a.chunks[i]
		if c.branch == nil {
			base := len(out)
			for _, off := range c.abs {
				refs = append(refs, AbsRef{
					Off:    base + off,
					Target: binary.LittleEndian.Uint32(c.bytes[off : off+4]),
				})
			}
			out = append(out, c.bytes...)
			continue
		}
		b := c.branch
		rel := offsets[a.labels[b.label]] - (offsets[i] + branchSize(b))
		if !b.wide {
			op := byte(0xeb)
			if b.cc != ccNone {
				op = 0x70 | b.cc
			}
			out = append(out, op, byte(int8(rel)))
			continue
		}
		if b.cc == ccNone {
			out = append(out, 0xe9)
		} else {
			out = append(out, 0x0f, 0x80|b.cc)
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(int32(rel)))
	}
	return out, refs, nil
}

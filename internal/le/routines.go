package le

import "bytes"

// Routine is an assembled payload plus the positions of any absolute
// data operands inside it. Abs offsets are relative to Code[0]; the
// applier turns them into fixup records at the final patch address.
type Routine struct {
	Name string
	Code []byte
	Abs  []AbsRef
}

func finish(name string, a *Assembler) (Routine, error) {
	code, abs, err := a.Assemble()
	if err != nil {
		return Routine{}, err
	}
	return Routine{Name: name, Code: code, Abs: abs}, nil
}

func nops(n int) []byte { return bytes.Repeat([]byte{0x90}, n) }

// SpeedFixRoutine nops out the delta-time clamp that rounds a zero
// tick count up to four, which makes movement velocity explode on
// fast machines.
func SpeedFixRoutine() Routine {
	return Routine{Name: "speed fix", Code: nops(7)}
}

// RKeyNopRoutine disables the original run-toggle handler for the R
// key, which the crouch routine repurposes.
func RKeyNopRoutine() Routine {
	return Routine{Name: "r key disable", Code: nops(28)}
}

// HoverNopRoutine disables one of the hover buttons' synthetic
// keypress injections, which would otherwise drive the discarded eye
// level handler.
func HoverNopRoutine(name string) Routine {
	return Routine{Name: name, Code: nops(7)}
}

// MouselookRoutine converts the unbounded mouse deltas in ecx/edx
// into head rotation and clamped head tilt.
//
// Tilt ranges from the ceiling limit (negative) to the floor limit;
// rotation wraps freely. The deltas arrive already loaded by the
// surrounding function, so the routine is register-pure apart from
// eax.
func MouselookRoutine(v Vars, invertY bool) (Routine, error) {
	a := NewAssembler()
	check2 := a.NewLabel()
	after := a.NewLabel()

	a.MovRegReg(EAX, ECX)
	a.ShlEAX(17)
	a.AddMemEAX(v.RotAngle)
	a.MovRegReg(EAX, EDX)
	if invertY {
		a.NegEAX()
	}
	a.ShlEAX(1)
	a.AddRegMem(EAX, v.TiltLast)
	a.CmpRegMem(EAX, v.TiltTop)
	a.Jge(check2)
	a.MovEAXMem(v.TiltTop)
	a.Mark(check2)
	a.CmpRegMem(EAX, v.TiltBottom)
	a.Jle(after)
	a.MovEAXMem(v.TiltBottom)
	a.Mark(after)
	a.MovMemEAX(v.TiltAngle)
	a.MovMemEAX(v.TiltLast)
	a.Ret()
	return finish("mouselook", a)
}

// WASDRoutine replaces the head-turning keyboard controls with
// WASD-style movement, reusing the original velocity accumulators and
// doubling speed while the run key is held. The jump back into the
// original key handling is appended by the plan builder, which knows
// the final addresses.
func WASDRoutine(v Vars, b Bindings) (Routine, error) {
	a := NewAssembler()
	down := a.NewLabel()
	leftyRighty := a.NewLabel()
	applyFwd := a.NewLabel()
	right := a.NewLabel()
	fin := a.NewLabel()
	applyStrafe := a.NewLabel()
	skip := a.NewLabel()

	if v.HasAbductor {
		// the vehicle has its own control handler
		a.CmpMem8Imm(v.AbductorFlag, 0)
		a.Jne(skip)
	}
	a.MovMem32Imm(v.StrafeFlag, 1)

	a.XorRegReg(EAX, EAX)
	a.TestMem8Imm(v.KeyState+uint32(b.Forward), 3)
	a.Je(down)
	a.SubEAXImm(0x4000)
	a.Mark(down)
	a.TestMem8Imm(v.KeyState+uint32(b.Back), 3)
	a.Je(leftyRighty)
	a.AddEAXImm(0x4000)
	a.Mark(leftyRighty)
	a.TestMem8Imm(v.KeyState+uint32(b.Run), 3)
	a.Je(applyFwd)
	a.ShlEAX(1)
	a.Mark(applyFwd)
	a.MovMemEAX(v.FwdVeloc)

	a.XorRegReg(EAX, EAX)
	a.TestMem8Imm(v.KeyState+uint32(b.Left), 3)
	a.Je(right)
	a.SubEAXImm(0xc000)
	a.Mark(right)
	a.TestMem8Imm(v.KeyState+uint32(b.Right), 3)
	a.Je(fin)
	a.AddEAXImm(0xc000)
	a.Mark(fin)
	a.TestMem8Imm(v.KeyState+uint32(b.Run), 3)
	a.Je(applyStrafe)
	a.ShlEAX(1)
	a.Mark(applyStrafe)
	a.MovMemEAX(v.StrafeVeloc)

	// consume the keypress edge bits, keep the held bit
	for _, key := range []byte{b.Forward, b.Back, b.Left, b.Right, b.Run} {
		a.AndMem8Imm(v.KeyState+uint32(key), 1)
	}
	a.Mark(skip)
	a.Nop()
	return finish("wasd", a)
}

// CrouchRoutine replaces the three-key eye level controls with hold
// to crouch, hold to stretch, release to glide back to neutral.
func CrouchRoutine(v Vars, b Bindings) (Routine, error) {
	a := NewAssembler()
	start := a.NewLabel()
	crouch := a.NewLabel()
	restore := a.NewLabel()
	adjust := a.NewLabel()
	skip := a.NewLabel()
	fin := a.NewLabel()

	if v.HasAbductor {
		a.CmpMem8Imm(v.AbductorFlag, 0)
		a.Je(start)
		a.Ret()
	}
	a.Mark(start)
	a.Push(ECX)
	a.Push(EDX)
	// ecx = neutral eye level
	a.MovRegMem(ECX, v.EyeMin)
	a.AddRegMem(ECX, v.EyeRestore)

	a.TestMem8Imm(v.KeyState+uint32(b.Crouch), 3)
	a.Jne(crouch)
	a.TestMem8Imm(v.KeyState+uint32(b.Stretch), 3)
	a.Je(restore)

	// stretch up to the ceiling
	a.MovEAXMem(v.EyeIncr)
	a.AddMemEAX(v.EyeLevel)
	a.MovEAXMem(v.EyeLevel)
	a.CmpRegMem(EAX, v.EyeMax)
	a.Jle(fin)
	a.MovEAXMem(v.EyeMax)
	a.MovMemEAX(v.EyeLevel)
	a.Jmp(fin)

	a.Mark(crouch)
	a.MovEAXMem(v.EyeIncr)
	a.SubMemEAX(v.EyeLevel)
	a.MovEAXMem(v.EyeLevel)
	a.CmpRegMem(EAX, v.EyeMin)
	a.Jge(fin)
	a.MovEAXMem(v.EyeMin)
	a.MovMemEAX(v.EyeLevel)
	a.Jmp(fin)

	// glide back: snap when within one increment of neutral,
	// otherwise step towards it
	a.Mark(restore)
	a.MovEAXMem(v.EyeLevel)
	a.SubRegReg(EAX, ECX)
	a.Cdq()
	a.XorRegReg(EAX, EDX)
	a.SubRegReg(EAX, EDX)
	a.CmpRegMem(EAX, v.EyeIncr)
	a.Jle(skip)
	a.MovEAXMem(v.EyeIncr)
	a.CmpRegMem(ECX, v.EyeLevel)
	a.Jg(adjust)
	a.NegEAX()
	a.Mark(adjust)
	a.AddMemEAX(v.EyeLevel)
	a.Jmp(fin)
	a.Mark(skip)
	a.MovMemReg(v.EyeLevel, ECX)

	a.Mark(fin)
	a.AndMem8Imm(v.KeyState+uint32(b.Crouch), 1)
	a.AndMem8Imm(v.KeyState+uint32(b.Stretch), 1)
	a.Pop(EDX)
	a.Pop(ECX)
	a.Ret()
	return finish("crouch", a)
}

// VsyncRoutine waits for vertical retrace via the VBE 2.0 Set Display
// Start call before the interactive renderer draws a frame. The
// engine is single-buffered, so this cannot remove tearing outright,
// but it kills most of the flicker on fast machines. The jump to the
// original frame draw function is appended by the plan builder.
func VsyncRoutine() (Routine, error) {
	a := NewAssembler()
	a.Push(EAX)
	a.Push(EBX)
	a.Push(ECX)
	a.Push(EDX)
	a.MovR16Imm(EAX, 0x4f07)
	a.MovR16Imm(EBX, 0x0080)
	a.MovR16Imm(ECX, 0x0000)
	a.MovR16Imm(EDX, 0x0000)
	a.Int(0x10)
	a.Pop(EDX)
	a.Pop(ECX)
	a.Pop(EBX)
	a.Pop(EAX)
	return finish("vsync shim", a)
}

// AbductorRoutine rewrites the Alien Abductor d-pad handler. The
// original ramps velocity per frame rather than per tick, which runs
// far too hot on anything faster than the hardware it shipped on;
// this version applies fixed velocities and reuses the eye level
// variables for hover height.
func AbductorRoutine(v Vars, b Bindings) (Routine, error) {
	a := NewAssembler()
	hoverUpWrite := a.NewLabel()
	hoverDown := a.NewLabel()
	hoverDownWrite := a.NewLabel()
	dpad := a.NewLabel()
	move := a.NewLabel()
	leftRightSpeed := a.NewLabel()
	leftRightApply := a.NewLabel()
	upDown := a.NewLabel()
	upDownSpeed := a.NewLabel()
	upDownApply := a.NewLabel()
	fin := a.NewLabel()

	a.CmpMem8Imm(v.FakeKeyInput, 0x2a)
	a.Jne(hoverDown)
	a.MovEAXMem(v.EyeLevel)
	a.AddEAXImm(0x400)
	a.CmpRegMem(EAX, v.EyeMax)
	a.Jl(hoverUpWrite)
	a.MovEAXMem(v.EyeMax)
	a.Mark(hoverUpWrite)
	a.MovMemEAX(v.EyeLevel)

	a.Mark(hoverDown)
	a.CmpMem8Imm(v.FakeKeyInput, 0x38)
	a.Jne(dpad)
	a.MovEAXMem(v.EyeLevel)
	a.SubEAXImm(0x400)
	a.CmpRegMem(EAX, v.EyeMin)
	a.Jg(hoverDownWrite)
	a.MovEAXMem(v.EyeMin)
	a.Mark(hoverDownWrite)
	a.MovMemEAX(v.EyeLevel)

	a.Mark(dpad)
	a.MovALMem(v.Abductor)
	a.CmpALImm(2)
	a.Je(move)
	a.MovMem32Imm(v.StrafeVeloc, 0)
	a.MovMem32Imm(v.FwdVeloc, 0)
	a.Jmp(fin)

	a.Mark(move)
	a.TestMem8Imm(v.AbductorPad, 0xc)
	a.Je(upDown)
	a.MovEAXImm(0x400000)
	a.TestMem8Imm(v.AbductorPad, 0x8)
	a.Jne(leftRightSpeed)
	a.NegEAX()
	a.Mark(leftRightSpeed)
	a.TestMem8Imm(v.KeyState+uint32(b.Run), 3)
	a.Je(leftRightApply)
	a.ShlEAX(1)
	a.Mark(leftRightApply)
	a.MovMemEAX(v.StrafeVeloc)

	a.Mark(upDown)
	a.TestMem8Imm(v.AbductorPad, 3)
	a.Je(fin)
	a.MovEAXImm(0x1800)
	a.TestMem8Imm(v.AbductorPad, 2)
	a.Jne(upDownSpeed)
	a.NegEAX()
	a.Mark(upDownSpeed)
	a.TestMem8Imm(v.KeyState+uint32(b.Run), 3)
	a.Je(upDownApply)
	a.ShlEAX(1)
	a.Mark(upDownApply)
	a.MovMemEAX(v.FwdVeloc)

	a.Mark(fin)
	a.MovMem16Imm(v.MouseXMod, 0)
	a.MovMem16Imm(v.MouseYMod, 0)
	a.AndMem8Imm(v.KeyState+uint32(b.Run), 1)
	a.Ret()
	return finish("abductor controls", a)
}

// CreditsText is the opening-credits replacement blob. It overlays
// the start of the developer credit paragraph and pads the remainder
// with spaces so the surrounding layout is untouched.
func CreditsText() []byte {
	text := "(c) 1993.        \r" +
		"Mouselook v1.2 (c) 2025 moralrecordings.    \r"
	return append([]byte(text), bytes.Repeat([]byte{' '}, 32)...)
}

package le

import (
	"encoding/binary"
	"fmt"
)

// PatchOp is one contiguous byte rewrite. Old is the exact byte range
// the op expects to find when it is applied; a mismatch aborts the
// run before anything is written. Abs holds the positions of absolute
// data operands inside New, relative to Addr, for fixup synthesis.
type PatchOp struct {
	Name string
	Addr uint32
	Old  []byte
	New  []byte
	Abs  []AbsRef
	// Exec marks injected machine code, which the verifier decodes
	// after apply. Data overlays leave it false.
	Exec bool
}

// End returns the first address past the op.
func (op PatchOp) End() uint32 { return op.Addr + uint32(len(op.New)) }

// Plan is an ordered list of rewrites against one image. Ops are
// applied in order; the vsync shim lands in scratch space that an
// earlier op creates, so order is load-bearing.
type Plan struct {
	Info Info
	Ops  []PatchOp
	// Appended is how much the output grows past the input, always
	// exactly the space taken from the final page's slack.
	Appended uint32
}

func (p *Plan) claimed(addr, n uint32) bool {
	end := addr + n
	for _, op := range p.Ops {
		if addr < op.End() && op.Addr < end {
			return true
		}
	}
	return false
}

func (p *Plan) addOp(img *Image, name string, addr uint32, code []byte, abs []AbsRef, exec bool) error {
	old, err := img.Bytes(addr, uint32(len(code)))
	if err != nil {
		return &Error{Code: CodeMalformedImage, Signature: name,
			Addrs: []uint32{addr}, Msg: "patch range " + err.Error()}
	}
	if p.claimed(addr, uint32(len(code))) {
		return &Error{Code: CodePatchPreconditionFailed, Signature: name,
			Addrs: []uint32{addr}, Msg: "patch ranges overlap"}
	}
	p.Ops = append(p.Ops, PatchOp{
		Name: name,
		Addr: addr,
		Old:  append([]byte(nil), old...),
		New:  code,
		Abs:  abs,
		Exec: exec,
	})
	return nil
}

// jmpRel32 builds an E9 jump from src (the first byte of the
// instruction) to dst.
func jmpRel32(src, dst uint32) []byte {
	out := []byte{0xe9}
	return binary.LittleEndian.AppendUint32(out, uint32(int32(dst)-int32(src)-5))
}

// callRel32 builds an E8 call from src to dst.
func callRel32(src, dst uint32) []byte {
	out := []byte{0xe8}
	return binary.LittleEndian.AppendUint32(out, uint32(int32(dst)-int32(src)-5))
}

// BuildPlan resolves every signature the requested options need and
// lays out the rewrites. The image's working copy is untouched except
// for final-page growth when the vsync shim cannot reuse slack inside
// the block it rides on.
func BuildPlan(img *Image, info Info, cat *Catalog, opts Options) (*Plan, error) {
	sc := NewScanner(img)
	plan := &Plan{Info: info}

	if opts.FixSpeed {
		a, err := sc.Resolve(cat.SpeedBug)
		if err != nil {
			return nil, err
		}
		r := SpeedFixRoutine()
		if err := plan.addOp(img, r.Name, a.Addr, r.Code, nil, true); err != nil {
			return nil, err
		}
	}

	if opts.Mouselook {
		if err := plan.buildMouselook(img, sc, cat, opts); err != nil {
			return nil, err
		}
	}

	if cat.Credits != nil {
		// Cosmetic only: absence or an ambiguous match skips the
		// overlay rather than failing the run.
		a, err := sc.Resolve(cat.Credits)
		if err == nil {
			if err := plan.addOp(img, SigCredits, a.Addr, CreditsText(), nil, false); err != nil {
				return nil, err
			}
		} else if err != errAbsent && CodeOf(err) != CodeAmbiguousAnchor {
			return nil, err
		}
	}
	return plan, nil
}

func (p *Plan) buildMouselook(img *Image, sc *Scanner, cat *Catalog, opts Options) error {
	resolved, err := sc.ResolveVars(cat.Vars)
	if err != nil {
		return err
	}
	vars, err := bindVars(resolved)
	if err != nil {
		return err
	}
	b := opts.Bindings

	look, err := MouselookRoutine(vars, opts.InvertLookY)
	if err != nil {
		return err
	}
	a, err := sc.Resolve(cat.Mouselook)
	if err != nil {
		return err
	}
	if err := p.addOp(img, look.Name, a.Addr, look.Code, look.Abs, true); err != nil {
		return err
	}

	wasdEnd, err := p.buildWASD(img, sc, cat, vars, b)
	if err != nil {
		return err
	}

	rkey, err := sc.Resolve(cat.RKey)
	if err != nil {
		return err
	}
	r := RKeyNopRoutine()
	if err := p.addOp(img, r.Name, rkey.Addr, r.Code, nil, true); err != nil {
		return err
	}

	crouch, err := CrouchRoutine(vars, b)
	if err != nil {
		return err
	}
	ca, err := sc.Resolve(cat.Crouch)
	if err != nil {
		return err
	}
	if err := p.addOp(img, crouch.Name, ca.Addr, crouch.Code, crouch.Abs, true); err != nil {
		return err
	}

	if err := p.buildVsync(img, sc, cat, wasdEnd); err != nil {
		return err
	}

	if vars.HasAbductor && cat.Abductor != nil {
		if err := p.buildAbductor(sc, img, cat, vars, b); err != nil {
			return err
		}
	}
	return nil
}

// buildWASD lays the movement routine over the head-turning key
// handler, jumps back in where the surviving key handling resumes,
// and nop-fills the leftover bytes. Returns the address just past the
// jump, the start of the reusable slack.
func (p *Plan) buildWASD(img *Image, sc *Scanner, cat *Catalog, vars Vars, b Bindings) (uint32, error) {
	wasd, err := sc.Resolve(cat.WASD)
	if err != nil {
		return 0, err
	}
	rejoin, err := sc.Resolve(cat.WASDRejoin)
	if err != nil {
		return 0, err
	}
	if rejoin.Addr <= wasd.Addr {
		return 0, &Error{Code: CodePatchPreconditionFailed, Signature: SigWASDRejoin,
			Addrs: []uint32{wasd.Addr, rejoin.Addr},
			Msg:   "rejoin point precedes mod point"}
	}
	routine, err := WASDRoutine(vars, b)
	if err != nil {
		return 0, err
	}
	gap := rejoin.Addr - wasd.Addr
	need := uint32(len(routine.Code)) + 5
	if need > gap {
		return 0, &Error{Code: CodeNoCaveSpace, Signature: SigWASD,
			Addrs: []uint32{wasd.Addr},
			Msg:   fmt.Sprintf("payload needs %d bytes, replaced block has %d", need, gap)}
	}
	end := wasd.Addr + need
	code := append([]byte(nil), routine.Code...)
	code = append(code, jmpRel32(wasd.Addr+uint32(len(routine.Code)), rejoin.Addr)...)
	code = append(code, nops(int(gap-need))...)
	if err := p.addOp(img, routine.Name, wasd.Addr, code, routine.Abs, true); err != nil {
		return 0, err
	}
	return end, nil
}

// buildVsync injects the retrace wait shim and redirects the frame
// draw calls through it. The shim prefers the slack the movement
// routine just opened up; when it does not fit there, any filler run
// or the final page's slack will do.
func (p *Plan) buildVsync(img *Image, sc *Scanner, cat *Catalog, slackStart uint32) error {
	frame, err := sc.Resolve(cat.FrameDraw)
	if err != nil {
		return err
	}
	shim, err := VsyncRoutine()
	if err != nil {
		return err
	}
	size := uint32(len(shim.Code)) + 5

	var shimAddr uint32
	inSlack := !p.claimedTail(slackStart, size)
	if inSlack {
		shimAddr = slackStart
	} else {
		cave, ok := allocCave(img, size, p.claimed)
		if !ok {
			return &Error{Code: CodeNoCaveSpace, Signature: SigFrameDraw,
				Msg: fmt.Sprintf("no %d-byte cave for the retrace shim", size)}
		}
		shimAddr = cave.Addr
		p.Appended = img.AppendedBytes()
	}

	code := append([]byte(nil), shim.Code...)
	code = append(code, jmpRel32(shimAddr+uint32(len(shim.Code)), frame.Addr)...)
	if inSlack {
		err = p.addOpInSlack(shim.Name, shimAddr, code, shim.Abs)
	} else {
		err = p.addOp(img, shim.Name, shimAddr, code, shim.Abs, true)
	}
	if err != nil {
		return err
	}

	for _, callSig := range cat.FrameCalls {
		call, err := sc.Resolve(callSig)
		if err != nil {
			return err
		}
		stub := callRel32(call.Addr, shimAddr)
		if err := p.addOp(img, callSig.Name, call.Addr, stub, nil, true); err != nil {
			return err
		}
	}
	return nil
}

// claimedTail reports whether [addr, addr+n) is unusable as shim
// space: unclaimed entirely, or claimed by anything other than the
// nop tail of the op that ends there.
func (p *Plan) claimedTail(addr, n uint32) bool {
	end := addr + n
	for _, op := range p.Ops {
		if addr >= op.Addr && end <= op.End() && op.Exec {
			// inside an existing op: fine only if that stretch is
			// pure nop fill
			off := addr - op.Addr
			for i := uint32(0); i < n; i++ {
				if op.New[off+i] != 0x90 {
					return true
				}
			}
			return false
		}
		if addr < op.End() && op.Addr < end {
			return true
		}
	}
	return true
}

// addOpInSlack is addOp for scratch space that an earlier op fills
// with nops: the precondition is the fill the earlier op writes, and
// the ranges intentionally nest.
func (p *Plan) addOpInSlack(name string, addr uint32, code []byte, abs []AbsRef) error {
	p.Ops = append(p.Ops, PatchOp{
		Name: name,
		Addr: addr,
		Old:  nops(len(code)),
		New:  code,
		Abs:  abs,
		Exec: true,
	})
	return nil
}

func (p *Plan) buildAbductor(sc *Scanner, img *Image, cat *Catalog, vars Vars, b Bindings) error {
	routine, err := AbductorRoutine(vars, b)
	if err != nil {
		return err
	}
	a, err := sc.Resolve(cat.Abductor)
	if err != nil {
		return err
	}
	if err := p.addOp(img, routine.Name, a.Addr, routine.Code, routine.Abs, true); err != nil {
		return err
	}

	for _, hs := range []*Signature{cat.HoverUp, cat.HoverDown} {
		ha, err := sc.Resolve(hs)
		if err != nil {
			return err
		}
		r := HoverNopRoutine(hs.Name)
		if err := p.addOp(img, r.Name, ha.Addr, r.Code, nil, true); err != nil {
			return err
		}
	}
	return nil
}

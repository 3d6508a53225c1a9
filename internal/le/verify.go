package le

import (
	"bytes"
	"sort"

	"golang.org/x/arch/x86/x86asm"
)

// Verify checks the applied working copy before anything touches
// disk: every op's bytes landed, injected code decodes as valid
// 32-bit instructions, the pristine anchors are gone with the patched
// forms in their place, and not one byte outside the planned ranges
// drifted from the input.
func Verify(img *Image, plan *Plan, cat *Catalog) error {
	for i, op := range plan.Ops {
		cur, err := img.Bytes(op.Addr, uint32(len(op.New)))
		if err != nil {
			return verifyFailed("%s: %v", op.Name, err)
		}
		// Later ops may legally overwrite part of an earlier op's
		// range; the vsync shim rides in the movement block's nop
		// tail. Those bytes are checked against the later op instead.
		for j, b := range op.New {
			if cur[j] == b || overwrittenLater(plan.Ops[i+1:], op.Addr+uint32(j)) {
				continue
			}
			e := verifyFailed("patched bytes not present")
			e.Signature = op.Name
			e.Addrs = []uint32{op.Addr}
			return e
		}
		if op.Exec {
			if err := decodeAll(op.New); err != nil {
				e := verifyFailed("injected code does not decode: %v", err)
				e.Signature = op.Name
				e.Addrs = []uint32{op.Addr}
				return e
			}
		}
	}

	sc := NewScanner(img)
	if plan.usedMouselook() {
		if sc.Present(cat.Mouselook) {
			e := verifyFailed("pristine signature still present after patch")
			e.Signature = cat.Mouselook.Name
			return e
		}
		if !sc.Present(cat.Patched) {
			e := verifyFailed("patched form not found")
			e.Signature = cat.Patched.Name
			return e
		}
	}

	return verifyUntouched(img, plan)
}

func overwrittenLater(ops []PatchOp, addr uint32) bool {
	for _, op := range ops {
		if addr >= op.Addr && addr < op.End() {
			return true
		}
	}
	return false
}

// decodeAll walks the payload instruction by instruction. A stray
// byte that truncates or garbles an instruction fails the whole run.
func decodeAll(code []byte) error {
	for pos := 0; pos < len(code); {
		inst, err := x86asm.Decode(code[pos:], 32)
		if err != nil {
			return err
		}
		pos += inst.Len
	}
	return nil
}

// verifyUntouched diffs the working copy against the original page
// data outside the planned ranges. Appended space is new by
// definition and is skipped.
func verifyUntouched(img *Image, plan *Plan) error {
	type span struct{ start, end uint32 }
	spans := make([]span, 0, len(plan.Ops))
	for _, op := range plan.Ops {
		spans = append(spans, span{op.Addr, op.End()})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var pos uint32
	limit := uint32(len(img.orig))
	check := func(start, end uint32) error {
		if end > limit {
			end = limit
		}
		if start >= end {
			return nil
		}
		if !bytes.Equal(img.pages[start:end], img.orig[start:end]) {
			return verifyFailed("bytes outside patch ranges changed near 0x%08x", start)
		}
		return nil
	}
	for _, s := range spans {
		if err := check(pos, s.start); err != nil {
			return err
		}
		if s.end > pos {
			pos = s.end
		}
	}
	return check(pos, limit)
}

func (p *Plan) usedMouselook() bool {
	for _, op := range p.Ops {
		if op.Name == "mouselook" {
			return true
		}
	}
	return false
}

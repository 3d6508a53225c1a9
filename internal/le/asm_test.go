package le

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
)

func hexBytes(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		t.Fatalf("bad hex in test: %v", err)
	}
	return b
}

// The mouselook payload for one known release, byte for byte.
func TestMouselookRoutineGolden(t *testing.T) {
	r, err := MouselookRoutine(fixVars, false)
	if err != nil {
		t.Fatalf("MouselookRoutine: %v", err)
	}

	want := hexBytes(t,
		"89 c8"+ // mov eax, ecx
			" c1 e0 11"+ // shl eax, 17
			" 01 05 a5 f2 01 00"+ // add [rot], eax
			" 89 d0"+ // mov eax, edx
			" d1 e0"+ // shl eax, 1
			" 03 05 90 f2 01 00"+ // add eax, [last]
			" 3b 05 95 f3 01 00"+ // cmp eax, [top]
			" 7d 05"+ // jge +5
			" a1 95 f3 01 00"+ // mov eax, [top]
			" 3b 05 91 f3 01 00"+ // cmp eax, [bottom]
			" 7e 05"+ // jle +5
			" a1 91 f3 01 00"+ // mov eax, [bottom]
			" a3 ad f2 01 00"+ // mov [tilt], eax
			" a3 90 f2 01 00"+ // mov [last], eax
			" c3") // ret
	if !bytes.Equal(r.Code, want) {
		t.Errorf("code mismatch:\n got %x\nwant %x", r.Code, want)
	}

	wantAbs := []int{7, 17, 23, 30, 36, 43, 48, 53}
	if len(r.Abs) != len(wantAbs) {
		t.Fatalf("got %d abs refs, want %d", len(r.Abs), len(wantAbs))
	}
	for i, ref := range r.Abs {
		if ref.Off != wantAbs[i] {
			t.Errorf("abs ref %d at offset %d, want %d", i, ref.Off, wantAbs[i])
		}
	}
}

func TestMouselookRoutineInvertY(t *testing.T) {
	plain, err := MouselookRoutine(fixVars, false)
	if err != nil {
		t.Fatal(err)
	}
	inverted, err := MouselookRoutine(fixVars, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(inverted.Code) != len(plain.Code)+2 {
		t.Fatalf("inverted payload %d bytes, want %d", len(inverted.Code), len(plain.Code)+2)
	}
	// neg eax right after mov eax, edx
	if inverted.Code[13] != 0xf7 || inverted.Code[14] != 0xd8 {
		t.Errorf("expected neg eax at offset 13, got % x", inverted.Code[13:15])
	}
}

func TestBranchRelaxation(t *testing.T) {
	a := NewAssembler()
	far := a.NewLabel()
	near := a.NewLabel()
	a.Je(far)
	a.Jmp(near)
	a.Mark(near)
	for i := 0; i < 200; i++ {
		a.Nop()
	}
	a.Mark(far)
	a.Ret()

	code, _, err := a.Assemble()
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	// je widens to 6 bytes (0f 84 rel32), jmp to near stays short
	if code[0] != 0x0f || code[1] != 0x84 {
		t.Errorf("expected wide je, got % x", code[:2])
	}
	if code[6] != 0xeb || code[7] != 0x00 {
		t.Errorf("expected short jmp +0, got % x", code[6:8])
	}
	if code[len(code)-1] != 0xc3 {
		t.Error("missing ret at end")
	}
	wantLen := 6 + 2 + 200 + 1
	if len(code) != wantLen {
		t.Errorf("code length %d, want %d", len(code), wantLen)
	}
}

func TestUnplacedLabel(t *testing.T) {
	a := NewAssembler()
	l := a.NewLabel()
	a.Jmp(l)
	if _, _, err := a.Assemble(); err == nil {
		t.Fatal("expected error for unplaced label")
	}
}

// Every routine builder must produce decodable 32-bit code.
func TestRoutinesDecode(t *testing.T) {
	v := fixVars
	v.HasAbductor = true
	v.AbductorFlag = 0x24000
	v.Abductor = 0x24004
	v.AbductorPad = 0x24008
	v.FakeKeyInput = 0x2400c
	v.MouseXMod = 0x24010
	v.MouseYMod = 0x24014
	b := DefaultBindings()

	builders := map[string]func() (Routine, error){
		"mouselook": func() (Routine, error) { return MouselookRoutine(v, true) },
		"wasd":      func() (Routine, error) { return WASDRoutine(v, b) },
		"crouch":    func() (Routine, error) { return CrouchRoutine(v, b) },
		"vsync":     func() (Routine, error) { return VsyncRoutine() },
		"abductor":  func() (Routine, error) { return AbductorRoutine(v, b) },
	}
	for name, build := range builders {
		t.Run(name, func(t *testing.T) {
			r, err := build()
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if len(r.Code) == 0 {
				t.Fatal("empty payload")
			}
			if err := decodeAll(r.Code); err != nil {
				t.Errorf("payload does not decode: %v", err)
			}
		})
	}
}

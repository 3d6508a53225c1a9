package le

import (
	"errors"
	"testing"
)

func TestResolveCapture(t *testing.T) {
	img := parseTestExe(t, defaultFixture())
	sc := NewScanner(img)

	a, err := sc.Resolve(varSig(VarKeyState, "b9 2c 00 00 00 bf ?? ?? ?? ??", 6))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.Value != fixVars.KeyState {
		t.Errorf("captured 0x%x, want 0x%x", a.Value, fixVars.KeyState)
	}
	if a.Section != "obj1" {
		t.Errorf("section %q, want obj1", a.Section)
	}
}

func TestResolveOffset(t *testing.T) {
	img := parseTestExe(t, defaultFixture())
	sc := NewScanner(img)

	a, err := sc.Resolve(anchorSig(SigSpeedBug, "f7 d8 83 c0 64 75 05 b8 04 00 00 00", 5))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.Addr != offSpeedBug+5 {
		t.Errorf("anchor at 0x%x, want 0x%x", a.Addr, offSpeedBug+5)
	}
}

func TestResolveNotFound(t *testing.T) {
	img := parseTestExe(t, defaultFixture())
	sc := NewScanner(img)

	_, err := sc.Resolve(sig("nonexistent", "de ad be ef 01 02 03 04 05 06", CodeSection))
	if CodeOf(err) != CodeSignatureNotFound {
		t.Fatalf("err = %v, want SignatureNotFound", err)
	}
}

func TestResolveAmbiguous(t *testing.T) {
	f := defaultFixture()
	f.dupSpeedBug = true
	img := parseTestExe(t, f)
	sc := NewScanner(img)

	_, err := sc.Resolve(anchorSig(SigSpeedBug, "f7 d8 83 c0 64 75 05 b8 04 00 00 00", 5))
	if CodeOf(err) != CodeAmbiguousAnchor {
		t.Fatalf("err = %v, want AmbiguousAnchor", err)
	}
	var lerr *Error
	if !errors.As(err, &lerr) || len(lerr.Addrs) != 2 {
		t.Errorf("want both candidate addresses reported, got %v", err)
	}
}

func TestResolveContextDisambiguation(t *testing.T) {
	f := defaultFixture()
	f.dupSpeedBug = true
	img := parseTestExe(t, f)
	sc := NewScanner(img)

	// the duplicate sits at +0x400; pick the original via the byte
	// right before it
	s := anchorSig(SigSpeedBug, "f7 d8 83 c0 64 75 05 b8 04 00 00 00", 5)
	s.Context = &Context{Offset: -1, Pattern: mustPattern("aa")}
	_, err := sc.Resolve(s)
	if CodeOf(err) != CodeAmbiguousAnchor {
		t.Fatalf("context matching both copies must stay ambiguous, got %v", err)
	}

	// a context that matches neither is also a hard failure
	s.Context = &Context{Offset: -1, Pattern: mustPattern("bb")}
	if _, err := sc.Resolve(s); CodeOf(err) != CodeAmbiguousAnchor {
		t.Fatalf("err = %v, want AmbiguousAnchor", err)
	}

	// narrow to one by matching the bytes after only the original
	s.Context = &Context{Offset: 12, Pattern: mustPattern("aa")}
	img.pages[offSpeedBug+0x400+12] = 0xbb
	a, err := sc.Resolve(s)
	if err != nil {
		t.Fatalf("Resolve with context: %v", err)
	}
	if a.Addr != offSpeedBug+5 {
		t.Errorf("anchor at 0x%x, want 0x%x", a.Addr, offSpeedBug+5)
	}
}

func TestResolveSectionClass(t *testing.T) {
	img := parseTestExe(t, defaultFixture())
	sc := NewScanner(img)

	// the credits text lives in the data section, so a code-only
	// scan must miss it
	s := &Signature{
		Name:    "credits in code",
		Pattern: textPattern("and developed by"),
		Section: CodeSection,
		Capture: -1,
	}
	if _, err := sc.Resolve(s); CodeOf(err) != CodeSignatureNotFound {
		t.Fatalf("err = %v, want SignatureNotFound", err)
	}
	s.Section = AnySection
	if _, err := sc.Resolve(s); err != nil {
		t.Fatalf("any-section scan: %v", err)
	}
}

func TestResolveVars(t *testing.T) {
	img := parseTestExe(t, defaultFixture())
	sc := NewScanner(img)
	cat := KillingMoonCatalog()

	resolved, err := sc.ResolveVars(cat.Vars)
	if err != nil {
		t.Fatalf("ResolveVars: %v", err)
	}
	v, err := bindVars(resolved)
	if err != nil {
		t.Fatalf("bindVars: %v", err)
	}
	if v != fixVars {
		t.Errorf("vars mismatch:\n got %+v\nwant %+v", v, fixVars)
	}
	if v.HasAbductor {
		t.Error("HasAbductor set without abductor signatures")
	}
}

func TestResolveVarsPandora(t *testing.T) {
	img := parseTestExe(t, pandoraFixture())
	sc := NewScanner(img)
	cat := PandoraCatalog()

	resolved, err := sc.ResolveVars(cat.Vars)
	if err != nil {
		t.Fatalf("ResolveVars: %v", err)
	}
	v, err := bindVars(resolved)
	if err != nil {
		t.Fatalf("bindVars: %v", err)
	}
	if v != fixPandoraVars {
		t.Errorf("vars mismatch:\n got %+v\nwant %+v", v, fixPandoraVars)
	}
	if !v.HasAbductor {
		t.Error("HasAbductor not set with every abductor signature present")
	}
}

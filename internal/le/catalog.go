package le

import (
	"bytes"
	"fmt"
)

// Supported game titles, as they appear in the version banner.
const (
	GameKillingMoon = "Under a Killing Moon"
	GamePandora     = "The Pandora Directive"
)

// Info is what the identification pass scrapes out of the executable.
type Info struct {
	Title    string
	Version  string
	Language string
}

// Identify scrapes the game title and version number from the
// command-line version banner (a box-drawing framed block of text) and
// the language name from a debug message. It never uses file offsets;
// both blobs move between releases.
func Identify(data []byte) (Info, error) {
	info := Info{Language: "unknown"}
	title, version, ok := scrapeBanner(data)
	if !ok {
		return info, &Error{
			Code: CodeUnrecognizedExecutable,
			Msg:  "no version banner found; not a Tex Murphy executable?",
		}
	}
	info.Title, info.Version = title, version
	if lang, ok := scrapeLanguage(data); ok {
		info.Language = lang
	}
	switch info.Title {
	case GameKillingMoon, GamePandora:
	default:
		return info, &Error{
			Code: CodeUnrecognizedExecutable,
			Msg:  fmt.Sprintf("unknown game %q", info.Title),
		}
	}
	return info, nil
}

// scrapeBanner finds the framed version screen:
//
//	0xda 0xc4... 0xbf
//	0xb3   <title>    0xb3
//	0xb3   Version <n> 0xb3
func scrapeBanner(data []byte) (title, version string, ok bool) {
	for i := 0; i+4 < len(data); i++ {
		if data[i] != 0xda || data[i+1] != 0xc4 {
			continue
		}
		p := i + 1
		for p < len(data) && data[p] == 0xc4 {
			p++
		}
		if p >= len(data) || data[p] != 0xbf {
			continue
		}
		p++
		var line1, line2 string
		if line1, p, ok = bannerLine(data, p); !ok {
			continue
		}
		if line2, p, ok = bannerLine(data, p); !ok {
			continue
		}
		const marker = "Version "
		if !hasPrefix(line2, marker) {
			continue
		}
		ver := line2[len(marker):]
		if line1 == "" || !versionish(ver) {
			continue
		}
		return line1, ver, true
	}
	return "", "", false
}

// bannerLine consumes a newline pair, 0xb3, padded text, 0xb3.
func bannerLine(data []byte, p int) (string, int, bool) {
	if p+2 > len(data) || !isNewlinePair(data[p], data[p+1]) {
		return "", p, false
	}
	p += 2
	if p >= len(data) || data[p] != 0xb3 {
		return "", p, false
	}
	p++
	start := p
	for p < len(data) && data[p] != 0xb3 {
		c := data[p]
		if c < 0x20 || c > 0x7e {
			return "", p, false
		}
		p++
	}
	if p >= len(data) {
		return "", p, false
	}
	text := string(bytes.Trim(data[start:p], " "))
	return text, p + 1, true
}

func isNewlinePair(a, b byte) bool {
	return (a == '\n' && b == '\r') || (a == '\r' && b == '\n')
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func versionish(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if (s[i] < '0' || s[i] > '9') && s[i] != '.' {
			return false
		}
	}
	return true
}

// scrapeLanguage pulls the language name out of the sound-driver debug
// string, which is the only place the binary names its language.
func scrapeLanguage(data []byte) (string, bool) {
	marker := []byte("\x00Retrieving DIGI settings")
	idx := bytes.Index(data, marker)
	if idx < 0 {
		return "", false
	}
	end := idx
	start := end
	for start > 0 && isAlpha(data[start-1]) {
		start--
	}
	if start == end || start == 0 || data[start-1] != 0 {
		return "", false
	}
	return string(data[start:end]), true
}

func isAlpha(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// Game variable names. Every injected routine is wired to these; their
// data-segment addresses shuffle between releases, so each is located
// by the code that accesses it.
const (
	VarRotAngle     = "head rotation angle"
	VarTiltAngle    = "head tilt angle"
	VarTiltLast     = "last head tilt angle"
	VarTiltBottom   = "min head tilt angle"
	VarTiltTop      = "max head tilt angle"
	VarStrafeFlag   = "strafe flag"
	VarKeyState     = "keyboard state array"
	VarFwdVeloc     = "forward velocity"
	VarStrafeVeloc  = "strafe velocity"
	VarEyeIncr      = "eye level increment"
	VarEyeLevel     = "eye level"
	VarEyeMax       = "max eye level"
	VarEyeMin       = "min eye level"
	VarEyeRestore   = "default eye level"
	VarAbductorFlag = "abductor flag"
	VarAbductor     = "abductor state"
	VarAbductorPad  = "abductor dpad state"
	VarFakeKeyInput = "abductor key input buffer"
	VarMouseXMod    = "unbounded mouse x buffer"
	VarMouseYMod    = "unbounded mouse y buffer"
)

// Patch point names.
const (
	SigSpeedBug      = "speed bug code"
	SigMouselook     = "mouselook mod point"
	SigWASD          = "wasd mod point"
	SigWASDRejoin    = "wasd rejoin point"
	SigRKey          = "r key mod point"
	SigCrouch        = "crouch mod point"
	SigFrameDraw     = "interactive frame draw"
	SigFrameCall1    = "frame draw call 1"
	SigFrameCall2    = "frame draw call 2"
	SigAbductor      = "abductor control buttons"
	SigHoverUp       = "abductor hover-up button"
	SigHoverDown     = "abductor hover-down button"
	SigCredits       = "opening credits"
	SigMouselookDone = "mouselook payload prefix"
)

// Catalog is the per-game signature set. Variables resolve to captured
// data-segment addresses; anchors resolve to flat code offsets.
type Catalog struct {
	Game      string
	SpeedBug  *Signature
	Vars      []*Signature
	Mouselook *Signature
	WASD      *Signature
	// WASDRejoin marks where control flow re-enters the original
	// key-handling code after the injected block.
	WASDRejoin *Signature
	RKey       *Signature
	Crouch     *Signature
	FrameDraw  *Signature
	FrameCalls []*Signature
	Abductor   *Signature
	HoverUp    *Signature
	HoverDown  *Signature
	Credits    *Signature
	// Patched matches the head of the injected mouselook payload; a
	// hit on a pristine-signature miss means the work is already done.
	Patched *Signature
}

// wasdRejoinPattern is the head-tilt key handler: seven consecutive
// keypress-consume blocks, the first original code worth keeping after
// the replaced head-turning controls.
func wasdRejoinPattern() string {
	block := "0f b6 1d ?? ?? ?? ?? 80 a3 ?? ?? ?? ?? 01 "
	var s string
	for i := 0; i < 7; i++ {
		s += block
	}
	return s
}

func commonVars() []*Signature {
	return []*Signature{
		varSig(VarRotAngle, "a3 ?? ?? ?? ?? c1 f8 10 e8 ?? ?? ?? ?? a1 ?? ?? ?? ??", 1),
		varSig(VarTiltAngle, "c7 05 ?? ?? ?? ?? 2c 01 00 00", 2),
		varSig(VarTiltLast, "a3 ?? ?? ?? ?? a1 ?? ?? ?? ?? 0b c0 74 2c", 1),
		varSig(VarTiltBottom, "a1 ?? ?? ?? ?? a3 ?? ?? ?? ?? a3 ?? ?? ?? ?? 0f b6 1d ?? ?? ?? ??", 1),
		varSig(VarTiltTop, "a1 ?? ?? ?? ?? a3 ?? ?? ?? ?? a3 ?? ?? ?? ?? a1 ?? ?? ?? ?? 0b c0", 1),
		varSig(VarStrafeFlag, "83 25 ?? ?? ?? ?? fc 66 0f ?? ?? ?? ??", 2),
		varSig(VarKeyState, "b9 2c 00 00 00 bf ?? ?? ?? ??", 6),
		varSig(VarFwdVeloc, "f7 2d ?? ?? ?? ?? 0f ac d0 10 a3 ?? ?? ?? ?? 8b c1", 11),
		varSig(VarStrafeVeloc, "0b ed 79 02 f7 d8 a3 ?? ?? ?? ?? c3", 7),
		varSig(VarEyeIncr, "80 a0 ?? ?? ?? ?? 01 80 a3 ?? ?? ?? ?? 01 a1 ?? ?? ?? ??", 15),
		varSig(VarEyeLevel, "80 a0 ?? ?? ?? ?? 01 80 a3 ?? ?? ?? ?? 01 a1 ?? ?? ?? ?? 29 05 ?? ?? ?? ??", 21),
		varSig(VarEyeMax, "c1 e1 0c 03 c1 a3 ?? ?? ?? ??", 6),
		varSig(VarEyeMin, "83 f8 00 74 1f e8 ?? ?? ?? ?? 2b 05 ?? ?? ?? ??", 12),
		varSig(VarEyeRestore, "2b d0 89 15 ?? ?? ?? ??", 4),
	}
}

func baseCatalog(game string) *Catalog {
	c := &Catalog{
		Game:       game,
		SpeedBug:   anchorSig(SigSpeedBug, "f7 d8 83 c0 64 75 05 b8 04 00 00 00", 5),
		Vars:       commonVars(),
		Mouselook:  sig(SigMouselook, "8b c2 33 ed 03 05 ?? ?? ?? ?? 8b d8", CodeSection),
		WASD:       sig(SigWASD, "80 3d ?? ?? ?? ?? 00 0f 84 93 00 00 00 33 c0", CodeSection),
		WASDRejoin: sig(SigWASDRejoin, wasdRejoinPattern(), CodeSection),
		RKey:       sig(SigRKey, "0f b6 1d ?? ?? ?? ?? f6 83 ?? ?? ?? ?? 01 75 0c 66 b9 02 00 2a 0d ?? ?? ?? ?? d3 f8", CodeSection),
		Crouch:     sig(SigCrouch, "0f b6 05 ?? ?? ?? ?? 0f b6 1d ?? ?? ?? ?? f6 80 ?? ?? ?? ?? 03", CodeSection),
		Patched:    sig(SigMouselookDone, "89 c8 c1 e0 11 01 05", CodeSection),
	}
	c.Patched.Cardinality = ZeroOrOne
	return c
}

// KillingMoonCatalog returns the signature set for Under a Killing
// Moon (all CD releases).
func KillingMoonCatalog() *Catalog {
	c := baseCatalog(GameKillingMoon)
	c.FrameDraw = sig(SigFrameDraw, "3a 05 ?? ?? ?? ?? 74 22", CodeSection)
	c.FrameCalls = []*Signature{
		sig(SigFrameCall1, "e8 ?? ?? ?? ?? 9c 0f b6 c0", CodeSection),
	}
	c.Credits = &Signature{
		Name:        SigCredits,
		Pattern:     textPattern("and developed by"),
		Section:     AnySection,
		Cardinality: ZeroOrOne,
		Capture:     -1,
	}
	return c
}

// PandoraCatalog returns the signature set for The Pandora Directive,
// including the Alien Abductor vehicle controls.
func PandoraCatalog() *Catalog {
	c := baseCatalog(GamePandora)
	c.Vars = append(c.Vars,
		varSig(VarAbductorFlag, "88 45 fc f6 45 fc 02 75 05 e8 ?? ?? ?? ?? e8 ?? ?? ?? ?? c6 05 ?? ?? ?? ?? 01", 21),
		varSig(VarAbductor, "8b 45 f0 80 88 ?? ?? ?? ?? 02 80 3d ?? ?? ?? ?? 02", 12),
		varSig(VarAbductorPad, "f7 d8 89 45 f8 f6 05 ?? ?? ?? ?? 04", 7),
		varSig(VarFakeKeyInput, "c7 45 f4 00 00 00 00 c7 45 fc ?? ?? ?? ?? 8b 45 fc", 10),
		varSig(VarMouseXMod, "e9 1f 02 00 00 c7 45 fc 0c 00 00 00 66 c7 05 ?? ?? ?? ?? 00 00 66 c7 05 ?? ?? ?? ?? 00 00", 15),
		varSig(VarMouseYMod, "e9 1f 02 00 00 c7 45 fc 0c 00 00 00 66 c7 05 ?? ?? ?? ?? 00 00 66 c7 05 ?? ?? ?? ?? 00 00", 24),
	)
	c.FrameDraw = sig(SigFrameDraw, "06 60 66 c7 05 ?? ?? ?? ?? 00 00 a8 01", CodeSection)
	c.FrameCalls = []*Signature{
		sig(SigFrameCall1, "e8 ?? ?? ?? ?? 89 45 f8 b8 ?? ?? ?? ??", CodeSection),
		sig(SigFrameCall2, "e8 ?? ?? ?? ?? 89 45 f4 b8 ?? ?? ?? ??", CodeSection),
	}
	c.Abductor = sig(SigAbductor, "53 51 52 56 57 55 89 e5 81 ec 0c 00 00 00 eb 10", CodeSection)
	hover := "80 88 ?? ?? ?? ?? 02 c6 05 ?? ?? ?? ?? 00 c6 05 ?? ?? ?? ?? 00 31 c0" +
		" e8 ?? ?? ?? ?? 80 3d ?? ?? ?? ?? 00 74 1e e8 ?? ?? ?? ?? ba 01 00 00 00"
	c.HoverUp = sig(SigHoverUp, hover+" b8 04 00 00 00", CodeSection)
	c.HoverDown = sig(SigHoverDown, hover+" b8 05 00 00 00", CodeSection)
	return c
}

// CatalogFor maps a scraped title to its catalog.
func CatalogFor(title string) (*Catalog, error) {
	switch title {
	case GameKillingMoon:
		return KillingMoonCatalog(), nil
	case GamePandora:
		return PandoraCatalog(), nil
	}
	return nil, &Error{
		Code: CodeUnrecognizedExecutable,
		Msg:  fmt.Sprintf("no signature catalog for %q", title),
	}
}

// Vars holds resolved game-variable addresses (data segment relative).
type Vars struct {
	RotAngle, TiltAngle, TiltLast, TiltBottom, TiltTop uint32
	StrafeFlag, KeyState                               uint32
	FwdVeloc, StrafeVeloc                              uint32
	EyeIncr, EyeLevel, EyeMax, EyeMin, EyeRestore      uint32

	HasAbductor                         bool
	AbductorFlag, Abductor, AbductorPad uint32
	FakeKeyInput, MouseXMod, MouseYMod  uint32
}

func bindVars(resolved map[string]uint32) (Vars, error) {
	var v Vars
	required := map[string]*uint32{
		VarRotAngle:    &v.RotAngle,
		VarTiltAngle:   &v.TiltAngle,
		VarTiltLast:    &v.TiltLast,
		VarTiltBottom:  &v.TiltBottom,
		VarTiltTop:     &v.TiltTop,
		VarStrafeFlag:  &v.StrafeFlag,
		VarKeyState:    &v.KeyState,
		VarFwdVeloc:    &v.FwdVeloc,
		VarStrafeVeloc: &v.StrafeVeloc,
		VarEyeIncr:     &v.EyeIncr,
		VarEyeLevel:    &v.EyeLevel,
		VarEyeMax:      &v.EyeMax,
		VarEyeMin:      &v.EyeMin,
		VarEyeRestore:  &v.EyeRestore,
	}
	for name, dst := range required {
		val, ok := resolved[name]
		if !ok {
			return v, &Error{Code: CodeSignatureNotFound, Signature: name}
		}
		*dst = val
	}
	optional := map[string]*uint32{
		VarAbductorFlag: &v.AbductorFlag,
		VarAbductor:     &v.Abductor,
		VarAbductorPad:  &v.AbductorPad,
		VarFakeKeyInput: &v.FakeKeyInput,
		VarMouseXMod:    &v.MouseXMod,
		VarMouseYMod:    &v.MouseYMod,
	}
	all := true
	any := false
	for name, dst := range optional {
		val, ok := resolved[name]
		if !ok {
			all = false
			continue
		}
		any = true
		*dst = val
	}
	v.HasAbductor = all && any
	return v, nil
}

package le

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// Test image geometry. Two pages of code, one page of data, flat code
// range [0, 0x2000), data range [0x2000, 0x3000). The single-object
// variant folds everything into one executable object with the final
// page short, so there is room to grow.
const (
	fixPageSize  = 0x1000
	fixCodePages = 2
	fixDataPages = 1
	fixNumPages  = fixCodePages + fixDataPages
	fixLEOff     = 64
	fixLastSlack = 0x800 // bytes missing from the final page, single-object only
)

// Patch site offsets inside the flat page data.
const (
	offSpeedBug  = 0x010
	offMouselook = 0x040
	offWASD      = 0x100
	offRejoin    = 0x200 // default; variants move it
	offRKey      = 0x300
	offCrouch    = 0x340
	offFrameDraw = 0x500
	offCall1     = 0x520
	offCall2     = 0x540
	offAbductor  = 0x600
	offFixupKeep = 0x800 // fixup record outside any patch range
	offHoverUp   = 0x900
	offHoverDown = 0x960
	offVarBase   = 0x1000
	offBanner    = 0x2010
	offLanguage  = 0x2100
	offCredits   = 0x2200
)

// Known data-segment addresses wired into the planted signatures.
var fixVars = Vars{
	RotAngle:    0x1f2a5,
	TiltAngle:   0x1f2ad,
	TiltLast:    0x1f290,
	TiltBottom:  0x1f391,
	TiltTop:     0x1f395,
	StrafeFlag:  0x20000,
	KeyState:    0x21000,
	FwdVeloc:    0x22000,
	StrafeVeloc: 0x22004,
	EyeIncr:     0x23000,
	EyeLevel:    0x23004,
	EyeMax:      0x23008,
	EyeMin:      0x2300c,
	EyeRestore:  0x23010,
}

// fixPandoraVars adds the Alien Abductor addresses.
var fixPandoraVars = func() Vars {
	v := fixVars
	v.HasAbductor = true
	v.AbductorFlag = 0x24000
	v.Abductor = 0x24004
	v.AbductorPad = 0x24008
	v.FakeKeyInput = 0x2400c
	v.MouseXMod = 0x24010
	v.MouseYMod = 0x24014
	return v
}()

type fixture struct {
	rejoin       uint32
	omitCrouch   bool
	dupSpeedBug  bool
	dupCredits   bool
	pandora      bool
	singleObject bool
	title        string
}

func defaultFixture() fixture {
	return fixture{rejoin: offRejoin, title: GameKillingMoon}
}

func pandoraFixture() fixture {
	return fixture{rejoin: offRejoin, pandora: true, title: GamePandora}
}

func le32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func plant(pages []byte, off uint32, pattern []byte) {
	copy(pages[off:], pattern)
}

// pat splices bytes, byte slices and little-endian dwords into one
// blob, which keeps the planted signatures readable.
func pat(parts ...interface{}) []byte {
	var out []byte
	for _, p := range parts {
		switch v := p.(type) {
		case []byte:
			out = append(out, v...)
		case byte:
			out = append(out, v)
		case int:
			out = append(out, byte(v))
		case rune:
			out = append(out, byte(v))
		case uint32:
			out = append(out, le32(v)...)
		}
	}
	return out
}

// buildTestExe assembles a complete little Tex-shaped LE executable.
func buildTestExe(t *testing.T, f fixture) []byte {
	t.Helper()
	v := fixVars
	av := fixPandoraVars

	pages := make([]byte, fixNumPages*fixPageSize)
	fillEnd := fixCodePages * fixPageSize
	if f.singleObject {
		fillEnd = len(pages) // no zeroed data page, so no filler caves
	}
	for i := 0; i < fillEnd; i++ {
		pages[i] = 0xaa
	}

	// patch sites
	plant(pages, offSpeedBug, pat(0xf7, 0xd8, 0x83, 0xc0, 0x64, 0x75, 0x05, 0xb8, 0x04, 0, 0, 0))
	if f.dupSpeedBug {
		plant(pages, offSpeedBug+0x400, pat(0xf7, 0xd8, 0x83, 0xc0, 0x64, 0x75, 0x05, 0xb8, 0x04, 0, 0, 0))
	}
	plant(pages, offMouselook, pat(0x8b, 0xc2, 0x33, 0xed, 0x03, 0x05, v.RotAngle, 0x8b, 0xd8))
	plant(pages, offWASD, pat(0x80, 0x3d, uint32(0xdeadbe01), 0x00, 0x0f, 0x84, 0x93, 0, 0, 0, 0x33, 0xc0))
	rejoinBlock := pat(0x0f, 0xb6, 0x1d, uint32(0xdeadbe02), 0x80, 0xa3, uint32(0xdeadbe03), 0x01)
	for i := uint32(0); i < 7; i++ {
		plant(pages, f.rejoin+i*uint32(len(rejoinBlock)), rejoinBlock)
	}
	plant(pages, offRKey, pat(0x0f, 0xb6, 0x1d, uint32(0xdeadbe04), 0xf6, 0x83, uint32(0xdeadbe05),
		0x01, 0x75, 0x0c, 0x66, 0xb9, 0x02, 0x00, 0x2a, 0x0d, uint32(0xdeadbe06), 0xd3, 0xf8))
	if !f.omitCrouch {
		plant(pages, offCrouch, pat(0x0f, 0xb6, 0x05, uint32(0xdeadbe07), 0x0f, 0xb6, 0x1d,
			uint32(0xdeadbe08), 0xf6, 0x80, uint32(0xdeadbe09), 0x03))
	}
	if f.pandora {
		plant(pages, offFrameDraw, pat(0x06, 0x60, 0x66, 0xc7, 0x05, uint32(0xdeadbe0a), 0x00, 0x00, 0xa8, 0x01))
		plant(pages, offCall1, pat(0xe8, uint32(0xdeadbe0b), 0x89, 0x45, 0xf8, 0xb8, uint32(0xdeadbe0c)))
		plant(pages, offCall2, pat(0xe8, uint32(0xdeadbe0d), 0x89, 0x45, 0xf4, 0xb8, uint32(0xdeadbe0e)))
		plant(pages, offAbductor, pat(0x53, 0x51, 0x52, 0x56, 0x57, 0x55, 0x89, 0xe5,
			0x81, 0xec, 0x0c, 0x00, 0x00, 0x00, 0xeb, 0x10))
		hover := func(button byte) []byte {
			return pat(0x80, 0x88, uint32(0xdeadbe0f), 0x02,
				0xc6, 0x05, uint32(0xdeadbe10), 0x00,
				0xc6, 0x05, uint32(0xdeadbe11), 0x00,
				0x31, 0xc0,
				0xe8, uint32(0xdeadbe12),
				0x80, 0x3d, uint32(0xdeadbe13), 0x00,
				0x74, 0x1e,
				0xe8, uint32(0xdeadbe14),
				0xba, 0x01, 0x00, 0x00, 0x00,
				0xb8, button, 0x00, 0x00, 0x00)
		}
		plant(pages, offHoverUp, hover(0x04))
		plant(pages, offHoverDown, hover(0x05))
	} else {
		plant(pages, offFrameDraw, pat(0x3a, 0x05, uint32(0xdeadbe0a), 0x74, 0x22))
		plant(pages, offCall1, pat(0xe8, uint32(0xdeadbe0b), 0x9c, 0x0f, 0xb6, 0xc0))
	}

	// variable access sites, one every 0x30 bytes
	varPatterns := [][]byte{
		pat(0xa3, v.RotAngle, 0xc1, 0xf8, 0x10, 0xe8, uint32(0x11111111), 0xa1, uint32(0x22222222)),
		pat(0xc7, 0x05, v.TiltAngle, 0x2c, 0x01, 0x00, 0x00),
		pat(0xa3, v.TiltLast, 0xa1, uint32(0x33333333), 0x0b, 0xc0, 0x74, 0x2c),
		pat(0xa1, v.TiltBottom, 0xa3, uint32(0x44444444), 0xa3, uint32(0x55555555), 0x0f, 0xb6, 0x1d, uint32(0x66666666)),
		pat(0xa1, v.TiltTop, 0xa3, uint32(0x44444444), 0xa3, uint32(0x55555555), 0xa1, uint32(0x66666666), 0x0b, 0xc0),
		pat(0x83, 0x25, v.StrafeFlag, 0xfc, 0x66, 0x0f, uint32(0x77777777)),
		pat(0xb9, 0x2c, 0x00, 0x00, 0x00, 0xbf, v.KeyState),
		pat(0xf7, 0x2d, uint32(0x88888888), 0x0f, 0xac, 0xd0, 0x10, 0xa3, v.FwdVeloc, 0x8b, 0xc1),
		pat(0x0b, 0xed, 0x79, 0x02, 0xf7, 0xd8, 0xa3, v.StrafeVeloc, 0xc3),
		pat(0x80, 0xa0, uint32(0x99999999), 0x01, 0x80, 0xa3, uint32(0x99999999), 0x01,
			0xa1, v.EyeIncr, 0x29, 0x05, v.EyeLevel),
		pat(0xc1, 0xe1, 0x0c, 0x03, 0xc1, 0xa3, v.EyeMax),
		pat(0x83, 0xf8, 0x00, 0x74, 0x1f, 0xe8, uint32(0x12121212), 0x2b, 0x05, v.EyeMin),
		pat(0x2b, 0xd0, 0x89, 0x15, v.EyeRestore),
	}
	if f.pandora {
		varPatterns = append(varPatterns,
			pat(0x88, 0x45, 0xfc, 0xf6, 0x45, 0xfc, 0x02, 0x75, 0x05,
				0xe8, uint32(0xaaaa0001), 0xe8, uint32(0xaaaa0002),
				0xc6, 0x05, av.AbductorFlag, 0x01),
			pat(0x8b, 0x45, 0xf0, 0x80, 0x88, uint32(0xaaaa0003), 0x02,
				0x80, 0x3d, av.Abductor, 0x02),
			pat(0xf7, 0xd8, 0x89, 0x45, 0xf8, 0xf6, 0x05, av.AbductorPad, 0x04),
			pat(0xc7, 0x45, 0xf4, 0x00, 0x00, 0x00, 0x00,
				0xc7, 0x45, 0xfc, av.FakeKeyInput, 0x8b, 0x45, 0xfc),
			pat(0xe9, 0x1f, 0x02, 0x00, 0x00, 0xc7, 0x45, 0xfc, 0x0c, 0x00, 0x00, 0x00,
				0x66, 0xc7, 0x05, av.MouseXMod, 0x00, 0x00,
				0x66, 0xc7, 0x05, av.MouseYMod, 0x00, 0x00),
		)
	}
	for i, p := range varPatterns {
		plant(pages, offVarBase+uint32(i)*0x30, p)
	}

	// data page content
	if !f.singleObject {
		for i := fixCodePages * fixPageSize; i < len(pages); i++ {
			pages[i] = 0x00
		}
	}
	banner := pat(0xda, bytes.Repeat([]byte{0xc4}, 30), 0xbf,
		'\n', '\r', 0xb3, []byte("   "+f.title+"   "), 0xb3,
		'\n', '\r', 0xb3, []byte("   Version 1.00   "), 0xb3)
	plant(pages, offBanner, banner)
	plant(pages, offLanguage, pat(0x00, []byte("English"), 0x00, []byte("Retrieving DIGI settings")))
	plant(pages, offCredits, []byte("and developed by Access Software."))
	if f.dupCredits {
		plant(pages, offCredits+0x40, []byte("and developed by somebody else."))
	}
	if f.singleObject {
		pages = pages[:len(pages)-fixLastSlack]
	}

	// fixup records: one inside the mouselook range (operand of the
	// add), one far from any patch site
	records := [][]Fixup{
		{
			{Src: fixOff32, Flags: fixWide, SrcOff: offMouselook + 6, ObjNum: 1, Target: v.RotAngle},
			{Src: fixOff32, Flags: fixWide, SrcOff: offFixupKeep, ObjNum: 1, Target: 0x1234},
		},
		{},
		{},
	}
	var recBlob []byte
	pageTable := make([]byte, 0, (fixNumPages+1)*4)
	for _, page := range records {
		pageTable = binary.LittleEndian.AppendUint32(pageTable, uint32(len(recBlob)))
		recBlob = append(recBlob, encodeFixups(page)...)
	}
	pageTable = binary.LittleEndian.AppendUint32(pageTable, uint32(len(recBlob)))

	// loader section layout, offsets relative to the LE header
	objCount := uint32(2)
	autoDS := uint32(2)
	if f.singleObject {
		objCount = 1
		autoDS = 1
	}
	objTableOff := uint32(leHeaderSize)
	pageTableOff := objTableOff + objCount*objEntrySize
	recTableOff := pageTableOff + uint32(len(pageTable))
	importOff := recTableOff + uint32(len(recBlob))
	dataPagesOff := uint32(fixLEOff) + importOff

	h := Header{
		Magic:                   [2]byte{'L', 'E'},
		PageSize:                fixPageSize,
		ModuleNumPages:          fixNumPages,
		EIPObjNum:               1,
		EIP:                     0x100,
		ObjTableOffset:          objTableOff,
		ObjCount:                objCount,
		FixupPageTableOffset:    pageTableOff,
		FixupRecordTableOffset:  recTableOff,
		FixupSectionSize:        uint32(len(pageTable) + len(recBlob)),
		ImportModuleTableOffset: importOff,
		ImportProcTableOffset:   importOff,
		DataPagesOffset:         dataPagesOff,
		AutoDSObjectNum:         autoDS,
	}

	stub := make([]byte, fixLEOff)
	copy(stub, "MZ")
	binary.LittleEndian.PutUint16(stub[0x18:], 0x40)
	binary.LittleEndian.PutUint16(stub[0x3c:], fixLEOff)

	var hdr bytes.Buffer
	if err := binary.Write(&hdr, binary.LittleEndian, &h); err != nil {
		t.Fatalf("encode header: %v", err)
	}

	objTable := make([]byte, objCount*objEntrySize)
	writeObj := func(i int, vsize, base uint32, flags uint16, pageIdx, pageCount uint32) {
		e := objTable[i*objEntrySize:]
		binary.LittleEndian.PutUint32(e[0:], vsize)
		binary.LittleEndian.PutUint32(e[4:], base)
		binary.LittleEndian.PutUint16(e[8:], flags)
		binary.LittleEndian.PutUint32(e[12:], pageIdx)
		binary.LittleEndian.PutUint32(e[16:], pageCount)
	}
	if f.singleObject {
		writeObj(0, fixNumPages*fixPageSize, 0x10000, objFlagExec|0x0001, 1, fixNumPages)
	} else {
		writeObj(0, fixCodePages*fixPageSize, 0x10000, objFlagExec|0x0001, 1, fixCodePages)
		writeObj(1, fixDataPages*fixPageSize, 0x20000, objFlagWrite|0x0001, fixCodePages+1, fixDataPages)
	}

	var exe []byte
	exe = append(exe, stub...)
	exe = append(exe, hdr.Bytes()...)
	exe = append(exe, objTable...)
	exe = append(exe, pageTable...)
	exe = append(exe, recBlob...)
	exe = append(exe, pages...)
	return exe
}

func parseTestExe(t *testing.T, f fixture) *Image {
	t.Helper()
	img, err := ParseImage(buildTestExe(t, f))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return img
}

// Package le locates and patches code inside DOS Linear Executable
// (LE) images by byte signature, with no hardcoded file offsets.
package le

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// Header is the LE module header, in file order.
type Header struct {
	Magic                   [2]byte // "LE"
	ByteOrder               uint8
	WordOrder               uint8
	FormatLevel             uint32
	CPUType                 uint16
	OSType                  uint16
	ModuleVersion           uint32
	ModuleFlags             uint32
	ModuleNumPages          uint32
	EIPObjNum               uint32
	EIP                     uint32
	ESPObjNum               uint32
	ESP                     uint32
	PageSize                uint32
	PageOffsetShift         uint32
	FixupSectionSize        uint32
	FixupSectionCsum        uint32
	LoaderSectionSize       uint32
	LoaderSectionCsum       uint32
	ObjTableOffset          uint32
	ObjCount                uint32
	ObjPageTableOffset      uint32
	ObjIterPagesOffset      uint32
	ResTableOffset          uint32
	ResCount                uint32
	ResidentNameTableOffset uint32
	EntryTableOffset        uint32
	ModuleDirectivesOffset  uint32
	ModuleDirectivesCount   uint32
	FixupPageTableOffset    uint32
	FixupRecordTableOffset  uint32
	ImportModuleTableOffset uint32
	ImportModuleCount       uint32
	ImportProcTableOffset   uint32
	PerPageCsumOffset       uint32
	DataPagesOffset         uint32
	PreloadPagesCount       uint32
	NonResNameTableOffset   uint32
	NonResNameTableLength   uint32
	NonResNameTableCsum     uint32
	AutoDSObjectNum         uint32
	DebugInfoOffset         uint32
	DebugInfoLength         uint32
	InstancePreloadCount    uint32
	InstanceDemandCount     uint32
	HeapSize                uint32
	StackSize               uint32
}

const (
	leHeaderSize  = 176
	objEntrySize  = 24
	objFlagWrite  = 0x0002
	objFlagExec   = 0x0004
	mzStubMinimum = 64
)

// object is one entry of the LE object table.
type object struct {
	VirtualSize      uint32
	RelocBaseAddr    uint32
	Flags            uint16
	PageTableIndex   uint32
	PageTableEntries uint32
}

// Section is the addressable view of an LE object: a contiguous range
// of the flat page data. All anchors and patch targets are offsets
// into that flat range.
type Section struct {
	Name   string
	Object int // object table index, 0-based
	Start  uint32
	Size   uint32
	Flags  uint16
}

// Executable reports whether the section holds code.
func (s Section) Executable() bool { return s.Flags&objFlagExec != 0 }

// Writable reports whether the section is writable at runtime.
func (s Section) Writable() bool { return s.Flags&objFlagWrite != 0 }

// Contains reports whether addr falls inside the section.
func (s Section) Contains(addr uint32) bool {
	return addr >= s.Start && addr < s.Start+s.Size
}

func (s Section) class() SectionClass {
	if s.Executable() {
		return CodeSection
	}
	return DataSection
}

// Image is a loaded LE executable: the untouched original file bytes
// plus a mutable working copy of the page data that all patching
// operates on. The original buffer is never written.
type Image struct {
	raw      []byte
	mzOff    int
	leOff    int
	Header   Header
	Sections []Section

	objects  []object
	pages    []byte // working copy
	orig     []byte // original page data, read-only
	fixups   *FixupSet
	appended uint32
}

// LoadImage reads and parses an LE executable from disk.
func LoadImage(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseImage(data)
}

// ParseImage parses an LE executable from a byte buffer. The buffer is
// retained as the read-only original; the working copy is cloned.
func ParseImage(data []byte) (*Image, error) {
	mzOff, leOff, err := findLinearHeader(data)
	if err != nil {
		return nil, err
	}

	img := &Image{raw: data, mzOff: mzOff, leOff: leOff}
	if len(data) < leOff+leHeaderSize {
		return nil, malformed("file truncated inside LE header")
	}
	r := bytes.NewReader(data[leOff:])
	if err := binary.Read(r, binary.LittleEndian, &img.Header); err != nil {
		return nil, malformed("LE header: %v", err)
	}
	h := &img.Header
	if h.Magic != [2]byte{'L', 'E'} {
		return nil, malformed("bad LE magic %q", h.Magic[:])
	}
	if h.PageSize == 0 || h.ModuleNumPages == 0 || h.ObjCount == 0 {
		return nil, malformed("degenerate LE header (pages=%d, objects=%d)", h.ModuleNumPages, h.ObjCount)
	}

	pagesOff := mzOff + int(h.DataPagesOffset)
	if pagesOff <= 0 || pagesOff > len(data) {
		return nil, malformed("data pages offset 0x%x out of range", h.DataPagesOffset)
	}
	img.orig = data[pagesOff:]
	img.pages = append([]byte(nil), img.orig...)

	if err := img.parseObjects(); err != nil {
		return nil, err
	}
	if err := img.parseFixups(); err != nil {
		return nil, err
	}
	return img, nil
}

// findLinearHeader walks the chain of MZ/BW stub executables that DOS
// extenders prepend and returns the offsets of the final stub and the
// LE header it points at.
func findLinearHeader(data []byte) (mzOff, leOff int, err error) {
	ptr := 0
	for ptr < len(data) {
		if len(data)-ptr < mzStubMinimum {
			return 0, 0, malformed("stub at 0x%x truncated", ptr)
		}
		hdr := data[ptr : ptr+mzStubMinimum]
		magic := string(hdr[0:2])
		if magic != "MZ" && magic != "BW" {
			return 0, 0, malformed("unknown stub magic %q at 0x%x", magic, ptr)
		}
		if binary.LittleEndian.Uint16(hdr[0x18:0x1a]) == 0x40 {
			// New-style header: e_lfanew points at the LE header.
			if next := int(binary.LittleEndian.Uint16(hdr[0x3c:0x3e])); next != 0 {
				leOff = ptr + next
				if leOff >= len(data) {
					return 0, 0, malformed("LE header offset 0x%x past end of file", leOff)
				}
				return ptr, leOff, nil
			}
		}
		pageCount := int(binary.LittleEndian.Uint16(hdr[0x4:0x6]))
		lastPageBytes := int(binary.LittleEndian.Uint16(hdr[0x2:0x4]))
		total := pageCount<<9 + lastPageBytes
		if magic == "MZ" {
			total -= 0x200
		}
		if total <= 0 {
			return 0, 0, malformed("stub at 0x%x has zero length", ptr)
		}
		ptr += total
	}
	return 0, 0, malformed("no LE header found in stub chain")
}

func (img *Image) parseObjects() error {
	h := &img.Header
	off := img.leOff + int(h.ObjTableOffset)
	end := off + int(h.ObjCount)*objEntrySize
	if off < img.leOff || end > len(img.raw) {
		return malformed("object table out of range")
	}

	var prevEnd uint32
	for i := 0; i < int(h.ObjCount); i++ {
		e := img.raw[off+i*objEntrySize:]
		obj := object{
			VirtualSize:      binary.LittleEndian.Uint32(e[0:4]),
			RelocBaseAddr:    binary.LittleEndian.Uint32(e[4:8]),
			Flags:            binary.LittleEndian.Uint16(e[8:10]),
			PageTableIndex:   binary.LittleEndian.Uint32(e[12:16]),
			PageTableEntries: binary.LittleEndian.Uint32(e[16:20]),
		}
		img.objects = append(img.objects, obj)
		if obj.PageTableEntries == 0 {
			continue
		}
		if obj.PageTableIndex == 0 || obj.PageTableIndex+obj.PageTableEntries-1 > h.ModuleNumPages {
			return malformed("object %d pages %d+%d exceed module page count %d",
				i+1, obj.PageTableIndex, obj.PageTableEntries, h.ModuleNumPages)
		}
		start := (obj.PageTableIndex - 1) * h.PageSize
		size := obj.PageTableEntries * h.PageSize
		if start > uint32(len(img.pages)) {
			return malformed("object %d starts past end of page data", i+1)
		}
		if start+size > uint32(len(img.pages)) {
			size = uint32(len(img.pages)) - start // last page is short
		}
		if start < prevEnd {
			return malformed("object %d overlaps previous object", i+1)
		}
		prevEnd = start + size
		img.Sections = append(img.Sections, Section{
			Name:   fmt.Sprintf("obj%d", i+1),
			Object: i,
			Start:  start,
			Size:   size,
			Flags:  obj.Flags,
		})
	}
	if len(img.Sections) == 0 {
		return malformed("no loadable objects")
	}
	return nil
}

// SectionFor returns the section containing addr, or nil.
func (img *Image) SectionFor(addr uint32) *Section {
	for i := range img.Sections {
		if img.Sections[i].Contains(addr) {
			return &img.Sections[i]
		}
	}
	return nil
}

// CodeObject returns the object table index holding the entry point.
func (img *Image) CodeObject() int {
	if n := img.Header.EIPObjNum; n >= 1 && int(n) <= len(img.objects) {
		return int(n) - 1
	}
	return 0
}

// DataObject returns the object table index of the automatic data
// segment, which is what captured variable addresses are relative to.
func (img *Image) DataObject() int {
	if n := img.Header.AutoDSObjectNum; n >= 1 && int(n) <= len(img.objects) {
		return int(n) - 1
	}
	// Fall back to the last non-executable object.
	for i := len(img.Sections) - 1; i >= 0; i-- {
		if !img.Sections[i].Executable() {
			return img.Sections[i].Object
		}
	}
	return len(img.objects) - 1
}

// EntryPoint returns the flat address of the entry point, when it lies
// inside a loadable object.
func (img *Image) EntryPoint() (uint32, bool) {
	for _, s := range img.Sections {
		if s.Object == img.CodeObject() {
			addr := s.Start + img.Header.EIP
			return addr, s.Contains(addr)
		}
	}
	return 0, false
}

// Bytes returns n working-copy bytes starting at the flat address.
func (img *Image) Bytes(addr, n uint32) ([]byte, error) {
	if uint64(addr)+uint64(n) > uint64(len(img.pages)) {
		return nil, fmt.Errorf("range 0x%x+%d past end of page data", addr, n)
	}
	return img.pages[addr : addr+n], nil
}

// OriginalBytes returns n bytes of the pristine input at the flat
// address.
func (img *Image) OriginalBytes(addr, n uint32) ([]byte, error) {
	if uint64(addr)+uint64(n) > uint64(len(img.orig)) {
		return nil, fmt.Errorf("range 0x%x+%d past end of page data", addr, n)
	}
	return img.orig[addr : addr+n], nil
}

func (img *Image) write(addr uint32, b []byte) {
	copy(img.pages[addr:], b)
}

// PageDataLen returns the current working page data length.
func (img *Image) PageDataLen() uint32 { return uint32(len(img.pages)) }

// AppendedBytes returns how many bytes have been appended past the
// original page data by cave allocation.
func (img *Image) AppendedBytes() uint32 { return img.appended }

// AppendCave grows the page data by n zero bytes within the capacity
// of the final (short) page and returns the flat address of the new
// space. Growing past the last page would renumber the fixup page
// table, so that is refused; callers fall back to NoCaveSpace.
func (img *Image) AppendCave(n uint32, sectionIdx int) (uint32, bool) {
	sec := &img.Sections[sectionIdx]
	if sec.Start+sec.Size != uint32(len(img.pages)) {
		return 0, false // only the final object can grow
	}
	capacity := img.Header.ModuleNumPages * img.Header.PageSize
	used := uint32(len(img.pages))
	if used+n > capacity {
		return 0, false
	}
	img.pages = append(img.pages, make([]byte, n)...)
	img.appended += n
	sec.Size += n
	if grown := sec.Size; grown > img.objects[sec.Object].VirtualSize {
		img.objects[sec.Object].VirtualSize = grown
	}
	return used, true
}

package le

import (
	"encoding/binary"
	"fmt"
)

// Fixup source types. The LE loader rewrites the bytes at SrcOff on
// each page according to these; only the ones Tex binaries use are
// handled, anything else is treated as malformed.
const (
	fixSel16  = 0x02 // 16-bit selector, no target offset
	fixOff16  = 0x05
	fixPtr48  = 0x06
	fixOff32  = 0x07
	fixWide   = 0x10 // flags bit: 32-bit target offset follows
	fixIntRef = 0x00 // flags: internal reference
)

// Fixup is one relocation record. ObjNum is 0-based here; the file
// stores it 1-based.
type Fixup struct {
	Src    byte
	Flags  byte
	SrcOff uint16
	ObjNum int
	Target uint32
}

func (fx Fixup) encodedLen() int {
	n := 5
	switch fx.Src {
	case fixSel16:
	case fixOff16, fixPtr48, fixOff32:
		if fx.Flags&fixWide != 0 {
			n += 4
		} else {
			n += 2
		}
	}
	return n
}

// FixupSet holds the per-page fixup record lists for an image. Patch
// application edits it in place and the output writer re-encodes it.
type FixupSet struct {
	pages    [][]Fixup
	pageSize uint32
}

func decodeFixups(buf []byte) ([]Fixup, error) {
	var out []Fixup
	for ptr := 0; ptr < len(buf); {
		if len(buf)-ptr < 5 {
			return nil, malformed("fixup record truncated at 0x%x", ptr)
		}
		fx := Fixup{
			Src:    buf[ptr],
			Flags:  buf[ptr+1],
			SrcOff: binary.LittleEndian.Uint16(buf[ptr+2 : ptr+4]),
			ObjNum: int(buf[ptr+4]) - 1,
		}
		ptr += 5
		switch fx.Src {
		case fixSel16:
			// no target offset
		case fixOff16, fixPtr48, fixOff32:
			if fx.Flags&fixWide != 0 {
				if len(buf)-ptr < 4 {
					return nil, malformed("fixup target truncated at 0x%x", ptr)
				}
				fx.Target = binary.LittleEndian.Uint32(buf[ptr : ptr+4])
				ptr += 4
			} else {
				if len(buf)-ptr < 2 {
					return nil, malformed("fixup target truncated at 0x%x", ptr)
				}
				fx.Target = uint32(binary.LittleEndian.Uint16(buf[ptr : ptr+2]))
				ptr += 2
			}
		default:
			return nil, malformed("unknown fixup source type 0x%02x at 0x%x", fx.Src, ptr-5)
		}
		out = append(out, fx)
	}
	return out, nil
}

func encodeFixups(fixups []Fixup) []byte {
	var buf []byte
	for _, fx := range fixups {
		buf = append(buf, fx.Src, fx.Flags)
		buf = binary.LittleEndian.AppendUint16(buf, fx.SrcOff)
		buf = append(buf, byte(fx.ObjNum+1))
		switch fx.Src {
		case fixSel16:
		case fixOff16, fixPtr48, fixOff32:
			if fx.Flags&fixWide != 0 {
				buf = binary.LittleEndian.AppendUint32(buf, fx.Target)
			} else {
				buf = binary.LittleEndian.AppendUint16(buf, uint16(fx.Target))
			}
		}
	}
	return buf
}

// parseFixups reads the fixup page table and splits the record table
// into per-page decoded lists.
func (img *Image) parseFixups() error {
	h := &img.Header
	numPages := int(h.ModuleNumPages)
	if h.FixupPageTableOffset < leHeaderSize {
		return malformed("fixup page table offset 0x%x inside LE header", h.FixupPageTableOffset)
	}
	ptOff := img.leOff + int(h.FixupPageTableOffset)
	ptEnd := ptOff + (numPages+1)*4
	if ptEnd > len(img.raw) {
		return malformed("fixup page table out of range")
	}
	offsets := make([]uint32, numPages+1)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(img.raw[ptOff+i*4:])
	}

	recOff := img.leOff + int(h.FixupRecordTableOffset)
	fs := &FixupSet{pageSize: h.PageSize}
	for i := 0; i < numPages; i++ {
		lo, hi := offsets[i], offsets[i+1]
		if hi < lo || recOff+int(hi) > len(img.raw) {
			return malformed("fixup records for page %d out of range", i+1)
		}
		recs, err := decodeFixups(img.raw[recOff+int(lo) : recOff+int(hi)])
		if err != nil {
			return fmt.Errorf("page %d: %w", i+1, err)
		}
		fs.pages = append(fs.pages, recs)
	}
	img.fixups = fs
	return nil
}

// Fixups exposes the image's fixup set.
func (img *Image) Fixups() *FixupSet { return img.fixups }

// InRange returns the flat addresses of fixup source bytes falling
// inside [start, end).
func (fs *FixupSet) InRange(start, end uint32) []uint32 {
	var hits []uint32
	for page, recs := range fs.pages {
		base := uint32(page) * fs.pageSize
		if base >= end || base+fs.pageSize < start {
			continue
		}
		for _, fx := range recs {
			if a := base + uint32(fx.SrcOff); a >= start && a < end {
				hits = append(hits, a)
			}
		}
	}
	return hits
}

// RemoveRange drops every record whose source byte falls inside
// [start, end) and returns how many were removed. A patched region's
// stale fixups are removed before the replacement ones are added so
// the loader never relocates bytes that no longer hold an address.
func (fs *FixupSet) RemoveRange(start, end uint32) int {
	removed := 0
	for page, recs := range fs.pages {
		base := uint32(page) * fs.pageSize
		if base >= end || base+fs.pageSize < start {
			continue
		}
		kept := recs[:0]
		for _, fx := range recs {
			a := base + uint32(fx.SrcOff)
			if a >= start && a < end {
				removed++
				continue
			}
			kept = append(kept, fx)
		}
		fs.pages[page] = kept
	}
	return removed
}

// AddAbs records a 32-bit internal offset fixup for the absolute
// operand at the flat address addr, targeting object objnum (0-based)
// at offset target.
func (fs *FixupSet) AddAbs(addr uint32, objnum int, target uint32) error {
	page := int(addr / fs.pageSize)
	if page >= len(fs.pages) {
		return fmt.Errorf("fixup address 0x%x past last page", addr)
	}
	fs.pages[page] = append(fs.pages[page], Fixup{
		Src:    fixOff32,
		Flags:  fixIntRef | fixWide,
		SrcOff: uint16(addr % fs.pageSize),
		ObjNum: objnum,
		Target: target,
	})
	return nil
}

// Encode re-emits the fixup page table and record table.
func (fs *FixupSet) Encode() (pageTable, records []byte) {
	var acc uint32
	for _, recs := range fs.pages {
		pageTable = binary.LittleEndian.AppendUint32(pageTable, acc)
		blob := encodeFixups(recs)
		records = append(records, blob...)
		acc += uint32(len(blob))
	}
	pageTable = binary.LittleEndian.AppendUint32(pageTable, acc)
	return pageTable, records
}

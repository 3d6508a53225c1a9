package le

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// Apply runs every op in the plan against the image's working copy,
// in order. Each op re-checks its expected bytes immediately before
// writing, so a stale plan or an unexpected executable variant stops
// the run with nothing modified on disk. Fixup records covering
// patched ranges are dropped and fresh ones are synthesized for every
// absolute data operand in the injected code.
func Apply(img *Image, plan *Plan) error {
	dataObj := img.DataObject()
	for _, op := range plan.Ops {
		cur, err := img.Bytes(op.Addr, uint32(len(op.New)))
		if err != nil {
			return &Error{Code: CodeMalformedImage, Signature: op.Name,
				Addrs: []uint32{op.Addr}, Msg: err.Error()}
		}
		if !bytes.Equal(cur, op.Old) {
			return &Error{Code: CodePatchPreconditionFailed, Signature: op.Name,
				Addrs: []uint32{op.Addr},
				Msg:   "bytes at patch site do not match the expected original"}
		}
		img.fixups.RemoveRange(op.Addr, op.End())
		img.write(op.Addr, op.New)
		for _, ref := range op.Abs {
			if err := img.fixups.AddAbs(op.Addr+uint32(ref.Off), dataObj, ref.Target); err != nil {
				return &Error{Code: CodeMalformedImage, Signature: op.Name,
					Addrs: []uint32{op.Addr + uint32(ref.Off)}, Msg: err.Error()}
			}
		}
	}
	return nil
}

// BuildOutput reassembles the full executable: untouched stubs and
// loader tables, the re-encoded fixup section (which almost always
// changes size), and the patched page data. Header offsets trailing
// the fixup section shift accordingly; the fixup checksum is zeroed,
// which the DOS extenders ignore.
func (img *Image) BuildOutput() ([]byte, error) {
	h := img.Header // copy; img stays reusable
	pageTable, records := img.fixups.Encode()

	preFixup := img.raw[img.leOff+leHeaderSize : img.leOff+int(h.FixupPageTableOffset)]
	preFixup = append([]byte(nil), preFixup...)
	img.patchObjectTable(preFixup)

	postStart := img.leOff + int(h.ImportModuleTableOffset)
	postEnd := img.mzOff + int(h.DataPagesOffset)
	if postStart > postEnd || postEnd > len(img.raw) {
		return nil, malformed("loader tables overlap data pages")
	}
	postFixup := img.raw[postStart:postEnd]

	h.FixupRecordTableOffset = h.FixupPageTableOffset + uint32(len(pageTable))
	h.FixupSectionSize = uint32(len(pageTable) + len(records))
	h.FixupSectionCsum = 0
	h.ImportModuleTableOffset = h.FixupPageTableOffset + h.FixupSectionSize
	h.ImportProcTableOffset = h.ImportModuleTableOffset
	h.DataPagesOffset = uint32(img.leOff-img.mzOff) + h.ImportModuleTableOffset + uint32(len(postFixup))

	var hdr bytes.Buffer
	if err := binary.Write(&hdr, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}

	out := make([]byte, 0, len(img.raw)+int(img.appended))
	out = append(out, img.raw[:img.leOff]...)
	out = append(out, hdr.Bytes()...)
	out = append(out, preFixup...)
	out = append(out, pageTable...)
	out = append(out, records...)
	out = append(out, postFixup...)
	out = append(out, img.pages...)
	return out, nil
}

// patchObjectTable rewrites virtual sizes in the loader-section copy
// for any object grown by cave appends.
func (img *Image) patchObjectTable(loaderSection []byte) {
	base := int(img.Header.ObjTableOffset) - leHeaderSize
	for i, obj := range img.objects {
		off := base + i*objEntrySize
		if off < 0 || off+4 > len(loaderSection) {
			continue
		}
		binary.LittleEndian.PutUint32(loaderSection[off:], obj.VirtualSize)
	}
}

// WriteFile writes the assembled output next to its final path and
// renames it into place, so a crash or a full disk never leaves a
// half-written executable behind.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp output: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod output: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}

package le

// Cave is a run of identical filler bytes inside a section, usable as
// scratch space for injected code.
type Cave struct {
	Section string
	Addr    uint32
	Size    uint32
	Fill    byte
}

// caveFills are the padding bytes linkers of the era emitted between
// functions.
var caveFills = []byte{0x00, 0x90}

// FindCaves scans the executable sections of the working copy for
// filler runs of at least min bytes, lowest address first.
func FindCaves(img *Image, min uint32) []Cave {
	var caves []Cave
	for _, sec := range img.Sections {
		if !sec.Executable() {
			continue
		}
		buf := img.pages[sec.Start : sec.Start+sec.Size]
		for _, fill := range caveFills {
			start := -1
			for i := 0; i <= len(buf); i++ {
				if i < len(buf) && buf[i] == fill {
					if start < 0 {
						start = i
					}
					continue
				}
				if start >= 0 && uint32(i-start) >= min {
					caves = append(caves, Cave{
						Section: sec.Name,
						Addr:    sec.Start + uint32(start),
						Size:    uint32(i - start),
						Fill:    fill,
					})
				}
				start = -1
			}
		}
	}
	return caves
}

// allocCave picks scratch space for an injected payload: the smallest
// in-section filler run that fits, ties broken by lowest address, so
// the same input always yields the same output bytes. When no run
// fits, the final page's slack is used, growing the file by exactly
// size bytes. Reports failure when neither works.
func allocCave(img *Image, size uint32, claimed func(addr, n uint32) bool) (Cave, bool) {
	var best *Cave
	for _, cave := range FindCaves(img, size) {
		if claimed(cave.Addr, size) {
			continue
		}
		if best == nil || cave.Size < best.Size ||
			(cave.Size == best.Size && cave.Addr < best.Addr) {
			c := cave
			best = &c
		}
	}
	if best != nil {
		return Cave{Section: best.Section, Addr: best.Addr, Size: size, Fill: best.Fill}, true
	}
	for i := len(img.Sections) - 1; i >= 0; i-- {
		sec := img.Sections[i]
		if !sec.Executable() {
			continue
		}
		if addr, ok := img.AppendCave(size, i); ok {
			return Cave{Section: sec.Name, Addr: addr, Size: size, Fill: 0x00}, true
		}
		break
	}
	return Cave{}, false
}

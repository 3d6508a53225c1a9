package le

import (
	"fmt"
	"strings"
)

// SectionClass constrains where a signature may match.
type SectionClass int

const (
	AnySection SectionClass = iota
	CodeSection
	DataSection
)

func (c SectionClass) String() string {
	switch c {
	case CodeSection:
		return "code"
	case DataSection:
		return "data"
	}
	return "any"
}

// Cardinality is the number of matches a signature is expected to
// produce when the image is supported.
type Cardinality int

const (
	// ExactlyOne means zero or multiple matches is a hard failure.
	ExactlyOne Cardinality = iota
	// ZeroOrOne marks signatures that legitimately may be absent:
	// already-patched complements and best-effort extras.
	ZeroOrOne
)

// Pattern is a fixed-length byte pattern where each position is either
// a literal byte or a wildcard. The text form follows the usual
// scanner notation: "8b c2 33 ed 03 05 ?? ?? ?? ?? 8b d8".
type Pattern struct {
	bytes []byte
	mask  []byte // 1 = literal, 0 = wildcard
}

// ParsePattern parses the text form of a pattern.
func ParsePattern(s string) (Pattern, error) {
	var p Pattern
	for _, tok := range strings.Fields(s) {
		if tok == "??" {
			p.bytes = append(p.bytes, 0)
			p.mask = append(p.mask, 0)
			continue
		}
		if len(tok) != 2 {
			return Pattern{}, fmt.Errorf("bad pattern token %q", tok)
		}
		var b byte
		if _, err := fmt.Sscanf(tok, "%02x", &b); err != nil {
			return Pattern{}, fmt.Errorf("bad pattern token %q: %w", tok, err)
		}
		p.bytes = append(p.bytes, b)
		p.mask = append(p.mask, 1)
	}
	if len(p.bytes) == 0 {
		return Pattern{}, fmt.Errorf("empty pattern")
	}
	return p, nil
}

// mustPattern is for static catalog entries; it panics on bad input,
// which would be a programming error, not a runtime condition.
func mustPattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// textPattern builds an all-literal pattern from a raw string, used
// for banner and credits text anchors.
func textPattern(s string) Pattern {
	p := Pattern{bytes: []byte(s), mask: make([]byte, len(s))}
	for i := range p.mask {
		p.mask[i] = 1
	}
	return p
}

// Len returns the pattern length in bytes.
func (p Pattern) Len() int { return len(p.bytes) }

// MatchAt reports whether the pattern matches buf at off. Wildcard
// positions match anything; out-of-range never matches.
func (p Pattern) MatchAt(buf []byte, off int) bool {
	if off < 0 || off+len(p.bytes) > len(buf) {
		return false
	}
	for i, m := range p.mask {
		if m != 0 && buf[off+i] != p.bytes[i] {
			return false
		}
	}
	return true
}

func (p Pattern) String() string {
	var b strings.Builder
	for i := range p.bytes {
		if i > 0 {
			b.WriteByte(' ')
		}
		if p.mask[i] == 0 {
			b.WriteString("??")
		} else {
			fmt.Fprintf(&b, "%02x", p.bytes[i])
		}
	}
	return b.String()
}

// Context is a companion sub-pattern that must also match at a fixed
// offset relative to a raw match. It is the first disambiguation step
// when a pattern hits more than once.
type Context struct {
	Offset  int
	Pattern Pattern
}

// Signature names a semantic location in the executable and the byte
// pattern that identifies it. Offset is added to the match position to
// produce the anchor address. Capture, when >= 0, marks the position
// of a little-endian uint32 operand to extract (the address of a game
// variable referenced by the surrounding code).
type Signature struct {
	Name        string
	Pattern     Pattern
	Section     SectionClass
	Cardinality Cardinality
	Offset      int
	Capture     int
	Context     *Context
}

// Anchor is a resolved signature: the flat address of the match (plus
// the signature's offset) and the captured operand value, if any.
type Anchor struct {
	Sig     *Signature
	Addr    uint32
	Value   uint32
	Section string
}

func sig(name, pattern string, section SectionClass) *Signature {
	return &Signature{
		Name:    name,
		Pattern: mustPattern(pattern),
		Section: section,
		Capture: -1,
	}
}

func varSig(name, pattern string, capture int) *Signature {
	s := sig(name, pattern, CodeSection)
	s.Capture = capture
	return s
}

func anchorSig(name, pattern string, offset int) *Signature {
	s := sig(name, pattern, CodeSection)
	s.Offset = offset
	return s
}

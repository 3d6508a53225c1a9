package le

import "encoding/binary"

// Scanner resolves signatures against an image's working page data.
type Scanner struct {
	img *Image
}

// NewScanner returns a scanner over img's current working copy.
func NewScanner(img *Image) *Scanner { return &Scanner{img: img} }

// matches returns the flat addresses of every raw hit for sig within
// the sections its class allows.
func (sc *Scanner) matches(sig *Signature) []uint32 {
	var hits []uint32
	buf := sc.img.pages
	for _, sec := range sc.img.Sections {
		if sig.Section != AnySection && sec.class() != sig.Section {
			continue
		}
		end := int(sec.Start + sec.Size)
		if end > len(buf) {
			end = len(buf)
		}
		for off := int(sec.Start); off+sig.Pattern.Len() <= end; off++ {
			if sig.Pattern.MatchAt(buf, off) {
				hits = append(hits, uint32(off))
			}
		}
	}
	return hits
}

// Resolve turns a signature into an anchor. Zero hits is
// SignatureNotFound; more than one hit is narrowed by the signature's
// context pattern if it has one, and anything still ambiguous is
// AmbiguousAnchor with every candidate address attached. A
// disambiguation that leaves zero hits is also AmbiguousAnchor: the
// context contract was violated, not the signature's.
func (sc *Scanner) Resolve(sig *Signature) (Anchor, error) {
	hits := sc.matches(sig)
	if len(hits) > 1 && sig.Context != nil {
		var kept []uint32
		for _, h := range hits {
			off := int(h) + sig.Context.Offset
			if sig.Context.Pattern.MatchAt(sc.img.pages, off) {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			return Anchor{}, &Error{
				Code:      CodeAmbiguousAnchor,
				Signature: sig.Name,
				Addrs:     hits,
				Msg:       "context pattern eliminated all candidates",
			}
		}
		hits = kept
	}
	switch len(hits) {
	case 0:
		if sig.Cardinality == ZeroOrOne {
			return Anchor{Sig: sig}, errAbsent
		}
		return Anchor{}, &Error{Code: CodeSignatureNotFound, Signature: sig.Name}
	case 1:
	default:
		return Anchor{}, &Error{
			Code:      CodeAmbiguousAnchor,
			Signature: sig.Name,
			Addrs:     hits,
		}
	}

	a := Anchor{Sig: sig, Addr: hits[0] + uint32(sig.Offset)}
	if sig.Capture >= 0 {
		pos := hits[0] + uint32(sig.Capture)
		operand, err := sc.img.Bytes(pos, 4)
		if err != nil {
			return Anchor{}, &Error{
				Code:      CodeMalformedImage,
				Signature: sig.Name,
				Addrs:     []uint32{pos},
				Msg:       "capture runs past end of page data",
			}
		}
		a.Value = binary.LittleEndian.Uint32(operand)
	}
	if sec := sc.img.SectionFor(a.Addr); sec != nil {
		a.Section = sec.Name
	}
	return a, nil
}

// Present reports whether a zero-or-one signature has at least one
// hit, without cardinality enforcement.
func (sc *Scanner) Present(sig *Signature) bool {
	return len(sc.matches(sig)) > 0
}

// ResolveVars resolves every variable signature in the catalog into a
// name → captured address map. Optional signatures (cardinality
// zero-or-one) are simply omitted when absent.
func (sc *Scanner) ResolveVars(sigs []*Signature) (map[string]uint32, error) {
	out := make(map[string]uint32, len(sigs))
	for _, sig := range sigs {
		a, err := sc.Resolve(sig)
		if err == errAbsent {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[sig.Name] = a.Value
	}
	return out, nil
}

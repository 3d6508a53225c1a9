package le

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies every terminal state of a patch run. Codes are
// stable: callers key exit statuses off them.
type Code int

const (
	CodeMalformedImage Code = iota + 1
	CodeUnrecognizedExecutable
	CodeSignatureNotFound
	CodeAmbiguousAnchor
	CodeNoCaveSpace
	CodePatchPreconditionFailed
	CodeVerificationFailed
	CodeAlreadyPatched
)

func (c Code) String() string {
	switch c {
	case CodeMalformedImage:
		return "MalformedImage"
	case CodeUnrecognizedExecutable:
		return "UnrecognizedExecutable"
	case CodeSignatureNotFound:
		return "SignatureNotFound"
	case CodeAmbiguousAnchor:
		return "AmbiguousAnchor"
	case CodeNoCaveSpace:
		return "NoCaveSpace"
	case CodePatchPreconditionFailed:
		return "PatchPreconditionFailed"
	case CodeVerificationFailed:
		return "VerificationFailed"
	case CodeAlreadyPatched:
		return "AlreadyPatched"
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is the failure type for everything in this package. Signature,
// Section and Addrs are filled in where known so a failure can be
// diagnosed without re-running with extra logging.
type Error struct {
	Code      Code
	Signature string
	Section   string
	Addrs     []uint32
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.Signature != "" {
		fmt.Fprintf(&b, " [%s]", e.Signature)
	}
	if e.Section != "" {
		fmt.Fprintf(&b, " in %s", e.Section)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	for i, a := range e.Addrs {
		if i == 0 {
			b.WriteString(" at")
		}
		fmt.Fprintf(&b, " 0x%08x", a)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the taxonomy code from err, or 0 when err carries
// none (plain I/O errors and the like).
func CodeOf(err error) Code {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return 0
}

// errAbsent is an internal signal that a zero-or-one signature had no
// hits; callers treat it as "feature not present", never as a failure.
var errAbsent = errors.New("signature absent")

func malformed(format string, args ...interface{}) *Error {
	return &Error{Code: CodeMalformedImage, Msg: fmt.Sprintf(format, args...)}
}

func verifyFailed(format string, args ...interface{}) *Error {
	return &Error{Code: CodeVerificationFailed, Msg: fmt.Sprintf(format, args...)}
}

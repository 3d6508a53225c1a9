package le

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Options selects which patches a run applies. Zero value applies
// nothing; the command line defaults everything on.
type Options struct {
	FixSpeed    bool
	Mouselook   bool
	InvertLookY bool
	Bindings    Bindings
}

// Bindings holds the keyboard scancodes the injected control routines
// poll. The defaults match the classic WASD layout.
type Bindings struct {
	Forward byte `yaml:"forward"`
	Back    byte `yaml:"back"`
	Left    byte `yaml:"left"`
	Right   byte `yaml:"right"`
	Run     byte `yaml:"run"`
	Crouch  byte `yaml:"crouch"`
	Stretch byte `yaml:"stretch"`
}

// DefaultBindings is WASD plus LShift to run, C to crouch and R to
// stretch.
func DefaultBindings() Bindings {
	return Bindings{
		Forward: 0x11, // W
		Back:    0x1f, // S
		Left:    0x1e, // A
		Right:   0x20, // D
		Run:     0x2a, // LShift
		Crouch:  0x2e, // C
		Stretch: 0x13, // R
	}
}

// highest make code the game's keyboard handler records
const maxScancode = 0x39

// scancodes maps key names accepted in a bindings file to XT set 1
// make codes, which is what the game's keyboard handler stores.
var scancodes = map[string]byte{
	"esc": 0x01, "1": 0x02, "2": 0x03, "3": 0x04, "4": 0x05,
	"5": 0x06, "6": 0x07, "7": 0x08, "8": 0x09, "9": 0x0a,
	"0": 0x0b, "minus": 0x0c, "equals": 0x0d, "backspace": 0x0e,
	"tab": 0x0f, "q": 0x10, "w": 0x11, "e": 0x12, "r": 0x13,
	"t": 0x14, "y": 0x15, "u": 0x16, "i": 0x17, "o": 0x18,
	"p": 0x19, "enter": 0x1c, "lctrl": 0x1d, "a": 0x1e, "s": 0x1f,
	"d": 0x20, "f": 0x21, "g": 0x22, "h": 0x23, "j": 0x24,
	"k": 0x25, "l": 0x26, "lshift": 0x2a, "z": 0x2c, "x": 0x2d,
	"c": 0x2e, "v": 0x2f, "b": 0x30, "n": 0x31, "m": 0x32,
	"comma": 0x33, "period": 0x34, "slash": 0x35, "rshift": 0x36,
	"lalt": 0x38, "space": 0x39,
}

type bindingsFile struct {
	Forward string `yaml:"forward"`
	Back    string `yaml:"back"`
	Left    string `yaml:"left"`
	Right   string `yaml:"right"`
	Run     string `yaml:"run"`
	Crouch  string `yaml:"crouch"`
	Stretch string `yaml:"stretch"`
}

// LoadBindings reads a YAML bindings file and overlays it on the
// defaults. Keys are named ("w", "lshift"); only names the game's
// keyboard handler can see are accepted.
func LoadBindings(path string) (Bindings, error) {
	b := DefaultBindings()
	raw, err := os.ReadFile(path)
	if err != nil {
		return b, fmt.Errorf("read bindings: %w", err)
	}
	var bf bindingsFile
	if err := yaml.Unmarshal(raw, &bf); err != nil {
		return b, fmt.Errorf("parse bindings: %w", err)
	}
	fields := []struct {
		name string
		val  string
		dst  *byte
	}{
		{"forward", bf.Forward, &b.Forward},
		{"back", bf.Back, &b.Back},
		{"left", bf.Left, &b.Left},
		{"right", bf.Right, &b.Right},
		{"run", bf.Run, &b.Run},
		{"crouch", bf.Crouch, &b.Crouch},
		{"stretch", bf.Stretch, &b.Stretch},
	}
	for _, f := range fields {
		if f.val == "" {
			continue
		}
		code, ok := scancodes[strings.ToLower(f.val)]
		if !ok {
			return b, fmt.Errorf("bindings: unknown key %q for %s", f.val, f.name)
		}
		*f.dst = code
	}
	if err := b.Validate(); err != nil {
		return b, err
	}
	return b, nil
}

// Validate rejects binding sets the injected routines cannot poll:
// out-of-range scancodes and duplicate assignments.
func (b Bindings) Validate() error {
	keys := []struct {
		name string
		code byte
	}{
		{"forward", b.Forward},
		{"back", b.Back},
		{"left", b.Left},
		{"right", b.Right},
		{"run", b.Run},
		{"crouch", b.Crouch},
		{"stretch", b.Stretch},
	}
	seen := map[byte]string{}
	for _, k := range keys {
		if k.code == 0 || k.code > maxScancode {
			return fmt.Errorf("bindings: scancode 0x%02x for %s out of range", k.code, k.name)
		}
		if prev, dup := seen[k.code]; dup {
			return fmt.Errorf("bindings: %s and %s share scancode 0x%02x", prev, k.name, k.code)
		}
		seen[k.code] = k.name
	}
	return nil
}

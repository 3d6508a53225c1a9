// Package main provides the tex3patch CLI tool.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/xyproto/env/v2"

	"github.com/moralrecordings/tex3-mouselook/internal/cli"
	"github.com/moralrecordings/tex3-mouselook/internal/le"
)

var (
	fixSpeed  = flag.Bool("fix-speed", !env.Bool("TEX3PATCH_NO_FIX_SPEED"), "fix the delta-time rounding bug that makes movement too fast")
	mouselook = flag.Bool("mouselook", !env.Bool("TEX3PATCH_NO_MOUSELOOK"), "replace the velocity controls with mouselook and WASD")
	invertY   = flag.Bool("invert-y", env.Bool("TEX3PATCH_INVERT_Y"), "invert the vertical mouse axis")
	bindings  = flag.String("bindings", env.Str("TEX3PATCH_BINDINGS"), "YAML file with custom key bindings")
	verbose   = flag.Bool("v", false, "verbose mode: list every applied patch")
)

const usageText = `tex3patch - mouselook patcher for Under a Killing Moon and The Pandora Directive

Usage:
  tex3patch [flags] INPUT.EXE OUTPUT.EXE

The input executable is never modified; the patched copy is written to
OUTPUT.EXE once every change has been verified.

Flags:
`

func printUsage() {
	fmt.Fprint(os.Stderr, usageText)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() != 2 {
		printUsage()
		os.Exit(1)
	}
	input, output := flag.Arg(0), flag.Arg(1)

	opts := le.Options{
		FixSpeed:    *fixSpeed,
		Mouselook:   *mouselook,
		InvertLookY: *invertY,
		Bindings:    le.DefaultBindings(),
	}
	if *bindings != "" {
		b, err := le.LoadBindings(*bindings)
		if err != nil {
			fail(err)
		}
		opts.Bindings = b
	}

	report, err := le.Run(input, output, opts)
	if err != nil && le.CodeOf(err) != le.CodeAlreadyPatched {
		fail(err)
	}

	reporter := cli.NewReporter(report)
	reporter.SetVerbose(*verbose)
	reporter.Print(input, output)

	if err != nil {
		os.Exit(exitCode(err))
	}
}

// fail prints the error and exits with a stable status per failure
// class, so wrappers can tell a bad file from a missed signature
// without parsing text.
func fail(err error) {
	red := color.New(color.FgRed, color.Bold)
	_, _ = red.Fprintf(os.Stderr, "\nerror: %v\n\n", err)
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	var lerr *le.Error
	if !errors.As(err, &lerr) {
		return 1
	}
	switch lerr.Code {
	case le.CodeAlreadyPatched:
		return 2
	case le.CodeMalformedImage:
		return 3
	case le.CodeUnrecognizedExecutable:
		return 4
	case le.CodeSignatureNotFound:
		return 5
	case le.CodeAmbiguousAnchor:
		return 6
	case le.CodeNoCaveSpace:
		return 7
	case le.CodePatchPreconditionFailed:
		return 8
	case le.CodeVerificationFailed:
		return 9
	}
	return 1
}

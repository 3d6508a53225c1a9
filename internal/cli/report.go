// Package cli formats patch run results for the terminal.
package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/moralrecordings/tex3-mouselook/internal/le"
)

// Reporter prints a patch run report.
type Reporter struct {
	report  *le.Report
	verbose bool
}

// NewReporter creates a reporter for the given run report.
func NewReporter(report *le.Report) *Reporter {
	return &Reporter{report: report}
}

// SetVerbose enables verbose mode (show every applied rewrite).
func (r *Reporter) SetVerbose(verbose bool) {
	r.verbose = verbose
}

// Print outputs the complete run report.
func (r *Reporter) Print(input, output string) {
	r.printHeader()
	r.printGameInfo(input)

	if r.report.AlreadyPatched {
		yellow := color.New(color.FgYellow, color.Bold)
		yellow.Println("\nAlready patched; nothing to do.")
		return
	}

	r.printOps()

	green := color.New(color.FgGreen, color.Bold)
	green.Printf("\nWrote %s", output)
	if r.report.Appended > 0 {
		fmt.Printf(" (+%d bytes of cave space)", r.report.Appended)
	}
	fmt.Println()
}

func (r *Reporter) printHeader() {
	cyan := color.New(color.FgCyan, color.Bold)
	cyan.Println("\ntex3patch - mouselook for the Tex Murphy engine")
}

func (r *Reporter) printGameInfo(input string) {
	info := r.report.Info
	fmt.Printf("  %-12s: %s\n", "Input", input)
	fmt.Printf("  %-12s: %s\n", "Game", info.Title)
	fmt.Printf("  %-12s: %s\n", "Version", info.Version)
	fmt.Printf("  %-12s: %s\n", "Language", titleCase(info.Language))
	fmt.Printf("  %-12s: %s\n", "Size", formatSize(int64(r.report.InputSize)))
}

func (r *Reporter) printOps() {
	yellow := color.New(color.FgYellow, color.Bold)
	yellow.Printf("\nApplied %d patches\n", len(r.report.Ops))
	if !r.verbose {
		return
	}

	fmt.Println(strings.Repeat("-", 56))
	fmt.Printf("  %-28s %-12s %-8s %s\n", "Patch", "Offset", "Bytes", "Kind")
	fmt.Println(strings.Repeat("-", 56))
	for _, op := range r.report.Ops {
		kind := "data"
		kindColor := color.New(color.FgWhite)
		if op.Exec {
			kind = "code"
			kindColor = color.New(color.FgGreen)
		}
		fmt.Printf("  %-28s 0x%08X   %-8d ", op.Name, op.Addr, op.Size)
		kindColor.Printf("%s\n", kind)
	}
	fmt.Println(strings.Repeat("-", 56))
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

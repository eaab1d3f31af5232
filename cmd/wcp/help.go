package main

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/whiteclaws/clawpoints/internal/ui"
)

// Patterns used to colorize Cobra's default help output.
var (
	// Section headers: unindented line ending with ":" (e.g. "Queries:", "Flags:").
	reGroupHeader = regexp.MustCompile(`(?m)^([A-Z][^\n]*:)\s*$`)

	// Command names: two-space indent, a word, then two or more spaces.
	reCommand = regexp.MustCompile(`(?m)^(  )(\S+)(  )`)

	// Flag type annotations: e.g. "--season int", "--meta stringArray".
	reFlagType = regexp.MustCompile(`(--?\S+\s+)(string|int|float|duration|stringSlice|stringArray)`)

	reDefault = regexp.MustCompile(`\(default "?[^)]*"?\)`)
)

// colorizedHelpFunc returns a Cobra help function that post-processes the
// default help text with ANSI colors when the terminal supports it.
func colorizedHelpFunc() func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		if !ui.ShouldUseColor() {
			cmd.SetOut(cmd.OutOrStdout())
			_ = cmd.Usage()
			return
		}

		orig := cmd.OutOrStdout()
		var buf bytes.Buffer
		cmd.SetOut(&buf)
		_ = cmd.Usage()
		cmd.SetOut(orig)

		fmt.Fprint(orig, colorizeHelpOutput(buf.String()))
	}
}

// colorizeHelpOutput applies ANSI styling to Cobra's plain-text help.
func colorizeHelpOutput(s string) string {
	s = reGroupHeader.ReplaceAllStringFunc(s, func(match string) string {
		return ui.RenderAccent(strings.TrimSpace(match))
	})
	s = reCommand.ReplaceAllStringFunc(s, func(match string) string {
		if parts := reCommand.FindStringSubmatch(match); len(parts) == 4 {
			return parts[1] + ui.RenderCommand(parts[2]) + parts[3]
		}
		return match
	})
	s = reFlagType.ReplaceAllStringFunc(s, func(match string) string {
		if parts := reFlagType.FindStringSubmatch(match); len(parts) == 3 {
			return parts[1] + ui.RenderMuted(parts[2])
		}
		return match
	})
	return reDefault.ReplaceAllStringFunc(s, ui.RenderMuted)
}

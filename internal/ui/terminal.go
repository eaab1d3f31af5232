package ui

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// ShouldUseColor reports whether stdout gets ANSI colors. NO_COLOR always
// wins, then CLICOLOR_FORCE=1, then CLICOLOR=0, then TTY detection.
func ShouldUseColor() bool {
	return colorFor(os.Getenv, term.IsTerminal(int(os.Stdout.Fd())))
}

func colorFor(getenv func(string) string, tty bool) bool {
	switch {
	case getenv("NO_COLOR") != "":
		// https://no-color.org
		return false
	case strings.TrimSpace(getenv("CLICOLOR_FORCE")) == "1":
		return true
	case strings.TrimSpace(getenv("CLICOLOR")) == "0":
		return false
	}
	return tty
}

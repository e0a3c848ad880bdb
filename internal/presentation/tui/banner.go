package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/muesli/termenv"
)

// PrintBanner outputs the BinLens banner and version.
func PrintBanner(w io.Writer, version string) {
	out := termenv.NewOutput(w)
	// Teal to indigo, one step per line.
	lines := []struct{ text, color string }{
		{` ____  _       _                   `, "#2dd4bf"},
		{`| __ )(_)_ __ | |    ___ _ __  ___ `, "#22d3ee"},
		{`|  _ \| | '_ \| |   / _ \ '_ \/ __|`, "#38bdf8"},
		{`| |_) | | | | | |__|  __/ | | \__ \`, "#60a5fa"},
		{`|____/|_|_| |_|_____\___|_| |_|___/`, "#818cf8"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, out.String(l.text).Foreground(out.Color(l.color)))
	}
	fmt.Fprintln(w, out.String("  "+strings.TrimSpace(version)).Faint())
	fmt.Fprintln(w)
}

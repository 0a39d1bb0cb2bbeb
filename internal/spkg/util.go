package spkg

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// color-compatible printer interface (works with *color.Theme and *color.Style)
type colorPrinter interface {
	Printf(format string, a ...any)
	Println(a ...any)
}

// cPrintf prints with a colored style or falls back to fmt.Printf when nil
func cPrintf(p colorPrinter, format string, a ...any) {
	if p == nil {
		fmt.Printf(format, a...)
		return
	}
	p.Printf(format, a...)
}

// debugf prints debug messages when Debug is true
func debugf(format string, args ...any) {
	if Debug {
		fmt.Printf(format, args...)
	}
}

// step prints an arrow-prefixed progress line unless Quiet is set.
func step(format string, args ...any) {
	if Quiet {
		return
	}
	colArrow.Print("-> ")
	colSuccess.Printf(format+"\n", args...)
}

// warnf prints an arrow-prefixed warning to stderr.
func warnf(format string, args ...any) {
	fmt.Fprint(os.Stderr, colArrow.Sprint("-> "))
	fmt.Fprintln(os.Stderr, colWarn.Sprintf(format, args...))
}

// errorf prints an arrow-prefixed error to w.
func errorf(w io.Writer, format string, args ...any) {
	fmt.Fprint(w, colArrow.Sprint("-> "))
	fmt.Fprintln(w, colError.Sprintf(format, args...))
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

package spkg

import (
	"fmt"
	"os"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"
)

// pageable reports whether lines need the viewer: stdout is a terminal
// and they do not fit between the viewer's borders.
func pageable(lines []string) bool {
	if !isTerminal(os.Stdout) {
		return false
	}
	_, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return false
	}
	return len(lines) > rows-2
}

func printLines(lines []string) {
	for _, line := range lines {
		fmt.Println(line)
	}
}

// logViewer is a bordered read-only view over build output. Compiler
// colors in the text are kept.
type logViewer struct {
	app  *tview.Application
	text *tview.TextView
	root tview.Primitive
}

// newLogViewer prepares a viewer over lines. With tail set it opens at the
// last line, where a failed build reports its error.
func newLogViewer(title string, lines []string, tail bool) *logViewer {
	v := &logViewer{app: tview.NewApplication()}

	v.text = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(false)
	v.text.SetBorder(true).SetTitle(" " + title + " ")
	fmt.Fprint(tview.ANSIWriter(v.text), strings.Join(lines, "\n"))
	if tail {
		v.text.ScrollToEnd()
	}

	hint := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(fmt.Sprintf("[gray]%d lines  ↑/↓ PgUp/PgDn scroll  g/G top/bottom  q quit[white]", len(lines)))

	v.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(v.text, 0, 1, true).
		AddItem(hint, 1, 0, false)
	v.app.SetInputCapture(v.handleKey)
	return v
}

func (v *logViewer) handleKey(ev *tcell.EventKey) *tcell.EventKey {
	switch ev.Key() {
	case tcell.KeyEsc, tcell.KeyCtrlQ, tcell.KeyCtrlC:
		v.app.Stop()
		return nil
	case tcell.KeyRune:
		switch ev.Rune() {
		case 'q':
			v.app.Stop()
			return nil
		case 'g':
			v.text.ScrollToBeginning()
			return nil
		case 'G':
			v.text.ScrollToEnd()
			return nil
		}
	}
	return ev
}

// Run blocks until the user quits.
func (v *logViewer) Run() error {
	if err := v.app.SetRoot(v.root, true).SetFocus(v.text).Run(); err != nil {
		return fmt.Errorf("log viewer: %w", err)
	}
	return nil
}

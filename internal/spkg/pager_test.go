package spkg

import (
	"testing"

	"github.com/gdamore/tcell/v2"
)

func TestLogViewerKeys(t *testing.T) {
	v := newLogViewer("zlib-1.3.log.xz", []string{"==> build", "make: *** [all] Error 2"}, true)

	tests := []struct {
		name     string
		ev       *tcell.EventKey
		consumed bool
	}{
		{"quit", tcell.NewEventKey(tcell.KeyRune, 'q', tcell.ModNone), true},
		{"escape", tcell.NewEventKey(tcell.KeyEsc, 0, tcell.ModNone), true},
		{"top", tcell.NewEventKey(tcell.KeyRune, 'g', tcell.ModNone), true},
		{"bottom", tcell.NewEventKey(tcell.KeyRune, 'G', tcell.ModNone), true},
		{"other rune", tcell.NewEventKey(tcell.KeyRune, 'x', tcell.ModNone), false},
		{"arrow", tcell.NewEventKey(tcell.KeyDown, 0, tcell.ModNone), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.handleKey(tt.ev)
			if consumed := got == nil; consumed != tt.consumed {
				t.Fatalf("handleKey consumed = %v, want %v", consumed, tt.consumed)
			}
		})
	}
}

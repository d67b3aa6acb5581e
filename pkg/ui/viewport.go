package ui

import (
	"github.com/charmbracelet/bubbles/viewport"

	"github.com/go-go-golems/chatsync/pkg/scroll"
)

// viewportAdapter exposes a bubbles viewport as a scroll.Viewport.
type viewportAdapter struct {
	vp *viewport.Model
}

var _ scroll.Viewport = viewportAdapter{}

func (a viewportAdapter) Offset() int { return a.vp.YOffset }

func (a viewportAdapter) Extent() int { return a.vp.TotalLineCount() }

func (a viewportAdapter) Height() int { return a.vp.Height }

func (a viewportAdapter) SetOffset(offset int) { a.vp.SetYOffset(offset) }

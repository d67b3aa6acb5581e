// Package scroll keeps a viewport's reading position stable while the timeline
// underneath it changes.
package scroll

import "github.com/go-go-golems/chatsync/pkg/timeline"

// DefaultThreshold is how many lines from the bottom still count as "at the bottom".
const DefaultThreshold = 2

// Viewport is a scrollable window onto rendered content, measured in lines.
type Viewport interface {
	// Offset is the index of the first visible line.
	Offset() int
	// Extent is the total number of content lines.
	Extent() int
	Height() int
	SetOffset(offset int)
}

// Anchor is the viewport geometry captured just before a mutation.
type Anchor struct {
	Extent   int
	Offset   int
	AtBottom bool
}

type Outcome struct {
	Offset     int
	Scrolled   bool
	NewContent bool
}

// Reconciler is not safe for concurrent use; it belongs to the render loop.
type Reconciler struct {
	Threshold  int
	newContent bool
}

func NewReconciler(threshold int) *Reconciler {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	return &Reconciler{Threshold: threshold}
}

func (r *Reconciler) Capture(v Viewport) Anchor {
	return Anchor{
		Extent:   v.Extent(),
		Offset:   v.Offset(),
		AtBottom: r.atBottom(v),
	}
}

// Reconcile adjusts v after the content has been re-rendered for mutation.
func (r *Reconciler) Reconcile(v Viewport, anchor Anchor, mutation timeline.Mutation) Outcome {
	switch mutation.Kind {
	case timeline.MutationPrepend:
		if mutation.Added == 0 {
			break
		}
		delta := v.Extent() - anchor.Extent
		if delta != 0 {
			v.SetOffset(clamp(anchor.Offset+delta, v))
		}
	case timeline.MutationAppend, timeline.MutationTyping:
		if anchor.AtBottom {
			v.SetOffset(bottom(v))
		} else if mutation.Kind == timeline.MutationTyping || mutation.Added > 0 {
			r.newContent = true
		}
	case timeline.MutationReset:
		v.SetOffset(bottom(v))
		r.newContent = false
	}
	if r.newContent && r.atBottom(v) {
		r.newContent = false
	}
	return Outcome{
		Offset:     v.Offset(),
		Scrolled:   v.Offset() != anchor.Offset,
		NewContent: r.newContent,
	}
}

// Observe clears the new-content flag once the user has scrolled to the bottom.
func (r *Reconciler) Observe(v Viewport) {
	if r.newContent && r.atBottom(v) {
		r.newContent = false
	}
}

func (r *Reconciler) HasNewContent() bool { return r.newContent }

func (r *Reconciler) Acknowledge() { r.newContent = false }

func (r *Reconciler) atBottom(v Viewport) bool {
	return v.Extent()-(v.Offset()+v.Height()) <= r.Threshold
}

func bottom(v Viewport) int {
	return max(v.Extent()-v.Height(), 0)
}

func clamp(offset int, v Viewport) int {
	return min(max(offset, 0), bottom(v))
}

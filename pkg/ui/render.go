package ui

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
	"github.com/go-go-golems/chatsync/pkg/timeline"
)

const DefaultMarkdownStyle = "dark"

// Renderer turns a snapshot into viewport content. Finalized agent messages
// are rendered as markdown once per width and cached by id.
type Renderer struct {
	style string
	width int
	term  *glamour.TermRenderer
	cache map[string]string

	// starts maps message ids to their first line in the last Render output.
	starts map[string]int
}

func NewRenderer(style string) *Renderer {
	if style == "" {
		style = DefaultMarkdownStyle
	}
	return &Renderer{style: style, cache: map[string]string{}, starts: map[string]int{}}
}

func (r *Renderer) SetWidth(width int) {
	if width == r.width && r.term != nil {
		return
	}
	r.width = width
	r.cache = map[string]string{}
	wrap := max(width-4, 20)
	term, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(r.style),
		glamour.WithWordWrap(wrap),
	)
	if err != nil {
		log.Warn().Err(err).Str("component", "ui").Str("style", r.style).Msg("markdown renderer unavailable")
		r.term = nil
		return
	}
	r.term = term
}

func (r *Renderer) markdown(id, content string) string {
	if cached, ok := r.cache[id]; ok {
		return cached
	}
	out := content
	if r.term != nil {
		rendered, err := r.term.Render(content)
		if err != nil {
			log.Debug().Err(err).Str("component", "ui").Str("message_id", id).Msg("markdown render failed")
		} else {
			out = strings.Trim(rendered, "\n")
		}
	}
	r.cache[id] = out
	return out
}

// Render lays out the whole timeline, oldest first.
func (r *Renderer) Render(snap chatsync.Snapshot) string {
	var b strings.Builder
	line := 0
	write := func(s string) {
		b.WriteString(s)
		line += strings.Count(s, "\n")
	}
	r.starts = make(map[string]int, len(snap.Messages))

	switch {
	case snap.LoadingHistory:
		write(hintStyle.Render("loading earlier messages…") + "\n\n")
	case snap.HasMoreHistory:
		write(hintStyle.Render("ctrl+l: load earlier messages") + "\n\n")
	}
	if len(snap.Messages) == 0 && snap.Partial == nil {
		write(hintStyle.Render("no messages yet"))
		return b.String()
	}
	for i, msg := range snap.Messages {
		if i > 0 {
			write("\n\n")
		}
		r.starts[msg.ID] = line
		write(r.message(msg))
	}
	if snap.Partial != nil {
		if len(snap.Messages) > 0 {
			write("\n\n")
		}
		write(agentStyle.Render("Agent") + " " + typingStyle.Render("typing…"))
		if snap.Partial.Content != "" {
			write("\n" + messageStyle.Width(r.width).Render(snap.Partial.Content))
		}
	}
	return b.String()
}

// LineOf returns the first line of message id in the last rendered output.
func (r *Renderer) LineOf(id string) (int, bool) {
	line, ok := r.starts[id]
	return line, ok
}

func (r *Renderer) message(msg timeline.Message) string {
	stamp := timeStyle.Render(msg.CreatedAt.Local().Format("15:04"))
	switch {
	case msg.Sender == timeline.SenderSelf:
		return selfStyle.Render("You") + " " + stamp + "\n" + messageStyle.Width(r.width).Render(msg.Content)
	case msg.IsError:
		return agentStyle.Render("Agent") + " " + stamp + "\n" + errorStyle.Render(msg.Content)
	default:
		return agentStyle.Render("Agent") + " " + stamp + "\n" + r.markdown(msg.ID, msg.Content)
	}
}

// Package ui is the terminal front end: a bubbletea program that renders the
// engine snapshot and keeps the reading position stable as history and
// replies arrive.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
	"github.com/go-go-golems/chatsync/pkg/scroll"
	"github.com/go-go-golems/chatsync/pkg/timeline"
)

// Controller is the engine surface the UI drives.
type Controller interface {
	SendMessage(content string) error
	LoadMoreHistory() error
	EndSession() error
	Snapshot() chatsync.Snapshot
}

var _ Controller = &chatsync.Engine{}

type updateMsg chatsync.Update

type updatesClosedMsg struct{}

type commandDoneMsg struct {
	op  string
	err error
}

// header, new-content line, status/error line, input
const chromeLines = 4

type Model struct {
	ctrl    Controller
	updates <-chan chatsync.Update

	viewport   viewport.Model
	input      textinput.Model
	reconciler *scroll.Reconciler
	renderer   *Renderer

	snap     chatsync.Snapshot
	rendered uint64
	width    int
	notice   string
	closed   bool
}

type Option func(*Model)

func WithMarkdownStyle(style string) Option {
	return func(m *Model) { m.renderer = NewRenderer(style) }
}

func WithScrollThreshold(lines int) Option {
	return func(m *Model) { m.reconciler = scroll.NewReconciler(lines) }
}

func NewModel(ctrl Controller, updates <-chan chatsync.Update, opts ...Option) Model {
	in := textinput.New()
	in.Placeholder = "Type a message and press enter"
	in.Prompt = "› "
	in.CharLimit = 4000
	in.Focus()

	vp := viewport.New(80, 20)
	vp.Style = lipgloss.NewStyle()

	m := Model{
		ctrl:       ctrl,
		updates:    updates,
		viewport:   vp,
		input:      in,
		reconciler: scroll.NewReconciler(scroll.DefaultThreshold),
		renderer:   NewRenderer(""),
		width:      80,
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.renderer.SetWidth(m.width)
	return m
}

func waitForUpdate(ch <-chan chatsync.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return updatesClosedMsg{}
		}
		return updateMsg(u)
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, func() tea.Msg {
		return updateMsg(chatsync.Update{Mutations: []timeline.Mutation{{Kind: timeline.MutationReset}}})
	}}
	if m.updates != nil {
		cmds = append(cmds, waitForUpdate(m.updates))
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch ev := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = ev.Width
		m.viewport.Width = ev.Width
		m.viewport.Height = max(ev.Height-chromeLines, 1)
		m.input.Width = max(ev.Width-4, 10)
		m.renderer.SetWidth(ev.Width)
		m.refresh([]timeline.Mutation{{Kind: timeline.MutationReset}})
		return m, nil

	case updateMsg:
		m.apply(chatsync.Update(ev))
		if m.updates == nil {
			return m, nil
		}
		return m, waitForUpdate(m.updates)

	case updatesClosedMsg:
		m.closed = true
		return m, nil

	case commandDoneMsg:
		m.notice = ""
		if ev.err != nil {
			m.notice = ev.op + ": " + ev.err.Error()
		}
		m.refresh(nil)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(ev)

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		m.reconciler.Observe(viewportAdapter{vp: &m.viewport})
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "ctrl+c", "esc":
		return m, tea.Quit
	case "enter":
		content := m.input.Value()
		if strings.TrimSpace(content) == "" {
			return m, nil
		}
		m.input.Reset()
		ctrl := m.ctrl
		return m, func() tea.Msg {
			return commandDoneMsg{op: "send", err: ctrl.SendMessage(content)}
		}
	case "ctrl+l":
		ctrl := m.ctrl
		return m, func() tea.Msg {
			return commandDoneMsg{op: "load history", err: ctrl.LoadMoreHistory()}
		}
	case "ctrl+e":
		ctrl := m.ctrl
		return m, func() tea.Msg {
			return commandDoneMsg{op: "end session", err: ctrl.EndSession()}
		}
	case "end":
		m.viewport.GotoBottom()
		m.reconciler.Acknowledge()
		return m, nil
	case "home":
		m.viewport.GotoTop()
		return m, nil
	case "pgup", "pgdown", "up", "down":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(k)
		m.reconciler.Observe(viewportAdapter{vp: &m.viewport})
		return m, cmd
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(k)
	return m, cmd
}

// apply renders the latest snapshot for u. The snapshot may already cover
// newer updates; refresh derives their mutations from the snapshot diff, and
// updates an earlier render covered are skipped.
func (m *Model) apply(u chatsync.Update) {
	if u.Version != 0 && u.Version <= m.rendered {
		return
	}
	muts := append([]timeline.Mutation(nil), u.Mutations...)
	if u.Typing {
		muts = append(muts, timeline.Mutation{Kind: timeline.MutationTyping})
	}
	m.refresh(muts)
}

// pin is the message at the top of the viewport and how far into it the view starts.
type pin struct {
	id     string
	within int
}

func (m *Model) refresh(muts []timeline.Mutation) {
	vp := viewportAdapter{vp: &m.viewport}
	anchor := m.reconciler.Capture(vp)
	top, pinned := m.firstVisible()
	prev := m.snap

	m.snap = m.ctrl.Snapshot()
	m.rendered = m.snap.Version
	m.viewport.SetContent(m.renderer.Render(m.snap))

	muts = append(muts, changes(prev, m.snap)...)
	reset := false
	for _, mut := range muts {
		if mut.Kind == timeline.MutationReset {
			reset = true
		}
		m.reconciler.Reconcile(vp, anchor, mut)
	}
	if reset || anchor.AtBottom || !pinned {
		return
	}
	// away from the bottom the first visible message stays put, whatever
	// landed above or below it
	if line, ok := m.renderer.LineOf(top.id); ok {
		m.viewport.SetYOffset(line + top.within)
		m.reconciler.Observe(vp)
	}
}

func (m *Model) firstVisible() (pin, bool) {
	offset := m.viewport.YOffset
	var (
		top   pin
		found bool
	)
	for _, msg := range m.snap.Messages {
		line, ok := m.renderer.LineOf(msg.ID)
		if !ok {
			continue
		}
		if found && line > offset {
			break
		}
		top, found = pin{id: msg.ID, within: offset - line}, true
	}
	return top, found
}

// changes derives the mutations between two rendered snapshots.
func changes(prev, next chatsync.Snapshot) []timeline.Mutation {
	if prev.SessionID != next.SessionID {
		return []timeline.Mutation{{Kind: timeline.MutationReset}}
	}
	var out []timeline.Mutation
	if len(prev.Messages) == 0 {
		if len(next.Messages) > 0 {
			out = append(out, timeline.Mutation{Kind: timeline.MutationAppend, Added: len(next.Messages)})
		}
	} else {
		if i := indexOf(next.Messages, prev.Messages[0].ID); i > 0 {
			out = append(out, timeline.Mutation{Kind: timeline.MutationPrepend, Added: i})
		}
		last := len(next.Messages) - 1
		if i := indexOf(next.Messages, prev.Messages[len(prev.Messages)-1].ID); i >= 0 && i < last {
			out = append(out, timeline.Mutation{Kind: timeline.MutationAppend, Added: last - i})
		}
	}
	if typingChanged(prev, next) {
		out = append(out, timeline.Mutation{Kind: timeline.MutationTyping})
	}
	return out
}

func indexOf(msgs []timeline.Message, id string) int {
	for i, msg := range msgs {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

func typingChanged(prev, next chatsync.Snapshot) bool {
	if prev.Partial == nil || next.Partial == nil {
		return (prev.Partial == nil) != (next.Partial == nil)
	}
	return prev.Partial.Content != next.Partial.Content
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	if m.reconciler.HasNewContent() {
		b.WriteString(noticeStyle.Render(" new messages ↓ ") + " " + hintStyle.Render("end: jump to latest"))
	}
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

func (m Model) header() string {
	session := m.snap.SessionID
	if session == "" {
		session = "no session"
	}
	return headerStyle.Render("chatsync") + " " +
		statusStyle.Render(fmt.Sprintf("%s · %s · %d messages", m.snap.Connection, session, len(m.snap.Messages)))
}

func (m Model) statusLine() string {
	switch {
	case m.snap.LastError != "":
		return errorStyle.Render(m.snap.LastError)
	case m.notice != "":
		return errorStyle.Render(m.notice)
	case m.closed:
		return statusStyle.Render("engine stopped")
	case m.snap.Partial != nil:
		return typingStyle.Render("agent is typing…")
	case !m.snap.CanSend:
		return statusStyle.Render("waiting for connection and session…")
	default:
		return statusStyle.Render("enter: send · ctrl+l: older · ctrl+e: end session · ctrl+c: quit")
	}
}

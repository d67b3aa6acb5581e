package ui

import (
	"fmt"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
	"github.com/go-go-golems/chatsync/pkg/protocol"
	"github.com/go-go-golems/chatsync/pkg/timeline"
)

type fakeController struct {
	mu      sync.Mutex
	snap    chatsync.Snapshot
	sent    []string
	loads   int
	ends    int
	sendErr error
}

func (f *fakeController) SendMessage(content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	return f.sendErr
}

func (f *fakeController) LoadMoreHistory() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return nil
}

func (f *fakeController) EndSession() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	return nil
}

func (f *fakeController) Snapshot() chatsync.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.snap
	snap.Messages = append([]timeline.Message(nil), f.snap.Messages...)
	return snap
}

func (f *fakeController) set(fn func(s *chatsync.Snapshot)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.snap)
	f.snap.Version++
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func messages(n int) []timeline.Message {
	out := make([]timeline.Message, 0, n)
	for i := range n {
		sender := timeline.SenderSelf
		if i%2 == 1 {
			sender = timeline.SenderAgent
		}
		out = append(out, timeline.Message{
			ID:        fmt.Sprintf("m%02d", i),
			Content:   fmt.Sprintf("message number %d", i),
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
			Sender:    sender,
		})
	}
	return out
}

func newTestModel(ctrl *fakeController) Model {
	m := NewModel(ctrl, nil, WithMarkdownStyle("notty"))
	next, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 14})
	return next.(Model)
}

func step(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out, cmd
}

func TestModelRendersConversation(t *testing.T) {
	ctrl := &fakeController{}
	ctrl.set(func(s *chatsync.Snapshot) {
		s.Connection = protocol.StateConnected
		s.SessionID = "s-1"
		s.CanSend = true
		s.Messages = []timeline.Message{
			{ID: "a", Content: "Hello", CreatedAt: t0, Sender: timeline.SenderSelf},
			{ID: "b", Content: "Hi there", CreatedAt: t0.Add(time.Second), Sender: timeline.SenderAgent},
		}
		s.Partial = &timeline.Message{ID: "p", Content: "still wri", Sender: timeline.SenderAgent}
	})
	m := newTestModel(ctrl)
	m, _ = step(t, m, updateMsg{Version: ctrl.Snapshot().Version, Typing: true})

	view := m.View()
	require.Contains(t, view, "Hello")
	require.Contains(t, view, "Hi there")
	require.Contains(t, view, "still wri")
	require.Contains(t, view, "agent is typing")
	require.Contains(t, view, "s-1")
}

func TestModelKeysDriveController(t *testing.T) {
	ctrl := &fakeController{}
	m := newTestModel(ctrl)

	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("Hello")})
	m, cmd := step(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	require.Empty(t, m.input.Value())
	done := cmd()
	require.Equal(t, []string{"Hello"}, ctrl.sent)

	m, _ = step(t, m, done)
	require.NotContains(t, m.View(), "send:")

	_, cmd = step(t, m, tea.KeyMsg{Type: tea.KeyCtrlL})
	cmd()
	_, cmd = step(t, m, tea.KeyMsg{Type: tea.KeyCtrlE})
	cmd()
	require.Equal(t, 1, ctrl.loads)
	require.Equal(t, 1, ctrl.ends)

	_, cmd = step(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.Nil(t, cmd, "blank input sends nothing")
}

func TestModelShowsCommandErrors(t *testing.T) {
	ctrl := &fakeController{sendErr: errors.New("not connected")}
	m := newTestModel(ctrl)
	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("hi")})
	_, cmd := step(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	m, _ = step(t, m, cmd())
	require.Contains(t, m.View(), "send: not connected")
}

func TestModelFollowsBottomAndFlagsNewContent(t *testing.T) {
	ctrl := &fakeController{}
	ctrl.set(func(s *chatsync.Snapshot) { s.Messages = messages(30) })
	m := newTestModel(ctrl)
	m, _ = step(t, m, updateMsg{Version: ctrl.Snapshot().Version, Mutations: []timeline.Mutation{{Kind: timeline.MutationReset}}})
	require.True(t, m.viewport.AtBottom())

	// at the bottom, an append keeps following
	ctrl.set(func(s *chatsync.Snapshot) { s.Messages = messages(31) })
	m, _ = step(t, m, updateMsg{Version: ctrl.Snapshot().Version, Mutations: []timeline.Mutation{{Kind: timeline.MutationAppend, Added: 1}}})
	require.True(t, m.viewport.AtBottom())
	require.NotContains(t, m.View(), "new messages")

	// scrolled away, an append raises the indicator instead
	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyPgUp})
	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyPgUp})
	offset := m.viewport.YOffset
	ctrl.set(func(s *chatsync.Snapshot) { s.Messages = messages(32) })
	m, _ = step(t, m, updateMsg{Version: ctrl.Snapshot().Version, Mutations: []timeline.Mutation{{Kind: timeline.MutationAppend, Added: 1}}})
	require.Equal(t, offset, m.viewport.YOffset)
	require.Contains(t, m.View(), "new messages ↓")

	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyEnd})
	require.True(t, m.viewport.AtBottom())
	require.NotContains(t, m.View(), "new messages")
}

func TestModelKeepsPositionWhenHistoryIsPrepended(t *testing.T) {
	ctrl := &fakeController{}
	all := messages(40)
	ctrl.set(func(s *chatsync.Snapshot) { s.Messages = all[20:] })
	m := newTestModel(ctrl)
	m, _ = step(t, m, updateMsg{Version: ctrl.Snapshot().Version, Mutations: []timeline.Mutation{{Kind: timeline.MutationReset}}})
	m.viewport.SetYOffset(6)
	before := m.viewport.TotalLineCount()

	ctrl.set(func(s *chatsync.Snapshot) { s.Messages = all })
	m, _ = step(t, m, updateMsg{Version: ctrl.Snapshot().Version, Mutations: []timeline.Mutation{{Kind: timeline.MutationPrepend, Added: 20}}})
	grown := m.viewport.TotalLineCount() - before
	require.Positive(t, grown)
	require.Equal(t, 6+grown, m.viewport.YOffset)
}

func TestModelKeepsPositionWhenPrependIsFoldedIntoEarlierUpdate(t *testing.T) {
	ctrl := &fakeController{}
	all := messages(40)
	ctrl.set(func(s *chatsync.Snapshot) { s.Messages = all[20:] })
	m := newTestModel(ctrl)
	m.viewport.SetYOffset(6)
	before := m.viewport.TotalLineCount()

	// the typing update is still queued when the prepend lands
	ctrl.set(func(s *chatsync.Snapshot) {})
	typing := ctrl.Snapshot().Version
	ctrl.set(func(s *chatsync.Snapshot) { s.Messages = all })

	m, _ = step(t, m, updateMsg{Version: typing, Typing: true})
	grown := m.viewport.TotalLineCount() - before
	require.Positive(t, grown)
	require.Equal(t, 6+grown, m.viewport.YOffset)

	m, _ = step(t, m, updateMsg{Version: typing + 1, Mutations: []timeline.Mutation{{Kind: timeline.MutationPrepend, Added: 20}}})
	require.Equal(t, 6+grown, m.viewport.YOffset)
	line, ok := m.renderer.LineOf("m22")
	require.True(t, ok)
	require.Equal(t, line, m.viewport.YOffset)
}

func TestModelFlagsAppendFoldedIntoEarlierUpdate(t *testing.T) {
	ctrl := &fakeController{}
	ctrl.set(func(s *chatsync.Snapshot) { s.Messages = messages(30) })
	m := newTestModel(ctrl)
	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyPgUp})
	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyPgUp})
	offset := m.viewport.YOffset

	// an error-slot update is queued when the reply is appended
	ctrl.set(func(s *chatsync.Snapshot) { s.LastError = "Connection error: reset" })
	errored := ctrl.Snapshot().Version
	ctrl.set(func(s *chatsync.Snapshot) { s.Messages = messages(31) })

	m, _ = step(t, m, updateMsg{Version: errored})
	require.Equal(t, offset, m.viewport.YOffset)
	require.Contains(t, m.View(), "new messages ↓")
}

func TestModelSkipsUpdatesAlreadyRendered(t *testing.T) {
	ctrl := &fakeController{}
	ctrl.set(func(s *chatsync.Snapshot) { s.Messages = messages(2) })
	m := newTestModel(ctrl)
	rendered := m.rendered

	ctrl.set(func(s *chatsync.Snapshot) { s.Messages = messages(3) })
	m, _ = step(t, m, updateMsg{Version: rendered})
	require.Equal(t, rendered, m.rendered)

	m, _ = step(t, m, updatesClosedMsg{})
	require.Contains(t, m.View(), "engine stopped")
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
	"github.com/go-go-golems/chatsync/pkg/timeline"
)

var (
	selfLabel   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	agentLabel  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("118"))
	systemLabel = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("244"))
	errorLabel  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Chat line by line on stdin/stdout",
		Long: `Chat line by line. Commands:
  :more   load earlier messages
  :end    end the session and start a new one
  :q      quit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLineMode(cmd.Context(), os.Stdin, cmd.OutOrStdout())
		},
	}
}

func runLineMode(parent context.Context, in io.Reader, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	updates, err := a.subscribe(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	styled := false
	if f, ok := out.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd())
	}
	p := &linePrinter{out: out, styled: styled, printed: map[string]bool{}}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	eg, groupCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return waitForSignal(groupCtx, cancel) })
	eg.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case u, ok := <-updates:
				if !ok {
					return nil
				}
				p.update(u, a.engine.Snapshot())
			}
		}
	})
	eg.Go(func() error {
		defer cancel()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := handleLine(a.engine, strings.TrimSpace(line), p); quit {
					return nil
				}
			}
		}
	})
	return eg.Wait()
}

func handleLine(e *chatsync.Engine, line string, p *linePrinter) bool {
	var err error
	switch line {
	case "":
		return false
	case ":q", ":quit", ":exit":
		return true
	case ":more":
		err = e.LoadMoreHistory()
	case ":end":
		err = e.EndSession()
	default:
		err = e.SendMessage(line)
	}
	if err != nil {
		log.Debug().Err(err).Str("component", "cli").Msg("command rejected")
		p.error(err.Error())
	}
	return false
}

// linePrinter prints each finalized message once, in the order it reaches
// the timeline.
type linePrinter struct {
	mu        sync.Mutex
	out       io.Writer
	styled    bool
	printed   map[string]bool
	session   string
	lastError string
	typing    bool
}

func (p *linePrinter) render(style lipgloss.Style, s string) string {
	if !p.styled {
		return s
	}
	return style.Render(s)
}

func (p *linePrinter) update(u chatsync.Update, snap chatsync.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range u.Mutations {
		if m.Kind == timeline.MutationReset {
			p.printed = map[string]bool{}
		}
	}
	if snap.SessionID != p.session {
		p.session = snap.SessionID
		if p.session != "" {
			fmt.Fprintln(p.out, p.render(systemLabel, "── session "+p.session+" ──"))
		}
	}
	for _, msg := range snap.Messages {
		if p.printed[msg.ID] {
			continue
		}
		p.printed[msg.ID] = true
		p.message(msg)
	}
	typing := snap.Partial != nil
	if typing && !p.typing {
		fmt.Fprintln(p.out, p.render(systemLabel, "agent is typing…"))
	}
	p.typing = typing
	if snap.LastError != "" && snap.LastError != p.lastError {
		fmt.Fprintln(p.out, p.render(errorLabel, "! "+snap.LastError))
	}
	p.lastError = snap.LastError
}

func (p *linePrinter) message(msg timeline.Message) {
	stamp := msg.CreatedAt.Local().Format("15:04")
	switch {
	case msg.Sender == timeline.SenderSelf:
		fmt.Fprintf(p.out, "%s %s %s\n", stamp, p.render(selfLabel, "you:"), msg.Content)
	case msg.IsError:
		fmt.Fprintf(p.out, "%s %s %s\n", stamp, p.render(errorLabel, "agent error:"), msg.Content)
	default:
		fmt.Fprintf(p.out, "%s %s %s\n", stamp, p.render(agentLabel, "agent:"), msg.Content)
	}
}

// error prints a rejected command. Rejections also land in the error slot, so
// the text is remembered to keep the next update from repeating it.
func (p *linePrinter) error(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if text == p.lastError {
		return
	}
	fmt.Fprintln(p.out, p.render(errorLabel, "! "+text))
	p.lastError = text
}

package main

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsync/pkg/ui"
)

func newTUICommand() *cobra.Command {
	var (
		style     string
		altScreen bool
	)
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Chat in a full-screen terminal UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
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

			opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithMouseCellMotion()}
			if altScreen {
				opts = append(opts, tea.WithAltScreen())
			}
			program := tea.NewProgram(ui.NewModel(a.engine, updates, ui.WithMarkdownStyle(style)), opts...)

			eg, groupCtx := errgroup.WithContext(ctx)
			eg.Go(func() error { return waitForSignal(groupCtx, cancel) })
			eg.Go(func() error {
				defer cancel()
				_, err := program.Run()
				if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
					return nil
				}
				return err
			})
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&style, "style", ui.DefaultMarkdownStyle, "markdown style for agent replies (dark, light, notty)")
	cmd.Flags().BoolVar(&altScreen, "alt-screen", true, "use the alternate screen buffer")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newTranscriptCommand() *cobra.Command {
	var (
		limit int
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "transcript [SESSION_ID]",
		Short: "Print cached transcripts, or list cached sessions without an id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Store.Path == "" {
				return errors.New("transcript needs a SQLite cache: set --store or store.path")
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			w := cmd.OutOrStdout()

			if len(args) == 0 {
				var sinceMs int64
				if since > 0 {
					sinceMs = time.Now().Add(-since).UnixMilli()
				}
				records, err := store.ListSessions(ctx, limit, sinceMs)
				if err != nil {
					return err
				}
				for _, r := range records {
					fmt.Fprintf(w, "%s  %-6s  %4d messages  last activity %s\n",
						r.SessionID, r.Status, r.MessageCount,
						time.UnixMilli(r.LastActivityMs).Local().Format("2006-01-02 15:04"))
				}
				return nil
			}

			record, ok, err := store.GetSession(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return errors.Errorf("session %s is not in the cache", args[0])
			}
			fmt.Fprintf(w, "session %s (%s, user %s)\n", record.SessionID, record.Status, record.UserID)
			msgs, err := store.GetMessages(ctx, args[0], limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(w, m)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions or messages to print, 0 for all")
	cmd.Flags().DurationVar(&since, "since", 0, "only list sessions active within this window")
	return cmd
}

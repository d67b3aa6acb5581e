package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/history"
	"github.com/go-go-golems/chatsync/pkg/identity"
	"github.com/go-go-golems/chatsync/pkg/timeline"
)

func newHistoryCommand() *cobra.Command {
	var (
		userID string
		page   int
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history SESSION_ID",
		Short: "Fetch one page of a session's history from the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return errors.Wrap(err, "invalid config")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if userID == "" {
				resolver := identity.NewClient(cfg.APIBaseURL, cfg.Token, cfg.Identity.Timeout.Std())
				id, err := identity.ResolveWithRetry(ctx, resolver, cfg.Identity.Attempts, cfg.Identity.Backoff.Std())
				if err != nil {
					return err
				}
				userID = id
			}
			if limit <= 0 {
				limit = cfg.History.BatchSize
			}
			client := history.NewClient(cfg.APIBaseURL, history.WithTimeout(cfg.History.Timeout.Std()), history.WithAuthToken(cfg.Token))
			p, err := client.FetchPage(ctx, history.PageRequest{SessionID: args[0], UserID: userID, Page: page, Limit: limit})
			if err != nil {
				return err
			}
			return printPage(cmd.OutOrStdout(), p, page, asJSON)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (default: resolved from the identity endpoint)")
	cmd.Flags().IntVar(&page, "page", 1, "page number, 1 is the newest")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (default: history.batch_size)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printPage(w io.Writer, p history.Page, page int, asJSON bool) error {
	msgs := history.Chronological(p.Messages)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Page       int                `json:"page"`
			Pagination history.Pagination `json:"pagination"`
			Messages   []timeline.Message `json:"messages"`
		}{page, p.Pagination, msgs})
	}
	fmt.Fprintf(w, "page %d of %d (%d messages total)\n", page, p.Pagination.Pages, p.Pagination.Total)
	for _, m := range msgs {
		printMessage(w, m)
	}
	return nil
}

func printMessage(w io.Writer, m timeline.Message) {
	who := "agent"
	if m.Sender == timeline.SenderSelf {
		who = "you"
	}
	fmt.Fprintf(w, "%s  %-5s  %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04:05"), who, m.Content)
}

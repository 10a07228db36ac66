package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cart-inception/Yohan-Interface/internal/domain"
	"github.com/cart-inception/Yohan-Interface/internal/store"
)

const historyTimeFormat = "2006-01-02 15:04:05"

func newHistoryCmd() *cobra.Command {
	var (
		dbPath string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history <sessionID>",
		Short: "Print the stored messages of a chat session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				cfg, _, err := loadConfig()
				if err != nil {
					return err
				}
				dbPath = cfg.DBPath
			}
			return printHistory(cmd.Context(), cmd.OutOrStdout(), dbPath, args[0], limit)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "database path (defaults to DB_PATH)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of most recent messages to print")
	return cmd
}

func printHistory(ctx context.Context, w io.Writer, dbPath, sessionID string, limit int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		return err
	}
	defer repo.Close()

	session, err := repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}

	msgs, err := repo.LoadRecentMessages(ctx, sessionID, limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s (user %s, %d messages)\n", titleOf(session), session.UserID, len(msgs))
	for _, m := range msgs {
		fmt.Fprintf(w, "[%s] %s: %s\n", m.Timestamp.UTC().Format(historyTimeFormat), m.Role, m.Content)
	}
	return nil
}

func titleOf(s *domain.ChatSession) string {
	if s.Title != "" {
		return s.Title
	}
	return s.SessionID
}

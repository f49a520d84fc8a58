package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ihiteshgupta/update-agent/internal/store"
)

func newStatusCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted agent state and recent transitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.StorePath); err != nil {
				return fmt.Errorf("no agent state at %s: %w", cfg.StorePath, err)
			}

			storeDB, err := store.NewSQLiteStore(cfg.StorePath)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer storeDB.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return printStatus(ctx, cmd.OutOrStdout(), storeDB, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of transitions to show")
	return cmd
}

func printStatus(ctx context.Context, w io.Writer, s *store.SQLiteStore, limit int) error {
	snap, err := s.State.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read agent state: %w", err)
	}

	token := "no"
	if _, err := s.Credentials.Token(ctx); err == nil {
		token = "yes"
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to read credentials: %w", err)
	}

	lastUpdate := "never"
	if !snap.LastUpdate.IsZero() {
		lastUpdate = fmt.Sprintf("%s (%s)", humanize.Time(snap.LastUpdate), snap.LastUpdate.Local().Format("2006-01-02 15:04:05"))
	}

	fmt.Fprintf(w, "State:        %s\n", snap.State)
	fmt.Fprintf(w, "Token stored: %s\n", token)
	fmt.Fprintf(w, "Last check:   %s\n", lastUpdate)

	history, err := s.State.GetTransitionHistory(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to read transitions: %w", err)
	}
	if len(history) == 0 {
		return nil
	}

	fmt.Fprintf(w, "\nRecent transitions:\n")
	for _, t := range history {
		trigger := t.Trigger
		if t.Error != "" {
			trigger = fmt.Sprintf("%s (%s)", t.Trigger, t.Error)
		}
		fmt.Fprintf(w, "  %-14s %-12s -> %-12s %s\n", humanize.Time(t.Timestamp), t.FromState, t.ToState, trigger)
	}
	return nil
}

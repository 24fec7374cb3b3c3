package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/wkin-t/dingtalk-ai-bot/internal/config"
	"github.com/wkin-t/dingtalk-ai-bot/internal/sessions"
	"github.com/wkin-t/dingtalk-ai-bot/internal/store"
)

const previewWidth = 72

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and maintain stored conversation history",
	}
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsClearCmd())
	cmd.AddCommand(sessionsSweepCmd())
	return cmd
}

// withStore opens the configured session store for a one-shot command.
func withStore(fn func(ctx context.Context, s store.SessionStore) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := openStore(cfg.Sessions)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, s)
}

func validKey(key string) error {
	if _, _, ok := sessions.ParseSessionKey(key); !ok {
		return fmt.Errorf("invalid session key %q (want dingtalk:... or wecom:...)", key)
	}
	return nil
}

func sessionsShowCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Print the retained history of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if err := validKey(key); err != nil {
				return err
			}
			return withStore(func(ctx context.Context, s store.SessionStore) error {
				entries, err := s.History(ctx, key)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintf(os.Stderr, "session %s is empty or expired\n", key)
					return nil
				}
				for _, e := range entries {
					content := e.Content
					if !full {
						content = runewidth.Truncate(content, previewWidth, "…")
					}
					fmt.Printf("%s  %-9s  %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Role, content)
				}
				fmt.Printf("\n%d entries\n", len(entries))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "print entries without truncation")
	return cmd
}

func sessionsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <key>",
		Short: "Delete a session's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if err := validKey(key); err != nil {
				return err
			}
			return withStore(func(ctx context.Context, s store.SessionStore) error {
				if err := s.Clear(ctx, key); err != nil {
					return err
				}
				fmt.Printf("cleared %s\n", key)
				return nil
			})
		},
	}
}

func sessionsSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete every expired session now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, s store.SessionStore) error {
				n, err := s.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("swept %d expired sessions\n", n)
				return nil
			})
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lengolf/inbox/internal/config"
	"github.com/lengolf/inbox/internal/inbox"
	"github.com/lengolf/inbox/internal/logger"
	"github.com/lengolf/inbox/internal/poller"
)

// newWatchCmd tails a running inbox through the delta endpoint, the same way
// the staff UI keeps its list fresh.
func newWatchCmd() *cobra.Command {
	var (
		baseURL  string
		token    string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print conversation changes from a running inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if token == "" {
				token = os.Getenv("INBOX_TOKEN")
			}
			if interval <= 0 {
				interval = cfg.Poller.IntervalDuration()
			}
			log := logger.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)

			source := poller.NewHTTPSource(&http.Client{Timeout: 10 * time.Second}, baseURL, token)
			p := poller.New(log, source, interval)
			out := cmd.OutOrStdout()
			p.OnChange(func(changed []inbox.Conversation) {
				for _, c := range changed {
					state := "active"
					if !c.IsActive {
						state = "closed"
					}
					fmt.Fprintf(out, "%s  %-9s %-24s unread=%-3d %-6s %s\n",
						c.UpdatedAt.Local().Format("15:04:05"), c.Channel, c.ChannelUserID, c.UnreadCount, state, c.LastMessageText)
				}
				fmt.Fprintf(out, "-- %d unread across %d conversations\n", p.UnreadTotal(), len(p.View()))
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			p.SetActive(true)
			if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080", "base URL of the inbox server")
	cmd.Flags().StringVar(&token, "token", "", "staff API token (default $INBOX_TOKEN)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default poller.interval)")
	return cmd
}

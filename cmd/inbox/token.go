package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lengolf/inbox/internal/auth"
	"github.com/lengolf/inbox/internal/config"
)

// newTokenCmd mints a staff token signed with the configured secret. Staff
// sign-in lives in the back-office; this is for operators and scripts.
func newTokenCmd() *cobra.Command {
	var (
		staffID string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a staff API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if ttl <= 0 {
				ttl = cfg.Auth.ExpiresIn()
			}
			token, expiresAt, err := auth.GenerateToken(staffID, cfg.Auth.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&staffID, "staff-id", "", "staff member the token acts as")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.jwt_expires_in)")
	_ = cmd.MarkFlagRequired("staff-id")
	return cmd
}

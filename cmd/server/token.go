package main

import (
	"fmt"
	"time"

	"infinite-experiment/warden/internal/auth"

	"github.com/spf13/cobra"
)

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the admin API",
		Long: `Issue an HS256 token signed with ADMIN_JWT_SECRET.

Example:
  warden token --subject ops --ttl 24h
  warden token --subject dashboard --role viewer`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.IssueToken(opts.cfg.AdminJWTSecret, subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "who the token is issued to (required)")
	cmd.Flags().StringVar(&role, "role", auth.RoleAdmin, "role claim; only admin may trigger jobs")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

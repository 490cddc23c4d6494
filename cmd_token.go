package main

import (
	"fmt"
	"time"

	"smart_bays/internal/api/middleware"
	"smart_bays/internal/config"

	"github.com/spf13/cobra"
)

// The account service issues end-user tokens; this command is for operators
// and local testing.
func newTokenCommand(cfg func() *config.Config) *cobra.Command {
	var (
		user string
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for a user id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != middleware.RoleUser && role != middleware.RoleAdmin {
				return fmt.Errorf("token: role must be %q or %q", middleware.RoleUser, middleware.RoleAdmin)
			}
			tok, err := middleware.NewAuthMiddleware(cfg().JWTSecret).IssueToken(user, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&role, "role", middleware.RoleUser, "user or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

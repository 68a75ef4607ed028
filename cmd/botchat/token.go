package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/botchat/internal/auth"
	"github.com/xiaot623/botchat/internal/config"
	"github.com/xiaot623/botchat/internal/domain"
)

var (
	tokenUser   string
	tokenTenant string
	tokenRole   string
	tokenTTL    time.Duration

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue a signed token with JWT_SECRET",
		Long:  `Prints an HS256 token for local testing of verified and admin connections.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			v := auth.NewVerifier(cfg.JWTSecret, cfg.ElevatedRoles)
			token, err := v.Issue(domain.Identity{UserID: tokenUser, TenantID: tokenTenant, Role: tokenRole}, tokenTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
)

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "Subject (user id)")
	tokenCmd.Flags().StringVar(&tokenTenant, "tenant", "", "Tenant id")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "Role, e.g. admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wealthdesk/ledger/internal/api"
	"github.com/wealthdesk/ledger/internal/config"
	"github.com/wealthdesk/ledger/internal/model"
)

func newTokenCmd() *cobra.Command {
	var (
		id   int64
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed bearer token for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id <= 0 {
				return fmt.Errorf("--id must be positive")
			}
			r := model.Role(role)
			if r != model.RoleClient && r != model.RoleAdvisor {
				return fmt.Errorf("--role must be %q or %q", model.RoleClient, model.RoleAdvisor)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok, err := api.NewAuthenticator(cfg.JWTSecret).IssueToken(model.Actor{ID: id, Role: r}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "client or advisor id (token subject)")
	cmd.Flags().StringVar(&role, "role", string(model.RoleClient), "client or advisor")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

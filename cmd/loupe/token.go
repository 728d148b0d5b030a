package main

import (
	"errors"
	"fmt"

	"github.com/lirancohen/loupe/approval"
	"github.com/lirancohen/loupe/httpapi"
	"github.com/spf13/cobra"
)

// newTokenCmd mints API tokens for local use and testing. Production tokens
// come from the CRM's identity service, signed with the same secret.
func newTokenCmd(g *globals) *cobra.Command {
	var actor approval.Actor
	var role string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if cfg.HTTP.JWTSecret == "" {
				return errors.New("http.jwt_secret is required")
			}
			r, ok := approval.ParseRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			actor.Role = r

			token, err := httpapi.NewTokens([]byte(cfg.HTTP.JWTSecret), cfg.HTTP.TokenTTL).Issue(actor)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor.UserID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&actor.TenantID, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&role, "role", string(approval.RoleSalesperson), "BUSINESS_ADMIN, FLOOR_MANAGER or SALESPERSON")
	cmd.Flags().StringVar(&actor.Floor, "floor", "", "floor the user works on")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

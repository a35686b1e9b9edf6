package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/tiletimeline/internal/auth"
)

var (
	tokenClient string
	tokenScopes []string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token signed with the configured JWT key",
	Long: `Issue a bearer token for the tile API.

Examples:
  # Read-only token for a dashboard
  tiletimeline token --client dashboard

  # Publisher token valid for a week
  tiletimeline token --client ci --scope tiles:write --ttl 168h
`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenClient, "client", "", "Client ID recorded in the token (required)")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", []string{auth.ScopeRead}, "Scopes to grant (tiles:read, tiles:write)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("client")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	for _, scope := range tokenScopes {
		if scope != auth.ScopeRead && scope != auth.ScopeWrite {
			return fmt.Errorf("unknown scope %q", scope)
		}
	}
	if tokenTTL <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}

	token, err := auth.Issue([]byte(cfg.JWTSigningKey), auth.Claims{
		ClientID: tokenClient,
		Scopes:   tokenScopes,
	}, tokenTTL)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

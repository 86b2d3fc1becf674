package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/clinicflow/relay/internal/httpapi"
	"github.com/spf13/cobra"
)

var (
	tokenUser   string
	tokenTenant string
	tokenTipo   string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a JWT for local testing",
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (required)")
	tokenCmd.Flags().StringVar(&tokenTenant, "tenant", "", "clinic id (required)")
	tokenCmd.Flags().StringVar(&tokenTipo, "tipo", "", "user role, e.g. medico")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}

func runToken(cmd *cobra.Command, _ []string) error {
	if tokenUser == "" || tokenTenant == "" {
		return errors.New("--user and --tenant are required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	tok, expiresAt, err := httpapi.IssueToken(cfg.JWTSecret, tokenUser, tokenTenant, tokenTipo, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
	return nil
}

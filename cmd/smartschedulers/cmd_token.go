/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/smart_schedulers/internal/auth"
)

var (
	tokenUser string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin token for the ops API",
	Long: `Sign an admin JWT with SCHEDULER_ADMIN_JWT_KEY.

The token authorizes POST /api/v1/workers/{worker}/run.`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "operator", "User ID recorded in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if cfg.AdminJWTKey == "" {
		return errors.New("SCHEDULER_ADMIN_JWT_KEY is not set")
	}
	token, err := auth.Issue([]byte(cfg.AdminJWTKey), auth.Claims{UserID: tokenUser, Roles: []string{auth.RoleAdmin}}, tokenTTL)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

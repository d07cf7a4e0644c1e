package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/propertyhub/authbridge/internal/authkit"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	configCodeMissingDatabaseURL = "config.missing_database_url"
	configCodeInvalidUserID      = "config.invalid_user_id"
	configCodeUnsupportedStore   = "config.unsupported_user_admin_store"
)

// accountStore is what operator commands need from a persistent store.
type accountStore interface {
	authkit.Store
	SetUserActive(ctx context.Context, userID int64, active bool, now time.Time) error
}

var newOperatorLogger = zap.NewProduction

func newUserCommand() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Administer local users in the configured database",
	}

	deactivateCmd := &cobra.Command{
		Use:   "deactivate",
		Short: "Deactivate a user and revoke every session it holds",
		RunE: func(command *cobra.Command, arguments []string) error {
			return setUserActive(command, false)
		},
	}
	activateCmd := &cobra.Command{
		Use:   "activate",
		Short: "Reactivate a previously deactivated user",
		RunE: func(command *cobra.Command, arguments []string) error {
			return setUserActive(command, true)
		},
	}
	for _, subcommand := range []*cobra.Command{deactivateCmd, activateCmd} {
		subcommand.Flags().Int64("user_id", 0, "Local user id")
		userCmd.AddCommand(subcommand)
	}
	return userCmd
}

func setUserActive(command *cobra.Command, active bool) error {
	userID, flagErr := command.Flags().GetInt64("user_id")
	if flagErr != nil {
		return flagErr
	}
	if userID <= 0 {
		return configError(configCodeInvalidUserID, "user_id must be a positive local user id")
	}
	databaseURL := viper.GetString("database_url")
	if strings.TrimSpace(databaseURL) == "" {
		return configError(configCodeMissingDatabaseURL, "database_url is required to administer users")
	}

	logger, loggerErr := newOperatorLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	ctx := command.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, closeStore, storeErr := openStore(ctx, viper.GetString("store_driver"), databaseURL)
	if storeErr != nil {
		return storeErr
	}
	defer closeStore()
	accounts, ok := store.(accountStore)
	if !ok {
		return configError(configCodeUnsupportedStore, fmt.Sprintf("store driver %s cannot administer users", store.Driver()))
	}

	now := time.Now().UTC()
	if err := accounts.SetUserActive(ctx, userID, active, now); err != nil {
		logger.Error("user update failed", zap.String("code", "user_admin.set_active"), zap.Int64("user_id", userID), zap.Error(err))
		return err
	}
	if active {
		logger.Info("user activated", zap.Int64("user_id", userID))
		fmt.Fprintf(command.OutOrStdout(), "user %d activated\n", userID)
		return nil
	}
	revoked, revokeErr := accounts.RevokeAll(ctx, userID, now)
	if revokeErr != nil {
		logger.Error("session revocation failed", zap.String("code", "user_admin.revoke_all"), zap.Int64("user_id", userID), zap.Error(revokeErr))
		return revokeErr
	}
	logger.Info("user deactivated", zap.Int64("user_id", userID), zap.Int64("revoked", revoked))
	fmt.Fprintf(command.OutOrStdout(), "user %d deactivated, %d records revoked\n", userID, revoked)
	return nil
}

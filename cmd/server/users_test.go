package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/propertyhub/authbridge/internal/authkit"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func withOperatorLogger(t *testing.T) func() {
	original := newOperatorLogger
	newOperatorLogger = func(...zap.Option) (*zap.Logger, error) { return zaptest.NewLogger(t), nil }
	return func() { newOperatorLogger = original }
}

func seedUserWithSession(t *testing.T, databaseURL string) (authkit.User, string) {
	t.Helper()
	ctx := context.Background()
	store, err := authkit.NewDatabaseStore(ctx, databaseURL)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()
	now := time.Now().UTC()
	localTokenID := uuid.NewString()
	user, err := store.OpenSession(ctx, authkit.Profile{Subject: "ext-operator", Email: "operator@example.com"}, now, func(owner authkit.User) (authkit.AccessTokenRecord, authkit.RefreshTokenRecord, error) {
		refresh := authkit.RefreshTokenRecord{
			ID:        uuid.NewString(),
			UserID:    owner.ID,
			TokenHash: authkit.HashRefreshToken(uuid.NewString()),
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Hour),
		}
		access := authkit.AccessTokenRecord{
			ID:             uuid.NewString(),
			UserID:         owner.ID,
			RefreshTokenID: refresh.ID,
			LocalTokenID:   localTokenID,
			TokenType:      "Bearer",
			IssuedAt:       now,
		}
		return access, refresh, nil
	})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return user, localTokenID
}

func runUserCommand(arguments ...string) (string, error) {
	cmd := newRootCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetErr(&output)
	cmd.SetArgs(arguments)
	err := cmd.Execute()
	return output.String(), err
}

func TestUserDeactivateAndActivate(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	defer withOperatorLogger(t)()

	databaseURL := "sqlite://" + filepath.Join(t.TempDir(), "operator.db")
	user, localTokenID := seedUserWithSession(t, databaseURL)
	userID := strconv.FormatInt(user.ID, 10)

	output, err := runUserCommand("user", "deactivate", "--user_id", userID, "--database_url", databaseURL)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if !strings.Contains(output, "deactivated, 2 records revoked") {
		t.Fatalf("unexpected deactivate output %q", output)
	}

	store, err := authkit.NewDatabaseStore(context.Background(), databaseURL)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	loaded, err := store.GetUser(context.Background(), user.ID)
	if err != nil || loaded.Active {
		t.Fatalf("expected inactive user, got %#v err=%v", loaded, err)
	}
	record, err := store.FindAccessRecord(context.Background(), localTokenID)
	if err != nil || !record.Revoked {
		t.Fatalf("expected revoked access record, got %#v err=%v", record, err)
	}
	_ = store.Close()

	viper.Reset()
	if _, err := runUserCommand("user", "activate", "--user_id", userID, "--database_url", databaseURL); err != nil {
		t.Fatalf("activate: %v", err)
	}
	store, err = authkit.NewDatabaseStore(context.Background(), databaseURL)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer func() { _ = store.Close() }()
	loaded, err = store.GetUser(context.Background(), user.ID)
	if err != nil || !loaded.Active {
		t.Fatalf("expected active user, got %#v err=%v", loaded, err)
	}
}

func TestUserCommandRejections(t *testing.T) {
	defer withOperatorLogger(t)()
	databaseURL := "sqlite://" + filepath.Join(t.TempDir(), "operator.db")

	testCases := []struct {
		name         string
		arguments    []string
		expectedCode string
	}{
		{name: "missing user id", arguments: []string{"user", "deactivate", "--database_url", databaseURL}, expectedCode: configCodeInvalidUserID},
		{name: "missing database url", arguments: []string{"user", "deactivate", "--user_id", "7"}, expectedCode: configCodeMissingDatabaseURL},
		{name: "unknown user", arguments: []string{"user", "activate", "--user_id", "7", "--database_url", databaseURL}, expectedCode: "user_directory.not_found"},
		{name: "unknown driver", arguments: []string{"user", "activate", "--user_id", "7", "--database_url", databaseURL, "--store_driver", "bolt"}, expectedCode: configCodeInvalidStoreDriver},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			_, err := runUserCommand(testCase.arguments...)
			if err == nil || !strings.Contains(err.Error(), testCase.expectedCode) {
				t.Fatalf("expected error containing %q, got %v", testCase.expectedCode, err)
			}
		})
	}
}

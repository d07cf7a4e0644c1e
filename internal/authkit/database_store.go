package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("store.unsupported_no_scheme")
	errDuplicateRow        = errors.New("store.duplicate_row")
)

// DatabaseStore persists users and token records using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

type userRow struct {
	ID                int64   `gorm:"column:id;primaryKey;autoIncrement"`
	ExternalSubject   string  `gorm:"column:external_subject_id;uniqueIndex;not null"`
	Email             *string `gorm:"column:email;uniqueIndex"`
	Username          string  `gorm:"column:username;not null"`
	FirstName         string  `gorm:"column:first_name;not null"`
	LastName          string  `gorm:"column:last_name;not null"`
	Active            bool    `gorm:"column:is_active;not null"`
	CreatedAtUnixNano int64   `gorm:"column:created_at_unix_nano;not null"`
	UpdatedAtUnixNano int64   `gorm:"column:updated_at_unix_nano;not null"`
	LastLoginUnixNano int64   `gorm:"column:last_login_unix_nano;not null"`
}

func (userRow) TableName() string {
	return "users"
}

type accessTokenRow struct {
	ID                      string  `gorm:"column:id;primaryKey"`
	UserID                  int64   `gorm:"column:user_id;index;not null"`
	User                    userRow `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	RefreshTokenID          string  `gorm:"column:refresh_token_id;index;not null"`
	LocalTokenID            string  `gorm:"column:local_token_id;uniqueIndex;not null"`
	ExternalAccessToken     string  `gorm:"column:external_access_token;not null"`
	ExternalIDToken         string  `gorm:"column:external_id_token;not null"`
	TokenType               string  `gorm:"column:token_type;not null"`
	Scope                   string  `gorm:"column:scope;not null"`
	ExternalExpiresUnixNano int64   `gorm:"column:external_expires_unix_nano;not null"`
	IssuedAtUnixNano        int64   `gorm:"column:issued_at_unix_nano;not null"`
	Revoked                 bool    `gorm:"column:is_revoked;not null"`
	RevokedAtUnixNano       int64   `gorm:"column:revoked_at_unix_nano;not null"`
}

func (accessTokenRow) TableName() string {
	return "access_tokens"
}

// Timestamps are unix nanoseconds so expiry compares at the same precision as time.Time.
type refreshTokenRow struct {
	ID                   string  `gorm:"column:id;primaryKey"`
	UserID               int64   `gorm:"column:user_id;index;not null"`
	User                 userRow `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	TokenHash            string  `gorm:"column:token_hash;uniqueIndex;not null"`
	ExternalRefreshToken string  `gorm:"column:external_refresh_token;not null"`
	PreviousTokenID      string  `gorm:"column:previous_token_id;index;not null"`
	IssuedAtUnixNano     int64   `gorm:"column:issued_at_unix_nano;not null"`
	ExpiresUnixNano      int64   `gorm:"column:expires_unix_nano;not null"`
	Used                 bool    `gorm:"column:is_used;not null"`
	UsedAtUnixNano       int64   `gorm:"column:used_at_unix_nano;not null"`
	Revoked              bool    `gorm:"column:is_revoked;not null"`
	RevokedAtUnixNano    int64   `gorm:"column:revoked_at_unix_nano;not null"`
}

func (refreshTokenRow) TableName() string {
	return "refresh_tokens"
}

// NewDatabaseStore opens the database named by databaseURL and migrates the schema.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("store.open.%s: %w", driverLabel, openErr)
	}
	if driverLabel == "sqlite" {
		sqlDB, sqlErr := gormDB.DB()
		if sqlErr != nil {
			return nil, fmt.Errorf("store.open.%s: %w", driverLabel, sqlErr)
		}
		// sqlite allows a single writer; serializing connections avoids SQLITE_BUSY under rotation races.
		sqlDB.SetMaxOpenConns(1)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRow{}, &refreshTokenRow{}, &accessTokenRow{}); migrateErr != nil {
		return nil, fmt.Errorf("store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// Ping checks database connectivity.
func (store *DatabaseStore) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return StoreFailure("store.ping."+store.driverLabel, err)
	}
	if pingErr := sqlDB.PingContext(ctx); pingErr != nil {
		return StoreFailure("store.ping."+store.driverLabel, pingErr)
	}
	return nil
}

// Close releases the underlying connection pool.
func (store *DatabaseStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertExternalUser creates the user on first sight and refreshes its profile afterwards.
func (store *DatabaseStore) UpsertExternalUser(ctx context.Context, profile Profile, now time.Time) (User, error) {
	return store.upsertThen(ctx, "user_directory.upsert."+store.driverLabel, profile, now, nil)
}

// upsertThen upserts the user and runs then in the same transaction.
// A concurrent first login that loses the insert race is retried once as an update.
func (store *DatabaseStore) upsertThen(ctx context.Context, operation string, profile Profile, now time.Time, then func(tx *gorm.DB, user User) error) (User, error) {
	if strings.TrimSpace(profile.Subject) == "" {
		return User{}, fmt.Errorf("%s: %w", operation, ErrEmptySubject)
	}
	attempt := func() (User, error) {
		var user User
		err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			upserted, upsertErr := upsertUser(tx, operation, profile, now)
			if upsertErr != nil {
				return upsertErr
			}
			if then != nil {
				if thenErr := then(tx, upserted); thenErr != nil {
					return thenErr
				}
			}
			user = upserted
			return nil
		})
		return user, err
	}
	user, err := attempt()
	if errors.Is(err, errDuplicateRow) {
		user, err = attempt()
		if errors.Is(err, errDuplicateRow) {
			return User{}, fmt.Errorf("%s: %w", operation, ErrEmailConflict)
		}
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func upsertUser(tx *gorm.DB, operation string, profile Profile, now time.Time) (User, error) {
	var existing userRow
	findErr := tx.Where("external_subject_id = ?", profile.Subject).Take(&existing).Error
	if findErr != nil && !errors.Is(findErr, gorm.ErrRecordNotFound) {
		return User{}, StoreFailure(operation, findErr)
	}
	exists := findErr == nil

	if profile.Email != "" {
		var owner userRow
		ownerErr := tx.Where("email = ?", profile.Email).Take(&owner).Error
		switch {
		case ownerErr == nil && (!exists || owner.ID != existing.ID):
			return User{}, fmt.Errorf("%s: %w", operation, ErrEmailConflict)
		case ownerErr != nil && !errors.Is(ownerErr, gorm.ErrRecordNotFound):
			return User{}, StoreFailure(operation, ownerErr)
		}
	}

	if !exists {
		created := userRow{
			ExternalSubject:   profile.Subject,
			Email:             nullableEmail(profile.Email),
			Username:          profile.Username,
			FirstName:         profile.GivenName,
			LastName:          profile.FamilyName,
			Active:            true,
			CreatedAtUnixNano: timeToUnixNano(now),
			UpdatedAtUnixNano: timeToUnixNano(now),
		}
		if createErr := tx.Create(&created).Error; createErr != nil {
			if isDuplicateKey(createErr) {
				return User{}, errDuplicateRow
			}
			return User{}, StoreFailure(operation, createErr)
		}
		return created.toUser(), nil
	}

	updateErr := tx.Model(&existing).Updates(map[string]any{
		"email":                nullableEmail(profile.Email),
		"username":             profile.Username,
		"first_name":           profile.GivenName,
		"last_name":            profile.FamilyName,
		"last_login_unix_nano": timeToUnixNano(now),
		"updated_at_unix_nano": timeToUnixNano(now),
	}).Error
	if updateErr != nil {
		if isDuplicateKey(updateErr) {
			return User{}, errDuplicateRow
		}
		return User{}, StoreFailure(operation, updateErr)
	}
	var stored userRow
	if reloadErr := tx.Take(&stored, existing.ID).Error; reloadErr != nil {
		return User{}, StoreFailure(operation, reloadErr)
	}
	return stored.toUser(), nil
}

// GetUser returns a user by local id.
func (store *DatabaseStore) GetUser(ctx context.Context, userID int64) (User, error) {
	var row userRow
	err := store.db.WithContext(ctx).Take(&row, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("user_directory.get.%s: %w", store.driverLabel, ErrUserNotFound)
		}
		return User{}, StoreFailure("user_directory.get."+store.driverLabel, err)
	}
	return row.toUser(), nil
}

// SetUserActive toggles the active flag; used for deactivation.
func (store *DatabaseStore) SetUserActive(ctx context.Context, userID int64, active bool, now time.Time) error {
	result := store.db.WithContext(ctx).Model(&userRow{}).
		Where("id = ?", userID).
		Updates(map[string]any{"is_active": active, "updated_at_unix_nano": timeToUnixNano(now)})
	if result.Error != nil {
		return StoreFailure("user_directory.set_active."+store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user_directory.set_active.%s: %w", store.driverLabel, ErrUserNotFound)
	}
	return nil
}

// OpenSession upserts the user and stores the records minted for it in one transaction.
// A failed mint or insert rolls the user change back with the records.
func (store *DatabaseStore) OpenSession(ctx context.Context, profile Profile, now time.Time, mint SessionMinter) (User, error) {
	operation := "session_store.open." + store.driverLabel
	return store.upsertThen(ctx, operation, profile, now, func(tx *gorm.DB, user User) error {
		access, refresh, mintErr := mint(user)
		if mintErr != nil {
			return fmt.Errorf("%s: %w", operation, mintErr)
		}
		if insertErr := insertRecords(tx, access, refresh); insertErr != nil {
			return StoreFailure(operation, insertErr)
		}
		return nil
	})
}

// RotateRefreshToken consumes the matching refresh token and stores its successor.
// Consumption is a conditional update, so two concurrent rotations cannot both succeed.
func (store *DatabaseStore) RotateRefreshToken(ctx context.Context, tokenHash string, now time.Time, mint RotationMinter) (User, error) {
	operation := "refresh_store.rotate." + store.driverLabel
	if strings.TrimSpace(tokenHash) == "" {
		return User{}, fmt.Errorf("%s: %w", operation, InvalidRefreshToken(ErrRefreshTokenEmptyOpaque))
	}
	var owner User
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&refreshTokenRow{}).
			Where("token_hash = ? AND is_used = ? AND is_revoked = ? AND expires_unix_nano > ?", tokenHash, false, false, timeToUnixNano(now)).
			Updates(map[string]any{"is_used": true, "used_at_unix_nano": timeToUnixNano(now)})
		if result.Error != nil {
			return StoreFailure(operation, result.Error)
		}

		var consumed refreshTokenRow
		if findErr := tx.Where("token_hash = ?", tokenHash).Take(&consumed).Error; findErr != nil {
			if errors.Is(findErr, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%s: %w", operation, InvalidRefreshToken(ErrRefreshTokenNotFound))
			}
			return StoreFailure(operation, findErr)
		}
		if result.RowsAffected == 0 {
			reason := consumed.toRecord().RejectionReason(now)
			if reason == nil {
				reason = ErrRefreshTokenUsed
			}
			return fmt.Errorf("%s: %w", operation, InvalidRefreshToken(reason))
		}

		var ownerRow userRow
		ownerErr := tx.Take(&ownerRow, consumed.UserID).Error
		if ownerErr != nil && !errors.Is(ownerErr, gorm.ErrRecordNotFound) {
			return StoreFailure(operation, ownerErr)
		}
		if ownerErr != nil || !ownerRow.Active {
			return fmt.Errorf("%s: %w", operation, InvalidRefreshToken(ErrRefreshTokenOwnerInactive))
		}
		owner = ownerRow.toUser()

		var paired AccessTokenRecord
		var pairedRow accessTokenRow
		pairedErr := tx.Where("refresh_token_id = ?", consumed.ID).Take(&pairedRow).Error
		switch {
		case pairedErr == nil:
			paired = pairedRow.toRecord()
		case !errors.Is(pairedErr, gorm.ErrRecordNotFound):
			return StoreFailure(operation, pairedErr)
		}

		consumedRecord := consumed.toRecord()
		consumedRecord.Used = true
		consumedRecord.UsedAt = now
		access, successor, mintErr := mint(owner, consumedRecord, paired)
		if mintErr != nil {
			return fmt.Errorf("%s: %w", operation, mintErr)
		}
		if insertErr := insertRecords(tx, access, successor); insertErr != nil {
			return StoreFailure(operation, insertErr)
		}
		return nil
	})
	if err != nil {
		return User{}, err
	}
	return owner, nil
}

// FindAccessRecord returns the access record minted with the given local token id.
func (store *DatabaseStore) FindAccessRecord(ctx context.Context, localTokenID string) (AccessTokenRecord, error) {
	var row accessTokenRow
	err := store.db.WithContext(ctx).Where("local_token_id = ?", localTokenID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return AccessTokenRecord{}, fmt.Errorf("session_store.find_access.%s: %w", store.driverLabel, ErrAccessRecordNotFound)
		}
		return AccessTokenRecord{}, StoreFailure("session_store.find_access."+store.driverLabel, err)
	}
	return row.toRecord(), nil
}

// RevokeAll marks every outstanding record owned by the user as revoked in one transaction.
func (store *DatabaseStore) RevokeAll(ctx context.Context, userID int64, now time.Time) (int64, error) {
	var revoked int64
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		revocation := map[string]any{"is_revoked": true, "revoked_at_unix_nano": timeToUnixNano(now)}
		accessResult := tx.Model(&accessTokenRow{}).
			Where("user_id = ? AND is_revoked = ?", userID, false).
			Updates(revocation)
		if accessResult.Error != nil {
			return accessResult.Error
		}
		refreshResult := tx.Model(&refreshTokenRow{}).
			Where("user_id = ? AND is_revoked = ?", userID, false).
			Updates(revocation)
		if refreshResult.Error != nil {
			return refreshResult.Error
		}
		revoked = accessResult.RowsAffected + refreshResult.RowsAffected
		return nil
	})
	if err != nil {
		return 0, StoreFailure("session_store.revoke_all."+store.driverLabel, err)
	}
	return revoked, nil
}

func insertRecords(tx *gorm.DB, access AccessTokenRecord, refresh RefreshTokenRecord) error {
	refreshRow := refreshRowFromRecord(refresh)
	if err := tx.Omit(clause.Associations).Create(&refreshRow).Error; err != nil {
		return err
	}
	accessRow := accessRowFromRecord(access)
	return tx.Omit(clause.Associations).Create(&accessRow).Error
}

func (row userRow) toUser() User {
	user := User{
		ID:              row.ID,
		ExternalSubject: row.ExternalSubject,
		Username:        row.Username,
		FirstName:       row.FirstName,
		LastName:        row.LastName,
		Active:          row.Active,
		CreatedAt:       unixNanoToTime(row.CreatedAtUnixNano),
		UpdatedAt:       unixNanoToTime(row.UpdatedAtUnixNano),
		LastLoginAt:     unixNanoToTime(row.LastLoginUnixNano),
	}
	if row.Email != nil {
		user.Email = *row.Email
	}
	return user
}

func (row accessTokenRow) toRecord() AccessTokenRecord {
	return AccessTokenRecord{
		ID:                  row.ID,
		UserID:              row.UserID,
		RefreshTokenID:      row.RefreshTokenID,
		LocalTokenID:        row.LocalTokenID,
		ExternalAccessToken: row.ExternalAccessToken,
		ExternalIDToken:     row.ExternalIDToken,
		TokenType:           row.TokenType,
		Scope:               row.Scope,
		ExternalExpiresAt:   unixNanoToTime(row.ExternalExpiresUnixNano),
		IssuedAt:            unixNanoToTime(row.IssuedAtUnixNano),
		Revoked:             row.Revoked,
		RevokedAt:           unixNanoToTime(row.RevokedAtUnixNano),
	}
}

func accessRowFromRecord(record AccessTokenRecord) accessTokenRow {
	return accessTokenRow{
		ID:                  record.ID,
		UserID:              record.UserID,
		RefreshTokenID:      record.RefreshTokenID,
		LocalTokenID:        record.LocalTokenID,
		ExternalAccessToken: record.ExternalAccessToken,
		ExternalIDToken:     record.ExternalIDToken,
		TokenType:           record.TokenType,
		Scope:               record.Scope,
		ExternalExpiresUnixNano: timeToUnixNano(record.ExternalExpiresAt),
		IssuedAtUnixNano:        timeToUnixNano(record.IssuedAt),
		Revoked:             record.Revoked,
		RevokedAtUnixNano:       timeToUnixNano(record.RevokedAt),
	}
}

func (row refreshTokenRow) toRecord() RefreshTokenRecord {
	return RefreshTokenRecord{
		ID:                   row.ID,
		UserID:               row.UserID,
		TokenHash:            row.TokenHash,
		ExternalRefreshToken: row.ExternalRefreshToken,
		PreviousTokenID:      row.PreviousTokenID,
		IssuedAt:             unixNanoToTime(row.IssuedAtUnixNano),
		ExpiresAt:            unixNanoToTime(row.ExpiresUnixNano),
		Used:                 row.Used,
		UsedAt:               unixNanoToTime(row.UsedAtUnixNano),
		Revoked:              row.Revoked,
		RevokedAt:            unixNanoToTime(row.RevokedAtUnixNano),
	}
}

func refreshRowFromRecord(record RefreshTokenRecord) refreshTokenRow {
	return refreshTokenRow{
		ID:                   record.ID,
		UserID:               record.UserID,
		TokenHash:            record.TokenHash,
		ExternalRefreshToken: record.ExternalRefreshToken,
		PreviousTokenID:      record.PreviousTokenID,
		IssuedAtUnixNano:         timeToUnixNano(record.IssuedAt),
		ExpiresUnixNano:          timeToUnixNano(record.ExpiresAt),
		Used:                 record.Used,
		UsedAtUnixNano:           timeToUnixNano(record.UsedAt),
		Revoked:              record.Revoked,
		RevokedAtUnixNano:        timeToUnixNano(record.RevokedAt),
	}
}

func nullableEmail(email string) *string {
	if email == "" {
		return nil
	}
	return &email
}

func unixNanoToTime(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

func timeToUnixNano(moment time.Time) int64 {
	if moment.IsZero() {
		return 0
	}
	return moment.UnixNano()
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}

var _ Store = (*DatabaseStore)(nil)

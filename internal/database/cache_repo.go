package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lunamail/mailpool/pkg/models"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// UpsertMessage inserts or replaces a cached message keyed by
// (account, folder, message_id), then trims the folder back to the cache
// capacity, keeping the most recently inserted rows. The capacity bound
// holds immediately after every call.
func (db *DB) UpsertMessage(ctx context.Context, msg *models.CachedMessage) error {
	query := `
		INSERT OR REPLACE INTO cached_messages
			(account, folder, message_id, subject, sender_name, sender_addr, received_at, body_preview, body_content, body_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	result, err := db.ExecContext(ctx, query,
		msg.Account,
		msg.Folder,
		msg.MessageID,
		msg.Subject,
		msg.SenderName,
		msg.SenderAddr,
		msg.ReceivedAt,
		msg.BodyPreview,
		msg.BodyContent,
		msg.BodyType,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	msg.ID = id

	return db.trimFolder(ctx, msg.Account, msg.Folder)
}

// trimFolder deletes rows for (account, folder) outside the most recent
// cacheCapacity rows by insertion time.
func (db *DB) trimFolder(ctx context.Context, account, folder string) error {
	query := `
		DELETE FROM cached_messages
		WHERE account = ? AND folder = ?
		AND id NOT IN (
			SELECT id FROM cached_messages
			WHERE account = ? AND folder = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`
	_, err := db.ExecContext(ctx, query, account, folder, account, folder, db.cacheCapacity)
	if err != nil {
		return fmt.Errorf("failed to trim folder cache: %w", err)
	}
	return nil
}

// QueryMessages returns up to limit cached messages for (account, folder),
// newest first. Ordering is numeric message_id descending with non-numeric
// ids weighted as 0 (they sort oldest), then received date, then insertion
// order. The non-numeric weight is long-standing behavior; callers depend
// on it staying put.
func (db *DB) QueryMessages(ctx context.Context, account, folder string, limit int) ([]models.CachedMessage, error) {
	var messages []models.CachedMessage
	query := `
		SELECT * FROM cached_messages
		WHERE account = ? AND folder = ?
		ORDER BY CAST(message_id AS INTEGER) DESC, received_at DESC, id DESC
		LIMIT ?
	`
	err := db.SelectContext(ctx, &messages, query, account, folder, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return messages, nil
}

// FolderState returns the cached row count and the maximum numeric UID for
// (account, folder). A folder with no numeric ids reports max UID 0.
func (db *DB) FolderState(ctx context.Context, account, folder string) (count int, maxUID int64, err error) {
	query := `
		SELECT COUNT(*), COALESCE(MAX(CAST(message_id AS INTEGER)), 0)
		FROM cached_messages
		WHERE account = ? AND folder = ?
	`
	row := db.QueryRowContext(ctx, query, account, folder)
	if err := row.Scan(&count, &maxUID); err != nil {
		return 0, 0, fmt.Errorf("failed to get folder state: %w", err)
	}
	return count, maxUID, nil
}

// Watermark returns the last-checked time for (account, folder). The second
// return value reports whether a watermark exists at all.
func (db *DB) Watermark(ctx context.Context, account, folder string) (time.Time, bool, error) {
	var checked time.Time
	query := `SELECT last_checked_at FROM cache_watermarks WHERE account = ? AND folder = ?`
	err := db.GetContext(ctx, &checked, query, account, folder)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get watermark: %w", err)
	}
	return checked, true, nil
}

// TouchWatermark records that (account, folder) was checked against the
// remote server just now, whether or not any new mail was found.
func (db *DB) TouchWatermark(ctx context.Context, account, folder string) error {
	query := `
		INSERT INTO cache_watermarks (account, folder, last_checked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account, folder) DO UPDATE SET last_checked_at = excluded.last_checked_at
	`
	_, err := db.ExecContext(ctx, query, account, folder, time.Now())
	if err != nil {
		return fmt.Errorf("failed to touch watermark: %w", err)
	}
	return nil
}

// EvictAccount removes all cached messages and watermarks for an account.
// Used when the account is deleted.
func (db *DB) EvictAccount(ctx context.Context, account string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM cached_messages WHERE account = ?`, account); err != nil {
		return fmt.Errorf("failed to evict cached messages: %w", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM cache_watermarks WHERE account = ?`, account); err != nil {
		return fmt.Errorf("failed to evict watermarks: %w", err)
	}
	return nil
}

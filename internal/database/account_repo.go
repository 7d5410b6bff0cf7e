package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lunamail/mailpool/pkg/models"
)

// GetAccount returns the stored credentials for an account. The sync core
// only reads credentials; writes belong to the management layer.
func (db *DB) GetAccount(ctx context.Context, email string) (*models.AccountCredential, error) {
	var account models.AccountCredential
	query := `SELECT * FROM accounts WHERE email = ?`
	err := db.GetContext(ctx, &account, query, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

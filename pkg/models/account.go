package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// AccountCredential represents the stored credentials of a mailbox account.
// The sync core only ever reads these; account CRUD lives elsewhere.
type AccountCredential struct {
	Email        string    `db:"email"`
	Password     string    `db:"password"` // optional, only for plain LOGIN accounts
	ClientID     string    `db:"client_id"`
	RefreshToken string    `db:"refresh_token"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Fingerprint returns a stable digest of the credential material. Pooled
// sessions carry the fingerprint they were created with; a mismatch means
// the credentials rotated and the session must be rebuilt.
func (c *AccountCredential) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(c.Email))
	h.Write([]byte{0})
	h.Write([]byte(c.Password))
	h.Write([]byte{0})
	h.Write([]byte(c.ClientID))
	h.Write([]byte{0})
	h.Write([]byte(c.RefreshToken))
	return hex.EncodeToString(h.Sum(nil))
}

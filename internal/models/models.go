package models

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"gorm.io/gorm"
)

// Account is a verified organization identity, keyed by the email the
// identity provider confirmed. An account only exists while at least one
// ChatUser links to it.
type Account struct {
	Email     string `gorm:"primaryKey"`
	FirstName string
	LastName  string
	CreatedAt time.Time
	UpdatedAt time.Time

	ChatUsers []ChatUser `gorm:"foreignKey:AccountEmail;references:Email"`
}

// ChatUser is a Matrix user observed joining the monitored public space,
// independent of any verified identity. Its Token is the sole credential
// for the web profile and is generated once, at row creation.
type ChatUser struct {
	ID                 string  `gorm:"primaryKey"` // e.g. @alice:example.org
	Token              string  `gorm:"uniqueIndex;not null"`
	AccountEmail       *string `gorm:"index"` // nil until linked
	JoinedPrivateSpace bool    `gorm:"not null;default:false"`
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Account *Account `gorm:"foreignKey:AccountEmail;references:Email"`
}

// BeforeCreate fills in the token. FirstOrCreate on an existing row never
// reaches this hook, so re-joins keep the original token.
func (u *ChatUser) BeforeCreate(tx *gorm.DB) error {
	if u.Token == "" {
		token, err := NewToken()
		if err != nil {
			return err
		}
		u.Token = token
	}
	return nil
}

// NewToken returns a URL-safe bearer secret with 256 bits of entropy.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ProcessedEvent records a Matrix event id that has been handled. A row is
// never updated or deleted: its existence means the event must not be
// applied again.
type ProcessedEvent struct {
	ID        string `gorm:"primaryKey"`
	CreatedAt time.Time
}

// SyncCursor is the single-row table holding the sync resume token, so a
// restarted bot continues from where it left off instead of replaying the
// whole timeline.
type SyncCursor struct {
	ID        uint `gorm:"primaryKey"` // always 1
	NextBatch string
	UpdatedAt time.Time
}

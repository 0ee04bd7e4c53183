// Package linking owns every mutation of accounts and chat users. The bot
// process and the web server both call into it against the same database,
// so each read-then-write runs inside one transaction and the orphan check
// ("delete the account when its last chat user unlinks") recounts inside
// that same transaction instead of trusting an earlier read.
package linking

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"

	"spacegate/internal/models"
)

var (
	// ErrTokenNotFound means no chat user carries the presented token.
	ErrTokenNotFound = errors.New("token not found")
	// ErrUnknownChatUser means no row exists for the Matrix user id.
	ErrUnknownChatUser = errors.New("unknown chat user")
)

type Service struct {
	db  *gorm.DB
	log *slog.Logger
}

func NewService(db *gorm.DB, log *slog.Logger) *Service {
	return &Service{db: db, log: log}
}

// Profile is the read model served to the web boundary.
type Profile struct {
	UserID             string
	Token              string
	AccountEmail       string // empty while unlinked
	FirstName          string
	LastName           string
	JoinedPrivateSpace bool
}

// RedeemResult reports the outcome of a token redemption.
type RedeemResult struct {
	UserID         string
	InviteEligible bool
}

// LookupByToken returns the linking state behind a profile token, or
// ErrTokenNotFound.
func (s *Service) LookupByToken(token string) (*Profile, error) {
	var user models.ChatUser
	err := s.db.Preload("Account").Where("token = ?", token).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}

	p := &Profile{
		UserID:             user.ID,
		Token:              user.Token,
		JoinedPrivateSpace: user.JoinedPrivateSpace,
	}
	if user.Account != nil {
		p.AccountEmail = user.Account.Email
		p.FirstName = user.Account.FirstName
		p.LastName = user.Account.LastName
	}
	return p, nil
}

// UpsertChatUser records userID as a member of the public space. A
// first-time joiner gets a fresh token; a re-joiner keeps the existing row
// untouched, token included.
func (s *Service) UpsertChatUser(userID string) (*models.ChatUser, error) {
	var user models.ChatUser
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Where(models.ChatUser{ID: userID}).FirstOrCreate(&user).Error
	})
	if err != nil && isUniqueViolation(err) {
		// Lost a create race with the other process; the row exists now.
		err = s.db.Where("id = ?", userID).First(&user).Error
	}
	if err != nil {
		return nil, fmt.Errorf("upserting chat user %s: %w", userID, err)
	}
	return &user, nil
}

// GetChatUser loads the row for a Matrix user id, or ErrUnknownChatUser.
func (s *Service) GetChatUser(userID string) (*models.ChatUser, error) {
	var user models.ChatUser
	err := s.db.Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownChatUser
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// MarkJoinedPrivate flags the chat user as a member of the private space
// and returns the updated row.
func (s *Service) MarkJoinedPrivate(userID string) (*models.ChatUser, error) {
	var user models.ChatUser
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", userID).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownChatUser
			}
			return err
		}
		user.JoinedPrivateSpace = true
		return tx.Save(&user).Error
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Redeem links the chat user behind token to the account keyed by email,
// creating the account if needed. Name fields are overwritten with the
// latest verified values on every redemption (last-write-wins).
func (s *Service) Redeem(token, email, firstName, lastName string) (*RedeemResult, error) {
	var res RedeemResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var user models.ChatUser
		if err := tx.Where("token = ?", token).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTokenNotFound
			}
			return err
		}

		var acct models.Account
		if err := tx.Where(models.Account{Email: email}).
			Assign(models.Account{FirstName: firstName, LastName: lastName}).
			FirstOrCreate(&acct).Error; err != nil {
			return err
		}

		user.AccountEmail = &acct.Email
		if err := tx.Save(&user).Error; err != nil {
			return err
		}

		res = RedeemResult{UserID: user.ID, InviteEligible: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("token redeemed", "user", res.UserID, "email", email)
	return &res, nil
}

// Unlink detaches the chat user behind token from its account and clears
// the private-space flag. The token stays valid for re-linking. If this was
// the account's last chat user, the account is deleted in the same
// transaction. Returns how many chat users remain linked to the account
// (zero both when the account was deleted and when there was no link).
func (s *Service) Unlink(token string) (int64, error) {
	var remaining int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var user models.ChatUser
		if err := tx.Where("token = ?", token).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTokenNotFound
			}
			return err
		}
		if user.AccountEmail == nil {
			return nil
		}
		email := *user.AccountEmail

		user.AccountEmail = nil
		user.JoinedPrivateSpace = false
		if err := tx.Save(&user).Error; err != nil {
			return err
		}

		// Live count, inside the same transaction as the delete: two
		// concurrent unlinks must not both conclude "not the last".
		if err := tx.Model(&models.ChatUser{}).
			Where("account_email = ?", email).Count(&remaining).Error; err != nil {
			return err
		}
		if remaining == 0 {
			if err := tx.Delete(&models.Account{Email: email}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// RemoveChatUser deletes the row for a public-space leaver, cascading to
// the account when this was its last linked chat user.
func (s *Service) RemoveChatUser(userID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var user models.ChatUser
		if err := tx.Where("id = ?", userID).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownChatUser
			}
			return err
		}

		if err := tx.Delete(&models.ChatUser{ID: userID}).Error; err != nil {
			return err
		}

		if user.AccountEmail != nil {
			var n int64
			if err := tx.Model(&models.ChatUser{}).
				Where("account_email = ?", *user.AccountEmail).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				if err := tx.Delete(&models.Account{Email: *user.AccountEmail}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}

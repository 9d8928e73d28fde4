package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// GetAccount returns a user's paper account, opening it with the starting
// balance if it does not exist yet
func (s *Store) GetAccount(ctx context.Context, userID string) (*Account, error) {
	var acct Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureAccount(tx, userID); err != nil {
			return err
		}
		return tx.First(&acct, "user_id = ?", userID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

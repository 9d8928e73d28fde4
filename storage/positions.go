package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/web3guy0/papertrade/types"
)

// errNotOpen aborts a transaction whose conditional update matched nothing
var errNotOpen = errors.New("position not open")

// ListOpenPositions returns every open position, oldest first
func (s *Store) ListOpenPositions(ctx context.Context) ([]types.Position, error) {
	var rows []Position
	err := s.db.WithContext(ctx).
		Where("status = ?", string(types.StatusOpen)).
		Order("opened_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainSlice(rows), nil
}

// ListPositions returns a user's positions, newest first. An empty status
// lists both open and closed.
func (s *Store) ListPositions(ctx context.Context, userID string, status types.Status) ([]types.Position, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", string(status))
	}

	var rows []Position
	if err := q.Order("opened_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDomainSlice(rows), nil
}

// GetPosition retrieves a position by id. A non-empty userID scopes the
// lookup to that owner. Returns nil when nothing matches.
func (s *Store) GetPosition(ctx context.Context, id, userID string) (*types.Position, error) {
	q := s.db.WithContext(ctx).Where("id = ?", id)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}

	var row Position
	err := q.First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pos := row.toDomain()
	return &pos, nil
}

// CreatePosition inserts a new open position, opening the owner's paper
// account on first use
func (s *Store) CreatePosition(ctx context.Context, pos types.Position) (*types.Position, error) {
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now().UTC()
	}
	pos.Status = types.StatusOpen
	row := fromDomain(pos)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureAccount(tx, pos.UserID); err != nil {
			return err
		}
		return tx.Create(row).Error
	})
	if err != nil {
		return nil, err
	}

	out := row.toDomain()
	return &out, nil
}

// UpdateBracketsIfOpen replaces both brackets only while the position is
// open. Returns nil when the position was not open.
func (s *Store) UpdateBracketsIfOpen(ctx context.Context, id, userID string, tp, sl decimal.NullDecimal) (*types.Position, error) {
	var row Position
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&Position{}).Where("id = ? AND status = ?", id, string(types.StatusOpen))
		if userID != "" {
			q = q.Where("user_id = ?", userID)
		}
		res := q.Updates(map[string]interface{}{
			"take_profit": tp,
			"stop_loss":   sl,
			"updated_at":  time.Now().UTC(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errNotOpen
		}
		return tx.First(&row, "id = ?", id).Error
	})
	if errors.Is(err, errNotOpen) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := row.toDomain()
	return &out, nil
}

// ClosePositionIfOpen closes the position with the given terminal values
// only if it is still open, crediting realized P&L to the owner's account
// in the same transaction. The UPDATE ... WHERE status = 'open' decides the
// winner when several closers race; losers get nil without error.
func (s *Store) ClosePositionIfOpen(ctx context.Context, id string, req types.CloseRequest) (*types.Position, error) {
	var row Position
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("id = ? AND status = ?", id, string(types.StatusOpen))
		if req.UserID != "" {
			q = q.Where("user_id = ?", req.UserID)
		}
		if err := q.First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errNotOpen
			}
			return err
		}

		current := row.toDomain()
		pnl := current.PnLAt(req.ClosePrice)
		closedAt := req.ClosedAt.UTC()
		if req.ClosedAt.IsZero() {
			closedAt = time.Now().UTC()
		}

		res := tx.Model(&Position{}).
			Where("id = ? AND status = ?", id, string(types.StatusOpen)).
			Updates(map[string]interface{}{
				"status":       string(types.StatusClosed),
				"close_price":  req.ClosePrice,
				"close_reason": string(req.CloseReason),
				"closed_at":    closedAt,
				"realized_pnl": pnl,
				"updated_at":   time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errNotOpen
		}

		if err := s.credit(tx, row.UserID, pnl); err != nil {
			return err
		}
		return tx.First(&row, "id = ?", id).Error
	})
	if errors.Is(err, errNotOpen) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := row.toDomain()
	return &out, nil
}

// CountOpen returns the number of open positions
func (s *Store) CountOpen(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Position{}).Where("status = ?", string(types.StatusOpen)).Count(&n).Error
	return n, err
}

func (s *Store) ensureAccount(tx *gorm.DB, userID string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Account{UserID: userID, Balance: s.startingBalance}).Error
}

func (s *Store) credit(tx *gorm.DB, userID string, amount decimal.Decimal) error {
	if err := s.ensureAccount(tx, userID); err != nil {
		return err
	}
	return tx.Model(&Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", amount),
			"updated_at": time.Now().UTC(),
		}).Error
}

func toDomainSlice(rows []Position) []types.Position {
	out := make([]types.Position, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out
}

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/papertrade/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Position and account persistence
// ═══════════════════════════════════════════════════════════════════════════════

// Options configures the store
type Options struct {
	StartingBalance decimal.Decimal
	Debug           bool
}

// Store persists positions and paper accounts through gorm
type Store struct {
	db              *gorm.DB
	startingBalance decimal.Decimal
}

// Models

// Position is the persisted row behind types.Position
type Position struct {
	ID          string              `gorm:"primaryKey;size:36"`
	UserID      string              `gorm:"index;not null"`
	Symbol      string              `gorm:"index:idx_positions_symbol_status;not null"`
	Side        string              `gorm:"size:8;not null"`
	Quantity    decimal.Decimal     `gorm:"type:decimal(28,10);not null"`
	EntryPrice  decimal.Decimal     `gorm:"type:decimal(28,10);not null"`
	TakeProfit  decimal.NullDecimal `gorm:"type:decimal(28,10)"`
	StopLoss    decimal.NullDecimal `gorm:"type:decimal(28,10)"`
	Status      string              `gorm:"index:idx_positions_symbol_status;size:8;not null"`
	ClosePrice  decimal.NullDecimal `gorm:"type:decimal(28,10)"`
	CloseReason string              `gorm:"size:16"`
	ClosedAt    *time.Time
	RealizedPnL decimal.NullDecimal `gorm:"column:realized_pnl;type:decimal(28,10)"`
	OpenedAt    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Account is a user's paper balance
type Account struct {
	UserID    string          `gorm:"primaryKey"`
	Balance   decimal.Decimal `gorm:"type:decimal(28,10);not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// New opens the database. A postgres:// DSN selects PostgreSQL, anything
// else is treated as a SQLite path.
func New(dsn string, opts Options) (*Store, error) {
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	if opts.Debug {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	}

	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite allows a single writer; serialize instead of failing with SQLITE_BUSY
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		log.Info().Str("path", dsn).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Position{}, &Account{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	balance := opts.StartingBalance
	if balance.IsZero() {
		balance = decimal.NewFromInt(10000)
	}
	return &Store{db: db, startingBalance: balance}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the connection
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (p *Position) toDomain() types.Position {
	out := types.Position{
		ID:          p.ID,
		UserID:      p.UserID,
		Symbol:      p.Symbol,
		Side:        types.Side(p.Side),
		Quantity:    p.Quantity,
		EntryPrice:  p.EntryPrice,
		TakeProfit:  p.TakeProfit,
		StopLoss:    p.StopLoss,
		Status:      types.Status(p.Status),
		OpenedAt:    p.OpenedAt.UTC(),
		ClosePrice:  p.ClosePrice,
		CloseReason: types.CloseReason(p.CloseReason),
		RealizedPnL: p.RealizedPnL,
	}
	if p.ClosedAt != nil {
		t := p.ClosedAt.UTC()
		out.ClosedAt = &t
	}
	return out
}

func fromDomain(p types.Position) *Position {
	return &Position{
		ID:          p.ID,
		UserID:      p.UserID,
		Symbol:      p.Symbol,
		Side:        string(p.Side),
		Quantity:    p.Quantity,
		EntryPrice:  p.EntryPrice,
		TakeProfit:  p.TakeProfit,
		StopLoss:    p.StopLoss,
		Status:      string(p.Status),
		ClosePrice:  p.ClosePrice,
		CloseReason: string(p.CloseReason),
		ClosedAt:    p.ClosedAt,
		RealizedPnL: p.RealizedPnL,
		OpenedAt:    p.OpenedAt,
	}
}

package ledger

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository describes database operations on credit accounts and their
// journal. WithTx returns a copy bound to a transaction.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Transaction(ctx context.Context, fn func(repo Repository) error) error

	FindAccount(ctx context.Context, userID string, lock bool) (*Account, error)
	CreateAccountIfMissing(ctx context.Context, account *Account) error
	DebitIfSufficient(ctx context.Context, userID string, amount int64) (bool, error)
	Credit(ctx context.Context, userID string, amount int64) error
	UpdateSubscription(ctx context.Context, userID, priceID, status string) error

	LastEntry(ctx context.Context, userID string) (*Entry, error)
	FindEntry(ctx context.Context, userID, entryID string) (*Entry, error)
	FindRefund(ctx context.Context, entryID string) (*Entry, error)
	CreateEntry(ctx context.Context, entry *Entry) error
	ListEntries(ctx context.Context, userID string, before *Entry, limit int) ([]*Entry, error)
	ChainEntries(ctx context.Context, userID string) ([]*Entry, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns a gorm backed Repository implementation.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) WithTx(tx *gorm.DB) Repository {
	return &gormRepository{db: tx}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(repo Repository) error) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(r.WithTx(tx))
	})
}

func (r *gormRepository) FindAccount(ctx context.Context, userID string, lock bool) (*Account, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx)
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var account Account
	if err := query.Where("user_id = ?", userID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// CreateAccountIfMissing inserts account unless a row for the user already
// exists. Concurrent first reads for a new user are safe.
func (r *gormRepository) CreateAccountIfMissing(ctx context.Context, account *Account) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(account).Error
}

// DebitIfSufficient subtracts amount only when the balance covers it. The
// condition lives in the UPDATE so concurrent debits can never overdraw.
func (r *gormRepository) DebitIfSufficient(ctx context.Context, userID string, amount int64) (bool, error) {
	if r == nil || r.db == nil {
		return false, gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ? AND credits_available >= ?", userID, amount).
		Updates(map[string]any{
			"credits_available": gorm.Expr("credits_available - ?", amount),
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormRepository) Credit(ctx context.Context, userID string, amount int64) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"credits_available": gorm.Expr("credits_available + ?", amount),
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) UpdateSubscription(ctx context.Context, userID, priceID, status string) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"price_id":            priceID,
			"subscription_status": status,
			"updated_at":          time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// LastEntry returns nil, nil for a user without entries.
func (r *gormRepository) LastEntry(ctx context.Context, userID string) (*Entry, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var entries []*Entry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").Order("id DESC").
		Limit(1).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func (r *gormRepository) FindEntry(ctx context.Context, userID, entryID string) (*Entry, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var entry Entry
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", entryID, userID).First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// FindRefund returns the entry refunding entryID, or nil, nil when the entry
// has not been refunded.
func (r *gormRepository) FindRefund(ctx context.Context, entryID string) (*Entry, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var entries []*Entry
	if err := r.db.WithContext(ctx).Where("refund_of = ?", entryID).Limit(1).Find(&entries).Error; err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func (r *gormRepository) CreateEntry(ctx context.Context, entry *Entry) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListEntries returns entries newest first. When before is set only entries
// strictly older than it are returned.
func (r *gormRepository) ListEntries(ctx context.Context, userID string, before *Entry, limit int) ([]*Entry, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if before != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", before.CreatedAt, before.CreatedAt, before.ID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var entries []*Entry
	if err := query.Order("created_at DESC").Order("id DESC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// ChainEntries returns every entry of the user oldest first.
func (r *gormRepository) ChainEntries(ctx context.Context, userID string) ([]*Entry, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var entries []*Entry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

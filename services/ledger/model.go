package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

const (
	SubscriptionInactive = "inactive"
	SubscriptionActive   = "active"
	SubscriptionCanceled = "canceled"
	SubscriptionPastDue  = "past_due"
)

const genesisHash = "GENESIS"

type Account struct {
	ID                 string    `gorm:"column:id;primaryKey"`
	UserID             string    `gorm:"column:user_id;uniqueIndex"`
	CreditsAvailable   int64     `gorm:"column:credits_available;not null;default:0"`
	SubscriptionStatus string    `gorm:"column:subscription_status"`
	PriceID            string    `gorm:"column:price_id"`
	CreatedAt          time.Time `gorm:"column:created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

func (Account) TableName() string { return "credit_accounts" }

// Entry is one row of the append-only credit journal. Each entry carries the
// hash of the previous entry of the same user, so tampering breaks the chain.
type Entry struct {
	ID            string         `gorm:"column:id;primaryKey"`
	UserID        string         `gorm:"column:user_id;index:idx_credit_entries_user_created"`
	Type          EntryType      `gorm:"column:type"`
	Amount        int64          `gorm:"column:amount"`
	BalanceAfter  int64          `gorm:"column:balance_after"`
	TransactionID string         `gorm:"column:transaction_id"`
	Reason        string         `gorm:"column:reason"`
	PreviousHash  string         `gorm:"column:previous_hash"`
	Hash          string         `gorm:"column:hash"`
	Metadata      datatypes.JSON `gorm:"column:metadata"`
	RefundOf      *string        `gorm:"column:refund_of;uniqueIndex"`
	CreatedAt     time.Time      `gorm:"column:created_at;index:idx_credit_entries_user_created"`
}

func (Entry) TableName() string { return "credit_entries" }

type EntryParams struct {
	EntryID       string
	UserID        string
	Type          EntryType
	Amount        int64
	BalanceAfter  int64
	TransactionID string
	Reason        string
	PreviousHash  string
	Metadata      datatypes.JSON
	RefundOf      string
	CreatedAt     time.Time
}

func NewEntry(p EntryParams) *Entry {
	e := &Entry{
		ID:            p.EntryID,
		UserID:        p.UserID,
		Type:          p.Type,
		Amount:        p.Amount,
		BalanceAfter:  p.BalanceAfter,
		TransactionID: p.TransactionID,
		Reason:        p.Reason,
		PreviousHash:  p.PreviousHash,
		Metadata:      p.Metadata,
		CreatedAt:     p.CreatedAt.UTC().Truncate(time.Microsecond),
	}
	if e.PreviousHash == "" {
		e.PreviousHash = genesisHash
	}
	if p.RefundOf != "" {
		refundOf := p.RefundOf
		e.RefundOf = &refundOf
	}
	e.Hash = e.GenerateHash()
	return e
}

func (e *Entry) HashFields() map[string]string {
	var refundOf string
	if e.RefundOf != nil {
		refundOf = *e.RefundOf
	}
	return map[string]string{
		"refund_of":      refundOf,
		"id":             e.ID,
		"user_id":        e.UserID,
		"type":           string(e.Type),
		"amount":         fmt.Sprintf("%d", e.Amount),
		"balance_after":  fmt.Sprintf("%d", e.BalanceAfter),
		"transaction_id": e.TransactionID,
		"reason":         e.Reason,
		"created_at":     e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":  e.PreviousHash,
	}
}

// GenerateHash hashes the JSON encoding of HashFields. Keys are sorted by
// the encoder and values are quoted, so field contents cannot run together.
func (e *Entry) GenerateHash() string {
	// a map[string]string always encodes
	b, _ := json.Marshal(e.HashFields())

	hash := sha256.Sum256(b)
	return hex.EncodeToString(hash[:])
}

// Mutation is the outcome of Decrement/Increment. Success is false only when
// the balance could not cover a decrement; Balance is then the untouched
// current balance.
type Mutation struct {
	Success bool
	Balance int64
	Entry   *Entry
}

// ChainReport is the result of VerifyChain. BrokenAt is the id of the first
// entry whose hash or back link does not match.
type ChainReport struct {
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	BrokenAt string `json:"brokenAt,omitempty"`
}

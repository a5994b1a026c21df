package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"creditflow/pkg/db/pagination"
	"creditflow/pkg/errutil"
	"creditflow/pkg/plan"
	"creditflow/pkg/rediskey"
	"creditflow/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var errInsufficient = errors.New("insufficient credits")

type Service struct {
	repo  Repository
	node  *snowflake.Node
	seq   sequence.Generator
	rdb   *redis.Client
	trace trace.Tracer
	now   func() time.Time
}

type ServiceParams struct {
	fx.In
	Repository     Repository
	Node           *snowflake.Node
	Sequence       sequence.Generator
	Redis          *redis.Client       `optional:"true"`
	TracerProvider trace.TracerProvider `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	tp := p.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	seq := p.Sequence
	if seq == nil {
		seq = sequence.RandomGenerator{}
	}

	return &Service{
		repo:  p.Repository,
		node:  p.Node,
		seq:   seq,
		rdb:   p.Redis,
		trace: tp.Tracer("creditflow/services/ledger"),
		now:   time.Now,
	}
}

// GetAccount returns the user's account, creating an empty inactive one on
// first access.
func (s *Service) GetAccount(ctx context.Context, userID string) (*Account, error) {
	ctx, span := s.trace.Start(ctx, "ledger.GetAccount", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	if userID == "" {
		return nil, errutil.BadRequest("missing user id", nil)
	}

	account, err := s.ensureAccount(ctx, s.repo, userID)
	if err != nil {
		span.RecordError(err)
		zap.L().Error("failed to load credit account", zap.String("user_id", userID), zap.Error(err))
		return nil, errutil.Internal("failed to fetch credits", err)
	}
	return account, nil
}

func (s *Service) ensureAccount(ctx context.Context, repo Repository, userID string) (*Account, error) {
	account, err := repo.FindAccount(ctx, userID, false)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	zap.L().Info("credit account not found, creating", zap.String("user_id", userID))
	now := s.now().UTC()
	if err := repo.CreateAccountIfMissing(ctx, &Account{
		ID:                 s.node.Generate().String(),
		UserID:             userID,
		CreditsAvailable:   0,
		SubscriptionStatus: SubscriptionInactive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}); err != nil {
		return nil, err
	}

	return repo.FindAccount(ctx, userID, false)
}

// Decrement spends amount credits. An insufficient balance is not an error:
// it yields Mutation{Success: false} with the current balance.
func (s *Service) Decrement(ctx context.Context, userID string, amount int64, reason string) (*Mutation, error) {
	ctx, span := s.trace.Start(ctx, "ledger.Decrement", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.Int64("amount", amount),
	))
	defer span.End()

	if err := validateMutation(userID, amount); err != nil {
		return nil, err
	}

	var result *Mutation
	err := s.repo.Transaction(ctx, func(repo Repository) error {
		if _, err := s.ensureAccount(ctx, repo, userID); err != nil {
			return err
		}

		account, err := repo.FindAccount(ctx, userID, true)
		if err != nil {
			return err
		}

		ok, err := repo.DebitIfSufficient(ctx, userID, amount)
		if err != nil {
			return err
		}
		if !ok {
			result = &Mutation{Success: false, Balance: account.CreditsAvailable}
			return errInsufficient
		}

		entry, err := s.appendEntry(ctx, repo, userID, EntryDebit, amount, account.CreditsAvailable-amount, reason, nil, "")
		if err != nil {
			return err
		}

		result = &Mutation{Success: true, Balance: entry.BalanceAfter, Entry: entry}
		return nil
	})

	switch {
	case errors.Is(err, errInsufficient):
		mutationsTotal.WithLabelValues(string(EntryDebit), "insufficient").Inc()
		span.SetAttributes(attribute.Bool("insufficient", true))
		zap.L().Info("credit decrement rejected",
			zap.String("user_id", userID),
			zap.Int64("amount", amount),
			zap.Int64("balance", result.Balance),
		)
		return result, nil
	case err != nil:
		mutationsTotal.WithLabelValues(string(EntryDebit), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		zap.L().Error("failed to decrement credits", zap.String("user_id", userID), zap.Error(err))
		return nil, errutil.Internal("failed to deduct credits", err)
	}

	mutationsTotal.WithLabelValues(string(EntryDebit), "ok").Inc()
	s.publishBalance(ctx, userID, result.Balance)
	return result, nil
}

// Increment adds amount credits, creating the account when needed.
func (s *Service) Increment(ctx context.Context, userID string, amount int64, reason string) (*Mutation, error) {
	ctx, span := s.trace.Start(ctx, "ledger.Increment", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.Int64("amount", amount),
	))
	defer span.End()

	if err := validateMutation(userID, amount); err != nil {
		return nil, err
	}

	result, err := s.credit(ctx, userID, amount, reason, nil)
	if err != nil {
		mutationsTotal.WithLabelValues(string(EntryCredit), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		zap.L().Error("failed to increment credits", zap.String("user_id", userID), zap.Error(err))
		return nil, errutil.Internal("failed to add credits", err)
	}

	mutationsTotal.WithLabelValues(string(EntryCredit), "ok").Inc()
	s.publishBalance(ctx, userID, result.Balance)
	return result, nil
}

func (s *Service) credit(ctx context.Context, userID string, amount int64, reason string, meta map[string]any) (*Mutation, error) {
	var result *Mutation
	err := s.repo.Transaction(ctx, func(repo Repository) error {
		var err error
		result, err = s.creditTx(ctx, repo, userID, amount, reason, meta, "")
		return err
	})
	return result, err
}

// creditTx adds credits inside an open transaction. refundOf links the entry
// to the debit it reverses.
func (s *Service) creditTx(ctx context.Context, repo Repository, userID string, amount int64, reason string, meta map[string]any, refundOf string) (*Mutation, error) {
	if _, err := s.ensureAccount(ctx, repo, userID); err != nil {
		return nil, err
	}

	account, err := repo.FindAccount(ctx, userID, true)
	if err != nil {
		return nil, err
	}

	if err := repo.Credit(ctx, userID, amount); err != nil {
		return nil, err
	}

	entry, err := s.appendEntry(ctx, repo, userID, EntryCredit, amount, account.CreditsAvailable+amount, reason, meta, refundOf)
	if err != nil {
		return nil, err
	}
	return &Mutation{Success: true, Balance: entry.BalanceAfter, Entry: entry}, nil
}

// Refund credits back the DEBIT entry entryID of the user. A debit is
// refunded at most once and only for its full amount.
func (s *Service) Refund(ctx context.Context, userID, entryID string, amount int64, reason string) (*Mutation, error) {
	ctx, span := s.trace.Start(ctx, "ledger.Refund", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.String("entry_id", entryID),
		attribute.Int64("amount", amount),
	))
	defer span.End()

	if err := validateMutation(userID, amount); err != nil {
		return nil, err
	}
	if entryID == "" {
		return nil, errutil.BadRequest("missing refund entry id", nil)
	}

	var result *Mutation
	err := s.repo.Transaction(ctx, func(repo Repository) error {
		if _, err := s.ensureAccount(ctx, repo, userID); err != nil {
			return err
		}
		if _, err := repo.FindAccount(ctx, userID, true); err != nil {
			return err
		}

		debit, err := repo.FindEntry(ctx, userID, entryID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("entry not found", err)
		}
		if err != nil {
			return err
		}
		if debit.Type != EntryDebit {
			return errutil.ValidationFailed("only debit entries can be refunded", nil,
				errutil.WithDetails(errutil.Detail{Field: "refundOf", Message: string(debit.Type)}))
		}
		if debit.Amount != amount {
			return errutil.ValidationFailed("refund amount must match the debit", nil,
				errutil.WithDetails(errutil.Detail{Field: "amount", Message: fmt.Sprintf("expected %d", debit.Amount)}))
		}

		prior, err := repo.FindRefund(ctx, entryID)
		if err != nil {
			return err
		}
		if prior != nil {
			return errutil.Conflict("entry already refunded", nil)
		}

		result, err = s.creditTx(ctx, repo, userID, amount, reason, nil, entryID)
		return err
	})

	var be errutil.BaseError
	switch {
	case errors.As(err, &be):
		mutationsTotal.WithLabelValues(string(EntryCredit), "rejected").Inc()
		zap.L().Warn("credit refund rejected", zap.String("user_id", userID), zap.String("entry_id", entryID), zap.Error(err))
		return nil, err
	case err != nil:
		mutationsTotal.WithLabelValues(string(EntryCredit), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		zap.L().Error("failed to refund credits", zap.String("user_id", userID), zap.Error(err))
		return nil, errutil.Internal("failed to refund credits", err)
	}

	mutationsTotal.WithLabelValues(string(EntryCredit), "ok").Inc()
	s.publishBalance(ctx, userID, result.Balance)
	return result, nil
}

// ApplySubscription records the user's Stripe price and subscription status.
// Activating a plan tops the balance up to the plan's credit limit.
func (s *Service) ApplySubscription(ctx context.Context, userID, priceID, status string) (*Account, error) {
	ctx, span := s.trace.Start(ctx, "ledger.ApplySubscription", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.String("price_id", priceID),
		attribute.String("status", status),
	))
	defer span.End()

	if userID == "" {
		return nil, errutil.BadRequest("missing user id", nil)
	}

	switch status {
	case SubscriptionActive, SubscriptionInactive, SubscriptionCanceled, SubscriptionPastDue:
	default:
		return nil, errutil.ValidationFailed("invalid subscription status", nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}))
	}

	p, known := plan.ByPriceID(priceID)
	if status == SubscriptionActive && !known {
		return nil, errutil.ValidationFailed("unknown price id", nil,
			errutil.WithDetails(errutil.Detail{Field: "priceId", Message: priceID}))
	}

	var (
		updated *Account
		topUp   int64
	)
	err := s.repo.Transaction(ctx, func(repo Repository) error {
		if _, err := s.ensureAccount(ctx, repo, userID); err != nil {
			return err
		}

		account, err := repo.FindAccount(ctx, userID, true)
		if err != nil {
			return err
		}

		if err := repo.UpdateSubscription(ctx, userID, priceID, status); err != nil {
			return err
		}

		if status == SubscriptionActive && account.CreditsAvailable < p.CreditLimit {
			topUp = p.CreditLimit - account.CreditsAvailable
			meta := map[string]any{"price_id": priceID, "plan": p.Name}
			if _, err := s.creditTx(ctx, repo, userID, topUp, "subscription:"+string(p.Tier), meta, ""); err != nil {
				return err
			}
		}

		updated, err = repo.FindAccount(ctx, userID, false)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		zap.L().Error("failed to apply subscription", zap.String("user_id", userID), zap.Error(err))
		return nil, errutil.Internal("failed to apply subscription", err)
	}

	if topUp > 0 {
		mutationsTotal.WithLabelValues(string(EntryCredit), "ok").Inc()
		zap.L().Info("granted plan credits",
			zap.String("user_id", userID),
			zap.String("plan", p.Name),
			zap.Int64("credits", topUp),
		)
	}
	s.publishBalance(ctx, userID, updated.CreditsAvailable)
	return updated, nil
}

// ListEntries pages through the journal newest first.
func (s *Service) ListEntries(ctx context.Context, userID string, page pagination.Pagination) ([]*Entry, *pagination.PageInfo, error) {
	ctx, span := s.trace.Start(ctx, "ledger.ListEntries", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	page = page.Normalize()

	var before *Entry
	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		before = &Entry{ID: cursor.ID, CreatedAt: createdAt}
	}

	entries, err := s.repo.ListEntries(ctx, userID, before, page.Limit+1)
	if err != nil {
		zap.L().Error("failed to list credit entries", zap.String("user_id", userID), zap.Error(err))
		return nil, nil, errutil.Internal("failed to list entries", err)
	}

	entries, info, err := pagination.Page(entries, page.Limit, func(e *Entry) pagination.Cursor {
		return pagination.Cursor{CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano), ID: e.ID}
	})
	if err != nil {
		return nil, nil, errutil.Internal("failed to build cursor", err)
	}
	return entries, info, nil
}

// VerifyChain recomputes every entry hash and checks the back links.
func (s *Service) VerifyChain(ctx context.Context, userID string) (*ChainReport, error) {
	ctx, span := s.trace.Start(ctx, "ledger.VerifyChain", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	entries, err := s.repo.ChainEntries(ctx, userID)
	if err != nil {
		return nil, errutil.Internal("failed to load entries", err)
	}

	report := &ChainReport{Valid: true, Entries: len(entries)}
	previous := genesisHash
	for _, e := range entries {
		if e.PreviousHash != previous || e.GenerateHash() != e.Hash {
			report.Valid = false
			report.BrokenAt = e.ID
			zap.L().Warn("credit journal chain broken", zap.String("user_id", userID), zap.String("entry_id", e.ID))
			break
		}
		previous = e.Hash
	}
	return report, nil
}

func (s *Service) appendEntry(ctx context.Context, repo Repository, userID string, typ EntryType, amount, balanceAfter int64, reason string, meta map[string]any, refundOf string) (*Entry, error) {
	last, err := repo.LastEntry(ctx, userID)
	if err != nil {
		return nil, err
	}

	prefix := sequence.PrefixDebit
	if typ == EntryCredit {
		prefix = sequence.PrefixCredit
	}
	txID, err := s.seq.Next(ctx, prefix)
	if err != nil {
		zap.L().Warn("sequence unavailable, using random transaction id", zap.Error(err))
		if txID, err = (sequence.RandomGenerator{}).Next(ctx, prefix); err != nil {
			return nil, err
		}
	}

	var metadata datatypes.JSON
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		metadata = datatypes.JSON(b)
	}

	params := EntryParams{
		EntryID:       s.node.Generate().String(),
		UserID:        userID,
		Type:          typ,
		Amount:        amount,
		BalanceAfter:  balanceAfter,
		TransactionID: txID,
		Reason:        reason,
		Metadata:      metadata,
		RefundOf:      refundOf,
		CreatedAt:     s.now().UTC().Truncate(time.Microsecond),
	}
	if last != nil {
		params.PreviousHash = last.Hash
		// keep the journal strictly ordered even if the clock steps back
		if !params.CreatedAt.After(last.CreatedAt) {
			params.CreatedAt = last.CreatedAt.Add(time.Microsecond)
		}
	}

	entry := NewEntry(params)
	if err := repo.CreateEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// publishBalance caches the latest balance in redis for cheap reads. Failures
// only cost freshness of the snapshot.
func (s *Service) publishBalance(ctx context.Context, userID string, balance int64) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Set(ctx, rediskey.BuildBalanceKey(userID), strconv.FormatInt(balance, 10), 0).Err(); err != nil {
		zap.L().Warn("failed to publish balance snapshot", zap.String("user_id", userID), zap.Error(err))
	}
}

func validateMutation(userID string, amount int64) error {
	if userID == "" {
		return errutil.BadRequest("missing user id", nil)
	}
	if amount <= 0 {
		return errutil.ValidationFailed("invalid amount", nil,
			errutil.WithDetails(errutil.Detail{Field: "amount", Message: "must be a positive integer"}))
	}
	return nil
}

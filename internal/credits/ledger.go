package credits

import (
	"context"

	"creditflow/services/ledger"
)

// Outcome is a ledger answer. Success=false on a decrement means the balance
// was too low; NewBalance is set only on success. EntryID names the journal
// entry written, when the ledger reports it.
type Outcome struct {
	Success    bool
	NewBalance *int64
	EntryID    string
}

// Ledger is the system of record for balances. Only Decrement decides
// whether a user has enough credits. The reason is recorded on the ledger
// entry.
type Ledger interface {
	Decrement(ctx context.Context, userID string, amount int64, reason string) (Outcome, error)
	Increment(ctx context.Context, userID string, amount int64, reason string) (Outcome, error)
}

// Refunder is implemented by ledgers that reverse a specific debit entry.
// The controller prefers it over Increment when the decrement reported an
// entry id.
type Refunder interface {
	Refund(ctx context.Context, userID, entryID string, amount int64, reason string) (Outcome, error)
}

// LocalLedger runs the controller against an in-process ledger service.
type LocalLedger struct {
	svc *ledger.Service
}

func NewLocalLedger(svc *ledger.Service) *LocalLedger {
	return &LocalLedger{svc: svc}
}

func (l *LocalLedger) Decrement(ctx context.Context, userID string, amount int64, reason string) (Outcome, error) {
	m, err := l.svc.Decrement(ctx, userID, amount, reason)
	if err != nil {
		return Outcome{}, err
	}
	return toOutcome(m), nil
}

func (l *LocalLedger) Increment(ctx context.Context, userID string, amount int64, reason string) (Outcome, error) {
	m, err := l.svc.Increment(ctx, userID, amount, reason)
	if err != nil {
		return Outcome{}, err
	}
	return toOutcome(m), nil
}

func (l *LocalLedger) Refund(ctx context.Context, userID, entryID string, amount int64, reason string) (Outcome, error) {
	m, err := l.svc.Refund(ctx, userID, entryID, amount, reason)
	if err != nil {
		return Outcome{}, err
	}
	return toOutcome(m), nil
}

func (l *LocalLedger) Balance(ctx context.Context, userID string) (int64, error) {
	account, err := l.svc.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.CreditsAvailable, nil
}

func toOutcome(m *ledger.Mutation) Outcome {
	if !m.Success {
		return Outcome{}
	}
	balance := m.Balance
	out := Outcome{Success: true, NewBalance: &balance}
	if m.Entry != nil {
		out.EntryID = m.Entry.ID
	}
	return out
}

// Package credits implements admission control: a credit ledger consulted
// before and charged during pipeline stages.
package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/clipsight/clipsight/internal/store"
)

// Ledger gates pipeline work on an owner's credit balance.
type Ledger interface {
	// HasCredits reports whether the owner can afford amount.
	HasCredits(ctx context.Context, ownerID string, amount int) (bool, error)
	// Consume atomically deducts amount and records a transaction,
	// returning its id. Returns *InsufficientCreditsError when the balance
	// does not cover amount.
	Consume(ctx context.Context, ownerID string, amount int, reason string) (string, error)
	// Balance returns the owner's current balance (zero for unknown owners).
	Balance(ctx context.Context, ownerID string) (int, error)
	// Grant adds credits to the owner's account, creating it if needed.
	Grant(ctx context.Context, ownerID string, amount int) error
}

// InsufficientCreditsError is the admission-control rejection: the caller
// cannot afford the work, so no job is created and no state changes.
type InsufficientCreditsError struct {
	OwnerID   string
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: required %d, available %d", e.OwnerID, e.Required, e.Available)
}

// StoreLedger is the store-backed Ledger.
type StoreLedger struct {
	store store.Store
}

func NewStoreLedger(s store.Store) *StoreLedger {
	return &StoreLedger{store: s}
}

func (l *StoreLedger) HasCredits(ctx context.Context, ownerID string, amount int) (bool, error) {
	balance, err := l.store.GetBalance(ctx, ownerID)
	if err != nil {
		return false, eris.Wrap(err, "credits: read balance")
	}
	return balance >= amount, nil
}

func (l *StoreLedger) Consume(ctx context.Context, ownerID string, amount int, reason string) (string, error) {
	txID, err := l.store.DeductCredits(ctx, ownerID, amount, reason)
	if errors.Is(err, store.ErrInsufficientBalance) {
		balance, balErr := l.store.GetBalance(ctx, ownerID)
		if balErr != nil {
			balance = 0
		}
		return "", &InsufficientCreditsError{OwnerID: ownerID, Required: amount, Available: balance}
	}
	if err != nil {
		return "", eris.Wrapf(err, "credits: consume %d for %s", amount, ownerID)
	}
	return txID, nil
}

func (l *StoreLedger) Balance(ctx context.Context, ownerID string) (int, error) {
	return l.store.GetBalance(ctx, ownerID)
}

func (l *StoreLedger) Grant(ctx context.Context, ownerID string, amount int) error {
	return l.store.AddCredits(ctx, ownerID, amount)
}

package credits

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipsight/clipsight/internal/store"
)

func newLedger(t *testing.T) *StoreLedger {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return NewStoreLedger(s)
}

func TestStoreLedger_HasCredits(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	ok, err := l.HasCredits(ctx, "owner-1", 10)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Grant(ctx, "owner-1", 50))

	ok, err = l.HasCredits(ctx, "owner-1", 50)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.HasCredits(ctx, "owner-1", 51)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreLedger_Consume(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Grant(ctx, "owner-1", 40))

	txID, err := l.Consume(ctx, "owner-1", 15, "selection_batch")
	require.NoError(t, err)
	assert.NotEmpty(t, txID)

	balance, err := l.Balance(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 25, balance)
}

func TestStoreLedger_Consume_Insufficient(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Grant(ctx, "owner-1", 8))

	_, err := l.Consume(ctx, "owner-1", 20, "annotation_batch")
	require.Error(t, err)

	var insufficient *InsufficientCreditsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "owner-1", insufficient.OwnerID)
	assert.Equal(t, 20, insufficient.Required)
	assert.Equal(t, 8, insufficient.Available)

	// The rejected consume left the balance alone.
	balance, err := l.Balance(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 8, balance)
}

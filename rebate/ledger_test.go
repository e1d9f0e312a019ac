package rebate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/purehealth/rebate-engine/rebate"
	"github.com/purehealth/rebate-engine/rebate/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// inTx runs fn against a fresh Tx of mem and fails the test on error.
func inTx(t *testing.T, mem *store.Memory, fn func(tx rebate.Tx)) {
	t.Helper()
	require.NoError(t, mem.WithTx(context.Background(), func(tx rebate.Tx) error {
		fn(tx)
		return nil
	}))
}

// =============================================================================
// UPSERT ADD
// =============================================================================

func TestLedger_UpsertAdd_CreatesThenAccumulates(t *testing.T) {
	mem := store.NewMemory()
	ledger := rebate.NewLedger(zap.NewNop())
	ctx := context.Background()

	inTx(t, mem, func(tx rebate.Tx) {
		// WHEN: First add for the key
		first, err := ledger.UpsertAdd(ctx, tx, "ref-cruz", march3Day, dec("160"), "Maria Cruz")
		require.NoError(t, err)

		// THEN: Row is created with count 1
		assert.True(t, first.Created)
		assert.True(t, first.Before.IsZero())
		assert.True(t, dec("160").Equal(first.Record.TotalRebateAmount))
		assert.Equal(t, 1, first.Record.TransactionCount)
		assert.Equal(t, rebate.RecordActive, first.Record.Status)
		assert.Equal(t, "Maria Cruz", first.Record.ReferrerName)

		// WHEN: Second add for the same key
		second, err := ledger.UpsertAdd(ctx, tx, "ref-cruz", march3Day, dec("40"), "ignored")
		require.NoError(t, err)

		// THEN: Same row, accumulated
		assert.False(t, second.Created)
		assert.Equal(t, first.Record.ID, second.Record.ID)
		assert.True(t, dec("160").Equal(second.Before))
		assert.True(t, dec("200").Equal(second.Record.TotalRebateAmount))
		assert.Equal(t, 2, second.Record.TransactionCount)
		assert.Equal(t, "Maria Cruz", second.Record.ReferrerName, "name is a creation snapshot")
	})
}

func TestLedger_UpsertAdd_NegativeRejected(t *testing.T) {
	mem := store.NewMemory()
	ledger := rebate.NewLedger(nil)
	ctx := context.Background()

	inTx(t, mem, func(tx rebate.Tx) {
		_, err := ledger.UpsertAdd(ctx, tx, "ref-cruz", march3Day, dec("-1"), "Maria Cruz")

		var amountErr *rebate.InvalidAmountError
		require.ErrorAs(t, err, &amountErr)
		assert.ErrorIs(t, err, rebate.ErrInvalidAmount)
		assert.True(t, dec("-1").Equal(amountErr.Amount))

		rec, err := tx.GetRebateRecord(ctx, rebate.RebateKey{ReferrerID: "ref-cruz", Day: march3Day})
		require.NoError(t, err)
		assert.Nil(t, rec, "nothing is written")
	})
}

// =============================================================================
// DEDUCT / REDUCE
// =============================================================================

func TestLedger_Deduct_MissingRecord(t *testing.T) {
	mem := store.NewMemory()
	ledger := rebate.NewLedger(nil)

	inTx(t, mem, func(tx rebate.Tx) {
		_, err := ledger.Deduct(context.Background(), tx, "ref-cruz", march3Day, dec("10"))
		var nf *rebate.RecordNotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, rebate.ReferrerID("ref-cruz"), nf.Key.ReferrerID)
		assert.True(t, rebate.IsNotFound(err))
	})
}

func TestLedger_Deduct_ToZeroCancels(t *testing.T) {
	mem := store.NewMemory()
	ledger := rebate.NewLedger(nil)
	ctx := context.Background()

	inTx(t, mem, func(tx rebate.Tx) {
		_, err := ledger.UpsertAdd(ctx, tx, "ref-cruz", march3Day, dec("160"), "Maria Cruz")
		require.NoError(t, err)

		change, err := ledger.Deduct(ctx, tx, "ref-cruz", march3Day, dec("160"))
		require.NoError(t, err)

		assert.True(t, change.Record.TotalRebateAmount.IsZero())
		assert.Equal(t, 0, change.Record.TransactionCount)
		assert.Equal(t, rebate.RecordCancelled, change.Record.Status)
		assert.True(t, dec("160").Equal(change.Applied))
	})

	// Row is kept, not deleted
	require.Len(t, mem.Records(), 1)
}

func TestLedger_Deduct_ClampsAndWarns(t *testing.T) {
	// GIVEN: A 100 balance
	mem := store.NewMemory()
	core, logs := observer.New(zap.WarnLevel)
	ledger := rebate.NewLedger(zap.New(core))
	ctx := context.Background()

	inTx(t, mem, func(tx rebate.Tx) {
		_, err := ledger.UpsertAdd(ctx, tx, "ref-cruz", march3Day, dec("100"), "Maria Cruz")
		require.NoError(t, err)

		// WHEN: Deducting 150
		change, err := ledger.Deduct(ctx, tx, "ref-cruz", march3Day, dec("150"))
		require.NoError(t, err)

		// THEN: Clamped to zero, applied is what the row held
		assert.True(t, change.Record.TotalRebateAmount.IsZero())
		assert.True(t, dec("100").Equal(change.Applied))
		assert.Equal(t, rebate.RecordCancelled, change.Record.Status)
	})

	require.Equal(t, 1, logs.FilterMessage("rebate deduction clamped to zero").Len())
}

func TestLedger_Deduct_CountNeverNegative(t *testing.T) {
	mem := store.NewMemory()
	ledger := rebate.NewLedger(nil)
	ctx := context.Background()

	inTx(t, mem, func(tx rebate.Tx) {
		_, err := ledger.UpsertAdd(ctx, tx, "ref-cruz", march3Day, dec("0"), "Maria Cruz")
		require.NoError(t, err)
		_, err = ledger.Deduct(ctx, tx, "ref-cruz", march3Day, dec("0"))
		require.NoError(t, err)
		change, err := ledger.Deduct(ctx, tx, "ref-cruz", march3Day, dec("0"))
		require.NoError(t, err)
		assert.Equal(t, 0, change.Record.TransactionCount)
		assert.Equal(t, rebate.RecordCancelled, change.Record.Status)
	})
}

func TestLedger_Reduce_KeepsCount(t *testing.T) {
	mem := store.NewMemory()
	ledger := rebate.NewLedger(nil)
	ctx := context.Background()

	inTx(t, mem, func(tx rebate.Tx) {
		_, err := ledger.UpsertAdd(ctx, tx, "ref-cruz", march3Day, dec("300"), "Maria Cruz")
		require.NoError(t, err)

		change, err := ledger.Reduce(ctx, tx, "ref-cruz", march3Day, dec("100"))
		require.NoError(t, err)

		assert.True(t, dec("200").Equal(change.Record.TotalRebateAmount))
		assert.Equal(t, 1, change.Record.TransactionCount)
		assert.Equal(t, rebate.RecordActive, change.Record.Status)
	})
}

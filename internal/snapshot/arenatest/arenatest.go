// Package arenatest is a conformance suite for snapshot.Arena
// implementations.
package arenatest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pricer/internal/engine"
	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/evalctx"
	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/snapshot"
	"github.com/roach88/pricer/internal/testutil"
	"github.com/roach88/pricer/internal/trace"
)

// Evaluation prices the bookkeeping fixture at the given volume.
func Evaluation(t testing.TB, volume int64) *engine.Evaluation {
	t.Helper()
	rs := testutil.PublishedRuleSet(t, "bookkeeping.yaml")
	ctx, err := evalctx.Normalize(ir.IRObject{
		"client_type":                ir.IRString("business"),
		"monthly_transaction_volume": ir.IRInt(volume),
		"company_name":               ir.IRString("Acme Ltd"),
	}, rs)
	require.NoError(t, err)
	ev, err := engine.Evaluate(rs, ctx)
	require.NoError(t, err)
	return ev
}

// Version builds an unsaved quote version.
func Version(t testing.TB, id, quoteID, key string, volume int64) *snapshot.QuoteVersion {
	t.Helper()
	ev := Evaluation(t, volume)
	hash, err := ir.QuoteRequestHash(ev.Context, ev.Ref.IR())
	require.NoError(t, err)
	return &snapshot.QuoteVersion{
		ID:              id,
		QuoteID:         quoteID,
		Version:         1,
		IdempotencyKey:  key,
		RequestHash:     hash,
		RuleSet:         ev.Ref,
		Context:         ev.Context,
		Result:          ev.Result,
		Trace:           ev.Trace,
		SensitiveFields: []string{"account.company_name"},
		IssuedAt:        testutil.Epoch,
		IssuedBy:        "sales@example.com",
	}
}

// Run exercises an Arena. newArena must return an empty arena.
func Run(t *testing.T, newArena func(t *testing.T) snapshot.Arena) {
	ctx := context.Background()

	t.Run("AppendAndGet", func(t *testing.T) {
		a := newArena(t)
		q := Version(t, "qv-1", "q-1", "key-1", 50)
		require.NoError(t, a.Append(ctx, q))

		got, err := a.Get(ctx, "qv-1")
		require.NoError(t, err)
		assert.Equal(t, snapshot.StatusIssued, got.Status)
		assert.Nil(t, got.Acceptance)
		assert.Equal(t, q.RuleSet, got.RuleSet)
		assert.Equal(t, q.RequestHash, got.RequestHash)
		assert.Equal(t, q.Trace.Checksum, got.Trace.Checksum)
		assert.Equal(t, []string{"account.company_name"}, got.SensitiveFields)
		assert.True(t, q.IssuedAt.Equal(got.IssuedAt))
		assert.True(t, ir.Equal(q.Context, got.Context))
		require.NoError(t, got.Verify(), "stored versions verify after a round trip")

		byKey, err := a.ByKey(ctx, "key-1")
		require.NoError(t, err)
		assert.Equal(t, "qv-1", byKey.ID)
	})

	t.Run("NotFound", func(t *testing.T) {
		a := newArena(t)
		_, err := a.Get(ctx, "missing")
		assert.True(t, errs.IsNotFound(err))
		_, err = a.ByKey(ctx, "missing")
		assert.True(t, errs.IsNotFound(err))
		_, err = a.Head(ctx, "missing")
		assert.True(t, errs.IsNotFound(err))
		_, err = a.History(ctx, "missing")
		assert.True(t, errs.IsNotFound(err))
	})

	t.Run("DuplicateKey", func(t *testing.T) {
		a := newArena(t)
		require.NoError(t, a.Append(ctx, Version(t, "qv-1", "q-1", "key-1", 50)))
		err := a.Append(ctx, Version(t, "qv-2", "q-2", "key-1", 50))
		require.Error(t, err)
		assert.True(t, errors.Is(err, snapshot.ErrKeyExists))
	})

	t.Run("SupersedeMovesHead", func(t *testing.T) {
		a := newArena(t)
		require.NoError(t, a.Append(ctx, Version(t, "qv-1", "q-1", "key-1", 50)))

		next := Version(t, "qv-2", "q-1", "key-2", 150)
		next.Version = 2
		next.Supersedes = "qv-1"
		require.NoError(t, a.Append(ctx, next))

		head, err := a.Head(ctx, "q-1")
		require.NoError(t, err)
		assert.Equal(t, "qv-2", head.ID)

		old, err := a.Get(ctx, "qv-1")
		require.NoError(t, err)
		assert.Equal(t, snapshot.StatusSuperseded, old.Status)
		assert.Equal(t, "500.00", old.Result.LineItems[0].Amount.String(), "superseded versions keep their content")

		history, err := a.History(ctx, "q-1")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "qv-1", history[0].ID)
		assert.Equal(t, "qv-2", history[1].ID)
	})

	t.Run("StaleSupersede", func(t *testing.T) {
		a := newArena(t)
		require.NoError(t, a.Append(ctx, Version(t, "qv-1", "q-1", "key-1", 50)))
		second := Version(t, "qv-2", "q-1", "key-2", 60)
		second.Version, second.Supersedes = 2, "qv-1"
		require.NoError(t, a.Append(ctx, second))

		stale := Version(t, "qv-3", "q-1", "key-3", 70)
		stale.Version, stale.Supersedes = 2, "qv-1"
		err := a.Append(ctx, stale)
		assert.True(t, errors.Is(err, snapshot.ErrHeadMoved))

		restart := Version(t, "qv-4", "q-1", "key-4", 70)
		err = a.Append(ctx, restart)
		assert.True(t, errors.Is(err, snapshot.ErrHeadMoved), "version 1 of an existing quote")
	})

	t.Run("AcceptOnce", func(t *testing.T) {
		a := newArena(t)
		require.NoError(t, a.Append(ctx, Version(t, "qv-1", "q-1", "key-1", 50)))

		at := testutil.Epoch.Add(time.Hour)
		require.NoError(t, a.Accept(ctx, "qv-1", snapshot.Acceptance{Actor: "buyer@example.com", At: at}))

		got, err := a.Get(ctx, "qv-1")
		require.NoError(t, err)
		assert.Equal(t, snapshot.StatusAccepted, got.Status)
		require.NotNil(t, got.Acceptance)
		assert.Equal(t, "buyer@example.com", got.Acceptance.Actor)
		assert.True(t, at.Equal(got.Acceptance.At))

		err = a.Accept(ctx, "qv-1", snapshot.Acceptance{Actor: "other", At: at})
		assert.True(t, errs.IsImmutability(err))

		err = a.Accept(ctx, "missing", snapshot.Acceptance{Actor: "other", At: at})
		assert.True(t, errs.IsNotFound(err))
	})

	t.Run("CallerChangesDoNotReachStore", func(t *testing.T) {
		a := newArena(t)
		q := Version(t, "qv-1", "q-1", "key-1", 50)
		require.NoError(t, a.Append(ctx, q))
		q.Result.LineItems[0].Amount = ir.MustDecimal("2.00")
		q.SensitiveFields[0] = "changed"
		require.NoError(t, a.Accept(ctx, "qv-1", snapshot.Acceptance{Actor: "buyer", At: testutil.Epoch}))

		got, err := a.Get(ctx, "qv-1")
		require.NoError(t, err)
		got.Result.LineItems[0].Amount = ir.MustDecimal("1.00")
		got.Context["account"].(ir.IRObject)["client_type"] = ir.IRString("tampered")
		got.Trace.Steps[0].Outcome = trace.Skipped
		got.Acceptance.Actor = "someone else"

		history, err := a.History(ctx, "q-1")
		require.NoError(t, err)
		history[0].Result.Totals.Total = ir.Zero

		again, err := a.Get(ctx, "qv-1")
		require.NoError(t, err)
		assert.Equal(t, snapshot.StatusAccepted, again.Status)
		assert.Equal(t, "500.00", again.Result.LineItems[0].Amount.String())
		assert.Equal(t, ir.IRString("business"), again.Context["account"].(ir.IRObject)["client_type"])
		assert.Equal(t, trace.Applied, again.Trace.Steps[0].Outcome)
		assert.Equal(t, "buyer", again.Acceptance.Actor)
		assert.Equal(t, []string{"account.company_name"}, again.SensitiveFields)
		require.NoError(t, again.Verify())
	})

	t.Run("AcceptSuperseded", func(t *testing.T) {
		a := newArena(t)
		require.NoError(t, a.Append(ctx, Version(t, "qv-1", "q-1", "key-1", 50)))
		next := Version(t, "qv-2", "q-1", "key-2", 150)
		next.Version, next.Supersedes = 2, "qv-1"
		require.NoError(t, a.Append(ctx, next))

		err := a.Accept(ctx, "qv-1", snapshot.Acceptance{Actor: "buyer", At: testutil.Epoch})
		assert.True(t, errs.IsImmutability(err))
	})

	t.Run("ConcurrentAccept", func(t *testing.T) {
		a := newArena(t)
		require.NoError(t, a.Append(ctx, Version(t, "qv-1", "q-1", "key-1", 50)))

		const workers = 8
		var wg sync.WaitGroup
		results := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results <- a.Accept(ctx, "qv-1", snapshot.Acceptance{Actor: fmt.Sprintf("actor-%d", i), At: testutil.Epoch})
			}(i)
		}
		wg.Wait()
		close(results)

		succeeded := 0
		for err := range results {
			if err == nil {
				succeeded++
				continue
			}
			assert.True(t, errs.IsImmutability(err), "loser error: %v", err)
		}
		assert.Equal(t, 1, succeeded)
	})
}

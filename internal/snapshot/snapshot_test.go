package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pricer/internal/engine"
	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/ruleset"
	"github.com/roach88/pricer/internal/snapshot"
	"github.com/roach88/pricer/internal/snapshot/arenatest"
	"github.com/roach88/pricer/internal/testutil"
)

// registry is a Resolver over a fixed set of rulesets.
type registry map[string]*ruleset.RuleSet

func (r registry) Resolve(_ context.Context, id string, version int) (*ruleset.RuleSet, error) {
	rs, ok := r[ruleset.Ref{ID: id, Version: version}.String()]
	if !ok {
		return nil, errs.NotFound("ruleset %s@%d not found", id, version)
	}
	return rs, nil
}

func (r registry) put(rs *ruleset.RuleSet) { r[rs.Ref().String()] = rs }

type fixture struct {
	writer *snapshot.Writer
	arena  *snapshot.MemoryArena
	reg    registry
	clock  *testutil.StepClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		arena: snapshot.NewMemoryArena(),
		reg:   registry{},
		clock: testutil.NewStepClock(time.Time{}, time.Minute),
	}
	f.reg.put(testutil.PublishedRuleSet(t, "bookkeeping.yaml"))
	f.writer = snapshot.NewWriter(f.arena, f.reg,
		snapshot.WithClock(f.clock.Now),
		snapshot.WithIDGenerator(testutil.NewSequentialIDs("q")),
	)
	return f
}

func request(ev *engine.Evaluation, key string) snapshot.IssueRequest {
	return snapshot.IssueRequest{
		Ref:             ev.Ref,
		Context:         ev.Context,
		Result:          ev.Result,
		Trace:           ev.Trace,
		IdempotencyKey:  key,
		Actor:           "sales@example.com",
		SensitiveFields: []string{"account.company_name", "account.contact_email"},
	}
}

func TestMemoryArenaConformance(t *testing.T) {
	arenatest.Run(t, func(t *testing.T) snapshot.Arena {
		return snapshot.NewMemoryArena()
	})
}

func TestIssue(t *testing.T) {
	f := newFixture(t)
	ev := arenatest.Evaluation(t, 50)

	q, created, err := f.writer.Issue(context.Background(), request(ev, "key-1"))
	require.NoError(t, err)
	assert.True(t, created)

	assert.Equal(t, "q-0001", q.ID)
	assert.Equal(t, "q-0002", q.QuoteID)
	assert.Equal(t, 1, q.Version)
	assert.Empty(t, q.Supersedes)
	assert.Equal(t, snapshot.StatusIssued, q.Status)
	assert.Equal(t, testutil.Epoch, q.IssuedAt)
	assert.Equal(t, "sales@example.com", q.IssuedBy)
	assert.Equal(t, ev.Ref, q.RuleSet)
	require.NoError(t, q.Verify())
}

func TestIssueIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := arenatest.Evaluation(t, 50)

	first, _, err := f.writer.Issue(ctx, request(ev, "key-1"))
	require.NoError(t, err)

	again, created, err := f.writer.Issue(ctx, request(arenatest.Evaluation(t, 50), "key-1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.IssuedAt, again.IssuedAt)

	_, _, err = f.writer.Issue(ctx, request(arenatest.Evaluation(t, 150), "key-1"))
	require.Error(t, err)
	assert.True(t, errs.IsImmutability(err))
	assert.Contains(t, err.Error(), "different request")
}

func TestIssueRequiresKey(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.writer.Issue(context.Background(), request(arenatest.Evaluation(t, 50), ""))
	assert.True(t, errs.IsValidation(err))
}

func TestIssueRejectsTamperedTrace(t *testing.T) {
	f := newFixture(t)
	ev := arenatest.Evaluation(t, 50)
	ev.Result.Totals.Total = ev.Result.Totals.Subtotal

	_, _, err := f.writer.Issue(context.Background(), request(ev, "key-1"))
	require.Error(t, err)
	assert.True(t, errs.IsChecksumMismatch(err))
}

func TestSupersede(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _, err := f.writer.Issue(ctx, request(arenatest.Evaluation(t, 50), "key-1"))
	require.NoError(t, err)

	req := request(arenatest.Evaluation(t, 150), "key-2")
	req.QuoteID = first.QuoteID
	second, created, err := f.writer.Issue(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.QuoteID, second.QuoteID)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, first.ID, second.Supersedes)

	old, err := f.writer.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, snapshot.StatusSuperseded, old.Status)

	_, err = f.writer.Accept(ctx, first.ID, "buyer@example.com")
	assert.True(t, errs.IsImmutability(err))

	history, err := f.writer.History(ctx, first.QuoteID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	req = request(arenatest.Evaluation(t, 60), "key-3")
	req.QuoteID = "no-such-quote"
	_, _, err = f.writer.Issue(ctx, req)
	assert.True(t, errs.IsNotFound(err))
}

func TestAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q, _, err := f.writer.Issue(ctx, request(arenatest.Evaluation(t, 50), "key-1"))
	require.NoError(t, err)

	accepted, err := f.writer.Accept(ctx, q.ID, "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, snapshot.StatusAccepted, accepted.Status)
	require.NotNil(t, accepted.Acceptance)
	assert.Equal(t, "buyer@example.com", accepted.Acceptance.Actor)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), accepted.Acceptance.At)

	_, err = f.writer.Accept(ctx, q.ID, "buyer@example.com")
	assert.True(t, errs.IsImmutability(err))

	_, err = f.writer.Accept(ctx, q.ID, "")
	assert.True(t, errs.IsValidation(err))
}

func TestAcceptedQuoteCanBeSuperseded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q, _, err := f.writer.Issue(ctx, request(arenatest.Evaluation(t, 50), "key-1"))
	require.NoError(t, err)
	_, err = f.writer.Accept(ctx, q.ID, "buyer@example.com")
	require.NoError(t, err)

	req := request(arenatest.Evaluation(t, 150), "key-2")
	req.QuoteID = q.QuoteID
	next, _, err := f.writer.Issue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, q.ID, next.Supersedes)

	old, err := f.writer.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, snapshot.StatusAccepted, old.Status, "acceptance is terminal")
}

func TestAcceptRequiresPublishedRuleSet(t *testing.T) {
	ctx := context.Background()

	t.Run("deprecated", func(t *testing.T) {
		f := newFixture(t)
		q, _, err := f.writer.Issue(ctx, request(arenatest.Evaluation(t, 50), "key-1"))
		require.NoError(t, err)

		rs := testutil.PublishedRuleSet(t, "bookkeeping.yaml")
		deprecated, err := rs.Deprecate(false)
		require.NoError(t, err)
		f.reg.put(deprecated)

		_, err = f.writer.Accept(ctx, q.ID, "buyer")
		assert.True(t, errs.IsImmutability(err))
	})

	t.Run("missing", func(t *testing.T) {
		f := newFixture(t)
		q, _, err := f.writer.Issue(ctx, request(arenatest.Evaluation(t, 50), "key-1"))
		require.NoError(t, err)

		clear(f.reg)
		_, err = f.writer.Accept(ctx, q.ID, "buyer")
		require.Error(t, err)
		assert.True(t, errs.IsImmutability(err))
		assert.Contains(t, err.Error(), "no longer resolves")
	})
}

func TestBillableLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q, _, err := f.writer.Issue(ctx, request(arenatest.Evaluation(t, 250), "key-1"))
	require.NoError(t, err)

	_, err = snapshot.BillableLines(q)
	assert.True(t, errs.IsImmutability(err), "issued versions are not billable")

	accepted, err := f.writer.Accept(ctx, q.ID, "buyer")
	require.NoError(t, err)
	lines, err := snapshot.BillableLines(accepted)
	require.NoError(t, err)

	require.Len(t, lines, len(accepted.Result.LineItems))
	for i, l := range lines {
		assert.Equal(t, q.ID, l.QuoteVersionID)
		assert.Equal(t, accepted.Result.LineItems[i].LineItemID, l.LineItemID)
		assert.Equal(t, accepted.Result.LineItems[i].ProductCode, l.ProductCode)
	}
}

func TestUUIDv7Generator(t *testing.T) {
	gen := snapshot.UUIDv7Generator{}
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := gen.Generate()
		parsed, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(7), parsed.Version())
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

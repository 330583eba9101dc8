package snapshot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/output"
	"github.com/roach88/pricer/internal/ruleset"
	"github.com/roach88/pricer/internal/trace"
)

// Resolver looks up a ruleset by id and version.
type Resolver interface {
	Resolve(ctx context.Context, id string, version int) (*ruleset.RuleSet, error)
}

// IssueRequest is everything frozen into a quote version.
type IssueRequest struct {
	Ref     ruleset.Ref
	Context ir.IRObject
	Result  *output.Result
	Trace   *trace.Trace

	// IdempotencyKey is required. Reusing it with the same context and
	// ruleset reference returns the original version.
	IdempotencyKey string

	// QuoteID, when set, supersedes the current head of that quote.
	QuoteID string

	Actor           string
	SensitiveFields []string
}

// Writer issues and accepts quote versions.
type Writer struct {
	arena    Arena
	resolver Resolver
	now      func() time.Time
	ids      IDGenerator
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock sets the issuance and acceptance time source.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		w.now = now
	}
}

// WithIDGenerator sets the quote and version id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(w *Writer) {
		w.ids = g
	}
}

// NewWriter creates a Writer. Defaults: time.Now and UUIDv7 ids.
func NewWriter(arena Arena, resolver Resolver, opts ...Option) *Writer {
	w := &Writer{
		arena:    arena,
		resolver: resolver,
		now:      time.Now,
		ids:      UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Issue freezes an evaluation. It returns the version and whether it was
// newly created; an idempotent replay returns the original with false.
func (w *Writer) Issue(ctx context.Context, req IssueRequest) (*QuoteVersion, bool, error) {
	if req.IdempotencyKey == "" {
		return nil, false, errs.Validation("idempotency key is required",
			errs.Issue{Field: "idempotency_key", Code: "V301", Message: "must not be empty"})
	}
	if req.Result == nil || req.Trace == nil {
		return nil, false, errs.Validation("issue requires an evaluation result and trace")
	}

	hash, err := ir.QuoteRequestHash(req.Context, req.Ref.IR())
	if err != nil {
		return nil, false, fmt.Errorf("issue: %w", err)
	}

	if existing, err := w.replay(ctx, req.IdempotencyKey, hash); existing != nil || err != nil {
		return existing, false, err
	}

	if err := req.Trace.Verify(req.Result.IR()); err != nil {
		return nil, false, err
	}

	q := &QuoteVersion{
		ID:              w.ids.Generate(),
		QuoteID:         req.QuoteID,
		Version:         1,
		IdempotencyKey:  req.IdempotencyKey,
		RequestHash:     hash,
		RuleSet:         req.Ref,
		Context:         req.Context,
		Result:          req.Result,
		Trace:           req.Trace,
		SensitiveFields: slices.Clone(req.SensitiveFields),
		IssuedAt:        w.now().UTC(),
		IssuedBy:        req.Actor,
	}
	if req.QuoteID == "" {
		q.QuoteID = w.ids.Generate()
	} else {
		head, err := w.arena.Head(ctx, req.QuoteID)
		if err != nil {
			return nil, false, err
		}
		q.Version = head.Version + 1
		q.Supersedes = head.ID
	}

	if err := w.arena.Append(ctx, q); err != nil {
		switch {
		case errors.Is(err, ErrKeyExists):
			// Lost a race against the same key.
			existing, rerr := w.replay(ctx, req.IdempotencyKey, hash)
			if rerr != nil {
				return nil, false, rerr
			}
			if existing != nil {
				return existing, false, nil
			}
		case errors.Is(err, ErrHeadMoved):
			return nil, false, errs.Immutable("quote %s changed while issuing; retry against the new head", q.QuoteID)
		}
		return nil, false, fmt.Errorf("issue: %w", err)
	}

	q.Status = StatusIssued
	return q, true, nil
}

// replay returns the version already issued under key, nil if the key is
// unused, or an ImmutabilityViolation if it was used for another request.
func (w *Writer) replay(ctx context.Context, key, hash string) (*QuoteVersion, error) {
	existing, err := w.arena.ByKey(ctx, key)
	if errs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.RequestHash != hash {
		return nil, errs.Immutable("idempotency key %q was already used for a different request (quote version %s)", key, existing.ID)
	}
	return existing, nil
}

// Accept marks the head version of a quote as accepted by actor. The
// version's ruleset reference must still resolve to the same published
// content.
func (w *Writer) Accept(ctx context.Context, id, actor string) (*QuoteVersion, error) {
	if actor == "" {
		return nil, errs.Validation("actor is required",
			errs.Issue{Field: "actor", Code: "V302", Message: "must not be empty"})
	}

	q, err := w.arena.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch q.Status {
	case StatusAccepted:
		return nil, errs.Immutable("quote version %s is already accepted", id)
	case StatusSuperseded:
		return nil, errs.Immutable("quote version %s is superseded", id)
	}

	if err := w.checkRuleSet(ctx, q.RuleSet); err != nil {
		return nil, err
	}

	if err := w.arena.Accept(ctx, id, Acceptance{Actor: actor, At: w.now().UTC()}); err != nil {
		return nil, err
	}
	return w.arena.Get(ctx, id)
}

func (w *Writer) checkRuleSet(ctx context.Context, ref ruleset.Ref) error {
	rs, err := w.resolver.Resolve(ctx, ref.ID, ref.Version)
	if errs.IsNotFound(err) {
		return errs.Immutable("ruleset %s no longer resolves", ref)
	}
	if err != nil {
		return err
	}
	if rs.Status() != ruleset.StatusPublished {
		return errs.Immutable("ruleset %s is %s, not published", ref, rs.Status())
	}
	if rs.Checksum() != ref.Checksum {
		return errs.Immutable("ruleset %s content changed: quoted %s, now %s", ref, ref.Checksum, rs.Checksum())
	}
	return nil
}

// Get returns a quote version by id.
func (w *Writer) Get(ctx context.Context, id string) (*QuoteVersion, error) {
	return w.arena.Get(ctx, id)
}

// History returns every version of a quote, oldest first.
func (w *Writer) History(ctx context.Context, quoteID string) ([]*QuoteVersion, error) {
	return w.arena.History(ctx, quoteID)
}

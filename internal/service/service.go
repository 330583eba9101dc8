// Package service exposes the pricing operations: evaluate, issue, accept
// and get.
//
// The service resolves rulesets, normalizes raw contexts, runs the pure
// evaluation pipeline and hands results to the snapshot writer. It owns
// the ambient concerns the core leaves out: every call gets a UUIDv7
// correlation id on its logger, failures are counted in metrics, and
// expression failures are reported to callers as an opaque error whose
// detail is only in the log.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/pricer/internal/config"
	"github.com/roach88/pricer/internal/engine"
	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/evalctx"
	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/logging"
	"github.com/roach88/pricer/internal/metrics"
	"github.com/roach88/pricer/internal/ruleset"
	"github.com/roach88/pricer/internal/snapshot"
)

// MsgUnpriceable is the message returned in place of an ExpressionError.
const MsgUnpriceable = "unable to price this configuration"

// DetailCorrelationID is the errs.Error detail key carrying the
// correlation id of an opaque failure.
const DetailCorrelationID = "correlation_id"

// Service implements the pricing operations.
type Service struct {
	resolver snapshot.Resolver
	writer   *snapshot.Writer

	logger  *slog.Logger
	metrics *metrics.Metrics
	ids     snapshot.IDGenerator
	now     func() time.Time

	maxContextFields int
	rejectDeprecated bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithCorrelationIDs sets the correlation id source.
func WithCorrelationIDs(g snapshot.IDGenerator) Option {
	return func(s *Service) {
		s.ids = g
	}
}

// WithClock sets the time source used for latency metrics.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithMaxContextFields bounds the leaf keys of raw contexts.
func WithMaxContextFields(n int) Option {
	return func(s *Service) {
		s.maxContextFields = n
	}
}

// WithRejectDeprecated refuses evaluation against deprecated rulesets
// even when they are not blocked.
func WithRejectDeprecated(reject bool) Option {
	return func(s *Service) {
		s.rejectDeprecated = reject
	}
}

// WithEngineConfig applies the engine section of the configuration.
func WithEngineConfig(cfg config.EngineConfig) Option {
	return func(s *Service) {
		s.maxContextFields = cfg.MaxContextFields
		s.rejectDeprecated = cfg.RejectDeprecated
	}
}

// New creates a Service. resolver looks up rulesets for evaluation and
// issue; writer records quote versions.
func New(resolver snapshot.Resolver, writer *snapshot.Writer, opts ...Option) *Service {
	s := &Service{
		resolver:         resolver,
		writer:           writer,
		logger:           logging.Discard(),
		ids:              snapshot.UUIDv7Generator{},
		now:              time.Now,
		maxContextFields: evalctx.DefaultMaxFields,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(config.MetricsConfig{}, nil)
	}
	return s
}

// Metrics returns the metrics sink.
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// Key identifies a stored ruleset version.
type Key struct {
	ID      string
	Version int
}

// Evaluate prices raw under the stored ruleset named by key.
func (s *Service) Evaluate(ctx context.Context, key Key, raw ir.IRObject) (*engine.Evaluation, error) {
	ctx, logger := s.begin(ctx, "evaluate")
	rs, err := s.resolve(ctx, key)
	if err != nil {
		s.metrics.RecordError("evaluate", err)
		logger.Warn("ruleset lookup failed", "ruleset_id", key.ID, "ruleset_version", key.Version, "error", err)
		return nil, err
	}
	return s.evaluate(ctx, logger, rs, raw)
}

// EvaluateRuleSet prices raw under rs without a registry lookup. Drafts
// are accepted, which makes this the preview path for unpublished rules.
func (s *Service) EvaluateRuleSet(ctx context.Context, rs *ruleset.RuleSet, raw ir.IRObject) (*engine.Evaluation, error) {
	ctx, logger := s.begin(ctx, "evaluate")
	return s.evaluate(ctx, logger, rs, raw)
}

func (s *Service) evaluate(ctx context.Context, logger *slog.Logger, rs *ruleset.RuleSet, raw ir.IRObject) (*engine.Evaluation, error) {
	start := s.now()
	ev, err := s.price(ctx, logger, rs, raw)
	s.metrics.RecordEvaluation(rs.Ref().String(), s.now().Sub(start), err)
	if err != nil {
		return nil, err
	}

	logger.Info("evaluation complete",
		"ruleset", rs.Ref().String(),
		"total", ev.Result.Totals.Total.String(),
		"trace_checksum", ev.Trace.Checksum,
		"warnings", len(ev.Result.Warnings),
	)
	return ev, nil
}

func (s *Service) price(ctx context.Context, logger *slog.Logger, rs *ruleset.RuleSet, raw ir.IRObject) (*engine.Evaluation, error) {
	if s.rejectDeprecated && rs.Status() == ruleset.StatusDeprecated {
		return nil, errs.Immutable("ruleset %s is deprecated", rs.Ref())
	}

	nctx, err := evalctx.Normalize(raw, rs, evalctx.WithMaxFields(s.maxContextFields))
	if err != nil {
		logger.Info("context rejected", "ruleset", rs.Ref().String(), "error", err)
		return nil, err
	}

	ev, err := engine.Evaluate(rs, nctx)
	if errs.IsExpression(err) {
		return nil, s.opaque(ctx, logger, rs, raw, err)
	}
	if err != nil {
		logger.Info("evaluation failed", "ruleset", rs.Ref().String(), "error", err)
		return nil, err
	}
	return ev, nil
}

// opaque logs an expression failure in full and returns an error that
// names only the correlation id.
func (s *Service) opaque(ctx context.Context, logger *slog.Logger, rs *ruleset.RuleSet, raw ir.IRObject, err error) error {
	cause, _ := errs.As(err)
	id := correlationID(ctx)
	logger.Error("expression failed during evaluation",
		"ruleset", rs.Ref().String(),
		"checksum", rs.Checksum(),
		"rule_id", cause.RuleID,
		"error", err,
		logging.ContextAttr("context", raw, rs.SensitiveFields()),
	)
	return &errs.Error{
		Kind:    errs.KindExpression,
		Message: MsgUnpriceable,
		Details: map[string]string{DetailCorrelationID: id},
	}
}

// IssueRequest names the ruleset and context to price and freeze.
type IssueRequest struct {
	RuleSet        Key
	Context        ir.IRObject
	IdempotencyKey string

	// QuoteID, when set, supersedes the current head of that quote.
	QuoteID string
	Actor   string
}

// Issue evaluates the request and freezes the result as a quote version.
// Only published or deprecated rulesets can be quoted. It returns the
// version and whether it was newly created.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*snapshot.QuoteVersion, bool, error) {
	ctx, logger := s.begin(ctx, "issue")
	q, created, err := s.issue(ctx, logger, req)
	if err != nil {
		s.metrics.RecordError("issue", err)
		logger.Warn("issue failed", "idempotency_key", req.IdempotencyKey, "error", err)
		return nil, false, err
	}

	s.metrics.RecordIssue(q.RuleSet.String(), created)
	logger.Info("quote issued",
		"quote_version_id", q.ID,
		"quote_id", q.QuoteID,
		"version", q.Version,
		"created", created,
	)
	return q, created, nil
}

func (s *Service) issue(ctx context.Context, logger *slog.Logger, req IssueRequest) (*snapshot.QuoteVersion, bool, error) {
	rs, err := s.resolve(ctx, req.RuleSet)
	if err != nil {
		return nil, false, err
	}
	if rs.Status() == ruleset.StatusDraft {
		return nil, false, errs.Immutable("ruleset %s is a draft; publish it before issuing quotes", rs.Ref())
	}

	ev, err := s.evaluate(ctx, logger, rs, req.Context)
	if err != nil {
		return nil, false, err
	}
	return s.writer.Issue(ctx, snapshot.IssueRequest{
		Ref:             ev.Ref,
		Context:         ev.Context,
		Result:          ev.Result,
		Trace:           ev.Trace,
		IdempotencyKey:  req.IdempotencyKey,
		QuoteID:         req.QuoteID,
		Actor:           req.Actor,
		SensitiveFields: rs.SensitiveFields(),
	})
}

// Accept records acceptance of a quote version by actor.
func (s *Service) Accept(ctx context.Context, id, actor string) (*snapshot.QuoteVersion, error) {
	ctx, logger := s.begin(ctx, "accept")
	q, err := s.writer.Accept(ctx, id, actor)
	s.metrics.RecordAccept(err)
	if err != nil {
		logger.Warn("accept failed", "quote_version_id", id, "error", err)
		return nil, err
	}
	logger.Info("quote accepted", "quote_version_id", q.ID, "quote_id", q.QuoteID)
	return q, nil
}

// Get returns a quote version.
func (s *Service) Get(ctx context.Context, id string) (*snapshot.QuoteVersion, error) {
	_, logger := s.begin(ctx, "get")
	q, err := s.writer.Get(ctx, id)
	if err != nil {
		s.metrics.RecordError("get", err)
		logger.Debug("get failed", "quote_version_id", id, "error", err)
		return nil, err
	}
	return q, nil
}

// History returns every version of a quote, oldest first.
func (s *Service) History(ctx context.Context, quoteID string) ([]*snapshot.QuoteVersion, error) {
	_, logger := s.begin(ctx, "history")
	versions, err := s.writer.History(ctx, quoteID)
	if err != nil {
		s.metrics.RecordError("history", err)
		logger.Debug("history failed", "quote_id", quoteID, "error", err)
		return nil, err
	}
	return versions, nil
}

func (s *Service) resolve(ctx context.Context, key Key) (*ruleset.RuleSet, error) {
	return s.resolver.Resolve(ctx, key.ID, key.Version)
}

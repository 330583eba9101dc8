package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/snapshot"
)

// Append inserts a quote version and moves its quote's head pointer in one
// transaction. Version 1 creates the head; later versions must supersede
// the current head.
func (s *Store) Append(ctx context.Context, q *snapshot.QuoteVersion) error {
	contextJSON, err := marshalContext(q.Context)
	if err != nil {
		return fmt.Errorf("append %s: %w", q.ID, err)
	}
	resultJSON, err := marshalResult(q.Result)
	if err != nil {
		return fmt.Errorf("append %s: %w", q.ID, err)
	}
	traceJSON, err := marshalTrace(q.Trace)
	if err != nil {
		return fmt.Errorf("append %s: %w", q.ID, err)
	}
	sensitiveJSON, err := marshalStrings(q.SensitiveFields)
	if err != nil {
		return fmt.Errorf("append %s: %w", q.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append %s: begin tx: %w", q.ID, err)
	}
	defer tx.Rollback() // No-op if committed

	var taken int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM quote_versions WHERE idempotency_key = ?`, q.IdempotencyKey,
	).Scan(&taken); err != nil {
		return fmt.Errorf("append %s: check key: %w", q.ID, err)
	}
	if taken > 0 {
		return fmt.Errorf("append %s: %w", q.ID, snapshot.ErrKeyExists)
	}

	var supersedes sql.NullString
	if q.Supersedes != "" {
		supersedes = sql.NullString{String: q.Supersedes, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO quote_versions
		(id, quote_id, version, supersedes, idempotency_key, request_hash,
		 ruleset_id, ruleset_version, ruleset_checksum, schema_version,
		 context, result, trace, trace_checksum, sensitive_fields, issued_at, issued_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		q.ID,
		q.QuoteID,
		q.Version,
		supersedes,
		q.IdempotencyKey,
		q.RequestHash,
		q.RuleSet.ID,
		q.RuleSet.Version,
		q.RuleSet.Checksum,
		q.RuleSet.SchemaVersion,
		contextJSON,
		resultJSON,
		traceJSON,
		q.Trace.Checksum,
		sensitiveJSON,
		formatTime(q.IssuedAt),
		q.IssuedBy,
	)
	if err != nil {
		return fmt.Errorf("append %s: %w", q.ID, classifyInsert(err))
	}

	var res sql.Result
	if q.Supersedes == "" {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO quote_heads (quote_id, head_id) VALUES (?, ?)
			ON CONFLICT(quote_id) DO NOTHING
		`, q.QuoteID, q.ID)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE quote_heads SET head_id = ?
			WHERE quote_id = ? AND head_id = ?
		`, q.ID, q.QuoteID, q.Supersedes)
	}
	if err != nil {
		return fmt.Errorf("append %s: move head: %w", q.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append %s: rows affected: %w", q.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("append %s to quote %s: %w", q.ID, q.QuoteID, snapshot.ErrHeadMoved)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append %s: commit: %w", q.ID, err)
	}
	s.logger.Debug("quote version appended", "quote_version", q.ID, "quote", q.QuoteID, "version", q.Version)
	return nil
}

// classifyInsert maps unique constraint failures to arena errors.
func classifyInsert(err error) error {
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) || sqlErr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return err
	}
	msg := sqlErr.Error()
	switch {
	case strings.Contains(msg, "idempotency_key"):
		return snapshot.ErrKeyExists
	case strings.Contains(msg, "quote_versions.quote_id"):
		return snapshot.ErrHeadMoved
	}
	return errs.Immutable("quote version already exists: %v", err)
}

// quoteColumns must match scanQuote.
const quoteColumns = `
	v.id, v.quote_id, v.version, v.supersedes, v.idempotency_key, v.request_hash,
	v.ruleset_id, v.ruleset_version, v.ruleset_checksum, v.schema_version,
	v.context, v.result, v.trace, v.sensitive_fields, v.issued_at, v.issued_by,
	a.actor, a.accepted_at, h.head_id
`

const quoteFrom = `
	FROM quote_versions v
	LEFT JOIN quote_acceptances a ON a.quote_version_id = v.id
	LEFT JOIN quote_heads h ON h.quote_id = v.quote_id
`

type scanner interface {
	Scan(dest ...any) error
}

func scanQuote(row scanner) (*snapshot.QuoteVersion, error) {
	var (
		q                                             snapshot.QuoteVersion
		supersedes, actor, acceptedAt, head           sql.NullString
		contextJSON, resultJSON, traceJSON, sensitive string
		issuedAt                                      string
	)
	err := row.Scan(
		&q.ID, &q.QuoteID, &q.Version, &supersedes, &q.IdempotencyKey, &q.RequestHash,
		&q.RuleSet.ID, &q.RuleSet.Version, &q.RuleSet.Checksum, &q.RuleSet.SchemaVersion,
		&contextJSON, &resultJSON, &traceJSON, &sensitive, &issuedAt, &q.IssuedBy,
		&actor, &acceptedAt, &head,
	)
	if err != nil {
		return nil, err
	}

	q.Supersedes = supersedes.String
	if q.Context, err = unmarshalContext(contextJSON); err != nil {
		return nil, err
	}
	if q.Result, err = unmarshalResult(resultJSON); err != nil {
		return nil, err
	}
	if q.Trace, err = unmarshalTrace(traceJSON); err != nil {
		return nil, err
	}
	if q.SensitiveFields, err = unmarshalStrings(sensitive); err != nil {
		return nil, err
	}
	if q.IssuedAt, err = parseTime(issuedAt); err != nil {
		return nil, err
	}

	switch {
	case actor.Valid:
		at, err := parseTime(acceptedAt.String)
		if err != nil {
			return nil, err
		}
		q.Status = snapshot.StatusAccepted
		q.Acceptance = &snapshot.Acceptance{Actor: actor.String, At: at}
	case head.String != q.ID:
		q.Status = snapshot.StatusSuperseded
	default:
		q.Status = snapshot.StatusIssued
	}
	return &q, nil
}

func (s *Store) queryOne(ctx context.Context, where string, arg any, notFound string) (*snapshot.QuoteVersion, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+quoteColumns+quoteFrom+"WHERE "+where, arg)
	q, err := scanQuote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("%s", notFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read quote version: %w", err)
	}
	return q, nil
}

// Get returns a quote version by id.
func (s *Store) Get(ctx context.Context, id string) (*snapshot.QuoteVersion, error) {
	return s.queryOne(ctx, "v.id = ?", id, fmt.Sprintf("quote version %s not found", id))
}

// ByKey returns the version issued under an idempotency key.
func (s *Store) ByKey(ctx context.Context, key string) (*snapshot.QuoteVersion, error) {
	return s.queryOne(ctx, "v.idempotency_key = ?", key, fmt.Sprintf("no quote version for idempotency key %q", key))
}

// Head returns the current version of a quote.
func (s *Store) Head(ctx context.Context, quoteID string) (*snapshot.QuoteVersion, error) {
	return s.queryOne(ctx, "v.id = (SELECT head_id FROM quote_heads WHERE quote_id = ?)", quoteID,
		fmt.Sprintf("quote %s not found", quoteID))
}

// History returns every version of a quote, oldest first.
func (s *Store) History(ctx context.Context, quoteID string) ([]*snapshot.QuoteVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+quoteColumns+quoteFrom+"WHERE v.quote_id = ? ORDER BY v.version ASC", quoteID)
	if err != nil {
		return nil, fmt.Errorf("query quote history: %w", err)
	}
	defer rows.Close()

	var out []*snapshot.QuoteVersion
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quote version: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quote history: %w", err)
	}
	if len(out) == 0 {
		return nil, errs.NotFound("quote %s not found", quoteID)
	}
	return out, nil
}

// Accept records an acceptance. The insert only happens while the version
// is its quote's head and has no acceptance yet.
func (s *Store) Accept(ctx context.Context, id string, a snapshot.Acceptance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("accept %s: begin tx: %w", id, err)
	}
	defer tx.Rollback() // No-op if committed

	var head sql.NullString
	var accepted int
	err = tx.QueryRowContext(ctx, `
		SELECT h.head_id,
		       (SELECT COUNT(*) FROM quote_acceptances WHERE quote_version_id = v.id)
		FROM quote_versions v
		LEFT JOIN quote_heads h ON h.quote_id = v.quote_id
		WHERE v.id = ?
	`, id).Scan(&head, &accepted)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFound("quote version %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("accept %s: %w", id, err)
	}
	if accepted > 0 {
		return errs.Immutable("quote version %s is already accepted", id)
	}
	if head.String != id {
		return errs.Immutable("quote version %s is superseded by %s", id, head.String)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO quote_acceptances (quote_version_id, actor, accepted_at)
		VALUES (?, ?, ?)
		ON CONFLICT(quote_version_id) DO NOTHING
	`, id, a.Actor, formatTime(a.At))
	if err != nil {
		return fmt.Errorf("accept %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("accept %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return errs.Immutable("quote version %s is already accepted", id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("accept %s: commit: %w", id, err)
	}
	s.logger.Info("quote version accepted", "quote_version", id)
	return nil
}

// VerifyQuotes recomputes the request hash and trace checksum of every
// stored quote version and returns the ids that fail, mapped to the error.
func (s *Store) VerifyQuotes(ctx context.Context) (map[string]error, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+quoteColumns+quoteFrom+"ORDER BY v.id COLLATE BINARY ASC")
	if err != nil {
		return nil, fmt.Errorf("query quote versions: %w", err)
	}
	defer rows.Close()

	failed := make(map[string]error)
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quote version: %w", err)
		}
		if err := q.Verify(); err != nil {
			failed[q.ID] = err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quote versions: %w", err)
	}
	return failed, nil
}

var (
	_ snapshot.Arena    = (*Store)(nil)
	_ snapshot.Resolver = (*Store)(nil)
)

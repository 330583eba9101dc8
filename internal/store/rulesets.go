package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/ruleset"
)

// RuleSetInfo is one registry row without its content.
type RuleSetInfo struct {
	ID            string         `json:"ruleset_id"`
	Version       int            `json:"ruleset_version"`
	Status        ruleset.Status `json:"status"`
	SchemaVersion string         `json:"schema_version"`
	Checksum      string         `json:"checksum"`
	PublishedAt   *time.Time     `json:"published_at,omitempty"`
	Blocked       bool           `json:"blocked,omitempty"`
}

// SaveDraft inserts a draft ruleset, or replaces the content of an
// existing draft with the same id and version. Saving over a published or
// deprecated version is an ImmutabilityViolation.
func (s *Store) SaveDraft(ctx context.Context, rs *ruleset.RuleSet) error {
	if rs.Status() != ruleset.StatusDraft {
		return errs.Immutable("ruleset %s is %s; only drafts can be saved", rs.Ref(), rs.Status())
	}
	doc, err := rs.Declared()
	if err != nil {
		return err
	}
	content, err := marshalDocument(doc)
	if err != nil {
		return fmt.Errorf("save draft %s: %w", rs.Ref(), err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rulesets
		(ruleset_id, version, status, schema_version, checksum, content)
		VALUES (?, ?, 'draft', ?, ?, ?)
		ON CONFLICT(ruleset_id, version) DO UPDATE SET
			schema_version = excluded.schema_version,
			checksum = excluded.checksum,
			content = excluded.content
		WHERE rulesets.status = 'draft'
	`,
		rs.ID(),
		rs.Version(),
		rs.SchemaVersion(),
		rs.Checksum(),
		content,
	)
	if err != nil {
		return fmt.Errorf("save draft %s: %w", rs.Ref(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save draft %s: rows affected: %w", rs.Ref(), err)
	}
	if n == 0 {
		return errs.Immutable("ruleset %s is already published", rs.Ref())
	}
	s.logger.Debug("ruleset draft saved", "ruleset", rs.Ref().String(), "checksum", rs.Checksum())
	return nil
}

// Publish moves a stored draft to published. The update is conditional on
// the row still being a draft with the same checksum, so of two concurrent
// publishers exactly one wins; the other gets an ImmutabilityViolation.
func (s *Store) Publish(ctx context.Context, id string, version int, at time.Time) (*ruleset.RuleSet, error) {
	draft, err := s.LoadRuleSet(ctx, id, version)
	if err != nil {
		return nil, err
	}
	published, err := draft.Publish(at)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE rulesets
		SET status = 'published', published_at = ?
		WHERE ruleset_id = ? AND version = ? AND status = 'draft' AND checksum = ?
	`, formatTime(published.PublishedAt()), id, version, published.Checksum())
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", published.Ref(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("publish %s: rows affected: %w", published.Ref(), err)
	}
	if n == 0 {
		return nil, errs.Immutable("ruleset %s changed state during publish", published.Ref())
	}

	s.logger.Info("ruleset published", "ruleset", published.Ref().String(), "checksum", published.Checksum())
	return published, nil
}

// Deprecate moves a published ruleset to deprecated. With block set,
// evaluation against it is refused.
func (s *Store) Deprecate(ctx context.Context, id string, version int, block bool) (*ruleset.RuleSet, error) {
	current, err := s.LoadRuleSet(ctx, id, version)
	if err != nil {
		return nil, err
	}
	deprecated, err := current.Deprecate(block)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE rulesets
		SET status = 'deprecated', blocked = ?
		WHERE ruleset_id = ? AND version = ? AND status = 'published'
	`, block, id, version)
	if err != nil {
		return nil, fmt.Errorf("deprecate %s: %w", deprecated.Ref(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("deprecate %s: rows affected: %w", deprecated.Ref(), err)
	}
	if n == 0 {
		return nil, errs.Immutable("ruleset %s changed state during deprecate", deprecated.Ref())
	}

	s.logger.Info("ruleset deprecated", "ruleset", deprecated.Ref().String(), "blocked", block)
	return deprecated, nil
}

// LoadRuleSet rebuilds a stored ruleset. The content is revalidated and
// its checksum recomputed; a row whose content no longer matches its
// checksum is a ChecksumMismatch.
func (s *Store) LoadRuleSet(ctx context.Context, id string, version int) (*ruleset.RuleSet, error) {
	var (
		status      string
		checksum    string
		content     string
		publishedAt sql.NullString
		blocked     bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT status, checksum, content, published_at, blocked
		FROM rulesets
		WHERE ruleset_id = ? AND version = ?
	`, id, version).Scan(&status, &checksum, &content, &publishedAt, &blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("ruleset %s@%d not found", id, version)
	}
	if err != nil {
		return nil, fmt.Errorf("load ruleset %s@%d: %w", id, version, err)
	}

	doc, err := unmarshalDocument(content)
	if err != nil {
		return nil, fmt.Errorf("load ruleset %s@%d: %w", id, version, err)
	}
	st := ruleset.Stored{
		Status:   ruleset.Status(status),
		Checksum: checksum,
		Blocked:  blocked,
	}
	if publishedAt.Valid {
		if st.PublishedAt, err = parseTime(publishedAt.String); err != nil {
			return nil, fmt.Errorf("load ruleset %s@%d: %w", id, version, err)
		}
	}
	return s.adapters.Restore(doc, st)
}

// Resolve implements snapshot.Resolver.
func (s *Store) Resolve(ctx context.Context, id string, version int) (*ruleset.RuleSet, error) {
	return s.LoadRuleSet(ctx, id, version)
}

// ListRuleSets returns every stored ruleset ordered by id and version.
func (s *Store) ListRuleSets(ctx context.Context) ([]RuleSetInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ruleset_id, version, status, schema_version, checksum, published_at, blocked
		FROM rulesets
		ORDER BY ruleset_id COLLATE BINARY ASC, version ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query rulesets: %w", err)
	}
	defer rows.Close()

	infos := []RuleSetInfo{}
	for rows.Next() {
		var (
			info        RuleSetInfo
			status      string
			publishedAt sql.NullString
		)
		if err := rows.Scan(&info.ID, &info.Version, &status, &info.SchemaVersion, &info.Checksum, &publishedAt, &info.Blocked); err != nil {
			return nil, fmt.Errorf("scan ruleset: %w", err)
		}
		info.Status = ruleset.Status(status)
		if publishedAt.Valid {
			t, err := parseTime(publishedAt.String)
			if err != nil {
				return nil, err
			}
			info.PublishedAt = &t
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rulesets: %w", err)
	}
	return infos, nil
}

// VerifyRuleSets reloads every stored ruleset and returns the refs whose
// content fails checksum verification, mapped to the error.
func (s *Store) VerifyRuleSets(ctx context.Context) (map[string]error, error) {
	infos, err := s.ListRuleSets(ctx)
	if err != nil {
		return nil, err
	}
	failed := make(map[string]error)
	for _, info := range infos {
		if _, err := s.LoadRuleSet(ctx, info.ID, info.Version); err != nil {
			failed[fmt.Sprintf("%s@%d", info.ID, info.Version)] = err
		}
	}
	return failed, nil
}

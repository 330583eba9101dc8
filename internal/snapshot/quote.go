// Package snapshot freezes evaluations into immutable quote versions.
//
// A quote is a chain of versions. Issuing against an existing quote
// appends a version that supersedes the current head and moves the head
// pointer; older versions are retained and never mutated. Acceptance is
// terminal and recorded separately from the version itself, so the
// version content stays append-only.
//
// Storage is behind the Arena interface. MemoryArena serves tests and
// embedding; the store package provides a SQLite arena.
package snapshot

import (
	"encoding/json"
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

// Status is the derived lifecycle state of a quote version.
type Status string

const (
	StatusIssued     Status = "issued"
	StatusAccepted   Status = "accepted"
	StatusSuperseded Status = "superseded"
)

// ErrKeyExists is returned (wrapped) by an Arena when the idempotency key
// of an appended version is already taken.
var ErrKeyExists = errors.New("idempotency key already used")

// ErrHeadMoved is returned (wrapped) by an Arena when a version does not
// supersede the current head of its quote.
var ErrHeadMoved = errors.New("quote head moved")

// Acceptance records who accepted a version and when.
type Acceptance struct {
	Actor string    `json:"actor"`
	At    time.Time `json:"accepted_at"`
}

// QuoteVersion is one frozen evaluation.
type QuoteVersion struct {
	ID              string         `json:"id"`
	QuoteID         string         `json:"quote_id"`
	Version         int            `json:"version"`
	Supersedes      string         `json:"supersedes,omitempty"`
	IdempotencyKey  string         `json:"idempotency_key"`
	RequestHash     string         `json:"request_hash"`
	RuleSet         ruleset.Ref    `json:"ruleset"`
	Context         ir.IRObject    `json:"context"`
	Result          *output.Result `json:"result"`
	Trace           *trace.Trace   `json:"trace"`
	SensitiveFields []string       `json:"sensitive_fields,omitempty"`
	IssuedAt        time.Time      `json:"issued_at"`
	IssuedBy        string         `json:"issued_by,omitempty"`

	// Filled by the arena on read.
	Status     Status      `json:"status"`
	Acceptance *Acceptance `json:"acceptance,omitempty"`
}

// Verify recomputes the request hash and the trace checksum.
func (q *QuoteVersion) Verify() error {
	if q.Result == nil || q.Trace == nil {
		return errs.ChecksumMismatch("quote version "+q.ID, "result and trace", "missing")
	}
	hash, err := ir.QuoteRequestHash(q.Context, q.RuleSet.IR())
	if err != nil {
		return err
	}
	if hash != q.RequestHash {
		return errs.ChecksumMismatch("quote version "+q.ID+" request", q.RequestHash, hash)
	}
	if err := q.Trace.Verify(q.Result.IR()); err != nil {
		return fmt.Errorf("quote version %s: %w", q.ID, err)
	}
	return nil
}

// clone returns a deep copy safe to hand out while the original stays
// stored. Result, trace and context go through their JSON forms, the same
// way the SQLite arena persists them.
func (q *QuoteVersion) clone() (*QuoteVersion, error) {
	c := *q
	c.SensitiveFields = slices.Clone(q.SensitiveFields)
	if q.Acceptance != nil {
		a := *q.Acceptance
		c.Acceptance = &a
	}

	if q.Context != nil {
		data, err := ir.MarshalCanonical(q.Context)
		if err != nil {
			return nil, fmt.Errorf("copy quote version %s context: %w", q.ID, err)
		}
		c.Context = nil
		if err := json.Unmarshal(data, &c.Context); err != nil {
			return nil, fmt.Errorf("copy quote version %s context: %w", q.ID, err)
		}
	}
	if q.Result != nil {
		data, err := json.Marshal(q.Result)
		if err != nil {
			return nil, fmt.Errorf("copy quote version %s result: %w", q.ID, err)
		}
		var res output.Result
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("copy quote version %s result: %w", q.ID, err)
		}
		c.Result = &res
	}
	if q.Trace != nil {
		data, err := q.Trace.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("copy quote version %s trace: %w", q.ID, err)
		}
		var tr trace.Trace
		if err := tr.UnmarshalJSON(data); err != nil {
			return nil, fmt.Errorf("copy quote version %s trace: %w", q.ID, err)
		}
		c.Trace = &tr
	}
	return &c, nil
}

// BillableLine is an accepted line item as the billing ledger receives it.
type BillableLine struct {
	QuoteVersionID string     `json:"quote_version_id"`
	LineItemID     string     `json:"line_item_id"`
	ProductCode    string     `json:"product_code"`
	Quantity       ir.Decimal `json:"quantity"`
	UnitPrice      ir.Decimal `json:"unit_price"`
	Amount         ir.Decimal `json:"amount"`
	BillingModel   string     `json:"billing_model"`
	Unit           string     `json:"unit"`
}

// BillableLines converts an accepted version's line items 1:1.
func BillableLines(q *QuoteVersion) ([]BillableLine, error) {
	if q.Acceptance == nil {
		return nil, errs.Immutable("quote version %s is %s; only accepted versions are billable", q.ID, q.Status)
	}
	lines := make([]BillableLine, 0, len(q.Result.LineItems))
	for _, li := range q.Result.LineItems {
		lines = append(lines, BillableLine{
			QuoteVersionID: q.ID,
			LineItemID:     li.LineItemID,
			ProductCode:    li.ProductCode,
			Quantity:       li.Quantity,
			UnitPrice:      li.UnitPrice,
			Amount:         li.Amount,
			BillingModel:   li.BillingModel,
			Unit:           li.Unit,
		})
	}
	return lines, nil
}

package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/pricer/internal/ir"
	"github.com/roach88/pricer/internal/output"
	"github.com/roach88/pricer/internal/ruleset"
	"github.com/roach88/pricer/internal/trace"
)

// timeLayout stores instants as sortable UTC text.
const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// marshalDocument converts a declared document to canonical JSON TEXT.
// The declared checksum field is not part of the content.
func marshalDocument(doc *ruleset.Document) (string, error) {
	content, err := ruleset.Content(doc)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	data, err := ir.MarshalCanonical(content)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	return string(data), nil
}

func unmarshalDocument(data string) (*ruleset.Document, error) {
	var doc ruleset.Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return &doc, nil
}

// marshalContext converts a normalized context to canonical JSON TEXT.
func marshalContext(ctx ir.IRObject) (string, error) {
	data, err := ir.MarshalCanonical(ctx)
	if err != nil {
		return "", fmt.Errorf("marshal context: %w", err)
	}
	return string(data), nil
}

// unmarshalContext parses canonical JSON TEXT to IRObject.
// Uses ir.IRObject.UnmarshalJSON which keeps integers exact.
func unmarshalContext(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	var obj ir.IRObject
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return obj, nil
}

// marshalResult keeps the result contract's JSON form, so stored amounts
// retain their currency scale ("500.00").
func marshalResult(res *output.Result) (string, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(data), nil
}

func unmarshalResult(data string) (*output.Result, error) {
	var res output.Result
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &res, nil
}

// marshalTrace writes the trace in its canonical form.
func marshalTrace(tr *trace.Trace) (string, error) {
	data, err := tr.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshal trace: %w", err)
	}
	return string(data), nil
}

func unmarshalTrace(data string) (*trace.Trace, error) {
	var tr trace.Trace
	if err := tr.UnmarshalJSON([]byte(data)); err != nil {
		return nil, fmt.Errorf("unmarshal trace: %w", err)
	}
	return &tr, nil
}

func marshalStrings(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal strings: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(data string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal strings: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

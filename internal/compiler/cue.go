package compiler

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/pricer/internal/ruleset"
)

//go:embed schema.cue
var schemaSource string

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaDef  cue.Value
	schemaErr  error
)

// ruleSetSchema compiles the embedded schema once. Values unified with it
// must come from the same cue.Context.
func ruleSetSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compile embedded schema: %w", err)
			return
		}
		schemaDef = v.LookupPath(cue.ParsePath("#RuleSet"))
		schemaErr = schemaDef.Err()
	})
	return schemaCtx, schemaDef, schemaErr
}

// cueMu serializes use of the shared cue.Context, which is not safe for
// concurrent use.
var cueMu sync.Mutex

// CompileCUE evaluates a CUE rule document, checks it against the
// embedded #RuleSet schema, and decodes the concrete result.
//
// Uses the CUE SDK's Go API directly (not the CLI).
func CompileCUE(src []byte, name string) (*ruleset.Document, error) {
	cueMu.Lock()
	defer cueMu.Unlock()

	ctx, def, err := ruleSetSchema()
	if err != nil {
		return nil, err
	}

	v := ctx.CompileBytes(src, cue.Filename(name))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	unified := def.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var doc ruleset.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, &CompileError{File: name, Field: "cue", Message: err.Error()}
	}
	return &doc, nil
}

// CompileError is a decode failure with an optional source position.
type CompileError struct {
	File    string
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	if e.File != "" {
		return fmt.Sprintf("%s: %s: %s", e.File, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from the first CUE error.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	list := errors.Errors(err)
	if len(list) == 0 {
		return err
	}

	first := list[0]
	ce := &CompileError{Field: "cue", Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	if len(list) > 1 {
		ce.Message = fmt.Sprintf("%s (and %d more errors)", ce.Message, len(list)-1)
	}
	return ce
}

package ruleset

import (
	"fmt"
	"sync"

	"github.com/roach88/pricer/internal/errs"
	"github.com/roach88/pricer/internal/ir"
)

// AdapterFunc upgrades a document of an older schema_version to the
// native one. It receives a private copy and may modify it in place.
type AdapterFunc func(*Document) (*Document, error)

// Adapters maps schema versions to upgrade functions.
type Adapters struct {
	mu sync.RWMutex
	m  map[string]AdapterFunc
}

// DefaultAdapters is used by Validate.
var DefaultAdapters = NewAdapters()

// NewAdapters returns an empty registry.
func NewAdapters() *Adapters {
	return &Adapters{m: make(map[string]AdapterFunc)}
}

// Register adds an adapter for version. The native version cannot be
// adapted and a version can be registered once.
func (a *Adapters) Register(version string, fn AdapterFunc) error {
	if version == ir.SchemaVersion {
		return fmt.Errorf("schema_version %q is native and needs no adapter", version)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.m[version]; dup {
		return fmt.Errorf("adapter for schema_version %q already registered", version)
	}
	a.m[version] = fn
	return nil
}

// Supports reports whether version is native or adaptable.
func (a *Adapters) Supports(version string) bool {
	if version == ir.SchemaVersion {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.m[version]
	return ok
}

// Validate checks doc and returns a draft RuleSet, or a SchemaError with
// every issue found. doc itself is never modified.
func (a *Adapters) Validate(doc *Document) (*RuleSet, error) {
	if doc == nil {
		return nil, errs.Schema("empty rule document")
	}

	declared, err := cloneDocument(doc)
	if err != nil {
		return nil, err
	}
	effective, err := cloneDocument(doc)
	if err != nil {
		return nil, err
	}

	if declared.SchemaVersion != ir.SchemaVersion {
		a.mu.RLock()
		fn, ok := a.m[declared.SchemaVersion]
		a.mu.RUnlock()
		if !ok {
			return nil, errs.UnsupportedSchemaVersion(declared.SchemaVersion)
		}
		if effective, err = fn(effective); err != nil {
			return nil, &errs.Error{
				Kind:    errs.KindSchema,
				Message: fmt.Sprintf("adapt schema_version %q", declared.SchemaVersion),
				Err:     err,
			}
		}
		if effective == nil || effective.SchemaVersion != ir.SchemaVersion {
			got := ""
			if effective != nil {
				got = effective.SchemaVersion
			}
			return nil, errs.Schema(fmt.Sprintf("adapter for %q produced schema_version %q, want %q",
				declared.SchemaVersion, got, ir.SchemaVersion))
		}
		if effective.RuleSetID != declared.RuleSetID || effective.RuleSetVersion != declared.RuleSetVersion {
			return nil, errs.Schema(fmt.Sprintf("adapter for %q changed ruleset identity", declared.SchemaVersion))
		}
	}

	v, err := validateDocument(effective)
	if err != nil {
		return nil, err
	}
	return newRuleSet(declared, effective, v, a)
}

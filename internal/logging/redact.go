package logging

import (
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/m-mizutani/masq"

	"github.com/roach88/pricer/internal/ir"
)

var (
	jwtPattern    = regexp.MustCompile(`^eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*$`)
	bearerPattern = regexp.MustCompile(`(?i)^bearer\s+.+$`)
)

// DefaultRedactOptions returns the masq options applied to every logger.
func DefaultRedactOptions() []masq.Option {
	return []masq.Option{
		masq.WithFieldName("password"),
		masq.WithFieldName("secret"),
		masq.WithFieldName("token"),
		masq.WithFieldName("api_key"),
		masq.WithFieldName("authorization"),
		masq.WithFieldName("credentials"),

		masq.WithFieldPrefix("secret"),
		masq.WithFieldPrefix("private"),

		masq.WithRegex(jwtPattern),
		masq.WithRegex(bearerPattern),
	}
}

// NewReplaceAttr creates a ReplaceAttr function for slog.HandlerOptions
// that redacts secrets plus whatever opts add.
func NewReplaceAttr(opts ...masq.Option) func(groups []string, a slog.Attr) slog.Attr {
	all := append(DefaultRedactOptions(), opts...)
	return masq.New(all...)
}

// SensitiveFields returns masq options redacting context fields marked
// sensitive in a ruleset schema. paths are category.name; both the path
// and the bare name are matched since flat contexts use the name alone.
func SensitiveFields(paths []string) []masq.Option {
	opts := make([]masq.Option, 0, 2*len(paths))
	for _, p := range paths {
		opts = append(opts, masq.WithFieldName(p))
		if _, name, ok := strings.Cut(p, "."); ok {
			opts = append(opts, masq.WithFieldName(name))
		}
	}
	return opts
}

// ContextAttr renders an evaluation context as a nested slog group with
// the sensitive fields redacted. It does not depend on the handler's
// ReplaceAttr, so a logger built before the ruleset was known still
// redacts them.
func ContextAttr(key string, obj ir.IRObject, sensitive []string) slog.Attr {
	redact := masq.New(SensitiveFields(sensitive)...)
	return slog.Attr{Key: key, Value: slog.GroupValue(objectAttrs(obj, []string{key}, redact)...)}
}

func objectAttrs(obj ir.IRObject, groups []string, redact func([]string, slog.Attr) slog.Attr) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(obj))
	for _, k := range obj.SortedKeys() {
		if inner, ok := obj[k].(ir.IRObject); ok {
			attrs = append(attrs, slog.Attr{
				Key:   k,
				Value: slog.GroupValue(objectAttrs(inner, slices.Concat(groups, []string{k}), redact)...),
			})
			continue
		}
		attrs = append(attrs, redact(groups, slog.Any(k, ir.ToGo(obj[k]))))
	}
	return attrs
}

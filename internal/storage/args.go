package storage

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
)

// DecodeArgs turns the args value of a worker request into driver
// arguments for the given backend. An absent or null value binds nothing, an
// array binds positionally, an object binds by name and any other value is
// the single positional argument. Object keys may carry the placeholder
// prefix ($name, :name or @name); it is stripped before binding. SQLite binds
// names through sql.Named; PostgreSQL through pgx.NamedArgs, which expects
// @name placeholders in the query.
func DecodeArgs(backend string, raw json.RawMessage) ([]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArgs, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrBadArgs)
	}

	switch x := v.(type) {
	case []any:
		return NormalizeArgs(x), nil
	case map[string]any:
		return namedArgs(backend, x)
	default:
		return NormalizeArgs([]any{x}), nil
	}
}

func namedArgs(backend string, m map[string]any) ([]any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)

	values := make([]any, len(names))
	for i, k := range names {
		values[i] = m[k]
	}
	values = NormalizeArgs(values)

	seen := make(map[string]bool, len(names))
	for i, k := range names {
		name := stripPlaceholder(k)
		if name == "" {
			return nil, fmt.Errorf("%w: empty parameter name %q", ErrBadArgs, k)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: parameter %q given twice", ErrBadArgs, name)
		}
		seen[name] = true
		names[i] = name
	}

	if backend == "postgres" {
		named := make(pgx.NamedArgs, len(names))
		for i, name := range names {
			named[name] = values[i]
		}
		return []any{named}, nil
	}
	out := make([]any, len(names))
	for i, name := range names {
		out[i] = sql.Named(name, values[i])
	}
	return out, nil
}

func stripPlaceholder(k string) string {
	if k != "" && (k[0] == '$' || k[0] == ':' || k[0] == '@') {
		return k[1:]
	}
	return k
}

package extract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/webfarm/internal/harvest"
	"github.com/JakeFAU/webfarm/internal/hash/sha256"
)

// DefaultSeparator joins composite key parts.
const DefaultSeparator = "|"

var defaultIDKeys = []string{"id", "uuid", "guid", "product_id", "item_id", "pk", "slug"}

// KeyExpr configures how a record key is derived.
type KeyExpr struct {
	// Paths are evaluated in order and joined with Separator. When empty the
	// id fallback applies.
	Paths     []string `json:"paths,omitempty" yaml:"paths,omitempty"`
	Separator string   `json:"separator,omitempty" yaml:"separator,omitempty"`
	IDPath    string   `json:"id_path,omitempty" yaml:"id_path,omitempty"`
	IDKeys    []string `json:"id_keys,omitempty" yaml:"id_keys,omitempty"`
}

// Validate parses every configured path.
func (k KeyExpr) Validate() error {
	for _, expr := range append(append([]string{k.IDPath}, k.Paths...), k.IDKeys...) {
		if expr == "" {
			continue
		}
		p, err := ParsePath(expr)
		if err != nil {
			return fmt.Errorf("key: %w", err)
		}
		if p.HasWildcard() {
			return fmt.Errorf("key path %q must not contain a wildcard", expr)
		}
	}
	return nil
}

var hasher = sha256.New()

// ComputeKey derives the dedup key of rec. It is a pure function of the
// record and the expression. A configured path with a missing or empty value
// yields harvest.ErrMissingKeyField. Without configured paths the key is
// `id:<value>` from IDPath or the id keys, else `sha256:<digest>` of the
// canonical JSON encoding.
func ComputeKey(rec Record, expr KeyExpr) (string, error) {
	if len(expr.Paths) > 0 {
		sep := expr.Separator
		if sep == "" {
			sep = DefaultSeparator
		}
		parts := make([]string, 0, len(expr.Paths))
		for _, p := range expr.Paths {
			v, ok := Lookup(rec, p)
			s, present := Stringify(v)
			if !ok || !present {
				return "", fmt.Errorf("%w: %s", harvest.ErrMissingKeyField, p)
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, sep), nil
	}

	if id, ok := ItemID(rec, expr); ok {
		return "id:" + id, nil
	}
	digest, err := hasher.HashValue(rec)
	if err != nil {
		return "", fmt.Errorf("hash record: %w", err)
	}
	return "sha256:" + digest, nil
}

// ItemID returns the record id from IDPath, then the id keys.
func ItemID(rec Record, expr KeyExpr) (string, bool) {
	if expr.IDPath != "" {
		if v, ok := Lookup(rec, expr.IDPath); ok {
			if s, ok := Stringify(v); ok {
				return s, true
			}
		}
	}
	keys := expr.IDKeys
	if len(keys) == 0 {
		keys = defaultIDKeys
	}
	for _, k := range keys {
		var v any
		var ok bool
		if strings.ContainsAny(k, ".[") {
			v, ok = Lookup(rec, k)
		} else {
			v, ok = rec[k]
		}
		if !ok {
			continue
		}
		if s, ok := Stringify(v); ok {
			return s, true
		}
	}
	return "", false
}

// Stringify renders a JSON value canonically. It reports false for null and
// empty strings.
func Stringify(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, t != ""
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t), true
		}
		return string(data), true
	}
}

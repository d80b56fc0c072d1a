package export

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/webfarm/internal/extract"
)

// Env carries the per-export values columns may refer to.
type Env struct {
	// Ctx supplies const_ref values. Profile ctx_defaults are merged under it.
	Ctx map[string]any
	// Key is the profile key expression used by computed columns.
	Key extract.KeyExpr
}

var (
	intPattern   = regexp.MustCompile(`-?\d+`)
	floatPattern = regexp.MustCompile(`-?\d+(?:[.,]\d+)?`)
)

// Row renders item through columns.
func Row(item any, columns []Column, env Env) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = Value(item, c, env)
	}
	return out
}

// Value renders one column of item as a string. Missing values render as
// the column default, or the empty string.
func Value(item any, col Column, env Env) string {
	var v any
	switch {
	case col.Compute != "":
		v = computed(item, col.Compute, env.Key)
	case col.ConstRef != "":
		v = env.Ctx[col.ConstRef]
	case col.HasConst:
		v = col.Const
	case len(col.Paths) > 0:
		for _, p := range col.Paths {
			if cand := at(item, p); !isEmpty(cand) {
				v = cand
				break
			}
		}
	default:
		v = at(item, col.Path)
	}
	if isEmpty(v) && col.HasDefault {
		v = col.Default
	}
	return cast(v, col.Type)
}

// at resolves path against item. The empty path is the whole item.
func at(item any, path string) any {
	if path == "" {
		return item
	}
	v, ok := extract.Lookup(item, path)
	if !ok {
		return nil
	}
	return v
}

func computed(item any, kind Compute, key extract.KeyExpr) any {
	rec, ok := item.(map[string]any)
	if !ok {
		return nil
	}
	switch kind {
	case ComputeItemID:
		id, ok := extract.ItemID(rec, key)
		if !ok {
			return nil
		}
		return id
	case ComputeItemKey:
		k, err := extract.ComputeKey(rec, key)
		if err != nil {
			return nil
		}
		return k
	default:
		return nil
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func cast(v any, typ Type) string {
	if v == nil {
		return ""
	}
	switch typ {
	case TypeJSON:
		return compactJSON(v)
	case TypeBool:
		return castBool(v)
	case TypeInt:
		return castInt(v)
	case TypeFloat:
		return castFloat(v)
	default:
		s, _ := extract.Stringify(v)
		return s
	}
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func castBool(v any) string {
	if b, ok := v.(bool); ok {
		return strconv.FormatBool(b)
	}
	s, _ := extract.Stringify(v)
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "ok":
		return "true"
	case "0", "false", "no", "n":
		return "false"
	default:
		return ""
	}
}

// numericText strips grouping spaces so "1 299" parses as 1299.
func numericText(v any) string {
	s, _ := extract.Stringify(v)
	s = strings.ReplaceAll(s, " ", "")
	return strings.ReplaceAll(s, " ", "")
}

func castInt(v any) string {
	switch n := v.(type) {
	case bool:
		return ""
	case float64:
		return strconv.FormatInt(int64(n), 10)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		if f, err := n.Float64(); err == nil {
			return strconv.FormatInt(int64(f), 10)
		}
	}
	m := intPattern.FindString(numericText(v))
	if m == "" {
		return ""
	}
	i, err := strconv.ParseInt(m, 10, 64)
	if err != nil {
		return ""
	}
	return strconv.FormatInt(i, 10)
}

func castFloat(v any) string {
	switch n := v.(type) {
	case bool:
		return ""
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
	m := floatPattern.FindString(numericText(v))
	if m == "" {
		return ""
	}
	f, err := strconv.ParseFloat(strings.Replace(m, ",", ".", 1), 64)
	if err != nil {
		return ""
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

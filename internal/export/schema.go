// Package export turns stored unique items into flat rows described by a
// profile export schema and writes them to CSV or JSONL sinks.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"gopkg.in/yaml.v3"
)

// Type is the output type of a column.
type Type string

// Column types.
const (
	TypeString Type = "str"
	TypeInt    Type = "int"
	TypeFloat  Type = "float"
	TypeBool   Type = "bool"
	TypeJSON   Type = "json"
)

// Compute names a value derived from the whole item.
type Compute string

// Computed columns.
const (
	ComputeItemKey Compute = "item_key"
	ComputeItemID  Compute = "item_id"
)

// DefaultSchema is used when neither the caller nor the profile names one.
const DefaultSchema = "default"

// Column describes how one output column is filled. Exactly one source is
// used, in order: compute, const_ref, const, paths, path.
type Column struct {
	Name     string
	Path     string
	Paths    []string
	Const    any
	HasConst bool
	ConstRef string
	Compute  Compute
	Default  any
	// HasDefault distinguishes an explicit null or empty default from none.
	HasDefault bool
	Type       Type
	Pos        *int
	Enabled    *bool
}

// UnmarshalJSON keeps numbers as json.Number and records which optional keys
// were present.
func (c *Column) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode column: %w", err)
	}
	return c.fromAny(raw)
}

// UnmarshalYAML accepts the same shapes as UnmarshalJSON.
func (c *Column) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("decode column: %w", err)
	}
	return c.fromAny(raw)
}

// fromAny reads a column object, or the short form where a bare string is
// the path.
func (c *Column) fromAny(raw any) error {
	*c = Column{}
	switch v := raw.(type) {
	case string:
		c.Path = v
		return nil
	case map[string]any:
		return c.fromMap(v)
	default:
		return fmt.Errorf("column must be an object or a path string, got %T", raw)
	}
}

func (c *Column) fromMap(m map[string]any) error {
	var err error
	if c.Name, err = optString(m, "name"); err != nil {
		return err
	}
	if c.Path, err = optString(m, "path"); err != nil {
		return err
	}
	if c.ConstRef, err = optString(m, "const_ref"); err != nil {
		return err
	}
	compute, err := optString(m, "compute")
	if err != nil {
		return err
	}
	c.Compute = Compute(compute)
	typ, err := optString(m, "type")
	if err != nil {
		return err
	}
	c.Type = Type(typ)
	if raw, ok := m["paths"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return fmt.Errorf("column %q: paths must be a list", c.Name)
		}
		for _, p := range list {
			s, ok := p.(string)
			if !ok {
				return fmt.Errorf("column %q: paths must hold strings", c.Name)
			}
			c.Paths = append(c.Paths, s)
		}
	}
	c.Const, c.HasConst = m["const"]
	c.Default, c.HasDefault = m["default"]
	if raw, ok := m["pos"]; ok {
		pos, ok := toInt(raw)
		if !ok {
			return fmt.Errorf("column %q: pos must be an integer", c.Name)
		}
		c.Pos = &pos
	}
	if raw, ok := m["enabled"]; ok {
		b, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("column %q: enabled must be a boolean", c.Name)
		}
		c.Enabled = &b
	}
	return nil
}

// MarshalJSON writes the column back in its object form.
func (c Column) MarshalJSON() ([]byte, error) {
	m := map[string]any{"name": c.Name}
	if c.Path != "" {
		m["path"] = c.Path
	}
	if len(c.Paths) > 0 {
		m["paths"] = c.Paths
	}
	if c.HasConst {
		m["const"] = c.Const
	}
	if c.ConstRef != "" {
		m["const_ref"] = c.ConstRef
	}
	if c.Compute != "" {
		m["compute"] = c.Compute
	}
	if c.HasDefault {
		m["default"] = c.Default
	}
	if c.Type != "" {
		m["type"] = c.Type
	}
	if c.Pos != nil {
		m["pos"] = *c.Pos
	}
	if c.Enabled != nil {
		m["enabled"] = *c.Enabled
	}
	return json.Marshal(m)
}

func optString(m map[string]any, key string) (string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("column field %s must be a string", key)
	}
	return s, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

// Schema is a named list of columns. ColumnsMap is the keyed form that
// profiles use when layering overrides; it is ordered by pos then name.
type Schema struct {
	Columns    []Column          `json:"columns,omitempty" yaml:"columns,omitempty"`
	ColumnsMap map[string]Column `json:"columns_map,omitempty" yaml:"columns_map,omitempty"`
}

// Resolved returns the effective ordered columns.
func (s Schema) Resolved() []Column {
	if len(s.Columns) > 0 {
		out := make([]Column, 0, len(s.Columns))
		for _, c := range s.Columns {
			if c.Enabled != nil && !*c.Enabled {
				continue
			}
			out = append(out, c)
		}
		return out
	}
	out := make([]Column, 0, len(s.ColumnsMap))
	for name, c := range s.ColumnsMap {
		if c.Enabled != nil && !*c.Enabled {
			continue
		}
		if c.Name == "" {
			c.Name = name
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := posOf(out[i]), posOf(out[j])
		if pi != pj {
			return pi < pj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func posOf(c Column) int {
	if c.Pos == nil {
		return math.MaxInt32
	}
	return *c.Pos
}

// Names returns the header row of the schema.
func (s Schema) Names() []string {
	cols := s.Resolved()
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// Validate checks names and sources of every column.
func (s Schema) Validate() error {
	seen := map[string]bool{}
	for i, c := range s.Resolved() {
		if c.Name == "" {
			return fmt.Errorf("column %d has no name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = true
		switch c.Type {
		case "", TypeString, TypeInt, TypeFloat, TypeBool, TypeJSON:
		default:
			return fmt.Errorf("column %q: unknown type %q", c.Name, c.Type)
		}
		switch c.Compute {
		case "", ComputeItemKey, ComputeItemID:
		default:
			return fmt.Errorf("column %q: unknown compute %q", c.Name, c.Compute)
		}
	}
	return nil
}

// Config is the export section of a profile.
type Config struct {
	DefaultSchema string            `json:"default_schema,omitempty" yaml:"default_schema,omitempty"`
	CtxDefaults   map[string]any    `json:"ctx_defaults,omitempty" yaml:"ctx_defaults,omitempty"`
	Schemas       map[string]Schema `json:"schemas,omitempty" yaml:"schemas,omitempty"`
}

// Schema looks up name, falling back to the configured default schema.
func (c Config) Schema(name string) (string, Schema, bool) {
	if name == "" {
		name = c.DefaultSchema
	}
	if name == "" {
		name = DefaultSchema
	}
	s, ok := c.Schemas[name]
	return name, s, ok
}

// Validate checks every schema.
func (c Config) Validate() error {
	for _, name := range sortedNames(c.Schemas) {
		if err := c.Schemas[name].Validate(); err != nil {
			return fmt.Errorf("export schema %s: %w", name, err)
		}
	}
	if c.DefaultSchema != "" {
		if _, ok := c.Schemas[c.DefaultSchema]; !ok {
			return fmt.Errorf("export default_schema %q is not defined", c.DefaultSchema)
		}
	}
	return nil
}

func sortedNames(m map[string]Schema) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadOptions tunes Load and LoadDir.
type LoadOptions struct {
	// DefaultsPath names a file merged under every profile.
	DefaultsPath string
}

// maxExtendsDepth bounds extends chains.
const maxExtendsDepth = 8

// Load reads one profile. Layers are deep merged in order: the defaults
// file, each `extends` parent, then the profile itself. Objects merge key by
// key; any other value replaces the lower layer.
func Load(file string, opts LoadOptions) (*Profile, error) {
	merged := map[string]any{}
	if opts.DefaultsPath != "" {
		defaults, err := readDoc(opts.DefaultsPath)
		if err != nil {
			return nil, err
		}
		merged = deepMerge(merged, defaults)
	}
	layer, err := resolveExtends(file, 0)
	if err != nil {
		return nil, err
	}
	merged = deepMerge(merged, layer)

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode profile %s: %w", file, err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", file, err)
	}
	p.Source = file
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return &p, nil
}

// resolveExtends returns the profile document at file with its parents
// merged underneath. Relative parents resolve against the file's directory.
func resolveExtends(file string, depth int) (map[string]any, error) {
	if depth > maxExtendsDepth {
		return nil, fmt.Errorf("profile %s: extends chain is deeper than %d", file, maxExtendsDepth)
	}
	doc, err := readDoc(file)
	if err != nil {
		return nil, err
	}
	parents, err := extendsList(doc)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", file, err)
	}
	delete(doc, "extends")
	delete(doc, "_extends")

	merged := map[string]any{}
	for _, rel := range parents {
		parent := rel
		if !filepath.IsAbs(parent) {
			parent = filepath.Join(filepath.Dir(file), rel)
		}
		layer, err := resolveExtends(parent, depth+1)
		if err != nil {
			return nil, err
		}
		merged = deepMerge(merged, layer)
	}
	return deepMerge(merged, doc), nil
}

func extendsList(doc map[string]any) ([]string, error) {
	raw, ok := doc["extends"]
	if !ok {
		raw, ok = doc["_extends"]
	}
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, it := range v {
			s, ok := it.(string)
			if !ok {
				return nil, fmt.Errorf("extends entries must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("extends must be a string or a list of strings")
	}
}

// readDoc decodes a JSON or YAML file into a generic object.
func readDoc(file string) (map[string]any, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var raw any
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		raw = normalizeYAML(raw)
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
	default:
		return nil, fmt.Errorf("profile %s: unsupported extension, want .json, .yaml or .yml", file)
	}
	doc, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("profile %s must be an object", file)
	}
	return doc, nil
}

// normalizeYAML turns non-string map keys, such as status codes, into
// strings so the document can be re-encoded as JSON.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	default:
		return v
	}
}

func deepMerge(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = deepMerge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// IsProfileFile reports whether name looks like a loadable profile. Files
// starting with an underscore hold shared defaults and are skipped.
func IsProfileFile(name string) bool {
	if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// LoadDir loads every profile in dir, sorted by name. Profile names must be
// unique.
func LoadDir(dir string, opts LoadOptions) ([]*Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profiles dir: %w", err)
	}
	var out []*Profile
	seen := map[string]string{}
	for _, e := range entries {
		if e.IsDir() || !IsProfileFile(e.Name()) {
			continue
		}
		file := filepath.Join(dir, e.Name())
		p, err := Load(file, opts)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("profile %q defined in both %s and %s", p.Name, prev, file)
		}
		seen[p.Name] = file
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Select filters profiles by name, keeping the requested order. An empty
// list selects all.
func Select(all []*Profile, names []string) ([]*Profile, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]*Profile, len(all))
	for _, p := range all {
		byName[p.Name] = p
	}
	out := make([]*Profile, 0, len(names))
	for _, n := range names {
		p, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("profile %q not found", n)
		}
		out = append(out, p)
	}
	return out, nil
}

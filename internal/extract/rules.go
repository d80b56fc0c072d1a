package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects how a response body is parsed.
type Mode string

// Extraction modes.
const (
	ModeJSON Mode = "json"
	ModeHTML Mode = "html"
	ModeAuto Mode = "auto"
)

// DefaultMaxDepth bounds the container search.
const DefaultMaxDepth = 2

var (
	defaultItemsKeys     = []string{"items", "results", "data", "posts", "products", "rows", "list"}
	defaultContainerKeys = []string{"data", "result", "payload", "response"}
)

// Rules describes how records are pulled out of a response.
type Rules struct {
	Mode          Mode              `json:"mode,omitempty" yaml:"mode,omitempty"`
	ItemsPath     string            `json:"items_path,omitempty" yaml:"items_path,omitempty"`
	ItemsKeys     []string          `json:"items_keys,omitempty" yaml:"items_keys,omitempty"`
	ContainerKeys []string          `json:"container_keys,omitempty" yaml:"container_keys,omitempty"`
	MaxDepth      int               `json:"max_depth,omitempty" yaml:"max_depth,omitempty"`
	SingleObject  bool              `json:"single_object,omitempty" yaml:"single_object,omitempty"`
	Fields        map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
	HTML          HTMLRules         `json:"html,omitempty" yaml:"html,omitempty"`
}

// HTMLRules configures extraction from HTML documents.
type HTMLRules struct {
	ItemsSelector string               `json:"items_selector,omitempty" yaml:"items_selector,omitempty"`
	Fields        map[string]FieldRule `json:"fields,omitempty" yaml:"fields,omitempty"`
	IDAttr        string               `json:"id_attr,omitempty" yaml:"id_attr,omitempty"`
}

// FieldRule is a list of `selector::text` or `selector::attr(name)`
// expressions; the first non-empty result wins. A single string is accepted
// when decoding.
type FieldRule []string

// UnmarshalJSON accepts a string or a list of strings.
func (f *FieldRule) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*f = FieldRule{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("html field rule must be a string or list of strings: %w", err)
	}
	*f = FieldRule(many)
	return nil
}

// UnmarshalYAML accepts a scalar or a sequence of scalars.
func (f *FieldRule) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*f = FieldRule{node.Value}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := node.Decode(&many); err != nil {
			return fmt.Errorf("decode html field rule: %w", err)
		}
		*f = FieldRule(many)
		return nil
	default:
		return fmt.Errorf("html field rule must be a string or list of strings")
	}
}

// withDefaults fills unset lists and limits.
func (r Rules) withDefaults() Rules {
	if r.Mode == "" {
		r.Mode = ModeJSON
	}
	if len(r.ItemsKeys) == 0 {
		r.ItemsKeys = defaultItemsKeys
	}
	if len(r.ContainerKeys) == 0 {
		r.ContainerKeys = defaultContainerKeys
	}
	if r.MaxDepth <= 0 {
		r.MaxDepth = DefaultMaxDepth
	}
	return r
}

// Validate checks the mode and every path and field expression.
func (r Rules) Validate() error {
	switch r.Mode {
	case "", ModeJSON, ModeAuto:
	case ModeHTML:
		if strings.TrimSpace(r.HTML.ItemsSelector) == "" {
			return fmt.Errorf("extract.html.items_selector is required in html mode")
		}
	default:
		return fmt.Errorf("extract.mode %q is not supported", r.Mode)
	}
	if r.MaxDepth < 0 {
		return fmt.Errorf("extract.max_depth must be >= 0")
	}
	if r.ItemsPath != "" {
		if _, err := ParsePath(r.ItemsPath); err != nil {
			return fmt.Errorf("extract.items_path: %w", err)
		}
	}
	for name, expr := range r.Fields {
		if _, err := ParsePath(expr); err != nil {
			return fmt.Errorf("extract.fields.%s: %w", name, err)
		}
	}
	for name, rule := range r.HTML.Fields {
		for _, expr := range rule {
			if _, err := parseFieldExpr(expr); err != nil {
				return fmt.Errorf("extract.html.fields.%s: %w", name, err)
			}
		}
	}
	return nil
}

var attrModeRe = regexp.MustCompile(`^attr\(([^()]+)\)$`)

type fieldExpr struct {
	selector string
	attr     string
}

func parseFieldExpr(expr string) (fieldExpr, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return fieldExpr{}, fmt.Errorf("empty field expression")
	}
	selector, mode := s, "text"
	if left, right, ok := strings.Cut(s, "::"); ok {
		selector, mode = strings.TrimSpace(left), strings.TrimSpace(right)
	}
	if mode == "text" {
		return fieldExpr{selector: selector}, nil
	}
	m := attrModeRe.FindStringSubmatch(mode)
	if m == nil {
		return fieldExpr{}, fmt.Errorf("field expression %q: mode must be text or attr(name)", expr)
	}
	attr := strings.ToLower(strings.Trim(strings.TrimSpace(m[1]), `"'`))
	if attr == "" {
		return fieldExpr{}, fmt.Errorf("field expression %q: empty attribute name", expr)
	}
	return fieldExpr{selector: selector, attr: attr}, nil
}

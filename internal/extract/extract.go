// Package extract turns response bodies into records and records into
// deduplication keys.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

// Record is one extracted item as generic JSON.
type Record = map[string]any

// Extract parses resp according to rules and returns the records together
// with the decoded JSON document (nil for HTML bodies). Malformed JSON in
// json mode yields harvest.ErrMalformedResponse.
func Extract(resp harvest.Response, rules Rules) ([]Record, any, error) {
	rules = rules.withDefaults()
	switch rules.Mode {
	case ModeJSON:
		doc, err := DecodeJSON(resp.Body)
		if err != nil {
			return nil, nil, err
		}
		records, err := jsonRecords(doc, rules)
		return records, doc, err
	case ModeHTML:
		records, err := htmlRecords(resp, rules.HTML)
		return records, nil, err
	case ModeAuto:
		if LooksLikeJSON(resp) {
			if doc, err := DecodeJSON(resp.Body); err == nil {
				records, err := jsonRecords(doc, rules)
				return records, doc, err
			}
		}
		records, err := htmlRecords(resp, rules.HTML)
		return records, nil, err
	default:
		return nil, nil, fmt.Errorf("extract mode %q is not supported", rules.Mode)
	}
}

func jsonRecords(doc any, rules Rules) ([]Record, error) {
	items, err := findItems(doc, rules)
	if err != nil {
		return nil, err
	}
	var fields map[string]Path
	if len(rules.Fields) > 0 {
		fields = make(map[string]Path, len(rules.Fields))
		for name, expr := range rules.Fields {
			p, err := ParsePath(expr)
			if err != nil {
				return nil, fmt.Errorf("extract field %s: %w", name, err)
			}
			fields[name] = p
		}
	}

	out := make([]Record, 0, len(items))
	for _, it := range items {
		rec, ok := it.(map[string]any)
		if !ok {
			rec = Record{"value": it}
		}
		if fields != nil {
			rec = project(rec, fields)
		}
		out = append(out, rec)
	}
	return out, nil
}

func project(rec Record, fields map[string]Path) Record {
	out := make(Record, len(fields))
	for name, p := range fields {
		if v, ok := p.Get(rec); ok {
			out[name] = v
		}
	}
	return out
}

// findItems locates the item list: items_path, then items_keys at the top
// level, then a breadth-first search through container_keys, then a
// top-level list, then the document itself when single_object is set.
func findItems(doc any, rules Rules) ([]any, error) {
	if rules.ItemsPath != "" {
		p, err := ParsePath(rules.ItemsPath)
		if err != nil {
			return nil, fmt.Errorf("extract items_path: %w", err)
		}
		if v, ok := p.Get(doc); ok {
			switch t := v.(type) {
			case []any:
				return t, nil
			case map[string]any:
				if list, ok := firstList(t, rules.ItemsKeys); ok {
					return list, nil
				}
				if rules.SingleObject {
					return []any{t}, nil
				}
			}
		}
	}

	switch t := doc.(type) {
	case []any:
		return t, nil
	case map[string]any:
		if list, ok := firstList(t, rules.ItemsKeys); ok {
			return list, nil
		}
		if list, ok := searchContainers(t, rules); ok {
			return list, nil
		}
		if rules.SingleObject {
			return []any{t}, nil
		}
	}
	return nil, nil
}

func firstList(m map[string]any, keys []string) ([]any, bool) {
	for _, k := range keys {
		if list, ok := m[k].([]any); ok {
			return list, true
		}
	}
	return nil, false
}

func searchContainers(root map[string]any, rules Rules) ([]any, bool) {
	level := []map[string]any{root}
	for depth := 0; depth < rules.MaxDepth && len(level) > 0; depth++ {
		var next []map[string]any
		for _, node := range level {
			if list, ok := firstList(node, rules.ItemsKeys); ok {
				return list, true
			}
			for _, ck := range rules.ContainerKeys {
				switch inner := node[ck].(type) {
				case map[string]any:
					next = append(next, inner)
				case []any:
					return inner, true
				}
			}
		}
		level = next
	}
	return nil, false
}

var wsRe = regexp.MustCompile(`\s+`)

func htmlRecords(resp harvest.Response, rules HTMLRules) ([]Record, error) {
	selector := strings.TrimSpace(rules.ItemsSelector)
	if selector == "" {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(decodeHTML(resp))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %v", harvest.ErrMalformedResponse, err)
	}

	compiled := make(map[string][]fieldExpr, len(rules.Fields))
	for name, rule := range rules.Fields {
		if strings.TrimSpace(name) == "" {
			continue
		}
		for _, expr := range rule {
			fe, err := parseFieldExpr(expr)
			if err != nil {
				return nil, fmt.Errorf("extract html field %s: %w", name, err)
			}
			compiled[name] = append(compiled[name], fe)
		}
	}
	idAttr := strings.ToLower(strings.TrimSpace(rules.IDAttr))

	var out []Record
	doc.Find(selector).Each(func(_ int, item *goquery.Selection) {
		row := Record{}
		for name, exprs := range compiled {
			if v := firstValue(item, exprs); v != "" {
				row[name] = v
			}
		}
		if idAttr != "" {
			if _, ok := row["id"]; !ok {
				if v, ok := item.Attr(idAttr); ok && strings.TrimSpace(v) != "" {
					row["id"] = strings.TrimSpace(v)
				}
			}
		}
		if link := item.Find("a[href]").First(); link.Length() > 0 {
			if _, ok := row["url"]; !ok {
				if href := strings.TrimSpace(link.AttrOr("href", "")); href != "" {
					row["url"] = href
				}
			}
			if _, ok := row["title"]; !ok {
				if title := nodeText(link); title != "" {
					row["title"] = title
				}
			}
		}
		if _, ok := row["text"]; !ok {
			if txt := nodeText(item); txt != "" {
				row["text"] = txt
			}
		}
		if len(row) > 0 {
			out = append(out, row)
		}
	})
	return out, nil
}

func firstValue(item *goquery.Selection, exprs []fieldExpr) string {
	for _, fe := range exprs {
		target := item
		if fe.selector != "" {
			target = item.Find(fe.selector).First()
		}
		if target.Length() == 0 {
			continue
		}
		var v string
		if fe.attr == "" {
			v = nodeText(target)
		} else if raw, ok := target.Attr(fe.attr); ok {
			v = strings.TrimSpace(wsRe.ReplaceAllString(raw, " "))
		}
		if v != "" {
			return v
		}
	}
	return ""
}

// nodeText joins the trimmed text nodes under the first selected node with
// single spaces.
func nodeText(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
			return
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(sel.Get(0))
	return strings.TrimSpace(wsRe.ReplaceAllString(strings.Join(parts, " "), " "))
}

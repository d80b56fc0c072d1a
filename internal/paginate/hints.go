package paginate

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/webfarm/internal/extract"
)

var (
	nextURLHints = []string{"next", "next_url", "nextUrl", "links.next", "paging.next", "pagination.next", "page.next"}
	cursorHints  = []string{"next_cursor", "nextCursor", "cursor", "cursor.next", "page_info.end_cursor", "pageInfo.endCursor", "meta.cursor"}
)

// NextLink returns the target of the first rel="next" entry in Link headers.
func NextLink(values []string) string {
	for _, header := range values {
		for _, part := range splitLinks(header) {
			target, params, ok := strings.Cut(part, ";")
			if !ok {
				continue
			}
			target = strings.TrimSpace(target)
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			for _, param := range strings.Split(params, ";") {
				name, value, ok := strings.Cut(strings.TrimSpace(param), "=")
				if !ok || !strings.EqualFold(strings.TrimSpace(name), "rel") {
					continue
				}
				for _, rel := range strings.Fields(strings.Trim(strings.TrimSpace(value), `"`)) {
					if strings.EqualFold(rel, "next") {
						return strings.TrimSpace(target[1 : len(target)-1])
					}
				}
			}
		}
	}
	return ""
}

// splitLinks splits a Link header on commas outside angle brackets.
func splitLinks(header string) []string {
	var out []string
	depth, start := 0, 0
	for i, c := range header {
		switch c {
		case '<':
			depth++
		case '>':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				out = append(out, header[start:i])
				start = i + 1
			}
		}
	}
	return append(out, header[start:])
}

// nextURLFromDoc reads the next page URL from path, or from the hint list
// when path is empty. Hint values must look like URLs.
func nextURLFromDoc(doc any, path string) string {
	if doc == nil {
		return ""
	}
	if path != "" {
		v, ok := extract.Lookup(doc, path)
		if !ok {
			return ""
		}
		return urlValue(v, false)
	}
	for _, hint := range nextURLHints {
		if v, ok := extract.Lookup(doc, hint); ok {
			if s := urlValue(v, true); s != "" {
				return s
			}
		}
	}
	return ""
}

func urlValue(v any, strict bool) string {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if strict && !looksLikeURL(s) {
			return ""
		}
		return s
	case map[string]any:
		for _, k := range []string{"href", "url"} {
			if s, ok := t[k].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func looksLikeURL(s string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(s, "/") || strings.HasPrefix(s, "?")
}

// cursorFromDoc reads a cursor token from path or the hint list.
func cursorFromDoc(doc any, path string) string {
	if doc == nil {
		return ""
	}
	if path != "" {
		v, _ := extract.Lookup(doc, path)
		return cursorValue(v)
	}
	for _, hint := range cursorHints {
		if v, ok := extract.Lookup(doc, hint); ok {
			if s := cursorValue(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func cursorValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// hasMore reports false only when path resolves to an explicit falsy value.
func hasMore(doc any, path string) bool {
	if path == "" || doc == nil {
		return true
	}
	v, ok := extract.Lookup(doc, path)
	if !ok {
		return true
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s != "" && s != "false" && s != "0" && s != "no"
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

func resolveURL(baseURL, ref string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	next, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(next).String(), nil
}

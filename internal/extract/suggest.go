package extract

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Suggestion limits.
const (
	DefaultSuggestDepth = 4
	maxSuggestPaths     = 500
	maxComboFields      = 12
	maxComboSize        = 3
	minIDUniqueRatio    = 0.95
	minPresence         = 0.7
)

var (
	noisyWords = []string{
		"price", "cost", "amount", "sum", "total", "discount", "sale",
		"created", "updated", "modified", "timestamp", "time", "date",
		"views", "view", "seen", "count", "rating", "score", "rank",
		"position", "idx", "index", "offset", "page",
		"etag", "checksum", "hash",
	}
	idWords    = []string{"id", "uuid", "guid", "pk", "uid", "product_id", "item_id", "listing_id", "ad_id", "sku"}
	stableHint = []string{"url", "link", "slug", "handle", "code"}
)

// PathStat scores one leaf path as a key candidate.
type PathStat struct {
	Path        string  `json:"path"`
	Presence    float64 `json:"presence"`
	UniqueRatio float64 `json:"unique_ratio"`
	Nonempty    int     `json:"nonempty"`
	Unique      int     `json:"unique"`
	IDLike      bool    `json:"id_like"`
	Noisy       bool    `json:"noisy"`
	Score       float64 `json:"score"`
}

// ComboStat scores a compound key.
type ComboStat struct {
	Paths       []string `json:"paths"`
	Presence    float64  `json:"presence"`
	UniqueRatio float64  `json:"unique_ratio"`
	Score       float64  `json:"score"`
}

// KeySuggestion is the outcome of SuggestKey.
type KeySuggestion struct {
	Items         int         `json:"items"`
	TopPaths      []PathStat  `json:"top_paths"`
	IDCandidates  []PathStat  `json:"id_candidates"`
	Combos        []ComboStat `json:"combo_candidates"`
	IDPath        string      `json:"id_path,omitempty"`
	FallbackPaths []string    `json:"fallback_paths,omitempty"`
}

// Expr is the key expression the suggestion recommends. It is zero when
// nothing qualified.
func (s KeySuggestion) Expr() KeyExpr {
	if s.IDPath != "" {
		return KeyExpr{IDPath: s.IDPath}
	}
	if len(s.FallbackPaths) > 0 {
		return KeyExpr{Paths: append([]string(nil), s.FallbackPaths...)}
	}
	return KeyExpr{}
}

// SuggestKey looks at the primitive leaves of records and ranks the paths
// that are almost always present and almost always distinct. Paths whose
// names look volatile (prices, timestamps, counters) are penalised. depth
// bounds the object nesting walked; zero uses DefaultSuggestDepth.
func SuggestKey(records []Record, depth int) KeySuggestion {
	if depth <= 0 {
		depth = DefaultSuggestDepth
	}
	out := KeySuggestion{Items: len(records), TopPaths: []PathStat{}, IDCandidates: []PathStat{}, Combos: []ComboStat{}}
	n := len(records)
	if n == 0 {
		return out
	}

	rows := make([]map[string]string, n)
	seen := map[string]bool{}
	var paths []string
	for i, rec := range records {
		row := map[string]string{}
		walkLeaves(rec, "", 0, depth, row)
		rows[i] = row
		for p := range row {
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
	}
	sort.Slice(paths, func(i, j int) bool {
		pi, pj := pathPriority(paths[i]), pathPriority(paths[j])
		if pi != pj {
			return pi > pj
		}
		return paths[i] < paths[j]
	})
	if len(paths) > maxSuggestPaths {
		paths = paths[:maxSuggestPaths]
	}

	stats := make([]PathStat, 0, len(paths))
	for _, p := range paths {
		distinct := map[string]struct{}{}
		nonempty := 0
		for _, row := range rows {
			if v, ok := row[p]; ok {
				nonempty++
				distinct[v] = struct{}{}
			}
		}
		if nonempty == 0 {
			continue
		}
		st := PathStat{
			Path:        p,
			Presence:    float64(nonempty) / float64(n),
			UniqueRatio: float64(len(distinct)) / float64(nonempty),
			Nonempty:    nonempty,
			Unique:      len(distinct),
			IDLike:      idLike(p),
			Noisy:       noisy(p),
		}
		st.Score = pathScore(st)
		stats = append(stats, st)
	}
	sort.SliceStable(stats, func(i, j int) bool {
		a, b := stats[i], stats[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.UniqueRatio != b.UniqueRatio {
			return a.UniqueRatio > b.UniqueRatio
		}
		return a.Presence > b.Presence
	})

	var ids []PathStat
	var fields []PathStat
	for _, st := range stats {
		if st.UniqueRatio >= minIDUniqueRatio && st.Presence >= minPresence {
			ids = append(ids, st)
		}
		if !st.Noisy && st.Presence >= minPresence {
			fields = append(fields, st)
		}
	}
	sort.SliceStable(ids, func(i, j int) bool { return ids[i].IDLike && !ids[j].IDLike })
	sort.SliceStable(fields, func(i, j int) bool {
		a, b := fields[i], fields[j]
		if a.IDLike != b.IDLike {
			return a.IDLike
		}
		if a.UniqueRatio != b.UniqueRatio {
			return a.UniqueRatio > b.UniqueRatio
		}
		return a.Presence > b.Presence
	})
	if len(fields) > maxComboFields {
		fields = fields[:maxComboFields]
	}

	combos := scoreCombos(rows, fields)

	out.TopPaths = roundStats(head(stats, 15))
	out.IDCandidates = roundStats(head(ids, 10))
	out.Combos = combos
	if len(ids) > 0 {
		out.IDPath = ids[0].Path
	}
	if len(combos) > 0 {
		out.FallbackPaths = combos[0].Paths
	}
	return out
}

func scoreCombos(rows []map[string]string, fields []PathStat) []ComboStat {
	n := len(rows)
	out := []ComboStat{}
	var pick func(start int, chosen []string)
	pick = func(start int, chosen []string) {
		if len(chosen) > 0 {
			distinct := map[string]struct{}{}
			present := 0
			for _, row := range rows {
				parts := make([]string, 0, len(chosen))
				for _, p := range chosen {
					v, ok := row[p]
					if !ok {
						break
					}
					parts = append(parts, v)
				}
				if len(parts) != len(chosen) {
					continue
				}
				present++
				distinct[strings.Join(parts, "\x1f")] = struct{}{}
			}
			if present > 0 {
				uniq := float64(len(distinct)) / float64(present)
				pres := float64(present) / float64(n)
				out = append(out, ComboStat{
					Paths:       append([]string(nil), chosen...),
					Presence:    round4(pres),
					UniqueRatio: round4(uniq),
					Score:       round4(0.7*uniq + 0.3*pres),
				})
			}
		}
		if len(chosen) == maxComboSize {
			return
		}
		for i := start; i < len(fields); i++ {
			pick(i+1, append(chosen, fields[i].Path))
		}
	}
	pick(0, nil)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.UniqueRatio != b.UniqueRatio {
			return a.UniqueRatio > b.UniqueRatio
		}
		if a.Presence != b.Presence {
			return a.Presence > b.Presence
		}
		return len(a.Paths) < len(b.Paths)
	})
	return head(out, 10)
}

// walkLeaves records the normalised primitive leaves of v. Lists are only
// entered when they hold a single object.
func walkLeaves(v any, prefix string, level, depth int, into map[string]string) {
	if level > depth {
		return
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return
	}
	for k, child := range obj {
		if k == "" || strings.ContainsAny(k, ".[]") {
			continue
		}
		p := k
		if prefix != "" {
			p = prefix + "." + k
		}
		switch c := child.(type) {
		case map[string]any:
			walkLeaves(c, p, level+1, depth, into)
		case []any:
			if len(c) == 1 {
				if inner, ok := c[0].(map[string]any); ok {
					walkLeaves(inner, p+".0", level+1, depth, into)
				}
			}
		default:
			if s, ok := leafString(c); ok {
				into[p] = s
			}
		}
	}
}

func leafString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
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
	}
	return "", false
}

func lastSegment(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		p = p[i+1:]
	}
	return strings.ToLower(p)
}

func idLike(p string) bool {
	seg := lastSegment(p)
	for _, w := range idWords {
		if seg == w {
			return true
		}
	}
	return strings.HasSuffix(seg, "id")
}

func noisy(p string) bool {
	seg := lastSegment(p)
	for _, w := range noisyWords {
		if strings.Contains(seg, w) {
			return true
		}
	}
	return false
}

func pathPriority(p string) int {
	switch {
	case idLike(p):
		return 3
	case noisy(p):
		return 0
	}
	seg := lastSegment(p)
	for _, w := range stableHint {
		if strings.Contains(seg, w) {
			return 2
		}
	}
	return 1
}

func pathScore(st PathStat) float64 {
	score := 0.55*st.Presence + 0.45*st.UniqueRatio
	if st.IDLike {
		score += 0.25
	}
	if st.Noisy {
		score -= 0.35
	}
	return math.Min(math.Max(score, 0), 1)
}

func roundStats(in []PathStat) []PathStat {
	out := make([]PathStat, len(in))
	for i, st := range in {
		st.Presence = round4(st.Presence)
		st.UniqueRatio = round4(st.UniqueRatio)
		st.Score = round4(st.Score)
		out[i] = st
	}
	return out
}

func round4(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}

func head[T any](in []T, n int) []T {
	if len(in) > n {
		return in[:n]
	}
	return in
}

// Package extract splits free-form reminder text into what to remind and when.
//
// Strategies are kept in an ordered table of tiers. Each tier either produces a
// result or declines; the last tier never declines, so Extract never fails.
package extract

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultTimePhrase is used when no time can be located in the text.
const DefaultTimePhrase = "in 1 hour"

type Result struct {
	Content    string
	TimePhrase string
	// Tier is the 1-based strategy that produced the result.
	Tier int
	// Rule names the pattern or keyword within the tier.
	Rule string
}

type tier struct {
	n   int
	run func(lower, original string) (Result, bool)
}

var tiers = []tier{
	{n: 1, run: structured},
	{n: 2, run: keywordSplit},
	{n: 3, run: fallback},
}

// Extract never returns an error. Content is lower-cased except when tier 3
// falls back to the untouched input.
func Extract(text string) Result {
	original := strings.TrimSpace(text)
	lower := strings.ToLower(original)
	for _, t := range tiers {
		if r, ok := t.run(lower, original); ok {
			r.Tier = t.n
			return r
		}
	}
	// unreachable: fallback always succeeds
	return Result{Content: original, TimePhrase: DefaultTimePhrase, Tier: len(tiers)}
}

// ---- tier 1: structured grammars ----

var timeKeywords = map[string]bool{
	"after": true, "in": true, "at": true, "tomorrow": true, "today": true, "next": true,
}

type grammar struct {
	name string
	re   *regexp.Regexp
}

// The [^to] class excludes the letters t and o, not the word "to".
var grammars = []grammar{
	{name: "remind-me-after-to", re: regexp.MustCompile(`(?i)remind me (after|in)\s+([^to]+?)\s+to\s+(.+)`)},
	{name: "remind-me-to-when", re: regexp.MustCompile(`(?i)remind me to\s+(.+?)\s+(after|in|at|tomorrow|today|next)\s+(.+)`)},
	{name: "after-remind-me-to", re: regexp.MustCompile(`(?i)(after|in)\s+([^to]+?)\s+remind me to\s+(.+)`)},
}

func structured(lower, _ string) (Result, bool) {
	for _, g := range grammars {
		m := g.re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		g1, g2, g3 := m[1], m[2], m[3]
		switch {
		case timeKeywords[g1]:
			return Result{
				Content:    strings.TrimSpace(g3),
				TimePhrase: strings.TrimSpace(g1 + " " + g2),
				Rule:       g.name,
			}, true
		case timeKeywords[g2]:
			return Result{
				Content:    strings.TrimSpace(g1),
				TimePhrase: strings.TrimSpace(g2 + " " + g3),
				Rule:       g.name,
			}, true
		}
		// Neither group is a keyword: try the next grammar.
	}
	return Result{}, false
}

// ---- tier 2: keyword split ----

var splitKeywords = []string{" after ", " in ", " at ", " tomorrow ", " today "}

var leadIn = regexp.MustCompile(`^(remind me to|remind me|set a reminder to|reminder to)\s*`)

type splitPoint struct {
	idx  int
	rank int
}

// keywordSplit tries keyword occurrences from left to right (ties go to the
// earlier keyword in splitKeywords). The first split whose stripped prefix is
// longer than three characters wins.
func keywordSplit(lower, _ string) (Result, bool) {
	points := make([]splitPoint, 0, len(splitKeywords))
	for i, kw := range splitKeywords {
		if idx := strings.Index(lower, kw); idx >= 0 {
			points = append(points, splitPoint{idx: idx, rank: i})
		}
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].idx == points[j].idx {
			return points[i].rank < points[j].rank
		}
		return points[i].idx < points[j].idx
	})
	for _, p := range points {
		before := strings.TrimSpace(lower[:p.idx])
		before = strings.TrimSpace(leadIn.ReplaceAllString(before, ""))
		if utf8.RuneCountInString(before) <= 3 {
			continue
		}
		return Result{
			Content:    before,
			TimePhrase: strings.TrimSpace(lower[p.idx:]),
			Rule:       strings.TrimSpace(splitKeywords[p.rank]),
		}, true
	}
	return Result{}, false
}

// ---- tier 3: whole text ----

var shortLeadIn = regexp.MustCompile(`^(remind me to|remind me)\s*`)

func fallback(lower, original string) (Result, bool) {
	content := strings.TrimSpace(shortLeadIn.ReplaceAllString(lower, ""))
	if content == "" {
		content = original
	}
	return Result{Content: content, TimePhrase: DefaultTimePhrase, Rule: "default"}, true
}

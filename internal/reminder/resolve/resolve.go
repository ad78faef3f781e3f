// Package resolve turns natural-language time phrases into absolute times.
//
// Rules are tried in table order and the first one that recognises the phrase
// wins. Resolution never fails: unrecognised phrases land one hour after now.
package resolve

import (
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	RuleRelative = "relative"
	RuleTomorrow = "tomorrow"
	RuleToday    = "today"
	RuleAbsolute = "absolute"
	RuleDefault  = "default"
)

// DefaultZone is the zone phrases are anchored to when none is configured.
const DefaultZone = "Asia/Kolkata"

// DefaultOffset is added to now when nothing else matches.
const DefaultOffset = time.Hour

type Resolver struct {
	// Location anchors every absolute result. Nil means UTC.
	Location *time.Location
}

func New(loc *time.Location) *Resolver { return &Resolver{Location: loc} }

// LoadLocation loads name, falling back to a fixed +05:30 zone for the default
// zone when the tz database is unavailable.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		if name == DefaultZone {
			return time.FixedZone("IST", 5*3600+30*60), nil
		}
		return nil, err
	}
	return loc, nil
}

type rule struct {
	name string
	fn   func(r *Resolver, phrase string, now time.Time) (time.Time, bool)
}

var rules = []rule{
	{name: RuleRelative, fn: (*Resolver).relative},
	{name: RuleTomorrow, fn: (*Resolver).tomorrow},
	{name: RuleToday, fn: (*Resolver).today},
	{name: RuleAbsolute, fn: (*Resolver).absolute},
}

// Resolve returns the absolute time for phrase relative to now. The result is
// not guaranteed to be after now.
func (r *Resolver) Resolve(phrase string, now time.Time) time.Time {
	t, _ := r.ResolveDetailed(phrase, now)
	return t
}

// ResolveDetailed is Resolve that also reports which rule matched.
func (r *Resolver) ResolveDetailed(phrase string, now time.Time) (time.Time, string) {
	now = now.In(r.loc())
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	for _, ru := range rules {
		if t, ok := ru.fn(r, phrase, now); ok {
			return t, ru.name
		}
	}
	return now.Add(DefaultOffset), RuleDefault
}

func (r *Resolver) loc() *time.Location {
	if r == nil || r.Location == nil {
		return time.UTC
	}
	return r.Location
}

// ---- relative: "in 5 minutes", "after 2 hrs" ----

type unit struct {
	token string
	d     time.Duration
}

// Substring match, first hit wins: "min" must be checked before "hr" etc.
var units = []unit{
	{"sec", time.Second},
	{"min", time.Minute},
	{"hr", time.Hour},
	{"hour", time.Hour},
	{"day", 24 * time.Hour},
	{"week", 7 * 24 * time.Hour},
}

func (r *Resolver) relative(phrase string, now time.Time) (time.Time, bool) {
	var rest string
	switch {
	case strings.HasPrefix(phrase, "in "):
		rest = phrase[len("in "):]
	case strings.HasPrefix(phrase, "after "):
		rest = phrase[len("after "):]
	default:
		return time.Time{}, false
	}
	parts := strings.Fields(rest)
	if len(parts) < 2 {
		return time.Time{}, false
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, false
	}
	for _, u := range units {
		if strings.Contains(parts[1], u.token) {
			if int64(n) > math.MaxInt64/int64(u.d) || int64(n) < math.MinInt64/int64(u.d) {
				// Not representable: the zero time is rejected as past by Schedule.
				return time.Time{}, true
			}
			return now.Add(time.Duration(n) * u.d), true
		}
	}
	return time.Time{}, false
}

// ---- tomorrow ----

func (r *Resolver) tomorrow(phrase string, now time.Time) (time.Time, bool) {
	if !strings.Contains(phrase, "tomorrow") {
		return time.Time{}, false
	}
	next := now.AddDate(0, 0, 1)
	if clause, ok := atClause(phrase); ok {
		if h, m, s, ok := parseClock(clause, clockLayouts); ok {
			return time.Date(next.Year(), next.Month(), next.Day(), h, m, s, 0, now.Location()), true
		}
	}
	return next, true
}

// ---- today / bare "at" ----

func (r *Resolver) today(phrase string, now time.Time) (time.Time, bool) {
	if !strings.Contains(phrase, "today") && !strings.Contains(phrase, "at ") {
		return time.Time{}, false
	}
	clause, ok := atClause(phrase)
	if !ok {
		return time.Time{}, false
	}
	h, m, s, ok := parseClock(clause, clockLayouts)
	if !ok {
		return time.Time{}, false
	}
	t := time.Date(now.Year(), now.Month(), now.Day(), h, m, s, 0, now.Location())
	if t.Before(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t, true
}

// ---- absolute ----

var absoluteLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"02/01/2006 15:04",
	"01/02/2006 15:04",
}

func (r *Resolver) absolute(phrase string, now time.Time) (time.Time, bool) {
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, phrase, now.Location()); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ---- time of day helpers ----

// Applied to the clause with spaces removed. "15:04" also accepts "3:30".
var clockLayouts = []string{"3pm", "3:04pm", "15:04", "15"}

// atClause returns the text after the last "at ", without spaces.
func atClause(phrase string) (string, bool) {
	i := strings.LastIndex(phrase, "at ")
	if i < 0 {
		return "", false
	}
	clause := strings.ReplaceAll(phrase[i+len("at "):], " ", "")
	if clause == "" {
		return "", false
	}
	return clause, true
}

func parseClock(clause string, layouts []string) (h, m, s int, ok bool) {
	for _, layout := range layouts {
		t, err := time.Parse(layout, clause)
		if err == nil {
			return t.Hour(), t.Minute(), t.Second(), true
		}
	}
	return 0, 0, 0, false
}

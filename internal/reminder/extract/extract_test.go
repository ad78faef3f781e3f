package extract

import "testing"

func TestExtract(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      string
		content string
		phrase  string
		tier    int
	}{
		{name: "remind me after to", in: "remind me after 2 min to stop scrolling", content: "stop scrolling", phrase: "after 2 min", tier: 1},
		{name: "remind me to then when", in: "Remind me to call mom in 2 hours", content: "call mom", phrase: "in 2 hours", tier: 1},
		{name: "remind me to tomorrow", in: "remind me to submit report tomorrow at 9am", content: "submit report", phrase: "tomorrow at 9am", tier: 1},
		{name: "when first", in: "in 2 hrs remind me to stretch", content: "stretch", phrase: "in 2 hrs", tier: 1},
		{name: "keyword split leftmost", in: "don't forget meeting tomorrow at 3pm", content: "don't forget meeting", phrase: "tomorrow at 3pm", tier: 2},
		{name: "keyword split strips lead-in", in: "Set a reminder to water plants at 6pm", content: "water plants", phrase: "at 6pm", tier: 2},
		{name: "short prefix tries next keyword", in: "eat at 5pm then sleep in 2 hours", content: "eat at 5pm then sleep", phrase: "in 2 hours", tier: 2},
		{name: "three-rune prefix falls through", in: "चाय at 5pm", content: "चाय at 5pm", phrase: DefaultTimePhrase, tier: 3},
		{name: "four-rune prefix splits", in: "चाय पी at 5pm", content: "चाय पी", phrase: "at 5pm", tier: 2},
		{name: "no time", in: "buy milk", content: "buy milk", phrase: DefaultTimePhrase, tier: 3},
		{name: "strip lead-in", in: "remind me to buy milk", content: "buy milk", phrase: DefaultTimePhrase, tier: 3},
		{name: "only lead-in keeps original", in: "Remind me", content: "Remind me", phrase: DefaultTimePhrase, tier: 3},
		{name: "empty", in: "", content: "", phrase: DefaultTimePhrase, tier: 3},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Extract(tt.in)
			if got.Content != tt.content {
				t.Fatalf("Content = %q, want %q", got.Content, tt.content)
			}
			if got.TimePhrase != tt.phrase {
				t.Fatalf("TimePhrase = %q, want %q", got.TimePhrase, tt.phrase)
			}
			if got.Tier != tt.tier {
				t.Fatalf("Tier = %d, want %d", got.Tier, tt.tier)
			}
		})
	}
}

func TestTiersIndividually(t *testing.T) {
	t.Parallel()
	if _, ok := structured("buy milk at 5pm", "buy milk at 5pm"); ok {
		t.Fatal("structured matched text without a grammar")
	}
	if _, ok := keywordSplit("at 5pm", "at 5pm"); ok {
		t.Fatal("keywordSplit matched text without a surrounded keyword")
	}
	if r, ok := keywordSplit("abc in 5 min", "abc in 5 min"); ok {
		t.Fatalf("keywordSplit accepted short prefix: %+v", r)
	}
	if r, ok := fallback("", ""); !ok || r.TimePhrase != DefaultTimePhrase {
		t.Fatalf("fallback = %+v, %v", r, ok)
	}
}

func TestNonEmptyContentForNonEmptyInput(t *testing.T) {
	t.Parallel()
	inputs := []string{"remind me", "remind me to", "x", "in 5 minutes", "  tomorrow  ", "at 5"}
	for _, in := range inputs {
		if got := Extract(in); got.Content == "" {
			t.Fatalf("Extract(%q) returned empty content", in)
		}
	}
}

func TestDetectIntent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want bool
	}{
		{"Remind me to call John", true},
		{"please set reminder for gym", true},
		{"reminder to take pills", true},
		{"Don't forget the keys", true},
		{"dont forget the keys", true},
		{"call mom in 5 minutes", true},
		{"stretch after 20 min", true},
		{"meeting tomorrow at 3pm", true},
		{"next friday party", true},
		{"what's the weather like", false},
		{"i live in paris", false},
	}
	for _, tt := range tests {
		if got := DetectIntent(tt.in); got != tt.want {
			t.Fatalf("DetectIntent(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

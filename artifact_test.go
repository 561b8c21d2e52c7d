package roundtable

import (
	"strings"
	"testing"
)

func TestExtractArtifacts(t *testing.T) {
	text := "Here is the plan.\n\n" +
		":::artifact{identifier=\"rollout-plan\" type=\"text/markdown\" title=\"Rollout Plan\"}\n" +
		"```md\n# Rollout\n\nStep one.\n```\n" +
		":::\n\nAnything else?"

	artifacts := ExtractArtifacts(text)
	if len(artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(artifacts))
	}
	a := artifacts[0]
	if a.Identifier != "rollout-plan" || a.Type != "text/markdown" || a.Title != "Rollout Plan" {
		t.Errorf("attrs = %+v", a)
	}
	if a.Content != "# Rollout\n\nStep one." {
		t.Errorf("Content = %q", a.Content)
	}
	if !strings.HasPrefix(a.FullText, ":::artifact{") || !strings.HasSuffix(a.FullText, ":::") {
		t.Errorf("FullText = %q", a.FullText)
	}
}

func TestExtractArtifactsMultiple(t *testing.T) {
	text := ":::artifact{title=\"One\"}\n```\nfirst\n```\n:::\n\n" +
		":::artifact{title=\"Two\"}\n```\nsecond\n```\n:::\n"

	artifacts := ExtractArtifacts(text)
	if len(artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(artifacts))
	}
	if artifacts[0].Content != "first" || artifacts[1].Content != "second" {
		t.Errorf("contents = %q, %q", artifacts[0].Content, artifacts[1].Content)
	}
}

func TestExtractArtifactsSkipsWithoutFence(t *testing.T) {
	text := ":::artifact{title=\"Broken\"}\nJust prose, no code block.\n:::\n"
	if artifacts := ExtractArtifacts(text); len(artifacts) != 0 {
		t.Errorf("artifacts = %d, want 0", len(artifacts))
	}
	if artifacts := ExtractArtifacts("plain response, nothing special"); len(artifacts) != 0 {
		t.Errorf("artifacts = %d, want 0", len(artifacts))
	}
}

func TestNormalizeTitle(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Rollout Plan", "rollout_plan"},
		{"Résumé Review", "resume_review"},
		{"  Spaced  ", "spaced"},
		{"C++ Style-Guide!", "c_style-guide"},
		{strings.Repeat("a", 80), strings.Repeat("a", 64)},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeTitle(c.in); got != c.want {
			t.Errorf("NormalizeTitle(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestStableArtifactID(t *testing.T) {
	if got := StableArtifactID("my-id", "Some Title"); got != "my-id" {
		t.Errorf("identifier wins: %q", got)
	}
	if got := StableArtifactID("", "Some Title"); got != "some_title" {
		t.Errorf("title fallback: %q", got)
	}
	if got := StableArtifactID("  ", ""); got != "default-artifact" {
		t.Errorf("fixed fallback: %q", got)
	}
}

func TestArtifactDedupeKey(t *testing.T) {
	if got := ArtifactDedupeKey("conv1", "rollout-plan"); got != "conv1:rollout-plan" {
		t.Errorf("key = %q", got)
	}
}

package ingest

import (
	"strings"
	"testing"
)

func TestRecursiveChunkerEmpty(t *testing.T) {
	rc := NewRecursiveChunker()
	if got := rc.Chunk(""); got != nil {
		t.Errorf("Chunk(\"\") = %v, want nil", got)
	}
	if got := rc.Chunk("   \n\t  "); got != nil {
		t.Errorf("whitespace input = %v, want nil", got)
	}
}

func TestRecursiveChunkerShortText(t *testing.T) {
	rc := NewRecursiveChunker(WithMaxChars(100))
	chunks := rc.Chunk("A short note.")
	if len(chunks) != 1 || chunks[0] != "A short note." {
		t.Errorf("chunks = %v, want the text unchanged", chunks)
	}
}

func TestRecursiveChunkerBounds(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 30)
	rc := NewRecursiveChunker(WithMaxChars(200), WithOverlapChars(40))

	chunks := rc.Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want several", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 200 {
			t.Errorf("chunk %d has %d chars, want <= 200", i, len(c))
		}
		if strings.TrimSpace(c) == "" {
			t.Errorf("chunk %d is blank", i)
		}
		if !strings.Contains(c, "fox") {
			t.Errorf("chunk %d lost its content: %q", i, c)
		}
	}
}

func TestRecursiveChunkerOverlap(t *testing.T) {
	paragraph := "The quick brown fox jumps over the lazy dog near the river bank today."
	paragraphs := make([]string, 8)
	for i := range paragraphs {
		paragraphs[i] = paragraph
	}
	text := strings.Join(paragraphs, "\n\n")
	rc := NewRecursiveChunker(WithMaxChars(200), WithOverlapChars(40))

	chunks := rc.Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want several", len(chunks))
	}
	// The second chunk opens with a word-aligned suffix of the first.
	idx := strings.Index(chunks[1], "\n")
	if idx < 0 {
		t.Fatalf("second chunk has no overlap line: %q", chunks[1])
	}
	overlap := chunks[1][:idx]
	if overlap == "" || !strings.HasSuffix(chunks[0], overlap) {
		t.Errorf("overlap %q is not a suffix of the previous chunk", overlap)
	}
}

func TestSentenceBoundariesSkipAbbreviations(t *testing.T) {
	text := "We met Dr. Smith. He arrived at 3.5 pm. Then we left."
	boundaries := sentenceBoundaries(text)
	if len(boundaries) != 3 {
		t.Fatalf("boundaries = %v, want 3", boundaries)
	}
	for _, b := range boundaries {
		head := strings.TrimSpace(text[:b])
		if strings.HasSuffix(head, "Dr.") {
			t.Errorf("boundary after abbreviation: %q", head)
		}
		if strings.HasSuffix(head, "3.") {
			t.Errorf("boundary inside decimal: %q", head)
		}
	}
	if boundaries[len(boundaries)-1] != len(text) {
		t.Errorf("final boundary = %d, want end of text", boundaries[len(boundaries)-1])
	}
}

func TestSplitOnWordsHardSplitsLongWords(t *testing.T) {
	long := strings.Repeat("x", 25)
	segments := splitOnWords("start "+long+" end", 10)
	for i, s := range segments {
		if len(s) > 10 {
			t.Errorf("segment %d has %d chars: %q", i, len(s), s)
		}
	}
	joined := strings.Join(segments, "")
	if !strings.Contains(joined, strings.Repeat("x", 25)) {
		t.Errorf("long word content lost: %v", segments)
	}
}

func TestOverlapSuffix(t *testing.T) {
	if got := overlapSuffix("alpha beta gamma", 10); got != "gamma" {
		t.Errorf("overlapSuffix = %q, want %q", got, "gamma")
	}
	if got := overlapSuffix("short", 10); got != "short" {
		t.Errorf("short text = %q, want whole text", got)
	}
	if got := overlapSuffix("whatever", 0); got != "" {
		t.Errorf("zero overlap = %q, want empty", got)
	}
}

func TestMarkdownChunkerShortText(t *testing.T) {
	mc := NewMarkdownChunker(WithMaxChars(200))
	text := "## Title\n\nA short section."
	chunks := mc.Chunk(text)
	if len(chunks) != 1 || chunks[0] != text {
		t.Errorf("chunks = %v, want the text unchanged", chunks)
	}
}

func TestMarkdownChunkerSplitsAtHeadings(t *testing.T) {
	section := func(name string) string {
		return "## " + name + "\n\n" + strings.TrimSpace(strings.Repeat(name+" body. ", 6))
	}
	doc := section("Alpha") + "\n\n" + section("Beta") + "\n\n" + section("Gamma")
	mc := NewMarkdownChunker(WithMaxChars(100))

	chunks := mc.Chunk(doc)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want one per section: %q", len(chunks), chunks)
	}
	for i, want := range []string{"## Alpha", "## Beta", "## Gamma"} {
		if !strings.HasPrefix(chunks[i], want) {
			t.Errorf("chunk %d = %q, want prefix %q", i, chunks[i], want)
		}
	}
}

func TestMarkdownChunkerMergesSmallSections(t *testing.T) {
	doc := "## A\n\nshort a.\n\n## B\n\nshort b.\n\n## C\n\nshort c."
	mc := NewMarkdownChunker(WithMaxChars(40))

	chunks := mc.Chunk(doc)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2: %q", len(chunks), chunks)
	}
	if !strings.Contains(chunks[0], "## A") || !strings.Contains(chunks[0], "## B") {
		t.Errorf("small sections not merged: %q", chunks[0])
	}
	if !strings.HasPrefix(chunks[1], "## C") {
		t.Errorf("chunk 1 = %q", chunks[1])
	}
}

func TestMarkdownChunkerOversizedSectionFallsBack(t *testing.T) {
	body := strings.Repeat("This section runs long with many sentences. ", 10)
	doc := "## Big\n\n" + strings.TrimSpace(body)
	mc := NewMarkdownChunker(WithMaxChars(100), WithOverlapChars(20))

	chunks := mc.Chunk(doc)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want the section split up", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk %d has %d chars, want <= 100", i, len(c))
		}
	}
}

func TestMarkdownChunkerKeepsPreamble(t *testing.T) {
	doc := "An introduction before any heading.\n\n" +
		"## First\n\n" + strings.TrimSpace(strings.Repeat("First body. ", 8))
	mc := NewMarkdownChunker(WithMaxChars(60))

	chunks := mc.Chunk(doc)
	if len(chunks) == 0 || !strings.HasPrefix(chunks[0], "An introduction") {
		t.Errorf("preamble missing: %q", chunks)
	}
}

package ingest

import (
	"regexp"
	"strings"
)

var _ Chunker = (*MarkdownChunker)(nil)

var headingRe = regexp.MustCompile(`(?m)^#{1,6}\s`)

// MarkdownChunker splits text at markdown heading boundaries, keeping the
// heading markers inside the chunks. Oversized sections fall back to the
// recursive chunker; undersized neighbors are merged.
type MarkdownChunker struct {
	maxChars int
	fallback *RecursiveChunker
}

// NewMarkdownChunker creates a MarkdownChunker with the given options.
func NewMarkdownChunker(opts ...ChunkerOption) *MarkdownChunker {
	cfg := defaultChunkerConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &MarkdownChunker{
		maxChars: cfg.maxChars,
		fallback: NewRecursiveChunker(opts...),
	}
}

// Chunk splits markdown text into chunks respecting heading boundaries.
func (mc *MarkdownChunker) Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= mc.maxChars {
		return []string{text}
	}
	return mc.mergeSections(mc.splitSections(text))
}

func (mc *MarkdownChunker) splitSections(text string) []string {
	locs := headingRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}

	var sections []string
	if locs[0][0] > 0 {
		if pre := strings.TrimSpace(text[:locs[0][0]]); pre != "" {
			sections = append(sections, pre)
		}
	}
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if section := strings.TrimSpace(text[loc[0]:end]); section != "" {
			sections = append(sections, section)
		}
	}
	return sections
}

func (mc *MarkdownChunker) mergeSections(sections []string) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, section := range sections {
		if len(section) > mc.maxChars {
			flush()
			chunks = append(chunks, mc.fallback.Chunk(section)...)
			continue
		}
		needed := len(section)
		if current.Len() > 0 {
			needed += current.Len() + 2
		}
		if needed > mc.maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(section)
	}
	flush()
	return chunks
}

// Package ingest turns raw document content into embeddable chunks.
package ingest

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunker splits text into chunks suitable for embedding.
type Chunker interface {
	Chunk(text string) []string
}

// ChunkerOption configures a chunker.
type ChunkerOption func(*chunkerConfig)

type chunkerConfig struct {
	maxChars     int
	overlapChars int
}

func defaultChunkerConfig() chunkerConfig {
	return chunkerConfig{maxChars: 1000, overlapChars: 200}
}

// WithMaxChars sets the target chunk size in characters.
func WithMaxChars(n int) ChunkerOption {
	return func(c *chunkerConfig) { c.maxChars = n }
}

// WithOverlapChars sets the overlap carried between consecutive chunks.
func WithOverlapChars(n int) ChunkerOption {
	return func(c *chunkerConfig) { c.overlapChars = n }
}

// RecursiveChunker splits text by paragraphs, then sentences, then words,
// merging the resulting segments back into chunks with overlap. Sentence
// detection skips common abbreviations (Mr., Dr., e.g.) and decimal numbers.
type RecursiveChunker struct {
	maxChars     int
	overlapChars int
}

// NewRecursiveChunker creates a RecursiveChunker with the given options.
func NewRecursiveChunker(opts ...ChunkerOption) *RecursiveChunker {
	cfg := defaultChunkerConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &RecursiveChunker{maxChars: cfg.maxChars, overlapChars: cfg.overlapChars}
}

var _ Chunker = (*RecursiveChunker)(nil)

// Chunk splits text into overlapping chunks.
func (rc *RecursiveChunker) Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= rc.maxChars {
		return []string{text}
	}
	segments := splitRecursive(text, rc.maxChars)
	return mergeWithOverlap(segments, rc.maxChars, rc.overlapChars)
}

// splitRecursive breaks text into segments no longer than maxChars, trying
// paragraph boundaries first, then sentences, then words.
func splitRecursive(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxChars {
		return []string{text}
	}

	paragraphs := strings.Split(text, "\n\n")
	if len(paragraphs) > 1 {
		var segments []string
		for _, p := range paragraphs {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if len(p) <= maxChars {
				segments = append(segments, p)
			} else {
				segments = append(segments, splitOnSentences(p, maxChars)...)
			}
		}
		return segments
	}

	return splitOnSentences(text, maxChars)
}

func splitOnSentences(text string, maxChars int) []string {
	boundaries := sentenceBoundaries(text)
	if len(boundaries) == 0 {
		return splitOnWords(text, maxChars)
	}

	var segments []string
	start := 0
	flush := func(end int) {
		seg := strings.TrimSpace(text[start:end])
		if seg == "" {
			return
		}
		if len(seg) <= maxChars {
			segments = append(segments, seg)
		} else {
			segments = append(segments, splitOnWords(seg, maxChars)...)
		}
	}

	lastGood := -1
	for _, b := range boundaries {
		if len(text[start:b]) <= maxChars {
			lastGood = b
			continue
		}
		if lastGood > start {
			flush(lastGood)
			start = lastGood
		}
		if len(text[start:b]) <= maxChars {
			lastGood = b
		} else {
			flush(b)
			start = b
			lastGood = -1
		}
	}
	flush(len(text))
	return segments
}

// abbreviations whose trailing dot is not a sentence boundary.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"sr": true, "jr": true, "vs": true, "etc": true, "inc": true,
	"e.g": true, "i.e": true, "approx": true, "no": true, "vol": true,
}

func isAbbreviation(text string, dotPos int) bool {
	start := dotPos
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:start])
		if !unicode.IsLetter(r) && r != '.' {
			break
		}
		start -= size
	}
	return abbreviations[strings.ToLower(text[start:dotPos])]
}

func isDecimalDot(text string, dotPos int) bool {
	if dotPos == 0 || dotPos+1 >= len(text) {
		return false
	}
	return text[dotPos-1] >= '0' && text[dotPos-1] <= '9' &&
		text[dotPos+1] >= '0' && text[dotPos+1] <= '9'
}

// sentenceBoundaries returns byte positions where the text may be split at a
// sentence end: terminal punctuation followed by whitespace and an uppercase
// letter or a newline.
func sentenceBoundaries(text string) []int {
	var boundaries []int
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if c == '.' && (isDecimalDot(text, i) || isAbbreviation(text, i)) {
			continue
		}
		if i+1 >= len(text) {
			boundaries = append(boundaries, len(text))
			continue
		}
		switch text[i+1] {
		case '\n':
			boundaries = append(boundaries, i+1)
		case ' ':
			if i+2 >= len(text) {
				boundaries = append(boundaries, len(text))
			} else if r, _ := utf8.DecodeRuneInString(text[i+2:]); unicode.IsUpper(r) {
				boundaries = append(boundaries, i+2)
			}
		}
	}
	return boundaries
}

func splitOnWords(text string, maxChars int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var segments []string
	var current strings.Builder
	for _, w := range words {
		if len(w) > maxChars {
			if current.Len() > 0 {
				segments = append(segments, current.String())
				current.Reset()
			}
			for i := 0; i < len(w); i += maxChars {
				end := min(i+maxChars, len(w))
				segments = append(segments, w[i:end])
			}
			continue
		}
		if current.Len() > 0 && current.Len()+1+len(w) > maxChars {
			segments = append(segments, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(w)
	}
	if current.Len() > 0 {
		segments = append(segments, current.String())
	}
	return segments
}

// mergeWithOverlap packs segments into chunks up to maxChars, carrying a
// word-aligned suffix of each chunk into the next one.
func mergeWithOverlap(segments []string, maxChars, overlapChars int) []string {
	if len(segments) == 0 {
		return nil
	}

	var chunks []string
	var current strings.Builder
	for _, seg := range segments {
		needed := len(seg)
		if current.Len() > 0 {
			needed += current.Len() + 1
		}
		if needed <= maxChars {
			if current.Len() > 0 {
				current.WriteByte('\n')
			}
			current.WriteString(seg)
			continue
		}
		if current.Len() > 0 {
			chunk := current.String()
			chunks = append(chunks, chunk)
			current.Reset()
			if overlap := overlapSuffix(chunk, overlapChars); overlap != "" && len(overlap)+1+len(seg) <= maxChars {
				current.WriteString(overlap)
				current.WriteByte('\n')
			}
		}
		current.WriteString(seg)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	var result []string
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			result = append(result, c)
		}
	}
	return result
}

// overlapSuffix returns up to n trailing characters of text, trimmed to the
// next word boundary.
func overlapSuffix(text string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(text) <= n {
		return text
	}
	suffix := text[len(text)-n:]
	if idx := strings.Index(suffix, " "); idx >= 0 {
		return strings.TrimSpace(suffix[idx+1:])
	}
	return strings.TrimSpace(suffix)
}

package roundtable

import (
	"bytes"
	"regexp"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"
	"golang.org/x/text/unicode/norm"
)

// Artifact is one extracted artifact block from an assistant response.
type Artifact struct {
	// FullText is the complete block including the :::artifact wrapper.
	FullText   string
	Identifier string
	Type       string
	Title      string
	// Content is the body of the first fenced code block inside the
	// artifact.
	Content string
}

// artifactOpenRe matches the opening tag of an artifact block, capturing the
// attribute list.
var artifactOpenRe = regexp.MustCompile(`:::artifact\{([^}]*)\}`)

// artifactAttrRe matches one key="value" attribute.
var artifactAttrRe = regexp.MustCompile(`(\w+)="([^"]*)"`)

var artifactParser = goldmark.New()

// ExtractArtifacts parses assistant text for artifact blocks of the form
//
//	:::artifact{identifier="x" type="text/markdown" title="Plan"}
//	```md
//	...
//	```
//	:::
//
// Artifacts whose body contains no fenced code block are skipped.
func ExtractArtifacts(text string) []Artifact {
	var artifacts []Artifact
	for _, loc := range artifactOpenRe.FindAllStringSubmatchIndex(text, -1) {
		attrs := parseArtifactAttrs(text[loc[2]:loc[3]])

		body := text[loc[1]:]
		end := len(body)
		if close := strings.Index(body, "\n:::"); close >= 0 {
			end = close + len("\n:::")
		}
		body = body[:end]

		content, ok := firstFencedBlock(body)
		if !ok {
			continue
		}
		artifacts = append(artifacts, Artifact{
			FullText:   text[loc[0]:loc[1]] + body,
			Identifier: attrs["identifier"],
			Type:       attrs["type"],
			Title:      attrs["title"],
			Content:    content,
		})
	}
	return artifacts
}

func parseArtifactAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range artifactAttrRe.FindAllStringSubmatch(s, -1) {
		attrs[m[1]] = m[2]
	}
	return attrs
}

// firstFencedBlock returns the body of the first fenced code block in the
// markdown source.
func firstFencedBlock(src string) (string, bool) {
	source := []byte(src)
	doc := artifactParser.Parser().Parse(gtext.NewReader(source))

	var buf bytes.Buffer
	found := false
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fcb, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		lines := fcb.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(source))
		}
		found = true
		return ast.WalkStop, nil
	})
	if !found {
		return "", false
	}
	return strings.TrimRight(buf.String(), "\n"), true
}

// NormalizeTitle produces a stable identifier fragment from a title:
// diacritics stripped, lowercased, spaces to underscores, every other
// character outside [a-z0-9_-] removed, capped at 64 characters.
func NormalizeTitle(title string) string {
	title = stripDiacritics(strings.TrimSpace(title))
	title = strings.ToLower(title)
	title = strings.ReplaceAll(title, " ", "_")

	var b strings.Builder
	for _, r := range title {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}

// stripDiacritics decomposes the string and drops combining marks, so
// "Résumé" normalizes like "Resume".
func stripDiacritics(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return norm.NFC.String(b.String())
}

// StableArtifactID picks the stable identity of an artifact: the explicit
// identifier, else the normalized title, else a fixed fallback.
func StableArtifactID(identifier, title string) string {
	if id := strings.TrimSpace(identifier); id != "" {
		return id
	}
	if n := NormalizeTitle(title); n != "" {
		return n
	}
	return "default-artifact"
}

// ArtifactDedupeKey scopes a stable artifact id to a conversation.
func ArtifactDedupeKey(conversationID, stableID string) string {
	return conversationID + ":" + stableID
}

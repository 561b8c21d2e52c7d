package roundtable

import (
	"encoding/json"
	"strings"
)

// ExtractText returns the textual body of a message, tolerating every shape
// external stores produce: a scalar Text field, Content parts whose text is a
// plain JSON string, and parts whose text is a nested {"value": "..."} object.
// Missing fields and empty part lists yield "".
//
// This is the single place the stores' dynamic typing bleeds in; keep all
// shape tolerance here.
func ExtractText(m Message) string {
	if m.Text != "" {
		return m.Text
	}
	if len(m.Content) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range m.Content {
		if part.Type != "" && part.Type != "text" {
			continue
		}
		s := partText(part)
		if s == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(s)
	}
	return b.String()
}

// partText decodes one content part's text, which is either a JSON string or
// an object with a "value" field.
func partText(p ContentPart) string {
	if len(p.Text) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Text, &s); err == nil {
		return s
	}
	var obj struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(p.Text, &obj); err == nil {
		return obj.Value
	}
	return ""
}

// TextContent builds a single text content part from a plain string.
func TextContent(text string) []ContentPart {
	raw, _ := json.Marshal(text)
	return []ContentPart{{Type: "text", Text: raw}}
}

// ReplaceText rewrites both Text and Content parts of a message with the
// given replacement function. Used to strip in-band markers before a message
// is persisted.
func ReplaceText(m *Message, replace func(string) string) {
	if m.Text != "" {
		m.Text = replace(m.Text)
	}
	for i, part := range m.Content {
		if part.Type != "" && part.Type != "text" {
			continue
		}
		s := partText(part)
		if s == "" {
			continue
		}
		raw, _ := json.Marshal(replace(s))
		m.Content[i].Text = raw
	}
}

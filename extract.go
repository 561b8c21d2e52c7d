package roundtable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// MaxExtractionChars caps the concatenated source text fed to the LLM
// extractor. Longer inputs keep their tail, which holds the latest team
// revision.
const MaxExtractionChars = 100_000

// minInstructionsChars is the threshold below which extracted member
// instructions are considered truncated and re-sourced from the original
// messages.
const minInstructionsChars = 500

// teamExtractionSchema is the structured-output schema for team extraction.
var teamExtractionSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"projectName": {"type": "string"},
		"complexity": {"type": "string", "enum": ["LOW", "MODERATE", "HIGH", "VERY_HIGH"]},
		"teamSize": {"type": "integer"},
		"members": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"role": {"type": "string"},
					"tier": {"type": "integer", "enum": [3, 4, 5]},
					"expertise": {"type": "string"},
					"behavioralLevel": {"type": "string", "enum": ["NONE", "ENTRY-MODERATE", "MODERATE-EXPERT", "EXPERT"]},
					"instructions": {"type": "string"}
				},
				"required": ["name", "role", "tier", "expertise", "behavioralLevel", "instructions"],
				"additionalProperties": false
			}
		}
	},
	"required": ["projectName", "complexity", "teamSize", "members"],
	"additionalProperties": false
}`)

const extractionSystemPrompt = `You extract team specifications from conversation transcripts.
The transcript contains one or more assistant messages describing a team of named members with roles, tiers (3 = Lead, 4 = Specialist, 5 = QA), expertise, behavioral science integration levels, and per-member instruction sections.
Return the complete team as JSON matching the provided schema. Copy each member's full instruction section verbatim; do not summarize.`

// TeamExtractor turns team-related assistant messages into a team
// specification, preferring LLM structured output and falling back to regex
// parsing.
type TeamExtractor struct {
	provider StructuredChatProvider
	model    string
	logger   *slog.Logger
	tracer   Tracer
}

// ExtractorOption configures a TeamExtractor.
type ExtractorOption func(*TeamExtractor)

// WithExtractorLogger sets a logger. Default discards.
func WithExtractorLogger(l *slog.Logger) ExtractorOption {
	return func(e *TeamExtractor) { e.logger = l }
}

// WithExtractorTracer sets a tracer.
func WithExtractorTracer(t Tracer) ExtractorOption {
	return func(e *TeamExtractor) { e.tracer = t }
}

// NewTeamExtractor creates an extractor using the given structured-output
// provider and model.
func NewTeamExtractor(provider StructuredChatProvider, model string, opts ...ExtractorOption) *TeamExtractor {
	e := &TeamExtractor{provider: provider, model: model, logger: nopLogger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract parses a team specification from team-related assistant messages,
// in time order. The LLM path runs first; on provider or parse failure the
// regex fallback takes over. Returns ErrTeamExtractionFailed when both paths
// yield zero members.
func (e *TeamExtractor) Extract(ctx context.Context, messages []string) (TeamExtraction, error) {
	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "team.extract", IntAttr("messages", len(messages)))
		defer span.End()
	}

	ex, err := e.extractLLM(ctx, messages)
	if err != nil {
		e.logger.Warn("llm team extraction failed, using regex fallback", "error", err)
		ex = ParseTeamSpec(messages)
	} else {
		e.enhance(&ex, messages)
	}

	if len(ex.Members) == 0 {
		return TeamExtraction{}, ErrTeamExtractionFailed
	}
	e.logger.Info("team extracted",
		"project", ex.ProjectName,
		"members", len(ex.Members),
		"complexity", ex.Complexity)
	return ex, nil
}

func (e *TeamExtractor) extractLLM(ctx context.Context, messages []string) (TeamExtraction, error) {
	if e.provider == nil {
		return TeamExtraction{}, fmt.Errorf("no structured provider configured")
	}

	input := strings.Join(messages, "\n\n---\n\n")
	if len(input) > MaxExtractionChars {
		input = input[len(input)-MaxExtractionChars:]
	}

	raw, err := e.provider.Parse(ctx, ChatRequest{
		Model: e.model,
		Messages: []ChatMessage{
			SystemMessage(extractionSystemPrompt),
			UserMessage(input),
		},
		ResponseSchema: &ResponseSchema{Name: "team_extraction", Schema: teamExtractionSchema},
	})
	if err != nil {
		return TeamExtraction{}, err
	}
	return ParseExtractionJSON(string(raw))
}

// ParseExtractionJSON decodes an extraction result robustly: markdown fences
// are stripped, and on failure the text is trimmed to its outermost braces
// and retried. Failures return ErrStructuredParse.
func ParseExtractionJSON(raw string) (TeamExtraction, error) {
	cleaned := stripFences(raw)

	var ex TeamExtraction
	if err := json.Unmarshal([]byte(cleaned), &ex); err == nil {
		return ex, nil
	}

	repaired := repairJSON(cleaned)
	if err := json.Unmarshal([]byte(repaired), &ex); err != nil {
		return TeamExtraction{}, &ErrStructuredParse{Raw: raw, Err: err}
	}
	return ex, nil
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		// Drop the language tag line.
		if !strings.ContainsAny(s[:idx], "{}") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// repairJSON trims everything before the first '{' and after the last '}'.
func repairJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

// candidateNameRe finds "### <Two TitleCase Words>" member headers in source
// messages.
var candidateNameRe = regexp.MustCompile(`(?m)^###\s+([A-Z][\w.]*(?:\s+[A-Z][\w.]*)+)\s*$`)

// enhance validates an LLM extraction against the source messages: it warns
// about member names present in the sources but missing from the extraction,
// and replaces suspiciously short member instructions with the full section
// block from the sources.
func (e *TeamExtractor) enhance(ex *TeamExtraction, messages []string) {
	sourceNames := candidateNames(messages)
	for _, name := range sourceNames {
		if findMember(ex.Members, TeamMember{Name: name}) < 0 {
			e.logger.Warn("member present in source but missing from extraction", "name", name)
		}
	}

	for i := range ex.Members {
		m := &ex.Members[i]
		if len(m.Instructions) >= minInstructionsChars {
			continue
		}
		block := findMemberBlock(messages, m.Name)
		if len(block) > len(m.Instructions) {
			e.logger.Debug("replacing truncated instructions from source",
				"name", m.Name,
				"extracted_len", len(m.Instructions),
				"source_len", len(block))
			m.Instructions = block
		}
	}
	if ex.TeamSize != len(ex.Members) {
		ex.TeamSize = len(ex.Members)
	}
}

func candidateNames(messages []string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, msg := range messages {
		for _, m := range candidateNameRe.FindAllStringSubmatch(msg, -1) {
			name := strings.TrimSpace(m[1])
			if !LooksLikePersonName(name) || seen[strings.ToLower(name)] {
				continue
			}
			seen[strings.ToLower(name)] = true
			names = append(names, name)
		}
	}
	return names
}

// findMemberBlock returns the longest "### <name>" section across the source
// messages, header included, ending at the next member header or "## "
// section.
func findMemberBlock(messages []string, name string) string {
	if name == "" {
		return ""
	}
	var best string
	for _, msg := range messages {
		header := "### " + name
		for start := 0; ; {
			idx := strings.Index(msg[start:], header)
			if idx < 0 {
				break
			}
			idx += start
			bodyStart := idx + len(header)
			body := msg[bodyStart:]
			if next := nextSectionRe.FindStringIndex(body); next != nil {
				body = body[:next[0]]
			}
			block := strings.TrimSpace(header + body)
			if len(block) > len(best) {
				best = block
			}
			start = bodyStart
		}
	}
	return best
}

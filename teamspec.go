package roundtable

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// TeamConfirmedMarker is the literal token the coordinator emits when the
// user has approved a team specification. It is stripped from user-visible
// text before persistence.
const TeamConfirmedMarker = "[TEAM_CONFIRMED]"

// DrSterlingAgentID identifies the fixed coordinator agent that designs
// team specifications.
const DrSterlingAgentID = "agent_dr_sterling"

// Team complexity levels reported by the extractor.
const (
	ComplexityLow      = "LOW"
	ComplexityModerate = "MODERATE"
	ComplexityHigh     = "HIGH"
	ComplexityVeryHigh = "VERY_HIGH"
)

// activationRe matches the coordinator activation phrase, e.g.
// "Dr. Sterling, this is Alice". The name capture runs to the first
// sentence-ending punctuation or newline and may be empty, so the phrase
// still activates when no name follows "is".
var activationRe = regexp.MustCompile(`(?i)^dr\.?\s*sterling,?\s*this\s+is\b\s*([^.!?\n]*)`)

// DetectActivation reports whether text opens with the coordinator
// activation phrase and returns the user's name. A matched phrase with no
// name yields "User".
func DetectActivation(text string) (userName string, ok bool) {
	m := activationRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", false
	}
	name := strings.TrimSpace(m[1])
	if name == "" {
		name = "User"
	}
	return name, true
}

// HasTeamConfirmed reports whether text contains the confirmation marker.
func HasTeamConfirmed(text string) bool {
	return strings.Contains(text, TeamConfirmedMarker)
}

// StripTeamConfirmed removes the confirmation marker and tidies the
// surrounding whitespace.
func StripTeamConfirmed(text string) string {
	text = strings.ReplaceAll(text, TeamConfirmedMarker, "")
	return strings.TrimRight(text, " \t\n")
}

// teamMarkers are substrings whose presence marks an assistant message as
// part of a team specification.
var teamMarkers = []string{
	"# SUPERHUMAN TEAM:",
	"## SUPERHUMAN SPECIFICATIONS",
	"SUPERHUMAN TEAM:",
	"## TEAM COMPOSITION",
	"### Team Member",
	"| Tier | Role",
	"Tier\t+Role",
}

// IsTeamRelated reports whether a message body looks like (part of) a team
// specification: at least 100 characters and containing a known marker.
func IsTeamRelated(text string) bool {
	if len(text) < 100 {
		return false
	}
	for _, m := range teamMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

var honorifics = []string{"Dr.", "Mr.", "Ms.", "Mrs.", "Prof."}

// genericHeaders are section-header substrings that disqualify a candidate
// string from being a person name.
var genericHeaders = []string{
	"professional foundation",
	"expertise architecture",
	"operational parameters",
	"excellence framework",
	"quality assurance",
	"project integration",
	"team composition",
	"behavioral science",
	"domain specialist",
	"collaboration protocol",
	"success metrics",
	"deliverables",
}

// LooksLikePersonName reports whether s plausibly names a person: after
// stripping honorifics, at least two tokens of two or more characters, the
// first capitalized, and no generic section-header substring.
func LooksLikePersonName(s string) bool {
	s = strings.TrimSpace(s)
	for _, h := range honorifics {
		if strings.HasPrefix(s, h) {
			s = strings.TrimSpace(strings.TrimPrefix(s, h))
			break
		}
	}
	lower := strings.ToLower(s)
	for _, g := range genericHeaders {
		if strings.Contains(lower, g) {
			return false
		}
	}
	tokens := strings.Fields(s)
	if len(tokens) < 2 {
		return false
	}
	for _, t := range tokens {
		if len(t) < 2 {
			return false
		}
	}
	first, _ := firstRune(tokens[0])
	return unicode.IsUpper(first)
}

func firstRune(s string) (rune, bool) {
	for _, r := range s {
		return r, true
	}
	return 0, false
}

// TeamMember is one extracted member of a team specification.
type TeamMember struct {
	Name            string `json:"name"`
	Role            string `json:"role"`
	Tier            int    `json:"tier"`
	Expertise       string `json:"expertise"`
	BehavioralLevel string `json:"behavioralLevel"`
	Instructions    string `json:"instructions"`
}

// TeamExtraction is a parsed team specification.
type TeamExtraction struct {
	ProjectName string       `json:"projectName"`
	Complexity  string       `json:"complexity"`
	TeamSize    int          `json:"teamSize"`
	Members     []TeamMember `json:"members"`
}

// --- Regex fallback parser ---

// memberSectionRe matches a "### <Name>" header whose title has exactly the
// shape of a short TitleCase phrase.
var memberSectionRe = regexp.MustCompile(`(?m)^###\s+(.+)$`)

// nextSectionRe marks the end of a member block: the next "### TitleCase"
// header or any "## " header.
var nextSectionRe = regexp.MustCompile(`(?m)^(###\s+[A-Z][\w.]*(\s+[A-Z][\w.]*)+\s*$|##\s)`)

var tableRowRe = regexp.MustCompile(`(?m)^\s*\|(.+)\|\s*$`)

// ParseTeamSpec extracts a team specification from team-related assistant
// messages using pure regex parsing: markdown member tables plus per-member
// specification sections. Values from later messages win; the longest
// available instructions block per member is kept.
func ParseTeamSpec(messages []string) TeamExtraction {
	var ex TeamExtraction
	for _, msg := range messages {
		mergeMembers(&ex, parseMemberTable(msg))
		mergeMembers(&ex, parseMemberSections(msg))
	}
	ex.TeamSize = len(ex.Members)
	if ex.Complexity == "" {
		ex.Complexity = ComplexityModerate
	}
	return ex
}

// parseMemberTable reads markdown tables whose header row names a Tier and a
// Role column. Column order is taken from the header.
func parseMemberTable(text string) []TeamMember {
	rows := tableRowRe.FindAllStringSubmatch(text, -1)
	if len(rows) < 2 {
		return nil
	}

	var cols map[string]int
	var members []TeamMember
	for _, row := range rows {
		cells := splitTableRow(row[1])
		if cols == nil {
			cols = headerColumns(cells)
			continue
		}
		if cols == nil || isSeparatorRow(cells) {
			continue
		}
		m := memberFromRow(cells, cols)
		if m.Name == "" && m.Role == "" {
			continue
		}
		members = append(members, m)
	}
	return members
}

func splitTableRow(row string) []string {
	parts := strings.Split(row, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}

// headerColumns maps lowercase column names to indices when the row looks
// like a member-table header.
func headerColumns(cells []string) map[string]int {
	cols := make(map[string]int)
	for i, c := range cells {
		switch strings.ToLower(c) {
		case "tier":
			cols["tier"] = i
		case "role":
			cols["role"] = i
		case "name", "member", "team member":
			cols["name"] = i
		case "expertise", "specialization":
			cols["expertise"] = i
		case "behavioral level", "behavioral":
			cols["behavioral"] = i
		}
	}
	if _, ok := cols["tier"]; !ok {
		return nil
	}
	if _, ok := cols["role"]; !ok {
		return nil
	}
	return cols
}

func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		if c == "" {
			continue
		}
		if strings.Trim(c, ":- ") != "" {
			return false
		}
	}
	return true
}

func memberFromRow(cells []string, cols map[string]int) TeamMember {
	cell := func(key string) string {
		i, ok := cols[key]
		if !ok || i >= len(cells) {
			return ""
		}
		return cells[i]
	}
	var m TeamMember
	m.Role = cell("role")
	m.Name = cell("name")
	m.Expertise = cell("expertise")
	m.BehavioralLevel = normalizeBehavioral(cell("behavioral"))
	fmt.Sscanf(cell("tier"), "%d", &m.Tier)
	if m.Tier < TierLead || m.Tier > TierQA {
		m.Tier = TierSpecialist
	}
	if m.Name != "" && !LooksLikePersonName(m.Name) {
		// Some tables put the role in the name column.
		if m.Role == "" {
			m.Role = m.Name
		}
		m.Name = ""
	}
	return m
}

func normalizeBehavioral(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case BehavioralNone:
		return BehavioralNone
	case BehavioralEntry:
		return BehavioralEntry
	case BehavioralModerate:
		return BehavioralModerate
	case BehavioralExpert:
		return BehavioralExpert
	}
	return ""
}

// parseMemberSections extracts members from "### <Name>" specification
// blocks. The block body, up to the next member header or "## " section,
// becomes the member's instructions.
func parseMemberSections(text string) []TeamMember {
	locs := memberSectionRe.FindAllStringSubmatchIndex(text, -1)
	var members []TeamMember
	for _, loc := range locs {
		name := strings.TrimSpace(text[loc[2]:loc[3]])
		if !LooksLikePersonName(name) {
			continue
		}
		bodyStart := loc[1]
		body := text[bodyStart:]
		if next := nextSectionRe.FindStringIndex(body); next != nil {
			body = body[:next[0]]
		}
		m := TeamMember{
			Name:         name,
			Instructions: strings.TrimSpace(text[loc[0]:bodyStart] + body),
			Tier:         TierSpecialist,
		}
		fillFromFields(&m, body)
		members = append(members, m)
	}
	return members
}

var fieldLineRe = regexp.MustCompile(`(?mi)^[\s*-]*\**(role|tier|expertise|behavioral level)\**\s*[:：]\s*(.+)$`)

// fillFromFields reads "Role:", "Tier:", "Expertise:" style lines from a
// member block.
func fillFromFields(m *TeamMember, body string) {
	for _, match := range fieldLineRe.FindAllStringSubmatch(body, -1) {
		value := strings.TrimSpace(match[2])
		switch strings.ToLower(match[1]) {
		case "role":
			if m.Role == "" {
				m.Role = value
			}
		case "tier":
			var tier int
			fmt.Sscanf(value, "%d", &tier)
			if tier >= TierLead && tier <= TierQA {
				m.Tier = tier
			}
		case "expertise":
			if m.Expertise == "" {
				m.Expertise = value
			}
		case "behavioral level":
			if b := normalizeBehavioral(value); b != "" {
				m.BehavioralLevel = b
			}
		}
	}
}

// mergeMembers folds parsed members into the extraction. Members match by
// name (case-insensitive) or, when nameless, by role. Later non-empty values
// win except instructions, where the longest block is kept.
func mergeMembers(ex *TeamExtraction, parsed []TeamMember) {
	for _, p := range parsed {
		idx := findMember(ex.Members, p)
		if idx < 0 {
			ex.Members = append(ex.Members, p)
			continue
		}
		existing := &ex.Members[idx]
		if p.Name != "" {
			existing.Name = p.Name
		}
		if p.Role != "" {
			existing.Role = p.Role
		}
		if p.Tier != 0 && p.Tier != TierSpecialist {
			existing.Tier = p.Tier
		} else if existing.Tier == 0 {
			existing.Tier = p.Tier
		}
		if p.Expertise != "" {
			existing.Expertise = p.Expertise
		}
		if p.BehavioralLevel != "" {
			existing.BehavioralLevel = p.BehavioralLevel
		}
		if len(p.Instructions) > len(existing.Instructions) {
			existing.Instructions = p.Instructions
		}
	}
}

func findMember(members []TeamMember, p TeamMember) int {
	for i, m := range members {
		if p.Name != "" && strings.EqualFold(m.Name, p.Name) {
			return i
		}
		if p.Name == "" && p.Role != "" && strings.EqualFold(m.Role, p.Role) {
			return i
		}
	}
	return -1
}

// --- Conversion to persisted agents ---

// slugRe collapses every non-alphanumeric run into one underscore.
var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// slug lowercases s, replaces non-alphanumerics with underscores, and caps
// the result at 30 characters.
func slug(s string) string {
	s = slugRe.ReplaceAllString(strings.ToLower(s), "_")
	s = strings.Trim(s, "_")
	if len(s) > 30 {
		s = s[:30]
	}
	return s
}

// ToAgents converts an extraction into persistable team agents. Provider and
// model come from configuration defaults. Exactly one tier-3 Lead is
// guaranteed: with none, the first member is promoted; with several, the
// extras become specialists. Returns ErrTeamExtractionFailed on an empty
// member list.
func ToAgents(conversationID string, ex TeamExtraction, provider, model string) ([]TeamAgent, error) {
	if len(ex.Members) == 0 {
		return nil, ErrTeamExtractionFailed
	}

	ts := NowUnix()
	agents := make([]TeamAgent, len(ex.Members))
	leadSeen := false
	for i, m := range ex.Members {
		tier := m.Tier
		if tier < TierLead || tier > TierQA {
			tier = TierSpecialist
		}
		if tier == TierLead {
			if leadSeen {
				tier = TierSpecialist
			}
			leadSeen = true
		}

		base := m.Role
		if base == "" {
			base = m.Name
		}
		agents[i] = TeamAgent{
			AgentID:          fmt.Sprintf("team_%s_%s_%d_%d", conversationID, slug(base), ts, i),
			Name:             m.Name,
			Role:             m.Role,
			Tier:             tier,
			Expertise:        m.Expertise,
			Instructions:     m.Instructions,
			Responsibilities: m.Expertise,
			BehavioralLevel:  m.BehavioralLevel,
			Provider:         provider,
			Model:            model,
		}
	}

	if !leadSeen {
		agents[0].Tier = TierLead
	}
	return agents, nil
}

package roundtable

import (
	"encoding/json"
	"strconv"
)

// --- Domain types (database records) ---

// Agent tiers. A team has exactly one Lead, zero or more Specialists,
// and zero or more QA reviewers.
const (
	TierLead       = 3
	TierSpecialist = 4
	TierQA         = 5
)

// Behavioral science integration levels for team members.
const (
	BehavioralNone     = "NONE"
	BehavioralEntry    = "ENTRY-MODERATE"
	BehavioralModerate = "MODERATE-EXPERT"
	BehavioralExpert   = "EXPERT"
)

// TeamAgent is one member of a persisted team specification.
type TeamAgent struct {
	AgentID          string `json:"agent_id"`
	Name             string `json:"name"`
	Role             string `json:"role"`
	Tier             int    `json:"tier"`
	Expertise        string `json:"expertise"`
	Instructions     string `json:"instructions"`
	Responsibilities string `json:"responsibilities,omitempty"`
	BehavioralLevel  string `json:"behavioral_level,omitempty"`
	Provider         string `json:"provider"`
	Model            string `json:"model"`
}

// Conversation owns at most one team specification at a time.
type Conversation struct {
	ID            string      `json:"id"`
	Title         string      `json:"title"`
	TeamAgents    []TeamAgent `json:"team_agents,omitempty"`
	TeamObjective string      `json:"team_objective,omitempty"`
	TeamFileID    string      `json:"team_file_id,omitempty"`
	HostAgentID   string      `json:"host_agent_id,omitempty"`
	CreatedAt     int64       `json:"created_at"`
	UpdatedAt     int64       `json:"updated_at"`
}

// HasTeam reports whether a team specification exists on the conversation.
func (c Conversation) HasTeam() bool { return len(c.TeamAgents) > 0 }

// Lead returns the tier-3 team member, or false when no team exists.
func (c Conversation) Lead() (TeamAgent, bool) {
	for _, a := range c.TeamAgents {
		if a.Tier == TierLead {
			return a, true
		}
	}
	return TeamAgent{}, false
}

// ContentPart is one ordered part of a message body. Text tolerates both
// shapes external stores produce: a plain JSON string and a nested
// {"value": "..."} object. See ExtractText.
type ContentPart struct {
	Type string          `json:"type"`
	Text json.RawMessage `json:"text,omitempty"`
}

// Message is a stored conversation message. Assistant messages carry their
// body either in Text or in Content parts (or both); ExtractText tolerates
// every variant.
type Message struct {
	ID              string          `json:"id"`
	ConversationID  string          `json:"conversation_id"`
	ParentMessageID string          `json:"parent_message_id,omitempty"`
	IsCreatedByUser bool            `json:"is_created_by_user"`
	Text            string          `json:"text,omitempty"`
	Content         []ContentPart   `json:"content,omitempty"`
	Sender          string          `json:"sender,omitempty"`
	Unfinished      bool            `json:"unfinished,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       int64           `json:"created_at"`
}

// MessageMeta is the structured metadata attached to QA-gate messages.
type MessageMeta struct {
	Phase           string `json:"phase,omitempty"`
	WaitingForInput bool   `json:"waiting_for_input,omitempty"`
	QAAgentName     string `json:"qa_agent_name,omitempty"`
	QAAgentRole     string `json:"qa_agent_role,omitempty"`
	QAApproved      *bool  `json:"qa_approved,omitempty"`
}

// QA-gate metadata phases.
const (
	PhaseQAGatePending  = "qa_gate_pending"
	PhaseQAGateComplete = "qa_gate_complete"
)

// Orchestration state status values.
const (
	StateInProgress = "IN_PROGRESS"
	StatePaused     = "PAUSED"
	StateCompleted  = "COMPLETED"
	StateFailed     = "FAILED"
)

// Per-specialist status values inside an orchestration state.
const (
	SpecialistPending   = "PENDING"
	SpecialistWorking   = "WORKING"
	SpecialistCompleted = "COMPLETED"
	SpecialistPaused    = "PAUSED"
)

// SpecialistState is the persisted progress of one specialist within an
// orchestration turn.
type SpecialistState struct {
	AgentName         string        `json:"agent_name"`
	Status            string        `json:"status"`
	Messages          []ChatMessage `json:"messages,omitempty"`
	CurrentOutput     string        `json:"current_output,omitempty"`
	Thinking          string        `json:"thinking,omitempty"`
	InterruptQuestion string        `json:"interrupt_question,omitempty"`
	AgentDefinition   TeamAgent     `json:"agent_definition"`
}

// WorkPlan is the Lead's analysis of a turn: which specialists run and what
// each is assigned. Specialist indices are 1-based over tier-4 members.
type WorkPlan struct {
	Analysis            string
	SelectedSpecialists []int
	Assignments         map[int]string
	DeliverableOutline  string
}

// workPlanJSON is the wire shape of a work plan. Assignment keys travel as
// strings because JSON objects cannot have integer keys.
type workPlanJSON struct {
	Analysis            string            `json:"analysis"`
	SelectedSpecialists []int             `json:"selectedSpecialists"`
	Assignments         map[string]string `json:"assignments,omitempty"`
	DeliverableOutline  string            `json:"deliverableOutline,omitempty"`
}

func (p WorkPlan) MarshalJSON() ([]byte, error) {
	wire := workPlanJSON{
		Analysis:            p.Analysis,
		SelectedSpecialists: p.SelectedSpecialists,
		DeliverableOutline:  p.DeliverableOutline,
	}
	if len(p.Assignments) > 0 {
		wire.Assignments = make(map[string]string, len(p.Assignments))
		for k, v := range p.Assignments {
			wire.Assignments[strconv.Itoa(k)] = v
		}
	}
	return json.Marshal(wire)
}

func (p *WorkPlan) UnmarshalJSON(data []byte) error {
	var wire workPlanJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	p.Analysis = wire.Analysis
	p.SelectedSpecialists = wire.SelectedSpecialists
	p.DeliverableOutline = wire.DeliverableOutline
	p.Assignments = make(map[int]string, len(wire.Assignments))
	for k, v := range wire.Assignments {
		idx, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		p.Assignments[idx] = v
	}
	return nil
}

// OrchestrationState is the persisted state of a paused or in-progress
// orchestration, keyed by (ConversationID, ParentMessageID).
type OrchestrationState struct {
	ConversationID   string            `json:"conversation_id"`
	ParentMessageID  string            `json:"parent_message_id"`
	Status           string            `json:"status"`
	PausedMessageID  string            `json:"paused_message_id,omitempty"`
	LeadPlan         *WorkPlan         `json:"lead_plan,omitempty"`
	SpecialistStates []SpecialistState `json:"specialist_states,omitempty"`
	SharedContext    string            `json:"shared_context,omitempty"`
	CreatedAt        int64             `json:"created_at"`
	UpdatedAt        int64             `json:"updated_at"`
}

// KnowledgeDocument is a stored knowledge-base document scoped to a
// conversation. When DedupeKey is non-empty, (ConversationID, DedupeKey) is
// unique and upserts target that pair; otherwise DocumentID uniqueness applies.
type KnowledgeDocument struct {
	ConversationID string            `json:"conversation_id"`
	DocumentID     string            `json:"document_id"`
	DedupeKey      string            `json:"dedupe_key,omitempty"`
	Title          string            `json:"title"`
	Content        string            `json:"content"`
	MessageID      string            `json:"message_id,omitempty"`
	CreatedBy      string            `json:"created_by,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      int64             `json:"created_at"`
	UpdatedAt      int64             `json:"updated_at"`
}

// KnowledgeVector is one embedded chunk of a knowledge document. The vector
// set for a document is replaced atomically on every re-embedding.
type KnowledgeVector struct {
	DocumentID     string            `json:"document_id"`
	ConversationID string            `json:"conversation_id"`
	ChunkIndex     int               `json:"chunk_index"`
	Text           string            `json:"text"`
	Vector         []float32         `json:"-"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ScoredVector pairs a knowledge vector with its cosine similarity to a query.
type ScoredVector struct {
	KnowledgeVector
	Score float32 `json:"score"`
}

// FileInfo describes an uploaded file attached to a turn.
type FileInfo struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Content  []byte `json:"-"`
}

// --- LLM protocol types ---

// ChatMessage is one message in an LLM conversation. Tool results are
// carried as a single user-role message holding one block per executed call.
type ChatMessage struct {
	Role        string            `json:"role"` // "system", "user", "assistant"
	Content     string            `json:"content"`
	ToolCalls   []ToolCall        `json:"tool_calls,omitempty"`
	ToolResults []ToolResultBlock `json:"tool_results,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResultBlock is the result of one tool call, keyed by the call ID.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

// ToolChoice controls how the model may use tools.
type ToolChoice struct {
	Mode string `json:"mode"` // "auto", "any", or "tool"
	Name string `json:"name,omitempty"`
}

// Strict reports whether the choice forces a tool call ("any" or a named tool).
func (tc ToolChoice) Strict() bool { return tc.Mode == "any" || tc.Mode == "tool" }

// ToolChoice constructors.
func ToolChoiceAuto() ToolChoice         { return ToolChoice{Mode: "auto"} }
func ToolChoiceAny() ToolChoice          { return ToolChoice{Mode: "any"} }
func ToolChoiceNamed(name string) ToolChoice {
	return ToolChoice{Mode: "tool", Name: name}
}

// ResponseSchema requests structured JSON output matching a JSON Schema.
type ResponseSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// ChatRequest is a single completion request.
type ChatRequest struct {
	Model          string          `json:"model,omitempty"`
	Messages       []ChatMessage   `json:"messages"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	ToolChoice     *ToolChoice     `json:"tool_choice,omitempty"`
	ResponseSchema *ResponseSchema `json:"response_schema,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
}

// Stop reasons reported by providers.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
	StopMaxTok  = "max_tokens"
)

// ChatResponse is a complete model response.
type ChatResponse struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      Usage      `json:"usage"`
}

// Usage tracks token consumption for a request or an aggregate.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"` // JSON Schema
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

// ToolResultsMessage wraps tool result blocks in a single user-role message.
func ToolResultsMessage(blocks []ToolResultBlock) ChatMessage {
	return ChatMessage{Role: "user", ToolResults: blocks}
}

package roundtable

// Progress event names used on the wire.
const (
	EventThinking      = "on_thinking"
	EventAgentStart    = "on_agent_start"
	EventAgentComplete = "on_agent_complete"
)

// Emitter delivers events to the client. The server package provides an
// SSE-backed implementation; tests use in-memory collectors. Emit returns an
// error when the transport is gone (client disconnect); callers stop emitting
// but may finish their own bookkeeping.
type Emitter interface {
	Emit(v any) error
}

// CreatedEvent is the initial frame of a turn, carrying the persisted user
// message.
type CreatedEvent struct {
	Created        bool    `json:"created"`
	Message        Message `json:"message"`
	ConversationID string  `json:"conversationId"`
}

// ProgressEvent wraps orchestration progress (on_thinking, on_agent_start,
// on_agent_complete).
type ProgressEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ThinkingData is the payload of an on_thinking event.
type ThinkingData struct {
	Agent   string `json:"agent"`
	Action  string `json:"action"`
	Message string `json:"message"`
}

// AgentStartData is the payload of an on_agent_start event.
type AgentStartData struct {
	AgentName string `json:"agentName"`
	AgentRole string `json:"agentRole"`
	Tier      int    `json:"tier"`
}

// AgentCompleteData is the payload of an on_agent_complete event.
type AgentCompleteData struct {
	AgentName string `json:"agentName"`
	AgentRole string `json:"agentRole"`
	Response  string `json:"response"`
}

// TextEvent carries streamed response text. Text is the full accumulated
// text to date, not the delta.
type TextEvent struct {
	Type           string `json:"type"` // always "text"
	Text           string `json:"text"`
	Index          int    `json:"index"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// ErrorInfo is the error payload of a terminal event.
type ErrorInfo struct {
	Message string `json:"message"`
}

// FinalEvent closes a turn. Exactly one final event is emitted per completed
// turn; user-visible failures carry Error.
type FinalEvent struct {
	Final                bool          `json:"final"`
	Conversation         *Conversation `json:"conversation,omitempty"`
	Title                string        `json:"title,omitempty"`
	RequestMessage       *Message      `json:"requestMessage,omitempty"`
	ResponseMessage      *Message      `json:"responseMessage,omitempty"`
	QAWaitingForApproval bool          `json:"qaWaitingForApproval,omitempty"`
	TeamCreated          bool          `json:"teamCreated,omitempty"`
	Error                *ErrorInfo    `json:"error,omitempty"`
}

package roundtable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// shortObjectiveChars is the length under which a team turn's text is
// treated as a follow-up and the stored team objective is used instead.
const shortObjectiveChars = 50

// MaxFileAnalysisChars caps the document text fed to file-triggered team
// analysis.
const MaxFileAnalysisChars = 50_000

// DefaultFileTeamCap bounds how many roles a file-triggered team may have.
const DefaultFileTeamCap = 5

// FileExtractor turns an uploaded file into plain text. The ingest/pdf
// package provides the PDF implementation.
type FileExtractor interface {
	Extract(f FileInfo) (string, error)
}

// ToolFactory builds the tool set for a single-agent turn, bound to a
// conversation. The tools/knowledge package provides the KB suite.
type ToolFactory func(conversationID string) []LoopTool

// DispatcherConfig carries the model defaults and tuning knobs of the chat
// dispatcher.
type DispatcherConfig struct {
	// CoordinatorModel runs Dr. Sterling turns and file analysis.
	CoordinatorModel string
	// DefaultProvider and DefaultModel are assigned to created team agents.
	DefaultProvider string
	DefaultModel    string
	// GraceDelay postpones background team extraction after [TEAM_CONFIRMED]
	// so message writes settle first.
	GraceDelay time.Duration
	// FileTeamCap bounds file-triggered team size. 0 means DefaultFileTeamCap.
	FileTeamCap int
}

// Dispatcher routes one user turn: coordinator activation, team
// orchestration, QA resume, or a plain single-agent exchange. It owns
// message persistence and the SSE event contract.
type Dispatcher struct {
	store        Store
	provider     ChatProvider
	orchestrator *Orchestrator
	extractor    *TeamExtractor
	structured   StructuredChatProvider
	kb           *KnowledgeBase
	files        FileExtractor
	toolFactory  ToolFactory
	cfg          DispatcherConfig
	logger       *slog.Logger
	tracer       Tracer
	// spawn runs background work (extraction, file team creation) detached
	// from the request context. Tests replace it to run synchronously.
	spawn func(func())

	// mu guards inflight, the set of conversations with a running turn. A
	// second turn arriving for one of them is rejected with a terminal error.
	mu       sync.Mutex
	inflight map[string]bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets a logger. Default discards.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDispatcherTracer sets a tracer for turn spans.
func WithDispatcherTracer(t Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithKnowledgeBase wires the KB used for artifact capture and prompt
// context.
func WithKnowledgeBase(kb *KnowledgeBase) DispatcherOption {
	return func(d *Dispatcher) { d.kb = kb }
}

// WithFileExtractor wires document text extraction for file-triggered team
// creation.
func WithFileExtractor(fe FileExtractor) DispatcherOption {
	return func(d *Dispatcher) { d.files = fe }
}

// WithToolFactory wires per-conversation tools into single-agent turns.
func WithToolFactory(tf ToolFactory) DispatcherOption {
	return func(d *Dispatcher) { d.toolFactory = tf }
}

// WithStructuredProvider wires the structured-output provider used by file
// analysis.
func WithStructuredProvider(p StructuredChatProvider) DispatcherOption {
	return func(d *Dispatcher) { d.structured = p }
}

// withSpawn overrides background scheduling. Tests use this to run
// background jobs inline.
func withSpawn(spawn func(func())) DispatcherOption {
	return func(d *Dispatcher) { d.spawn = spawn }
}

// NewDispatcher creates a chat dispatcher.
func NewDispatcher(store Store, provider ChatProvider, orchestrator *Orchestrator, extractor *TeamExtractor, cfg DispatcherConfig, opts ...DispatcherOption) *Dispatcher {
	if cfg.FileTeamCap <= 0 {
		cfg.FileTeamCap = DefaultFileTeamCap
	}
	d := &Dispatcher{
		store:        store,
		provider:     provider,
		orchestrator: orchestrator,
		extractor:    extractor,
		cfg:          cfg,
		logger:       nopLogger,
		spawn:        func(fn func()) { go fn() },
		inflight:     map[string]bool{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ChatInput is one inbound user turn.
type ChatInput struct {
	Text            string     `json:"text"`
	ConversationID  string     `json:"conversationId,omitempty"`
	ParentMessageID string     `json:"parentMessageId,omitempty"`
	Files           []FileInfo `json:"-"`
}

// Dispatch runs one user turn end to end, emitting events through emit.
// User-visible failures end with a terminal {final, error} event; transport
// errors (client gone) stop emission silently.
func (d *Dispatcher) Dispatch(ctx context.Context, in ChatInput, emit Emitter) error {
	if d.tracer != nil {
		var span Span
		ctx, span = d.tracer.Start(ctx, "dispatcher.turn",
			StringAttr("conversation_id", in.ConversationID))
		defer span.End()
	}

	conv, isNew, err := d.loadConversation(ctx, in.ConversationID)
	if err != nil {
		return d.fail(emit, nil, err)
	}

	if !d.beginTurn(conv.ID) {
		return d.fail(emit, nil, fmt.Errorf("conversation %s already has a turn in progress", conv.ID))
	}
	defer d.endTurn(conv.ID)

	userName, activated := DetectActivation(in.Text)
	if activated {
		d.logger.Info("coordinator activated", "conversation_id", conv.ID, "user", userName)
	}

	userMsg := Message{
		ID:              NewID(),
		ConversationID:  conv.ID,
		ParentMessageID: in.ParentMessageID,
		IsCreatedByUser: true,
		Text:            in.Text,
		Sender:          "User",
		CreatedAt:       NowUnix(),
	}
	if err := d.store.SaveMessage(ctx, userMsg); err != nil {
		return d.fail(emit, nil, fmt.Errorf("save user message: %w", err))
	}
	if err := emit.Emit(CreatedEvent{Created: true, Message: userMsg, ConversationID: conv.ID}); err != nil {
		return err
	}

	// File-triggered team creation runs detached; the turn proceeds
	// regardless of its outcome.
	if d.hasDocumentFiles(in.Files) && !conv.HasTeam() {
		d.scheduleFileTeamCreation(conv.ID, in.Files)
	}

	// A reply to a QA question resumes exactly that paused orchestration.
	if conv.HasTeam() && in.ParentMessageID != "" {
		if _, err := d.store.FindPausedState(ctx, conv.ID, in.ParentMessageID); err == nil {
			return d.resumeTurn(ctx, conv, userMsg, in, emit)
		}
	}

	if conv.HasTeam() && !activated {
		return d.teamTurn(ctx, conv, userMsg, in, emit, isNew)
	}

	return d.singleAgentTurn(ctx, conv, userMsg, in, emit, isNew, activated, userName)
}

// beginTurn claims a conversation for one turn. It reports false when
// another turn for the same conversation is already running.
func (d *Dispatcher) beginTurn(conversationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[conversationID] {
		return false
	}
	d.inflight[conversationID] = true
	return true
}

func (d *Dispatcher) endTurn(conversationID string) {
	d.mu.Lock()
	delete(d.inflight, conversationID)
	d.mu.Unlock()
}

// loadConversation fetches or creates the conversation for a turn.
func (d *Dispatcher) loadConversation(ctx context.Context, id string) (Conversation, bool, error) {
	if id != "" {
		conv, err := d.store.GetConversation(ctx, id)
		if err == nil {
			return conv, false, nil
		}
		if err != ErrNotFound {
			return Conversation{}, false, err
		}
	}
	now := NowUnix()
	conv := Conversation{ID: id, CreatedAt: now, UpdatedAt: now}
	if conv.ID == "" {
		conv.ID = NewID()
	}
	if err := d.store.SaveConversation(ctx, conv); err != nil {
		return Conversation{}, false, err
	}
	return conv, true, nil
}

// --- single-agent path ---

const coordinatorPrompt = `You are Dr. Sterling, a team design coordinator. You interview the user about their project, then design a team of named specialists (a tier-3 Lead, tier-4 Specialists, and optionally a tier-5 QA reviewer), presenting it with a "## TEAM COMPOSITION" table (| Tier | Role | Name | Expertise |) and one "### <Name>" specification section per member.
When the user explicitly approves the team, include the literal token [TEAM_CONFIRMED] at the end of your reply.`

// singleAgentTurn streams one coordinator/specialist response, handles the
// [TEAM_CONFIRMED] marker, and persists both sides of the exchange.
func (d *Dispatcher) singleAgentTurn(ctx context.Context, conv Conversation, userMsg Message, in ChatInput, emit Emitter, isNew, coordinator bool, userName string) error {
	system := coordinatorPrompt
	if coordinator && userName != "" {
		system += "\n\nThe user has introduced themselves as " + userName + "."
	}
	if d.kb != nil {
		if kbContext, err := d.kb.FormatContext(ctx, conv.ID, ""); err == nil && kbContext != "" {
			system += "\n\n" + kbContext
		}
	}

	history, err := d.chatHistory(ctx, conv.ID, userMsg.ID)
	if err != nil {
		return d.fail(emit, &userMsg, err)
	}
	history = append(history, UserMessage(in.Text))

	responseID := NewID()
	streamIdx := 0
	var accumulated strings.Builder

	cfg := LoopConfig{
		Name:         "coordinator",
		Provider:     d.provider,
		Model:        d.cfg.CoordinatorModel,
		SystemPrompt: system,
		Messages:     history,
		Logger:       d.logger,
		Tracer:       d.tracer,
		OnStream: func(chunk string) {
			accumulated.WriteString(chunk)
			emit.Emit(TextEvent{
				Type:           "text",
				Text:           accumulated.String(),
				Index:          streamIdx,
				MessageID:      responseID,
				ConversationID: conv.ID,
			})
			streamIdx++
		},
		OnThinking: func(td ThinkingData) {
			emit.Emit(ProgressEvent{Event: EventThinking, Data: td})
		},
	}
	if d.toolFactory != nil {
		cfg.Tools = d.toolFactory(conv.ID)
	}

	result, err := RunLoopStream(ctx, cfg)
	if err != nil {
		return d.fail(emit, &userMsg, err)
	}

	text := result.Text
	teamConfirmed := coordinator && HasTeamConfirmed(text)
	if HasTeamConfirmed(text) {
		text = StripTeamConfirmed(text)
	}

	respMsg := Message{
		ID:              responseID,
		ConversationID:  conv.ID,
		ParentMessageID: userMsg.ID,
		Text:            text,
		Content:         TextContent(text),
		Sender:          "Dr. Sterling",
		CreatedAt:       NowUnix(),
	}
	if err := d.store.SaveMessage(ctx, respMsg); err != nil {
		return d.fail(emit, &userMsg, fmt.Errorf("save response: %w", err))
	}

	d.captureArtifacts(ctx, conv.ID, respMsg)
	conv = d.touchConversation(ctx, conv, in.Text, isNew)

	if teamConfirmed {
		d.scheduleTeamExtraction(conv.ID)
	}

	return emit.Emit(FinalEvent{
		Final:           true,
		Conversation:    &conv,
		Title:           conv.Title,
		RequestMessage:  &userMsg,
		ResponseMessage: &respMsg,
		TeamCreated:     teamConfirmed,
	})
}

// chatHistory converts stored messages (before the current turn) into chat
// messages.
func (d *Dispatcher) chatHistory(ctx context.Context, conversationID, excludeID string) ([]ChatMessage, error) {
	stored, err := d.store.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	var history []ChatMessage
	for _, m := range stored {
		if m.ID == excludeID {
			continue
		}
		text := ExtractText(m)
		if text == "" {
			continue
		}
		if m.IsCreatedByUser {
			history = append(history, UserMessage(text))
		} else {
			history = append(history, AssistantMessage(text))
		}
	}
	return history, nil
}

// --- team path ---

// teamTurn dispatches to the orchestrator with the effective objective.
func (d *Dispatcher) teamTurn(ctx context.Context, conv Conversation, userMsg Message, in ChatInput, emit Emitter, isNew bool) error {
	objective := strings.TrimSpace(in.Text)
	if len(objective) < shortObjectiveChars && conv.TeamObjective != "" {
		objective = conv.TeamObjective
	} else if len(objective) >= shortObjectiveChars {
		conv.TeamObjective = objective
	}

	responseID := NewID()
	qaQuestionID := NewID()
	streamIdx := 0
	var accumulated strings.Builder

	callbacks := OrchestrationCallbacks{
		OnThinking: func(td ThinkingData) {
			emit.Emit(ProgressEvent{Event: EventThinking, Data: td})
		},
		OnAgentStart: func(a AgentStartData) {
			emit.Emit(ProgressEvent{Event: EventAgentStart, Data: a})
		},
		OnAgentComplete: func(a AgentCompleteData) {
			emit.Emit(ProgressEvent{Event: EventAgentComplete, Data: a})
		},
		OnStream: func(chunk string) {
			accumulated.WriteString(chunk)
			emit.Emit(TextEvent{
				Type:           "text",
				Text:           accumulated.String(),
				Index:          streamIdx,
				MessageID:      responseID,
				ConversationID: conv.ID,
			})
			streamIdx++
		},
	}

	result, err := d.orchestrator.Run(ctx, OrchestrationRequest{
		Conversation:        conv,
		Objective:           objective,
		ParentMessageID:     userMsg.ID,
		QAQuestionMessageID: qaQuestionID,
		Callbacks:           callbacks,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return d.fail(emit, &userMsg, err)
	}

	if result.WaitingForInput {
		qaMsg := Message{
			ID:              qaQuestionID,
			ConversationID:  conv.ID,
			ParentMessageID: userMsg.ID,
			Text:            result.QAQuestion,
			Content:         TextContent(result.QAQuestion),
			Sender:          result.QAAgentName,
			Metadata: mustMeta(MessageMeta{
				Phase:           PhaseQAGatePending,
				WaitingForInput: true,
				QAAgentName:     result.QAAgentName,
				QAAgentRole:     result.QAAgentRole,
			}),
			CreatedAt: NowUnix(),
		}
		if err := d.store.SaveMessage(ctx, qaMsg); err != nil {
			return d.fail(emit, &userMsg, fmt.Errorf("save qa question: %w", err))
		}
		conv = d.touchConversation(ctx, conv, in.Text, isNew)
		return emit.Emit(FinalEvent{
			Final:                true,
			Conversation:         &conv,
			Title:                conv.Title,
			RequestMessage:       &userMsg,
			ResponseMessage:      &qaMsg,
			QAWaitingForApproval: true,
		})
	}

	sender := "Team"
	if lead, ok := conv.Lead(); ok {
		sender = lead.Name
	}
	respMsg := Message{
		ID:              responseID,
		ConversationID:  conv.ID,
		ParentMessageID: userMsg.ID,
		Text:            result.FormattedResponse,
		Content:         TextContent(result.FormattedResponse),
		Sender:          sender,
		CreatedAt:       NowUnix(),
	}
	if err := d.store.SaveMessage(ctx, respMsg); err != nil {
		return d.fail(emit, &userMsg, fmt.Errorf("save response: %w", err))
	}

	d.captureArtifacts(ctx, conv.ID, respMsg)
	conv = d.touchConversation(ctx, conv, in.Text, isNew)

	return emit.Emit(FinalEvent{
		Final:           true,
		Conversation:    &conv,
		Title:           conv.Title,
		RequestMessage:  &userMsg,
		ResponseMessage: &respMsg,
	})
}

// resumeTurn completes a paused QA gate with the user's reply.
func (d *Dispatcher) resumeTurn(ctx context.Context, conv Conversation, userMsg Message, in ChatInput, emit Emitter) error {
	responseID := NewID()
	streamIdx := 0
	var accumulated strings.Builder

	result, err := d.orchestrator.Resume(ctx, ResumeRequest{
		Conversation:    conv,
		ParentMessageID: in.ParentMessageID,
		UserReply:       in.Text,
		Callbacks: OrchestrationCallbacks{
			OnAgentStart: func(a AgentStartData) {
				emit.Emit(ProgressEvent{Event: EventAgentStart, Data: a})
			},
			OnAgentComplete: func(a AgentCompleteData) {
				emit.Emit(ProgressEvent{Event: EventAgentComplete, Data: a})
			},
			OnStream: func(chunk string) {
				accumulated.WriteString(chunk)
				emit.Emit(TextEvent{
					Type:           "text",
					Text:           accumulated.String(),
					Index:          streamIdx,
					MessageID:      responseID,
					ConversationID: conv.ID,
				})
				streamIdx++
			},
		},
	})
	if err != nil {
		return d.fail(emit, &userMsg, err)
	}

	respMsg := Message{
		ID:              responseID,
		ConversationID:  conv.ID,
		ParentMessageID: userMsg.ID,
		Text:            result.FormattedResponse,
		Content:         TextContent(result.FormattedResponse),
		Sender:          result.QAAgentName,
		Metadata: mustMeta(MessageMeta{
			Phase:      PhaseQAGateComplete,
			QAApproved: result.QAApproved,
		}),
		CreatedAt: NowUnix(),
	}
	if err := d.store.SaveMessage(ctx, respMsg); err != nil {
		return d.fail(emit, &userMsg, fmt.Errorf("save qa resolution: %w", err))
	}

	conv = d.touchConversation(ctx, conv, in.Text, false)
	return emit.Emit(FinalEvent{
		Final:           true,
		Conversation:    &conv,
		Title:           conv.Title,
		RequestMessage:  &userMsg,
		ResponseMessage: &respMsg,
	})
}

// --- background jobs ---

// scheduleTeamExtraction runs post-confirmation team extraction detached
// from the request, after the configured grace delay.
func (d *Dispatcher) scheduleTeamExtraction(conversationID string) {
	d.spawn(func() {
		if d.cfg.GraceDelay > 0 {
			time.Sleep(d.cfg.GraceDelay)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := d.extractTeam(ctx, conversationID, false); err != nil {
			d.logger.Error("background team extraction failed",
				"conversation_id", conversationID, "error", err)
		}
	})
}

// ParseTeam forces team extraction from the conversation's current messages,
// replacing any existing team. This is the manual approval path behind
// POST /teams/{conversationId}/parse.
func (d *Dispatcher) ParseTeam(ctx context.Context, conversationID string) (Conversation, error) {
	if err := d.extractTeam(ctx, conversationID, true); err != nil {
		return Conversation{}, err
	}
	return d.store.GetConversation(ctx, conversationID)
}

// extractTeam builds team agents from the conversation's team-related
// assistant messages. Unless forced, creation happens at most once per
// conversation.
func (d *Dispatcher) extractTeam(ctx context.Context, conversationID string, force bool) error {
	conv, err := d.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !force && conv.HasTeam() {
		d.logger.Info("team already exists, skipping extraction", "conversation_id", conversationID)
		return nil
	}

	messages, err := d.store.GetMessages(ctx, conversationID)
	if err != nil {
		return err
	}

	// Messages arrive ascending; find the latest confirmation and collect
	// the team-related assistant messages up to and including it.
	confirmIdx := -1
	for i, m := range messages {
		if HasTeamConfirmed(ExtractText(m)) {
			confirmIdx = i
		}
	}
	var sources []string
	limit := len(messages)
	if confirmIdx >= 0 {
		limit = confirmIdx + 1
	}
	for _, m := range messages[:limit] {
		if m.IsCreatedByUser {
			continue
		}
		if text := ExtractText(m); IsTeamRelated(text) {
			sources = append(sources, text)
		}
	}
	if len(sources) == 0 {
		return ErrTeamExtractionFailed
	}

	ex, err := d.extractor.Extract(ctx, sources)
	if err != nil {
		return err
	}
	agents, err := ToAgents(conversationID, ex, d.cfg.DefaultProvider, d.cfg.DefaultModel)
	if err != nil {
		return err
	}

	conv.TeamAgents = agents
	conv.HostAgentID = DrSterlingAgentID
	conv.TeamFileID = ""
	conv.UpdatedAt = NowUnix()
	if err := d.store.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("persist team: %w", err)
	}
	d.logger.Info("team created from conversation",
		"conversation_id", conversationID, "members", len(agents))
	return nil
}

// fileTeamSchema is the structured-output schema for document-driven team
// design.
var fileTeamSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"documentType": {"type": "string"},
		"roles": {
			"type": "array",
			"maxItems": 5,
			"items": {
				"type": "object",
				"properties": {
					"role": {"type": "string"},
					"name": {"type": "string"},
					"instructions": {"type": "string"},
					"responsibilities": {"type": "string"}
				},
				"required": ["role", "name", "instructions", "responsibilities"],
				"additionalProperties": false
			}
		}
	},
	"required": ["documentType", "roles"],
	"additionalProperties": false
}`)

type fileTeamAnalysis struct {
	DocumentType string `json:"documentType"`
	Roles        []struct {
		Role             string `json:"role"`
		Name             string `json:"name"`
		Instructions     string `json:"instructions"`
		Responsibilities string `json:"responsibilities"`
	} `json:"roles"`
}

// hasDocumentFiles reports whether any attachment is an analyzable document.
func (d *Dispatcher) hasDocumentFiles(files []FileInfo) bool {
	for _, f := range files {
		mt := f.MimeType
		if mt == "application/pdf" || strings.HasPrefix(mt, "application/") || strings.HasPrefix(mt, "text/") {
			return true
		}
	}
	return false
}

// scheduleFileTeamCreation analyzes the first attached document in the
// background and persists a team designed for it. Failures are logged; the
// user-facing turn is unaffected.
func (d *Dispatcher) scheduleFileTeamCreation(conversationID string, files []FileInfo) {
	d.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := d.createTeamFromFile(ctx, conversationID, files[0]); err != nil {
			d.logger.Error("file-triggered team creation failed",
				"conversation_id", conversationID,
				"file", files[0].FileName,
				"error", err)
		}
	})
}

func (d *Dispatcher) createTeamFromFile(ctx context.Context, conversationID string, file FileInfo) error {
	if d.structured == nil || d.files == nil {
		return fmt.Errorf("file analysis not configured")
	}

	conv, err := d.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.HasTeam() {
		return nil
	}

	text, err := d.files.Extract(file)
	if err != nil {
		return fmt.Errorf("extract %s: %w", file.FileName, err)
	}
	if len(text) > MaxFileAnalysisChars {
		text = text[:MaxFileAnalysisChars]
	}

	raw, err := d.structured.Parse(ctx, ChatRequest{
		Model: d.cfg.CoordinatorModel,
		Messages: []ChatMessage{
			SystemMessage(fmt.Sprintf("Analyze the document and design a team of at most %d named roles to work on it. Return JSON matching the schema.", d.cfg.FileTeamCap)),
			UserMessage(text),
		},
		ResponseSchema: &ResponseSchema{Name: "file_team", Schema: fileTeamSchema},
	})
	if err != nil {
		return err
	}

	var analysis fileTeamAnalysis
	if err := json.Unmarshal([]byte(repairJSON(stripFences(string(raw)))), &analysis); err != nil {
		return &ErrStructuredParse{Raw: string(raw), Err: err}
	}
	if len(analysis.Roles) == 0 {
		return ErrTeamExtractionFailed
	}
	if len(analysis.Roles) > d.cfg.FileTeamCap {
		analysis.Roles = analysis.Roles[:d.cfg.FileTeamCap]
	}

	ex := TeamExtraction{ProjectName: analysis.DocumentType, Complexity: ComplexityModerate}
	for i, r := range analysis.Roles {
		tier := TierSpecialist
		if i == 0 {
			tier = TierLead
		}
		ex.Members = append(ex.Members, TeamMember{
			Name:         r.Name,
			Role:         r.Role,
			Tier:         tier,
			Expertise:    r.Responsibilities,
			Instructions: r.Instructions,
		})
	}
	agents, err := ToAgents(conversationID, ex, d.cfg.DefaultProvider, d.cfg.DefaultModel)
	if err != nil {
		return err
	}

	conv.TeamAgents = agents
	conv.TeamFileID = file.FileID
	conv.HostAgentID = DrSterlingAgentID
	conv.UpdatedAt = NowUnix()
	if err := d.store.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("persist file team: %w", err)
	}
	d.logger.Info("team created from document",
		"conversation_id", conversationID,
		"file", file.FileName,
		"members", len(agents))
	return nil
}

// --- shared plumbing ---

// captureArtifacts upserts artifact blocks from a response into the KB.
func (d *Dispatcher) captureArtifacts(ctx context.Context, conversationID string, msg Message) {
	if d.kb == nil {
		return
	}
	for _, a := range ExtractArtifacts(ExtractText(msg)) {
		stableID := StableArtifactID(a.Identifier, a.Title)
		title := a.Title
		if title == "" {
			title = stableID
		}
		_, err := d.kb.Save(ctx, conversationID, SaveInput{
			DedupeKey: ArtifactDedupeKey(conversationID, stableID),
			Title:     title,
			Content:   a.Content,
			MessageID: msg.ID,
			CreatedBy: msg.Sender,
			Tags:      []string{"artifact"},
			Metadata:  map[string]string{"type": a.Type},
		})
		if err != nil {
			d.logger.Warn("artifact capture failed",
				"conversation_id", conversationID, "artifact", stableID, "error", err)
		}
	}
}

// touchConversation bumps UpdatedAt and titles new conversations from their
// first user message.
func (d *Dispatcher) touchConversation(ctx context.Context, conv Conversation, userText string, isNew bool) Conversation {
	if isNew && conv.Title == "" {
		conv.Title = titleFromText(userText)
	}
	conv.UpdatedAt = NowUnix()
	if err := d.store.SaveConversation(ctx, conv); err != nil {
		d.logger.Warn("failed to update conversation", "conversation_id", conv.ID, "error", err)
	}
	return conv
}

// titleFromText derives a short conversation title from the first user
// message.
func titleFromText(text string) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if len(text) <= 48 {
		return text
	}
	cut := text[:48]
	if idx := strings.LastIndexByte(cut, ' '); idx > 20 {
		cut = cut[:idx]
	}
	return cut + "…"
}

// fail reports a user-visible failure as a terminal event. The emitter error
// (client gone) wins over the turn error for the caller.
func (d *Dispatcher) fail(emit Emitter, userMsg *Message, err error) error {
	d.logger.Error("turn failed", "error", err)
	return emit.Emit(FinalEvent{
		Final:          true,
		RequestMessage: userMsg,
		Error:          &ErrorInfo{Message: err.Error()},
	})
}

func mustMeta(m MessageMeta) json.RawMessage {
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

package roundtable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Orchestrator runs a user turn against a persisted team: Lead planning,
// serial specialist execution, streamed synthesis, and an optional QA gate
// that can pause the turn on a question for the user.
type Orchestrator struct {
	provider   ChatProvider
	stateStore StateStore
	logger     *slog.Logger
	tracer     Tracer
	now        func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets a logger. Default discards.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOrchestratorTracer sets a tracer for phase spans.
func WithOrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// withClock overrides time for deterministic footers in tests.
func withClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an orchestrator. The provider should implement
// StreamingChatProvider; synthesis falls back to a blocking completion
// otherwise.
func NewOrchestrator(provider ChatProvider, stateStore StateStore, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		provider:   provider,
		stateStore: stateStore,
		logger:     nopLogger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OrchestrationCallbacks receive phase progress. All fields are optional.
// The orchestrator makes no assumption about the transport behind them.
type OrchestrationCallbacks struct {
	OnThinking      func(ThinkingData)
	OnAgentStart    func(AgentStartData)
	OnAgentComplete func(AgentCompleteData)
	OnStream        func(chunk string)
}

func (c OrchestrationCallbacks) thinking(d ThinkingData) {
	if c.OnThinking != nil {
		c.OnThinking(d)
	}
}

func (c OrchestrationCallbacks) agentStart(a TeamAgent) {
	if c.OnAgentStart != nil {
		c.OnAgentStart(AgentStartData{AgentName: a.Name, AgentRole: a.Role, Tier: a.Tier})
	}
}

func (c OrchestrationCallbacks) agentComplete(a TeamAgent, response string) {
	if c.OnAgentComplete != nil {
		c.OnAgentComplete(AgentCompleteData{AgentName: a.Name, AgentRole: a.Role, Response: response})
	}
}

func (c OrchestrationCallbacks) stream(chunk string) {
	if c.OnStream != nil {
		c.OnStream(chunk)
	}
}

// OrchestrationRequest describes one team turn.
type OrchestrationRequest struct {
	Conversation Conversation
	// Objective is the effective objective for this turn (the user's text or
	// the stored team objective).
	Objective string
	// ParentMessageID keys the orchestration state for this turn.
	ParentMessageID string
	// QAQuestionMessageID is the pre-allocated id of the message that will
	// hold a QA question should the turn pause. Required when the team has a
	// tier-5 agent.
	QAQuestionMessageID string
	// SharedContext carries prior conversation context into agent prompts.
	SharedContext string
	Callbacks     OrchestrationCallbacks
}

// SpecialistResponse is one specialist's contribution, in declared order.
type SpecialistResponse struct {
	AgentName string `json:"agentName"`
	AgentRole string `json:"agentRole"`
	Response  string `json:"response"`
}

// SelectedAgent identifies an agent chosen by the work plan.
type SelectedAgent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// OrchestrationResult is the outcome of a team turn or a QA resume.
type OrchestrationResult struct {
	Success           bool
	Responses         []SpecialistResponse
	FormattedResponse string
	SelectedAgents    []SelectedAgent
	WorkPlan          *WorkPlan
	// WaitingForInput is set when the QA gate paused on a question.
	WaitingForInput bool
	QAQuestion      string
	QAAgentName     string
	QAAgentRole     string
	// QAApproved is set by the QA gate or the resume path.
	QAApproved *bool
}

const qaReviewDelimiter = "\n\n---\n\n**Initiating QA Review...**\n\n"

// Run executes the phase machine for one turn:
// PLAN -> SPECIALISTS -> SYNTHESIS -> [QA_GATE] -> DONE.
// Cancellation aborts promptly with a partial result; progress already
// persisted for the turn is cleared so no state is left behind.
func (o *Orchestrator) Run(ctx context.Context, req OrchestrationRequest) (*OrchestrationResult, error) {
	if o.tracer != nil {
		var span Span
		ctx, span = o.tracer.Start(ctx, "orchestrator.run",
			StringAttr("conversation_id", req.Conversation.ID),
			IntAttr("team_size", len(req.Conversation.TeamAgents)))
		defer span.End()
	}

	lead, ok := req.Conversation.Lead()
	if !ok {
		return nil, fmt.Errorf("conversation %s has no tier-%d lead", req.Conversation.ID, TierLead)
	}
	specialists := agentsOfTier(req.Conversation.TeamAgents, TierSpecialist)
	qaAgents := agentsOfTier(req.Conversation.TeamAgents, TierQA)

	result := &OrchestrationResult{}

	// Phase PLAN.
	plan := o.runPlan(ctx, lead, specialists, req)
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	result.WorkPlan = plan

	selected := selectSpecialists(specialists, plan)
	result.SelectedAgents = make([]SelectedAgent, 0, len(selected)+1)
	result.SelectedAgents = append(result.SelectedAgents, SelectedAgent{ID: lead.AgentID, Name: lead.Name, Role: lead.Role})
	for _, s := range selected {
		result.SelectedAgents = append(result.SelectedAgents, SelectedAgent{ID: s.agent.AgentID, Name: s.agent.Name, Role: s.agent.Role})
	}

	// Phase SPECIALISTS.
	state := o.newState(req, plan, selected)
	for i, s := range selected {
		if ctx.Err() != nil {
			o.clearAbandoned(state)
			return result, ctx.Err()
		}
		req.Callbacks.agentStart(s.agent)
		state.SpecialistStates[i].Status = SpecialistWorking
		o.saveProgress(ctx, state)

		response := o.runSpecialist(ctx, s.agent, req.Objective, s.assignment, req.SharedContext)
		if ctx.Err() != nil {
			o.clearAbandoned(state)
			return result, ctx.Err()
		}

		req.Callbacks.agentComplete(s.agent, response)
		result.Responses = append(result.Responses, SpecialistResponse{
			AgentName: s.agent.Name,
			AgentRole: s.agent.Role,
			Response:  response,
		})
		state.SpecialistStates[i].Status = SpecialistCompleted
		state.SpecialistStates[i].CurrentOutput = response
		o.saveProgress(ctx, state)
	}

	// Phase SYNTHESIS. Errors here are fatal for the turn.
	formatted, err := o.runSynthesis(ctx, lead, selected, result.Responses, req)
	if err != nil {
		if ctx.Err() != nil {
			o.clearAbandoned(state)
			return result, ctx.Err()
		}
		o.logger.Error("synthesis failed", "conversation_id", req.Conversation.ID, "error", err)
		state.Status = StateFailed
		o.saveProgress(ctx, state)
		return result, err
	}
	result.FormattedResponse = formatted
	result.Success = true

	// Phase QA_GATE.
	if len(qaAgents) > 0 {
		if err := o.runQAGate(ctx, qaAgents[0], formatted, req, state, result); err != nil {
			result.Success = false
			state.Status = StateFailed
			o.saveProgress(ctx, state)
			return result, err
		}
	}

	if !result.WaitingForInput {
		state.Status = StateCompleted
		o.saveProgress(ctx, state)
	}
	return result, nil
}

type selectedSpecialist struct {
	agent      TeamAgent
	assignment string
}

// --- PLAN ---

// runPlan asks the Lead for a work plan. Provider errors and unparsable JSON
// degrade to "all specialists selected, no assignments".
func (o *Orchestrator) runPlan(ctx context.Context, lead TeamAgent, specialists []TeamAgent, req OrchestrationRequest) *WorkPlan {
	req.Callbacks.agentStart(lead)
	req.Callbacks.thinking(ThinkingData{Agent: lead.Name, Action: "planning", Message: "Analyzing the objective and assigning specialists"})

	resp, err := o.provider.Chat(ctx, ChatRequest{
		Model: lead.Model,
		Messages: []ChatMessage{
			SystemMessage(leadPlanPrompt(lead, specialists)),
			UserMessage("Objective: " + req.Objective),
		},
	})
	if err != nil {
		o.logger.Warn("plan phase failed, selecting all specialists", "error", err)
		plan := selectAllPlan(specialists)
		req.Callbacks.agentComplete(lead, plan.Analysis)
		return plan
	}

	plan, perr := parseWorkPlan(resp.Content)
	if perr != nil {
		o.logger.Warn("unparsable work plan, selecting all specialists", "error", perr)
		plan = selectAllPlan(specialists)
	}
	req.Callbacks.agentComplete(lead, plan.Analysis)
	return plan
}

func leadPlanPrompt(lead TeamAgent, specialists []TeamAgent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, %s, leading a team of specialists.\n\n", lead.Name, lead.Role)
	b.WriteString("Available specialists (1-based indices):\n")
	for i, s := range specialists {
		fmt.Fprintf(&b, "%d. %s — %s (%s)\n", i+1, s.Name, s.Role, s.Expertise)
	}
	b.WriteString(`
Analyze the objective and respond with ONLY a JSON object:
{"analysis": "...", "selectedSpecialists": [1, 3], "assignments": {"1": "...", "3": "..."}, "deliverableOutline": "..."}
Select the specialists whose expertise the objective needs and give each a concrete assignment.`)
	return b.String()
}

func parseWorkPlan(content string) (*WorkPlan, error) {
	cleaned := repairJSON(stripFences(content))
	var plan WorkPlan
	if err := json.Unmarshal([]byte(cleaned), &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// selectAllPlan is the degraded plan used when the Lead's plan is unusable.
func selectAllPlan(specialists []TeamAgent) *WorkPlan {
	plan := &WorkPlan{
		Analysis:    "Engaging the full team for this objective.",
		Assignments: map[int]string{},
	}
	for i := range specialists {
		plan.SelectedSpecialists = append(plan.SelectedSpecialists, i+1)
	}
	return plan
}

// selectSpecialists resolves 1-based plan indices to agents, in declared
// order, dropping out-of-range indices.
func selectSpecialists(specialists []TeamAgent, plan *WorkPlan) []selectedSpecialist {
	chosen := make(map[int]bool, len(plan.SelectedSpecialists))
	for _, idx := range plan.SelectedSpecialists {
		if idx >= 1 && idx <= len(specialists) {
			chosen[idx] = true
		}
	}
	var selected []selectedSpecialist
	for i, s := range specialists {
		if !chosen[i+1] {
			continue
		}
		selected = append(selected, selectedSpecialist{agent: s, assignment: plan.Assignments[i+1]})
	}
	return selected
}

// --- SPECIALISTS ---

// runSpecialist executes one specialist. Provider errors become a
// placeholder response; the pipeline continues.
func (o *Orchestrator) runSpecialist(ctx context.Context, agent TeamAgent, objective, assignment, sharedContext string) string {
	userMsg := "Objective: " + objective
	if assignment != "" {
		userMsg += "\n\nYour Assignment: " + assignment
	}

	messages := []ChatMessage{SystemMessage(specialistPrompt(agent, sharedContext))}
	messages = append(messages, UserMessage(userMsg))

	resp, err := o.provider.Chat(ctx, ChatRequest{Model: agent.Model, Messages: messages})
	if err != nil {
		o.logger.Warn("specialist failed", "agent", agent.Name, "error", err)
		return fmt.Sprintf("[Unable to generate response: %v]", err)
	}
	return resp.Content
}

func specialistPrompt(agent TeamAgent, sharedContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, %s.\n", agent.Name, agent.Role)
	if agent.Expertise != "" {
		fmt.Fprintf(&b, "Expertise: %s\n", agent.Expertise)
	}
	if agent.Instructions != "" {
		fmt.Fprintf(&b, "\n%s\n", agent.Instructions)
	}
	if sharedContext != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", sharedContext)
	}
	b.WriteString("\nProduce your contribution to the team's deliverable. Be specific and substantive.")
	return b.String()
}

// --- SYNTHESIS ---

// runSynthesis streams the Lead's integration of specialist inputs into one
// Markdown deliverable and appends the team footer.
func (o *Orchestrator) runSynthesis(ctx context.Context, lead TeamAgent, selected []selectedSpecialist, responses []SpecialistResponse, req OrchestrationRequest) (string, error) {
	req.Callbacks.thinking(ThinkingData{Agent: lead.Name, Action: "synthesis", Message: "Integrating specialist contributions"})

	var input strings.Builder
	fmt.Fprintf(&input, "Objective: %s\n", req.Objective)
	for _, r := range responses {
		fmt.Fprintf(&input, "\n## Contribution from %s (%s)\n\n%s\n", r.AgentName, r.AgentRole, r.Response)
	}

	chatReq := ChatRequest{
		Model: lead.Model,
		Messages: []ChatMessage{
			SystemMessage(synthesisPrompt(lead)),
			UserMessage(input.String()),
		},
	}

	text, err := o.streamChat(ctx, chatReq, req.Callbacks.stream)
	if err != nil {
		return "", err
	}

	footer := teamFooter(lead, selected, o.now())
	req.Callbacks.stream(footer)
	return text + footer, nil
}

func synthesisPrompt(lead TeamAgent) string {
	return fmt.Sprintf(`You are %s, %s. Integrate your team's contributions into a single cohesive Markdown deliverable.
Resolve contradictions, remove duplication, and present the result as one polished document addressed to the user.`, lead.Name, lead.Role)
}

// teamFooter renders the attribution line appended to every synthesis.
func teamFooter(lead TeamAgent, selected []selectedSpecialist, now time.Time) string {
	names := []string{lead.Name}
	for _, s := range selected {
		names = append(names, s.agent.Name)
	}
	return fmt.Sprintf("\n\n---\n\n_**Team:** %s | %s_", strings.Join(names, ", "), now.Format("2006-01-02"))
}

// streamChat issues one completion, streaming deltas through onStream when
// the provider supports it.
func (o *Orchestrator) streamChat(ctx context.Context, req ChatRequest, onStream func(string)) (string, error) {
	sp, ok := o.provider.(StreamingChatProvider)
	if !ok {
		resp, err := o.provider.Chat(ctx, req)
		if err != nil {
			return "", err
		}
		onStream(resp.Content)
		return resp.Content, nil
	}

	ch := make(chan string, 64)
	done := make(chan struct{})
	var text strings.Builder
	go func() {
		defer close(done)
		for chunk := range ch {
			text.WriteString(chunk)
			onStream(chunk)
		}
	}()
	resp, err := sp.ChatStream(ctx, req, ch)
	<-done
	if err != nil {
		return "", err
	}
	if resp.Content != "" {
		return resp.Content, nil
	}
	return text.String(), nil
}

// --- QA_GATE ---

// qaVerdict is the QA agent's JSON protocol.
type qaVerdict struct {
	Approved bool   `json:"approved"`
	Question string `json:"question"`
	Summary  string `json:"summary"`
}

// runQAGate reviews the deliverable with the first tier-5 agent. On a
// question, the orchestration pauses: state is persisted as PAUSED keyed to
// the QA question message, and the result signals WaitingForInput. A failed
// pause save is fatal so the question is never silently lost.
func (o *Orchestrator) runQAGate(ctx context.Context, qa TeamAgent, deliverable string, req OrchestrationRequest, state *OrchestrationState, result *OrchestrationResult) error {
	req.Callbacks.stream(qaReviewDelimiter)
	req.Callbacks.agentStart(qa)

	resp, err := o.provider.Chat(ctx, ChatRequest{
		Model: qa.Model,
		Messages: []ChatMessage{
			SystemMessage(qaPrompt(qa)),
			UserMessage(deliverable),
		},
	})
	if err != nil {
		// The deliverable stands on its own; a failed review approves it.
		o.logger.Warn("qa review failed, treating as approved", "agent", qa.Name, "error", err)
		approved := true
		result.QAApproved = &approved
		return nil
	}

	var verdict qaVerdict
	if jerr := json.Unmarshal([]byte(repairJSON(stripFences(resp.Content))), &verdict); jerr != nil {
		o.logger.Warn("unparsable qa verdict, treating as approved", "agent", qa.Name)
		verdict = qaVerdict{Approved: true}
	}

	result.QAAgentName = qa.Name
	result.QAAgentRole = qa.Role

	if verdict.Approved || strings.TrimSpace(verdict.Question) == "" {
		approved := true
		result.QAApproved = &approved
		note := "**QA Review passed.**"
		if verdict.Summary != "" {
			note += " " + verdict.Summary
		}
		req.Callbacks.stream(note)
		result.FormattedResponse += qaReviewDelimiter + note
		req.Callbacks.agentComplete(qa, note)
		return nil
	}

	question := formatQAQuestion(qa, verdict.Question)
	req.Callbacks.stream(question)
	req.Callbacks.agentComplete(qa, question)

	state.Status = StatePaused
	state.PausedMessageID = req.QAQuestionMessageID
	state.SharedContext = deliverable
	if err := o.stateStore.SaveState(ctx, *state); err != nil {
		return &ErrStatePersist{
			ConversationID:  state.ConversationID,
			ParentMessageID: state.ParentMessageID,
			Err:             err,
		}
	}

	result.WaitingForInput = true
	result.QAQuestion = question
	o.logger.Info("orchestration paused on qa question",
		"conversation_id", state.ConversationID,
		"paused_message_id", state.PausedMessageID)
	return nil
}

func qaPrompt(qa TeamAgent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, %s, reviewing a team deliverable before it reaches the user.\n", qa.Name, qa.Role)
	if qa.Instructions != "" {
		fmt.Fprintf(&b, "\n%s\n", qa.Instructions)
	}
	b.WriteString(`
Respond with ONLY a JSON object:
{"approved": true|false, "question": "a clarifying question for the user when not approved", "summary": "one-line review summary"}
Ask a question only when user input is genuinely required to finish the work.`)
	return b.String()
}

func formatQAQuestion(qa TeamAgent, question string) string {
	return fmt.Sprintf("**%s (%s) asks:**\n\n%s", qa.Name, qa.Role, strings.TrimSpace(question))
}

// --- RESUME ---

// ResumeRequest feeds a user's reply to the QA agent of a paused
// orchestration.
type ResumeRequest struct {
	Conversation Conversation
	// ParentMessageID is the id of the QA question message the user replied
	// to; it locates the paused state by its PausedMessageID.
	ParentMessageID string
	UserReply       string
	Callbacks       OrchestrationCallbacks
}

// Resume completes a paused QA gate: the user's reply goes to the QA agent
// (streamed), the verdict is reported, and the paused state is cleared.
func (o *Orchestrator) Resume(ctx context.Context, req ResumeRequest) (*OrchestrationResult, error) {
	state, err := o.stateStore.FindPausedState(ctx, req.Conversation.ID, req.ParentMessageID)
	if err != nil {
		return nil, fmt.Errorf("find paused state: %w", err)
	}

	qaAgents := agentsOfTier(req.Conversation.TeamAgents, TierQA)
	if len(qaAgents) == 0 {
		return nil, fmt.Errorf("conversation %s paused without a tier-%d agent", req.Conversation.ID, TierQA)
	}
	qa := qaAgents[0]

	req.Callbacks.agentStart(qa)
	text, err := o.streamChat(ctx, ChatRequest{
		Model: qa.Model,
		Messages: []ChatMessage{
			SystemMessage(qaResumePrompt(qa)),
			UserMessage(fmt.Sprintf("Deliverable under review:\n\n%s\n\nThe user's reply to your question: %s", state.SharedContext, req.UserReply)),
		},
	}, req.Callbacks.stream)
	if err != nil {
		return nil, err
	}
	req.Callbacks.agentComplete(qa, text)

	approved := parseResumeVerdict(text)
	if err := o.stateStore.ClearStates(ctx, state.ConversationID, state.ParentMessageID); err != nil {
		o.logger.Warn("failed to clear resumed state", "conversation_id", state.ConversationID, "error", err)
	}

	o.logger.Info("qa gate resumed",
		"conversation_id", state.ConversationID,
		"approved", approved)
	return &OrchestrationResult{
		Success:           true,
		FormattedResponse: text,
		QAAgentName:       qa.Name,
		QAAgentRole:       qa.Role,
		QAApproved:        &approved,
	}, nil
}

func qaResumePrompt(qa TeamAgent) string {
	return fmt.Sprintf(`You are %s, %s. You previously paused a deliverable review with a question for the user.
Given the user's reply, resolve your review: state your conclusion for the user in Markdown, opening with "APPROVED" when the deliverable now passes or "REVISION NEEDED" when it does not.`, qa.Name, qa.Role)
}

// parseResumeVerdict reads the QA resolution. An unrecognizable resolution
// counts as approval.
func parseResumeVerdict(text string) bool {
	upper := strings.ToUpper(text)
	if strings.Contains(upper, "REVISION NEEDED") {
		return false
	}
	return true
}

// --- state bookkeeping ---

func (o *Orchestrator) newState(req OrchestrationRequest, plan *WorkPlan, selected []selectedSpecialist) *OrchestrationState {
	now := NowUnix()
	state := &OrchestrationState{
		ConversationID:  req.Conversation.ID,
		ParentMessageID: req.ParentMessageID,
		Status:          StateInProgress,
		LeadPlan:        plan,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, s := range selected {
		state.SpecialistStates = append(state.SpecialistStates, SpecialistState{
			AgentName:       s.agent.Name,
			Status:          SpecialistPending,
			AgentDefinition: s.agent,
		})
	}
	return state
}

// saveProgress persists intermediate state best-effort. Only the pause save
// is fatal; see runQAGate.
func (o *Orchestrator) saveProgress(ctx context.Context, state *OrchestrationState) {
	state.UpdatedAt = NowUnix()
	if err := o.stateStore.SaveState(ctx, *state); err != nil {
		o.logger.Warn("failed to persist orchestration progress",
			"conversation_id", state.ConversationID, "error", err)
	}
}

// clearAbandoned removes progress persisted for a turn the client abandoned.
// The turn's context is already cancelled, so the delete runs detached.
func (o *Orchestrator) clearAbandoned(state *OrchestrationState) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.stateStore.ClearStates(ctx, state.ConversationID, state.ParentMessageID); err != nil {
		o.logger.Warn("failed to clear abandoned orchestration state",
			"conversation_id", state.ConversationID, "error", err)
	}
}

func agentsOfTier(agents []TeamAgent, tier int) []TeamAgent {
	var out []TeamAgent
	for _, a := range agents {
		if a.Tier == tier {
			out = append(out, a)
		}
	}
	return out
}

package roundtable

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// callbackLog records orchestration callbacks in arrival order and
// accumulates streamed text.
type callbackLog struct {
	mu       sync.Mutex
	events   []string
	streamed strings.Builder
}

func (l *callbackLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *callbackLog) callbacks() OrchestrationCallbacks {
	return OrchestrationCallbacks{
		OnThinking:      func(d ThinkingData) { l.add("thinking:" + d.Action) },
		OnAgentStart:    func(d AgentStartData) { l.add("start:" + d.AgentName) },
		OnAgentComplete: func(d AgentCompleteData) { l.add("complete:" + d.AgentName) },
		OnStream: func(chunk string) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.streamed.WriteString(chunk)
		},
	}
}

func (l *callbackLog) sequence() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.events, " ")
}

func (l *callbackLog) text() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streamed.String()
}

const planJSON = `{"analysis":"One specialist covers this.","selectedSpecialists":[1],"assignments":{"1":"Build the backend"},"deliverableOutline":"Design doc"}`

func teamRequest(log *callbackLog) OrchestrationRequest {
	return OrchestrationRequest{
		Conversation:        Conversation{ID: "conv1", TeamAgents: sampleTeam()},
		Objective:           "Build the service",
		ParentMessageID:     "m_parent",
		QAQuestionMessageID: "m_qa",
		Callbacks:           log.callbacks(),
	}
}

func TestOrchestratorRunFullFlow(t *testing.T) {
	provider := &mockProvider{
		responses: []ChatResponse{
			{Content: planJSON},
			{Content: "Backend contribution."},
			{Content: "# Deliverable\n\nAll good."},
			{Content: `{"approved": true, "question": "", "summary": "Ship it."}`},
		},
	}
	store := newMemStore()
	log := &callbackLog{}
	fixed := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	o := NewOrchestrator(provider, store, withClock(func() time.Time { return fixed }))

	result, err := o.Run(context.Background(), teamRequest(log))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Error("result not successful")
	}

	wantSeq := "start:Marcus Chen thinking:planning complete:Marcus Chen " +
		"start:Sofia Reyes complete:Sofia Reyes thinking:synthesis " +
		"start:Elena Petrova complete:Elena Petrova"
	if got := log.sequence(); got != wantSeq {
		t.Errorf("callback sequence = %q, want %q", got, wantSeq)
	}

	footer := "\n\n---\n\n_**Team:** Marcus Chen, Sofia Reyes | 2026-03-14_"
	want := "# Deliverable\n\nAll good." + footer + qaReviewDelimiter + "**QA Review passed.** Ship it."
	if result.FormattedResponse != want {
		t.Errorf("FormattedResponse = %q, want %q", result.FormattedResponse, want)
	}
	if got := log.text(); got != want {
		t.Errorf("streamed text = %q, want the formatted response", got)
	}

	if len(result.Responses) != 1 || result.Responses[0].AgentName != "Sofia Reyes" {
		t.Errorf("Responses = %+v", result.Responses)
	}
	if len(result.SelectedAgents) != 2 || result.SelectedAgents[0].Name != "Marcus Chen" || result.SelectedAgents[1].Name != "Sofia Reyes" {
		t.Errorf("SelectedAgents = %+v", result.SelectedAgents)
	}
	if result.WorkPlan == nil || result.WorkPlan.Assignments[1] != "Build the backend" {
		t.Errorf("WorkPlan = %+v", result.WorkPlan)
	}
	if result.QAApproved == nil || !*result.QAApproved {
		t.Error("QAApproved not set")
	}

	state, err := store.GetLatestState(context.Background(), "conv1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != StateCompleted {
		t.Errorf("state status = %q, want COMPLETED", state.Status)
	}
}

func TestOrchestratorRunNoLead(t *testing.T) {
	o := NewOrchestrator(&mockProvider{}, newMemStore())
	_, err := o.Run(context.Background(), OrchestrationRequest{
		Conversation: Conversation{ID: "conv1", TeamAgents: []TeamAgent{
			{AgentID: "a1", Name: "Sofia Reyes", Tier: TierSpecialist},
		}},
	})
	if err == nil || !strings.Contains(err.Error(), "no tier-3 lead") {
		t.Errorf("err = %v, want missing-lead error", err)
	}
}

func TestOrchestratorPlanDegradesToAllSpecialists(t *testing.T) {
	team := []TeamAgent{
		{AgentID: "a_lead", Name: "Marcus Chen", Role: "Lead", Tier: TierLead},
		{AgentID: "a_s1", Name: "Sofia Reyes", Role: "Backend", Tier: TierSpecialist},
		{AgentID: "a_s2", Name: "Raj Patel", Role: "Frontend", Tier: TierSpecialist},
	}
	provider := &mockProvider{
		errs: []error{&ErrProvider{Provider: "mock", Message: "plan down"}},
		responses: []ChatResponse{
			{},
			{Content: "backend part"},
			{Content: "frontend part"},
			{Content: "combined"},
		},
	}
	log := &callbackLog{}
	o := NewOrchestrator(provider, newMemStore())

	result, err := o.Run(context.Background(), OrchestrationRequest{
		Conversation:    Conversation{ID: "conv1", TeamAgents: team},
		Objective:       "Ship it",
		ParentMessageID: "m_parent",
		Callbacks:       log.callbacks(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Responses) != 2 {
		t.Fatalf("Responses = %d, want both specialists", len(result.Responses))
	}
	if result.Responses[0].AgentName != "Sofia Reyes" || result.Responses[1].AgentName != "Raj Patel" {
		t.Errorf("specialist order = %+v", result.Responses)
	}
	if len(result.WorkPlan.Assignments) != 0 {
		t.Errorf("degraded plan has assignments: %+v", result.WorkPlan.Assignments)
	}
}

func TestOrchestratorUnparsablePlanDegrades(t *testing.T) {
	provider := &mockProvider{
		responses: []ChatResponse{
			{Content: "I think we should just get started!"},
			{Content: "contribution"},
			{Content: "combined"},
			{Content: `{"approved": true}`},
		},
	}
	log := &callbackLog{}
	o := NewOrchestrator(provider, newMemStore())

	result, err := o.Run(context.Background(), teamRequest(log))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Responses) != 1 {
		t.Errorf("Responses = %d, want the full specialist roster", len(result.Responses))
	}
	if got := result.WorkPlan.SelectedSpecialists; len(got) != 1 || got[0] != 1 {
		t.Errorf("SelectedSpecialists = %v, want [1]", got)
	}
}

func TestOrchestratorSpecialistFailureContinues(t *testing.T) {
	provider := &mockProvider{
		errs: []error{nil, &ErrProvider{Provider: "mock", Message: "overloaded"}},
		responses: []ChatResponse{
			{Content: planJSON},
			{},
			{Content: "combined"},
			{Content: `{"approved": true}`},
		},
	}
	log := &callbackLog{}
	o := NewOrchestrator(provider, newMemStore())

	result, err := o.Run(context.Background(), teamRequest(log))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Error("one failed specialist must not fail the turn")
	}
	if !strings.Contains(result.Responses[0].Response, "Unable to generate response") {
		t.Errorf("placeholder response missing: %q", result.Responses[0].Response)
	}
}

func TestOrchestratorSynthesisErrorFatal(t *testing.T) {
	provider := &mockProvider{
		errs: []error{nil, nil, &ErrProvider{Provider: "mock", Message: "stream broke"}},
		responses: []ChatResponse{
			{Content: planJSON},
			{Content: "contribution"},
		},
	}
	store := newMemStore()
	log := &callbackLog{}
	o := NewOrchestrator(provider, store)

	result, err := o.Run(context.Background(), teamRequest(log))
	if err == nil {
		t.Fatal("expected a synthesis error")
	}
	if result.Success {
		t.Error("failed synthesis must not report success")
	}

	state, err := store.GetLatestState(context.Background(), "conv1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != StateFailed {
		t.Errorf("state status = %q, want FAILED", state.Status)
	}
}

func TestOrchestratorQAPauses(t *testing.T) {
	provider := &mockProvider{
		responses: []ChatResponse{
			{Content: planJSON},
			{Content: "contribution"},
			{Content: "draft deliverable"},
			{Content: `{"approved": false, "question": "Which region should we deploy to?"}`},
		},
	}
	store := newMemStore()
	log := &callbackLog{}
	o := NewOrchestrator(provider, store)

	result, err := o.Run(context.Background(), teamRequest(log))
	if err != nil {
		t.Fatal(err)
	}
	if !result.WaitingForInput {
		t.Fatal("expected the QA gate to pause")
	}
	if result.QAApproved != nil {
		t.Error("paused turn must not carry a verdict")
	}
	if !strings.HasPrefix(result.QAQuestion, "**Elena Petrova (QA Reviewer) asks:**") {
		t.Errorf("QAQuestion = %q", result.QAQuestion)
	}
	if !strings.Contains(result.QAQuestion, "Which region should we deploy to?") {
		t.Errorf("QAQuestion = %q", result.QAQuestion)
	}

	state, err := store.FindPausedState(context.Background(), "conv1", "m_qa")
	if err != nil {
		t.Fatalf("paused state not found: %v", err)
	}
	if state.Status != StatePaused || state.PausedMessageID != "m_qa" {
		t.Errorf("state = %+v", state)
	}
	if !strings.Contains(state.SharedContext, "draft deliverable") {
		t.Errorf("SharedContext = %q, want the deliverable", state.SharedContext)
	}
}

func TestOrchestratorQAPauseSaveFailureIsFatal(t *testing.T) {
	provider := &mockProvider{
		responses: []ChatResponse{
			{Content: planJSON},
			{Content: "contribution"},
			{Content: "draft deliverable"},
			{Content: `{"approved": false, "question": "Is this final?"}`},
		},
	}
	store := newMemStore()
	store.failSaveState = errors.New("disk full")
	log := &callbackLog{}
	o := NewOrchestrator(provider, store)

	result, err := o.Run(context.Background(), teamRequest(log))
	var persistErr *ErrStatePersist
	if !errors.As(err, &persistErr) {
		t.Fatalf("err = %v, want *ErrStatePersist", err)
	}
	if result.Success {
		t.Error("a lost pause must not report success")
	}
}

func TestOrchestratorQAFailureApproves(t *testing.T) {
	provider := &mockProvider{
		errs: []error{nil, nil, nil, &ErrProvider{Provider: "mock", Message: "qa down"}},
		responses: []ChatResponse{
			{Content: planJSON},
			{Content: "contribution"},
			{Content: "deliverable"},
		},
	}
	log := &callbackLog{}
	o := NewOrchestrator(provider, newMemStore())

	result, err := o.Run(context.Background(), teamRequest(log))
	if err != nil {
		t.Fatal(err)
	}
	if result.WaitingForInput {
		t.Error("failed QA review must not pause")
	}
	if result.QAApproved == nil || !*result.QAApproved {
		t.Error("failed QA review must approve the deliverable")
	}
}

func TestOrchestratorCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &mockProvider{responses: []ChatResponse{{Content: planJSON}}}
	store := newMemStore()
	log := &callbackLog{}
	o := NewOrchestrator(provider, store)

	_, err := o.Run(ctx, teamRequest(log))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(store.states) != 0 {
		t.Errorf("cancelled turn persisted %d states", len(store.states))
	}
}

// cancellingProvider cancels the turn's context when the provider call with
// index cancelAt begins, simulating a client that drops mid-turn.
type cancellingProvider struct {
	*mockProvider
	mu       sync.Mutex
	n        int
	cancelAt int
	cancel   context.CancelFunc
}

func (p *cancellingProvider) tick() {
	p.mu.Lock()
	if p.n == p.cancelAt {
		p.cancel()
	}
	p.n++
	p.mu.Unlock()
}

func (p *cancellingProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	p.tick()
	if err := ctx.Err(); err != nil {
		return ChatResponse{}, err
	}
	return p.mockProvider.Chat(ctx, req)
}

func (p *cancellingProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	p.tick()
	if err := ctx.Err(); err != nil {
		close(ch)
		return ChatResponse{}, err
	}
	return p.mockProvider.ChatStream(ctx, req, ch)
}

func TestOrchestratorCancellationClearsProgress(t *testing.T) {
	// Call 1 is the specialist, call 2 the synthesis stream; by then progress
	// has been persisted and must not survive the abandoned turn.
	for _, cancelAt := range []int{1, 2} {
		ctx, cancel := context.WithCancel(context.Background())
		provider := &cancellingProvider{
			mockProvider: &mockProvider{responses: []ChatResponse{
				{Content: planJSON},
				{Content: "contribution"},
				{Content: "never delivered"},
			}},
			cancelAt: cancelAt,
			cancel:   cancel,
		}
		store := newMemStore()
		log := &callbackLog{}
		o := NewOrchestrator(provider, store)

		_, err := o.Run(ctx, teamRequest(log))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelAt %d: err = %v, want context.Canceled", cancelAt, err)
		}
		if len(store.states) != 0 {
			t.Errorf("cancelAt %d: cancelled turn left %d states behind", cancelAt, len(store.states))
		}
		cancel()
	}
}

func TestSelectSpecialists(t *testing.T) {
	specialists := []TeamAgent{
		{AgentID: "a1", Name: "One"},
		{AgentID: "a2", Name: "Two"},
		{AgentID: "a3", Name: "Three"},
	}
	plan := &WorkPlan{
		SelectedSpecialists: []int{3, 9, 1, 0},
		Assignments:         map[int]string{1: "first", 3: "third"},
	}

	selected := selectSpecialists(specialists, plan)
	if len(selected) != 2 {
		t.Fatalf("selected = %d, want 2", len(selected))
	}
	// Declared order, not plan order; out-of-range indices dropped.
	if selected[0].agent.Name != "One" || selected[1].agent.Name != "Three" {
		t.Errorf("selection order = %q, %q", selected[0].agent.Name, selected[1].agent.Name)
	}
	if selected[0].assignment != "first" || selected[1].assignment != "third" {
		t.Errorf("assignments = %q, %q", selected[0].assignment, selected[1].assignment)
	}
}

func TestOrchestratorResumeApproves(t *testing.T) {
	store := newMemStore()
	paused := OrchestrationState{
		ConversationID:  "conv1",
		ParentMessageID: "m_parent",
		Status:          StatePaused,
		PausedMessageID: "m_qa",
		SharedContext:   "the draft deliverable",
	}
	if err := store.SaveState(context.Background(), paused); err != nil {
		t.Fatal(err)
	}

	provider := &mockProvider{
		responses: []ChatResponse{{Content: "APPROVED. The region choice settles it."}},
	}
	log := &callbackLog{}
	o := NewOrchestrator(provider, store)

	result, err := o.Resume(context.Background(), ResumeRequest{
		Conversation:    Conversation{ID: "conv1", TeamAgents: sampleTeam()},
		ParentMessageID: "m_qa",
		UserReply:       "Deploy to eu-west-1.",
		Callbacks:       log.callbacks(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.QAApproved == nil || !*result.QAApproved {
		t.Error("expected approval")
	}
	if result.FormattedResponse != "APPROVED. The region choice settles it." {
		t.Errorf("FormattedResponse = %q", result.FormattedResponse)
	}
	if got := log.text(); got != result.FormattedResponse {
		t.Errorf("streamed = %q, want the resolution text", got)
	}

	// The QA agent sees both the deliverable and the user's reply.
	req := provider.calls()[0]
	user := req.Messages[len(req.Messages)-1].Content
	if !strings.Contains(user, "the draft deliverable") || !strings.Contains(user, "Deploy to eu-west-1.") {
		t.Errorf("resume prompt = %q", user)
	}

	if _, err := store.FindPausedState(context.Background(), "conv1", "m_qa"); !errors.Is(err, ErrNotFound) {
		t.Error("paused state survived the resume")
	}
}

func TestOrchestratorResumeRevisionNeeded(t *testing.T) {
	store := newMemStore()
	if err := store.SaveState(context.Background(), OrchestrationState{
		ConversationID:  "conv1",
		ParentMessageID: "m_parent",
		Status:          StatePaused,
		PausedMessageID: "m_qa",
		SharedContext:   "draft",
	}); err != nil {
		t.Fatal(err)
	}

	provider := &mockProvider{
		responses: []ChatResponse{{Content: "REVISION NEEDED: the rollout section ignores the reply."}},
	}
	log := &callbackLog{}
	o := NewOrchestrator(provider, store)

	result, err := o.Resume(context.Background(), ResumeRequest{
		Conversation:    Conversation{ID: "conv1", TeamAgents: sampleTeam()},
		ParentMessageID: "m_qa",
		UserReply:       "No preference.",
		Callbacks:       log.callbacks(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.QAApproved == nil || *result.QAApproved {
		t.Error("expected a revision verdict")
	}
}

func TestOrchestratorResumeWithoutPausedState(t *testing.T) {
	o := NewOrchestrator(&mockProvider{}, newMemStore())
	_, err := o.Resume(context.Background(), ResumeRequest{
		Conversation:    Conversation{ID: "conv1", TeamAgents: sampleTeam()},
		ParentMessageID: "m_qa",
		UserReply:       "hello",
	})
	if err == nil {
		t.Fatal("expected an error for a missing paused state")
	}
}

func TestParseResumeVerdict(t *testing.T) {
	if parseResumeVerdict("APPROVED, ship it") != true {
		t.Error("approval not detected")
	}
	if parseResumeVerdict("Revision needed around section 2") != false {
		t.Error("revision keyword not detected case-insensitively")
	}
	if parseResumeVerdict("something unstructured") != true {
		t.Error("unrecognizable verdict must count as approval")
	}
}

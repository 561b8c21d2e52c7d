package roundtable

import (
	"encoding/json"
	"testing"
)

// The event field names are a wire contract with the frontend; these tests
// pin the JSON shapes.

func marshalMap(t *testing.T, v any) map[string]any {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCreatedEventShape(t *testing.T) {
	m := marshalMap(t, CreatedEvent{
		Created:        true,
		Message:        Message{ID: "m1"},
		ConversationID: "conv1",
	})
	if m["created"] != true {
		t.Errorf("created = %v", m["created"])
	}
	if m["conversationId"] != "conv1" {
		t.Errorf("conversationId = %v", m["conversationId"])
	}
	if _, ok := m["message"].(map[string]any); !ok {
		t.Errorf("message = %T", m["message"])
	}
}

func TestProgressEventShape(t *testing.T) {
	m := marshalMap(t, ProgressEvent{
		Event: EventAgentStart,
		Data:  AgentStartData{AgentName: "Marcus Chen", AgentRole: "Team Lead", Tier: TierLead},
	})
	if m["event"] != "on_agent_start" {
		t.Errorf("event = %v", m["event"])
	}
	data, ok := m["data"].(map[string]any)
	if !ok {
		t.Fatalf("data = %T", m["data"])
	}
	if data["agentName"] != "Marcus Chen" || data["agentRole"] != "Team Lead" {
		t.Errorf("data = %v", data)
	}
	if data["tier"] != float64(TierLead) {
		t.Errorf("tier = %v", data["tier"])
	}
}

func TestTextEventShape(t *testing.T) {
	m := marshalMap(t, TextEvent{
		Type:           "text",
		Text:           "Hello so far",
		Index:          0,
		MessageID:      "m2",
		ConversationID: "conv1",
	})
	if m["type"] != "text" || m["text"] != "Hello so far" {
		t.Errorf("event = %v", m)
	}
	if m["messageId"] != "m2" || m["conversationId"] != "conv1" {
		t.Errorf("ids = %v", m)
	}
	if _, ok := m["index"]; !ok {
		t.Error("index omitted; zero index must serialize")
	}
}

func TestFinalEventShape(t *testing.T) {
	m := marshalMap(t, FinalEvent{
		Final:                true,
		Conversation:         &Conversation{ID: "conv1"},
		Title:                "A title",
		QAWaitingForApproval: true,
	})
	if m["final"] != true || m["title"] != "A title" {
		t.Errorf("event = %v", m)
	}
	if m["qaWaitingForApproval"] != true {
		t.Errorf("qaWaitingForApproval = %v", m["qaWaitingForApproval"])
	}
	if _, ok := m["error"]; ok {
		t.Error("error present on a successful final event")
	}

	m = marshalMap(t, FinalEvent{Final: true, Error: &ErrorInfo{Message: "boom"}})
	errObj, ok := m["error"].(map[string]any)
	if !ok || errObj["message"] != "boom" {
		t.Errorf("error = %v", m["error"])
	}
}

func TestProgressEventNames(t *testing.T) {
	if EventThinking != "on_thinking" || EventAgentStart != "on_agent_start" || EventAgentComplete != "on_agent_complete" {
		t.Errorf("event names changed: %q %q %q", EventThinking, EventAgentStart, EventAgentComplete)
	}
}

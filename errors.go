package roundtable

import (
	"errors"
	"fmt"
)

// ErrProvider reports a failed LLM or embedding call.
type ErrProvider struct {
	Provider string
	Message  string
}

func (e *ErrProvider) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrStructuredParse reports that structured output could not be parsed
// even after JSON repair.
type ErrStructuredParse struct {
	Raw string
	Err error
}

func (e *ErrStructuredParse) Error() string {
	return fmt.Sprintf("structured parse: %v", e.Err)
}

func (e *ErrStructuredParse) Unwrap() error { return e.Err }

// ErrStatePersist reports that orchestration state could not be written or
// read. A failed save during a pause is fatal for the turn.
type ErrStatePersist struct {
	ConversationID  string
	ParentMessageID string
	Err             error
}

func (e *ErrStatePersist) Error() string {
	return fmt.Sprintf("persist orchestration state %s/%s: %v", e.ConversationID, e.ParentMessageID, e.Err)
}

func (e *ErrStatePersist) Unwrap() error { return e.Err }

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrKBInvalidInput is returned by KnowledgeBase.Save when the title or
	// content is empty.
	ErrKBInvalidInput = errors.New("knowledge document requires a title and content")

	// ErrTeamExtractionFailed is returned when both the LLM extractor and the
	// regex fallback produce zero team members.
	ErrTeamExtractionFailed = errors.New("team extraction produced no members")

	// ErrMaxTurns is returned by the tool loop when maxTurns completions were
	// issued without a final result. Callers must treat this as an error.
	ErrMaxTurns = errors.New("tool loop exhausted max turns without a result")
)

// Package roundtable orchestrates multi-agent team collaboration over a
// conversational interface.
//
// A coordinator agent designs a team of domain specialists for a user's
// objective; the team specification is persisted per conversation, and
// subsequent user turns run through a multi-phase pipeline (plan, specialist
// execution, synthesis, and an optional pausable QA gate) whose progress is
// streamed to the client.
//
// The root package holds the core: the agent tool loop, the team
// orchestrator, the chat dispatcher, the knowledge base, and the team
// specification extractor. Persistence backends live in store/sqlite and
// store/postgres; LLM providers in provider/openaicompat; the HTTP/SSE
// surface in server.
package roundtable

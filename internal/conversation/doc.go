// Package conversation owns per-agent chat state and send orchestration.
//
// # Model
//
// Each configured agent has at most one Conversation, created lazily on first
// access and seeded with a single agent-authored greeting. Messages are
// append-only and strictly chronological; a message is never edited in place.
//
// # Two-phase send
//
// Service.Send records first, then acts. Phase 1 appends the user message and
// persists the conversation synchronously, so the UI shows the message
// immediately and a record exists even if the agent never answers. Phase 2
// dispatches to the agent's webhook asynchronously; its settlement — reply or
// failure — appends exactly one further agent-authored message and persists
// again. Failed exchanges live in the history alongside successful ones: the
// conversation is the single channel for both.
//
// Sends are serialized per agent with an in-flight flag; a second send for the
// same agent while one is outstanding fails with ErrSendInFlight. Other
// agents are unaffected.
//
// # Persistence
//
// All writes to the store are best-effort: failures are logged and the
// in-memory conversation remains the authoritative view for the session.
package conversation

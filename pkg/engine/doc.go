// Package engine provides the core types and the plan state machine for the
// mahi orchestration layer.
//
// # Overview
//
// A client request becomes an Operation: a Capability plus a typed Payload.
// Operations are handed to a Dispatcher, which picks a backend Adapter and
// returns a Result tagged with the backend that produced it. Streaming
// operations return a StreamHandle instead.
//
// # Capabilities
//
//   - chat-stream: token-by-token chat reply
//   - index: store a document (mutating)
//   - query: answer a question from indexed documents
//   - embed: batch embedding vectors
//   - plan: draft automation steps for a goal
//   - execute: run one approved step (mutating)
//
// Mutating capabilities are never sent to a second backend once the first
// attempt may have reached its backend.
//
// # Error Classification
//
// Every failure carries an ErrorKind:
//
//   - Preflight: the request never left the process; safe to try elsewhere
//   - Ambiguous, Timeout: the backend may have applied the request
//   - BackendRejected, Unauthenticated: the backend refused; returned as is
//   - Cancelled: the caller went away
//   - Unavailable: no candidate could serve the request
//
// Classify maps raw transport errors onto these kinds.
//
// # Plan Lifecycle
//
// Machine drives a plan through
//
//	Draft -> AwaitingApproval -> Executing -> Completed | PartiallyFailed | Failed
//
// Steps move Pending -> Approved | Rejected, and approved steps move
// Running -> Succeeded | Failed. A plan only leaves AwaitingApproval once
// every step that requires confirmation has a positive approval. Terminal
// plans are never executed again.
package engine

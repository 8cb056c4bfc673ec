// Package dispatch is the batching and session-scheduling core. It accepts
// per-session generation commands, groups the sessions that are ready to run
// into shared batches, drives the decode -> sample -> route loop against a
// Backend, and keeps each session's cache between turns.
//
// Files by concern:
//
//   - types.go: SessionID, Token, Piece, Command, Task and SessionContext.
//   - backend.go: the Backend contract (generic over cache and logits types).
//   - stream.go: Stream, the per-request result channel.
//   - batcher.go: Batcher, the drain-all batch queue.
//   - store.go: session store (idle contexts, checked-out and removing sets).
//   - relay.go: forwards external commands onto the control stream.
//   - manage.go: the session manager, sole owner of the store.
//   - decode.go: the decode loop and the pipelined sample/route step.
//   - dispatcher.go: Dispatcher, Config and the supervising Run.
//   - sampling.go: SampleArgs and the shared Sampling configuration.
//   - client.go: Client, the caller-side command surface (Infer/Drop/Generate).
//   - errors.go, events.go, metrics.go: error types, lifecycle events, Prometheus.
//
// Ownership: a session is either idle (its context lives in the store) or
// checked out (exactly one Task owns it). Only the manager goroutine touches
// the store; the decode loop hands contexts back through the control stream.
//
// Fatal conditions (a duplicate Infer for a checked-out session whose caller
// is still listening, a submitted request with no sampled token, a closed
// internal conduit) stop the whole dispatcher; Run returns the error and
// finishes every open stream with ErrDispatcherStopped.
package dispatch

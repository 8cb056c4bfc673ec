package types

// InferRequest represents an inference request payload.
type InferRequest struct {
	// Numeric session id. The session's cache is reused across requests.
	// example: 7
	Session *uint64 `json:"session,omitempty" example:"7"`
	// Opaque session key, mapped to a stable session id when Session is absent.
	// example: user-42/chat-1
	Key string `json:"key,omitempty" example:"user-42/chat-1"`
	// Required prompt token ids.
	// example: [12,5,9]
	Prompt []uint32 `json:"prompt" example:"12,5,9"`
	// Maximum number of tokens to stream; 0 or omitted runs until end of sequence.
	// example: 128
	MaxSteps int `json:"max_steps,omitempty" example:"128"`
}

// TokenLine is one NDJSON line of a streamed generation.
type TokenLine struct {
	// Sampled token id.
	// example: 5
	Token uint32 `json:"token" example:"5"`
	// Text form of the token.
	// example:  batch
	Piece string `json:"piece" example:" batch"`
}

// DoneLine ends a streamed generation.
type DoneLine struct {
	Done bool `json:"done" example:"true"`
	// Number of tokens streamed.
	// example: 17
	Steps int `json:"steps" example:"17"`
	// Session the generation ran on.
	// example: 7
	Session uint64 `json:"session" example:"7"`
	// Set when generation ended with an error after streaming began.
	Error string `json:"error,omitempty"`
}

// SamplingParams are the process-wide sampling arguments (GET/PUT /sampling).
type SamplingParams struct {
	// Sampling temperature; 0 is greedy.
	// example: 0.7
	Temperature float32 `json:"temperature" example:"0.7"`
	// Top-K sampling: limit candidates to top K tokens (0 = no limit).
	// example: 40
	TopK int `json:"top_k" example:"40"`
	// Nucleus sampling probability (0 or 1 = no limit).
	// example: 0.9
	TopP float32 `json:"top_p" example:"0.9"`
	// Random seed for reproducibility.
	// example: 42
	Seed int64 `json:"seed" example:"42"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Dispatcher state (running, stopped).
	// example: running
	State string `json:"state" example:"running"`
	// Sessions with a cache parked between turns.
	// example: 3
	Idle int `json:"idle" example:"3"`
	// Sessions currently generating.
	// example: 2
	Active int `json:"active" example:"2"`
	// Sessions generating with a drop deferred until they finish.
	// example: 0
	Removing int `json:"removing" example:"0"`
	// Requests waiting for their session to come back.
	// example: 0
	Pending int `json:"pending" example:"0"`
	// Tasks waiting for the next decode step.
	// example: 2
	Queued int `json:"queued" example:"2"`
	// Decode steps run since start.
	// example: 1042
	BatchesTotal uint64 `json:"batches_total" example:"1042"`
	// Tokens streamed since start.
	// example: 5310
	TokensTotal uint64 `json:"tokens_total" example:"5310"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

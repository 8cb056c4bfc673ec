package dispatch

import (
	"context"
	"io"
)

// Limits is static model metadata.
type Limits struct {
	MaxSeqLen int
	EOS       Token
}

// Request is one row of a batched decode: the session's cache, the tokens to
// feed this step and the model's maximum sequence length.
type Request[C any] struct {
	ID        SessionID
	Cache     C
	Tokens    []Token
	MaxSeqLen int
}

// Backend abstracts the inference engine. C is the opaque per-session cache
// and L the logits produced by a decode.
//
// Decode must accept batches of size >= 1 and return exactly one request per
// input (order may differ; results are routed by SessionID). Sample must
// return exactly one token per distinct SessionID in the batch.
type Backend[C, L any] interface {
	NewCache() C
	Limits() Limits
	Decode(ctx context.Context, batch []Request[C]) ([]Request[C], L, error)
	Sample(args SampleArgs, batch []Request[C], logits L) (map[SessionID]Token, error)
}

// Detokenizer is implemented by backends that can render a token as text.
type Detokenizer interface {
	Piece(tok Token) string
}

// discardCache releases a cache that will not be reused. Caches holding
// native resources may implement io.Closer.
func discardCache[C any](c C) error {
	if cl, ok := any(c).(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

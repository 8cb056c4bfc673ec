package dispatch

import (
	"fmt"
	"sync"
)

// SampleArgs are the sampling parameters handed to Backend.Sample.
type SampleArgs struct {
	Temperature float32
	TopK        int
	TopP        float32
	Seed        int64
}

// Validate rejects out-of-range parameters.
func (a SampleArgs) Validate() error {
	if a.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0, got %v", a.Temperature)
	}
	if a.TopK < 0 {
		return fmt.Errorf("top_k must be >= 0, got %d", a.TopK)
	}
	if a.TopP < 0 || a.TopP > 1 {
		return fmt.Errorf("top_p must be within [0,1], got %v", a.TopP)
	}
	return nil
}

// Sampling is the process-wide, externally adjustable sampling configuration.
// Readers take a snapshot; the lock is never held across a backend call.
type Sampling struct {
	mu   sync.Mutex
	args SampleArgs
}

func NewSampling(args SampleArgs) *Sampling { return &Sampling{args: args} }

// Snapshot returns a copy of the current arguments.
func (s *Sampling) Snapshot() SampleArgs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.args
}

// Set replaces the arguments; batches sampled afterwards observe them.
func (s *Sampling) Set(args SampleArgs) error {
	if err := args.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.args = args
	s.mu.Unlock()
	return nil
}

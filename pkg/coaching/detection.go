package coaching

import "context"

// DetectionRequest is the input to post-call analysis.
type DetectionRequest struct {
	CallID       string
	TeamID       string
	Transcript   string
	Config       *AmmoConfig
	Manifesto    *Manifesto
	CustomPrompt string
}

// Detector analyzes a finished call for qualification signals.
type Detector interface {
	Detect(ctx context.Context, req DetectionRequest) (*DetectionResult, error)
}

package llm

import "errors"

// Error definitions
var (
	ErrDisabled        = errors.New("llm backend disabled")
	ErrEmptyResponse   = errors.New("llm returned an empty response")
	ErrInvalidResponse = errors.New("llm returned invalid JSON")
)

package stt

import (
	"errors"
)

// Error definitions
var (
	ErrStreamClosed      = errors.New("transcription stream closed")
	ErrUnknownProvider   = errors.New("unknown speech-to-text provider")
	ErrMissingCredential = errors.New("speech-to-text credentials missing")
)

package stt

import (
	"context"
	"io"
)

// Transcript is the text recognised in one inbound voice note.
type Transcript struct {
	Text       string
	Confidence float64
	Language   string
}

// Transcriber turns a recorded audio message into text.
// Implementations must honour ctx cancellation and never return a partial transcript with a nil error.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio io.Reader, contentType string) (Transcript, error)
}

package stt

import (
	"context"
	"os"
)

// Alternative is one hypothesis of a transcript segment.
type Alternative struct {
	Transcript string
	Speaker    string // raw diarization tag, empty when the provider omits it
}

// Result represents a speech-to-text transcription result.
type Result struct {
	Alternatives []Alternative // best first
	IsPartial    bool
	StartTime    *float64 // seconds from stream start
	EndTime      *float64
}

// Options configures one upstream session.
type Options struct {
	Language   string // e.g. "pt-BR"
	SampleRate int    // Hz, PCM signed 16-bit little endian
	Channels   int
}

// Stream is one open bidirectional transcription session.
//
// Results is closed when the upstream finishes, normally or not. A terminal
// error, if any, is delivered on Errors before Results is closed. Errors is
// never closed.
type Stream interface {
	// SendAudio forwards raw PCM audio to the speech service.
	SendAudio(ctx context.Context, audio []byte) error

	// Results returns a channel that receives transcription results.
	Results() <-chan Result

	// Errors returns a channel that receives the terminal stream error.
	Errors() <-chan error

	// Close ends the upstream session and waits for the reader to exit.
	Close() error
}

// Provider opens upstream sessions. Credentials are resolved on every Open.
type Provider interface {
	Name() string
	Open(ctx context.Context, opts Options) (Stream, error)
}

// Getenv looks up credentials. Providers default to os.Getenv.
type Getenv func(key string) string

func (g Getenv) lookup(key string) string {
	if g == nil {
		return os.Getenv(key)
	}
	return g(key)
}

func float64Ptr(v float64) *float64 { return &v }

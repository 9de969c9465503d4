// Package tts turns reply text into WAV audio for clients that cannot use
// their own speech synthesis.
package tts

import "context"

type SynthRequest struct {
	Text  string
	Voice string
}

// SynthChunk is a slice of 16-bit little-endian PCM; Final marks the last one.
type SynthChunk struct {
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer streams audio for req. The chunk channel closes when
// synthesis ends; at most one error is sent.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

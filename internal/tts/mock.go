package tts

import (
	"context"
	"strings"
	"time"
)

// wordDuration is how much silence the mock produces per word.
const wordDuration = 250 * time.Millisecond

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer that emits silence sized to the text,
// one chunk per word.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		words := len(strings.Fields(req.Text))
		if words == 0 {
			words = 1
		}
		samples := int(wordDuration.Seconds() * float64(m.sampleRate))
		for i := 0; i < words; i++ {
			chunk := SynthChunk{
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        make([]byte, samples*m.channels*2),
				Final:      i == words-1,
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

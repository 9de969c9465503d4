package tts

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-dialogue/internal/config"
)

var (
	ErrDisabled  = errors.New("tts disabled")
	ErrEmptyText = errors.New("text is required")
)

// Speaker synthesizes whole replies and encodes them as WAV.
type Speaker struct {
	cfg    config.TTSConfig
	synth  Synthesizer
	logger *slog.Logger
}

func NewSpeaker(cfg config.TTSConfig, synth Synthesizer, logger *slog.Logger) *Speaker {
	return &Speaker{
		cfg:    cfg,
		synth:  synth,
		logger: logger.With(slog.String("component", "tts")),
	}
}

// NewSpeakerFromConfig picks the synthesizer for cfg.Mode. It returns a
// speaker even when TTS is disabled so callers can report ErrDisabled.
func NewSpeakerFromConfig(cfg config.TTSConfig, logger *slog.Logger) (*Speaker, error) {
	var synth Synthesizer
	switch cfg.Mode {
	case "mock", "":
		synth = NewMockSynth(cfg.SampleRate, cfg.Channels)
	case "exec":
		s, err := NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, err
		}
		synth = s
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
	return NewSpeaker(cfg, synth, logger), nil
}

func (s *Speaker) Enabled() bool { return s != nil && s.cfg.Enabled }

// Speak returns the WAV bytes for text, truncated to the configured maximum.
func (s *Speaker) Speak(ctx context.Context, text, voice string) ([]byte, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if s.cfg.MaxChars > 0 {
		if r := []rune(text); len(r) > s.cfg.MaxChars {
			text = string(r[:s.cfg.MaxChars])
		}
	}
	if voice == "" {
		voice = s.cfg.Voice
	}

	if s.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	pcm, sampleRate, channels, err := s.collect(ctx, SynthRequest{Text: text, Voice: voice})
	if err != nil {
		s.logger.Warn("tts synthesis failed", slogError(err))
		return nil, err
	}
	wavData, err := encodeWAV(pcm, sampleRate, channels)
	if err != nil {
		return nil, err
	}
	s.logger.Info("tts synthesis complete",
		slog.Int("chars", len(text)),
		slog.Int("bytes", len(wavData)),
		slog.Duration("latency", time.Since(start)))
	return wavData, nil
}

func (s *Speaker) collect(ctx context.Context, req SynthRequest) ([]byte, int, int, error) {
	chunks, errs := s.synth.Synthesize(ctx, req)
	var (
		pcm        []byte
		sampleRate = s.cfg.SampleRate
		channels   = s.cfg.Channels
	)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if chunk.SampleRate > 0 {
				sampleRate = chunk.SampleRate
			}
			if chunk.Channels > 0 {
				channels = chunk.Channels
			}
			pcm = append(pcm, chunk.PCM...)
		case err, ok := <-errs:
			if ok && err != nil {
				return nil, 0, 0, err
			}
			errs = nil
		case <-ctx.Done():
			return nil, 0, 0, ctx.Err()
		}
	}
	if len(pcm) == 0 {
		return nil, 0, 0, errors.New("tts produced no audio")
	}
	return pcm, sampleRate, channels, nil
}

// encodeWAV wraps 16-bit little-endian PCM in a WAV container. The encoder
// needs to seek back to patch the header, so it goes through a temp file.
func encodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("pcm payload not aligned")
	}
	file, err := os.CreateTemp("", "loqa_tts_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(file)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Package lipsync serves pre-recorded Audio2Face runs: per-frame mouth
// shapes, dominant emotions and the run's audio.
package lipsync

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	framesFile    = "animation_frames.csv"
	emotionsFile  = "a2f_smoothed_emotion_output.csv"
	preferredWAV  = "out.wav"
	emotionPrefix = "emotion_values."
	fpsSamples    = 10
)

var ErrNotFound = errors.New("lip-sync run not found")

type Frame struct {
	T     float64 `json:"t"`
	Jaw   float64 `json:"jaw"`
	Mouth float64 `json:"mouth"`
	Smile float64 `json:"smile"`
}

type Emotion struct {
	T           float64 `json:"t"`
	Dominant    string  `json:"dominant"`
	DominantRaw string  `json:"dominant_raw"`
	Intensity   float64 `json:"intensity"`
}

// Payload is everything a viewer needs to replay a run.
type Payload struct {
	RunID    string    `json:"run_id"`
	AudioURL string    `json:"audio_url"`
	Frames   []Frame   `json:"frames"`
	Emotions []Emotion `json:"emotions"`
	FPS      float64   `json:"fps"`
}

// Library reads runs from subdirectories of a base directory.
type Library struct {
	dir       string
	audioBase string
}

// NewLibrary serves runs under dir; audio URLs are built as audioBase/<run id>.
func NewLibrary(dir, audioBase string) *Library {
	return &Library{dir: dir, audioBase: strings.TrimSuffix(audioBase, "/")}
}

// ValidRunID reports whether id names a single directory entry.
func ValidRunID(id string) bool {
	return id != "" && id != "." && id != ".." &&
		!strings.ContainsAny(id, `/\`) && filepath.Base(id) == id
}

// Resolve returns the run directory for id, or the most recently modified
// run when id is empty.
func (l *Library) Resolve(id string) (string, error) {
	if l.dir == "" {
		return "", ErrNotFound
	}
	if id != "" {
		if !ValidRunID(id) {
			return "", ErrNotFound
		}
		dir := filepath.Join(l.dir, id)
		if !fileExists(filepath.Join(dir, framesFile)) {
			return "", ErrNotFound
		}
		return dir, nil
	}
	return l.latest()
}

func (l *Library) latest() (string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read runs: %w", err)
	}
	var (
		best    string
		bestMod int64
	)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(l.dir, entry.Name())
		if !fileExists(filepath.Join(dir, framesFile)) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); best == "" || mod > bestMod {
			best, bestMod = dir, mod
		}
	}
	if best == "" {
		return "", ErrNotFound
	}
	return best, nil
}

// Load parses a run into a Payload.
func (l *Library) Load(id string) (Payload, error) {
	dir, err := l.Resolve(id)
	if err != nil {
		return Payload{}, err
	}
	frames, err := parseFrames(filepath.Join(dir, framesFile))
	if err != nil {
		return Payload{}, err
	}
	emotions := []Emotion{}
	if path := filepath.Join(dir, emotionsFile); fileExists(path) {
		if emotions, err = parseEmotions(path); err != nil {
			return Payload{}, err
		}
	}
	p := Payload{
		RunID:    filepath.Base(dir),
		Frames:   frames,
		Emotions: emotions,
		FPS:      estimateFPS(frames),
	}
	if audioPath(dir) != "" {
		p.AudioURL = l.audioBase + "/" + p.RunID
	}
	return p, nil
}

// AudioPath returns the WAV file for run id.
func (l *Library) AudioPath(id string) (string, error) {
	if !ValidRunID(id) {
		return "", ErrNotFound
	}
	dir, err := l.Resolve(id)
	if err != nil {
		return "", err
	}
	path := audioPath(dir)
	if path == "" {
		return "", ErrNotFound
	}
	return path, nil
}

func audioPath(dir string) string {
	if preferred := filepath.Join(dir, preferredWAV); fileExists(preferred) {
		return preferred
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.wav"))
	if len(matches) == 0 {
		return ""
	}
	// Glob returns matches in lexical order.
	return matches[0]
}

func parseFrames(path string) ([]Frame, error) {
	frames := []Frame{}
	err := readCSV(path, func(row map[string]string, _ []string) {
		jaw := parseFloat(row["blendShapes.JawOpen"])
		smile := (parseFloat(row["blendShapes.MouthSmileLeft"]) + parseFloat(row["blendShapes.MouthSmileRight"])) / 2
		frames = append(frames, Frame{
			T:     parseFloat(firstOf(row, "timeCode", "time_code")),
			Jaw:   jaw,
			Mouth: clamp(jaw * 4),
			Smile: smile,
		})
	})
	return frames, err
}

func parseEmotions(path string) ([]Emotion, error) {
	emotions := []Emotion{}
	err := readCSV(path, func(row map[string]string, header []string) {
		var (
			found     bool
			raw       string
			intensity float64
		)
		for _, col := range header {
			label, ok := strings.CutPrefix(col, emotionPrefix)
			if !ok {
				continue
			}
			v := parseFloat(row[col])
			if !found || v > intensity {
				found, raw, intensity = true, label, v
			}
		}
		if !found {
			return
		}
		emotions = append(emotions, Emotion{
			T:           parseFloat(firstOf(row, "time_code", "timeCode")),
			Dominant:    mapEmotion(raw),
			DominantRaw: raw,
			Intensity:   clamp(intensity * 2),
		})
	})
	return emotions, err
}

func mapEmotion(raw string) string {
	switch raw {
	case "joy", "cheekiness":
		return "happy"
	case "sadness", "grief", "pain", "anger", "fear", "disgust", "outofbreath":
		return "concerned"
	case "amazement":
		return "thoughtful"
	default:
		return "neutral"
	}
}

// estimateFPS averages the first few positive frame deltas.
func estimateFPS(frames []Frame) float64 {
	if len(frames) < 3 {
		return 0
	}
	var (
		sum float64
		n   int
	)
	for i := 1; i < min(fpsSamples, len(frames)); i++ {
		if dt := frames[i].T - frames[i-1].T; dt > 0 {
			sum += dt
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Round(float64(n)/sum*100) / 100
}

func readCSV(path string, fn func(row map[string]string, header []string)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("read %s header: %w", filepath.Base(path), err)
	}
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		fn(row, header)
	}
}

func firstOf(row map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := row[k]; v != "" {
			return v
		}
	}
	return ""
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

package capture

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/ambiware-labs/pitchpipe/internal/config"
)

// FrameFunc receives one fixed-size sample frame. The slice is reused
// between calls; implementations must copy what they keep.
type FrameFunc func(frame []float64)

// Source drives the real-time callback at a fixed cadence. It stands in for
// the platform audio callback, which is an external collaborator.
type Source interface {
	Run(ctx context.Context, emit FrameFunc) error
}

// NewSource builds the configured frame source.
func NewSource(cfg config.CaptureConfig, pipe config.PipelineConfig) (Source, error) {
	switch cfg.Source {
	case "synthetic":
		return &ToneSource{
			FrameSize:  pipe.FrameSize,
			SampleRate: pipe.SampleRate,
			Freq:       cfg.ToneHz,
			Amplitude:  cfg.ToneAmplitude,
		}, nil
	case "wav":
		return &WAVSource{
			Path:       cfg.WAVPath,
			FrameSize:  pipe.FrameSize,
			SampleRate: pipe.SampleRate,
		}, nil
	default:
		return nil, fmt.Errorf("unknown capture source %q", cfg.Source)
	}
}

// ToneSource emits a continuous sine tone, one frame per tick.
type ToneSource struct {
	FrameSize  int
	SampleRate int
	Freq       float64
	Amplitude  float64
}

func (s *ToneSource) Run(ctx context.Context, emit FrameFunc) error {
	interval := frameInterval(s.FrameSize, s.SampleRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frame := make([]float64, s.FrameSize)
	step := 2 * math.Pi * s.Freq / float64(s.SampleRate)
	phase := 0.0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for i := range frame {
				frame[i] = s.Amplitude * math.Sin(phase)
				phase += step
				if phase > 2*math.Pi {
					phase -= 2 * math.Pi
				}
			}
			emit(frame)
		}
	}
}

// WAVSource replays a recording through the callback at capture cadence,
// looping when it reaches the end. The file is decoded up front so the tick
// path does no IO.
type WAVSource struct {
	Path       string
	FrameSize  int
	SampleRate int
}

func (s *WAVSource) Run(ctx context.Context, emit FrameFunc) error {
	samples, err := decodeWAV(s.Path)
	if err != nil {
		return err
	}
	if len(samples) < s.FrameSize {
		return fmt.Errorf("wav %s too short: %d samples", s.Path, len(samples))
	}

	interval := frameInterval(s.FrameSize, s.SampleRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frame := make([]float64, s.FrameSize)
	pos := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for i := range frame {
				frame[i] = samples[pos]
				pos++
				if pos == len(samples) {
					pos = 0
				}
			}
			emit(frame)
		}
	}
}

func decodeWAV(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("wav %s: not a valid file", path)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		return nil, fmt.Errorf("wav %s: missing format", path)
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth <= 0 || bitDepth > 32 {
		bitDepth = 16
	}
	scale := float64(int64(1) << (bitDepth - 1))

	chunk := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: int(dec.SampleRate)},
		Data:   make([]int, 4096*channels),
	}
	var out []float64
	for {
		n, err := dec.PCMBuffer(chunk)
		if err != nil {
			return nil, fmt.Errorf("decode wav %s: %w", path, err)
		}
		if n == 0 {
			break
		}
		data := chunk.Data[:n]
		for i := 0; i+channels <= len(data); i += channels {
			// Downmix to mono by averaging channels.
			sum := 0
			for c := 0; c < channels; c++ {
				sum += data[i+c]
			}
			out = append(out, float64(sum)/float64(channels)/scale)
		}
	}
	return out, nil
}

func frameInterval(frameSize, sampleRate int) time.Duration {
	interval := time.Duration(frameSize) * time.Second / time.Duration(sampleRate)
	if interval <= 0 {
		interval = time.Millisecond
	}
	return interval
}

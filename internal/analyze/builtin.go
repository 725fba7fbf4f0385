package analyze

import (
	"errors"
	"fmt"
	"math"

	"github.com/cwbudde/algo-dsp/dsp/spectrum"
	"github.com/cwbudde/algo-dsp/measure/loudness"
	timestats "github.com/cwbudde/algo-dsp/stats/time"

	"github.com/ambiware-labs/pitchpipe/internal/config"
)

// Builtin constructs the analyzers enabled in config.
func Builtin(cfg config.AnalyzersConfig, sampleRate int) ([]Analyzer, error) {
	var analyzers []Analyzer
	if cfg.Level {
		analyzers = append(analyzers, &LevelAnalyzer{})
	}
	if cfg.Pitch {
		pa, err := NewPitchAnalyzer(cfg.PitchMinHz, cfg.PitchMaxHz, sampleRate)
		if err != nil {
			return nil, fmt.Errorf("pitch analyzer: %w", err)
		}
		analyzers = append(analyzers, pa)
	}
	if cfg.Loudness {
		analyzers = append(analyzers, NewLoudnessAnalyzer(sampleRate))
	}
	return analyzers, nil
}

// LevelAnalyzer reports time-domain level statistics per batch.
type LevelAnalyzer struct{}

func (*LevelAnalyzer) Name() string { return "level" }

func (*LevelAnalyzer) Analyze(samples []float64, _ uint64) (Values, error) {
	if len(samples) == 0 {
		return nil, errors.New("empty sample view")
	}
	st := timestats.Calculate(samples)
	return Values{
		"rms":            st.RMS,
		"rms_db":         st.RMS_dB,
		"peak":           st.Peak,
		"peak_db":        st.Peak_dB,
		"crest_db":       st.CrestFactor_dB,
		"zero_crossings": float64(st.ZeroCrossings),
	}, nil
}

// PitchAnalyzer estimates the dominant frequency with a Goertzel bank over
// semitone-spaced candidates. It is an exerciser for the dispatch path, not
// a certified pitch tracker.
type PitchAnalyzer struct {
	bank  *spectrum.GoertzelBank
	freqs []float64
}

func NewPitchAnalyzer(minHz, maxHz float64, sampleRate int) (*PitchAnalyzer, error) {
	if minHz <= 0 || maxHz <= minHz {
		return nil, fmt.Errorf("invalid pitch range %v..%v", minHz, maxHz)
	}
	var freqs []float64
	semitone := math.Pow(2, 1.0/12)
	for f := minHz; f <= maxHz; f *= semitone {
		freqs = append(freqs, f)
	}
	bank, err := spectrum.NewGoertzelBank(freqs, float64(sampleRate))
	if err != nil {
		return nil, err
	}
	return &PitchAnalyzer{bank: bank, freqs: freqs}, nil
}

func (*PitchAnalyzer) Name() string { return "pitch" }

func (p *PitchAnalyzer) Analyze(samples []float64, _ uint64) (Values, error) {
	if len(samples) == 0 {
		return nil, errors.New("empty sample view")
	}
	p.bank.Reset()
	p.bank.ProcessBlock(samples)
	powers := p.bank.Powers(nil)

	best := 0
	for i, pw := range powers {
		if pw > powers[best] {
			best = i
		}
	}
	power := powers[best]
	powerDB := math.Inf(-1)
	if power > 0 {
		powerDB = 10 * math.Log10(power)
	}
	return Values{
		"pitch_hz": p.freqs[best],
		"power_db": powerDB,
	}, nil
}

// LoudnessAnalyzer tracks R128 loudness across batches and reports the
// momentary and short-term readings after each one.
type LoudnessAnalyzer struct {
	meter *loudness.Meter
}

func NewLoudnessAnalyzer(sampleRate int) *LoudnessAnalyzer {
	m := loudness.NewMeter(
		loudness.WithSampleRate(float64(sampleRate)),
		loudness.WithChannels(1),
	)
	m.StartIntegration()
	return &LoudnessAnalyzer{meter: m}
}

func (*LoudnessAnalyzer) Name() string { return "loudness" }

func (l *LoudnessAnalyzer) Analyze(samples []float64, _ uint64) (Values, error) {
	if len(samples) == 0 {
		return nil, errors.New("empty sample view")
	}
	l.meter.ProcessBlock(samples)
	return Values{
		"momentary_lufs":  l.meter.Momentary(),
		"short_term_lufs": l.meter.ShortTerm(),
		"integrated_lufs": l.meter.Integrated(),
	}, nil
}

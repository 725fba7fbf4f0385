package resultstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ambiware-labs/pitchpipe/internal/analyze"
	"github.com/ambiware-labs/pitchpipe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	cfg := config.ResultStoreConfig{RetentionMode: "ephemeral"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Append(context.Background(), analyze.Result{Analyzer: "level"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
	results, err := s.ListRecent(context.Background(), "level", 10)
	if err != nil || results != nil {
		t.Fatalf("ephemeral list should be empty: %v %v", results, err)
	}
}

func TestAppendAndListRecent(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.ResultStoreConfig{Path: filepath.Join(tmp, "results.db"), RetentionMode: "session", MaxResults: 100}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open result store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for seq := uint64(1); seq <= 3; seq++ {
		res := analyze.Result{
			Analyzer:    "pitch",
			Sequence:    seq,
			Timestamp:   now,
			SampleCount: 1024,
			Values:      analyze.Values{"pitch_hz": 440},
		}
		if err := s.Append(context.Background(), res); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Append(context.Background(), analyze.Result{
		Analyzer: "level", Sequence: 3, Timestamp: now, SampleCount: 1024, Degraded: true, Error: "boom",
	}); err != nil {
		t.Fatalf("append degraded: %v", err)
	}

	results, err := s.ListRecent(context.Background(), "pitch", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Sequence != 3 || results[1].Sequence != 2 {
		t.Fatalf("expected newest first, got %d, %d", results[0].Sequence, results[1].Sequence)
	}
	if results[0].Values["pitch_hz"] != 440 {
		t.Fatalf("values not round-tripped: %+v", results[0].Values)
	}

	degraded, err := s.ListRecent(context.Background(), "level", 10)
	if err != nil {
		t.Fatalf("list degraded: %v", err)
	}
	if len(degraded) != 1 || !degraded[0].Degraded || degraded[0].Error != "boom" {
		t.Fatalf("degraded result not preserved: %+v", degraded)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.ResultStoreConfig{Path: filepath.Join(tmp, "results.db"), RetentionMode: "persistent", MaxResults: 2}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open result store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	for seq := uint64(1); seq <= 5; seq++ {
		if err := s.Append(context.Background(), analyze.Result{
			Analyzer: "level", Sequence: seq, Timestamp: time.Now(), SampleCount: 8,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	results, err := s.ListRecent(context.Background(), "level", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 survivors, got %d", len(results))
	}
	if results[0].Sequence != 5 || results[1].Sequence != 4 {
		t.Fatalf("prune removed the wrong rows: %d, %d", results[0].Sequence, results[1].Sequence)
	}
}

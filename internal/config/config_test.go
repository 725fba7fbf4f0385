package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pipeline.PoolSize != 4 {
		t.Fatalf("expected default pool size 4, got %d", cfg.Pipeline.PoolSize)
	}
	if cfg.Pipeline.BatchSize != cfg.Pipeline.BufferCapacity {
		t.Fatalf("expected default batch size to fill the buffer, got %d", cfg.Pipeline.BatchSize)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PITCHPIPE_PIPELINE_POOL_SIZE", "8")
	t.Setenv("PITCHPIPE_PIPELINE_BUFFER_CAPACITY", "1024")
	t.Setenv("PITCHPIPE_PIPELINE_BATCH_SIZE", "512")
	t.Setenv("PITCHPIPE_PIPELINE_MAX_BATCH_LATENCY_MS", "50")
	t.Setenv("PITCHPIPE_PIPELINE_IN_FLIGHT_TIMEOUT_MS", "900")
	t.Setenv("PITCHPIPE_CAPTURE_SOURCE", "wav")
	t.Setenv("PITCHPIPE_CAPTURE_WAV_PATH", "./take.wav")
	t.Setenv("PITCHPIPE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("PITCHPIPE_ANALYZERS_PITCH_MAX_HZ", "880")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Pipeline.PoolSize != 8 {
		t.Fatalf("expected pool size override, got %d", cfg.Pipeline.PoolSize)
	}
	if cfg.Pipeline.BufferCapacity != 1024 || cfg.Pipeline.BatchSize != 512 {
		t.Fatalf("expected geometry override, got cap=%d batch=%d", cfg.Pipeline.BufferCapacity, cfg.Pipeline.BatchSize)
	}
	if cfg.Pipeline.MaxBatchLatencyMS != 50 {
		t.Fatalf("expected latency override, got %d", cfg.Pipeline.MaxBatchLatencyMS)
	}
	if cfg.Capture.Source != "wav" || cfg.Capture.WAVPath != "./take.wav" {
		t.Fatalf("expected capture override, got %+v", cfg.Capture)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Analyzers.PitchMaxHz != 880 {
		t.Fatalf("expected pitch range override, got %v", cfg.Analyzers.PitchMaxHz)
	}
}

func TestValidateRejectsBadGeometry(t *testing.T) {
	t.Setenv("PITCHPIPE_PIPELINE_BATCH_SIZE", "9999999")
	if _, err := Load(""); err == nil {
		t.Fatal("expected batch size beyond capacity to be rejected")
	}
}

func TestValidateRejectsShortTimeout(t *testing.T) {
	t.Setenv("PITCHPIPE_PIPELINE_IN_FLIGHT_TIMEOUT_MS", "100")
	t.Setenv("PITCHPIPE_PIPELINE_SUPERVISOR_EVERY_MS", "250")
	if _, err := Load(""); err == nil {
		t.Fatal("expected in-flight timeout shorter than supervisor interval to be rejected")
	}
}

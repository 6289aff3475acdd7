package config

import "testing"

func TestLoadRequiresCallLogSinkURL(t *testing.T) {
	setCoreEnvEmpty(t)

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want error for missing CALL_LOG_SINK_URL")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CALL_LOG_SINK_URL", "http://localhost:8081/calls")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.SwitchSampleRate != 8000 {
		t.Fatalf("SwitchSampleRate = %d, want 8000", cfg.SwitchSampleRate)
	}
	if cfg.ProviderSampleRate != 24000 {
		t.Fatalf("ProviderSampleRate = %d, want 24000", cfg.ProviderSampleRate)
	}
	if cfg.SwitchEncoding != "ulaw" {
		t.Fatalf("SwitchEncoding = %q, want ulaw", cfg.SwitchEncoding)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
}

func TestLoadRejectsUnknownSwitchEncoding(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CALL_LOG_SINK_URL", "http://localhost:8081/calls")
	t.Setenv("SWITCH_ENCODING", "g711")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want error for unsupported SWITCH_ENCODING")
	}
}

func TestLoadUsesExplicitSampleRates(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CALL_LOG_SINK_URL", "http://localhost:8081/calls")
	t.Setenv("SWITCH_SAMPLE_RATE", "16000")
	t.Setenv("PROVIDER_SAMPLE_RATE", "16000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SwitchSampleRate != 16000 || cfg.ProviderSampleRate != 16000 {
		t.Fatalf("sample rates = %d/%d, want 16000/16000", cfg.SwitchSampleRate, cfg.ProviderSampleRate)
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CALL_LOG_SINK_URL", "http://localhost:8081/calls")
	t.Setenv("PROVIDER_SESSION_CAP", "not-a-duration")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want error for malformed PROVIDER_SESSION_CAP")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"PROVIDER_WS_URL",
		"PROVIDER_API_KEY",
		"PROVIDER_VOICE",
		"PROVIDER_VAD_MODE",
		"PROVIDER_SESSION_CAP",
		"SWITCH_LISTEN_ADDR",
		"SWITCH_SAMPLE_RATE",
		"PROVIDER_SAMPLE_RATE",
		"SWITCH_ENCODING",
		"ECHO_CANCEL_DELAY",
		"CALL_LOG_SINK_URL",
		"DATABASE_URL",
		"HEARTBEAT_AUDIO_SILENCE_THRESHOLD",
		"HEARTBEAT_PROVIDER_TIMEOUT_THRESHOLD",
		"HEARTBEAT_SWEEP_INTERVAL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

// Package config loads runtime settings for the call mediation runtime
// from the environment, with safe defaults for everything except
// secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call mediation daemon.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	ProviderURL        string
	ProviderAPIKey     string
	ProviderVoice      string
	ProviderVADMode    string
	ProviderSessionCap time.Duration

	SwitchListenAddr   string
	SwitchSampleRate   int
	ProviderSampleRate int
	SwitchEncoding     string
	EchoCancelDelay    time.Duration

	CallLogSinkURL string

	DatabaseURL string

	HeartbeatAudioSilenceThreshold    time.Duration
	HeartbeatProviderTimeoutThreshold time.Duration
	HeartbeatSweepInterval            time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "secretary"),
		AllowAnyOrigin:   false,

		ProviderURL:     envOrDefault("PROVIDER_WS_URL", "wss://api.openai.com/v1/realtime"),
		ProviderAPIKey:  stringsTrimSpace("PROVIDER_API_KEY"),
		ProviderVoice:   envOrDefault("PROVIDER_VOICE", "front-desk"),
		ProviderVADMode: envOrDefault("PROVIDER_VAD_MODE", "server"),

		SwitchListenAddr:   envOrDefault("SWITCH_LISTEN_ADDR", ":9000"),
		SwitchSampleRate:   8000,
		ProviderSampleRate: 24000,
		SwitchEncoding:     envOrDefault("SWITCH_ENCODING", "ulaw"),

		CallLogSinkURL: stringsTrimSpace("CALL_LOG_SINK_URL"),
		DatabaseURL:    stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout:                   15 * time.Second,
		ProviderSessionCap:                30 * time.Minute,
		EchoCancelDelay:                   200 * time.Millisecond,
		HeartbeatAudioSilenceThreshold:    10 * time.Second,
		HeartbeatProviderTimeoutThreshold: 30 * time.Second,
		HeartbeatSweepInterval:            time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderSessionCap, err = durationFromEnv("PROVIDER_SESSION_CAP", cfg.ProviderSessionCap)
	if err != nil {
		return Config{}, err
	}
	cfg.SwitchSampleRate, err = intFromEnv("SWITCH_SAMPLE_RATE", cfg.SwitchSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderSampleRate, err = intFromEnv("PROVIDER_SAMPLE_RATE", cfg.ProviderSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.EchoCancelDelay, err = durationFromEnv("ECHO_CANCEL_DELAY", cfg.EchoCancelDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatAudioSilenceThreshold, err = durationFromEnv("HEARTBEAT_AUDIO_SILENCE_THRESHOLD", cfg.HeartbeatAudioSilenceThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatProviderTimeoutThreshold, err = durationFromEnv("HEARTBEAT_PROVIDER_TIMEOUT_THRESHOLD", cfg.HeartbeatProviderTimeoutThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatSweepInterval, err = durationFromEnv("HEARTBEAT_SWEEP_INTERVAL", cfg.HeartbeatSweepInterval)
	if err != nil {
		return Config{}, err
	}

	if cfg.SwitchSampleRate <= 0 {
		return Config{}, fmt.Errorf("SWITCH_SAMPLE_RATE must be positive")
	}
	if cfg.ProviderSampleRate <= 0 {
		return Config{}, fmt.Errorf("PROVIDER_SAMPLE_RATE must be positive")
	}
	switch cfg.SwitchEncoding {
	case "ulaw", "alaw", "pcm16":
	default:
		return Config{}, fmt.Errorf("SWITCH_ENCODING must be one of ulaw, alaw, pcm16")
	}
	if cfg.CallLogSinkURL == "" {
		return Config{}, fmt.Errorf("CALL_LOG_SINK_URL is required")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

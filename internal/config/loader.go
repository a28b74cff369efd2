package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults and clamps the
// playback tunables into their safe ranges, logging when a clamp happens.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Audio.InputDevice == "" {
		cfg.Audio.InputDevice = "mock"
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.ChunkSize == 0 {
		cfg.Audio.ChunkSize = 1024
	}
	if cfg.Audio.SilenceThresholdEnergy == 0 {
		cfg.Audio.SilenceThresholdEnergy = 0.02
	}
	if cfg.Audio.SilenceConfirmDurationMs == 0 {
		cfg.Audio.SilenceConfirmDurationMs = 800
	}
	if cfg.Audio.InitialGain == 0 {
		cfg.Audio.InitialGain = 1.0
	}
	if cfg.Audio.MinGain == 0 {
		cfg.Audio.MinGain = 0.25
	}
	if cfg.Audio.MaxGain == 0 {
		cfg.Audio.MaxGain = 8.0
	}

	if cfg.Playback.OutputDevice == "" {
		cfg.Playback.OutputDevice = "mock"
	}
	if cfg.Playback.SampleRate == 0 {
		cfg.Playback.SampleRate = 24000
	}
	if cfg.Playback.PlaybackRate == 0 {
		cfg.Playback.PlaybackRate = 1.0
	}
	if cfg.Playback.PlaybackRate < MinPlaybackRate || cfg.Playback.PlaybackRate > MaxPlaybackRate {
		clamped := min(max(cfg.Playback.PlaybackRate, MinPlaybackRate), MaxPlaybackRate)
		slog.Warn("playback.playback_rate out of range, clamping",
			"configured", cfg.Playback.PlaybackRate,
			"clamped", clamped,
		)
		cfg.Playback.PlaybackRate = clamped
	}
	if cfg.Playback.Volume == nil {
		v := 1.0
		cfg.Playback.Volume = &v
	} else if *cfg.Playback.Volume < 0 || *cfg.Playback.Volume > 1 {
		clamped := min(max(*cfg.Playback.Volume, 0.0), 1.0)
		slog.Warn("playback.volume out of range, clamping",
			"configured", *cfg.Playback.Volume,
			"clamped", clamped,
		)
		cfg.Playback.Volume = &clamped
	}

	if cfg.Transport.Codec == "" {
		cfg.Transport.Codec = CodecPCM
	}
	if cfg.Transport.MaxReconnectAttempts == 0 {
		cfg.Transport.MaxReconnectAttempts = 5
	}
	if cfg.Transport.ReconnectDelayMs == 0 {
		cfg.Transport.ReconnectDelayMs = 1000
	}
	if cfg.Transport.AudioLivenessTimeoutMs == 0 {
		cfg.Transport.AudioLivenessTimeoutMs = 10000
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_size %d must be positive", cfg.Audio.ChunkSize))
	}
	if cfg.Audio.SilenceThresholdEnergy < 0 {
		errs = append(errs, fmt.Errorf("audio.silence_threshold_energy %.4f must not be negative", cfg.Audio.SilenceThresholdEnergy))
	}
	if cfg.Audio.SilenceConfirmDurationMs < 0 {
		errs = append(errs, fmt.Errorf("audio.silence_confirm_duration_ms %d must not be negative", cfg.Audio.SilenceConfirmDurationMs))
	}
	if cfg.Audio.MinGain <= 0 || cfg.Audio.MaxGain <= 0 {
		errs = append(errs, fmt.Errorf("audio.min_gain and audio.max_gain must be positive"))
	} else if cfg.Audio.MinGain > cfg.Audio.MaxGain {
		errs = append(errs, fmt.Errorf("audio.min_gain %.2f exceeds audio.max_gain %.2f", cfg.Audio.MinGain, cfg.Audio.MaxGain))
	}
	if g := cfg.Audio.InitialGain; g != 0 && (g < cfg.Audio.MinGain || g > cfg.Audio.MaxGain) {
		errs = append(errs, fmt.Errorf("audio.initial_gain %.2f is outside [min_gain, max_gain]", g))
	}

	cond := cfg.Audio.Conditioner
	if cond.Threshold < 0 || cond.Threshold > 1 {
		errs = append(errs, fmt.Errorf("audio.conditioner.threshold %.2f is out of range [0, 1]", cond.Threshold))
	}
	if cond.Ratio != 0 && cond.Ratio < 1 {
		errs = append(errs, fmt.Errorf("audio.conditioner.ratio %.2f must be at least 1", cond.Ratio))
	}
	if cond.GateFloor < 0 {
		errs = append(errs, fmt.Errorf("audio.conditioner.gate_floor %.4f must not be negative", cond.GateFloor))
	}
	if cond.AttackMs < 0 || cond.ReleaseMs < 0 {
		errs = append(errs, fmt.Errorf("audio.conditioner attack/release times must not be negative"))
	}

	if cfg.Transport.URL == "" {
		errs = append(errs, errors.New("transport.url is required"))
	}
	if cfg.Transport.Codec != "" && !cfg.Transport.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("transport.codec %q is invalid; valid values: pcm, opus", cfg.Transport.Codec))
	}
	if cfg.Transport.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("transport.max_reconnect_attempts %d must not be negative", cfg.Transport.MaxReconnectAttempts))
	}
	if cfg.Transport.ReconnectDelayMs < 0 {
		errs = append(errs, fmt.Errorf("transport.reconnect_delay_ms %d must not be negative", cfg.Transport.ReconnectDelayMs))
	}

	return errors.Join(errs...)
}

// Package config provides the configuration schema, loader, and device
// registry for the voicewire pipeline.
package config

import "log/slog"

// LogLevel controls log verbosity for the voicewire process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to the corresponding [slog.Level]. Unknown values map to
// info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Codec selects the audio payload compression on the transport.
type Codec string

const (
	// CodecPCM sends raw little-endian int16 samples.
	CodecPCM Codec = "pcm"

	// CodecOpus compresses payloads with Opus at voice settings.
	CodecOpus Codec = "opus"
)

// IsValid reports whether c is a recognised codec.
func (c Codec) IsValid() bool {
	return c == CodecPCM || c == CodecOpus
}

// Playback rate bounds, matching the playback streamer's clamp range.
const (
	MinPlaybackRate = 0.5
	MaxPlaybackRate = 3.0
)

// Config is the root configuration structure for voicewire. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Transport TransportConfig `yaml:"transport"`
}

// ServerConfig holds network and logging settings for the local admin
// surface (health endpoints and metrics).
type ServerConfig struct {
	// ListenAddr is the TCP address the admin server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig holds capture-side settings: device, sample format, VAD, and
// automatic gain control.
type AudioConfig struct {
	// InputDevice names the capture backend to use, looked up in the device
	// registry (e.g., "mock").
	InputDevice string `yaml:"input_device"`

	// SampleRate is the capture rate in Hz. Defaults to 16000.
	SampleRate int `yaml:"sample_rate"`

	// ChunkSize is the number of samples per emitted chunk. Defaults to 1024.
	ChunkSize int `yaml:"chunk_size"`

	// VADEnabled turns voice activity detection on. Defaults to true.
	VADEnabled *bool `yaml:"vad_enabled"`

	// SilenceThresholdEnergy is the RMS level below which a chunk counts as
	// silence. Defaults to 0.02.
	SilenceThresholdEnergy float64 `yaml:"silence_threshold_energy"`

	// SilenceConfirmDurationMs is how long input must stay quiet before a
	// Silence transition is confirmed. Defaults to 800.
	SilenceConfirmDurationMs int `yaml:"silence_confirm_duration_ms"`

	// AutoGain enables automatic input gain control.
	AutoGain bool `yaml:"auto_gain"`

	// InitialGain is the AGC starting gain. Defaults to 1.0.
	InitialGain float64 `yaml:"initial_gain"`

	// MinGain bounds AGC adaptation from below. Defaults to 0.25.
	MinGain float64 `yaml:"min_gain"`

	// MaxGain bounds AGC adaptation from above. Defaults to 8.0.
	MaxGain float64 `yaml:"max_gain"`

	// Conditioner tunes the signal conditioner stage.
	Conditioner ConditionerConfig `yaml:"conditioner"`
}

// ConditionerConfig tunes the envelope follower, noise gate, and compressor.
// Zero values select the built-in defaults.
type ConditionerConfig struct {
	// AttackMs is the envelope attack time constant in milliseconds.
	AttackMs float64 `yaml:"attack_ms"`

	// ReleaseMs is the envelope release time constant in milliseconds.
	ReleaseMs float64 `yaml:"release_ms"`

	// GateFloor is the envelope level below which output is forced to zero.
	GateFloor float64 `yaml:"gate_floor"`

	// Threshold is the level above which compression engages, in (0, 1].
	Threshold float64 `yaml:"threshold"`

	// Ratio is the compression ratio applied above the threshold.
	Ratio float64 `yaml:"ratio"`

	// MakeupGain is applied after compression.
	MakeupGain float64 `yaml:"makeup_gain"`
}

// PlaybackConfig holds output-side settings.
type PlaybackConfig struct {
	// OutputDevice names the playback backend, looked up in the device
	// registry (e.g., "mock").
	OutputDevice string `yaml:"output_device"`

	// SampleRate is the output device rate in Hz. Defaults to 24000.
	SampleRate int `yaml:"sample_rate"`

	// PlaybackRate is the playback speed, clamped to [0.5, 3.0].
	PlaybackRate float64 `yaml:"playback_rate"`

	// Volume is the output volume, clamped to [0.0, 1.0]. Optional so that an
	// explicit 0.0 (mute) is distinguishable from an absent key; absent means
	// full volume.
	Volume *float64 `yaml:"volume"`
}

// TransportConfig holds the session agent's connection settings.
type TransportConfig struct {
	// URL is the websocket endpoint of the remote voice service. Required.
	URL string `yaml:"url"`

	// Codec selects the audio payload compression. Defaults to "pcm".
	Codec Codec `yaml:"codec"`

	// MaxReconnectAttempts bounds consecutive failed connection attempts.
	// Defaults to 5.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// ReconnectDelayMs is the fixed delay between attempts. Defaults to 1000.
	ReconnectDelayMs int `yaml:"reconnect_delay_ms"`

	// AudioLivenessTimeoutMs is the audio liveness watchdog deadline.
	// Defaults to 10000; -1 disables the watchdog.
	AudioLivenessTimeoutMs int `yaml:"audio_liveness_timeout_ms"`
}

// VADEnabledOrDefault resolves the optional vad_enabled flag; unset means on.
func (a AudioConfig) VADEnabledOrDefault() bool {
	if a.VADEnabled == nil {
		return true
	}
	return *a.VADEnabled
}

// VolumeOrDefault resolves the optional volume field; unset means full
// volume.
func (p PlaybackConfig) VolumeOrDefault() float64 {
	if p.Volume == nil {
		return 1.0
	}
	return *p.Volume
}

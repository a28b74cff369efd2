package config

// ConfigDiff describes what changed between two configs. Only fields that
// can be acted on without a process restart are tracked: log level changes
// apply in place, tuning changes retune the running pipeline, and transport
// changes require an agent reconfigure.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CaptureTuningChanged covers VAD threshold/enable and AGC settings,
	// applied to the running capture pipeline.
	CaptureTuningChanged bool

	// PlaybackTuningChanged covers playback rate and volume, applied to the
	// running streamer.
	PlaybackTuningChanged bool

	// TransportChanged covers URL, codec, and reconnect policy; applying it
	// means tearing the session down and re-handshaking.
	TransportChanged bool

	// RestartRequired covers fields that cannot be hot-applied: sample
	// rates, chunk size, conditioner tuning, and device selection.
	RestartRequired bool
}

// Changed reports whether the diff carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.CaptureTuningChanged ||
		d.PlaybackTuningChanged || d.TransportChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Audio.VADEnabledOrDefault() != new.Audio.VADEnabledOrDefault() ||
		old.Audio.SilenceThresholdEnergy != new.Audio.SilenceThresholdEnergy ||
		old.Audio.SilenceConfirmDurationMs != new.Audio.SilenceConfirmDurationMs ||
		old.Audio.AutoGain != new.Audio.AutoGain ||
		old.Audio.InitialGain != new.Audio.InitialGain ||
		old.Audio.MinGain != new.Audio.MinGain ||
		old.Audio.MaxGain != new.Audio.MaxGain {
		d.CaptureTuningChanged = true
	}

	if old.Playback.PlaybackRate != new.Playback.PlaybackRate ||
		old.Playback.VolumeOrDefault() != new.Playback.VolumeOrDefault() {
		d.PlaybackTuningChanged = true
	}

	if old.Transport != new.Transport {
		d.TransportChanged = true
	}

	if old.Audio.SampleRate != new.Audio.SampleRate ||
		old.Audio.ChunkSize != new.Audio.ChunkSize ||
		old.Audio.Conditioner != new.Audio.Conditioner ||
		old.Audio.InputDevice != new.Audio.InputDevice ||
		old.Playback.SampleRate != new.Playback.SampleRate ||
		old.Playback.OutputDevice != new.Playback.OutputDevice ||
		old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = true
	}

	return d
}

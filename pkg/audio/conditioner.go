package audio

import (
	"math"
	"time"
)

// Conditioner defaults, chosen for 16 kHz speech capture.
const (
	defaultAttack    = 5 * time.Millisecond
	defaultRelease   = 120 * time.Millisecond
	defaultGateFloor = 0.008
	defaultThreshold = 0.6
	defaultRatio     = 4.0
	defaultMakeup    = 1.2
	defaultChunkSize = 1024
	clipCeiling      = 0.95
)

// ConditionerConfig holds the tuning parameters for a [Conditioner].
// Zero-value fields are replaced with defaults by [NewConditioner].
type ConditionerConfig struct {
	// SampleRate is the rate of the incoming float samples in Hz. Required.
	SampleRate int

	// Attack is the envelope follower's attack time constant.
	Attack time.Duration

	// Release is the envelope follower's release time constant.
	Release time.Duration

	// GateFloor is the envelope level below which output is truncated to
	// exact silence. Range (0, 1).
	GateFloor float64

	// Threshold is the amplitude above which compression engages. Range (0, 1).
	Threshold float64

	// Ratio is the compression ratio applied to signal above Threshold.
	// Must be >= 1.
	Ratio float64

	// MakeupGain is the linear gain applied after compression.
	MakeupGain float64

	// ChunkSize is the number of int16 samples accumulated before a [Chunk]
	// is emitted.
	ChunkSize int
}

// Conditioner transforms blocks of normalized float samples into gated,
// compressed, int16-encoded chunks. Per-sample computation is bounded — no
// look-ahead, no allocation beyond the chunk accumulator, no I/O — so Process
// is safe to call from a latency-sensitive capture loop.
//
// A Conditioner is stateful only through its envelope value and the partial
// chunk accumulator. It is not safe for concurrent use; create one per stream.
type Conditioner struct {
	cfg ConditionerConfig

	attackCoeff  float64
	releaseCoeff float64

	env       float64
	acc       []byte
	processed int64 // total samples consumed, for chunk timestamps
}

// NewConditioner creates a [Conditioner] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewConditioner(cfg ConditionerConfig) *Conditioner {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Attack <= 0 {
		cfg.Attack = defaultAttack
	}
	if cfg.Release <= 0 {
		cfg.Release = defaultRelease
	}
	if cfg.GateFloor <= 0 {
		cfg.GateFloor = defaultGateFloor
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.Ratio < 1 {
		cfg.Ratio = defaultRatio
	}
	if cfg.MakeupGain <= 0 {
		cfg.MakeupGain = defaultMakeup
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	return &Conditioner{
		cfg:          cfg,
		attackCoeff:  timeCoeff(cfg.Attack, cfg.SampleRate),
		releaseCoeff: timeCoeff(cfg.Release, cfg.SampleRate),
		acc:          make([]byte, 0, cfg.ChunkSize*2),
	}
}

// timeCoeff derives a one-pole smoothing coefficient from a time constant and
// the active sample rate: exp(-1 / (time · rate)).
func timeCoeff(tc time.Duration, rate int) float64 {
	return math.Exp(-1 / (tc.Seconds() * float64(rate)))
}

// Process conditions one block of samples and returns any chunks completed by
// it. Most calls return nil or a single chunk; a block larger than ChunkSize
// can complete several. Process never blocks and never fails — out-of-range
// input is clamped, not rejected.
func (c *Conditioner) Process(block []float32) []Chunk {
	var out []Chunk
	for _, x := range block {
		s := c.conditionSample(float64(x))
		c.acc = append(c.acc, byte(s), byte(s>>8))
		c.processed++

		if len(c.acc) >= c.cfg.ChunkSize*2 {
			out = append(out, c.emit())
		}
	}
	return out
}

// conditionSample applies the envelope follower, noise gate, compressor,
// makeup gain, and safety clip to a single sample, returning the encoded
// int16 value.
func (c *Conditioner) conditionSample(x float64) int16 {
	abs := math.Abs(x)

	// Envelope follower: fast attack, slow release.
	if abs > c.env {
		c.env = c.attackCoeff*c.env + (1-c.attackCoeff)*abs
	} else {
		c.env = c.releaseCoeff*c.env + (1-c.releaseCoeff)*abs
	}

	// Noise gate: below the floor the output is exact silence. Early exit
	// skips compression entirely.
	if c.env < c.cfg.GateFloor {
		return 0
	}

	// Compress the excess above the threshold by the configured ratio.
	if abs > c.cfg.Threshold {
		compressed := c.cfg.Threshold + (abs-c.cfg.Threshold)/c.cfg.Ratio
		x = math.Copysign(compressed, x)
	}

	// Makeup gain, then hard clip below full scale to avoid encoding overflow.
	x *= c.cfg.MakeupGain
	if x > clipCeiling {
		x = clipCeiling
	} else if x < -clipCeiling {
		x = -clipCeiling
	}

	return FloatToInt16(float32(x))
}

// emit hands off the accumulated chunk and resets the accumulator.
func (c *Conditioner) emit() Chunk {
	data := make([]byte, len(c.acc))
	copy(data, c.acc)
	c.acc = c.acc[:0]

	startSample := c.processed - int64(len(data)/2)
	return Chunk{
		Data:       data,
		SampleRate: c.cfg.SampleRate,
		Timestamp:  time.Duration(startSample) * time.Second / time.Duration(c.cfg.SampleRate),
	}
}

// Reset clears the envelope and discards any partially accumulated chunk.
// Use this when the capture stream restarts so stale envelope state from the
// previous segment does not affect subsequent samples.
func (c *Conditioner) Reset() {
	c.env = 0
	c.acc = c.acc[:0]
	c.processed = 0
}

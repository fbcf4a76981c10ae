package filter

import (
	"encoding/binary"
	"time"

	"github.com/MrWong99/captionist/pkg/audio"
)

const (
	// DefaultGateThreshold is the RMS level (in int16 sample units) above
	// which the gate considers a frame to contain signal.
	DefaultGateThreshold = 300

	defaultAttack  = 10 * time.Millisecond
	defaultRelease = 200 * time.Millisecond
	defaultFloor   = 0.25
)

// GateOption configures a [NoiseGate].
type GateOption func(*NoiseGate)

// WithThreshold sets the RMS open threshold.
func WithThreshold(rms float64) GateOption {
	return func(g *NoiseGate) {
		if rms > 0 {
			g.threshold = rms
		}
	}
}

// WithAttack sets how long RMS must stay above the threshold before the gate
// opens.
func WithAttack(d time.Duration) GateOption {
	return func(g *NoiseGate) {
		if d >= 0 {
			g.attack = d
		}
	}
}

// WithRelease sets how long RMS must stay below the threshold before the gate
// closes. The gain also ramps down over this period.
func WithRelease(d time.Duration) GateOption {
	return func(g *NoiseGate) {
		if d > 0 {
			g.release = d
		}
	}
}

// WithFloor sets the gain applied while the gate is closed, in [0, 1].
func WithFloor(gain float64) GateOption {
	return func(g *NoiseGate) {
		if gain >= 0 && gain <= 1 {
			g.floor = gain
		}
	}
}

// NoiseGate is an RMS hysteresis gate. It starts open so the first words of a
// session are never clipped.
type NoiseGate struct {
	threshold float64
	attack    time.Duration
	release   time.Duration
	floor     float64

	open  bool
	above time.Duration
	below time.Duration
	gain  float64
}

var _ Variant = (*NoiseGate)(nil)

// NewNoiseGate returns a gate with the given options applied over the
// defaults (threshold 300, attack 10 ms, release 200 ms, floor 0.25).
func NewNoiseGate(opts ...GateOption) *NoiseGate {
	g := &NoiseGate{
		threshold: DefaultGateThreshold,
		attack:    defaultAttack,
		release:   defaultRelease,
		floor:     defaultFloor,
		open:      true,
		gain:      1,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Name implements [Variant].
func (g *NoiseGate) Name() string { return "noise_gate" }

// IsOpen reports the current gate state.
func (g *NoiseGate) IsOpen() bool { return g.open }

// Process implements [Variant].
func (g *NoiseGate) Process(f audio.AudioFrame) audio.AudioFrame {
	d := f.Duration()
	if audio.RMS(f.Data) >= g.threshold {
		g.above += d
		g.below = 0
		if !g.open && g.above >= g.attack {
			g.open = true
		}
	} else {
		g.below += d
		g.above = 0
		if g.open && g.below >= g.release {
			g.open = false
		}
	}

	target := g.floor
	ramp := g.release
	if g.open {
		target = 1
		ramp = max(g.attack, d)
	}
	if d > 0 && ramp > 0 {
		step := (1 - g.floor) * float64(d) / float64(ramp)
		if g.gain < target {
			g.gain = min(target, g.gain+step)
		} else if g.gain > target {
			g.gain = max(target, g.gain-step)
		}
	} else {
		g.gain = target
	}

	if g.gain >= 1 {
		return f
	}
	out := make([]byte, len(f.Data))
	for i := 0; i+1 < len(f.Data); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(f.Data[i:])))
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(v*g.gain)))
	}
	f.Data = out
	return f
}
